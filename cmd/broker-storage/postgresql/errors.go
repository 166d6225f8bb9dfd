// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgresql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/omeid/pgerror"
)

// ErrBroken is returned by every operation once a connection level failure was seen.
var ErrBroken = errors.New("database connection is broken")

// DuplicateKey is the outcome of an insert that lost a race on a unique key.
type DuplicateKey struct {
	Table      string
	Constraint string
	Detail     string
	err        *pq.Error
}

func (d *DuplicateKey) Error() string {
	return fmt.Sprintf("duplicate key on %s (%s): %s", d.Table, d.Constraint, d.Detail)
}

func (d *DuplicateKey) Unwrap() error {
	return d.err
}

// FatalError wraps an error after which the connection can not be trusted anymore.
type FatalError struct {
	err error
}

func (f *FatalError) Error() string {
	return fmt.Sprintf("fatal database error: %s", f.err)
}

func (f *FatalError) Unwrap() error {
	return f.err
}

func (f *FatalError) Is(target error) bool {
	return target == ErrBroken
}

// toPQError converts a pgx server error into the lib/pq representation understood by pgerror.
func toPQError(err error) *pq.Error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	return &pq.Error{
		Severity:   pgErr.Severity,
		Code:       pq.ErrorCode(pgErr.Code),
		Message:    pgErr.Message,
		Detail:     pgErr.Detail,
		Hint:       pgErr.Hint,
		Schema:     pgErr.SchemaName,
		Table:      pgErr.TableName,
		Column:     pgErr.ColumnName,
		Constraint: pgErr.ConstraintName,
	}
}

// classify maps a driver error to DuplicateKey, FatalError or leaves it as is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBroken) {
		return err
	}
	if pqErr := toPQError(err); pqErr != nil {
		if e := pgerror.UniqueViolation(pqErr); e != nil {
			return &DuplicateKey{Table: e.Table, Constraint: e.Constraint, Detail: e.Detail, err: e}
		}
		if isConnectionError(pqErr) {
			return &FatalError{err: pqErr}
		}
		return pqErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return &FatalError{err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &FatalError{err: err}
	}
	return err
}

func isConnectionError(err *pq.Error) bool {
	return pgerror.ConnectionException(err) != nil ||
		pgerror.ConnectionDoesNotExist(err) != nil ||
		pgerror.ConnectionFailure(err) != nil ||
		pgerror.SQLclientUnableToEstablishSQLconnection(err) != nil ||
		pgerror.SQLserverRejectedEstablishmentOfSQLconnection(err) != nil ||
		pgerror.AdminShutdown(err) != nil ||
		pgerror.CrashShutdown(err) != nil ||
		pgerror.CannotConnectNow(err) != nil
}

// IsDuplicateKey reports whether err is, or wraps, a DuplicateKey.
func IsDuplicateKey(err error) bool {
	var dup *DuplicateKey
	return errors.As(err, &dup)
}
