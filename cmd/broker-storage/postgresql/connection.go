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
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type taskKind uint8

const (
	taskExec taskKind = iota
	taskQuery
	taskCopy
	taskCommit
)

type task struct {
	kind    taskKind
	stmt    Statement
	table   string
	columns []string
	rows    [][]any
	errMsg  string
	result  chan Result
	done    chan error
}

func (t task) reply(r Result) {
	if t.result != nil {
		t.result <- r
	}
	if t.done != nil {
		t.done <- r.Err
	}
}

// connection owns one open transaction. Only its worker goroutine touches tx.
type connection struct {
	id      int
	label   string
	pool    *Pool
	tasks   chan task
	pending atomic.Int64
	tx      pgx.Tx
}

func (c *connection) run(wg *sync.WaitGroup) {
	defer wg.Done()
	zap.S().Debugf("Starting worker for connection %d", c.id)
	for t := range c.tasks {
		c.handle(t)
		c.pending.Add(-1)
		queuedTasks.WithLabelValues(c.label).Dec()
	}
	c.discard()
	zap.S().Debugf("Stopped worker for connection %d", c.id)
}

func (c *connection) handle(t task) {
	if err := c.pool.Err(); err != nil {
		t.reply(Result{Err: err})
		return
	}

	switch t.kind {
	case taskCommit:
		t.reply(Result{Err: c.commit()})
	case taskExec:
		var affected int64
		err := c.inSavepoint(func(ctx context.Context, tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, t.stmt.SQL, t.stmt.Args...)
			affected = tag.RowsAffected()
			return err
		})
		c.report(t, err)
		t.reply(Result{RowsAffected: affected, Err: err})
	case taskQuery:
		var res Result
		res.Err = c.inSavepoint(func(ctx context.Context, tx pgx.Tx) error {
			rows, err := tx.Query(ctx, t.stmt.SQL, t.stmt.Args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				values, err := rows.Values()
				if err != nil {
					return err
				}
				res.Rows = append(res.Rows, values)
			}
			if err = rows.Err(); err != nil {
				return err
			}
			res.RowsAffected = rows.CommandTag().RowsAffected()
			return nil
		})
		if res.Err != nil {
			res.Rows = nil
		}
		c.report(t, res.Err)
		t.reply(res)
	case taskCopy:
		var copied int64
		err := c.inSavepoint(func(ctx context.Context, tx pgx.Tx) error {
			var err error
			copied, err = tx.CopyFrom(ctx, pgx.Identifier{t.table}, t.columns, pgx.CopyFromRows(t.rows))
			return err
		})
		c.report(t, err)
		if err == nil {
			zap.S().Debugf("Copied %d rows into %s on connection %d", copied, t.table, c.id)
		}
		t.reply(Result{RowsAffected: copied, Err: err})
	}
}

func (c *connection) report(t task, err error) {
	if err == nil {
		statementsTotal.WithLabelValues(c.label, "ok").Inc()
		return
	}
	var dup *DuplicateKey
	switch {
	case errors.As(err, &dup):
		statementsTotal.WithLabelValues(c.label, "duplicate").Inc()
		// the caller of a query decides whether this is expected
		if t.kind != taskQuery {
			zap.S().Warnf("%s: %s", t.errMsg, err)
		}
	case errors.Is(err, ErrBroken):
		statementsTotal.WithLabelValues(c.label, "fatal").Inc()
		zap.S().Errorf("%s: %s", t.errMsg, err)
	default:
		statementsTotal.WithLabelValues(c.label, "error").Inc()
		zap.S().Warnf("%s: %s", t.errMsg, err)
	}
}

// inSavepoint runs fn inside a savepoint of the connection's transaction,
// so a failing statement does not abort the statements queued before it.
func (c *connection) inSavepoint(fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cncl := get1MinuteContext()
	defer cncl()

	if c.tx == nil {
		tx, err := c.pool.db.Begin(ctx)
		if err != nil {
			return c.fail(&FatalError{err: err})
		}
		c.tx = tx
	}

	sp, err := c.tx.Begin(ctx)
	if err != nil {
		return c.fail(&FatalError{err: err})
	}
	if err = fn(ctx, sp); err != nil {
		err = classify(err)
		rollbackCtx, rollbackCtxCncl := get5SecondContext()
		rbErr := sp.Rollback(rollbackCtx)
		rollbackCtxCncl()
		if rbErr != nil {
			zap.S().Errorf("Failed to rollback savepoint: %s (connection %d)", rbErr, c.id)
			return c.fail(&FatalError{err: rbErr})
		}
		return c.fail(err)
	}
	if err = sp.Commit(ctx); err != nil {
		return c.fail(&FatalError{err: err})
	}
	return nil
}

func (c *connection) commit() error {
	if c.tx == nil {
		return nil
	}
	ctx, cncl := get1MinuteContext()
	defer cncl()

	now := time.Now()
	err := c.tx.Commit(ctx)
	commitDuration.Observe(time.Since(now).Seconds())
	c.tx = nil
	if err != nil {
		// whatever was in the transaction is gone, nothing queued so far may be acknowledged
		zap.S().Errorf("Failed to commit transaction: %s (connection %d)", err, c.id)
		return c.fail(&FatalError{err: err})
	}
	zap.S().Debugf("Committing connection %d took: %s", c.id, time.Since(now))
	return nil
}

// fail breaks the pool on fatal errors and drops the transaction that can no longer be used.
func (c *connection) fail(err error) error {
	if errors.Is(err, ErrBroken) {
		c.pool.setBroken(err)
		c.discard()
	}
	return err
}

func (c *connection) discard() {
	if c.tx == nil {
		return
	}
	ctx, cncl := get5SecondContext()
	defer cncl()
	if err := c.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		zap.S().Debugf("Failed to rollback transaction: %s (connection %d)", err, c.id)
	}
	c.tx = nil
}
