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
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/helper"
)

func CreateMockPool(t *testing.T, connections int) (pgxmock.PgxPoolIface, *Pool) {
	helper.InitTestLogging()
	mocked, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("Failed to create mock connection: %v", err)
	}
	return mocked, New(mocked, connections, 16)
}

func closeMockPool(t *testing.T, mock pgxmock.PgxPoolIface, p *Pool) {
	mock.ExpectClose()
	p.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMockPool(t *testing.T) {
	mock, p := CreateMockPool(t, 3)
	assert.Equal(t, 3, p.ConnectionCount())
	assert.Equal(t, []int64{0, 0, 0}, p.Pending())
	assert.Equal(t, 0, p.BestConnection())
	assert.NoError(t, p.Err())
	closeMockPool(t, mock, p)
}

func TestConnectionByInstance(t *testing.T) {
	mock, p := CreateMockPool(t, 4)
	for id := uint32(0); id < 64; id++ {
		conn := p.ConnectionByInstance(id)
		assert.GreaterOrEqual(t, conn, 0)
		assert.Less(t, conn, 4)
		assert.Equal(t, conn, p.ConnectionByInstance(id))
	}
	assert.Equal(t, 0, ConnectionForInstance(17, 1))
	closeMockPool(t, mock, p)
}

func TestRunStatementAndCommit(t *testing.T) {
	mock, p := CreateMockPool(t, 1)
	stmt := Statement{SQL: `UPDATE "instances" SET "outdated"=TRUE WHERE "instance_id"=$1`, Args: []any{uint32(1)}}

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(stmt.SQL)).WithArgs(uint32(1)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectCommit()

	p.RunStatement(0, stmt, "Failed to mark instance outdated")
	require.NoError(t, <-p.Commit(0))

	// nothing queued, nothing to commit
	require.NoError(t, <-p.Commit(0))
	closeMockPool(t, mock, p)
}

func TestFailingStatementKeepsTransaction(t *testing.T) {
	mock, p := CreateMockPool(t, 1)

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM").WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectCommit()

	p.RunStatement(0, Statement{SQL: "DELETE FROM hosts"}, "Failed to delete host")
	p.RunStatement(0, Statement{SQL: "UPDATE hosts SET enabled=FALSE"}, "Failed to disable host")
	require.NoError(t, <-p.Commit(0))
	assert.NoError(t, p.Err())
	closeMockPool(t, mock, p)
}

func TestRunQuery(t *testing.T) {
	mock, p := CreateMockPool(t, 1)

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM index_data").
		WithArgs(uint64(24), uint64(318)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()
	mock.ExpectCommit()

	res := <-p.RunQuery(0, Statement{
		SQL:  "SELECT id FROM index_data WHERE host_id=$1 AND service_id=$2",
		Args: []any{uint64(24), uint64(318)},
	}, "Failed to query index")
	require.NoError(t, res.Err)
	id, ok := res.Uint64(0, 0)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), id)
	_, ok = res.Uint64(1, 0)
	assert.False(t, ok)

	require.NoError(t, <-p.Commit(0))
	closeMockPool(t, mock, p)
}

func TestRunQueryDuplicateKey(t *testing.T) {
	mock, p := CreateMockPool(t, 1)

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO index_data").WillReturnError(&pgconn.PgError{Code: "23505", TableName: "index_data"})
	mock.ExpectRollback()
	mock.ExpectCommit()

	res := <-p.RunQuery(0, Statement{SQL: "INSERT INTO index_data (host_id) VALUES (1) RETURNING id"}, "Failed to insert index")
	assert.True(t, IsDuplicateKey(res.Err))
	assert.Nil(t, res.Rows)
	assert.NoError(t, p.Err())

	require.NoError(t, <-p.Commit(0))
	closeMockPool(t, mock, p)
}

func TestRunCopy(t *testing.T) {
	mock, p := CreateMockPool(t, 1)
	columns := []string{"id_metric", "ctime", "status", "value"}

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"data_bin"}, columns).WillReturnResult(2)
	mock.ExpectCommit()
	mock.ExpectCommit()

	p.RunCopy(0, "data_bin", columns, [][]any{
		{int64(1), int64(100), "0", 1.5},
		{int64(2), int64(100), "0", 2.5},
	}, "Failed to insert perfdata")
	require.NoError(t, <-p.Commit(0))
	closeMockPool(t, mock, p)
}

func TestBrokenPool(t *testing.T) {
	mock, p := CreateMockPool(t, 2)

	mock.ExpectBegin().WillReturnError(errors.New("dial tcp: connection refused"))

	res := <-p.RunQuery(1, Statement{SQL: "SELECT 1"}, "Failed to select")
	assert.ErrorIs(t, res.Err, ErrBroken)
	assert.ErrorIs(t, p.Err(), ErrBroken)

	// every later operation fails without touching the database
	assert.ErrorIs(t, <-p.Commit(0), ErrBroken)
	assert.ErrorIs(t, (<-p.RunQuery(0, Statement{SQL: "SELECT 1"}, "Failed to select")).Err, ErrBroken)
	assert.Error(t, p.GetHealthCheck()())

	closeMockPool(t, mock, p)
}

func TestCommitFailureBreaksPool(t *testing.T) {
	mock, p := CreateMockPool(t, 1)

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectCommit().WillReturnError(errors.New("unexpected EOF"))

	p.RunStatement(0, Statement{SQL: "UPDATE hosts SET enabled=TRUE"}, "Failed to enable host")
	assert.ErrorIs(t, <-p.Commit(0), ErrBroken)
	assert.ErrorIs(t, p.Err(), ErrBroken)
	closeMockPool(t, mock, p)
}

func TestHealthCheck(t *testing.T) {
	mock, p := CreateMockPool(t, 1)
	mock.ExpectPing()
	assert.NoError(t, p.GetHealthCheck()())
	mock.ExpectPing().WillReturnError(errors.New("down"))
	assert.Error(t, p.GetHealthCheck()())
	closeMockPool(t, mock, p)
}

func TestClosedPool(t *testing.T) {
	mock, p := CreateMockPool(t, 1)
	closeMockPool(t, mock, p)
	assert.ErrorIs(t, <-p.Commit(0), ErrBroken)
	assert.ErrorIs(t, (<-p.RunQuery(0, Statement{SQL: "SELECT 1"}, "")).Err, ErrBroken)
	p.Close()
}
