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

package conflictmanager

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/helper"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/postgresql"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
)

type call struct {
	kind    string
	conn    int
	sql     string
	args    []any
	table   string
	columns []string
	rows    [][]any
}

// fakeExecutor records what the engine asks of the database.
type fakeExecutor struct {
	lock        sync.Mutex
	connections int
	calls       []call
	commits     []int
	commitErr   error
	err         error
	// BestConnection cycles through the connections when set
	rotate bool
	best   int
	// answers queries whose SQL contains the key, the last answer repeats
	results map[string][]postgresql.Result
}

func newFakeExecutor(connections int) *fakeExecutor {
	return &fakeExecutor{connections: connections, results: make(map[string][]postgresql.Result)}
}

func (f *fakeExecutor) ConnectionCount() int { return f.connections }

func (f *fakeExecutor) ConnectionByInstance(instanceID uint32) int {
	return postgresql.ConnectionForInstance(instanceID, f.connections)
}

func (f *fakeExecutor) BestConnection() int {
	if !f.rotate {
		return 0
	}
	conn := f.best % f.connections
	f.best++
	return conn
}

func (f *fakeExecutor) RunStatement(conn int, stmt postgresql.Statement, _ string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, call{kind: "exec", conn: conn, sql: stmt.SQL, args: stmt.Args})
}

func (f *fakeExecutor) RunQuery(conn int, stmt postgresql.Statement, _ string) <-chan postgresql.Result {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, call{kind: "query", conn: conn, sql: stmt.SQL, args: stmt.Args})
	out := make(chan postgresql.Result, 1)
	res := postgresql.Result{}
	for key, answers := range f.results {
		if strings.Contains(stmt.SQL, key) {
			res = answers[0]
			if len(answers) > 1 {
				f.results[key] = answers[1:]
			}
			break
		}
	}
	out <- res
	return out
}

func (f *fakeExecutor) RunCopy(conn int, table string, columns []string, rows [][]any, _ string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, call{kind: "copy", conn: conn, table: table, columns: columns, rows: rows})
}

func (f *fakeExecutor) Commit(conn int) <-chan error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.commits = append(f.commits, conn)
	out := make(chan error, 1)
	out <- f.commitErr
	return out
}

func (f *fakeExecutor) Err() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.err
}

func (f *fakeExecutor) answer(key string, res ...postgresql.Result) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.results[key] = res
}

func resultErr(err error) postgresql.Result {
	return postgresql.Result{Err: err}
}

func resultRows(rows ...[]any) postgresql.Result {
	return postgresql.Result{Rows: rows, RowsAffected: int64(len(rows))}
}

func (f *fakeExecutor) matching(fragment string) []call {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []call
	for _, c := range f.calls {
		if strings.Contains(c.sql, fragment) || (c.kind == "copy" && c.table == fragment) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeExecutor) reset() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = nil
	f.commits = nil
}

type fakePublisher struct {
	lock   sync.Mutex
	events []shared.Event
}

func (p *fakePublisher) Write(ev shared.Event) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) ofType(t shared.Type) []shared.Event {
	p.lock.Lock()
	defer p.lock.Unlock()
	var out []shared.Event
	for _, ev := range p.events {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

var testStorageConfig = StorageConfig{StoreInDB: true, RRDLen: 180, IntervalLength: 60, QueriesPerBatch: 1000}

// newTestManager returns a manager whose worker is not started, so handlers can be driven directly.
func newTestManager(t *testing.T, connections int) (*Manager, *fakeExecutor, *fakePublisher) {
	t.Helper()
	helper.InitTestLogging()
	exec := newFakeExecutor(connections)
	pub := &fakePublisher{}
	m, err := New(exec, pub, Config{
		SQL:                SQLConfig{LoopTimeout: 200 * time.Millisecond, InstanceTimeout: time.Minute, MaxPendingQueries: 100},
		Storage:            testStorageConfig,
		StorageInitTimeout: time.Second,
		CommandCacheBytes:  1024 * 1024,
		StatementCacheSize: 64,
	})
	require.NoError(t, err)
	m.sqlCfg = m.cfg.SQL
	m.tracker.timeout = m.cfg.SQL.InstanceTimeout
	return m, exec, pub
}

func sqlEntry(ev shared.Event) *entry {
	return &entry{event: ev, lane: shared.LaneSQL}
}
