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
	"strconv"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/broker-storage/internal"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

var (
	statementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brokerstorage_statements_total",
			Help: "Statements executed per logical connection and outcome",
		},
		[]string{"connection", "outcome"},
	)
	commitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brokerstorage_commit_duration_seconds",
			Help:    "Duration of transaction commits",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	queuedTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brokerstorage_connection_queued_tasks",
			Help: "Tasks waiting on a logical connection",
		},
		[]string{"connection"},
	)
)

// PgxIface is the part of pgxpool.Pool the executor needs. pgxmock pools satisfy it as well.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type Statement struct {
	SQL  string
	Args []any
}

type Result struct {
	Rows         [][]any
	RowsAffected int64
	Err          error
}

// Uint64 reads an integer column of the result, whatever width the driver decoded it to.
func (r Result) Uint64(row, col int) (uint64, bool) {
	if row >= len(r.Rows) || col >= len(r.Rows[row]) {
		return 0, false
	}
	return AsUint64(r.Rows[row][col])
}

// AsUint64 converts the integer types pgx returns for int2, int4 and int8 columns.
func AsUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int64:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int16:
		return uint64(n), n >= 0
	case int:
		return uint64(n), n >= 0
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	default:
		return 0, false
	}
}

// Executor runs statements on logical connections.
// Statements given to the same connection are executed in order inside one transaction
// which is only made durable by Commit.
type Executor interface {
	ConnectionCount() int
	ConnectionByInstance(instanceID uint32) int
	BestConnection() int
	RunStatement(conn int, stmt Statement, errMsg string)
	RunQuery(conn int, stmt Statement, errMsg string) <-chan Result
	RunCopy(conn int, table string, columns []string, rows [][]any, errMsg string)
	Commit(conn int) <-chan error
	Err() error
}

type Pool struct {
	db          PgxIface
	connections []*connection
	wg          sync.WaitGroup

	closeLock sync.RWMutex
	closed    bool

	errLock sync.RWMutex
	err     error
}

// New starts one worker per logical connection on top of db.
func New(db PgxIface, connections int, queueSize int) *Pool {
	if connections < 1 {
		connections = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{db: db}
	p.connections = make([]*connection, connections)
	for i := range p.connections {
		c := &connection{
			id:    i,
			label: strconv.Itoa(i),
			pool:  p,
			tasks: make(chan task, queueSize),
		}
		p.connections[i] = c
		p.wg.Add(1)
		go c.run(&p.wg)
	}
	return p
}

// Connect opens the database configured through the POSTGRES_* environment variables.
func Connect() (*Pool, error) {
	zap.S().Debugf("Setting up postgresql")
	PQHost, err := env.GetAsString("POSTGRES_HOST", false, "db")
	if err != nil {
		return nil, fmt.Errorf("failed to get POSTGRES_HOST from env: %w", err)
	}
	PQPort, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		return nil, fmt.Errorf("failed to get POSTGRES_PORT from env: %w", err)
	}
	PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get POSTGRES_USER from env: %w", err)
	}
	PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get POSTGRES_PASSWORD from env: %w", err)
	}
	PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get POSTGRES_DATABASE from env: %w", err)
	}
	PQSSLMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
	if err != nil {
		return nil, fmt.Errorf("failed to get POSTGRES_SSL_MODE from env: %w", err)
	}
	connections, err := env.GetAsInt("POSTGRES_CONNECTIONS", false, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to get POSTGRES_CONNECTIONS from env: %w", err)
	}
	queueSize, err := env.GetAsInt("POSTGRES_QUEUE_SIZE", false, 10000)
	if err != nil {
		return nil, fmt.Errorf("failed to get POSTGRES_QUEUE_SIZE from env: %w", err)
	}

	zap.S().Infof("Connecting to %s@%s:%d/%s [%s] with %d connections", PQUser, PQHost, PQPort, PQDBName, PQSSLMode, connections)

	conString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", PQHost, PQPort, PQUser, PQPassword, PQDBName, PQSSLMode)
	config, err := pgxpool.ParseConfig(conString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	// every logical connection pins one session, the rest is used by health checks
	config.MaxConns = int32(connections + 2)

	ctx, cncl := get5SecondContext()
	defer cncl()
	db, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres database: %w", err)
	}

	p := New(db, connections, queueSize)
	if !p.IsAvailable() {
		p.Close()
		return nil, errors.New("database is not available")
	}
	return p, nil
}

func (p *Pool) ConnectionCount() int {
	return len(p.connections)
}

// ConnectionByInstance always returns the same connection for a poller.
func (p *Pool) ConnectionByInstance(instanceID uint32) int {
	return ConnectionForInstance(instanceID, len(p.connections))
}

func ConnectionForInstance(instanceID uint32, connections int) int {
	if connections <= 1 {
		return 0
	}
	return int(internal.AsXXHash64(strconv.FormatUint(uint64(instanceID), 10)) % uint64(connections))
}

// BestConnection returns the connection with the fewest queued tasks.
func (p *Pool) BestConnection() int {
	best := 0
	bestPending := p.connections[0].pending.Load()
	for i := 1; i < len(p.connections); i++ {
		if pending := p.connections[i].pending.Load(); pending < bestPending {
			best = i
			bestPending = pending
		}
	}
	return best
}

// RunStatement queues a statement. Failures are logged with errMsg and do not stop the connection.
func (p *Pool) RunStatement(conn int, stmt Statement, errMsg string) {
	p.enqueue(conn, task{kind: taskExec, stmt: stmt, errMsg: errMsg})
}

// RunQuery queues a query. The returned channel receives exactly one Result.
func (p *Pool) RunQuery(conn int, stmt Statement, errMsg string) <-chan Result {
	result := make(chan Result, 1)
	p.enqueue(conn, task{kind: taskQuery, stmt: stmt, errMsg: errMsg, result: result})
	return result
}

func (p *Pool) RunCopy(conn int, table string, columns []string, rows [][]any, errMsg string) {
	p.enqueue(conn, task{kind: taskCopy, table: table, columns: columns, rows: rows, errMsg: errMsg})
}

// Commit makes everything queued before it on conn durable.
func (p *Pool) Commit(conn int) <-chan error {
	done := make(chan error, 1)
	p.enqueue(conn, task{kind: taskCommit, done: done})
	return done
}

// Err returns the error that broke the pool, if any.
func (p *Pool) Err() error {
	p.errLock.RLock()
	defer p.errLock.RUnlock()
	return p.err
}

func (p *Pool) setBroken(err error) {
	p.errLock.Lock()
	defer p.errLock.Unlock()
	if p.err == nil {
		zap.S().Errorf("Database connection is broken: %s", err)
		p.err = err
	}
}

func (p *Pool) enqueue(conn int, t task) {
	p.closeLock.RLock()
	defer p.closeLock.RUnlock()
	if p.closed {
		t.reply(Result{Err: ErrBroken})
		return
	}
	c := p.connections[conn]
	c.pending.Add(1)
	queuedTasks.WithLabelValues(c.label).Inc()
	c.tasks <- t
}

// Close stops the workers once their queues are drained and rolls back uncommitted work.
func (p *Pool) Close() {
	p.closeLock.Lock()
	if p.closed {
		p.closeLock.Unlock()
		return
	}
	p.closed = true
	for _, c := range p.connections {
		close(c.tasks)
	}
	p.closeLock.Unlock()
	p.wg.Wait()
	p.db.Close()
}

func (p *Pool) IsAvailable() bool {
	if p.db == nil {
		return false
	}
	ctx, cncl := get5SecondContext()
	defer cncl()
	err := p.db.Ping(ctx)
	if err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

func (p *Pool) GetHealthCheck() healthcheck.Check {
	return func() error {
		if err := p.Err(); err != nil {
			return err
		}
		if p.IsAvailable() {
			return nil
		}
		return errors.New("healthcheck failed to reach database")
	}
}

// Pending returns the number of queued tasks per connection.
func (p *Pool) Pending() []int64 {
	out := make([]int64, len(p.connections))
	for i, c := range p.connections {
		out[i] = c.pending.Load()
	}
	return out
}

func get5SecondContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func get1MinuteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 1*time.Minute)
}
