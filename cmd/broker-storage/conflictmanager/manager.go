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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/patrickmn/go-cache"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/postgresql"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// ErrNotInitialized is returned by InitStorage when InitSQL was not called in time.
var ErrNotInitialized = errors.New("conflict manager not initialized")

const (
	// longest sleep of the worker while no event is queued
	idleWait = 500 * time.Millisecond

	// batches smaller than QueriesPerBatch are written at least this often
	batchFlushPeriod = 10 * time.Second
)

// Publisher receives the events derived by the engine.
type Publisher interface {
	Write(ev shared.Event)
}

type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type SQLConfig struct {
	LoopTimeout       time.Duration
	InstanceTimeout   time.Duration
	MaxPendingQueries int
}

type StorageConfig struct {
	StoreInDB       bool
	RRDLen          uint32
	IntervalLength  uint32
	QueriesPerBatch int
}

type Config struct {
	SQL                SQLConfig
	Storage            StorageConfig
	StorageInitTimeout time.Duration
	CommandCacheBytes  int
	StatementCacheSize int
}

// ConfigFromEnv reads the engine configuration from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	loopTimeout, err := env.GetAsInt("LOOP_TIMEOUT", false, 5)
	if err != nil {
		return cfg, fmt.Errorf("failed to get LOOP_TIMEOUT from env: %w", err)
	}
	instanceTimeout, err := env.GetAsInt("INSTANCE_TIMEOUT", false, 300)
	if err != nil {
		return cfg, fmt.Errorf("failed to get INSTANCE_TIMEOUT from env: %w", err)
	}
	maxPending, err := env.GetAsInt("MAX_PENDING_QUERIES", false, 5000)
	if err != nil {
		return cfg, fmt.Errorf("failed to get MAX_PENDING_QUERIES from env: %w", err)
	}
	storeInDB, err := env.GetAsBool("STORE_IN_DB", false, true)
	if err != nil {
		return cfg, fmt.Errorf("failed to get STORE_IN_DB from env: %w", err)
	}
	rrdLen, err := env.GetAsInt("RRD_LENGTH", false, 15552000)
	if err != nil {
		return cfg, fmt.Errorf("failed to get RRD_LENGTH from env: %w", err)
	}
	intervalLength, err := env.GetAsInt("INTERVAL_LENGTH", false, 60)
	if err != nil {
		return cfg, fmt.Errorf("failed to get INTERVAL_LENGTH from env: %w", err)
	}
	queriesPerBatch, err := env.GetAsInt("QUERIES_PER_BATCH", false, 1000)
	if err != nil {
		return cfg, fmt.Errorf("failed to get QUERIES_PER_BATCH from env: %w", err)
	}
	initTimeout, err := env.GetAsInt("STORAGE_INIT_TIMEOUT", false, 60)
	if err != nil {
		return cfg, fmt.Errorf("failed to get STORAGE_INIT_TIMEOUT from env: %w", err)
	}
	commandCacheBytes, err := env.GetAsInt("COMMAND_CACHE_SIZE_BYTES", false, 16*1024*1024)
	if err != nil {
		return cfg, fmt.Errorf("failed to get COMMAND_CACHE_SIZE_BYTES from env: %w", err)
	}
	statementCacheSize, err := env.GetAsInt("STATEMENT_CACHE_SIZE", false, 256)
	if err != nil {
		return cfg, fmt.Errorf("failed to get STATEMENT_CACHE_SIZE from env: %w", err)
	}
	if loopTimeout < 0 || instanceTimeout < 0 || maxPending <= 0 || rrdLen < 0 || intervalLength <= 0 || queriesPerBatch <= 0 {
		return cfg, errors.New("engine configuration contains invalid values")
	}

	cfg.SQL = SQLConfig{
		LoopTimeout:       time.Duration(loopTimeout) * time.Second,
		InstanceTimeout:   time.Duration(instanceTimeout) * time.Second,
		MaxPendingQueries: maxPending,
	}
	cfg.Storage = StorageConfig{
		StoreInDB:       storeInDB,
		RRDLen:          uint32(rrdLen),
		IntervalLength:  uint32(intervalLength),
		QueriesPerBatch: queriesPerBatch,
	}
	cfg.StorageInitTimeout = time.Duration(initTimeout) * time.Second
	cfg.CommandCacheBytes = commandCacheBytes
	cfg.StatementCacheSize = statementCacheSize
	return cfg, nil
}

// Manager is the write-behind engine shared by the sql and storage lanes.
// Only its worker goroutine touches the caches, the batches and the action sets.
type Manager struct {
	exec       postgresql.Executor
	publisher  Publisher
	builder    *postgresql.Builder
	capacities *postgresql.Capacities
	cfg        Config

	sqlCfg     SQLConfig
	storageCfg atomic.Pointer[StorageConfig]

	fifo    *fifo
	cache   *caches
	tracker *tracker
	batches *batches
	stats   *statistics
	actions []actions
	// missing hosts are reported once per id and 5 minutes
	warned *cache.Cache
	now    func() time.Time

	broken         atomic.Bool
	flushRequested atomic.Bool
	lastIndexSweep time.Time
	lastFlush      time.Time

	stateLock sync.Mutex
	state     State
	refCount  int
	quit      chan struct{}
	done      chan struct{}
}

func New(exec postgresql.Executor, publisher Publisher, cfg Config) (*Manager, error) {
	if cfg.StatementCacheSize <= 0 {
		cfg.StatementCacheSize = 256
	}
	if cfg.CommandCacheBytes <= 0 {
		cfg.CommandCacheBytes = 16 * 1024 * 1024
	}
	capacities := postgresql.NewCapacities()
	builder, err := postgresql.NewBuilder(cfg.StatementCacheSize, capacities)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		exec:       exec,
		publisher:  publisher,
		builder:    builder,
		capacities: capacities,
		cfg:        cfg,
		fifo:       newFifo(),
		cache:      newCaches(cfg.CommandCacheBytes),
		tracker:    newTracker(),
		batches:    newBatches(),
		stats:      newStatistics(),
		actions:    make([]actions, exec.ConnectionCount()),
		warned:     cache.New(5*time.Minute, 10*time.Minute),
		now:        time.Now,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	storageCfg := cfg.Storage
	m.storageCfg.Store(&storageCfg)
	return m, nil
}

func (m *Manager) State() State {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	return m.state
}

// InitSQL preloads the caches and starts the worker.
func (m *Manager) InitSQL(cfg SQLConfig) error {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	if m.state != StateNotStarted {
		if m.state == StateRunning {
			m.refCount++
			return nil
		}
		return fmt.Errorf("cannot start conflict manager in state %s", m.state)
	}
	if cfg.MaxPendingQueries <= 0 {
		return errors.New("max pending queries must be positive")
	}

	m.sqlCfg = cfg
	m.tracker.timeout = cfg.InstanceTimeout
	if err := m.preload(); err != nil {
		return fmt.Errorf("failed to load caches: %w", err)
	}
	m.lastIndexSweep = m.now()
	m.lastFlush = m.now()
	m.state = StateRunning
	m.refCount++
	zap.S().Infof("Conflict manager started (loop timeout %s, instance timeout %s, max pending %d)",
		cfg.LoopTimeout, cfg.InstanceTimeout, cfg.MaxPendingQueries)
	go m.run()
	return nil
}

// InitStorage waits for InitSQL and then registers the storage lane.
func (m *Manager) InitStorage(ctx context.Context, cfg StorageConfig) error {
	if cfg.QueriesPerBatch <= 0 {
		return errors.New("queries per batch must be positive")
	}
	timeout := m.cfg.StorageInitTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		m.stateLock.Lock()
		if m.state == StateRunning {
			m.storageCfg.Store(&cfg)
			m.refCount++
			m.stateLock.Unlock()
			zap.S().Infof("Storage lane attached (store in db: %t, rrd length %d, interval length %d)",
				cfg.StoreInDB, cfg.RRDLen, cfg.IntervalLength)
			return nil
		}
		m.stateLock.Unlock()

		if !time.Now().Before(deadline) {
			return ErrNotInitialized
		}
		zap.S().Infof("Waiting for the sql lane to start the conflict manager")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendEvent queues ev and returns how many events of lane were durably handled since the last call.
func (m *Manager) SendEvent(lane shared.Lane, ev shared.Event) int32 {
	zap.S().Debugf("Queuing %s event on %s lane", ev.Type(), lane)
	return int32(m.fifo.Push(lane, ev))
}

func (m *Manager) GetAcks(lane shared.Lane) int32 {
	return int32(m.fifo.Acks(lane))
}

// Flush asks the worker to write its batches and commit on its next iteration.
func (m *Manager) Flush(lane shared.Lane) int32 {
	m.flushRequested.Store(true)
	select {
	case m.fifo.wake <- struct{}{}:
	default:
	}
	return m.GetAcks(lane)
}

// Unload releases one reference. The last one stops the worker after it handled the queue.
// It returns how many events of lane were not acknowledged.
func (m *Manager) Unload(lane shared.Lane) int32 {
	m.stateLock.Lock()
	if m.refCount > 0 {
		m.refCount--
	}
	last := m.refCount == 0 && m.state == StateRunning
	if last {
		m.state = StateFinished
		close(m.quit)
	}
	m.stateLock.Unlock()

	if last {
		<-m.done
		zap.S().Infof("Conflict manager stopped")
	}
	return int32(m.fifo.LaneDepth(lane))
}

// Broken reports whether the worker stopped on a database failure.
func (m *Manager) Broken() bool {
	return m.broken.Load() || m.exec.Err() != nil
}

func (m *Manager) GetHealthCheck() healthcheck.Check {
	return func() error {
		if m.Broken() {
			return errors.New("conflict manager is broken")
		}
		return nil
	}
}

func (m *Manager) exiting() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		if m.Broken() {
			zap.S().Errorf("Conflict manager stopped consuming events, the database connection is broken")
			<-m.quit
			return
		}

		loopStart := time.Now()
		if m.now().Sub(m.lastIndexSweep) >= indexSweepPeriod {
			m.sweepDeletedIndexes()
			m.lastIndexSweep = m.now()
		}

		count := m.consume(loopStart)

		if m.flushDue() {
			m.flushBatches()
		}
		m.finishActions()
		m.sweepUnresponsive()
		m.stats.record(count, time.Since(loopStart), m)

		if m.exiting() && m.fifo.QueueLength() == 0 {
			if !m.Broken() {
				m.flushBatches()
				m.finishActions()
			}
			return
		}
	}
}

// consume handles events until max pending queries were handled or the loop timeout elapsed.
func (m *Manager) consume(loopStart time.Time) int {
	deadline := loopStart.Add(m.sqlCfg.LoopTimeout)
	if m.sqlCfg.LoopTimeout <= 0 {
		deadline = loopStart.Add(time.Second)
	}
	max := m.sqlCfg.MaxPendingQueries
	count := 0
	for count < max && time.Now().Before(deadline) && !m.Broken() {
		batch := m.fifo.Drain(max - count)
		if len(batch) == 0 {
			if m.exiting() || m.flushRequested.Load() {
				break
			}
			wait := time.Until(deadline)
			if wait > idleWait {
				wait = idleWait
			}
			timer := time.NewTimer(wait)
			select {
			case <-m.fifo.wake:
			case <-m.quit:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}
		for _, e := range batch {
			m.dispatch(e)
			count++
		}
		if m.batches.full(m.storage().QueriesPerBatch) {
			m.flushBatches()
		}
	}
	return count
}

// flushDue reports whether the batches are written at the end of this loop: on request,
// once a batch reached QueriesPerBatch, or batchFlushPeriod after the last flush.
func (m *Manager) flushDue() bool {
	if m.flushRequested.Swap(false) {
		return true
	}
	if m.batches.full(m.storage().QueriesPerBatch) {
		return true
	}
	return m.now().Sub(m.lastFlush) >= batchFlushPeriod
}

func (m *Manager) dispatch(e *entry) {
	switch {
	case e.lane == shared.LaneSQL && e.event.Type().Category() == shared.CategoryNEB:
		m.handleNEB(e)
	case e.lane == shared.LaneStorage && e.event.Type() == shared.TypeServiceStatus:
		m.handleStorage(e, e.event.(*shared.ServiceStatus))
	default:
		zap.S().Debugf("Event %s on %s lane needs no write", e.event.Type(), e.lane)
		e.done = true
	}
}

func (m *Manager) storage() *StorageConfig {
	return m.storageCfg.Load()
}

func (m *Manager) runStatement(conn int, action actions, stmt postgresql.Statement, errMsg string) {
	m.exec.RunStatement(conn, stmt, errMsg)
	m.actions[conn] |= action
}

func (m *Manager) runRow(conn int, action actions, tpl postgresql.Template, row shared.Row, errMsg string) {
	stmt, err := m.builder.Build(tpl, row)
	if err != nil {
		zap.S().Errorf("%s: %s", errMsg, err)
		return
	}
	m.runStatement(conn, action, stmt, errMsg)
}

// query waits for the result of a statement. A duplicate key is returned to the caller without being logged.
func (m *Manager) query(conn int, action actions, stmt postgresql.Statement, errMsg string) postgresql.Result {
	m.actions[conn] |= action
	return <-m.exec.RunQuery(conn, stmt, errMsg)
}
