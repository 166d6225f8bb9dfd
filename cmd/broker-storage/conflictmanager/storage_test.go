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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/postgresql"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
)

func storageEntry(ev *shared.ServiceStatus) *entry {
	return &entry{event: ev, lane: shared.LaneStorage}
}

func serviceStatus(perfdata string) *shared.ServiceStatus {
	ev := &shared.ServiceStatus{HostID: 1, ServiceID: 2, HostName: "web-01", ServiceDescription: "load"}
	ev.LastCheck = 1000
	ev.CheckInterval = 5
	ev.LastHardState = 1
	ev.CurrentState = 1
	ev.PerfData = perfdata
	return ev
}

func TestStorageCreatesIndexAndMetric(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	exec.answer("INSERT INTO index_data", resultRows([]any{int64(10)}))
	exec.answer("INSERT INTO metrics", resultRows([]any{int64(20)}))

	e := storageEntry(serviceStatus("'load'=1.5;2;3;0;10"))
	m.handleStorage(e, e.event.(*shared.ServiceStatus))

	mappings := pub.ofType(shared.TypeIndexMapping)
	require.Len(t, mappings, 1)
	assert.Equal(t, &shared.IndexMapping{IndexID: 10, HostID: 1, ServiceID: 2}, mappings[0])

	statuses := pub.ofType(shared.TypeStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, &shared.Status{CTime: 1000, IndexID: 10, Interval: 300, RRDLen: 180, State: 1}, statuses[0])

	assert.Equal(t, []shared.Event{&shared.MetricMapping{IndexID: 10, MetricID: 20}}, pub.ofType(shared.TypeMetricMapping))
	metrics := pub.ofType(shared.TypeMetric)
	require.Len(t, metrics, 1)
	assert.Equal(t, shared.Float(1.5), metrics[0].(*shared.Metric).Value)
	assert.Equal(t, uint64(20), metrics[0].(*shared.Metric).MetricID)

	// the data point is written by the next flush, the event waits for it
	assert.False(t, e.done)
	assert.Equal(t, 1, m.batches.sizes().Perfdata)
	m.flushBatches()
	assert.True(t, e.done)

	copies := exec.matching("data_bin")
	require.Len(t, copies, 1)
	assert.Equal(t, dataBinColumns, copies[0].columns)
	assert.Equal(t, [][]any{{uint64(20), int64(1000), "1", 1.5}}, copies[0].rows)
	assert.Equal(t, actionIndexData|actionMetrics|actionDataBin, m.actions[0])
}

func TestStorageIndexCreatedConcurrently(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	exec.answer("INSERT INTO index_data", resultErr(&postgresql.DuplicateKey{Table: "index_data"}))
	exec.answer("SELECT id FROM index_data", resultRows([]any{int64(7)}))

	e := storageEntry(serviceStatus(""))
	m.handleStorage(e, e.event.(*shared.ServiceStatus))

	updates := exec.matching("UPDATE index_data")
	require.Len(t, updates, 1)
	assert.Equal(t, uint64(7), updates[0].args[len(updates[0].args)-1])
	assert.Equal(t, []shared.Event{&shared.IndexMapping{IndexID: 7, HostID: 1, ServiceID: 2}}, pub.ofType(shared.TypeIndexMapping))
	assert.Equal(t, uint64(7), m.cache.index[indexKey{hostID: 1, serviceID: 2}].IndexID)
	assert.True(t, e.done)

	// the cached index is reused
	exec.reset()
	m.handleStorage(storageEntry(serviceStatus("")), serviceStatus(""))
	assert.Empty(t, exec.matching("index_data"))
	assert.Len(t, pub.ofType(shared.TypeIndexMapping), 1)
	assert.Len(t, pub.ofType(shared.TypeStatus), 2)
}

func TestStorageIndexFailureSkipsStatus(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	exec.answer("INSERT INTO index_data", resultErr(postgresql.ErrBroken))

	e := storageEntry(serviceStatus("'load'=1"))
	m.handleStorage(e, e.event.(*shared.ServiceStatus))
	assert.True(t, e.done)
	assert.Empty(t, pub.events)
	assert.Empty(t, m.cache.index)
}

func TestStorageMetricCreatedConcurrently(t *testing.T) {
	m, exec, _ := newTestManager(t, 1)
	m.cache.index[indexKey{hostID: 1, serviceID: 2}] = &IndexRecord{IndexID: 10, HostID: 1, ServiceID: 2}
	exec.answer("INSERT INTO metrics", resultErr(&postgresql.DuplicateKey{Table: "metrics"}))
	exec.answer("SELECT metric_id FROM metrics", resultRows([]any{int64(21)}))

	e := storageEntry(serviceStatus("'load'=1.5"))
	m.handleStorage(e, e.event.(*shared.ServiceStatus))

	// the existing row may hold other thresholds, it is rewritten
	assert.Equal(t, []uint64{21}, m.batches.metricOrder)
	assert.Equal(t, uint64(21), m.cache.metrics[metricKey{indexID: 10, name: "load"}].MetricID)
	assert.False(t, e.done)

	m.flushBatches()
	assert.Len(t, exec.matching("UPDATE metrics AS m SET"), 1)
	assert.True(t, e.done)
}

func TestStorageMetricWriteElision(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	exec.answer("INSERT INTO index_data", resultRows([]any{int64(10)}))
	exec.answer("INSERT INTO metrics", resultRows([]any{int64(20)}))

	for i := 0; i < 2; i++ {
		m.handleStorage(storageEntry(serviceStatus("'load'=1.5;;;0")), serviceStatus("'load'=1.5;;;0"))
	}
	assert.Len(t, exec.matching("INSERT INTO metrics"), 1)
	assert.Equal(t, 0, m.batches.sizes().MetricUpdates)
	assert.Len(t, pub.ofType(shared.TypeMetricMapping), 1)
	assert.Len(t, pub.ofType(shared.TypeMetric), 2)

	m.handleStorage(storageEntry(serviceStatus("'load'=2.5;;;0")), serviceStatus("'load'=2.5;;;0"))
	assert.Equal(t, 1, m.batches.sizes().MetricUpdates)
	assert.Equal(t, 2.5, m.cache.metrics[metricKey{indexID: 10, name: "load"}].Value)
	assert.Len(t, pub.ofType(shared.TypeMetricMapping), 1)

	m.flushBatches()
	updates := exec.matching("UPDATE metrics AS m SET")
	require.Len(t, updates, 1)
	assert.Len(t, updates[0].args, len(metricUpdateColumns))
	assert.Equal(t, uint64(20), updates[0].args[0])
}

func TestStorageLockedIndex(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	m.cache.index[indexKey{hostID: 1, serviceID: 2}] = &IndexRecord{IndexID: 10, HostID: 1, ServiceID: 2, Locked: true, RRDRetention: 30}
	exec.answer("INSERT INTO metrics", resultRows([]any{int64(20)}))

	m.handleStorage(storageEntry(serviceStatus("'load'=1.5")), serviceStatus("'load'=1.5"))

	assert.Empty(t, pub.ofType(shared.TypeMetric))
	assert.Len(t, pub.ofType(shared.TypeMetricMapping), 1)
	assert.Equal(t, uint32(30), pub.ofType(shared.TypeStatus)[0].(*shared.Status).RRDLen)
	assert.Equal(t, 1, m.batches.sizes().Perfdata)
}

func TestStorageWithoutDatabaseCopy(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	cfg := testStorageConfig
	cfg.StoreInDB = false
	m.storageCfg.Store(&cfg)
	exec.answer("INSERT INTO index_data", resultRows([]any{int64(10)}))
	exec.answer("INSERT INTO metrics", resultRows([]any{int64(20)}))

	e := storageEntry(serviceStatus("'load'=1.5"))
	m.handleStorage(e, e.event.(*shared.ServiceStatus))
	assert.True(t, e.done)
	assert.Equal(t, 0, m.batches.sizes().Perfdata)
	assert.Len(t, pub.ofType(shared.TypeMetric), 1)
}

func TestStorageInvalidPerfdata(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	exec.answer("INSERT INTO index_data", resultRows([]any{int64(10)}))

	e := storageEntry(serviceStatus("'load'="))
	m.handleStorage(e, e.event.(*shared.ServiceStatus))
	assert.True(t, e.done)
	assert.Len(t, pub.ofType(shared.TypeStatus), 1)
	assert.Empty(t, pub.ofType(shared.TypeMetric))
	assert.Empty(t, exec.matching("INSERT INTO metrics"))
}

func TestDataBinValue(t *testing.T) {
	assert.Nil(t, dataBinValue(math.NaN()))
	assert.Equal(t, float64(math.MaxFloat32), dataBinValue(math.Inf(1)))
	assert.Equal(t, -float64(math.MaxFloat32), dataBinValue(math.Inf(-1)))
	assert.Equal(t, 4.2, dataBinValue(4.2))
}

func TestSweepDeletedIndexes(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	m.cache.index[indexKey{hostID: 1, serviceID: 2}] = &IndexRecord{IndexID: 5, HostID: 1, ServiceID: 2}
	m.cache.index[indexKey{hostID: 1, serviceID: 3}] = &IndexRecord{IndexID: 6, HostID: 1, ServiceID: 3}
	m.cache.index[indexKey{hostID: 1, serviceID: 4}] = &IndexRecord{IndexID: 8, HostID: 1, ServiceID: 4}
	m.cache.metrics[metricKey{indexID: 5, name: "a"}] = &MetricRecord{MetricID: 50, IndexID: 5}
	m.cache.metrics[metricKey{indexID: 5, name: "b"}] = &MetricRecord{MetricID: 51, IndexID: 5}
	m.cache.metrics[metricKey{indexID: 8, name: "c"}] = &MetricRecord{MetricID: 80, IndexID: 8}
	exec.answer("i.to_delete=TRUE", resultRows(
		[]any{int64(5), int64(50)},
		[]any{int64(5), int64(51)},
		[]any{int64(6), nil},
	))

	m.sweepDeletedIndexes()

	metrics := exec.matching("DELETE FROM metrics")
	require.Len(t, metrics, 1)
	assert.Equal(t, []any{[]int64{50, 51}}, metrics[0].args)
	indexes := exec.matching("DELETE FROM index_data")
	require.Len(t, indexes, 1)
	assert.Equal(t, []any{[]int64{5, 6}}, indexes[0].args)

	assert.Equal(t, []shared.Event{
		&shared.RemoveGraph{ID: 50},
		&shared.RemoveGraph{ID: 51},
		&shared.RemoveGraph{ID: 5, IsIndex: true},
		&shared.RemoveGraph{ID: 6, IsIndex: true},
	}, pub.ofType(shared.TypeRemoveGraph))
	assert.Len(t, m.cache.index, 1)
	assert.Len(t, m.cache.metrics, 1)
}

func TestSweepWithoutDeletedIndexes(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	m.sweepDeletedIndexes()
	assert.Len(t, exec.calls, 1)
	assert.Empty(t, pub.events)
}

func TestStatusInterval(t *testing.T) {
	assert.Equal(t, uint32(300), statusInterval(5, 60))
	assert.Equal(t, uint32(90), statusInterval(1.5, 60))
	assert.Equal(t, uint32(0), statusInterval(-2, 60))
	assert.Equal(t, uint32(0), statusInterval(math.NaN(), 60))
	assert.Equal(t, uint32(math.MaxUint32), statusInterval(math.Inf(1), 60))
}

func TestNegativeCheckIntervalGivesZeroInterval(t *testing.T) {
	m, _, pub := newTestManager(t, 1)
	m.cache.index[indexKey{hostID: 1, serviceID: 2}] = &IndexRecord{IndexID: 10, HostID: 1, ServiceID: 2}
	ev := serviceStatus("")
	ev.CheckInterval = -1

	m.handleStorage(storageEntry(ev), ev)
	statuses := pub.ofType(shared.TypeStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, uint32(0), statuses[0].(*shared.Status).Interval)
}
