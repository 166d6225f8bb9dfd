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
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
)

func TestPreloadFillsCaches(t *testing.T) {
	m, exec, pub := newTestManager(t, 1)
	exec.answer("FROM instances WHERE", resultRows(
		[]any{int64(6), true, false},
		[]any{int64(7), false, true},
	))
	exec.answer("FROM index_data", resultRows(
		[]any{int64(10), int64(1), int64(2), "web-01", "load", nil, "0", "1"},
	))
	exec.answer("FROM hosts WHERE", resultRows([]any{int64(1), int64(3)}))
	exec.answer("FROM hostgroups", resultRows([]any{int64(4)}, []any{int64(5)}))
	exec.answer("FROM servicegroups", resultRows([]any{int64(8)}))
	exec.answer("FROM metrics", resultRows(
		[]any{int64(20), int64(10), "load", "0", 1.5, "", nil, nil, false, nil, nil, false, float64(0), nil},
	))
	exec.answer("information_schema", resultRows([]any{"hosts", "alias", int32(10)}))

	require.NoError(t, m.preload())
	assert.Equal(t, []int{0}, exec.commits)

	assert.Contains(t, m.cache.deletedInstances, uint32(6))
	assert.Equal(t, []uint32{7}, m.tracker.unresponsive())
	assert.Equal(t, uint32(3), m.cache.hostInstance[1])
	assert.Len(t, m.cache.hostgroups, 2)
	assert.Len(t, m.cache.servicegroups, 1)
	assert.Equal(t, 10, m.capacities.Size("hosts", "alias"))

	idx := m.cache.index[indexKey{hostID: 1, serviceID: 2}]
	require.NotNil(t, idx)
	assert.True(t, idx.Locked)
	assert.False(t, idx.Special)
	assert.Equal(t, uint32(0), idx.RRDRetention)
	assert.Equal(t, []shared.Event{&shared.IndexMapping{IndexID: 10, HostID: 1, ServiceID: 2}}, pub.ofType(shared.TypeIndexMapping))

	metric := m.cache.metrics[metricKey{indexID: 10, name: "load"}]
	require.NotNil(t, metric)
	assert.True(t, math.IsNaN(metric.Warn))
	assert.Equal(t, 0.0, metric.Min)

	// a sample equal to the stored row causes no write
	exec.reset()
	m.handleStorage(storageEntry(serviceStatus("'load'=1.5;;;0")), serviceStatus("'load'=1.5;;;0"))
	assert.Empty(t, exec.matching("metrics"))
	assert.Equal(t, 0, m.batches.sizes().MetricUpdates)
	assert.Len(t, pub.ofType(shared.TypeMetricMapping), 1)
}

func TestLooseColumnConversions(t *testing.T) {
	for _, v := range []any{true, "1", "t", "true", int64(1), int16(2)} {
		assert.True(t, asBool(v), "%v", v)
	}
	for _, v := range []any{false, "0", "f", nil, int64(0)} {
		assert.False(t, asBool(v), "%v", v)
	}
	assert.Equal(t, "abc", asString([]byte("abc")))
	assert.Equal(t, "", asString(nil))
	assert.Equal(t, "12", asString(int64(12)))
	assert.True(t, math.IsNaN(asFloat(nil)))
	assert.Equal(t, 3.0, asFloat(int32(3)))
	assert.Equal(t, float64(float32(0.5)), asFloat(float32(0.5)))
}
