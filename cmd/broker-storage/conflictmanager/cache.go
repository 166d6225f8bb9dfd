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

	"github.com/coocood/freecache"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/perfdata"
	"github.com/united-manufacturing-hub/broker-storage/internal"
	"go.uber.org/zap"
)

// metricTolerance is the difference under which two metric values are considered equal.
const metricTolerance = 1e-6

type indexKey struct {
	hostID    uint64
	serviceID uint64
}

type metricKey struct {
	indexID uint64
	name    string
}

type IndexRecord struct {
	IndexID            uint64
	HostID             uint64
	ServiceID          uint64
	HostName           string
	ServiceDescription string
	// 0 means the configured rrd length
	RRDRetention uint32
	Locked       bool
	Special      bool
}

// MetricRecord mirrors the row in metrics. It must always equal what was last written.
type MetricRecord struct {
	MetricID    uint64
	IndexID     uint64
	Name        string
	Type        perfdata.ValueType
	Value       float64
	Unit        string
	Warn        float64
	WarnLow     float64
	WarnMode    bool
	Crit        float64
	CritLow     float64
	CritMode    bool
	Min         float64
	Max         float64
	MappingSent bool
}

func newMetricRecord(metricID, indexID uint64, pd perfdata.Perfdata) *MetricRecord {
	r := &MetricRecord{MetricID: metricID, IndexID: indexID, Name: pd.Name, Type: pd.ValueType}
	r.apply(pd)
	return r
}

func floatEqual(a, b float64) bool {
	if a == b {
		return true
	}
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) <= metricTolerance
}

// matches reports whether writing pd would change the stored metric.
func (r *MetricRecord) matches(pd perfdata.Perfdata) bool {
	return floatEqual(r.Value, pd.Value) &&
		r.Unit == pd.Unit &&
		floatEqual(r.Warn, pd.Warn) &&
		floatEqual(r.WarnLow, pd.WarnLow) &&
		r.WarnMode == pd.WarnMode &&
		floatEqual(r.Crit, pd.Crit) &&
		floatEqual(r.CritLow, pd.CritLow) &&
		r.CritMode == pd.CritMode &&
		floatEqual(r.Min, pd.Min) &&
		floatEqual(r.Max, pd.Max)
}

func (r *MetricRecord) apply(pd perfdata.Perfdata) {
	r.Value = pd.Value
	r.Unit = pd.Unit
	r.Warn = pd.Warn
	r.WarnLow = pd.WarnLow
	r.WarnMode = pd.WarnMode
	r.Crit = pd.Crit
	r.CritLow = pd.CritLow
	r.CritMode = pd.CritMode
	r.Min = pd.Min
	r.Max = pd.Max
}

// caches are owned by the worker goroutine.
type caches struct {
	hostInstance     map[uint64]uint32
	index            map[indexKey]*IndexRecord
	metrics          map[metricKey]*MetricRecord
	hostgroups       map[uint64]struct{}
	servicegroups    map[uint64]struct{}
	deletedInstances map[uint32]struct{}
	// last command line hash per (host, service)
	commands *freecache.Cache
}

func newCaches(commandCacheBytes int) *caches {
	return &caches{
		hostInstance:     make(map[uint64]uint32),
		index:            make(map[indexKey]*IndexRecord),
		metrics:          make(map[metricKey]*MetricRecord),
		hostgroups:       make(map[uint64]struct{}),
		servicegroups:    make(map[uint64]struct{}),
		deletedInstances: make(map[uint32]struct{}),
		commands:         freecache.NewCache(commandCacheBytes),
	}
}

// commandChanged remembers command for (hostID, serviceID) and reports whether it differs
// from the one seen before.
func (c *caches) commandChanged(hostID, serviceID uint64, command string) bool {
	key := internal.IDKey(hostID, serviceID)
	hash := internal.AsXXHash64(command)
	previous, err := c.commands.Get(key)
	if err == nil && internal.BytesToUint64(previous) == hash {
		return false
	}
	if err = c.commands.Set(key, internal.Uint64ToBytes(hash), 0); err != nil {
		zap.S().Warnf("Failed to remember command of (%d, %d): %s", hostID, serviceID, err)
	}
	return true
}

func (c *caches) forgetIndex(indexID uint64) {
	for k, idx := range c.index {
		if idx.IndexID == indexID {
			delete(c.index, k)
		}
	}
	for k, metric := range c.metrics {
		if metric.IndexID == indexID {
			delete(c.metrics, k)
		}
	}
}

func (c *caches) forgetMetric(metricID uint64) {
	for k, metric := range c.metrics {
		if metric.MetricID == metricID {
			delete(c.metrics, k)
			return
		}
	}
}
