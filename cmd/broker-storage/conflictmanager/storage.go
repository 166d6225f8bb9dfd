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
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/helper"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/perfdata"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/postgresql"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"go.uber.org/zap"
)

const indexSweepPeriod = 5 * time.Minute

// handleStorage turns a service status into its index, metrics, data points and graph events.
func (m *Manager) handleStorage(e *entry, ev *shared.ServiceStatus) {
	m.processStorageStatus(e, ev)
	if !m.batches.waitsFor(e) {
		e.done = true
	}
}

func (m *Manager) processStorageStatus(e *entry, ev *shared.ServiceStatus) {
	cfg := m.storage()
	instanceID := m.cache.hostInstance[ev.HostID]
	conn := m.exec.ConnectionByInstance(instanceID)

	idx, ok := m.cache.index[indexKey{hostID: ev.HostID, serviceID: ev.ServiceID}]
	if !ok {
		m.finishAction(-1, actionIndexData)
		var err error
		idx, err = m.createIndex(conn, ev)
		if err != nil {
			zap.S().Errorf("Insertion of index (%d, %d) failed: %s", ev.HostID, ev.ServiceID, err)
			return
		}
	}
	rrdLen := idx.RRDRetention
	if rrdLen == 0 {
		rrdLen = cfg.RRDLen
	}
	interval := statusInterval(ev.CheckInterval, cfg.IntervalLength)

	zap.S().Debugf("Generating status event for (%d, %d) of index %d", ev.HostID, ev.ServiceID, idx.IndexID)
	m.publisher.Write(&shared.Status{
		CTime:    ev.LastCheck,
		IndexID:  idx.IndexID,
		Interval: interval,
		RRDLen:   rrdLen,
		State:    ev.LastHardState,
	})

	if ev.PerfData == "" {
		return
	}
	m.finishAction(-1, actionMetrics)
	samples, err := perfdata.Parse(ev.PerfData)
	if err != nil {
		zap.S().Errorf("Failed to parse perfdata of service (%d, %d): %s", ev.HostID, ev.ServiceID, err)
		return
	}

	for _, pd := range samples {
		metric, err := m.resolveMetric(conn, idx, pd, e)
		if err != nil {
			zap.S().Errorf("Insertion of metric '%s' of index %d failed: %s", pd.Name, idx.IndexID, err)
			continue
		}
		if !metric.MappingSent {
			m.publisher.Write(&shared.MetricMapping{IndexID: idx.IndexID, MetricID: metric.MetricID})
			metric.MappingSent = true
		}
		if cfg.StoreInDB {
			m.batches.addPerfdata(PendingMetricValue{
				MetricID: metric.MetricID,
				CTime:    time.Unix(ev.LastCheck, 0),
				Status:   ev.CurrentState,
				Value:    pd.Value,
				event:    e,
			})
		}
		if !idx.Locked {
			m.publisher.Write(&shared.Metric{
				HostID:    ev.HostID,
				ServiceID: ev.ServiceID,
				Name:      pd.Name,
				CTime:     ev.LastCheck,
				Interval:  interval,
				MetricID:  metric.MetricID,
				RRDLen:    rrdLen,
				Value:     shared.Float(pd.Value),
				ValueType: int16(pd.ValueType),
			})
		}
	}
}

func (m *Manager) createIndex(conn int, ev *shared.ServiceStatus) (*IndexRecord, error) {
	special := strings.HasPrefix(ev.HostName, modulePrefix)
	hostName := m.capacities.Truncate("index_data", "host_name", ev.HostName)
	description := m.capacities.Truncate("index_data", "service_description", ev.ServiceDescription)
	zap.S().Debugf("Index of (%d, %d) not found in cache", ev.HostID, ev.ServiceID)

	res := m.query(conn, actionIndexData, postgresql.Statement{
		SQL:  `INSERT INTO index_data (host_id,host_name,service_id,service_description,must_be_rebuild,special) VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		Args: []any{ev.HostID, hostName, ev.ServiceID, description, "0", boolFlag(special)},
	}, fmt.Sprintf("Failed to insert index (%d, %d)", ev.HostID, ev.ServiceID))

	var indexID uint64
	switch {
	case res.Err == nil:
		indexID, _ = res.Uint64(0, 0)
	case postgresql.IsDuplicateKey(res.Err):
		// another writer created the index since the caches were loaded
		zap.S().Infof("Index (%d, %d) already exists, reusing it", ev.HostID, ev.ServiceID)
		found := m.query(conn, actionIndexData, postgresql.Statement{
			SQL:  `SELECT id FROM index_data WHERE host_id=$1 AND service_id=$2`,
			Args: []any{ev.HostID, ev.ServiceID},
		}, fmt.Sprintf("Failed to fetch index (%d, %d)", ev.HostID, ev.ServiceID))
		if found.Err != nil {
			return nil, found.Err
		}
		indexID, _ = found.Uint64(0, 0)
		if indexID != 0 {
			m.runStatement(conn, actionIndexData, postgresql.Statement{
				SQL:  `UPDATE index_data SET host_name=$1, service_description=$2, must_be_rebuild=$3, special=$4 WHERE id=$5`,
				Args: []any{hostName, description, "0", boolFlag(special), indexID},
			}, fmt.Sprintf("Failed to update index %d", indexID))
		}
	default:
		return nil, res.Err
	}
	if indexID == 0 {
		return nil, errors.New("could not fetch the id of the new index")
	}

	zap.S().Infof("New index %d for (%d, %d)", indexID, ev.HostID, ev.ServiceID)
	idx := &IndexRecord{
		IndexID:            indexID,
		HostID:             ev.HostID,
		ServiceID:          ev.ServiceID,
		HostName:           ev.HostName,
		ServiceDescription: ev.ServiceDescription,
		Special:            special,
	}
	m.cache.index[indexKey{hostID: ev.HostID, serviceID: ev.ServiceID}] = idx
	m.publisher.Write(&shared.IndexMapping{IndexID: indexID, HostID: ev.HostID, ServiceID: ev.ServiceID})
	return idx, nil
}

// resolveMetric returns the cached metric of pd, creating it or queuing its update when needed.
func (m *Manager) resolveMetric(conn int, idx *IndexRecord, pd perfdata.Perfdata, e *entry) (*MetricRecord, error) {
	key := metricKey{indexID: idx.IndexID, name: pd.Name}
	if metric, ok := m.cache.metrics[key]; ok {
		if !metric.matches(pd) {
			zap.S().Debugf("Updating metric %d of (%d, %s)", metric.MetricID, idx.IndexID, pd.Name)
			metric.apply(pd)
			m.batches.addMetricUpdate(*metric, e)
		}
		return metric, nil
	}

	name := m.capacities.Truncate("metrics", "metric_name", pd.Name)
	res := m.query(conn, actionMetrics, postgresql.Statement{
		SQL: `INSERT INTO metrics (index_id,metric_name,unit_name,warn,warn_low,warn_threshold_mode,crit,crit_low,crit_threshold_mode,min,max,current_value,data_source_type) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING metric_id`,
		Args: []any{
			idx.IndexID,
			name,
			m.capacities.Truncate("metrics", "unit_name", pd.Unit),
			helper.Float64ToNullFloat64(pd.Warn),
			helper.Float64ToNullFloat64(pd.WarnLow),
			pd.WarnMode,
			helper.Float64ToNullFloat64(pd.Crit),
			helper.Float64ToNullFloat64(pd.CritLow),
			pd.CritMode,
			helper.Float64ToNullFloat64(pd.Min),
			helper.Float64ToNullFloat64(pd.Max),
			helper.Float64ToNullFloat64(pd.Value),
			strconv.Itoa(int(pd.ValueType)),
		},
	}, fmt.Sprintf("Failed to insert metric %s of index %d", pd.Name, idx.IndexID))

	var metricID uint64
	switch {
	case res.Err == nil:
		metricID, _ = res.Uint64(0, 0)
	case postgresql.IsDuplicateKey(res.Err):
		found := m.query(conn, actionMetrics, postgresql.Statement{
			SQL:  `SELECT metric_id FROM metrics WHERE index_id=$1 AND metric_name=$2`,
			Args: []any{idx.IndexID, name},
		}, fmt.Sprintf("Failed to fetch metric %s of index %d", pd.Name, idx.IndexID))
		if found.Err != nil {
			return nil, found.Err
		}
		metricID, _ = found.Uint64(0, 0)
		if metricID != 0 {
			metric := newMetricRecord(metricID, idx.IndexID, pd)
			m.batches.addMetricUpdate(*metric, e)
		}
	default:
		return nil, res.Err
	}
	if metricID == 0 {
		return nil, errors.New("could not fetch the id of the new metric")
	}

	zap.S().Infof("New metric %d for (%d, %s)", metricID, idx.IndexID, pd.Name)
	metric := newMetricRecord(metricID, idx.IndexID, pd)
	m.cache.metrics[key] = metric
	return metric, nil
}

// sweepDeletedIndexes removes the indexes flagged for deletion with their metrics.
func (m *Manager) sweepDeletedIndexes() {
	zap.S().Infof("Starting cleanup of deleted indexes")
	conn := m.exec.BestConnection()
	res := m.query(conn, actionIndexData, postgresql.Statement{
		SQL: `SELECT i.id, m.metric_id FROM index_data i LEFT JOIN metrics m ON m.index_id=i.id WHERE i.to_delete=TRUE`,
	}, "Failed to query the indexes to delete")
	if res.Err != nil {
		return
	}

	var indexes, metrics []int64
	seen := make(map[uint64]bool)
	for i := range res.Rows {
		indexID, ok := res.Uint64(i, 0)
		if !ok {
			continue
		}
		if !seen[indexID] {
			seen[indexID] = true
			indexes = append(indexes, int64(indexID))
		}
		if metricID, ok := res.Uint64(i, 1); ok {
			metrics = append(metrics, int64(metricID))
		}
	}
	if len(indexes) == 0 {
		zap.S().Infof("End of cleanup: nothing to remove")
		return
	}

	if len(metrics) > 0 {
		m.runStatement(conn, actionMetrics, postgresql.Statement{
			SQL: `DELETE FROM metrics WHERE metric_id = ANY($1)`, Args: []any{metrics},
		}, "Failed to delete metrics")
	}
	m.runStatement(conn, actionIndexData, postgresql.Statement{
		SQL: `DELETE FROM index_data WHERE id = ANY($1)`, Args: []any{indexes},
	}, "Failed to delete indexes")

	for _, id := range metrics {
		m.cache.forgetMetric(uint64(id))
		m.publisher.Write(&shared.RemoveGraph{ID: uint64(id), IsIndex: false})
	}
	for _, id := range indexes {
		m.cache.forgetIndex(uint64(id))
		m.publisher.Write(&shared.RemoveGraph{ID: uint64(id), IsIndex: true})
	}
	zap.S().Infof("End of cleanup: %d metrics and %d indexes removed", len(metrics), len(indexes))
}

// statusInterval converts a check interval in interval units to seconds.
// Negative and NaN intervals give 0.
func statusInterval(checkInterval float64, intervalLength uint32) uint32 {
	seconds := checkInterval * float64(intervalLength)
	if math.IsNaN(seconds) || seconds <= 0 {
		return 0
	}
	if seconds >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(seconds)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
