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
	"fmt"
	"math"
	"strconv"

	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/perfdata"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/postgresql"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"go.uber.org/zap"
)

const (
	preloadInstances     = `SELECT instance_id, deleted, outdated FROM instances WHERE deleted=TRUE OR outdated=TRUE`
	preloadIndexes       = `SELECT id, host_id, service_id, host_name, service_description, rrd_retention, special, locked FROM index_data`
	preloadHosts         = `SELECT host_id, instance_id FROM hosts WHERE enabled=TRUE`
	preloadHostgroups    = `SELECT hostgroup_id FROM hostgroups`
	preloadServicegroups = `SELECT servicegroup_id FROM servicegroups`
	preloadMetrics       = `SELECT metric_id, index_id, metric_name, data_source_type, current_value, unit_name, warn, warn_low, warn_threshold_mode, crit, crit_low, crit_threshold_mode, min, max FROM metrics`
)

// preload fills the caches from the database on the first connection.
func (m *Manager) preload() error {
	steps := []struct {
		sql  string
		what string
		load func(rows [][]any)
	}{
		{preloadInstances, "instances", m.loadInstances},
		{preloadIndexes, "indexes", m.loadIndexes},
		{preloadHosts, "hosts", m.loadHosts},
		{preloadHostgroups, "host groups", func(rows [][]any) { loadIDs(rows, m.cache.hostgroups) }},
		{preloadServicegroups, "service groups", func(rows [][]any) { loadIDs(rows, m.cache.servicegroups) }},
		{preloadMetrics, "metrics", m.loadMetrics},
		{postgresql.CapacityQuery, "column capacities", func(rows [][]any) { m.capacities.Load(rows) }},
	}
	for _, step := range steps {
		res := <-m.exec.RunQuery(0, postgresql.Statement{SQL: step.sql}, "Failed to load "+step.what)
		if res.Err != nil {
			return fmt.Errorf("could not load %s: %w", step.what, res.Err)
		}
		step.load(res.Rows)
		zap.S().Debugf("Loaded %d %s", len(res.Rows), step.what)
	}
	if err := <-m.exec.Commit(0); err != nil {
		return err
	}
	zap.S().Infof("Caches loaded: %d hosts, %d indexes, %d metrics, %d deleted pollers",
		len(m.cache.hostInstance), len(m.cache.index), len(m.cache.metrics), len(m.cache.deletedInstances))
	return nil
}

func (m *Manager) loadInstances(rows [][]any) {
	for _, row := range rows {
		id, ok := postgresql.AsUint64(row[0])
		if !ok {
			continue
		}
		if asBool(row[1]) {
			m.cache.deletedInstances[uint32(id)] = struct{}{}
		} else if asBool(row[2]) {
			m.tracker.markOutdated(uint32(id))
		}
	}
}

func (m *Manager) loadIndexes(rows [][]any) {
	for _, row := range rows {
		indexID, ok1 := postgresql.AsUint64(row[0])
		hostID, ok2 := postgresql.AsUint64(row[1])
		serviceID, ok3 := postgresql.AsUint64(row[2])
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		retention, _ := postgresql.AsUint64(row[5])
		idx := &IndexRecord{
			IndexID:            indexID,
			HostID:             hostID,
			ServiceID:          serviceID,
			HostName:           asString(row[3]),
			ServiceDescription: asString(row[4]),
			RRDRetention:       uint32(retention),
			Special:            asBool(row[6]),
			Locked:             asBool(row[7]),
		}
		m.cache.index[indexKey{hostID: hostID, serviceID: serviceID}] = idx
		m.publisher.Write(&shared.IndexMapping{IndexID: indexID, HostID: hostID, ServiceID: serviceID})
	}
}

func (m *Manager) loadHosts(rows [][]any) {
	for _, row := range rows {
		hostID, ok1 := postgresql.AsUint64(row[0])
		instanceID, ok2 := postgresql.AsUint64(row[1])
		if ok1 && ok2 {
			m.cache.hostInstance[hostID] = uint32(instanceID)
		}
	}
}

func loadIDs(rows [][]any, into map[uint64]struct{}) {
	for _, row := range rows {
		if id, ok := postgresql.AsUint64(row[0]); ok {
			into[id] = struct{}{}
		}
	}
}

func (m *Manager) loadMetrics(rows [][]any) {
	for _, row := range rows {
		metricID, ok1 := postgresql.AsUint64(row[0])
		indexID, ok2 := postgresql.AsUint64(row[1])
		if !ok1 || !ok2 {
			continue
		}
		valueType, _ := strconv.Atoi(asString(row[3]))
		r := &MetricRecord{
			MetricID: metricID,
			IndexID:  indexID,
			Name:     asString(row[2]),
			Type:     perfdata.ValueType(valueType),
			Value:    asFloat(row[4]),
			Unit:     asString(row[5]),
			Warn:     asFloat(row[6]),
			WarnLow:  asFloat(row[7]),
			WarnMode: asBool(row[8]),
			Crit:     asFloat(row[9]),
			CritLow:  asFloat(row[10]),
			CritMode: asBool(row[11]),
			Min:      asFloat(row[12]),
			Max:      asFloat(row[13]),
		}
		m.cache.metrics[metricKey{indexID: indexID, name: r.Name}] = r
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

// asBool accepts booleans as well as the '0'/'1' flags of the older columns.
func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "1" || b == "t" || b == "true"
	default:
		n, ok := postgresql.AsUint64(v)
		return ok && n != 0
	}
}

// asFloat maps NULL to NaN.
func asFloat(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case nil:
		return math.NaN()
	default:
		if n, ok := postgresql.AsUint64(v); ok {
			return float64(n)
		}
		return math.NaN()
	}
}
