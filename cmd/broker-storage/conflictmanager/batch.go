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
	"strings"
	"time"

	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/helper"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/postgresql"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"go.uber.org/zap"
)

// rows per multi row statement, keeps the bind parameters far below the protocol limit
const maxRowsPerStatement = 1000

var (
	dataBinColumns = []string{"id_metric", "ctime", "status", "value"}
	logColumns     = func() []string {
		var columns []string
		for _, f := range (&shared.Log{}).Fields() {
			columns = append(columns, f.Column)
		}
		return columns
	}()
)

type PendingMetricValue struct {
	MetricID uint64
	CTime    time.Time
	Status   int16
	Value    float64
	event    *entry
}

type customVariableKey struct {
	hostID    uint64
	serviceID uint64
	name      string
}

// batches collects the writes that are sent in bulk at the start of each loop.
// The events in waiting are done once the next flush queued their writes.
type batches struct {
	perfdata        []PendingMetricValue
	metricUpdates   map[uint64]MetricRecord
	metricOrder     []uint64
	customVariables map[customVariableKey]*shared.CustomVariable
	variableOrder   []customVariableKey
	logs            []*shared.Log
	waiting         []*entry
}

type batchSizes struct {
	Perfdata        int `json:"perfdata"`
	MetricUpdates   int `json:"metric_updates"`
	CustomVariables int `json:"custom_variables"`
	Logs            int `json:"logs"`
}

func newBatches() *batches {
	return &batches{
		metricUpdates:   make(map[uint64]MetricRecord),
		customVariables: make(map[customVariableKey]*shared.CustomVariable),
	}
}

func (b *batches) wait(e *entry) {
	if len(b.waiting) > 0 && b.waiting[len(b.waiting)-1] == e {
		return
	}
	b.waiting = append(b.waiting, e)
}

func (b *batches) waitsFor(e *entry) bool {
	return len(b.waiting) > 0 && b.waiting[len(b.waiting)-1] == e
}

func (b *batches) addPerfdata(v PendingMetricValue) {
	b.perfdata = append(b.perfdata, v)
	if v.event != nil {
		b.wait(v.event)
	}
}

func (b *batches) addMetricUpdate(r MetricRecord, e *entry) {
	if _, ok := b.metricUpdates[r.MetricID]; !ok {
		b.metricOrder = append(b.metricOrder, r.MetricID)
	}
	b.metricUpdates[r.MetricID] = r
	b.wait(e)
}

func (b *batches) addCustomVariable(cv *shared.CustomVariable, e *entry) {
	key := customVariableKey{hostID: cv.HostID, serviceID: cv.ServiceID, name: cv.Name}
	if _, ok := b.customVariables[key]; !ok {
		b.variableOrder = append(b.variableOrder, key)
	}
	b.customVariables[key] = cv
	b.wait(e)
}

// dropCustomVariable forgets a queued variable. Its event stays waiting for the flush.
func (b *batches) dropCustomVariable(hostID, serviceID uint64, name string) {
	key := customVariableKey{hostID: hostID, serviceID: serviceID, name: name}
	if _, ok := b.customVariables[key]; !ok {
		return
	}
	delete(b.customVariables, key)
	for i, k := range b.variableOrder {
		if k == key {
			b.variableOrder = append(b.variableOrder[:i], b.variableOrder[i+1:]...)
			break
		}
	}
}

func (b *batches) hasCustomVariable(hostID, serviceID uint64, name string) bool {
	_, ok := b.customVariables[customVariableKey{hostID: hostID, serviceID: serviceID, name: name}]
	return ok
}

func (b *batches) addLog(l *shared.Log, e *entry) {
	b.logs = append(b.logs, l)
	b.wait(e)
}

func (b *batches) sizes() batchSizes {
	return batchSizes{
		Perfdata:        len(b.perfdata),
		MetricUpdates:   len(b.metricOrder),
		CustomVariables: len(b.variableOrder),
		Logs:            len(b.logs),
	}
}

func (b *batches) full(limit int) bool {
	s := b.sizes()
	return s.Perfdata >= limit || s.MetricUpdates >= limit || s.CustomVariables >= limit || s.Logs >= limit
}

// flushBatches queues every pending bulk write and releases the events waiting for them.
func (m *Manager) flushBatches() {
	m.lastFlush = m.now()
	if len(m.batches.waiting) == 0 && len(m.batches.perfdata) == 0 {
		return
	}
	m.flushCustomVariables()
	m.flushMetricUpdates()
	m.flushPerfdata()
	m.flushLogs()
	for i, e := range m.batches.waiting {
		e.done = true
		m.batches.waiting[i] = nil
	}
	m.batches.waiting = m.batches.waiting[:0]
}

func (m *Manager) flushPerfdata() {
	if len(m.batches.perfdata) == 0 {
		return
	}
	rows := make([][]any, len(m.batches.perfdata))
	for i, v := range m.batches.perfdata {
		rows[i] = []any{v.MetricID, v.CTime.Unix(), strconv.Itoa(int(v.Status)), dataBinValue(v.Value)}
	}
	conn := m.exec.BestConnection()
	m.exec.RunCopy(conn, "data_bin", dataBinColumns, rows, "Failed to insert perfdata into data_bin")
	m.actions[conn] |= actionDataBin
	zap.S().Debugf("%d perfdata values sent to data_bin on connection %d", len(rows), conn)
	m.batches.perfdata = m.batches.perfdata[:0]
}

// dataBinValue maps infinities to the float4 bounds and NaN to NULL.
func dataBinValue(v float64) any {
	switch {
	case math.IsNaN(v):
		return nil
	case math.IsInf(v, 1):
		return float64(math.MaxFloat32)
	case math.IsInf(v, -1):
		return float64(-math.MaxFloat32)
	default:
		return v
	}
}

var metricUpdateColumns = []struct{ name, cast string }{
	{"metric_id", "bigint"},
	{"unit_name", "text"},
	{"warn", "float8"},
	{"warn_low", "float8"},
	{"warn_threshold_mode", "boolean"},
	{"crit", "float8"},
	{"crit_low", "float8"},
	{"crit_threshold_mode", "boolean"},
	{"min", "float8"},
	{"max", "float8"},
	{"current_value", "float8"},
}

func (m *Manager) flushMetricUpdates() {
	if len(m.batches.metricOrder) == 0 {
		return
	}
	conn := m.exec.BestConnection()
	for start := 0; start < len(m.batches.metricOrder); start += maxRowsPerStatement {
		end := start + maxRowsPerStatement
		if end > len(m.batches.metricOrder) {
			end = len(m.batches.metricOrder)
		}
		m.runStatement(conn, actionMetrics, m.metricUpdateStatement(m.batches.metricOrder[start:end]), "Failed to update metrics")
	}
	zap.S().Debugf("%d metrics updated on connection %d", len(m.batches.metricOrder), conn)
	m.batches.metricUpdates = make(map[uint64]MetricRecord)
	m.batches.metricOrder = m.batches.metricOrder[:0]
}

func (m *Manager) metricUpdateStatement(ids []uint64) postgresql.Statement {
	var sb strings.Builder
	sb.WriteString("UPDATE metrics AS m SET ")
	for i, c := range metricUpdateColumns[1:] {
		if i > 0 {
			sb.WriteRune(',')
		}
		fmt.Fprintf(&sb, "%s=v.%s", c.name, c.name)
	}
	sb.WriteString(" FROM (VALUES ")
	args := make([]any, 0, len(ids)*len(metricUpdateColumns))
	for i, id := range ids {
		r := m.batches.metricUpdates[id]
		if i > 0 {
			sb.WriteRune(',')
		}
		sb.WriteRune('(')
		for j, c := range metricUpdateColumns {
			if j > 0 {
				sb.WriteRune(',')
			}
			fmt.Fprintf(&sb, "$%d::%s", len(args)+j+1, c.cast)
		}
		sb.WriteRune(')')
		args = append(args,
			r.MetricID,
			m.capacities.Truncate("metrics", "unit_name", r.Unit),
			helper.Float64ToNullFloat64(r.Warn),
			helper.Float64ToNullFloat64(r.WarnLow),
			r.WarnMode,
			helper.Float64ToNullFloat64(r.Crit),
			helper.Float64ToNullFloat64(r.CritLow),
			r.CritMode,
			helper.Float64ToNullFloat64(r.Min),
			helper.Float64ToNullFloat64(r.Max),
			helper.Float64ToNullFloat64(r.Value),
		)
	}
	names := make([]string, len(metricUpdateColumns))
	for i, c := range metricUpdateColumns {
		names[i] = c.name
	}
	fmt.Fprintf(&sb, ") AS v(%s) WHERE m.metric_id=v.metric_id", strings.Join(names, ","))
	return postgresql.Statement{SQL: sb.String(), Args: args}
}

func (m *Manager) flushCustomVariables() {
	if len(m.batches.variableOrder) == 0 {
		return
	}
	m.finishAction(-1, actionCustomVariables)
	conn := m.exec.BestConnection()
	for start := 0; start < len(m.batches.variableOrder); start += maxRowsPerStatement {
		end := start + maxRowsPerStatement
		if end > len(m.batches.variableOrder) {
			end = len(m.batches.variableOrder)
		}
		rows := make([][]shared.Field, 0, end-start)
		for _, key := range m.batches.variableOrder[start:end] {
			rows = append(rows, m.batches.customVariables[key].Fields())
		}
		m.runStatement(conn, actionCustomVariables, m.customVariablesStatement(rows), "Failed to insert custom variables")
	}
	zap.S().Debugf("%d custom variables sent on connection %d", len(m.batches.variableOrder), conn)
	m.batches.customVariables = make(map[customVariableKey]*shared.CustomVariable)
	m.batches.variableOrder = m.batches.variableOrder[:0]
}

func (m *Manager) customVariablesStatement(rows [][]shared.Field) postgresql.Statement {
	columns := make([]string, len(rows[0]))
	for i, f := range rows[0] {
		columns[i] = f.Column
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO customvariables (%s) VALUES ", strings.Join(columns, ","))
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteRune(',')
		}
		sb.WriteRune('(')
		for j, f := range row {
			if j > 0 {
				sb.WriteRune(',')
			}
			args = append(args, m.truncateValue("customvariables", f))
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteRune(')')
	}
	sb.WriteString(" ON CONFLICT (host_id,name,service_id) DO UPDATE SET default_value=EXCLUDED.default_value,modified=EXCLUDED.modified,type=EXCLUDED.type,update_time=EXCLUDED.update_time,value=EXCLUDED.value")
	return postgresql.Statement{SQL: sb.String(), Args: args}
}

func (m *Manager) flushLogs() {
	if len(m.batches.logs) == 0 {
		return
	}
	rows := make([][]any, len(m.batches.logs))
	for i, l := range m.batches.logs {
		fields := l.Fields()
		row := make([]any, len(fields))
		for j, f := range fields {
			row[j] = m.truncateValue("logs", f)
		}
		rows[i] = row
		m.batches.logs[i] = nil
	}
	conn := m.exec.BestConnection()
	m.exec.RunCopy(conn, "logs", logColumns, rows, "Failed to insert logs")
	m.actions[conn] |= actionLogs
	zap.S().Debugf("%d logs sent on connection %d", len(rows), conn)
	m.batches.logs = m.batches.logs[:0]
}

func (m *Manager) truncateValue(table string, f shared.Field) any {
	if s, ok := f.Value.(string); ok {
		return m.capacities.Truncate(table, f.Column, s)
	}
	return f.Value
}
