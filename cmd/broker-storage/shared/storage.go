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

package shared

import (
	"math"

	"github.com/goccy/go-json"
)

// Float is a float64 that survives JSON encoding. NaN is written as null and
// infinities are clamped to the largest finite value.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte("null"), nil
	case math.IsInf(v, 1):
		v = math.MaxFloat64
	case math.IsInf(v, -1):
		v = -math.MaxFloat64
	}
	return json.Marshal(v)
}

func (f *Float) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// IndexMapping announces the index id of a (host, service) pair.
type IndexMapping struct {
	IndexID   uint64 `json:"index_id"`
	HostID    uint64 `json:"host_id"`
	ServiceID uint64 `json:"service_id"`
}

func (*IndexMapping) Type() Type { return TypeIndexMapping }

// MetricMapping announces which index a metric belongs to.
type MetricMapping struct {
	IndexID  uint64 `json:"index_id"`
	MetricID uint64 `json:"metric_id"`
}

func (*MetricMapping) Type() Type { return TypeMetricMapping }

// Status is the state of a service, sent for graphing.
type Status struct {
	CTime        int64  `json:"ctime"`
	IndexID      uint64 `json:"index_id"`
	Interval     uint32 `json:"interval"`
	IsForRebuild bool   `json:"is_for_rebuild"`
	RRDLen       uint32 `json:"rrd_len"`
	State        int16  `json:"state"`
}

func (*Status) Type() Type { return TypeStatus }

// Metric is one perfdata sample, sent for graphing.
type Metric struct {
	HostID       uint64 `json:"host_id"`
	ServiceID    uint64 `json:"service_id"`
	Name         string `json:"name"`
	CTime        int64  `json:"ctime"`
	Interval     uint32 `json:"interval"`
	IsForRebuild bool   `json:"is_for_rebuild"`
	MetricID     uint64 `json:"metric_id"`
	RRDLen       uint32 `json:"rrd_len"`
	Value        Float  `json:"value"`
	ValueType    int16  `json:"value_type"`
}

func (*Metric) Type() Type { return TypeMetric }

// RemoveGraph asks consumers to drop the graph files of an index or a metric.
type RemoveGraph struct {
	ID      uint64 `json:"id"`
	IsIndex bool   `json:"is_index"`
}

func (*RemoveGraph) Type() Type { return TypeRemoveGraph }
