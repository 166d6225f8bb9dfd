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
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/process"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const statisticsWindow = 20

var (
	pendingEventsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokerstorage_pending_events",
		Help: "Events received and not acknowledged yet",
	})
	laneDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brokerstorage_lane_depth",
		Help: "Events of a lane waiting for their acknowledgement",
	}, []string{"lane"})
	eventsPerSecondGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokerstorage_events_per_second",
		Help: "Events handled per second over the last loops",
	})
	loopDurationGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokerstorage_loop_duration_seconds",
		Help: "Duration of the last worker loop",
	})
	batchSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brokerstorage_batch_size",
		Help: "Writes waiting in each bulk queue",
	}, []string{"batch"})
	brokenGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokerstorage_broken",
		Help: "1 when the engine stopped on a database failure",
	})
)

type CacheSizes struct {
	Hosts            int   `json:"hosts"`
	Indexes          int   `json:"indexes"`
	Metrics          int   `json:"metrics"`
	Hostgroups       int   `json:"hostgroups"`
	Servicegroups    int   `json:"servicegroups"`
	DeletedInstances int   `json:"deleted_instances"`
	Commands         int64 `json:"commands"`
}

// Statistics is the state of the engine as exposed by the REST API.
type Statistics struct {
	State             string         `json:"state"`
	Broken            bool           `json:"broken"`
	PendingEvents     int            `json:"pending_events"`
	LaneDepth         map[string]int `json:"lane_depth"`
	EventsPerSecond   float64        `json:"events_per_second"`
	EventsPerLoop     []float64      `json:"events_per_loop"`
	LoopDuration      float64        `json:"loop_duration_seconds"`
	LoopTimeout       float64        `json:"loop_timeout_seconds"`
	InstanceTimeout   float64        `json:"instance_timeout_seconds"`
	MaxPendingQueries int            `json:"max_pending_queries"`
	Batches           batchSizes     `json:"batches"`
	Connections       int            `json:"connections"`
	Caches            CacheSizes     `json:"caches"`
	Unresponsive      []uint32       `json:"unresponsive_instances"`
	RSS               uint64         `json:"rss_bytes"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// statistics keeps the last loops of the worker. The worker writes, the API reads.
type statistics struct {
	lock      sync.Mutex
	counts    []float64
	durations []float64
	snapshot  Statistics
	proc      *process.Process
}

func newStatistics() *statistics {
	s := &statistics{}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		zap.S().Warnf("Failed to inspect own process, rss will not be reported: %s", err)
	} else {
		s.proc = proc
	}
	return s
}

func (s *statistics) push(count int, duration time.Duration) {
	s.counts = append(s.counts, float64(count))
	s.durations = append(s.durations, duration.Seconds())
	if len(s.counts) > statisticsWindow {
		s.counts = s.counts[1:]
		s.durations = s.durations[1:]
	}
}

func (s *statistics) eventsPerSecond() float64 {
	if len(s.counts) == 0 {
		return 0
	}
	seconds := stat.Mean(s.durations, nil)
	if seconds <= 0 {
		return 0
	}
	return stat.Mean(s.counts, nil) / seconds
}

func (s *statistics) rss() uint64 {
	if s.proc == nil {
		return 0
	}
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return info.RSS
}

// record runs on the worker after every loop.
func (s *statistics) record(count int, duration time.Duration, m *Manager) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.push(count, duration)

	snap := Statistics{
		EventsPerSecond:   s.eventsPerSecond(),
		EventsPerLoop:     append([]float64(nil), s.counts...),
		LoopDuration:      duration.Seconds(),
		LoopTimeout:       m.sqlCfg.LoopTimeout.Seconds(),
		InstanceTimeout:   m.sqlCfg.InstanceTimeout.Seconds(),
		MaxPendingQueries: m.sqlCfg.MaxPendingQueries,
		Batches:           m.batches.sizes(),
		Connections:       m.exec.ConnectionCount(),
		Caches: CacheSizes{
			Hosts:            len(m.cache.hostInstance),
			Indexes:          len(m.cache.index),
			Metrics:          len(m.cache.metrics),
			Hostgroups:       len(m.cache.hostgroups),
			Servicegroups:    len(m.cache.servicegroups),
			DeletedInstances: len(m.cache.deletedInstances),
			Commands:         m.cache.commands.EntryCount(),
		},
		Unresponsive: m.tracker.unresponsive(),
		RSS:          s.rss(),
		UpdatedAt:    time.Now(),
	}
	s.snapshot = snap

	eventsPerSecondGauge.Set(snap.EventsPerSecond)
	loopDurationGauge.Set(snap.LoopDuration)
	batchSizeGauge.WithLabelValues("perfdata").Set(float64(snap.Batches.Perfdata))
	batchSizeGauge.WithLabelValues("metric_updates").Set(float64(snap.Batches.MetricUpdates))
	batchSizeGauge.WithLabelValues("custom_variables").Set(float64(snap.Batches.CustomVariables))
	batchSizeGauge.WithLabelValues("logs").Set(float64(snap.Batches.Logs))
}

// GetStatistics can be called from any goroutine.
func (m *Manager) GetStatistics() Statistics {
	m.stats.lock.Lock()
	snap := m.stats.snapshot
	snap.EventsPerLoop = append([]float64(nil), snap.EventsPerLoop...)
	snap.Unresponsive = append([]uint32(nil), snap.Unresponsive...)
	m.stats.lock.Unlock()

	snap.State = m.State().String()
	snap.Broken = m.Broken()
	snap.PendingEvents = m.fifo.PendingCount()
	snap.LaneDepth = make(map[string]int, len(shared.Lanes))
	for _, lane := range shared.Lanes {
		depth := m.fifo.LaneDepth(lane)
		snap.LaneDepth[lane.String()] = depth
		laneDepthGauge.WithLabelValues(lane.String()).Set(float64(depth))
	}
	pendingEventsGauge.Set(float64(snap.PendingEvents))
	if snap.Broken {
		brokenGauge.Set(1)
	} else {
		brokenGauge.Set(0)
	}
	return snap
}
