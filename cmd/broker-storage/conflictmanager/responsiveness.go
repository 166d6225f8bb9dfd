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
	"time"

	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/postgresql"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type InstanceState struct {
	InstanceID uint32
	LastSeen   time.Time
	Responsive bool
}

// tracker keeps the last time each poller was heard of.
type tracker struct {
	timeout time.Duration
	states  map[uint32]*InstanceState
	// zero when no responsive instance is tracked
	oldest time.Time
}

func newTracker() *tracker {
	return &tracker{states: make(map[uint32]*InstanceState)}
}

// markOutdated records an instance found outdated in the database.
// It stays unresponsive until an event is seen for it.
func (t *tracker) markOutdated(id uint32) {
	t.states[id] = &InstanceState{InstanceID: id, Responsive: false}
}

// due tells whether the oldest responsive instance may have timed out.
func (t *tracker) due(now time.Time) bool {
	return t.timeout > 0 && !t.oldest.IsZero() && now.Sub(t.oldest) > t.timeout
}

func (t *tracker) stale(now time.Time) []uint32 {
	var out []uint32
	for id, st := range t.states {
		if st.Responsive && now.Sub(st.LastSeen) > t.timeout {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (t *tracker) recomputeOldest() {
	t.oldest = time.Time{}
	for _, st := range t.states {
		if st.Responsive && (t.oldest.IsZero() || st.LastSeen.Before(t.oldest)) {
			t.oldest = st.LastSeen
		}
	}
}

func (t *tracker) unresponsive() []uint32 {
	var out []uint32
	for _, id := range maps.Keys(t.states) {
		if !t.states[id].Responsive {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// isValidPoller discards events of deleted pollers and refreshes the liveness of the others.
func (m *Manager) isValidPoller(id uint32) bool {
	if _, deleted := m.cache.deletedInstances[id]; deleted {
		zap.S().Infof("Event of deleted poller %d discarded", id)
		return false
	}
	m.updateTimestamp(id)
	return true
}

func (m *Manager) updateTimestamp(id uint32) {
	now := m.now()
	st, ok := m.tracker.states[id]
	if !ok {
		st = &InstanceState{InstanceID: id, Responsive: true}
		m.tracker.states[id] = st
	} else if !st.Responsive {
		m.setResponsive(id, true)
		st.Responsive = true
	}
	st.LastSeen = now
	if m.tracker.oldest.IsZero() {
		m.tracker.oldest = now
	}
}

// sweepUnresponsive turns pollers silent for longer than the instance timeout unresponsive.
func (m *Manager) sweepUnresponsive() {
	now := m.now()
	if !m.tracker.due(now) {
		return
	}
	for _, id := range m.tracker.stale(now) {
		zap.S().Infof("Poller %d is not responsive anymore", id)
		m.setResponsive(id, false)
		m.tracker.states[id].Responsive = false
	}
	m.tracker.recomputeOldest()
}

// setResponsive swaps the state of the hosts and services of a poller between their
// real state and the state shown while the poller is unreachable.
func (m *Manager) setResponsive(id uint32, responsive bool) {
	conn := m.exec.ConnectionByInstance(id)
	if responsive {
		zap.S().Infof("Poller %d is responsive again", id)
		m.finishAction(conn, actionHosts)
	}
	m.finishAction(-1, actionAcknowledgements|actionModules|actionDowntimes|actionComments)

	args := []any{id}
	if responsive {
		m.runStatement(conn, actionInstances, postgresql.Statement{SQL: `UPDATE instances SET outdated=FALSE WHERE instance_id=$1`, Args: args},
			"Failed to restore instance outdated flag")
		m.runStatement(conn, actionHosts, postgresql.Statement{SQL: `UPDATE hosts SET state=real_state WHERE instance_id=$1`, Args: args},
			"Failed to restore hosts state")
		m.runStatement(conn, actionHosts, postgresql.Statement{SQL: `UPDATE services SET state=services.real_state FROM hosts WHERE hosts.host_id=services.host_id AND hosts.instance_id=$1`, Args: args},
			"Failed to restore services state")
	} else {
		m.runStatement(conn, actionInstances, postgresql.Statement{SQL: `UPDATE instances SET outdated=TRUE WHERE instance_id=$1`, Args: args},
			"Failed to mark instance outdated")
		m.runStatement(conn, actionHosts, postgresql.Statement{SQL: `UPDATE hosts SET real_state=state, state=2 WHERE instance_id=$1`, Args: args},
			"Failed to mark hosts unreachable")
		m.runStatement(conn, actionHosts, postgresql.Statement{SQL: `UPDATE services SET real_state=services.state, state=3 FROM hosts WHERE hosts.host_id=services.host_id AND hosts.instance_id=$1`, Args: args},
			"Failed to mark services unknown")
	}
	m.publisher.Write(&shared.ResponsiveInstance{PollerID: id, Responsive: responsive})
}
