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
	"strings"

	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"go.uber.org/zap"
)

// actions marks which kinds of rows a connection wrote since its last commit.
type actions uint32

const (
	actionAcknowledgements actions = 1 << iota
	actionComments
	actionCustomVariables
	actionDowntimes
	actionHostDependencies
	actionHostHostgroups
	actionHostParents
	actionHostgroups
	actionHosts
	actionInstances
	actionModules
	actionServiceDependencies
	actionServiceServicegroups
	actionServicegroups
	actionServices
	actionIndexData
	actionMetrics
	actionEventHandlers
	actionFlappingStatuses
	actionLogs
	actionDataBin

	actionNone actions = 0
)

var actionNames = []string{
	"acknowledgements",
	"comments",
	"custom_variables",
	"downtimes",
	"host_dependencies",
	"host_hostgroups",
	"host_parents",
	"hostgroups",
	"hosts",
	"instances",
	"modules",
	"service_dependencies",
	"service_servicegroups",
	"servicegroups",
	"services",
	"index_data",
	"metrics",
	"eventhandlers",
	"flappingstatuses",
	"logs",
	"data_bin",
}

func (a actions) String() string {
	if a == actionNone {
		return "none"
	}
	var names []string
	for i, name := range actionNames {
		if a&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// finishAction commits every connection (or only conn when conn >= 0) that has one of the
// given actions pending. Rows of one kind must be durable before dependent rows are written
// on another connection.
func (m *Manager) finishAction(conn int, action actions) {
	var waits []<-chan error
	var conns []int
	if conn < 0 {
		for i, a := range m.actions {
			if a&action != 0 {
				waits = append(waits, m.exec.Commit(i))
				conns = append(conns, i)
				m.actions[i] = actionNone
			}
		}
	} else if m.actions[conn]&action != 0 {
		waits = append(waits, m.exec.Commit(conn))
		conns = append(conns, conn)
		m.actions[conn] = actionNone
	}
	for i, wait := range waits {
		if err := <-wait; err != nil {
			m.commitFailed(conns[i], err)
		}
	}
}

// finishActions commits every dirty connection and, when all commits went through,
// releases the handled events to the producers.
func (m *Manager) finishActions() {
	var waits []<-chan error
	var conns []int
	for i, a := range m.actions {
		if a != actionNone {
			waits = append(waits, m.exec.Commit(i))
			conns = append(conns, i)
			m.actions[i] = actionNone
		}
	}
	ok := true
	for i, wait := range waits {
		if err := <-wait; err != nil {
			m.commitFailed(conns[i], err)
			ok = false
		}
	}
	if !ok || m.exec.Err() != nil {
		return
	}
	for _, lane := range shared.Lanes {
		if n := m.fifo.Clean(lane); n > 0 {
			zap.S().Debugf("%d %s events acknowledged", n, lane)
		}
	}
}

func (m *Manager) commitFailed(conn int, err error) {
	zap.S().Errorf("Failed to commit connection %d: %s", conn, err)
	m.broken.Store(true)
}
