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
	"strings"
	"time"

	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/postgresql"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"go.uber.org/zap"
)

const (
	checkPassive int16 = 1
	// statuses whose next check is older than this are considered stale
	freshnessWindow = 5 * time.Minute
	modulePrefix    = "_Module_"
)

func unique(columns ...string) []string { return columns }

var (
	acknowledgementUpsert      = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("entry_time", "host_id", "service_id")}
	commentUpsert              = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("host_id", "service_id", "entry_time", "instance_id", "internal_id")}
	customVariableDelete       = postgresql.Template{Kind: postgresql.Delete, Unique: unique("host_id", "name", "service_id")}
	customVariableStatusUpsert = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("host_id", "name", "service_id")}
	eventHandlerUpsert         = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("host_id", "service_id", "start_time")}
	flappingStatusUpsert       = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("host_id", "service_id", "event_time")}
	hostCheckUpdate            = postgresql.Template{Kind: postgresql.Update, Unique: unique("host_id")}
	hostDependencyUpsert       = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("host_id", "dependent_host_id")}
	hostDependencyDelete       = postgresql.Template{Kind: postgresql.Delete, Unique: unique("host_id", "dependent_host_id")}
	hostGroupUpsert            = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("hostgroup_id")}
	hostGroupMemberInsert      = postgresql.Template{Kind: postgresql.InsertIgnore, Unique: unique("hostgroup_id", "host_id")}
	hostGroupMemberDelete      = postgresql.Template{Kind: postgresql.Delete, Unique: unique("hostgroup_id", "host_id")}
	hostUpsert                 = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("host_id")}
	hostParentInsert           = postgresql.Template{Kind: postgresql.InsertIgnore, Unique: unique("child_id", "parent_id")}
	hostParentDelete           = postgresql.Template{Kind: postgresql.Delete, Unique: unique("child_id", "parent_id")}
	hostStatusUpdate           = postgresql.Template{Kind: postgresql.Update, Unique: unique("host_id")}
	instanceUpsert             = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("instance_id")}
	instanceStatusUpsert       = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("instance_id")}
	moduleInsert               = postgresql.Template{Kind: postgresql.Insert}
	moduleDelete               = postgresql.Template{Kind: postgresql.Delete, Unique: unique("instance_id", "filename")}
	serviceCheckUpdate         = postgresql.Template{Kind: postgresql.Update, Unique: unique("host_id", "service_id")}
	serviceDependencyUpsert    = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("dependent_host_id", "dependent_service_id", "host_id", "service_id")}
	serviceDependencyDelete    = postgresql.Template{Kind: postgresql.Delete, Unique: unique("dependent_host_id", "dependent_service_id", "host_id", "service_id")}
	serviceGroupUpsert         = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("servicegroup_id")}
	serviceGroupMemberInsert   = postgresql.Template{Kind: postgresql.InsertIgnore, Unique: unique("servicegroup_id", "host_id", "service_id")}
	serviceGroupMemberDelete   = postgresql.Template{Kind: postgresql.Delete, Unique: unique("servicegroup_id", "host_id", "service_id")}
	serviceUpsert              = postgresql.Template{Kind: postgresql.Upsert, Unique: unique("host_id", "service_id")}
	serviceStatusUpdate        = postgresql.Template{Kind: postgresql.Update, Unique: unique("host_id", "service_id")}
)

var downtimeUpsert = postgresql.Template{
	Kind:   postgresql.Upsert,
	Unique: unique("internal_id", "instance_id"),
	UpdateExpr: map[string]string{
		"actual_start_time": "COALESCE(downtimes.actual_start_time,EXCLUDED.actual_start_time)",
		"actual_end_time":   "NULLIF(GREATEST(COALESCE(downtimes.actual_end_time,-1),COALESCE(EXCLUDED.actual_end_time,-1)),-1)",
	},
}

// handleNEB writes one monitoring event. Events queued in a batch are done at the next flush.
func (m *Manager) handleNEB(e *entry) {
	switch ev := e.event.(type) {
	case *shared.Acknowledgement:
		m.processAcknowledgement(ev)
	case *shared.Comment:
		m.processComment(ev)
	case *shared.CustomVariable:
		if m.processCustomVariable(ev, e) {
			return
		}
	case *shared.CustomVariableStatus:
		m.processCustomVariableStatus(ev)
	case *shared.Downtime:
		m.processDowntime(ev)
	case *shared.EventHandler:
		m.processEventHandler(ev)
	case *shared.FlappingStatus:
		m.processFlappingStatus(ev)
	case *shared.HostCheck:
		m.processHostCheck(ev)
	case *shared.HostDependency:
		m.processHostDependency(ev)
	case *shared.HostGroup:
		m.processHostGroup(ev)
	case *shared.HostGroupMember:
		m.processHostGroupMember(ev)
	case *shared.Host:
		m.processHost(ev)
	case *shared.HostParent:
		m.processHostParent(ev)
	case *shared.HostStatus:
		m.processHostStatus(ev)
	case *shared.Instance:
		m.processInstance(ev)
	case *shared.InstanceStatus:
		m.processInstanceStatus(ev)
	case *shared.Log:
		m.batches.addLog(ev, e)
		return
	case *shared.Module:
		m.processModule(ev)
	case *shared.ServiceCheck:
		m.processServiceCheck(ev)
	case *shared.ServiceDependency:
		m.processServiceDependency(ev)
	case *shared.ServiceGroup:
		m.processServiceGroup(ev)
	case *shared.ServiceGroupMember:
		m.processServiceGroupMember(ev)
	case *shared.Service:
		m.processService(ev)
	case *shared.ServiceStatus:
		m.processServiceStatus(ev)
	case *shared.InstanceConfiguration, *shared.ResponsiveInstance:
		zap.S().Debugf("Nothing to write for %s", e.event.Type())
	default:
		zap.S().Warnf("No handler for %s events", e.event.Type())
	}
	e.done = true
}

// isFresh tells whether a check or status is recent enough to be written.
func (m *Manager) isFresh(c shared.Check) bool {
	return !c.ActiveChecksEnabled ||
		c.CheckType == checkPassive ||
		c.NextCheck == 0 ||
		c.NextCheck >= m.now().Add(-freshnessWindow).Unix()
}

// hostInstance returns the poller of a known host and validates it.
func (m *Manager) hostInstance(hostID uint64, what string) (uint32, bool) {
	instanceID, ok := m.cache.hostInstance[hostID]
	if !ok {
		key := fmt.Sprintf("%s-%d", what, hostID)
		if _, found := m.warned.Get(key); !found {
			m.warned.SetDefault(key, struct{}{})
			zap.S().Warnf("Host %d is unknown, %s discarded. The poller should be restarted", hostID, what)
		}
		return 0, false
	}
	return instanceID, m.isValidPoller(instanceID)
}

func (m *Manager) processAcknowledgement(ev *shared.Acknowledgement) {
	m.finishAction(-1, actionHosts|actionInstances|actionHostParents|actionHostDependencies|actionServiceDependencies)
	zap.S().Debugf("Processing acknowledgement of (%d, %d) on poller %d", ev.HostID, ev.ServiceID, ev.PollerID)
	if !m.isValidPoller(ev.PollerID) {
		return
	}
	conn := m.exec.ConnectionByInstance(ev.PollerID)
	m.runRow(conn, actionAcknowledgements, acknowledgementUpsert, ev,
		fmt.Sprintf("Failed to store acknowledgement (poller %d, host %d, service %d)", ev.PollerID, ev.HostID, ev.ServiceID))
}

func (m *Manager) processComment(ev *shared.Comment) {
	m.finishAction(-1, actionHosts|actionInstances|actionHostParents|actionHostDependencies|actionServiceDependencies)
	zap.S().Debugf("Processing comment %d of (%d, %d) on poller %d", ev.InternalID, ev.HostID, ev.ServiceID, ev.PollerID)
	if !m.isValidPoller(ev.PollerID) {
		return
	}
	conn := m.exec.ConnectionByInstance(ev.PollerID)
	m.runRow(conn, actionComments, commentUpsert, ev,
		fmt.Sprintf("Failed to store comment (poller %d, host %d, service %d)", ev.PollerID, ev.HostID, ev.ServiceID))
}

// processCustomVariable returns true when the event waits for the custom variables batch.
func (m *Manager) processCustomVariable(ev *shared.CustomVariable, e *entry) bool {
	m.finishAction(-1, actionHosts|actionInstances|actionHostParents|actionHostDependencies|actionServiceDependencies)
	if ev.PollerID != 0 && !m.isValidPoller(ev.PollerID) {
		return false
	}
	if ev.Enabled {
		zap.S().Debugf("Queuing custom variable %s of (%d, %d)", ev.Name, ev.HostID, ev.ServiceID)
		m.batches.addCustomVariable(ev, e)
		return true
	}

	zap.S().Infof("Disabling custom variable %s of (%d, %d)", ev.Name, ev.HostID, ev.ServiceID)
	m.batches.dropCustomVariable(ev.HostID, ev.ServiceID, ev.Name)
	m.finishAction(-1, actionCustomVariables)
	conn := m.exec.BestConnection()
	m.runRow(conn, actionCustomVariables, customVariableDelete, ev,
		fmt.Sprintf("Failed to remove custom variable %s of (%d, %d)", ev.Name, ev.HostID, ev.ServiceID))
	return false
}

func (m *Manager) processCustomVariableStatus(ev *shared.CustomVariableStatus) {
	m.finishAction(-1, actionHosts|actionInstances|actionHostParents|actionHostDependencies|actionServiceDependencies)
	if ev.PollerID != 0 && !m.isValidPoller(ev.PollerID) {
		return
	}
	// the status must not be overwritten by an older queued definition
	if m.batches.hasCustomVariable(ev.HostID, ev.ServiceID, ev.Name) {
		m.flushBatches()
	}
	m.finishAction(-1, actionCustomVariables)
	conn := m.exec.BestConnection()
	zap.S().Debugf("Updating custom variable %s of (%d, %d) on connection %d", ev.Name, ev.HostID, ev.ServiceID, conn)
	m.runRow(conn, actionCustomVariables, customVariableStatusUpsert, ev,
		fmt.Sprintf("Failed to update custom variable %s of (%d, %d)", ev.Name, ev.HostID, ev.ServiceID))
}

func (m *Manager) processDowntime(ev *shared.Downtime) {
	m.finishAction(-1, actionHosts|actionInstances|actionDowntimes|actionHostParents|actionHostDependencies|actionServiceDependencies)
	conn := m.exec.BestConnection()
	zap.S().Debugf("Processing downtime %d of (%d, %d) on poller %d", ev.InternalID, ev.HostID, ev.ServiceID, ev.PollerID)
	if !m.isValidPoller(ev.PollerID) {
		return
	}
	m.runRow(conn, actionDowntimes, downtimeUpsert, ev,
		fmt.Sprintf("Failed to store downtime (poller %d, host %d, service %d)", ev.PollerID, ev.HostID, ev.ServiceID))
}

func (m *Manager) processEventHandler(ev *shared.EventHandler) {
	instanceID, ok := m.hostInstance(ev.HostID, "event handler")
	if !ok {
		return
	}
	conn := m.exec.ConnectionByInstance(instanceID)
	m.runRow(conn, actionEventHandlers, eventHandlerUpsert, ev,
		fmt.Sprintf("Failed to store event handler (host %d, service %d, start time %d)", ev.HostID, ev.ServiceID, ev.StartTime))
}

func (m *Manager) processFlappingStatus(ev *shared.FlappingStatus) {
	instanceID, ok := m.hostInstance(ev.HostID, "flapping status")
	if !ok {
		return
	}
	conn := m.exec.ConnectionByInstance(instanceID)
	m.runRow(conn, actionFlappingStatuses, flappingStatusUpsert, ev,
		fmt.Sprintf("Failed to store flapping status (host %d, service %d, event time %d)", ev.HostID, ev.ServiceID, ev.EventTime))
}

func (m *Manager) processHostCheck(ev *shared.HostCheck) {
	m.finishAction(-1, actionInstances|actionDowntimes|actionComments|actionHostDependencies|actionHostParents|actionServiceDependencies)
	if !m.isFresh(ev.Check) {
		zap.S().Debugf("Host check of %d is too old, skipped", ev.HostID)
		return
	}
	instanceID, ok := m.hostInstance(ev.HostID, "host check")
	if !ok || !m.cache.commandChanged(ev.HostID, 0, ev.CommandLine) {
		return
	}
	conn := m.exec.ConnectionByInstance(instanceID)
	m.runRow(conn, actionHosts, hostCheckUpdate, ev, fmt.Sprintf("Failed to store command of host %d", ev.HostID))
}

func (m *Manager) processHostDependency(ev *shared.HostDependency) {
	conn := m.exec.BestConnection()
	m.finishAction(-1, actionHosts|actionHostParents|actionComments|actionDowntimes|actionHostDependencies|actionServiceDependencies)
	errMsg := fmt.Sprintf("Failed to store dependency of host %d on host %d", ev.DependentHostID, ev.HostID)
	if ev.Enabled {
		zap.S().Debugf("Enabling dependency of host %d on host %d", ev.DependentHostID, ev.HostID)
		m.runRow(conn, actionHostDependencies, hostDependencyUpsert, ev, errMsg)
	} else {
		zap.S().Debugf("Removing dependency of host %d on host %d", ev.DependentHostID, ev.HostID)
		m.runRow(conn, actionHostDependencies, hostDependencyDelete, ev, errMsg)
	}
}

func (m *Manager) processHostGroup(ev *shared.HostGroup) {
	conn := m.exec.BestConnection()
	m.finishAction(-1, actionHosts)
	if ev.PollerID != 0 && !m.isValidPoller(ev.PollerID) {
		return
	}
	if ev.Enabled {
		zap.S().Infof("Enabling host group %d (%s) on poller %d", ev.ID, ev.Name, ev.PollerID)
		m.runRow(conn, actionHostgroups, hostGroupUpsert, ev,
			fmt.Sprintf("Failed to store host group %d (poller %d)", ev.ID, ev.PollerID))
		m.cache.hostgroups[ev.ID] = struct{}{}
		return
	}
	zap.S().Infof("Disabling host group %d (%s) on poller %d", ev.ID, ev.Name, ev.PollerID)
	m.runStatement(conn, actionHostgroups, postgresql.Statement{
		SQL:  `DELETE FROM hosts_hostgroups hhg USING hosts h WHERE hhg.host_id=h.host_id AND hhg.hostgroup_id=$1 AND h.instance_id=$2`,
		Args: []any{ev.ID, ev.PollerID},
	}, fmt.Sprintf("Failed to remove members of host group %d", ev.ID))
	delete(m.cache.hostgroups, ev.ID)
}

func (m *Manager) processHostGroupMember(ev *shared.HostGroupMember) {
	conn := m.exec.BestConnection()
	m.finishAction(-1, actionHostgroups|actionHosts)
	errMsg := fmt.Sprintf("Failed to store membership of host %d in host group %d", ev.HostID, ev.GroupID)
	if !ev.Enabled {
		zap.S().Debugf("Removing host %d from host group %d", ev.HostID, ev.GroupID)
		m.runRow(conn, actionHostgroups, hostGroupMemberDelete, ev, errMsg)
		return
	}
	instanceID, ok := m.hostInstance(ev.HostID, "host group membership")
	if !ok {
		return
	}
	if _, known := m.cache.hostgroups[ev.GroupID]; !known {
		zap.S().Warnf("Host group %d does not exist yet, it is created before its members", ev.GroupID)
		group := &shared.HostGroup{PollerID: instanceID, ID: ev.GroupID, Name: ev.GroupName, Enabled: true}
		m.runRow(conn, actionHostgroups, hostGroupUpsert, group, fmt.Sprintf("Failed to store host group %d", ev.GroupID))
		m.cache.hostgroups[ev.GroupID] = struct{}{}
	}
	m.runRow(conn, actionHostgroups, hostGroupMemberInsert, ev, errMsg)
}

func (m *Manager) processHost(ev *shared.Host) {
	m.finishAction(-1, actionInstances|actionHostgroups|actionHostDependencies|actionHostParents|actionCustomVariables|actionDowntimes|actionComments|actionServiceDependencies)
	if !m.isValidPoller(ev.PollerID) {
		return
	}
	if ev.HostID == 0 || ev.Alias == "" {
		zap.S().Debugf("Host %d (%s) of poller %d has no id or alias, skipped", ev.HostID, ev.HostName, ev.PollerID)
		return
	}
	conn := m.exec.ConnectionByInstance(ev.PollerID)
	zap.S().Debugf("Processing host %d (%s) of poller %d on connection %d", ev.HostID, ev.HostName, ev.PollerID, conn)
	m.runRow(conn, actionHosts, hostUpsert, ev, fmt.Sprintf("Failed to store host %d (poller %d)", ev.HostID, ev.PollerID))
	if ev.Enabled {
		m.cache.hostInstance[ev.HostID] = ev.PollerID
	} else {
		delete(m.cache.hostInstance, ev.HostID)
	}
}

func (m *Manager) processHostParent(ev *shared.HostParent) {
	conn := m.exec.BestConnection()
	m.finishAction(-1, actionHosts|actionHostDependencies|actionComments|actionDowntimes)
	errMsg := fmt.Sprintf("Failed to store parent %d of host %d", ev.ParentID, ev.HostID)
	if ev.Enabled {
		zap.S().Debugf("Host %d is parent of host %d", ev.ParentID, ev.HostID)
		m.runRow(conn, actionHostParents, hostParentInsert, ev, errMsg)
	} else {
		zap.S().Debugf("Host %d is not parent of host %d anymore", ev.ParentID, ev.HostID)
		m.runRow(conn, actionHostParents, hostParentDelete, ev, errMsg)
	}
}

func (m *Manager) processHostStatus(ev *shared.HostStatus) {
	m.finishAction(-1, actionInstances|actionDowntimes|actionComments|actionCustomVariables|actionHostgroups|actionHostDependencies|actionHostParents)
	if !m.isFresh(ev.Check) {
		zap.S().Debugf("Status of host %d is too old, skipped", ev.HostID)
		return
	}
	instanceID, ok := m.hostInstance(ev.HostID, "host status")
	if !ok {
		return
	}
	conn := m.exec.ConnectionByInstance(instanceID)
	m.runRow(conn, actionHosts, hostStatusUpdate, ev, fmt.Sprintf("Failed to update status of host %d", ev.HostID))
}

func (m *Manager) processInstance(ev *shared.Instance) {
	conn := m.exec.ConnectionByInstance(ev.PollerID)
	m.finishAction(-1, actionHosts|actionAcknowledgements|actionModules|actionDowntimes|actionComments|actionServicegroups|actionHostgroups|actionServiceDependencies|actionHostDependencies)
	zap.S().Infof("Processing poller %d (%s, running: %t)", ev.PollerID, ev.Name, ev.IsRunning)

	m.cleanTables(ev.PollerID)
	if !m.isValidPoller(ev.PollerID) {
		return
	}
	m.runRow(conn, actionInstances, instanceUpsert, ev, fmt.Sprintf("Failed to store poller %d", ev.PollerID))
}

func (m *Manager) processInstanceStatus(ev *shared.InstanceStatus) {
	conn := m.exec.ConnectionByInstance(ev.PollerID)
	m.finishAction(-1, actionHosts|actionAcknowledgements|actionModules|actionDowntimes|actionComments)
	zap.S().Debugf("Processing status of poller %d", ev.PollerID)
	if !m.isValidPoller(ev.PollerID) {
		return
	}
	m.runRow(conn, actionInstances, instanceStatusUpsert, ev, fmt.Sprintf("Failed to update status of poller %d", ev.PollerID))
}

func (m *Manager) processModule(ev *shared.Module) {
	conn := m.exec.ConnectionByInstance(ev.PollerID)
	zap.S().Debugf("Processing module %s of poller %d (loaded: %t)", ev.Filename, ev.PollerID, ev.Loaded)
	if !m.isValidPoller(ev.PollerID) {
		return
	}
	errMsg := fmt.Sprintf("Failed to store module %s (poller %d)", ev.Filename, ev.PollerID)
	if ev.Enabled {
		m.runRow(conn, actionModules, moduleInsert, ev, errMsg)
	} else {
		m.runRow(conn, actionModules, moduleDelete, ev, errMsg)
	}
}

func (m *Manager) processServiceCheck(ev *shared.ServiceCheck) {
	m.finishAction(-1, actionDowntimes|actionComments|actionHostDependencies|actionHostParents|actionServiceDependencies)
	if !m.isFresh(ev.Check) {
		zap.S().Debugf("Check of service (%d, %d) is too old, skipped", ev.HostID, ev.ServiceID)
		return
	}
	instanceID, ok := m.hostInstance(ev.HostID, "service check")
	if !ok || !m.cache.commandChanged(ev.HostID, ev.ServiceID, ev.CommandLine) {
		return
	}
	conn := m.exec.ConnectionByInstance(instanceID)
	m.runRow(conn, actionServices, serviceCheckUpdate, ev,
		fmt.Sprintf("Failed to store command of service (%d, %d)", ev.HostID, ev.ServiceID))
}

func (m *Manager) processServiceDependency(ev *shared.ServiceDependency) {
	conn := m.exec.BestConnection()
	m.finishAction(-1, actionHosts|actionHostParents|actionComments|actionDowntimes|actionHostDependencies|actionServiceDependencies)
	errMsg := fmt.Sprintf("Failed to store dependency of service (%d, %d) on service (%d, %d)",
		ev.DependentHostID, ev.DependentServiceID, ev.HostID, ev.ServiceID)
	if ev.Enabled {
		m.runRow(conn, actionServiceDependencies, serviceDependencyUpsert, ev, errMsg)
	} else {
		m.runRow(conn, actionServiceDependencies, serviceDependencyDelete, ev, errMsg)
	}
}

func (m *Manager) processServiceGroup(ev *shared.ServiceGroup) {
	conn := m.exec.BestConnection()
	m.finishAction(-1, actionHosts|actionServices)
	if ev.PollerID != 0 && !m.isValidPoller(ev.PollerID) {
		return
	}
	if ev.Enabled {
		zap.S().Infof("Enabling service group %d (%s) on poller %d", ev.ID, ev.Name, ev.PollerID)
		m.runRow(conn, actionServicegroups, serviceGroupUpsert, ev,
			fmt.Sprintf("Failed to store service group %d (poller %d)", ev.ID, ev.PollerID))
		m.cache.servicegroups[ev.ID] = struct{}{}
		return
	}
	zap.S().Infof("Disabling service group %d (%s) on poller %d", ev.ID, ev.Name, ev.PollerID)
	m.runStatement(conn, actionServicegroups, postgresql.Statement{
		SQL:  `DELETE FROM services_servicegroups ssg USING hosts h WHERE ssg.host_id=h.host_id AND ssg.servicegroup_id=$1 AND h.instance_id=$2`,
		Args: []any{ev.ID, ev.PollerID},
	}, fmt.Sprintf("Failed to remove members of service group %d", ev.ID))
	delete(m.cache.servicegroups, ev.ID)
}

func (m *Manager) processServiceGroupMember(ev *shared.ServiceGroupMember) {
	conn := m.exec.BestConnection()
	m.finishAction(-1, actionHosts|actionServicegroups|actionServices)
	errMsg := fmt.Sprintf("Failed to store membership of service (%d, %d) in service group %d", ev.HostID, ev.ServiceID, ev.GroupID)
	if !ev.Enabled {
		m.runRow(conn, actionServicegroups, serviceGroupMemberDelete, ev, errMsg)
		return
	}
	instanceID, ok := m.hostInstance(ev.HostID, "service group membership")
	if !ok {
		return
	}
	if _, known := m.cache.servicegroups[ev.GroupID]; !known {
		zap.S().Warnf("Service group %d does not exist yet, it is created before its members", ev.GroupID)
		group := &shared.ServiceGroup{PollerID: instanceID, ID: ev.GroupID, Name: ev.GroupName, Enabled: true}
		m.runRow(conn, actionServicegroups, serviceGroupUpsert, group, fmt.Sprintf("Failed to store service group %d", ev.GroupID))
		m.cache.servicegroups[ev.GroupID] = struct{}{}
	}
	m.runRow(conn, actionServicegroups, serviceGroupMemberInsert, ev, errMsg)
}

func (m *Manager) processService(ev *shared.Service) {
	m.finishAction(-1, actionHostParents|actionComments|actionDowntimes|actionHostDependencies|actionServiceDependencies)
	// services without host name are virtual
	if ev.HostName == "" {
		zap.S().Debugf("Service (%d, %d) has no host name, skipped", ev.HostID, ev.ServiceID)
		return
	}
	instanceID, ok := m.hostInstance(ev.HostID, "service")
	if !ok {
		return
	}
	if ev.HostID == 0 || ev.ServiceID == 0 {
		zap.S().Debugf("Service (%d, %d) has no id, skipped", ev.HostID, ev.ServiceID)
		return
	}
	conn := m.exec.ConnectionByInstance(instanceID)
	m.runRow(conn, actionServices, serviceUpsert, ev, fmt.Sprintf("Failed to store service (%d, %d)", ev.HostID, ev.ServiceID))
}

func (m *Manager) processServiceStatus(ev *shared.ServiceStatus) {
	m.finishAction(-1, actionHostParents|actionComments|actionDowntimes|actionHostDependencies|actionServiceDependencies)
	if !m.isFresh(ev.Check) {
		zap.S().Debugf("Status of service (%d, %d) is too old, skipped", ev.HostID, ev.ServiceID)
		return
	}
	instanceID, ok := m.hostInstance(ev.HostID, "service status")
	if !ok {
		return
	}
	conn := m.exec.ConnectionByInstance(instanceID)
	m.runRow(conn, actionServices, serviceStatusUpdate, ev, fmt.Sprintf("Failed to update status of service (%d, %d)", ev.HostID, ev.ServiceID))
}

// cleanTables resets what a restarting poller will send again.
func (m *Manager) cleanTables(instanceID uint32) {
	conn := m.exec.ConnectionByInstance(instanceID)
	args := []any{instanceID}
	zap.S().Debugf("Cleaning tables of poller %d on connection %d", instanceID, conn)

	m.runStatement(conn, actionHosts, postgresql.Statement{
		SQL: `UPDATE hosts SET enabled=FALSE WHERE instance_id=$1`, Args: args,
	}, "Failed to disable hosts")
	m.runStatement(conn, actionHosts, postgresql.Statement{
		SQL: `UPDATE services s SET enabled=FALSE FROM hosts h WHERE s.host_id=h.host_id AND h.instance_id=$1`, Args: args,
	}, "Failed to disable services")

	m.runStatement(conn, actionHostgroups, postgresql.Statement{
		SQL: `DELETE FROM hosts_hostgroups hhg USING hosts h WHERE hhg.host_id=h.host_id AND h.instance_id=$1`, Args: args,
	}, "Failed to clean host group memberships")
	m.runStatement(conn, actionServicegroups, postgresql.Statement{
		SQL: `DELETE FROM services_servicegroups ssg USING hosts h WHERE ssg.host_id=h.host_id AND h.instance_id=$1`, Args: args,
	}, "Failed to clean service group memberships")
	m.dropEmptyGroups(conn, actionHostgroups, m.cache.hostgroups,
		`DELETE FROM hostgroups hg WHERE NOT EXISTS (SELECT 1 FROM hosts_hostgroups hhg WHERE hhg.hostgroup_id=hg.hostgroup_id) RETURNING hg.hostgroup_id`,
		"Failed to remove empty host groups")
	m.dropEmptyGroups(conn, actionServicegroups, m.cache.servicegroups,
		`DELETE FROM servicegroups sg WHERE NOT EXISTS (SELECT 1 FROM services_servicegroups ssg WHERE ssg.servicegroup_id=sg.servicegroup_id) RETURNING sg.servicegroup_id`,
		"Failed to remove empty service groups")

	m.runStatement(conn, actionHostDependencies, postgresql.Statement{
		SQL: `DELETE FROM hosts_hosts_dependencies hhd USING hosts h WHERE (hhd.host_id=h.host_id OR hhd.dependent_host_id=h.host_id) AND h.instance_id=$1`, Args: args,
	}, "Failed to clean host dependencies")
	m.runStatement(conn, actionHostParents, postgresql.Statement{
		SQL: `DELETE FROM hosts_hosts_parents hhp USING hosts h WHERE (hhp.child_id=h.host_id OR hhp.parent_id=h.host_id) AND h.instance_id=$1`, Args: args,
	}, "Failed to clean host parents")
	m.runStatement(conn, actionServiceDependencies, postgresql.Statement{
		SQL: `DELETE FROM services_services_dependencies ssd USING services s, hosts h WHERE (ssd.service_id=s.service_id OR ssd.dependent_service_id=s.service_id) AND s.host_id=h.host_id AND h.instance_id=$1`, Args: args,
	}, "Failed to clean service dependencies")

	m.runStatement(conn, actionModules, postgresql.Statement{
		SQL: `DELETE FROM modules WHERE instance_id=$1`, Args: args,
	}, "Failed to clean modules")
	m.runStatement(conn, actionDowntimes, postgresql.Statement{
		SQL: `UPDATE downtimes d SET cancelled=TRUE FROM hosts h WHERE d.host_id=h.host_id AND d.actual_end_time IS NULL AND d.cancelled=FALSE AND h.instance_id=$1`, Args: args,
	}, "Failed to cancel downtimes")
	m.runStatement(conn, actionComments, postgresql.Statement{
		SQL:  `UPDATE comments c SET deletion_time=$2 FROM hosts h WHERE c.host_id=h.host_id AND h.instance_id=$1 AND c.persistent=FALSE AND (c.deletion_time IS NULL OR c.deletion_time=0)`,
		Args: []any{instanceID, m.now().Unix()},
	}, "Failed to clean comments")

	m.finishAction(-1, actionCustomVariables|actionHosts)
	m.runStatement(conn, actionCustomVariables, postgresql.Statement{
		SQL: `DELETE FROM customvariables cv USING hosts h WHERE cv.host_id=h.host_id AND h.instance_id=$1 AND cv.modified=FALSE`, Args: args,
	}, "Failed to clean custom variables")
}

func (m *Manager) dropEmptyGroups(conn int, action actions, known map[uint64]struct{}, sql, errMsg string) {
	res := m.query(conn, action, postgresql.Statement{SQL: sql}, errMsg)
	if res.Err != nil {
		return
	}
	var dropped []string
	for i := range res.Rows {
		if id, ok := res.Uint64(i, 0); ok {
			delete(known, id)
			dropped = append(dropped, fmt.Sprint(id))
		}
	}
	if len(dropped) > 0 {
		zap.S().Debugf("Empty groups removed: %s", strings.Join(dropped, ","))
	}
}
