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
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/helper"
)

// Times are unix seconds. A zero time is stored as NULL.

type Acknowledgement struct {
	PollerID          uint32 `json:"poller_id"`
	HostID            uint64 `json:"host_id"`
	ServiceID         uint64 `json:"service_id"`
	EntryTime         int64  `json:"entry_time"`
	DeletionTime      int64  `json:"deletion_time"`
	Author            string `json:"author"`
	Comment           string `json:"comment"`
	AckType           int16  `json:"acknowledgement_type"`
	State             int16  `json:"state"`
	Sticky            bool   `json:"is_sticky"`
	NotifyContacts    bool   `json:"notify_contacts"`
	PersistentComment bool   `json:"persistent_comment"`
}

func (*Acknowledgement) Type() Type { return TypeAcknowledgement }
func (*Acknowledgement) Table() string { return "acknowledgements" }
func (a *Acknowledgement) Fields() []Field {
	return []Field{
		{"entry_time", a.EntryTime},
		{"host_id", a.HostID},
		{"service_id", a.ServiceID},
		{"author", a.Author},
		{"comment_data", a.Comment},
		{"deletion_time", helper.Int64ToNullInt64(a.DeletionTime)},
		{"instance_id", a.PollerID},
		{"notify_contacts", a.NotifyContacts},
		{"persistent_comment", a.PersistentComment},
		{"state", a.State},
		{"sticky", a.Sticky},
		{"type", a.AckType},
	}
}

type Comment struct {
	PollerID     uint32 `json:"poller_id"`
	HostID       uint64 `json:"host_id"`
	ServiceID    uint64 `json:"service_id"`
	InternalID   uint64 `json:"internal_id"`
	EntryTime    int64  `json:"entry_time"`
	DeletionTime int64  `json:"deletion_time"`
	ExpireTime   int64  `json:"expire_time"`
	Author       string `json:"author"`
	Data         string `json:"data"`
	EntryType    int16  `json:"entry_type"`
	CommentType  int16  `json:"comment_type"`
	Source       int16  `json:"source"`
	Expires      bool   `json:"expires"`
	Persistent   bool   `json:"persistent"`
}

func (*Comment) Type() Type { return TypeComment }
func (*Comment) Table() string { return "comments" }
func (c *Comment) Fields() []Field {
	return []Field{
		{"host_id", c.HostID},
		{"service_id", c.ServiceID},
		{"entry_time", c.EntryTime},
		{"instance_id", c.PollerID},
		{"internal_id", c.InternalID},
		{"author", c.Author},
		{"data", c.Data},
		{"deletion_time", helper.Int64ToNullInt64(c.DeletionTime)},
		{"entry_type", c.EntryType},
		{"expire_time", helper.Int64ToNullInt64(c.ExpireTime)},
		{"expires", c.Expires},
		{"persistent", c.Persistent},
		{"source", c.Source},
		{"type", c.CommentType},
	}
}

type CustomVariable struct {
	PollerID     uint32 `json:"poller_id"`
	HostID       uint64 `json:"host_id"`
	ServiceID    uint64 `json:"service_id"`
	Name         string `json:"name"`
	Value        string `json:"value"`
	DefaultValue string `json:"default_value"`
	UpdateTime   int64  `json:"update_time"`
	VarType      int16  `json:"var_type"`
	Modified     bool   `json:"modified"`
	Enabled      bool   `json:"enabled"`
}

func (*CustomVariable) Type() Type { return TypeCustomVariable }
func (*CustomVariable) Table() string { return "customvariables" }
func (c *CustomVariable) Fields() []Field {
	return []Field{
		{"host_id", c.HostID},
		{"name", c.Name},
		{"service_id", c.ServiceID},
		{"default_value", c.DefaultValue},
		{"modified", c.Modified},
		{"type", c.VarType},
		{"update_time", c.UpdateTime},
		{"value", c.Value},
	}
}

type CustomVariableStatus struct {
	PollerID   uint32 `json:"poller_id"`
	HostID     uint64 `json:"host_id"`
	ServiceID  uint64 `json:"service_id"`
	Name       string `json:"name"`
	Value      string `json:"value"`
	UpdateTime int64  `json:"update_time"`
	Modified   bool   `json:"modified"`
}

func (*CustomVariableStatus) Type() Type { return TypeCustomVariableStatus }
func (*CustomVariableStatus) Table() string { return "customvariables" }
func (c *CustomVariableStatus) Fields() []Field {
	return []Field{
		{"host_id", c.HostID},
		{"name", c.Name},
		{"service_id", c.ServiceID},
		{"modified", c.Modified},
		{"update_time", c.UpdateTime},
		{"value", c.Value},
	}
}

type Downtime struct {
	PollerID        uint32 `json:"poller_id"`
	HostID          uint64 `json:"host_id"`
	ServiceID       uint64 `json:"service_id"`
	InternalID      uint64 `json:"internal_id"`
	TriggeredBy     uint64 `json:"triggered_by"`
	ActualStartTime int64  `json:"actual_start_time"`
	ActualEndTime   int64  `json:"actual_end_time"`
	DeletionTime    int64  `json:"deletion_time"`
	Duration        int64  `json:"duration"`
	EndTime         int64  `json:"end_time"`
	EntryTime       int64  `json:"entry_time"`
	StartTime       int64  `json:"start_time"`
	Author          string `json:"author"`
	Comment         string `json:"comment"`
	DowntimeType    int16  `json:"downtime_type"`
	Fixed           bool   `json:"fixed"`
	Cancelled       bool   `json:"was_cancelled"`
	Started         bool   `json:"was_started"`
}

func (*Downtime) Type() Type { return TypeDowntime }
func (*Downtime) Table() string { return "downtimes" }
func (d *Downtime) Fields() []Field {
	return []Field{
		{"internal_id", d.InternalID},
		{"instance_id", d.PollerID},
		{"actual_end_time", helper.Int64ToNullInt64(d.ActualEndTime)},
		{"actual_start_time", helper.Int64ToNullInt64(d.ActualStartTime)},
		{"author", d.Author},
		{"type", d.DowntimeType},
		{"deletion_time", helper.Int64ToNullInt64(d.DeletionTime)},
		{"duration", d.Duration},
		{"end_time", helper.Int64ToNullInt64(d.EndTime)},
		{"entry_time", helper.Int64ToNullInt64(d.EntryTime)},
		{"fixed", d.Fixed},
		{"host_id", d.HostID},
		{"service_id", d.ServiceID},
		{"start_time", helper.Int64ToNullInt64(d.StartTime)},
		{"triggered_by", helper.Uint64ToNullInt64(d.TriggeredBy)},
		{"cancelled", d.Cancelled},
		{"started", d.Started},
		{"comment_data", d.Comment},
	}
}

type EventHandler struct {
	HostID        uint64  `json:"host_id"`
	ServiceID     uint64  `json:"service_id"`
	StartTime     int64   `json:"start_time"`
	EndTime       int64   `json:"end_time"`
	Command       string  `json:"command_args"`
	CommandLine   string  `json:"command_line"`
	Output        string  `json:"output"`
	ExecutionTime float64 `json:"execution_time"`
	ReturnCode    int16   `json:"return_code"`
	State         int16   `json:"state"`
	StateType     int16   `json:"state_type"`
	Timeout       int16   `json:"timeout"`
	HandlerType   int16   `json:"handler_type"`
	EarlyTimeout  bool    `json:"early_timeout"`
}

func (*EventHandler) Type() Type { return TypeEventHandler }
func (*EventHandler) Table() string { return "eventhandlers" }
func (e *EventHandler) Fields() []Field {
	return []Field{
		{"host_id", e.HostID},
		{"service_id", e.ServiceID},
		{"start_time", e.StartTime},
		{"end_time", helper.Int64ToNullInt64(e.EndTime)},
		{"command_args", e.Command},
		{"command_line", e.CommandLine},
		{"output", e.Output},
		{"execution_time", e.ExecutionTime},
		{"return_code", e.ReturnCode},
		{"state", e.State},
		{"state_type", e.StateType},
		{"timeout", e.Timeout},
		{"type", e.HandlerType},
		{"early_timeout", e.EarlyTimeout},
	}
}

type FlappingStatus struct {
	HostID             uint64  `json:"host_id"`
	ServiceID          uint64  `json:"service_id"`
	EventTime          int64   `json:"event_time"`
	CommentTime        int64   `json:"comment_time"`
	InternalCommentID  uint64  `json:"internal_comment_id"`
	HighThreshold      float64 `json:"high_threshold"`
	LowThreshold       float64 `json:"low_threshold"`
	PercentStateChange float64 `json:"percent_state_change"`
	EventType          int16   `json:"event_type"`
	FlappingType       int16   `json:"flapping_type"`
	ReasonType         int16   `json:"reason_type"`
}

func (*FlappingStatus) Type() Type { return TypeFlappingStatus }
func (*FlappingStatus) Table() string { return "flappingstatuses" }
func (f *FlappingStatus) Fields() []Field {
	return []Field{
		{"host_id", f.HostID},
		{"service_id", f.ServiceID},
		{"event_time", f.EventTime},
		{"comment_time", helper.Int64ToNullInt64(f.CommentTime)},
		{"internal_comment_id", f.InternalCommentID},
		{"high_threshold", f.HighThreshold},
		{"low_threshold", f.LowThreshold},
		{"percent_state_change", f.PercentStateChange},
		{"event_type", f.EventType},
		{"type", f.FlappingType},
		{"reason_type", f.ReasonType},
	}
}

// Check carries the freshness information shared by host and service checks and statuses.
type Check struct {
	CheckType           int16 `json:"check_type"`
	ActiveChecksEnabled bool  `json:"active_checks_enabled"`
	NextCheck           int64 `json:"next_check"`
}

type HostCheck struct {
	Check
	HostID      uint64 `json:"host_id"`
	CommandLine string `json:"command_line"`
}

func (*HostCheck) Type() Type { return TypeHostCheck }
func (*HostCheck) Table() string { return "hosts" }
func (h *HostCheck) Fields() []Field {
	return []Field{
		{"host_id", h.HostID},
		{"command_line", h.CommandLine},
	}
}

type HostDependency struct {
	HostID                     uint64 `json:"host_id"`
	DependentHostID            uint64 `json:"dependent_host_id"`
	DependencyPeriod           string `json:"dependency_period"`
	ExecutionFailureOptions    string `json:"execution_failure_options"`
	NotificationFailureOptions string `json:"notification_failure_options"`
	InheritsParent             bool   `json:"inherits_parent"`
	Enabled                    bool   `json:"enabled"`
}

func (*HostDependency) Type() Type { return TypeHostDependency }
func (*HostDependency) Table() string { return "hosts_hosts_dependencies" }
func (h *HostDependency) Fields() []Field {
	return []Field{
		{"host_id", h.HostID},
		{"dependent_host_id", h.DependentHostID},
		{"dependency_period", h.DependencyPeriod},
		{"execution_failure_options", h.ExecutionFailureOptions},
		{"notification_failure_options", h.NotificationFailureOptions},
		{"inherits_parent", h.InheritsParent},
	}
}

type HostGroup struct {
	PollerID uint32 `json:"poller_id"`
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
}

func (*HostGroup) Type() Type { return TypeHostGroup }
func (*HostGroup) Table() string { return "hostgroups" }
func (h *HostGroup) Fields() []Field {
	return []Field{
		{"hostgroup_id", h.ID},
		{"name", h.Name},
	}
}

type HostGroupMember struct {
	PollerID  uint32 `json:"poller_id"`
	GroupID   uint64 `json:"group_id"`
	GroupName string `json:"group_name"`
	HostID    uint64 `json:"host_id"`
	Enabled   bool   `json:"enabled"`
}

func (*HostGroupMember) Type() Type { return TypeHostGroupMember }
func (*HostGroupMember) Table() string { return "hosts_hostgroups" }
func (h *HostGroupMember) Fields() []Field {
	return []Field{
		{"hostgroup_id", h.GroupID},
		{"host_id", h.HostID},
	}
}

type Host struct {
	PollerID         uint32  `json:"poller_id"`
	HostID           uint64  `json:"host_id"`
	HostName         string  `json:"host_name"`
	Alias            string  `json:"alias"`
	Address          string  `json:"address"`
	DisplayName      string  `json:"display_name"`
	CheckCommand     string  `json:"check_command"`
	CheckPeriod      string  `json:"check_period"`
	Timezone         string  `json:"timezone"`
	CheckInterval    float64 `json:"check_interval"`
	RetryInterval    float64 `json:"retry_interval"`
	MaxCheckAttempts int32   `json:"max_check_attempts"`
	ActiveChecks     bool    `json:"active_checks_enabled"`
	PassiveChecks    bool    `json:"passive_checks_enabled"`
	Notify           bool    `json:"notifications_enabled"`
	Enabled          bool    `json:"enabled"`
}

func (*Host) Type() Type { return TypeHost }
func (*Host) Table() string { return "hosts" }
func (h *Host) Fields() []Field {
	return []Field{
		{"host_id", h.HostID},
		{"instance_id", h.PollerID},
		{"name", h.HostName},
		{"alias", h.Alias},
		{"address", h.Address},
		{"display_name", h.DisplayName},
		{"check_command", h.CheckCommand},
		{"check_period", h.CheckPeriod},
		{"timezone", helper.StringToNullString(h.Timezone)},
		{"check_interval", h.CheckInterval},
		{"retry_interval", h.RetryInterval},
		{"max_check_attempts", h.MaxCheckAttempts},
		{"active_checks", h.ActiveChecks},
		{"passive_checks", h.PassiveChecks},
		{"notify", h.Notify},
		{"enabled", h.Enabled},
	}
}

type HostParent struct {
	HostID   uint64 `json:"child_id"`
	ParentID uint64 `json:"parent_id"`
	Enabled  bool   `json:"enabled"`
}

func (*HostParent) Type() Type { return TypeHostParent }
func (*HostParent) Table() string { return "hosts_hosts_parents" }
func (h *HostParent) Fields() []Field {
	return []Field{
		{"child_id", h.HostID},
		{"parent_id", h.ParentID},
	}
}

// CheckState is the part shared by host and service statuses.
type CheckState struct {
	Check
	LastCheck              int64   `json:"last_check"`
	LastStateChange        int64   `json:"last_state_change"`
	LastHardState          int16   `json:"last_hard_state"`
	CurrentState           int16   `json:"current_state"`
	StateType              int16   `json:"state_type"`
	CheckAttempt           int16   `json:"current_check_attempt"`
	ScheduledDowntimeDepth int16   `json:"downtime_depth"`
	Output                 string  `json:"output"`
	PerfData               string  `json:"perf_data"`
	ExecutionTime          float64 `json:"execution_time"`
	Latency                float64 `json:"latency"`
	CheckInterval          float64 `json:"check_interval"`
	Acknowledged           bool    `json:"acknowledged"`
	Flapping               bool    `json:"is_flapping"`
}

func (s *CheckState) fields() []Field {
	return []Field{
		{"check_type", s.CheckType},
		{"active_checks", s.ActiveChecksEnabled},
		{"next_check", helper.Int64ToNullInt64(s.NextCheck)},
		{"last_check", helper.Int64ToNullInt64(s.LastCheck)},
		{"last_state_change", helper.Int64ToNullInt64(s.LastStateChange)},
		{"last_hard_state", s.LastHardState},
		{"state", s.CurrentState},
		{"state_type", s.StateType},
		{"check_attempt", s.CheckAttempt},
		{"scheduled_downtime_depth", s.ScheduledDowntimeDepth},
		{"output", s.Output},
		{"perfdata", s.PerfData},
		{"execution_time", s.ExecutionTime},
		{"latency", s.Latency},
		{"check_interval", s.CheckInterval},
		{"acknowledged", s.Acknowledged},
		{"flapping", s.Flapping},
	}
}

type HostStatus struct {
	CheckState
	HostID uint64 `json:"host_id"`
}

func (*HostStatus) Type() Type { return TypeHostStatus }
func (*HostStatus) Table() string { return "hosts" }
func (h *HostStatus) Fields() []Field {
	return append([]Field{{"host_id", h.HostID}}, h.CheckState.fields()...)
}

type Instance struct {
	PollerID  uint32 `json:"poller_id"`
	Name      string `json:"name"`
	Engine    string `json:"engine"`
	Version   string `json:"version"`
	PID       int32  `json:"pid"`
	StartTime int64  `json:"program_start"`
	EndTime   int64  `json:"program_end"`
	IsRunning bool   `json:"is_running"`
}

func (*Instance) Type() Type { return TypeInstance }
func (*Instance) Table() string { return "instances" }
func (i *Instance) Fields() []Field {
	return []Field{
		{"instance_id", i.PollerID},
		{"name", i.Name},
		{"engine", i.Engine},
		{"version", i.Version},
		{"pid", i.PID},
		{"start_time", helper.Int64ToNullInt64(i.StartTime)},
		{"end_time", helper.Int64ToNullInt64(i.EndTime)},
		{"running", i.IsRunning},
	}
}

type InstanceStatus struct {
	PollerID                  uint32 `json:"poller_id"`
	LastAlive                 int64  `json:"last_alive"`
	LastCommandCheck          int64  `json:"last_command_check"`
	GlobalHostEventHandler    string `json:"global_host_event_handler"`
	GlobalServiceEventHandler string `json:"global_service_event_handler"`
	ActiveHostChecks          bool   `json:"active_host_checks_enabled"`
	ActiveServiceChecks       bool   `json:"active_service_checks_enabled"`
	EventHandlers             bool   `json:"event_handler_enabled"`
	FlapDetection             bool   `json:"flap_detection_enabled"`
	Notifications             bool   `json:"notifications_enabled"`
}

func (*InstanceStatus) Type() Type { return TypeInstanceStatus }
func (*InstanceStatus) Table() string { return "instances" }
func (i *InstanceStatus) Fields() []Field {
	return []Field{
		{"instance_id", i.PollerID},
		{"last_alive", helper.Int64ToNullInt64(i.LastAlive)},
		{"last_command_check", helper.Int64ToNullInt64(i.LastCommandCheck)},
		{"global_host_event_handler", i.GlobalHostEventHandler},
		{"global_service_event_handler", i.GlobalServiceEventHandler},
		{"active_host_checks", i.ActiveHostChecks},
		{"active_service_checks", i.ActiveServiceChecks},
		{"event_handlers", i.EventHandlers},
		{"flap_detection", i.FlapDetection},
		{"notifications", i.Notifications},
	}
}

type Log struct {
	CTime               int64  `json:"c_time"`
	HostID              uint64 `json:"host_id"`
	ServiceID           uint64 `json:"service_id"`
	HostName            string `json:"host_name"`
	PollerName          string `json:"poller_name"`
	NotificationCmd     string `json:"notification_cmd"`
	NotificationContact string `json:"notification_contact"`
	ServiceDescription  string `json:"service_description"`
	Output              string `json:"output"`
	LogType             int16  `json:"log_type"`
	MsgType             int16  `json:"msg_type"`
	Retry               int32  `json:"retry"`
	Status              int16  `json:"status"`
}

func (*Log) Type() Type { return TypeLog }
func (*Log) Table() string { return "logs" }
func (l *Log) Fields() []Field {
	return []Field{
		{"ctime", l.CTime},
		{"host_id", l.HostID},
		{"service_id", l.ServiceID},
		{"host_name", l.HostName},
		{"instance_name", l.PollerName},
		{"type", l.LogType},
		{"msg_type", l.MsgType},
		{"notification_cmd", l.NotificationCmd},
		{"notification_contact", l.NotificationContact},
		{"retry", l.Retry},
		{"service_description", l.ServiceDescription},
		{"status", l.Status},
		{"output", l.Output},
	}
}

type Module struct {
	PollerID       uint32 `json:"poller_id"`
	Filename       string `json:"filename"`
	Args           string `json:"args"`
	Loaded         bool   `json:"loaded"`
	ShouldBeLoaded bool   `json:"should_be_loaded"`
	Enabled        bool   `json:"enabled"`
}

func (*Module) Type() Type { return TypeModule }
func (*Module) Table() string { return "modules" }
func (m *Module) Fields() []Field {
	return []Field{
		{"instance_id", m.PollerID},
		{"filename", m.Filename},
		{"args", helper.StringToNullString(m.Args)},
		{"loaded", m.Loaded},
		{"should_be_loaded", m.ShouldBeLoaded},
	}
}

type ServiceCheck struct {
	Check
	HostID      uint64 `json:"host_id"`
	ServiceID   uint64 `json:"service_id"`
	CommandLine string `json:"command_line"`
}

func (*ServiceCheck) Type() Type { return TypeServiceCheck }
func (*ServiceCheck) Table() string { return "services" }
func (s *ServiceCheck) Fields() []Field {
	return []Field{
		{"host_id", s.HostID},
		{"service_id", s.ServiceID},
		{"command_line", s.CommandLine},
	}
}

type ServiceDependency struct {
	HostID                     uint64 `json:"host_id"`
	ServiceID                  uint64 `json:"service_id"`
	DependentHostID            uint64 `json:"dependent_host_id"`
	DependentServiceID         uint64 `json:"dependent_service_id"`
	DependencyPeriod           string `json:"dependency_period"`
	ExecutionFailureOptions    string `json:"execution_failure_options"`
	NotificationFailureOptions string `json:"notification_failure_options"`
	InheritsParent             bool   `json:"inherits_parent"`
	Enabled                    bool   `json:"enabled"`
}

func (*ServiceDependency) Type() Type { return TypeServiceDependency }
func (*ServiceDependency) Table() string { return "services_services_dependencies" }
func (s *ServiceDependency) Fields() []Field {
	return []Field{
		{"dependent_host_id", s.DependentHostID},
		{"dependent_service_id", s.DependentServiceID},
		{"host_id", s.HostID},
		{"service_id", s.ServiceID},
		{"dependency_period", s.DependencyPeriod},
		{"execution_failure_options", s.ExecutionFailureOptions},
		{"notification_failure_options", s.NotificationFailureOptions},
		{"inherits_parent", s.InheritsParent},
	}
}

type ServiceGroup struct {
	PollerID uint32 `json:"poller_id"`
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
}

func (*ServiceGroup) Type() Type { return TypeServiceGroup }
func (*ServiceGroup) Table() string { return "servicegroups" }
func (s *ServiceGroup) Fields() []Field {
	return []Field{
		{"servicegroup_id", s.ID},
		{"name", s.Name},
	}
}

type ServiceGroupMember struct {
	PollerID  uint32 `json:"poller_id"`
	GroupID   uint64 `json:"group_id"`
	GroupName string `json:"group_name"`
	HostID    uint64 `json:"host_id"`
	ServiceID uint64 `json:"service_id"`
	Enabled   bool   `json:"enabled"`
}

func (*ServiceGroupMember) Type() Type { return TypeServiceGroupMember }
func (*ServiceGroupMember) Table() string { return "services_servicegroups" }
func (s *ServiceGroupMember) Fields() []Field {
	return []Field{
		{"servicegroup_id", s.GroupID},
		{"host_id", s.HostID},
		{"service_id", s.ServiceID},
	}
}

type Service struct {
	HostID             uint64  `json:"host_id"`
	ServiceID          uint64  `json:"service_id"`
	HostName           string  `json:"host_name"`
	ServiceDescription string  `json:"service_description"`
	DisplayName        string  `json:"display_name"`
	CheckCommand       string  `json:"check_command"`
	CheckPeriod        string  `json:"check_period"`
	CheckInterval      float64 `json:"check_interval"`
	RetryInterval      float64 `json:"retry_interval"`
	MaxCheckAttempts   int32   `json:"max_check_attempts"`
	ActiveChecks       bool    `json:"active_checks_enabled"`
	PassiveChecks      bool    `json:"passive_checks_enabled"`
	Notify             bool    `json:"notifications_enabled"`
	Volatile           bool    `json:"is_volatile"`
	Enabled            bool    `json:"enabled"`
}

func (*Service) Type() Type { return TypeService }
func (*Service) Table() string { return "services" }
func (s *Service) Fields() []Field {
	return []Field{
		{"host_id", s.HostID},
		{"service_id", s.ServiceID},
		{"description", s.ServiceDescription},
		{"display_name", s.DisplayName},
		{"check_command", s.CheckCommand},
		{"check_period", s.CheckPeriod},
		{"check_interval", s.CheckInterval},
		{"retry_interval", s.RetryInterval},
		{"max_check_attempts", s.MaxCheckAttempts},
		{"active_checks", s.ActiveChecks},
		{"passive_checks", s.PassiveChecks},
		{"notify", s.Notify},
		{"volatile", s.Volatile},
		{"enabled", s.Enabled},
	}
}

type ServiceStatus struct {
	CheckState
	HostID             uint64 `json:"host_id"`
	ServiceID          uint64 `json:"service_id"`
	HostName           string `json:"host_name"`
	ServiceDescription string `json:"service_description"`
}

func (*ServiceStatus) Type() Type { return TypeServiceStatus }
func (*ServiceStatus) Table() string { return "services" }
func (s *ServiceStatus) Fields() []Field {
	return append([]Field{{"host_id", s.HostID}, {"service_id", s.ServiceID}}, s.CheckState.fields()...)
}

type InstanceConfiguration struct {
	PollerID uint32 `json:"poller_id"`
	Loaded   bool   `json:"loaded"`
}

func (*InstanceConfiguration) Type() Type { return TypeInstanceConfiguration }

type ResponsiveInstance struct {
	PollerID   uint32 `json:"poller_id"`
	Responsive bool   `json:"responsive"`
}

func (*ResponsiveInstance) Type() Type { return TypeResponsiveInstance }
