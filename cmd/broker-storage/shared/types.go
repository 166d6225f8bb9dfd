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
	"fmt"
)

// Lane identifies which producer handed an event to the engine.
type Lane uint8

const (
	LaneSQL Lane = iota
	LaneStorage
)

// Lanes lists every lane, in the order their acknowledgements are computed.
var Lanes = [...]Lane{LaneSQL, LaneStorage}

func (l Lane) String() string {
	switch l {
	case LaneSQL:
		return "sql"
	case LaneStorage:
		return "storage"
	default:
		return fmt.Sprintf("lane(%d)", uint8(l))
	}
}

type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryNEB
	CategoryStorage
)

// Type is the closed set of event kinds the engine knows about.
type Type uint16

const (
	TypeUnknown Type = iota
	TypeAcknowledgement
	TypeComment
	TypeCustomVariable
	TypeCustomVariableStatus
	TypeDowntime
	TypeEventHandler
	TypeFlappingStatus
	TypeHostCheck
	TypeHostDependency
	TypeHostGroup
	TypeHostGroupMember
	TypeHost
	TypeHostParent
	TypeHostStatus
	TypeInstance
	TypeInstanceStatus
	TypeLog
	TypeModule
	TypeServiceCheck
	TypeServiceDependency
	TypeServiceGroup
	TypeServiceGroupMember
	TypeService
	TypeServiceStatus
	TypeInstanceConfiguration
	TypeResponsiveInstance

	TypeIndexMapping
	TypeMetricMapping
	TypeStatus
	TypeMetric
	TypeRemoveGraph
)

var typeNames = map[Type]string{
	TypeAcknowledgement:       "acknowledgement",
	TypeComment:               "comment",
	TypeCustomVariable:        "custom_variable",
	TypeCustomVariableStatus:  "custom_variable_status",
	TypeDowntime:              "downtime",
	TypeEventHandler:          "event_handler",
	TypeFlappingStatus:        "flapping_status",
	TypeHostCheck:             "host_check",
	TypeHostDependency:        "host_dependency",
	TypeHostGroup:             "host_group",
	TypeHostGroupMember:       "host_group_member",
	TypeHost:                  "host",
	TypeHostParent:            "host_parent",
	TypeHostStatus:            "host_status",
	TypeInstance:              "instance",
	TypeInstanceStatus:        "instance_status",
	TypeLog:                   "log_entry",
	TypeModule:                "module",
	TypeServiceCheck:          "service_check",
	TypeServiceDependency:     "service_dependency",
	TypeServiceGroup:          "service_group",
	TypeServiceGroupMember:    "service_group_member",
	TypeService:               "service",
	TypeServiceStatus:         "service_status",
	TypeInstanceConfiguration: "instance_configuration",
	TypeResponsiveInstance:    "responsive_instance",
	TypeIndexMapping:          "index_mapping",
	TypeMetricMapping:         "metric_mapping",
	TypeStatus:                "status",
	TypeMetric:                "metric",
	TypeRemoveGraph:           "remove_graph",
}

var typesByName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, name := range typeNames {
		m[name] = t
	}
	return m
}()

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint16(t))
}

// ParseType returns TypeUnknown for names it does not know.
func ParseType(name string) Type {
	return typesByName[name]
}

func (t Type) Category() Category {
	switch {
	case t >= TypeAcknowledgement && t <= TypeResponsiveInstance:
		return CategoryNEB
	case t >= TypeIndexMapping && t <= TypeRemoveGraph:
		return CategoryStorage
	default:
		return CategoryUnknown
	}
}

// Event is anything that can travel through the engine.
type Event interface {
	Type() Type
}

// Field is one column of a row together with the value bound to it.
type Field struct {
	Column string
	Value  any
}

// Row is an event that maps onto a single table row.
// Fields must always return the same columns in the same order.
type Row interface {
	Event
	Table() string
	Fields() []Field
}

// Unknown carries an event kind the engine does not handle. It is acknowledged without any write.
type Unknown struct {
	Name string
}

func (Unknown) Type() Type { return TypeUnknown }
