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
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

var ErrEmptyMessage = errors.New("empty message")

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newEvent(t Type) Event {
	switch t {
	case TypeAcknowledgement:
		return &Acknowledgement{}
	case TypeComment:
		return &Comment{}
	case TypeCustomVariable:
		return &CustomVariable{}
	case TypeCustomVariableStatus:
		return &CustomVariableStatus{}
	case TypeDowntime:
		return &Downtime{}
	case TypeEventHandler:
		return &EventHandler{}
	case TypeFlappingStatus:
		return &FlappingStatus{}
	case TypeHostCheck:
		return &HostCheck{}
	case TypeHostDependency:
		return &HostDependency{}
	case TypeHostGroup:
		return &HostGroup{}
	case TypeHostGroupMember:
		return &HostGroupMember{}
	case TypeHost:
		return &Host{}
	case TypeHostParent:
		return &HostParent{}
	case TypeHostStatus:
		return &HostStatus{}
	case TypeInstance:
		return &Instance{}
	case TypeInstanceStatus:
		return &InstanceStatus{}
	case TypeLog:
		return &Log{}
	case TypeModule:
		return &Module{}
	case TypeServiceCheck:
		return &ServiceCheck{}
	case TypeServiceDependency:
		return &ServiceDependency{}
	case TypeServiceGroup:
		return &ServiceGroup{}
	case TypeServiceGroupMember:
		return &ServiceGroupMember{}
	case TypeService:
		return &Service{}
	case TypeServiceStatus:
		return &ServiceStatus{}
	case TypeInstanceConfiguration:
		return &InstanceConfiguration{}
	case TypeResponsiveInstance:
		return &ResponsiveInstance{}
	case TypeIndexMapping:
		return &IndexMapping{}
	case TypeMetricMapping:
		return &MetricMapping{}
	case TypeStatus:
		return &Status{}
	case TypeMetric:
		return &Metric{}
	case TypeRemoveGraph:
		return &RemoveGraph{}
	default:
		return nil
	}
}

// Decode parses a {"type": ..., "payload": ...} message.
// A well-formed message of an unknown type decodes to Unknown.
func Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	ev := newEvent(ParseType(env.Type))
	if ev == nil {
		return Unknown{Name: env.Type}, nil
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
		}
	}
	return ev, nil
}

func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(envelope{Type: ev.Type().String(), Payload: payload})
}
