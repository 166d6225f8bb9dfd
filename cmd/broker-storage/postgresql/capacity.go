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

package postgresql

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// CapacityQuery lists the declared length of every bounded text column of the current schema.
const CapacityQuery = `SELECT table_name::text, column_name::text, character_maximum_length::int FROM information_schema.columns
WHERE table_schema = current_schema() AND character_maximum_length IS NOT NULL`

var defaultCapacities = map[string]int{
	"acknowledgements.author":                          64,
	"comments.author":                                  64,
	"customvariables.default_value":                    255,
	"customvariables.name":                             255,
	"customvariables.value":                            255,
	"downtimes.author":                                 64,
	"eventhandlers.command_args":                       255,
	"eventhandlers.command_line":                       255,
	"hostgroups.name":                                  255,
	"hosts.address":                                    75,
	"hosts.alias":                                      100,
	"hosts.check_command":                              255,
	"hosts.check_period":                               75,
	"hosts.display_name":                               100,
	"hosts.name":                                       255,
	"hosts.timezone":                                   64,
	"hosts_hosts_dependencies.dependency_period":       75,
	"index_data.host_name":                             255,
	"index_data.service_description":                   255,
	"instances.engine":                                 64,
	"instances.global_host_event_handler":              255,
	"instances.global_service_event_handler":           255,
	"instances.name":                                   255,
	"instances.version":                                16,
	"logs.host_name":                                   255,
	"logs.instance_name":                               255,
	"logs.notification_cmd":                            255,
	"logs.notification_contact":                        255,
	"logs.service_description":                         255,
	"metrics.metric_name":                              255,
	"metrics.unit_name":                                32,
	"modules.args":                                     255,
	"modules.filename":                                 255,
	"servicegroups.name":                               255,
	"services.check_command":                           255,
	"services.check_period":                            75,
	"services.description":                             255,
	"services.display_name":                            160,
	"services_services_dependencies.dependency_period": 75,
}

// Capacities knows how many characters fit into each text column.
type Capacities struct {
	lock   sync.RWMutex
	sizes  map[string]int
	warned *cache.Cache
}

func NewCapacities() *Capacities {
	sizes := make(map[string]int, len(defaultCapacities))
	for k, v := range defaultCapacities {
		sizes[k] = v
	}
	return &Capacities{
		sizes:  sizes,
		warned: cache.New(5*time.Minute, 10*time.Minute),
	}
}

// Load overrides the defaults with rows of CapacityQuery.
func (c *Capacities) Load(rows [][]any) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	loaded := 0
	for _, row := range rows {
		if len(row) != 3 {
			continue
		}
		table, ok1 := row[0].(string)
		column, ok2 := row[1].(string)
		size, ok3 := AsUint64(row[2])
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		c.sizes[table+"."+column] = int(size)
		loaded++
	}
	zap.S().Debugf("Loaded %d column capacities", loaded)
	return loaded
}

// Size returns 0 for columns without a known limit.
func (c *Capacities) Size(table, column string) int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.sizes[table+"."+column]
}

// Truncate cuts value to the capacity of table.column, counted in characters.
func (c *Capacities) Truncate(table, column, value string) string {
	size := c.Size(table, column)
	if size <= 0 || len(value) <= size {
		return value
	}
	count := utf8.RuneCountInString(value)
	if count <= size {
		return value
	}
	cut := 0
	for i := 0; i < size; i++ {
		_, width := utf8.DecodeRuneInString(value[cut:])
		cut += width
	}

	key := table + "." + column
	if _, found := c.warned.Get(key); !found {
		c.warned.SetDefault(key, struct{}{})
		zap.S().Warnf("Value of %s is %d characters long, truncated to %d", key, count, size)
	}
	return value[:cut]
}
