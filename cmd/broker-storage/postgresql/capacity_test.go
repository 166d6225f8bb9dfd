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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapacitiesDefaults(t *testing.T) {
	c := NewCapacities()
	assert.Equal(t, 100, c.Size("hosts", "alias"))
	assert.Equal(t, 0, c.Size("hosts", "output"))
	assert.Equal(t, "unbounded", c.Truncate("hosts", "output", "unbounded"))
}

func TestCapacitiesLoad(t *testing.T) {
	c := NewCapacities()
	n := c.Load([][]any{
		{"hosts", "alias", int32(10)},
		{"services", "description", int64(4)},
		{"broken", int32(3)},
		{"hosts", "notes", "12"},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 10, c.Size("hosts", "alias"))
	assert.Equal(t, 4, c.Size("services", "description"))
	assert.Equal(t, 0, c.Size("hosts", "notes"))
}

func TestTruncate(t *testing.T) {
	c := NewCapacities()
	c.Load([][]any{{"hosts", "alias", int32(5)}})

	original := "abcdefgh"
	assert.Equal(t, "abcde", c.Truncate("hosts", "alias", original))
	assert.Equal(t, "abcdefgh", original)
	assert.Equal(t, "abc", c.Truncate("hosts", "alias", "abc"))
	assert.Equal(t, "abcde", c.Truncate("hosts", "alias", "abcde"))

	// characters, not bytes
	assert.Equal(t, "ääääö", c.Truncate("hosts", "alias", "ääääöüß"))
	assert.Equal(t, "äbc", c.Truncate("hosts", "alias", "äbc"))
}
