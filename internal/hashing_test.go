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

package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDKey(t *testing.T) {
	assert.Len(t, IDKey(1, 2), 16)
	assert.Equal(t, IDKey(1, 2), IDKey(1, 2))
	assert.NotEqual(t, IDKey(1, 2), IDKey(2, 1))
}

func TestUint64RoundTrip(t *testing.T) {
	hash := AsXXHash64("check_ping -H 127.0.0.1")
	assert.Equal(t, hash, BytesToUint64(Uint64ToBytes(hash)))
	assert.Equal(t, uint64(0), BytesToUint64([]byte{1, 2}))
}

func TestAsXXHash(t *testing.T) {
	joined := AsXXHash([]byte("host"), []byte("service"))
	assert.Len(t, joined, 16)
	assert.Equal(t, joined, AsXXHash([]byte("hostservice")))
	assert.NotEqual(t, joined, AsXXHash([]byte("host")))
}
