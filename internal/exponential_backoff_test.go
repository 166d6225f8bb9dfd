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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_GetBackoffTime(t *testing.T) {
	assert.Equal(t, time.Duration(0), GetBackoffTime(0, time.Millisecond, time.Second))
	assert.Equal(t, time.Duration(0), GetBackoffTime(5, 0, time.Second))
	for i := 1; i < 20; i++ {
		backOff := GetBackoffTime(int64(i), 1*time.Microsecond, 1*time.Second)
		assert.LessOrEqual(t, backOff, time.Second)
		assert.Less(t, backOff, time.Duration(1<<i)*time.Microsecond)
	}
}

func Test_CyclesUntilConverge(t *testing.T) {
	var testTimes = []time.Duration{
		time.Millisecond,
		time.Microsecond,
	}
	for _, testTime := range testTimes {
		// Beyond 63 retries the shift overflows and the maximum is returned.
		var converged bool
		for i := int64(0); i <= 64; i++ {
			if GetBackoffTime(i, testTime, 1*time.Second) >= 1*time.Second {
				t.Logf("%s converged after %d iterations", testTime, i)
				converged = true
				break
			}
		}
		assert.True(t, converged)
	}
}

func Test_WaitBackedOffCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitBackedOff(ctx, 30, time.Second, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_WaitBackedOff(t *testing.T) {
	assert.NoError(t, WaitBackedOff(context.Background(), 2, time.Millisecond, 10*time.Millisecond))
}
