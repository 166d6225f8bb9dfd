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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
)

func TestFifoOrderAndClean(t *testing.T) {
	f := newFifo()
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, f.Push(shared.LaneSQL, &shared.Host{HostID: uint64(i)}))
	}
	f.Push(shared.LaneStorage, &shared.ServiceStatus{})
	assert.Equal(t, 4, f.PendingCount())
	assert.Equal(t, 3, f.LaneDepth(shared.LaneSQL))
	assert.Equal(t, 1, f.LaneDepth(shared.LaneStorage))

	batch := f.Drain(2)
	assert.Len(t, batch, 2)
	assert.Equal(t, uint64(0), batch[0].event.(*shared.Host).HostID)
	assert.Equal(t, uint64(1), batch[1].event.(*shared.Host).HostID)
	assert.Equal(t, 2, f.QueueLength())

	// only the contiguous done prefix is released
	batch[1].done = true
	assert.Equal(t, 0, f.Clean(shared.LaneSQL))
	batch[0].done = true
	assert.Equal(t, 2, f.Clean(shared.LaneSQL))
	assert.Equal(t, 1, f.LaneDepth(shared.LaneSQL))
	assert.Equal(t, 2, f.PendingCount())

	// acknowledgements accumulate until read
	rest := f.Drain(10)
	assert.Len(t, rest, 2)
	for _, e := range rest {
		e.done = true
	}
	assert.Equal(t, 1, f.Clean(shared.LaneSQL))
	assert.Equal(t, 3, f.Acks(shared.LaneSQL))
	assert.Equal(t, 0, f.Acks(shared.LaneSQL))

	assert.Equal(t, 1, f.Clean(shared.LaneStorage))
	assert.Equal(t, 1, f.Push(shared.LaneStorage, &shared.ServiceStatus{}))
	assert.Equal(t, 0, f.Acks(shared.LaneStorage))
	assert.Nil(t, f.Drain(0))
}

func TestFifoWake(t *testing.T) {
	f := newFifo()
	f.Push(shared.LaneSQL, shared.Unknown{})
	f.Push(shared.LaneSQL, shared.Unknown{})
	select {
	case <-f.wake:
	default:
		t.Fatal("expected a wake up")
	}
	select {
	case <-f.wake:
		t.Fatal("wake channel must hold a single signal")
	default:
	}
}

func TestFifoConcurrentPush(t *testing.T) {
	f := newFifo()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				f.Push(shared.LaneSQL, shared.Unknown{})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, f.PendingCount())
	assert.Len(t, f.Drain(1000), 800)
}
