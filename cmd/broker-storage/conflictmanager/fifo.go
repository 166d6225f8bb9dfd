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

	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
)

// entry is an event waiting to be handled. done is only written by the worker goroutine.
type entry struct {
	event shared.Event
	lane  shared.Lane
	done  bool
}

// fifo holds the events not yet handled (queue) and, per lane, every event not yet
// acknowledged in arrival order (timelines).
type fifo struct {
	lock      sync.Mutex
	queue     []*entry
	timelines [len(shared.Lanes)][]*entry
	acks      [len(shared.Lanes)]int
	wake      chan struct{}
}

func newFifo() *fifo {
	return &fifo{wake: make(chan struct{}, 1)}
}

// Push appends ev and returns the acknowledgements accumulated on that lane since the last call.
func (f *fifo) Push(lane shared.Lane, ev shared.Event) int {
	e := &entry{event: ev, lane: lane}
	f.lock.Lock()
	f.queue = append(f.queue, e)
	f.timelines[lane] = append(f.timelines[lane], e)
	acks := f.acks[lane]
	f.acks[lane] = 0
	f.lock.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return acks
}

// Drain removes up to max events from the front of the queue.
func (f *fifo) Drain(max int) []*entry {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := len(f.queue)
	if max < n {
		n = max
	}
	if n <= 0 {
		return nil
	}
	batch := make([]*entry, n)
	copy(batch, f.queue[:n])
	for i := 0; i < n; i++ {
		f.queue[i] = nil
	}
	f.queue = f.queue[n:]
	return batch
}

// Clean removes the contiguous done events at the front of a lane and makes them acknowledgeable.
func (f *fifo) Clean(lane shared.Lane) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	timeline := f.timelines[lane]
	n := 0
	for n < len(timeline) && timeline[n].done {
		timeline[n] = nil
		n++
	}
	f.timelines[lane] = timeline[n:]
	f.acks[lane] += n
	return n
}

// Acks returns the acknowledgements of a lane and resets them.
func (f *fifo) Acks(lane shared.Lane) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	acks := f.acks[lane]
	f.acks[lane] = 0
	return acks
}

// PendingCount is the number of events pushed but not yet acknowledged.
func (f *fifo) PendingCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := 0
	for _, timeline := range f.timelines {
		n += len(timeline)
	}
	return n
}

func (f *fifo) LaneDepth(lane shared.Lane) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.timelines[lane])
}

// QueueLength is the number of events not yet handed to the worker.
func (f *fifo) QueueLength() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.queue)
}
