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

package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/consumer/raw"
	kshared "github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/helper"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
)

type fakeSource struct {
	messages chan *kshared.KafkaMessage

	lock    sync.Mutex
	marked  []*kshared.KafkaMessage
	stats   uint64
	running bool
	closed  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: make(chan *kshared.KafkaMessage, 16), running: true}
}

func (s *fakeSource) Messages() <-chan *kshared.KafkaMessage { return s.messages }

func (s *fakeSource) MarkMessage(msg *kshared.KafkaMessage) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.marked = append(s.marked, msg)
}

func (s *fakeSource) GetStats() (uint64, uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stats, s.stats
}

func (s *fakeSource) IsRunning() bool { return s.running }

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSource) markedCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.marked)
}

// fakeEngine acknowledges what the test releases.
type fakeEngine struct {
	lock   sync.Mutex
	events []shared.Event
	acks   int32
	broken bool
}

func (e *fakeEngine) SendEvent(_ shared.Lane, ev shared.Event) int32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.events = append(e.events, ev)
	n := e.acks
	e.acks = 0
	return n
}

func (e *fakeEngine) GetAcks(shared.Lane) int32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	n := e.acks
	e.acks = 0
	return n
}

func (e *fakeEngine) Broken() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.broken
}

func (e *fakeEngine) release(n int32) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.acks += n
}

func (e *fakeEngine) received() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.events)
}

func message(t *testing.T, offset int64, ev shared.Event) *kshared.KafkaMessage {
	t.Helper()
	value, err := shared.Encode(ev)
	require.NoError(t, err)
	return &kshared.KafkaMessage{Topic: "broker.sql", Offset: offset, Value: value}
}

func TestIntakeMarksAcknowledgedMessagesInOrder(t *testing.T) {
	helper.InitTestLogging()
	src := newFakeSource()
	engine := &fakeEngine{}
	i := newIntake(src, engine, IntakeConfig{Lane: shared.LaneSQL})

	msgs := []*kshared.KafkaMessage{
		message(t, 1, &shared.Host{HostID: 1}),
		message(t, 2, &shared.Host{HostID: 2}),
		message(t, 3, &shared.Host{HostID: 3}),
	}
	for _, msg := range msgs {
		i.handle(msg)
	}
	require.Len(t, engine.events, 3)
	assert.Equal(t, &shared.Host{HostID: 2}, engine.events[1])
	assert.Equal(t, 3, i.InFlight())
	assert.Empty(t, src.marked)

	engine.release(2)
	i.acknowledge(engine.GetAcks(shared.LaneSQL))
	assert.Equal(t, msgs[:2], src.marked)
	assert.Equal(t, 1, i.InFlight())

	// acknowledgements returned with a new event count for the older ones
	engine.release(1)
	i.handle(message(t, 4, &shared.Host{HostID: 4}))
	assert.Equal(t, msgs, src.marked)
	assert.Equal(t, IntakeStats{Received: 4, Marked: 3, InFlight: 1}, i.Stats())
}

func TestIntakeQueuesUndecodableMessages(t *testing.T) {
	helper.InitTestLogging()
	src := newFakeSource()
	engine := &fakeEngine{}
	i := newIntake(src, engine, IntakeConfig{Lane: shared.LaneStorage})

	i.handle(&kshared.KafkaMessage{Topic: "broker.storage", Value: []byte("{")})
	i.handle(&kshared.KafkaMessage{Topic: "broker.storage", Value: []byte(`{"type":"not_a_type","payload":{}}`)})
	require.Len(t, engine.events, 2)
	assert.Equal(t, shared.Unknown{Name: "undecodable"}, engine.events[0])
	assert.Equal(t, shared.Unknown{Name: "not_a_type"}, engine.events[1])
	assert.Equal(t, uint64(1), i.Stats().Undecodable)
	assert.Equal(t, 2, i.InFlight())
}

func TestIntakeWaitsForTheEngine(t *testing.T) {
	helper.InitTestLogging()
	src := newFakeSource()
	engine := &fakeEngine{}
	i := newIntake(src, engine, IntakeConfig{Lane: shared.LaneSQL, MaxInFlight: 2, PollInterval: 10 * time.Millisecond})
	for n := int64(0); n < 3; n++ {
		src.messages <- message(t, n, &shared.Host{HostID: uint64(n)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		i.Run(ctx)
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return engine.received() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, engine.received())

	engine.release(2)
	assert.Eventually(t, func() bool { return engine.received() == 3 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return src.markedCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("intake did not stop")
	}
}

func TestIntakeCloseMarksLastAcknowledgements(t *testing.T) {
	helper.InitTestLogging()
	src := newFakeSource()
	engine := &fakeEngine{}
	i := newIntake(src, engine, IntakeConfig{Lane: shared.LaneSQL})
	i.handle(message(t, 1, &shared.Host{HostID: 1}))
	i.handle(message(t, 2, &shared.Host{HostID: 2}))

	engine.release(1)
	require.NoError(t, i.Close())
	assert.True(t, src.closed)
	assert.Equal(t, 1, src.markedCount())
	assert.Equal(t, 1, i.InFlight())
}

func TestIntakeHealthChecks(t *testing.T) {
	helper.InitTestLogging()
	src := newFakeSource()
	engine := &fakeEngine{}
	i := newIntake(src, engine, IntakeConfig{Lane: shared.LaneSQL})

	live := i.LivenessCheck()
	src.stats = 5
	assert.NoError(t, live())
	assert.NoError(t, live())
	src.stats = 3
	assert.Error(t, live())

	ready := i.ReadinessCheck()
	assert.NoError(t, ready())
	engine.broken = true
	assert.Error(t, ready())
	engine.broken = false
	src.running = false
	assert.Error(t, ready())
}

type fakeSink struct {
	messages []*kshared.KafkaMessage
	closed   bool
}

func (s *fakeSink) SendMessage(msg *kshared.KafkaMessage) { s.messages = append(s.messages, msg) }

func (s *fakeSink) GetProducedMessages() (uint64, uint64) { return uint64(len(s.messages)), 0 }

func (s *fakeSink) Close() error {
	s.closed = true
	return errors.New("already closed")
}

func TestPublisherWritesEvents(t *testing.T) {
	helper.InitTestLogging()
	s := &fakeSink{}
	p := newPublisher(s, "broker.generated", "broker-storage")

	p.Write(&shared.MetricMapping{IndexID: 10, MetricID: 20})
	p.Write(&shared.RemoveGraph{ID: 10, IsIndex: true})
	require.Len(t, s.messages, 2)

	msg := s.messages[0]
	assert.Equal(t, "broker.generated", msg.Topic)
	assert.Equal(t, []byte("broker-storage"), msg.Key)
	assert.Equal(t, "metric_mapping", msg.Headers["type"])
	ev, err := shared.Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, &shared.MetricMapping{IndexID: 10, MetricID: 20}, ev)
	assert.Equal(t, "remove_graph", s.messages[1].Headers["type"])

	assert.Equal(t, PublisherStats{Produced: 2}, p.Stats())
	assert.Error(t, p.Close())
	assert.True(t, s.closed)
}

func TestSaramaSourceWrapsRawConsumer(t *testing.T) {
	var src source = saramaSource{consumer: &raw.Consumer{}}
	assert.NotNil(t, src)
}
