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
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/consumer/raw"
	kshared "github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"github.com/united-manufacturing-hub/broker-storage/internal"
	"go.uber.org/zap"
)

// livenessWindow is how long the consumer may go without marking a message.
const livenessWindow = 5 * time.Minute

// Engine takes the decoded events of a lane and reports how many of them are durable.
type Engine interface {
	SendEvent(lane shared.Lane, ev shared.Event) int32
	GetAcks(lane shared.Lane) int32
	Broken() bool
}

// source is the part of the consumer the intake uses.
type source interface {
	Messages() <-chan *kshared.KafkaMessage
	MarkMessage(msg *kshared.KafkaMessage)
	GetStats() (marked uint64, consumed uint64)
	IsRunning() bool
	Close() error
}

type saramaSource struct {
	consumer *raw.Consumer
}

func (s saramaSource) Messages() <-chan *kshared.KafkaMessage { return s.consumer.GetMessages() }
func (s saramaSource) MarkMessage(msg *kshared.KafkaMessage) { s.consumer.MarkMessage(msg) }
func (s saramaSource) GetStats() (uint64, uint64) { return s.consumer.GetStats() }
func (s saramaSource) IsRunning() bool { return s.consumer.IsRunning() }
func (s saramaSource) Close() error { return s.consumer.Close() }

type IntakeConfig struct {
	Lane shared.Lane
	// messages handed to the engine and not yet acknowledged
	MaxInFlight  int
	PollInterval time.Duration
}

type IntakeStats struct {
	Received    uint64 `json:"received"`
	Undecodable uint64 `json:"undecodable"`
	Marked      uint64 `json:"marked"`
	InFlight    int    `json:"in_flight"`
}

// Intake feeds the messages of one topic into one lane of the engine. A message is
// marked on the consumer only once the engine acknowledged its event, so a crash
// replays everything that was not durable.
type Intake struct {
	lane        shared.Lane
	engine      Engine
	source      source
	maxInFlight int
	poll        time.Duration

	lock     sync.Mutex
	inFlight []*kshared.KafkaMessage

	received    atomic.Uint64
	undecodable atomic.Uint64
	marked      atomic.Uint64

	lastMarked atomic.Uint64
	lastChange atomic.Int64
}

func NewIntake(brokers []string, topic, group, instanceID string, engine Engine, cfg IntakeConfig) (*Intake, error) {
	zap.S().Infof("Connecting to kafka brokers %v (topic: %s, consumer group: %s)", brokers, topic, group)
	c, err := raw.NewConsumer(brokers, []string{"^" + regexp.QuoteMeta(topic) + "$"}, group, instanceID)
	if err != nil {
		return nil, err
	}
	if err = c.Start(context.Background()); err != nil {
		return nil, err
	}
	return newIntake(saramaSource{consumer: c}, engine, cfg), nil
}

func newIntake(src source, engine Engine, cfg IntakeConfig) *Intake {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	i := &Intake{
		lane:        cfg.Lane,
		engine:      engine,
		source:      src,
		maxInFlight: cfg.MaxInFlight,
		poll:        cfg.PollInterval,
	}
	i.lastChange.Store(time.Now().Unix())
	return i
}

// Run consumes until ctx is done or the consumer closes its channel.
func (i *Intake) Run(ctx context.Context) {
	ticker := time.NewTicker(i.poll)
	defer ticker.Stop()

	var retries int64
	for {
		if i.InFlight() >= i.maxInFlight || i.engine.Broken() {
			i.acknowledge(i.engine.GetAcks(i.lane))
			if i.InFlight() >= i.maxInFlight || i.engine.Broken() {
				retries++
				if retries%100 == 1 {
					zap.S().Debugf("%s lane is waiting for the engine (%d in flight)", i.lane, i.InFlight())
				}
				if err := internal.WaitBackedOff(ctx, retries, 10*time.Millisecond, time.Second); err != nil {
					return
				}
				continue
			}
		}
		retries = 0

		select {
		case <-ctx.Done():
			return
		case msg, ok := <-i.source.Messages():
			if !ok {
				zap.S().Warnf("Consumer of the %s lane closed its channel", i.lane)
				return
			}
			if msg != nil {
				i.handle(msg)
			}
		case <-ticker.C:
			i.acknowledge(i.engine.GetAcks(i.lane))
		}
	}
}

func (i *Intake) handle(msg *kshared.KafkaMessage) {
	i.received.Add(1)
	ev, err := shared.Decode(msg.Value)
	if err != nil {
		// still queued, so that the offsets after it can be marked
		i.undecodable.Add(1)
		zap.S().Warnf("Undecodable message at %s/%d/%d: %s", msg.Topic, msg.Partition, msg.Offset, err)
		ev = shared.Unknown{Name: "undecodable"}
	}

	i.lock.Lock()
	i.inFlight = append(i.inFlight, msg)
	i.lock.Unlock()
	i.acknowledge(i.engine.SendEvent(i.lane, ev))
}

// acknowledge marks the n oldest in flight messages.
func (i *Intake) acknowledge(n int32) {
	if n <= 0 {
		return
	}
	i.lock.Lock()
	if int(n) > len(i.inFlight) {
		zap.S().Errorf("%d acknowledgements for %d messages in flight on the %s lane", n, len(i.inFlight), i.lane)
		n = int32(len(i.inFlight))
	}
	done := make([]*kshared.KafkaMessage, n)
	copy(done, i.inFlight[:n])
	i.inFlight = append(i.inFlight[:0], i.inFlight[n:]...)
	i.lock.Unlock()

	for _, msg := range done {
		i.source.MarkMessage(msg)
	}
	i.marked.Add(uint64(n))
}

func (i *Intake) InFlight() int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return len(i.inFlight)
}

func (i *Intake) Stats() IntakeStats {
	return IntakeStats{
		Received:    i.received.Load(),
		Undecodable: i.undecodable.Load(),
		Marked:      i.marked.Load(),
		InFlight:    i.InFlight(),
	}
}

// Close marks what the engine acknowledged last and closes the consumer.
// It must run after the engine released its lane.
func (i *Intake) Close() error {
	i.acknowledge(i.engine.GetAcks(i.lane))
	if n := i.InFlight(); n > 0 {
		zap.S().Warnf("%d messages of the %s lane were not acknowledged, they will be consumed again", n, i.lane)
	}
	return i.source.Close()
}

func (i *Intake) LivenessCheck() healthcheck.Check {
	return func() error {
		marked, _ := i.source.GetStats()
		previous := i.lastMarked.Swap(marked)
		now := time.Now().Unix()
		switch {
		case previous < marked:
			i.lastChange.Store(now)
			return nil
		case previous > marked:
			return errors.New("amount of marked messages went down")
		case i.InFlight() > 0 && now-i.lastChange.Load() > int64(livenessWindow.Seconds()):
			return errors.New("no message marked in the last 5 minutes")
		default:
			return nil
		}
	}
}

func (i *Intake) ReadinessCheck() healthcheck.Check {
	return func() error {
		if !i.source.IsRunning() {
			return errors.New("kafka consumer is not running")
		}
		if i.engine.Broken() {
			return errors.New("conflict manager is broken")
		}
		return nil
	}
}
