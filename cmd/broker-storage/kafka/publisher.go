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
	"sync/atomic"

	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/producer"
	kshared "github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"go.uber.org/zap"
)

type sink interface {
	SendMessage(msg *kshared.KafkaMessage)
	GetProducedMessages() (produced uint64, errored uint64)
	Close() error
}

type PublisherStats struct {
	Produced  uint64 `json:"produced"`
	Errored   uint64 `json:"errored"`
	Unencoded uint64 `json:"unencoded"`
}

// Publisher writes the events generated by the engine to a topic.
// All events share one key so that consumers see them in order.
type Publisher struct {
	sink      sink
	topic     string
	key       []byte
	unencoded atomic.Uint64
}

func NewPublisher(brokers []string, topic, key string) (*Publisher, error) {
	p, err := producer.NewProducer(brokers)
	if err != nil {
		return nil, err
	}
	zap.S().Infof("Publishing generated events to %s", topic)
	return newPublisher(p, topic, key), nil
}

func newPublisher(s sink, topic, key string) *Publisher {
	return &Publisher{sink: s, topic: topic, key: []byte(key)}
}

func (p *Publisher) Write(ev shared.Event) {
	value, err := shared.Encode(ev)
	if err != nil {
		p.unencoded.Add(1)
		zap.S().Errorf("Failed to encode %s event: %s", ev.Type(), err)
		return
	}
	p.sink.SendMessage(&kshared.KafkaMessage{
		Headers: map[string]string{"type": ev.Type().String()},
		Topic:   p.topic,
		Key:     p.key,
		Value:   value,
	})
}

func (p *Publisher) Stats() PublisherStats {
	produced, errored := p.sink.GetProducedMessages()
	return PublisherStats{Produced: produced, Errored: errored, Unencoded: p.unencoded.Load()}
}

func (p *Publisher) Close() error {
	return p.sink.Close()
}
