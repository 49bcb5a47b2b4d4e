// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package scanlog

import (
	"context"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaWriterProducer adapts a *kafka.Writer to the KafkaProducer interface,
// the concrete client this package's persistence-style abstraction was left
// open for.
type KafkaWriterProducer struct {
	writer *kafka.Writer
}

// NewKafkaWriterProducer wraps writer. Callers own the writer's lifecycle
// (Close it on shutdown).
func NewKafkaWriterProducer(writer *kafka.Writer) *KafkaWriterProducer {
	return &KafkaWriterProducer{writer: writer}
}

// Produce writes one message to topic, converting headers to kafka-go's
// header slice form.
func (p *KafkaWriterProducer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	hdrs := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		hdrs = append(hdrs, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: hdrs,
	})
}
