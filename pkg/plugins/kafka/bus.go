// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.


package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Bus publishes each project's messages to its own topic. Every
// subscription reads through a throwaway consumer group positioned at the
// newest offset, so nothing published before it subscribed is replayed.
type Bus struct {
	name       string
	brokers    []string
	prefix     string
	bufferSize int
	writer     *kafka.Writer
	logger     *slog.Logger
}

func New(name string, brokers []string, prefix string, bufferSize int, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = "live."
	}
	return &Bus{
		name:       name,
		brokers:    brokers,
		prefix:     prefix,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (b *Bus) Name() string { return b.name }
func (b *Bus) Type() string { return "kafka" }

func (b *Bus) Topic(projectID string) string { return b.prefix + projectID }

func (b *Bus) Connect(ctx context.Context) error {
	b.writer = &kafka.Writer{
		Addr:                   kafka.TCP(b.brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
	}
	b.logger.Info("kafka bus connected",
		"name", b.name,
		"brokers", strings.Join(b.brokers, ","),
		"topic_prefix", b.prefix,
	)
	return nil
}

func (b *Bus) Disconnect(ctx context.Context) error {
	if b.writer != nil {
		return b.writer.Close()
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, msg core.LiveEventMessage) error {
	if b.writer == nil {
		return core.ErrBusNotConnected
	}
	data, err := core.EncodeLiveMessage(msg)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.Topic(msg.ProjectID),
		Key:   []byte(msg.ProjectID),
		Value: data,
		Time:  msg.Timestamp,
	})
}

func (b *Bus) Subscribe(ctx context.Context, projectID string) (core.Subscription, error) {
	if b.writer == nil {
		return nil, core.ErrBusNotConnected
	}
	topic := b.Topic(projectID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       topic,
		GroupID:     "live-" + b.name + "-" + uuid.New().String(),
		StartOffset: kafka.LastOffset,
		MaxWait:     500 * time.Millisecond,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	stream := core.NewStream(b.bufferSize, func() error {
		cancel()
		return reader.Close()
	})

	go func() {
		for {
			m, err := reader.FetchMessage(loopCtx)
			if err != nil {
				if loopCtx.Err() == nil {
					stream.Fail(fmt.Errorf("%w: kafka fetch %s: %v", core.ErrSubscriptionLost, topic, err))
				}
				return
			}
			msg, err := core.DecodeLiveMessage(m.Value, projectID)
			if err != nil {
				b.logger.Warn("kafka message skipped", "topic", topic, "offset", m.Offset, "error", err)
				continue
			}
			stream.Push(msg)
		}
	}()

	b.logger.Debug("kafka subscription opened", "topic", topic)
	return stream, nil
}
