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


package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bklit/bklit-sub002/pkg/core"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Bus routes messages through a topic exchange keyed by project id. Each
// subscription owns an exclusive auto-delete queue, so nothing outlives
// the subscriber.
type Bus struct {
	name       string
	url        string
	exchange   string
	bufferSize int
	logger     *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

func New(name, url, exchange string, bufferSize int, logger *slog.Logger) *Bus {
	if exchange == "" {
		exchange = "live-events"
	}
	return &Bus{
		name:       name,
		url:        url,
		exchange:   exchange,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (b *Bus) Name() string { return b.name }
func (b *Bus) Type() string { return "rabbitmq" }

func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.dialLocked(); err != nil {
		return err
	}
	b.logger.Info("rabbitmq bus connected", "name", b.name, "exchange", b.exchange)
	return nil
}

func (b *Bus) dialLocked() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq publish channel: %w", err)
	}
	if err := pubCh.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq exchange declare %s: %w", b.exchange, err)
	}
	b.conn = conn
	b.pubCh = pubCh
	return nil
}

// connection redials when the broker dropped the previous connection, so
// the multiplexer's periodic retry can recover a lost link.
func (b *Bus) connection() (*amqp.Connection, *amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() || b.pubCh == nil || b.pubCh.IsClosed() {
		if b.conn != nil && !b.conn.IsClosed() {
			b.conn.Close()
		}
		if err := b.dialLocked(); err != nil {
			return nil, nil, err
		}
		b.logger.Info("rabbitmq bus reconnected", "name", b.name)
	}
	return b.conn, b.pubCh, nil
}

func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		b.pubCh.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, msg core.LiveEventMessage) error {
	data, err := core.EncodeLiveMessage(msg)
	if err != nil {
		return err
	}
	_, pubCh, err := b.connection()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return pubCh.PublishWithContext(ctx,
		b.exchange,
		msg.ProjectID,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Type:        string(msg.Type),
			Body:        data,
			Timestamp:   msg.Timestamp,
		},
	)
}

func (b *Bus) Subscribe(ctx context.Context, projectID string) (core.Subscription, error) {
	conn, _, err := b.connection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq consumer channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, projectID, b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq queue bind %s: %w", projectID, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq consume: %w", err)
	}

	stream := core.NewStream(b.bufferSize, func() error {
		if ch.IsClosed() {
			return nil
		}
		return ch.Close()
	})

	go func() {
		for {
			select {
			case <-stream.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					stream.Fail(fmt.Errorf("%w: rabbitmq deliveries closed for %s", core.ErrSubscriptionLost, projectID))
					return
				}
				msg, err := core.DecodeLiveMessage(d.Body, projectID)
				if err != nil {
					b.logger.Warn("rabbitmq message skipped", "routing_key", d.RoutingKey, "error", err)
					continue
				}
				stream.Push(msg)
			}
		}
	}()

	b.logger.Debug("rabbitmq subscription opened", "queue", q.Name, "project_id", projectID)
	return stream, nil
}
