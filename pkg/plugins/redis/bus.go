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

package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/redis/go-redis/v9"
)

// Bus maps each project onto a Redis PUB/SUB channel.
type Bus struct {
	name       string
	addr       string
	password   string
	db         int
	prefix     string
	bufferSize int
	client     *redis.Client
	logger     *slog.Logger
}

func New(name, addr, password string, db int, prefix string, bufferSize int, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = "live:"
	}
	return &Bus{
		name:       name,
		addr:       addr,
		password:   password,
		db:         db,
		prefix:     prefix,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (b *Bus) Name() string { return b.name }
func (b *Bus) Type() string { return "redis" }

func (b *Bus) Channel(projectID string) string { return b.prefix + projectID }

func (b *Bus) Connect(ctx context.Context) error {
	b.client = redis.NewClient(&redis.Options{
		Addr:     b.addr,
		Password: b.password,
		DB:       b.db,
	})
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	b.logger.Info("redis bus connected", "name", b.name, "addr", b.addr)
	return nil
}

func (b *Bus) Disconnect(ctx context.Context) error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, msg core.LiveEventMessage) error {
	if b.client == nil {
		return core.ErrBusNotConnected
	}
	data, err := core.EncodeLiveMessage(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.Channel(msg.ProjectID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, projectID string) (core.Subscription, error) {
	if b.client == nil {
		return nil, core.ErrBusNotConnected
	}
	channel := b.Channel(projectID)
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	stream := core.NewStream(b.bufferSize, func() error {
		cancel()
		return pubsub.Close()
	})

	go func() {
		messages := pubsub.Channel()
		for {
			select {
			case <-loopCtx.Done():
				return
			case m, ok := <-messages:
				if !ok {
					stream.Fail(fmt.Errorf("%w: redis channel %s closed", core.ErrSubscriptionLost, channel))
					return
				}
				msg, err := core.DecodeLiveMessage([]byte(m.Payload), projectID)
				if err != nil {
					b.logger.Warn("redis message skipped", "channel", channel, "error", err)
					continue
				}
				stream.Push(msg)
			}
		}
	}()

	b.logger.Debug("redis subscription opened", "channel", channel)
	return stream, nil
}
