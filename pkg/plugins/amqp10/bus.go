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


package amqp10

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/bklit/bklit-sub002/pkg/core"
)

// Bus speaks AMQP 1.0 to brokers such as ActiveMQ Artemis, Solace or
// Azure Service Bus. Each project maps to the address <prefix><projectId>;
// the broker must treat that address as multicast.
type Bus struct {
	name       string
	url        string
	prefix     string
	bufferSize int
	logger     *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Conn
	sendSess *amqp.Session
	senders  map[string]*amqp.Sender
}

func New(name, url, prefix string, bufferSize int, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = "topic://live."
	}
	return &Bus{
		name:       name,
		url:        url,
		prefix:     prefix,
		bufferSize: bufferSize,
		logger:     logger,
		senders:    make(map[string]*amqp.Sender),
	}
}

func (b *Bus) Name() string { return b.name }
func (b *Bus) Type() string { return "amqp" }

func (b *Bus) Address(projectID string) string { return b.prefix + projectID }

func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := amqp.Dial(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	sess, err := conn.NewSession(ctx, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp send session: %w", err)
	}
	b.conn = conn
	b.sendSess = sess
	b.logger.Info("amqp bus connected", "name", b.name, "url", b.url)
	return nil
}

func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for addr, s := range b.senders {
		s.Close(ctx)
		delete(b.senders, addr)
	}
	if b.sendSess != nil {
		b.sendSess.Close(ctx)
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bus) sender(ctx context.Context, addr string) (*amqp.Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendSess == nil {
		return nil, core.ErrBusNotConnected
	}
	if s, ok := b.senders[addr]; ok {
		return s, nil
	}
	s, err := b.sendSess.NewSender(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp sender %s: %w", addr, err)
	}
	b.senders[addr] = s
	return s, nil
}

func (b *Bus) Publish(ctx context.Context, msg core.LiveEventMessage) error {
	data, err := core.EncodeLiveMessage(msg)
	if err != nil {
		return err
	}
	addr := b.Address(msg.ProjectID)
	s, err := b.sender(ctx, addr)
	if err != nil {
		return err
	}
	err = s.Send(ctx, &amqp.Message{
		Data:                  [][]byte{data},
		ApplicationProperties: map[string]any{"type": string(msg.Type)},
	}, nil)
	if err != nil {
		// A broken link is rebuilt on the next publish.
		b.mu.Lock()
		if b.senders[addr] == s {
			delete(b.senders, addr)
		}
		b.mu.Unlock()
		s.Close(ctx)
		return fmt.Errorf("amqp send %s: %w", addr, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, projectID string) (core.Subscription, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, core.ErrBusNotConnected
	}

	addr := b.Address(projectID)
	recvSess, err := conn.NewSession(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp consumer session: %w", err)
	}
	receiver, err := recvSess.NewReceiver(ctx, addr, &amqp.ReceiverOptions{Credit: int32(b.bufferSize)})
	if err != nil {
		recvSess.Close(ctx)
		return nil, fmt.Errorf("amqp receiver %s: %w", addr, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	stream := core.NewStream(b.bufferSize, func() error {
		cancel()
		closeCtx := context.Background()
		receiver.Close(closeCtx)
		return recvSess.Close(closeCtx)
	})

	go func() {
		for {
			m, err := receiver.Receive(loopCtx, nil)
			if err != nil {
				if loopCtx.Err() == nil {
					stream.Fail(fmt.Errorf("%w: amqp receive %s: %v", core.ErrSubscriptionLost, addr, err))
				}
				return
			}
			if err := receiver.AcceptMessage(loopCtx, m); err != nil && loopCtx.Err() == nil {
				b.logger.Warn("amqp accept failed", "address", addr, "error", err)
			}
			msg, err := core.DecodeLiveMessage(m.GetData(), projectID)
			if err != nil {
				b.logger.Warn("amqp message skipped", "address", addr, "error", err)
				continue
			}
			stream.Push(msg)
		}
	}()

	b.logger.Debug("amqp subscription opened", "address", addr)
	return stream, nil
}
