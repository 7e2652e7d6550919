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


package mqtt5

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

// Bus publishes to <prefix>/<projectId> at QoS 0. Several local
// subscriptions to one project share a single broker subscription.
type Bus struct {
	name       string
	brokerURL  string
	prefix     string
	bufferSize int
	cm         *autopaho.ConnectionManager
	router     *paho.StandardRouter
	logger     *slog.Logger

	mu     sync.Mutex
	topics map[string]map[*core.Stream]string
}

func New(name, brokerURL, prefix string, bufferSize int, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = "live"
	}
	return &Bus{
		name:       name,
		brokerURL:  brokerURL,
		prefix:     strings.TrimSuffix(prefix, "/"),
		bufferSize: bufferSize,
		router:     paho.NewStandardRouter(),
		logger:     logger,
		topics:     make(map[string]map[*core.Stream]string),
	}
}

func (b *Bus) Name() string { return b.name }
func (b *Bus) Type() string { return "mqtt5" }

func (b *Bus) Topic(projectID string) string { return b.prefix + "/" + projectID }

func (b *Bus) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(b.brokerURL)
	if err != nil {
		return fmt.Errorf("mqtt5 invalid URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			b.logger.Info("mqtt5 connection up", "name", b.name)
			b.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt5 connect attempt failed", "name", b.name, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "live-" + b.name + "-" + uuid.New().String()[:8],
			Router:   b.router,
		},
	}

	b.cm, err = autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt5 connection: %w", err)
	}
	if err := b.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	b.logger.Info("mqtt5 bus connected", "name", b.name, "broker", b.brokerURL)
	return nil
}

// resubscribe restores broker subscriptions after autopaho reconnects with
// a clean session.
func (b *Bus) resubscribe(cm *autopaho.ConnectionManager) {
	b.mu.Lock()
	var opts []paho.SubscribeOptions
	for topic := range b.topics {
		opts = append(opts, paho.SubscribeOptions{Topic: topic, QoS: 0})
	}
	b.mu.Unlock()
	if len(opts) == 0 {
		return
	}
	go func() {
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{Subscriptions: opts}); err != nil {
			b.logger.Error("mqtt5 resubscribe failed", "name", b.name, "error", err)
		}
	}()
}

func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	var streams []*core.Stream
	for _, set := range b.topics {
		for s := range set {
			streams = append(streams, s)
		}
	}
	b.mu.Unlock()
	for _, s := range streams {
		s.Fail(core.ErrBusClosed)
	}
	if b.cm != nil {
		return b.cm.Disconnect(ctx)
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, msg core.LiveEventMessage) error {
	if b.cm == nil {
		return core.ErrBusNotConnected
	}
	data, err := core.EncodeLiveMessage(msg)
	if err != nil {
		return err
	}
	_, err = b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.Topic(msg.ProjectID),
		QoS:     0,
		Payload: data,
	})
	if err != nil {
		return fmt.Errorf("mqtt5 publish: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, projectID string) (core.Subscription, error) {
	if b.cm == nil {
		return nil, core.ErrBusNotConnected
	}
	topic := b.Topic(projectID)

	var stream *core.Stream
	stream = core.NewStream(b.bufferSize, func() error {
		return b.unsubscribe(topic, stream)
	})

	b.mu.Lock()
	set, existing := b.topics[topic]
	if !existing {
		set = make(map[*core.Stream]string)
		b.topics[topic] = set
		b.router.RegisterHandler(topic, func(p *paho.Publish) { b.dispatch(topic, projectID, p) })
	}
	set[stream] = projectID
	b.mu.Unlock()

	if existing {
		return stream, nil
	}
	_, err := b.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	if err != nil {
		stream.Fail(err)
		return nil, fmt.Errorf("mqtt5 subscribe %s: %w", topic, err)
	}
	b.logger.Debug("mqtt5 subscription opened", "topic", topic)
	return stream, nil
}

func (b *Bus) dispatch(topic, projectID string, p *paho.Publish) {
	msg, err := core.DecodeLiveMessage(p.Payload, projectID)
	if err != nil {
		b.logger.Warn("mqtt5 message skipped", "topic", topic, "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.topics[topic] {
		s.Push(msg)
	}
}

func (b *Bus) unsubscribe(topic string, stream *core.Stream) error {
	b.mu.Lock()
	set := b.topics[topic]
	delete(set, stream)
	last := len(set) == 0
	if last {
		delete(b.topics, topic)
		b.router.UnregisterHandler(topic)
	}
	b.mu.Unlock()

	if !last || b.cm == nil {
		return nil
	}
	_, err := b.cm.Unsubscribe(context.Background(), &paho.Unsubscribe{Topics: []string{topic}})
	return err
}
