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


package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bklit/bklit-sub002/pkg/core"
)

// Bus fans messages out to subscribers inside this process.
type Bus struct {
	name       string
	bufferSize int
	logger     *slog.Logger
	mu         sync.RWMutex
	subs       map[string]map[*core.Stream]struct{}
	closed     bool
}

func New(name string, bufferSize int, logger *slog.Logger) *Bus {
	return &Bus{
		name:       name,
		bufferSize: bufferSize,
		logger:     logger,
		subs:       make(map[string]map[*core.Stream]struct{}),
	}
}

func (b *Bus) Name() string { return b.name }
func (b *Bus) Type() string { return "memory" }

func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
	b.logger.Info("memory bus ready", "name", b.name)
	return nil
}

func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	var streams []*core.Stream
	for _, set := range b.subs {
		for s := range set {
			streams = append(streams, s)
		}
	}
	b.subs = make(map[string]map[*core.Stream]struct{})
	b.mu.Unlock()

	for _, s := range streams {
		s.Fail(core.ErrBusClosed)
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, msg core.LiveEventMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return core.ErrBusClosed
	}
	for s := range b.subs[msg.ProjectID] {
		if !s.Push(msg) {
			b.logger.Warn("subscriber buffer full, dropping message", "project_id", msg.ProjectID, "type", msg.Type)
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, projectID string) (core.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: %w", projectID, core.ErrBusClosed)
	}

	var stream *core.Stream
	stream = core.NewStream(b.bufferSize, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[projectID]; ok {
			delete(set, stream)
			if len(set) == 0 {
				delete(b.subs, projectID)
			}
		}
		return nil
	})
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[*core.Stream]struct{})
	}
	b.subs[projectID][stream] = struct{}{}
	return stream, nil
}

// Interrupt fails every subscription for projectID as if the upstream link
// had dropped.
func (b *Bus) Interrupt(projectID string) int {
	b.mu.Lock()
	set := b.subs[projectID]
	delete(b.subs, projectID)
	b.mu.Unlock()

	for s := range set {
		s.Fail(core.ErrSubscriptionLost)
	}
	return len(set)
}

func (b *Bus) Subscribers(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[projectID])
}
