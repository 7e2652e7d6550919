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

package plugins

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bklit/bklit-sub002/pkg/core"
)

type Registry struct {
	entrypoints map[string]core.Entrypoint
	buses       map[string]core.Bus
	healthy     map[string]bool
	logger      *slog.Logger
	mu          sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entrypoints: make(map[string]core.Entrypoint),
		buses:       make(map[string]core.Bus),
		healthy:     make(map[string]bool),
		logger:      logger,
	}
}

func (r *Registry) RegisterEntrypoint(e core.Entrypoint) {
	r.mu.Lock()
	r.entrypoints[e.Name()] = e
	r.mu.Unlock()
	r.logger.Info("registered entrypoint", "name", e.Name(), "type", e.Type())
}

func (r *Registry) RegisterBus(b core.Bus) {
	r.mu.Lock()
	r.buses[b.Name()] = b
	r.mu.Unlock()
	r.logger.Info("registered bus", "name", b.Name(), "type", b.Type())
}

func (r *Registry) Entrypoints() map[string]core.Entrypoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.Entrypoint, len(r.entrypoints))
	for k, v := range r.entrypoints {
		cp[k] = v
	}
	return cp
}

func (r *Registry) Buses() map[string]core.Bus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.Bus, len(r.buses))
	for k, v := range r.buses {
		cp[k] = v
	}
	return cp
}

// ConnectBuses connects every registered bus and returns how many came up.
// A bus that fails stays registered and unhealthy; its subscribers keep
// retrying through the fanout registry.
func (r *Registry) ConnectBuses(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := 0
	for name, b := range r.buses {
		if err := b.Connect(ctx); err != nil {
			r.logger.Error("bus connect failed", "name", name, "error", err)
			r.healthy[name] = false
		} else {
			r.healthy[name] = true
			connected++
		}
	}
	return connected
}

func (r *Registry) IsBusHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

// StartEntrypoints runs each entrypoint on its own goroutine. Start errors
// are logged and handed to onError when it is set.
func (r *Registry) StartEntrypoints(ctx context.Context, onError func(name string, err error)) {
	for name, ep := range r.Entrypoints() {
		go func(n string, e core.Entrypoint) {
			if err := e.Start(ctx); err != nil {
				r.logger.Error("entrypoint failed", "name", n, "error", err)
				if onError != nil {
					onError(n, err)
				}
			}
		}(name, ep)
	}
}

func (r *Registry) StopAll(ctx context.Context) {
	for name, ep := range r.Entrypoints() {
		r.logger.Info("stopping entrypoint", "name", name)
		if err := ep.Stop(ctx); err != nil {
			r.logger.Warn("entrypoint stop failed", "name", name, "error", err)
		}
	}
	for name, b := range r.Buses() {
		r.logger.Info("stopping bus", "name", name)
		if err := b.Disconnect(ctx); err != nil {
			r.logger.Warn("bus disconnect failed", "name", name, "error", err)
		}
	}
}
