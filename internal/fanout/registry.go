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

// Package fanout shares one upstream subscription per project among any
// number of local listeners.
//
// A Registry holds at most one connection per key. The first Acquire for a
// key creates the connection and starts subscribing; later Acquires join
// it. When the last listener releases, the upstream subscription is closed
// and the connection removed. A connection that loses its upstream retries
// after a fixed delay for as long as it has listeners.
//
// Locking: r.mu guards every connection field. Each connection also has a
// dispatch mutex that serializes listener callbacks; it is always taken
// before r.mu, never after.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/bklit/bklit-sub002/internal/logging"
	"github.com/bklit/bklit-sub002/pkg/core"
)

const DefaultReconnectDelay = 3 * time.Second

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Source opens the upstream subscription for one key.
type Source interface {
	Subscribe(ctx context.Context, key string) (core.Subscription, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, key string) (core.Subscription, error)

func (f SourceFunc) Subscribe(ctx context.Context, key string) (core.Subscription, error) {
	return f(ctx, key)
}

// Listener callbacks run one at a time per key. They must not call Acquire
// or a release func synchronously.
type Listener struct {
	OnMessage      func(core.LiveEventMessage)
	OnConnectivity func(connected bool)
}

type Options struct {
	Name           string
	ReconnectDelay time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
	PacketLog      *logging.PacketLogger
}

type Registry struct {
	name      string
	source    Source
	delay     time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	packetLog *logging.PacketLogger

	mu      sync.Mutex
	conns   map[string]*connection
	retired map[string]*connection
	nextID  uint64
	closed  bool
}

type listener struct {
	Listener
	connected bool
}

type connection struct {
	key       string
	refs      int
	listeners map[uint64]*listener
	state     State
	sub       core.Subscription
	retry     *clock.Timer
	inflight  bool
	closed    bool
	prev      *connection

	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
	finish   sync.Once
	dispatch sync.Mutex
}

func NewRegistry(source Source, opts Options) *Registry {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "fanout"
	}
	return &Registry{
		name:      opts.Name,
		source:    source,
		delay:     opts.ReconnectDelay,
		clock:     clock.OrReal(opts.Clock),
		logger:    opts.Logger,
		packetLog: opts.PacketLog,
		conns:     make(map[string]*connection),
		retired:   make(map[string]*connection),
	}
}

// Acquire registers l for key and returns its release func. The current
// connectivity is delivered to l.OnConnectivity before Acquire returns.
// Release is idempotent; once it returns, l receives no further callbacks.
func (r *Registry) Acquire(key string, l Listener) (release func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if l.OnConnectivity != nil {
			l.OnConnectivity(false)
		}
		return func() {}
	}
	c := r.conns[key]
	if c == nil {
		c = r.openLocked(key)
	}
	c.refs++
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	c.dispatch.Lock()
	r.mu.Lock()
	if c.closed {
		// The registry closed between taking the ref and registering.
		r.mu.Unlock()
		c.dispatch.Unlock()
		if l.OnConnectivity != nil {
			l.OnConnectivity(false)
		}
		return func() {}
	}
	lst := &listener{Listener: l, connected: c.state == Connected}
	c.listeners[id] = lst
	connected := lst.connected
	r.mu.Unlock()
	if l.OnConnectivity != nil {
		l.OnConnectivity(connected)
	}
	c.dispatch.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.release(c, id) })
	}
}

func (r *Registry) openLocked(key string) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		key:       key,
		listeners: make(map[uint64]*listener),
		state:     Connecting,
		inflight:  true,
		prev:      r.retired[key],
		ctx:       ctx,
		cancel:    cancel,
		finished:  make(chan struct{}),
	}
	r.conns[key] = c
	r.logger.Info("upstream connection created", "registry", r.name, "key", key)
	go r.connect(c)
	return c
}

func (r *Registry) release(c *connection, id uint64) {
	c.dispatch.Lock()
	r.mu.Lock()
	if _, ok := c.listeners[id]; !ok || c.closed {
		r.mu.Unlock()
		c.dispatch.Unlock()
		return
	}
	delete(c.listeners, id)
	c.refs--
	var sub core.Subscription
	finishNow := false
	if c.refs == 0 {
		sub, finishNow = r.teardownLocked(c)
	}
	r.mu.Unlock()
	c.dispatch.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			r.logger.Warn("upstream close failed", "registry", r.name, "key", c.key, "error", err)
		}
	}
	if finishNow {
		r.markFinished(c)
	}
}

// teardownLocked detaches c from the registry. The caller closes the
// returned subscription after unlocking, then marks c finished if told to;
// otherwise the in-flight connect attempt does so.
func (r *Registry) teardownLocked(c *connection) (core.Subscription, bool) {
	c.closed = true
	c.state = Disconnected
	if r.conns[c.key] == c {
		delete(r.conns, c.key)
	}
	r.retired[c.key] = c
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.cancel()
	sub := c.sub
	c.sub = nil
	r.logger.Info("upstream connection removed", "registry", r.name, "key", c.key)
	return sub, !c.inflight
}

func (r *Registry) markFinished(c *connection) {
	c.finish.Do(func() {
		close(c.finished)
		r.mu.Lock()
		if r.retired[c.key] == c {
			delete(r.retired, c.key)
		}
		r.mu.Unlock()
	})
}

// connect performs one subscribe attempt for c. It runs on its own
// goroutine for the first attempt and on the retry timer afterwards.
func (r *Registry) connect(c *connection) {
	if prev := c.prev; prev != nil {
		select {
		case <-prev.finished:
		case <-c.ctx.Done():
		}
	}

	var sub core.Subscription
	err := c.ctx.Err()
	if err == nil {
		sub, err = r.source.Subscribe(c.ctx, c.key)
	}

	r.mu.Lock()
	c.inflight = false
	c.prev = nil
	if c.closed {
		r.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		r.markFinished(c)
		return
	}
	if err != nil {
		c.state = Disconnected
		r.scheduleRetryLocked(c)
		r.mu.Unlock()
		r.logger.Warn("upstream subscribe failed",
			"registry", r.name,
			"key", c.key,
			"retry_in", r.delay,
			"error", err,
		)
		r.notify(c)
		return
	}
	c.sub = sub
	c.state = Connected
	r.mu.Unlock()

	r.logger.Info("upstream connected", "registry", r.name, "key", c.key)
	r.notify(c)
	go r.pump(c, sub)
}

// scheduleRetryLocked arms the fixed-delay reconnect. The delay never
// grows.
func (r *Registry) scheduleRetryLocked(c *connection) {
	c.retry = r.clock.AfterFunc(r.delay, func() { r.retry(c) })
}

func (r *Registry) retry(c *connection) {
	r.mu.Lock()
	if c.closed || r.conns[c.key] != c || c.sub != nil || c.inflight {
		r.mu.Unlock()
		return
	}
	c.retry = nil
	c.state = Connecting
	c.inflight = true
	r.mu.Unlock()
	r.connect(c)
}

func (r *Registry) pump(c *connection, sub core.Subscription) {
	for {
		select {
		case msg := <-sub.Messages():
			r.deliver(c, sub, msg)
		case <-sub.Done():
			r.lost(c, sub)
			return
		}
	}
}

func (r *Registry) deliver(c *connection, sub core.Subscription, msg core.LiveEventMessage) {
	if msg.ProjectID != "" && msg.ProjectID != c.key {
		r.logger.Warn("dropping message for foreign project", "registry", r.name, "key", c.key, "project_id", msg.ProjectID)
		return
	}

	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	r.mu.Lock()
	if c.sub != sub {
		r.mu.Unlock()
		return
	}
	targets := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		targets = append(targets, l.Listener)
	}
	r.mu.Unlock()

	r.packetLog.Log(msg, r.name, "downstream")
	for _, l := range targets {
		if l.OnMessage != nil {
			l.OnMessage(msg)
		}
	}
}

func (r *Registry) lost(c *connection, sub core.Subscription) {
	r.mu.Lock()
	if c.closed || c.sub != sub {
		r.mu.Unlock()
		return
	}
	c.sub = nil
	c.state = Disconnected
	r.scheduleRetryLocked(c)
	r.mu.Unlock()

	_ = sub.Close()
	r.logger.Warn("upstream lost",
		"registry", r.name,
		"key", c.key,
		"retry_in", r.delay,
		"error", sub.Err(),
	)
	r.notify(c)
}

// notify tells every listener whose last reported connectivity differs
// from the current state.
func (r *Registry) notify(c *connection) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	r.mu.Lock()
	connected := c.state == Connected
	var targets []func(bool)
	for _, l := range c.listeners {
		if l.connected == connected {
			continue
		}
		l.connected = connected
		if l.OnConnectivity != nil {
			targets = append(targets, l.OnConnectivity)
		}
	}
	r.mu.Unlock()

	for _, fn := range targets {
		fn(connected)
	}
}

type Stats struct {
	State      State
	Refs       int
	Subscribed bool
}

func (s Stats) String() string {
	return fmt.Sprintf("%s refs=%d subscribed=%t", s.State, s.Refs, s.Subscribed)
}

// Stats reports the connection for key, if one exists.
func (r *Registry) Stats(key string) (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[key]
	if !ok {
		return Stats{}, false
	}
	return Stats{State: c.state, Refs: c.refs, Subscribed: c.sub != nil}, true
}

func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close tears down every connection. Listeners are not notified and later
// Acquires get a disconnected no-op registration.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	type closing struct {
		c      *connection
		sub    core.Subscription
		finish bool
	}
	var pending []closing
	for _, c := range conns {
		sub, finish := r.teardownLocked(c)
		c.listeners = make(map[uint64]*listener)
		c.refs = 0
		pending = append(pending, closing{c, sub, finish})
	}
	r.mu.Unlock()

	for _, p := range pending {
		if p.sub != nil {
			_ = p.sub.Close()
		}
		if p.finish {
			r.markFinished(p.c)
		}
	}
}
