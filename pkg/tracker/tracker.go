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

// Package tracker records a visitor's navigation, engagement and custom
// events and reports them to the ingestion endpoint. The host application
// feeds it navigation and activity signals; the tracker owns the session
// id, the inactivity timer and pageview deduplication.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bklit/bklit-sub002/internal/background"
	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/google/uuid"
)

const (
	DefaultInactivityTimeout = 180 * time.Second
	DefaultDebounceWindow    = time.Second

	// SessionKey is the storage key holding the current session id.
	SessionKey = "live_session_id"
)

const drainSlots = 4

// ActivityKind names a user-engagement signal that keeps a session open.
type ActivityKind string

const (
	PointerMove      ActivityKind = "pointermove"
	KeyPress         ActivityKind = "keypress"
	Scroll           ActivityKind = "scroll"
	Touch            ActivityKind = "touch"
	VisibilityChange ActivityKind = "visibilitychange"
)

// Session end reasons.
const (
	EndInactivity = "inactivity"
	EndUnload     = "unload"
)

// NavigationObserver is what a host router calls on every route change,
// including client-side transitions that never reload the page.
type NavigationObserver interface {
	Navigated(url string) bool
}

type Config struct {
	ProjectID         string
	UserAgent         string
	InactivityTimeout time.Duration
	DebounceWindow    time.Duration
	// QueueSize bounds signals waiting to be sent; extra signals are
	// dropped and reported to OnError.
	QueueSize   int
	SendTimeout time.Duration
	// OnError receives every failed or dropped send.
	OnError func(task string, err error)
	Clock   clock.Clock
	Logger  *slog.Logger
}

type Tracker struct {
	cfg       Config
	transport Transport
	storage   Storage
	runner    *background.Runner
	clock     clock.Clock
	logger    *slog.Logger

	mu        sync.Mutex
	started   bool
	sessionID string
	ended     bool
	timer     *clock.Timer
	armed     uint64
	lastURL   string
	lastAt    time.Time
	referrer  string

	queueMu  sync.Mutex
	queue    []send
	draining bool
}

type send struct {
	name string
	task background.Task
}

var _ NavigationObserver = (*Tracker)(nil)

func New(cfg Config, transport Transport, storage Storage) (*Tracker, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("tracker: project id is required")
	}
	if transport == nil {
		return nil, errors.New("tracker: transport is required")
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "tracker", "project_id", cfg.ProjectID)

	// Only one drain pops the queue at a time, so signals leave in the order
	// they were recorded. The spare slots cover a drain that has released the
	// queue but not yet its worker, and session-end beacons.
	runner := background.NewRunner(drainSlots, 0, logger)
	if cfg.OnError != nil {
		runner.OnError(cfg.OnError)
	}
	return &Tracker{
		cfg:       cfg,
		transport: transport,
		storage:   storage,
		runner:    runner,
		clock:     clock.OrReal(cfg.Clock),
		logger:    logger,
	}, nil
}

// Start loads or creates the session id, arms the inactivity timer and
// reports the landing page.
func (t *Tracker) Start(url, referrer string) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		t.Navigated(url)
		return
	}
	t.started = true
	t.referrer = referrer
	t.sessionID = t.loadSessionLocked()
	t.armLocked()
	t.mu.Unlock()

	t.Navigated(url)
}

func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return ""
	}
	return t.sessionID
}

// Navigated reports a pageview for url unless the same url was reported
// within the debounce window. It returns whether a pageview was sent. A
// navigation after the session ended opens a new session.
func (t *Tracker) Navigated(url string) bool {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		t.Start(url, "")
		return true
	}
	now := t.clock.Now()
	if url == t.lastURL && now.Sub(t.lastAt) < t.cfg.DebounceWindow {
		t.mu.Unlock()
		return false
	}
	if t.ended {
		t.sessionID = t.newSessionLocked()
		t.ended = false
	}
	referrer := t.referrer
	if t.lastURL != "" {
		referrer = t.lastURL
	}
	t.lastURL = url
	t.lastAt = now
	t.armLocked()

	pv := PageView{
		URL:       url,
		Timestamp: now.UTC(),
		ProjectID: t.cfg.ProjectID,
		SessionID: t.sessionID,
		UserAgent: t.cfg.UserAgent,
		Referrer:  referrer,
	}
	pv.withUTM(url)
	t.mu.Unlock()

	t.submit("pageview", func(ctx context.Context) error {
		return t.transport.SendPageView(ctx, pv)
	})
	return true
}

// Activity records an engagement signal and pushes back the inactivity
// deadline. It is ignored once the session has ended.
func (t *Tracker) Activity(kind ActivityKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.ended {
		return
	}
	t.armLocked()
}

// TrackEvent reports a custom event. It is attached to the current
// session when one is open.
func (t *Tracker) TrackEvent(trackingID, eventType string, metadata map[string]any) {
	t.mu.Lock()
	ev := Event{
		TrackingID: trackingID,
		EventType:  eventType,
		Timestamp:  t.clock.Now().UTC(),
		ProjectID:  t.cfg.ProjectID,
		Metadata:   metadata,
	}
	if t.started && !t.ended {
		ev.SessionID = t.sessionID
		t.armLocked()
	}
	t.mu.Unlock()

	t.submit("event:"+trackingID, func(ctx context.Context) error {
		return t.transport.SendEvent(ctx, ev)
	})
}

// Unload ends the session as the page goes away.
func (t *Tracker) Unload() {
	t.end(EndUnload, 0)
}

// Flush waits for in-flight sends.
func (t *Tracker) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) expire(gen uint64) {
	t.end(EndInactivity, gen)
}

// end sends the session-end beacon at most once per session. A non-zero
// gen is a timer generation; a timer that was re-armed since it was
// scheduled does nothing.
func (t *Tracker) end(reason string, gen uint64) {
	t.mu.Lock()
	if !t.started || t.ended || (gen != 0 && gen != t.armed) {
		t.mu.Unlock()
		return
	}
	t.ended = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	end := SessionEnd{SessionID: t.sessionID, ProjectID: t.cfg.ProjectID}
	if err := t.storage.Delete(SessionKey); err != nil {
		t.logger.Warn("clearing session id failed", "error", err)
	}
	t.mu.Unlock()

	t.logger.Debug("session ended", "session_id", end.SessionID, "reason", reason)
	// The beacon skips the send queue: it is neither dropped by a full queue
	// nor held behind slow sends. The runner reports its failure.
	_ = t.runner.Submit("session_end", func(context.Context) error {
		return t.transport.Beacon(end)
	})
}

func (t *Tracker) armLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed++
	gen := t.armed
	t.timer = t.clock.AfterFunc(t.cfg.InactivityTimeout, func() { t.expire(gen) })
}

func (t *Tracker) loadSessionLocked() string {
	id, ok, err := t.storage.Get(SessionKey)
	if err != nil {
		t.logger.Warn("reading session id failed", "error", err)
	}
	if ok && id != "" {
		return id
	}
	return t.newSessionLocked()
}

func (t *Tracker) newSessionLocked() string {
	id := uuid.NewString()
	if err := t.storage.Set(SessionKey, id); err != nil {
		t.logger.Warn("persisting session id failed", "error", err)
	}
	return id
}

// submit queues task behind every earlier signal. It never blocks.
func (t *Tracker) submit(name string, task background.Task) {
	t.queueMu.Lock()
	if len(t.queue) >= t.cfg.QueueSize {
		t.queueMu.Unlock()
		t.fail(name, fmt.Errorf("send queue full (%d)", t.cfg.QueueSize))
		return
	}
	t.queue = append(t.queue, send{name: name, task: task})
	if t.draining {
		t.queueMu.Unlock()
		return
	}
	t.draining = true
	t.queueMu.Unlock()

	if err := t.runner.Submit("tracker:drain", t.drain); err != nil {
		// The runner already reported the rejection.
		t.queueMu.Lock()
		t.queue = nil
		t.draining = false
		t.queueMu.Unlock()
	}
}

func (t *Tracker) drain(ctx context.Context) error {
	defer func() {
		// A panicking send must not leave the queue marked as draining.
		if r := recover(); r != nil {
			t.queueMu.Lock()
			t.draining = false
			t.queueMu.Unlock()
			panic(r)
		}
	}()
	for {
		t.queueMu.Lock()
		if len(t.queue) == 0 {
			t.draining = false
			t.queueMu.Unlock()
			return nil
		}
		next := t.queue[0]
		t.queue = t.queue[1:]
		t.queueMu.Unlock()

		sendCtx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
		err := next.task(sendCtx)
		cancel()
		if err != nil {
			t.fail(next.name, err)
		}
	}
}

// fail is the single sink for send failures; nothing is retried.
func (t *Tracker) fail(name string, err error) {
	t.logger.Warn("tracker send failed", "task", name, "error", err)
	if t.cfg.OnError != nil {
		t.cfg.OnError(name, err)
	}
}
