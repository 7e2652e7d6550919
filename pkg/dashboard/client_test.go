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

package dashboard

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bklit/bklit-sub002/internal/auth"
	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/bklit/bklit-sub002/internal/fanout"
	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/bklit/bklit-sub002/pkg/plugins/memory"
	"github.com/bklit/bklit-sub002/pkg/plugins/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type gateway struct {
	bus      *memory.Bus
	registry *fanout.Registry
	ws       *ws.Entrypoint
	url      string
}

func newGateway(t *testing.T, withBus bool) *gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := memory.New("live", 16, logger)
	require.NoError(t, bus.Connect(context.Background()))

	var reg *fanout.Registry
	if withBus {
		reg = fanout.NewRegistry(fanout.SourceFunc(bus.Subscribe), fanout.Options{Clock: clock.NewFake(start), Logger: logger})
		t.Cleanup(reg.Close)
	}
	e := ws.New(ws.Options{Name: "ws", Clock: clock.NewFake(start), Logger: logger}, reg)
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)
	return &gateway{bus: bus, registry: reg, ws: e, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func newClient(t *testing.T, g *gateway) (*Client, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(start)
	c := New(Options{
		BaseURL: g.url,
		Clock:   clk,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(c.Close)
	return c, clk
}

func waitState(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("connectivity never became %t", want)
		}
	}
}

func publish(t *testing.T, bus *memory.Bus, typ core.MessageType) {
	t.Helper()
	msg, err := core.NewLiveEventMessage(typ, "p1", start, map[string]string{"kind": string(typ)})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), msg))
}

func recv(t *testing.T, ch <-chan core.LiveEventMessage) core.LiveEventMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
		return core.LiveEventMessage{}
	}
}

func TestListenersShareOneSocketAndFilterByType(t *testing.T) {
	g := newGateway(t, true)
	c, _ := newClient(t, g)

	pageviews := make(chan core.LiveEventMessage, 8)
	events := make(chan core.LiveEventMessage, 8)
	state := make(chan bool, 8)
	releasePV := c.Subscribe("p1", core.MessagePageView, func(m core.LiveEventMessage) { pageviews <- m }, func(up bool) { state <- up })
	defer releasePV()
	releaseEV := c.Subscribe("p1", core.MessageEvent, func(m core.LiveEventMessage) { events <- m }, nil)
	defer releaseEV()

	waitState(t, state, true)
	stats, ok := c.Stats("p1")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Refs)

	require.Eventually(t, func() bool { return g.bus.Subscribers("p1") == 1 }, 3*time.Second, 10*time.Millisecond)
	server, ok := g.registry.Stats("p1")
	require.True(t, ok)
	assert.Equal(t, 1, server.Refs, "one physical socket")

	publish(t, g.bus, core.MessagePageView)
	publish(t, g.bus, core.MessageEvent)

	assert.Equal(t, core.MessagePageView, recv(t, pageviews).Type)
	assert.Equal(t, core.MessageEvent, recv(t, events).Type)
	assert.Empty(t, pageviews)
	assert.Empty(t, events)
}

func TestReleasingOneListenerKeepsTheOther(t *testing.T) {
	g := newGateway(t, true)
	c, _ := newClient(t, g)

	state := make(chan bool, 8)
	kept := make(chan core.LiveEventMessage, 8)
	releaseA := c.Subscribe("p1", "", nil, nil)
	releaseB := c.Subscribe("p1", "", func(m core.LiveEventMessage) { kept <- m }, func(up bool) { state <- up })
	waitState(t, state, true)
	require.Eventually(t, func() bool { return g.bus.Subscribers("p1") == 1 }, 3*time.Second, 10*time.Millisecond)

	releaseA()
	releaseA()
	publish(t, g.bus, core.MessagePageView)
	assert.Equal(t, core.MessagePageView, recv(t, kept).Type)

	releaseB()
	_, ok := c.Stats("p1")
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		_, open := g.registry.Stats("p1")
		return !open && g.bus.Subscribers("p1") == 0
	}, 3*time.Second, 10*time.Millisecond, "gateway releases its upstream once the socket closes")
}

func TestGatewayErrorFramesReachUnfilteredListeners(t *testing.T) {
	g := newGateway(t, true)
	c, _ := newClient(t, g)

	all := make(chan core.LiveEventMessage, 8)
	state := make(chan bool, 8)
	release := c.Subscribe("p1", "", func(m core.LiveEventMessage) { all <- m }, func(up bool) { state <- up })
	defer release()
	waitState(t, state, true)
	require.Eventually(t, func() bool { return g.bus.Subscribers("p1") == 1 }, 3*time.Second, 10*time.Millisecond)

	g.bus.Interrupt("p1")
	msg := recv(t, all)
	assert.Equal(t, core.MessageError, msg.Type)
}

func TestReconnectsAfterFixedDelay(t *testing.T) {
	g := newGateway(t, true)
	c, clk := newClient(t, g)

	state := make(chan bool, 8)
	release := c.Subscribe("p1", "", nil, func(up bool) { state <- up })
	defer release()
	waitState(t, state, true)

	require.NoError(t, g.ws.Stop(context.Background()))
	waitState(t, state, false)

	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)
	stats, _ := c.Stats("p1")
	assert.Equal(t, fanout.Disconnected, stats.State, "no retry before the delay")

	clk.Advance(time.Second)
	waitState(t, state, true)
}

func TestDialFailureLeavesListenerDisconnected(t *testing.T) {
	g := newGateway(t, false)
	c, clk := newClient(t, g)

	state := make(chan bool, 8)
	release := c.Subscribe("p1", "", nil, func(up bool) { state <- up })
	assert.False(t, <-state)

	clk.WaitForTimers(1)
	stats, ok := c.Stats("p1")
	require.True(t, ok)
	assert.Equal(t, fanout.Disconnected, stats.State)

	release()
	assert.Zero(t, clk.Pending(), "release clears the retry timer")
}

func TestGatewayVerifiesClientToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := memory.New("live", 16, logger)
	require.NoError(t, bus.Connect(context.Background()))
	reg := fanout.NewRegistry(fanout.SourceFunc(bus.Subscribe), fanout.Options{Clock: clock.NewFake(start), Logger: logger})
	t.Cleanup(reg.Close)
	e := ws.New(ws.Options{Name: "ws", Clock: clock.NewFake(start), Logger: logger, Verifier: auth.NewVerifier("dash-key", "", nil)}, reg)
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	token, err := auth.NewIssuer("dash-key", "", nil).Issue("p1", time.Hour)
	require.NoError(t, err)

	for _, tt := range []struct {
		name  string
		token string
		want  bool
	}{
		{"valid token", token, true},
		{"missing token", "", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{BaseURL: url, Token: tt.token, Clock: clock.NewFake(start), Logger: logger})
			t.Cleanup(c.Close)
			state := make(chan bool, 8)
			release := c.Subscribe("p1", "", nil, func(up bool) { state <- up })
			defer release()
			if tt.want {
				waitState(t, state, true)
				return
			}
			assert.False(t, <-state)
			require.Eventually(t, func() bool {
				stats, ok := c.Stats("p1")
				return ok && stats.State == fanout.Disconnected
			}, 3*time.Second, 5*time.Millisecond)
		})
	}
}
