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

package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/bklit/bklit-sub002/internal/fanout"
	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/bklit/bklit-sub002/pkg/plugins/memory"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*memory.Bus, *fanout.Registry, *clock.Fake, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	bus := memory.New("live", 16, logger)
	require.NoError(t, bus.Connect(context.Background()))
	reg := fanout.NewRegistry(fanout.SourceFunc(bus.Subscribe), fanout.Options{Clock: clk, Logger: logger})

	srv := httptest.NewServer(New(Options{Name: "ws", Clock: clk, Logger: logger}, reg).Handler())
	t.Cleanup(func() {
		srv.Close()
		reg.Close()
	})
	return bus, reg, clk, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, projectID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/dashboard?projectId="+projectID, nil)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestDashboardSocketDeliversFrames(t *testing.T) {
	bus, _, _, base := setup(t)
	conn := dial(t, base, "p1")
	defer conn.Close()

	var hello core.LiveEventMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, core.MessageConnected, hello.Type)

	require.Eventually(t, func() bool { return bus.Subscribers("p1") == 1 }, 2*time.Second, 5*time.Millisecond)
	msg, err := core.NewLiveEventMessage(core.MessageEvent, "p1", time.Now(), map[string]string{"trackingId": "signup"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), msg))

	var got core.LiveEventMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, core.MessageEvent, got.Type)
	assert.Equal(t, "p1", got.ProjectID)
	assert.JSONEq(t, `{"trackingId":"signup"}`, string(got.Data))
}

func TestDashboardSocketPings(t *testing.T) {
	_, _, clk, base := setup(t)
	conn := dial(t, base, "p1")
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	clk.WaitForTimers(1)
	clk.Advance(DefaultHeartbeat)
	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a ping after one heartbeat interval")
	}
}

func TestDashboardSocketReleasesOnClose(t *testing.T) {
	bus, reg, _, base := setup(t)
	a := dial(t, base, "p1")
	b := dial(t, base, "p1")

	require.Eventually(t, func() bool {
		st, ok := reg.Stats("p1")
		return ok && st.Refs == 2 && st.Subscribed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, bus.Subscribers("p1"))

	a.Close()
	b.Close()
	require.Eventually(t, func() bool {
		_, ok := reg.Stats("p1")
		return !ok && bus.Subscribers("p1") == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDashboardSocketRequiresProject(t *testing.T) {
	_, _, _, base := setup(t)
	_, resp, err := websocket.DefaultDialer.Dial(base+"/dashboard", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
