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

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bklit/bklit-sub002/internal/auth"
	"github.com/bklit/bklit-sub002/internal/fanout"
	"github.com/bklit/bklit-sub002/internal/ingest"
	"github.com/bklit/bklit-sub002/internal/projects"
	"github.com/bklit/bklit-sub002/internal/store/memory"
	"github.com/bklit/bklit-sub002/pkg/config"
	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/bklit/bklit-sub002/pkg/dashboard"
	busmemory "github.com/bklit/bklit-sub002/pkg/plugins/memory"
	"github.com/bklit/bklit-sub002/pkg/plugins/ws"
	"github.com/bklit/bklit-sub002/pkg/tracker"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTokenCommand(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"token", "--project", "p1", "--key", "secret", "--issuer", "live-analytics", "--ttl", "1h"}, &out, quiet())
	require.NoError(t, err)

	raw := strings.TrimSpace(out.String())
	v := auth.NewVerifier("secret", "live-analytics", nil)
	assert.NoError(t, v.Verify(raw, "p1"))
	assert.Error(t, v.Verify(raw, "p2"))
}

func TestTokenCommandRequiresProject(t *testing.T) {
	err := run([]string{"token", "--key", "secret"}, io.Discard, quiet())
	assert.ErrorContains(t, err, "--project")
}

func TestUnknownCommand(t *testing.T) {
	assert.Error(t, run([]string{"frobnicate"}, io.Discard, quiet()))
}

func TestSimulateRecordsVisit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := memory.New()
	bus := busmemory.New("live", 16, quiet())
	require.NoError(t, bus.Connect(context.Background()))
	handler := ingest.NewHandler(ingest.Deps{
		Store:     store,
		Publisher: bus,
		Projects:  projects.NewTable(&core.Project{ID: "p1", Events: []string{"signup"}}),
		Verifier:  auth.NewVerifier("secret", "", nil),
		Logger:    quiet(),
	})
	srv := httptest.NewServer(ingest.NewEntrypoint("ingest", 0, handler, quiet()).Router())
	defer srv.Close()

	token, err := auth.NewIssuer("secret", "", nil).Issue("p1", time.Hour)
	require.NoError(t, err)

	storage := tracker.NewMemoryStorage()
	var out bytes.Buffer
	err = simulate(context.Background(),
		tracker.NewHTTPTransport(srv.URL, token, "trackctl-test", nil),
		storage,
		tracker.Config{ProjectID: "p1", UserAgent: "trackctl-test", Logger: quiet()},
		visit{pages: []string{"/", "/pricing", "/signup"}, events: []string{"signup"}},
		&out,
	)
	require.NoError(t, err, out.String())

	ids, err := store.ListProjectsWithOpenSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids, "the visit ends its session")

	sessions, err := store.ListSessions(context.Background(), "p1", core.TimeRange{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].PageViews)
	assert.Equal(t, 1, sessions[0].Events)
	assert.NotNil(t, sessions[0].EndedAt)
	assert.Contains(t, out.String(), "session-end session="+sessions[0].ID)
}

func TestTailPrintsFilteredMessages(t *testing.T) {
	bus := busmemory.New("live", 16, quiet())
	require.NoError(t, bus.Connect(context.Background()))
	reg := fanout.NewRegistry(fanout.SourceFunc(bus.Subscribe), fanout.Options{Logger: quiet()})
	defer reg.Close()
	srv := httptest.NewServer(ws.New(ws.Options{Name: "ws", Logger: quiet()}, reg).Handler())
	defer srv.Close()

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tail(ctx, dashboard.Options{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"), Logger: quiet()},
			"p1", core.MessageEvent, pw, quiet())
		pw.Close()
	}()

	require.Eventually(t, func() bool { return bus.Subscribers("p1") == 1 }, 3*time.Second, 10*time.Millisecond)
	for _, typ := range []core.MessageType{core.MessagePageView, core.MessageEvent} {
		msg, err := core.NewLiveEventMessage(typ, "p1", time.Now(), map[string]string{"k": "v"})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), msg))
	}

	line, err := bufio.NewReader(pr).ReadBytes('\n')
	require.NoError(t, err)
	var got core.LiveEventMessage
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, core.MessageEvent, got.Type)

	cancel()
	go io.Copy(io.Discard, pr)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("tail did not stop")
	}
}

func TestTrackerTimingFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracker:\n  inactivity_timeout: 45s\n  debounce_window: 2s\n"), 0o600))

	tests := []struct {
		name string
		args []string
		want config.TrackerConfig
	}{
		{"config file", []string{"--config", path}, config.TrackerConfig{InactivityTimeout: 45 * time.Second, DebounceWindow: 2 * time.Second}},
		{"flag overrides file", []string{"--config", path, "--inactivity-timeout", "10s"}, config.TrackerConfig{InactivityTimeout: 10 * time.Second, DebounceWindow: 2 * time.Second}},
		{"missing default config", []string{"--debounce-window", "500ms"}, config.TrackerConfig{InactivityTimeout: 180 * time.Second, DebounceWindow: 500 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFlagSet("simulate")
			addTrackerFlags(fs)
			require.NoError(t, fs.Parse(tt.args))

			got, err := trackerTiming(fs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	fs := newFlagSet("simulate")
	addTrackerFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}))
	_, err := trackerTiming(fs)
	assert.Error(t, err)
}
