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

package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bklit/bklit-sub002/internal/projects"
)

const sample = `
entrypoints:
  - name: ingest
    type: ingest
    port: 8080
  - name: live-sse
    type: sse
    port: 8081
bus:
  name: live
  type: redis
  config:
    addr: "localhost:6379"
    brokers: "a:9092, b:9092"
store:
  type: memory
live:
  heartbeat_interval: 15s
auth:
  signing_key: secret
projects:
  - id: p1
    name: Docs
    allowed_domains: [example.com]
    events: [signup]
    monthly_event_limit: 1000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Entrypoints) != 2 {
		t.Fatalf("expected 2 entrypoints, got %d", len(cfg.Entrypoints))
	}
	if cfg.Entrypoints[1].Type != "sse" {
		t.Fatalf("expected sse, got %s", cfg.Entrypoints[1].Type)
	}
	if cfg.Bus.Type != "redis" || cfg.Bus.Get("addr", "") != "localhost:6379" {
		t.Fatalf("unexpected bus config: %+v", cfg.Bus)
	}
	if got := cfg.Bus.List("brokers"); len(got) != 2 || got[1] != "b:9092" {
		t.Fatalf("unexpected broker list: %v", got)
	}
	if cfg.Live.HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected 15s heartbeat, got %s", cfg.Live.HeartbeatInterval)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].MonthlyEventLimit != 1000 {
		t.Fatalf("unexpected projects: %+v", cfg.Projects)
	}
	if !cfg.Projects[0].HasEvent("signup") {
		t.Fatal("expected signup to be registered")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "store:\n  type: memory\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Live.ReconnectDelay != 3*time.Second {
		t.Fatalf("expected 3s reconnect delay, got %s", cfg.Live.ReconnectDelay)
	}
	if cfg.Live.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected 30s heartbeat, got %s", cfg.Live.HeartbeatInterval)
	}
	if cfg.Sessions.StaleAfter != 30*time.Minute {
		t.Fatalf("expected 30m stale threshold, got %s", cfg.Sessions.StaleAfter)
	}
	if cfg.Tracker.InactivityTimeout != 180*time.Second {
		t.Fatalf("expected 180s inactivity timeout, got %s", cfg.Tracker.InactivityTimeout)
	}
	if cfg.Bus.Type != "memory" {
		t.Fatalf("expected memory bus, got %s", cfg.Bus.Type)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("LIVE_BUS_TYPE", "none")
	t.Setenv("LIVE_RECONNECT_DELAY", "5s")
	t.Setenv("LIVE_AUTH_SIGNING_KEY", "from-env")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Type != "none" {
		t.Fatalf("expected none, got %s", cfg.Bus.Type)
	}
	if cfg.Live.ReconnectDelay != 5*time.Second {
		t.Fatalf("expected 5s, got %s", cfg.Live.ReconnectDelay)
	}
	if cfg.Auth.SigningKey != "from-env" {
		t.Fatalf("expected env signing key, got %s", cfg.Auth.SigningKey)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown entrypoint", "store: {type: memory}\nentrypoints: [{name: x, type: grpc, port: 1}]", `unknown type "grpc"`},
		{"bad port", "store: {type: memory}\nentrypoints: [{name: x, type: sse, port: 0}]", "port 0 out of range"},
		{"missing key", "store: {type: memory}\nentrypoints: [{name: x, type: ingest, port: 80}]", "signing_key is required"},
		{"unknown bus", "store: {type: memory}\nbus: {type: nats}", `bus: unknown type "nats"`},
		{"sqlite path", "store: {type: sqlite, path: ''}", "path is required"},
		{"duplicate project", "store: {type: memory}\nprojects: [{id: a}, {id: a}]", `duplicate id "a"`},
		{"negative duration", "store: {type: memory}\nlive: {reconnect_delay: -1s}", "live.reconnect_delay must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestWatcherReloadsProjects(t *testing.T) {
	path := writeConfig(t, sample)
	table := projects.NewTable()
	w := NewWatcher(path, table, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if w.Check() {
		t.Fatal("unchanged file should not reload")
	}

	updated := strings.Replace(sample, "id: p1", "id: p2", 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if !w.Check() {
		t.Fatal("expected reload after modification")
	}
	if _, ok := table.Lookup("p2"); !ok {
		t.Fatal("expected p2 after reload")
	}
	if ids := table.IDs(); len(ids) != 1 {
		t.Fatalf("expected a single project, got %v", ids)
	}
}

func TestWatcherKeepsTableOnBadFile(t *testing.T) {
	path := writeConfig(t, sample)
	table := projects.NewTable()
	w := NewWatcher(path, table, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := os.WriteFile(path, []byte("bus: {type: nats}"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(time.Minute)
	os.Chtimes(path, future, future)

	if w.Check() {
		t.Fatal("invalid config must not be applied")
	}
}
