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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/live-analytics/config.yaml"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Entrypoints  []EntrypointConfig  `yaml:"entrypoints"`
	Bus          BusConfig           `yaml:"bus"`
	Store        StoreConfig         `yaml:"store"`
	Live         LiveConfig          `yaml:"live"`
	Sessions     SessionsConfig      `yaml:"sessions"`
	Tracker      TrackerConfig       `yaml:"tracker"`
	Auth         AuthConfig          `yaml:"auth"`
	Projects     []*core.Project     `yaml:"projects"`
	Background   BackgroundConfig    `yaml:"background"`
	Integrations []IntegrationConfig `yaml:"integrations"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
	Logging      LoggingConfig       `yaml:"logging"`
}

type EntrypointConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Port int    `yaml:"port"`
}

// BusConfig selects the live bus backend. Config holds backend specific
// settings such as addresses and prefixes.
type BusConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type" env:"LIVE_BUS_TYPE"`
	Config map[string]string `yaml:"config"`
}

func (b BusConfig) Get(key, fallback string) string {
	if v, ok := b.Config[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (b BusConfig) Int(key string, fallback int) (int, error) {
	v, ok := b.Config[key]
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bus config %s: %w", key, err)
	}
	return n, nil
}

// List splits a comma separated value.
func (b BusConfig) List(key string) []string {
	var out []string
	for _, part := range strings.Split(b.Config[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type StoreConfig struct {
	Type string `yaml:"type" env:"LIVE_STORE_TYPE"`
	Path string `yaml:"path" env:"LIVE_STORE_PATH"`
}

type LiveConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"LIVE_HEARTBEAT_INTERVAL"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"LIVE_RECONNECT_DELAY"`
	BufferSize        int           `yaml:"buffer_size" env:"LIVE_BUFFER_SIZE"`
}

type SessionsConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after" env:"LIVE_SESSION_STALE_AFTER"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"LIVE_SWEEP_INTERVAL"`
	LiveWindow    time.Duration `yaml:"live_window" env:"LIVE_SESSION_LIVE_WINDOW"`
}

// TrackerConfig is handed to embedded trackers by trackctl simulate.
type TrackerConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" env:"LIVE_TRACKER_INACTIVITY_TIMEOUT"`
	DebounceWindow    time.Duration `yaml:"debounce_window" env:"LIVE_TRACKER_DEBOUNCE_WINDOW"`
}

type AuthConfig struct {
	SigningKey string `yaml:"signing_key" env:"LIVE_AUTH_SIGNING_KEY"`
	Issuer     string `yaml:"issuer" env:"LIVE_AUTH_ISSUER"`
}

type BackgroundConfig struct {
	Workers     int           `yaml:"workers" env:"LIVE_BACKGROUND_WORKERS"`
	TaskTimeout time.Duration `yaml:"task_timeout" env:"LIVE_BACKGROUND_TASK_TIMEOUT"`
}

type IntegrationConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"LIVE_OTEL_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"LIVE_OTEL_SERVICE_NAME"`
}

type LoggingConfig struct {
	Level     string `yaml:"level" env:"LIVE_LOG_LEVEL"`
	PacketLog bool   `yaml:"packet_log" env:"LIVE_PACKET_LOG"`
}

// Default returns a configuration with every knob at its documented
// default and no entrypoints.
func Default() Config {
	return Config{
		Bus:   BusConfig{Name: "live", Type: "memory"},
		Store: StoreConfig{Type: "sqlite", Path: "/var/lib/live-analytics/events.db"},
		Live: LiveConfig{
			HeartbeatInterval: 30 * time.Second,
			ReconnectDelay:    3 * time.Second,
			BufferSize:        core.DefaultStreamSize,
		},
		Sessions: SessionsConfig{
			StaleAfter:    30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			LiveWindow:    5 * time.Minute,
		},
		Tracker: TrackerConfig{
			InactivityTimeout: 180 * time.Second,
			DebounceWindow:    time.Second,
		},
		Auth:       AuthConfig{Issuer: "live-analytics"},
		Background: BackgroundConfig{Workers: 16, TaskTimeout: 10 * time.Second},
		Telemetry:  TelemetryConfig{ServiceName: "live-analytics"},
		Logging:    LoggingConfig{Level: "info"},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over the defaults, applies LIVE_* environment
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	entrypointTypes  = []string{"ingest", "sse", "websocket", "analytics"}
	busTypes         = []string{"memory", "redis", "kafka", "rabbitmq", "mqtt5", "amqp", "none"}
	storeTypes       = []string{"sqlite", "memory"}
	integrationTypes = []string{"webhook", "kafka"}
)

func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	names := make(map[string]bool)
	needsAuth := false
	for i, ep := range c.Entrypoints {
		if ep.Name == "" {
			add("entrypoints[%d]: name is required", i)
		} else if names[ep.Name] {
			add("entrypoints[%d]: duplicate name %q", i, ep.Name)
		}
		names[ep.Name] = true
		if !oneOf(ep.Type, entrypointTypes) {
			add("entrypoints[%d]: unknown type %q", i, ep.Type)
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			add("entrypoints[%d]: port %d out of range", i, ep.Port)
		}
		if ep.Type == "ingest" || ep.Type == "analytics" {
			needsAuth = true
		}
	}
	if !oneOf(c.Bus.Type, busTypes) {
		add("bus: unknown type %q", c.Bus.Type)
	}
	if !oneOf(c.Store.Type, storeTypes) {
		add("store: unknown type %q", c.Store.Type)
	}
	if c.Store.Type == "sqlite" && strings.TrimSpace(c.Store.Path) == "" {
		add("store: path is required for sqlite")
	}
	if needsAuth && c.Auth.SigningKey == "" {
		add("auth: signing_key is required by ingest and analytics entrypoints")
	}

	for name, d := range map[string]time.Duration{
		"live.heartbeat_interval":    c.Live.HeartbeatInterval,
		"live.reconnect_delay":       c.Live.ReconnectDelay,
		"sessions.stale_after":       c.Sessions.StaleAfter,
		"sessions.sweep_interval":    c.Sessions.SweepInterval,
		"sessions.live_window":       c.Sessions.LiveWindow,
		"tracker.inactivity_timeout": c.Tracker.InactivityTimeout,
		"background.task_timeout":    c.Background.TaskTimeout,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.Background.Workers <= 0 {
		add("background.workers must be positive")
	}

	ids := make(map[string]bool)
	for i, p := range c.Projects {
		switch {
		case p == nil || p.ID == "":
			add("projects[%d]: id is required", i)
		case ids[p.ID]:
			add("projects[%d]: duplicate id %q", i, p.ID)
		default:
			ids[p.ID] = true
			if p.MonthlyEventLimit < 0 {
				add("projects[%d]: monthly_event_limit must not be negative", i)
			}
		}
	}
	for i, in := range c.Integrations {
		if !oneOf(in.Type, integrationTypes) {
			add("integrations[%d]: unknown type %q", i, in.Type)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
