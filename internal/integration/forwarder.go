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

// Package integration forwards stored activity to downstream systems.
// Delivery is best effort: each sink call runs as a background task and
// failures only reach the runner's error sink.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bklit/bklit-sub002/internal/background"
	"github.com/bklit/bklit-sub002/pkg/config"
	"github.com/bklit/bklit-sub002/pkg/core"
)

type Kind string

const (
	KindPageView   Kind = "pageview"
	KindEvent      Kind = "event"
	KindSessionEnd Kind = "session_end"
)

type Record struct {
	Kind      Kind      `json:"kind"`
	ProjectID string    `json:"projectId"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec Record) error
	Close() error
}

type Forwarder struct {
	sinks  []Sink
	runner *background.Runner
	logger *slog.Logger
}

func NewForwarder(runner *background.Runner, logger *slog.Logger, sinks ...Sink) *Forwarder {
	return &Forwarder{sinks: sinks, runner: runner, logger: logger}
}

// Forward schedules rec on every sink and returns immediately.
func (f *Forwarder) Forward(rec Record) {
	if f == nil {
		return
	}
	for _, s := range f.sinks {
		sink := s
		name := "integration:" + sink.Name()
		if err := f.runner.Submit(name, func(ctx context.Context) error {
			return sink.Deliver(ctx, rec)
		}); err != nil {
			f.logger.Debug("integration skipped", "sink", sink.Name(), "project_id", rec.ProjectID, "error", err)
		}
	}
}

func (f *Forwarder) Sinks() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

func (f *Forwarder) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Build constructs the sinks described by cfgs.
func Build(cfgs []config.IntegrationConfig) ([]Sink, error) {
	sinks := make([]Sink, 0, len(cfgs))
	for _, c := range cfgs {
		name := c.Name
		if name == "" {
			name = c.Type
		}
		switch c.Type {
		case "webhook":
			url := c.Config["url"]
			if url == "" {
				return nil, fmt.Errorf("integration %s: url is required", name)
			}
			timeout := 5 * time.Second
			if v := c.Config["timeout"]; v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return nil, fmt.Errorf("integration %s: timeout: %w", name, err)
				}
				timeout = d
			}
			sinks = append(sinks, NewWebhook(name, url, c.Config["secret"], timeout))
		case "kafka":
			var brokers []string
			for _, b := range strings.Split(c.Config["brokers"], ",") {
				if b = strings.TrimSpace(b); b != "" {
					brokers = append(brokers, b)
				}
			}
			if len(brokers) == 0 || c.Config["topic"] == "" {
				return nil, fmt.Errorf("integration %s: brokers and topic are required", name)
			}
			sinks = append(sinks, NewKafkaExport(name, brokers, c.Config["topic"]))
		default:
			return nil, fmt.Errorf("integration %s type %q: %w", name, c.Type, core.ErrUnknownPluginType)
		}
	}
	return sinks, nil
}
