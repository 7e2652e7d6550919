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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bklit/bklit-sub002/internal/auth"
	"github.com/bklit/bklit-sub002/pkg/config"
	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/bklit/bklit-sub002/pkg/dashboard"
	"github.com/bklit/bklit-sub002/pkg/tracker"
	"github.com/spf13/pflag"
)

// signingConfig resolves the key and issuer from flags, falling back to
// the server config file.
func signingConfig(configPath, key, issuer string) (string, string, error) {
	if key != "" {
		return key, issuer, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", "", fmt.Errorf("no --key given and config unreadable: %w", err)
	}
	if issuer == "" {
		issuer = cfg.Auth.Issuer
	}
	if cfg.Auth.SigningKey == "" {
		return "", "", errors.New("config has no auth.signing_key")
	}
	return cfg.Auth.SigningKey, issuer, nil
}

func runToken(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := newFlagSet("token")
	project := fs.StringP("project", "p", "", "project id the token is scoped to")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	key := fs.String("key", "", "HS256 signing key (default: auth.signing_key from --config)")
	issuer := fs.String("issuer", "", "token issuer (default: auth.issuer from --config)")
	configPath := fs.String("config", config.DefaultPath, "server config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return errors.New("--project is required")
	}

	signingKey, iss, err := signingConfig(*configPath, *key, *issuer)
	if err != nil {
		return err
	}
	token, err := auth.NewIssuer(signingKey, iss, nil).Issue(*project, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func runTail(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := newFlagSet("tail")
	baseURL := fs.String("url", "ws://localhost:8082", "WebSocket gateway base URL")
	project := fs.StringP("project", "p", "", "project id to follow")
	msgType := fs.StringP("type", "t", "", "only print messages of this type (pageview, event, session_end, error)")
	token := fs.String("token", "", "bearer token sent with the upgrade request")
	reconnect := fs.Duration("reconnect-delay", 3*time.Second, "delay before redialling a dropped socket")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return errors.New("--project is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return tail(ctx, dashboard.Options{
		BaseURL:        *baseURL,
		Token:          *token,
		ReconnectDelay: *reconnect,
		Logger:         logger,
	}, *project, core.MessageType(*msgType), stdout, logger)
}

// tail prints one JSON line per message until ctx ends.
func tail(ctx context.Context, opts dashboard.Options, projectID string, msgType core.MessageType, stdout io.Writer, logger *slog.Logger) error {
	client := dashboard.New(opts)
	defer client.Close()

	lines := make(chan core.LiveEventMessage, 64)
	release := client.Subscribe(projectID, msgType,
		func(msg core.LiveEventMessage) {
			select {
			case lines <- msg:
			default:
				logger.Warn("output backlog, dropping message", "type", msg.Type)
			}
		},
		func(connected bool) {
			logger.Info("live feed", "project_id", projectID, "connected", connected)
		},
	)
	defer release()

	enc := json.NewEncoder(stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-lines:
			if err := enc.Encode(msg); err != nil {
				return err
			}
		}
	}
}

func runSimulate(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := newFlagSet("simulate")
	baseURL := fs.String("url", "http://localhost:8080", "ingestion endpoint base URL")
	project := fs.StringP("project", "p", "", "project id")
	token := fs.String("token", "", "project bearer token")
	pages := fs.StringSlice("page", []string{"/"}, "page URLs to visit in order (repeatable)")
	events := fs.StringSlice("event", nil, "tracking ids to fire after the last page (repeatable)")
	referrer := fs.String("referrer", "", "referrer of the landing page")
	interval := fs.Duration("interval", 0, "pause between navigations (default: debounce window + 100ms)")
	storagePath := fs.String("storage", "", "file that persists the session id between runs (default: in memory)")
	userAgent := fs.String("user-agent", "trackctl/1.0 (simulated visitor)", "user agent reported with pageviews")
	addTrackerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" || *token == "" {
		return errors.New("--project and --token are required")
	}
	timing, err := trackerTiming(fs)
	if err != nil {
		return err
	}
	if *interval <= 0 {
		*interval = timing.DebounceWindow + 100*time.Millisecond
	}

	var storage tracker.Storage = tracker.NewMemoryStorage()
	if *storagePath != "" {
		storage = tracker.NewFileStorage(*storagePath)
	}
	transport := tracker.NewHTTPTransport(*baseURL, *token, *userAgent, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return simulate(ctx, transport, storage, tracker.Config{
		ProjectID:         *project,
		UserAgent:         *userAgent,
		InactivityTimeout: timing.InactivityTimeout,
		DebounceWindow:    timing.DebounceWindow,
		Logger:            logger,
	}, visit{pages: *pages, events: *events, referrer: *referrer, interval: *interval}, stdout)
}

func addTrackerFlags(fs *pflag.FlagSet) {
	fs.Duration("inactivity-timeout", 0, "session inactivity timeout (default: tracker.inactivity_timeout from --config)")
	fs.Duration("debounce-window", 0, "pageview dedup window (default: tracker.debounce_window from --config)")
	fs.String("config", config.DefaultPath, "server config file holding the tracker section")
}

// trackerTiming resolves the tracker section of the server config, then
// applies --inactivity-timeout and --debounce-window on top. An unreadable
// config is an error only when --config was given explicitly.
func trackerTiming(fs *pflag.FlagSet) (config.TrackerConfig, error) {
	timing := config.Default().Tracker
	path, err := fs.GetString("config")
	if err != nil {
		return timing, err
	}
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		timing = cfg.Tracker
	case fs.Changed("config"):
		return timing, fmt.Errorf("load tracker settings: %w", err)
	}
	for name, dst := range map[string]*time.Duration{
		"inactivity-timeout": &timing.InactivityTimeout,
		"debounce-window":    &timing.DebounceWindow,
	} {
		if !fs.Changed(name) {
			continue
		}
		if *dst, err = fs.GetDuration(name); err != nil {
			return timing, err
		}
	}
	return timing, nil
}

type visit struct {
	pages    []string
	events   []string
	referrer string
	interval time.Duration
}

func simulate(ctx context.Context, transport tracker.Transport, storage tracker.Storage, cfg tracker.Config, v visit, stdout io.Writer) error {
	var (
		mu       sync.Mutex
		failures []string
	)
	cfg.OnError = func(task string, err error) {
		mu.Lock()
		failures = append(failures, fmt.Sprintf("%s: %v", task, err))
		mu.Unlock()
	}
	t, err := tracker.New(cfg, transport, storage)
	if err != nil {
		return err
	}

	for i, page := range v.pages {
		if i == 0 {
			t.Start(page, v.referrer)
		} else {
			t.Navigated(page)
		}
		fmt.Fprintf(stdout, "pageview %s session=%s\n", page, t.SessionID())
		if i < len(v.pages)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(v.interval):
			}
		}
		t.Activity(tracker.Scroll)
	}
	for _, id := range v.events {
		t.TrackEvent(id, "simulated", map[string]any{"source": "trackctl"})
		fmt.Fprintf(stdout, "event %s\n", id)
	}
	session := t.SessionID()

	// The beacon does not queue behind pending sends; let those land first
	// so the end is not applied to a session the server has not seen.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.Flush(flushCtx); err != nil {
		return fmt.Errorf("waiting for sends: %w", err)
	}
	t.Unload()
	if err := t.Flush(flushCtx); err != nil {
		return fmt.Errorf("waiting for session end: %w", err)
	}
	fmt.Fprintf(stdout, "session-end session=%s\n", session)
	mu.Lock()
	defer mu.Unlock()
	if len(failures) > 0 {
		return fmt.Errorf("%d sends failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}
