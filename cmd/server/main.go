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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bklit/bklit-sub002/internal/analytics"
	"github.com/bklit/bklit-sub002/internal/auth"
	"github.com/bklit/bklit-sub002/internal/background"
	"github.com/bklit/bklit-sub002/internal/fanout"
	"github.com/bklit/bklit-sub002/internal/ingest"
	"github.com/bklit/bklit-sub002/internal/integration"
	"github.com/bklit/bklit-sub002/internal/logging"
	"github.com/bklit/bklit-sub002/internal/projects"
	"github.com/bklit/bklit-sub002/internal/store/memory"
	"github.com/bklit/bklit-sub002/internal/store/sqlite"
	"github.com/bklit/bklit-sub002/internal/telemetry"
	"github.com/bklit/bklit-sub002/internal/usage"
	"github.com/bklit/bklit-sub002/pkg/config"
	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/bklit/bklit-sub002/pkg/plugins"
	"github.com/bklit/bklit-sub002/pkg/plugins/sse"
	"github.com/bklit/bklit-sub002/pkg/plugins/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = config.DefaultPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Error("failed to set up tracing", "endpoint", cfg.Telemetry.OTLPEndpoint, "error", err)
		os.Exit(1)
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open event store", "type", cfg.Store.Type, "error", err)
		os.Exit(1)
	}

	var packetLog *logging.PacketLogger
	if cfg.Logging.PacketLog {
		packetLog = logging.NewPacketLogger(logger.With("component", "packet"))
	}

	runner := background.NewRunner(cfg.Background.Workers, cfg.Background.TaskTimeout, logger.With("component", "background"))
	sinks, err := integration.Build(cfg.Integrations)
	if err != nil {
		logger.Error("failed to build integrations", "error", err)
		os.Exit(1)
	}
	forwarder := integration.NewForwarder(runner, logger.With("component", "integration"), sinks...)

	registry := plugins.NewRegistry(logger)
	var (
		publisher core.Publisher
		live      *fanout.Registry
	)
	bus, err := plugins.BuildBus(cfg.Bus, cfg.Live.BufferSize, logger)
	switch {
	case errors.Is(err, core.ErrBusNotConfigured):
		logger.Warn("live feed disabled, no bus configured")
	case err != nil:
		logger.Error("failed to build bus", "type", cfg.Bus.Type, "error", err)
		os.Exit(1)
	default:
		registry.RegisterBus(bus)
		publisher = bus
		live = fanout.NewRegistry(fanout.SourceFunc(bus.Subscribe), fanout.Options{
			Name:           "live",
			ReconnectDelay: cfg.Live.ReconnectDelay,
			Logger:         logger.With("component", "fanout"),
			PacketLog:      packetLog,
		})
	}
	if n := registry.ConnectBuses(ctx); publisher != nil && n == 0 {
		logger.Warn("bus unreachable, live subscribers will keep retrying", "reconnect_delay", cfg.Live.ReconnectDelay)
	}

	table := projects.NewTable(cfg.Projects...)
	verifier := auth.NewVerifier(cfg.Auth.SigningKey, cfg.Auth.Issuer, nil)
	aggregator := analytics.NewAggregator(store, analytics.Options{
		StaleAfter: cfg.Sessions.StaleAfter,
		LiveWindow: cfg.Sessions.LiveWindow,
		Publisher:  publisher,
		Forwarder:  forwarder,
		Logger:     logger.With("component", "analytics"),
	})

	registerEntrypoints(cfg, registry, entrypointDeps{
		ingest: ingest.NewHandler(ingest.Deps{
			Store:     store,
			Publisher: publisher,
			Projects:  table,
			Verifier:  verifier,
			Usage:     usage.NewGate(store, nil),
			Forwarder: forwarder,
			Runner:    runner,
			Logger:    logger.With("component", "ingest"),
			PacketLog: packetLog,
		}),
		aggregator: aggregator,
		table:      table,
		verifier:   verifier,
		live:       live,
		packetLog:  packetLog,
	}, logger)

	sweeper := analytics.NewSweeper(aggregator, store, cfg.Sessions.SweepInterval, nil, logger.With("component", "sweeper"))
	go sweeper.Start(ctx)

	watcher := config.NewWatcher(configPath, table, logger)
	go watcher.Watch(ctx)

	failed := make(chan string, 1)
	registry.StartEntrypoints(ctx, func(name string, err error) {
		select {
		case failed <- name:
		default:
		}
	})

	logger.Info("live analytics started", "config", configPath, "bus", cfg.Bus.Type, "store", cfg.Store.Type)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case <-sigCh:
	case name := <-failed:
		logger.Error("entrypoint could not start, shutting down", "name", name)
		exitCode = 1
	}

	logger.Info("shutting down live analytics")
	cancel()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if live != nil {
		live.Close()
	}
	registry.StopAll(shutdownCtx)
	if err := runner.Close(shutdownCtx); err != nil {
		logger.Warn("background tasks abandoned", "error", err)
	}
	if err := forwarder.Close(); err != nil {
		logger.Warn("closing integrations failed", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Warn("closing event store failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flushing traces failed", "error", err)
	}

	logger.Info("live analytics stopped", "background_failures", runner.Failures())
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

type entrypointDeps struct {
	ingest     *ingest.Handler
	aggregator *analytics.Aggregator
	table      *projects.Table
	verifier   *auth.Verifier
	live       *fanout.Registry
	packetLog  *logging.PacketLogger
}

func registerEntrypoints(cfg *config.Config, reg *plugins.Registry, d entrypointDeps, logger *slog.Logger) {
	for _, e := range cfg.Entrypoints {
		epLogger := logger.With("entrypoint", e.Name)
		switch e.Type {
		case "ingest":
			reg.RegisterEntrypoint(ingest.NewEntrypoint(e.Name, e.Port, d.ingest, epLogger))
		case "analytics":
			reg.RegisterEntrypoint(analytics.NewEntrypoint(e.Name, e.Port, d.aggregator, d.table, d.verifier, epLogger))
		case "sse":
			reg.RegisterEntrypoint(sse.New(sse.Options{
				Name:       e.Name,
				Port:       e.Port,
				Heartbeat:  cfg.Live.HeartbeatInterval,
				BufferSize: cfg.Live.BufferSize,
				Verifier:   d.verifier,
				Logger:     epLogger,
				PacketLog:  d.packetLog,
			}, d.live))
		case "websocket":
			reg.RegisterEntrypoint(ws.New(ws.Options{
				Name:       e.Name,
				Port:       e.Port,
				Heartbeat:  cfg.Live.HeartbeatInterval,
				BufferSize: cfg.Live.BufferSize,
				Verifier:   d.verifier,
				Logger:     epLogger,
				PacketLog:  d.packetLog,
			}, d.live))
		default:
			logger.Warn("unknown entrypoint type", "name", e.Name, "type", e.Type)
		}
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (core.EventStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store type %q: %w", cfg.Type, core.ErrUnknownPluginType)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
