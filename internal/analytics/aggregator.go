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

// Package analytics derives per-session metrics from the event store and
// closes sessions that were abandoned without an end signal.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/bklit/bklit-sub002/internal/integration"
	"github.com/bklit/bklit-sub002/internal/telemetry"
	"github.com/bklit/bklit-sub002/pkg/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultStaleAfter = 30 * time.Minute
	DefaultLiveWindow = 5 * time.Minute

	// ReasonStale marks session ends written by the sweep.
	ReasonStale = "stale"
)

type Options struct {
	StaleAfter time.Duration
	LiveWindow time.Duration
	Publisher  core.Publisher
	Forwarder  *integration.Forwarder
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Aggregator struct {
	store      core.EventStore
	publisher  core.Publisher
	forwarder  *integration.Forwarder
	staleAfter time.Duration
	liveWindow time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewAggregator(store core.EventStore, opts Options) *Aggregator {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.LiveWindow <= 0 {
		opts.LiveWindow = DefaultLiveWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		store:      store,
		publisher:  opts.Publisher,
		forwarder:  opts.Forwarder,
		staleAfter: opts.StaleAfter,
		liveWindow: opts.LiveWindow,
		clock:      clock.OrReal(opts.Clock),
		logger:     opts.Logger,
		tracer:     telemetry.Tracer("github.com/bklit/bklit-sub002/internal/analytics"),
	}
}

// SessionAnalytics summarises the sessions of projectID that started
// inside r. An empty range yields zeroed rates, never an error.
func (a *Aggregator) SessionAnalytics(ctx context.Context, projectID string, r core.TimeRange) (result core.SessionAnalytics, err error) {
	ctx, span := a.tracer.Start(ctx, "analytics.SessionAnalytics", trace.WithAttributes(telemetry.ProjectAttr(projectID)))
	defer func() { telemetry.End(span, err) }()

	sessions, err := a.store.ListSessions(ctx, projectID, r)
	if err != nil {
		return core.SessionAnalytics{}, fmt.Errorf("list sessions: %w", err)
	}

	now := a.clock.Now()
	result = core.SessionAnalytics{
		ProjectID: projectID,
		Sessions:  make([]core.SessionSummary, 0, len(sessions)),
	}
	var totalDuration float64
	var totalPageViews int
	for _, s := range sessions {
		summary := core.SessionSummary{
			ID:              s.ID,
			StartedAt:       s.StartedAt,
			EntryPage:       s.EntryPage,
			ExitPage:        s.ExitPage,
			PageViews:       s.PageViews,
			Events:          s.Events,
			DurationSeconds: s.Duration().Seconds(),
			Bounced:         s.Bounced(),
			Ended:           s.Ended(),
			Live:            a.isLive(s, now),
		}
		if summary.Bounced {
			result.BouncedCount++
		}
		if summary.Live {
			result.LiveSessions++
		}
		totalDuration += summary.DurationSeconds
		totalPageViews += s.PageViews
		result.Sessions = append(result.Sessions, summary)
	}

	result.TotalSessions = len(sessions)
	result.BounceRate = BounceRate(result.BouncedCount, result.TotalSessions)
	if n := float64(result.TotalSessions); n > 0 {
		result.AvgDuration = round2(totalDuration / n)
		result.AvgPageViews = round2(float64(totalPageViews) / n)
	}
	span.SetAttributes(attribute.Int("live.sessions", result.TotalSessions))
	return result, nil
}

func (a *Aggregator) isLive(s core.Session, now time.Time) bool {
	return !s.Ended() && now.Sub(s.LastActivityAt) <= a.liveWindow
}

// CleanupStaleSessions ends every open session of projectID whose last
// activity is older than the stale threshold. The end time is the last
// activity, not the sweep time. It returns how many sessions it closed.
func (a *Aggregator) CleanupStaleSessions(ctx context.Context, projectID string) (closed int, err error) {
	ctx, span := a.tracer.Start(ctx, "analytics.CleanupStaleSessions", trace.WithAttributes(telemetry.ProjectAttr(projectID)))
	defer func() { telemetry.End(span, err) }()

	cutoff := a.clock.Now().Add(-a.staleAfter)
	stale, err := a.store.ListStaleSessions(ctx, projectID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	for _, s := range stale {
		endedAt, ended, err := a.store.EndIdleSession(ctx, projectID, s.ID, cutoff)
		if err != nil {
			return closed, fmt.Errorf("end session %s: %w", s.ID, err)
		}
		// Activity or an explicit end that landed after the listing wins.
		if !ended {
			continue
		}
		closed++
		a.announce(ctx, core.SessionEnd{
			SessionID: s.ID,
			ProjectID: projectID,
			EndedAt:   endedAt,
			Reason:    ReasonStale,
		})
	}
	if closed > 0 {
		a.logger.Info("stale sessions closed", "project_id", projectID, "count", closed)
	}
	span.SetAttributes(attribute.Int("live.sessions_closed", closed))
	return closed, nil
}

func (a *Aggregator) announce(ctx context.Context, end core.SessionEnd) {
	a.forwarder.Forward(integration.Record{
		Kind:      integration.KindSessionEnd,
		ProjectID: end.ProjectID,
		SessionID: end.SessionID,
		Timestamp: end.EndedAt,
		Payload:   end,
	})
	if a.publisher == nil {
		return
	}
	msg, err := core.NewLiveEventMessage(core.MessageSessionEnd, end.ProjectID, a.clock.Now(), end)
	if err != nil {
		a.logger.Error("encode session end failed", "session_id", end.SessionID, "error", err)
		return
	}
	if err := a.publisher.Publish(ctx, msg); err != nil {
		a.logger.Warn("session end publish failed", "project_id", end.ProjectID, "session_id", end.SessionID, "error", err)
	}
}

// BounceRate is bounced/total as a percentage with two decimals. A zero
// total gives 0.
func BounceRate(bounced, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(bounced) / float64(total) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
