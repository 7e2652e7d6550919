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

// Package ingest accepts pageview, custom event and session-end signals
// from trackers, stores them and republishes them on the live bus.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bklit/bklit-sub002/internal/auth"
	"github.com/bklit/bklit-sub002/internal/background"
	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/bklit/bklit-sub002/internal/integration"
	"github.com/bklit/bklit-sub002/internal/logging"
	"github.com/bklit/bklit-sub002/internal/projects"
	"github.com/bklit/bklit-sub002/internal/telemetry"
	"github.com/bklit/bklit-sub002/internal/usage"
	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxBodyBytes   = 64 << 10
	publishTimeout = 2 * time.Second
	publishWorkers = 32
)

type Deps struct {
	Store     core.EventStore
	Publisher core.Publisher
	Projects  *projects.Table
	Verifier  *auth.Verifier
	Usage     *usage.Gate
	Forwarder *integration.Forwarder
	// Runner carries live publishes off the request path. A private one
	// is created when nil.
	Runner    *background.Runner
	Clock     clock.Clock
	Logger    *slog.Logger
	PacketLog *logging.PacketLogger
}

type Handler struct {
	store     core.EventStore
	publisher core.Publisher
	projects  *projects.Table
	verifier  *auth.Verifier
	usage     *usage.Gate
	forwarder *integration.Forwarder
	runner    *background.Runner
	clock     clock.Clock
	logger    *slog.Logger
	packetLog *logging.PacketLogger
	tracer    trace.Tracer
}

func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Runner == nil {
		d.Runner = background.NewRunner(publishWorkers, publishTimeout, d.Logger)
	}
	return &Handler{
		store:     d.Store,
		publisher: d.Publisher,
		projects:  d.Projects,
		verifier:  d.Verifier,
		usage:     d.Usage,
		forwarder: d.Forwarder,
		runner:    d.Runner,
		clock:     clock.OrReal(d.Clock),
		logger:    d.Logger,
		packetLog: d.PacketLog,
		tracer:    telemetry.Tracer("github.com/bklit/bklit-sub002/internal/ingest"),
	}
}

func (h *Handler) Register(r gin.IRoutes) {
	for path, fn := range map[string]func(context.Context, *gin.Context) (gin.H, error){
		"/track":             h.trackPageView,
		"/track-event":       h.trackEvent,
		"/track/session-end": h.endSession,
	} {
		r.OPTIONS(path, h.preflight)
		r.POST(path, h.handle(path, fn))
	}
}

func (h *Handler) preflight(c *gin.Context) {
	setCORS(c)
	c.AbortWithStatus(http.StatusNoContent)
}

func setCORS(c *gin.Context) {
	origin := c.GetHeader("Origin")
	if origin == "" {
		origin = "*"
	}
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
	c.Header("Access-Control-Max-Age", "86400")
	c.Header("Vary", "Origin")
}

func (h *Handler) handle(route string, fn func(context.Context, *gin.Context) (gin.H, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		setCORS(c)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

		ctx := telemetry.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := h.tracer.Start(ctx, "ingest "+route)
		body, err := fn(ctx, c)
		telemetry.End(span, err)
		if err != nil {
			apiErr := classify(err)
			if apiErr.Status >= http.StatusInternalServerError {
				h.logger.Error("ingest failed", "route", route, "error", err)
			} else {
				h.logger.Debug("ingest rejected", "route", route, "code", apiErr.Code, "error", err)
			}
			c.AbortWithStatusJSON(apiErr.Status, apiErr)
			return
		}
		c.JSON(http.StatusOK, body)
	}
}

// authorize runs the token, project, origin and (optionally) usage checks
// in that order.
func (h *Handler) authorize(ctx context.Context, c *gin.Context, projectID string, metered bool) (*core.Project, error) {
	if err := h.verifier.Verify(auth.FromRequest(c.Request), projectID); err != nil {
		return nil, err
	}
	project, err := h.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	if origin := c.GetHeader("Origin"); !project.AllowsOrigin(origin) {
		return nil, fmt.Errorf("%w: %s", core.ErrForbiddenOrigin, origin)
	}
	if metered && h.usage != nil {
		if err := h.usage.Check(ctx, project); err != nil {
			if errors.Is(err, core.ErrUsageLimit) {
				return nil, err
			}
			// A counting failure must not turn into a rejection.
			h.logger.Warn("usage check failed", "project_id", projectID, "error", err)
		}
	}
	return project, nil
}

func bind(c *gin.Context, req interface{ missing() []string }) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return invalidBody(err)
	}
	if fields := req.missing(); len(fields) > 0 {
		return missingFields(fields)
	}
	return nil
}

func (h *Handler) trackPageView(ctx context.Context, c *gin.Context) (gin.H, error) {
	var req PageViewRequest
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.ProjectAttr(req.ProjectID))
	if _, err := h.authorize(ctx, c, req.ProjectID, true); err != nil {
		return nil, err
	}

	agent := ParseAgent(req.UserAgent)
	country, city := Geo(c.Request)
	pv := core.PageViewEvent{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
		URL:       req.URL,
		Referrer:  req.Referrer,
		UTM:       req.utm(),
		Client: core.Client{
			UserAgent:  req.UserAgent,
			DeviceType: agent.DeviceType,
			Browser:    agent.Browser,
			OS:         agent.OS,
			Country:    country,
			City:       city,
			VisitorID:  core.VisitorID(c.Request, req.ProjectID),
		},
		Timestamp: req.Timestamp.UTC(),
	}
	sess, err := h.store.RecordPageView(ctx, pv)
	if err != nil {
		return nil, fmt.Errorf("store pageview: %w", err)
	}

	h.publish(core.MessagePageView, pv.ProjectID, pv.Timestamp, pv)
	h.forwarder.Forward(integration.Record{
		Kind:      integration.KindPageView,
		ProjectID: pv.ProjectID,
		SessionID: pv.SessionID,
		Timestamp: pv.Timestamp,
		Payload:   pv,
	})
	return gin.H{"status": "ok", "sessionId": sess.ID}, nil
}

func (h *Handler) trackEvent(ctx context.Context, c *gin.Context) (gin.H, error) {
	var req EventRequest
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.ProjectAttr(req.ProjectID))
	project, err := h.authorize(ctx, c, req.ProjectID, true)
	if err != nil {
		return nil, err
	}
	if !project.HasEvent(req.TrackingID) {
		return nil, fmt.Errorf("%w: tracking id %q", core.ErrEventNotFound, req.TrackingID)
	}

	ev := core.CustomEvent{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		SessionID:  req.SessionID,
		TrackingID: req.TrackingID,
		EventType:  req.EventType,
		Metadata:   req.Metadata,
		Timestamp:  req.Timestamp.UTC(),
	}
	if err := h.store.RecordEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}

	h.publish(core.MessageEvent, ev.ProjectID, ev.Timestamp, ev)
	h.forwarder.Forward(integration.Record{
		Kind:      integration.KindEvent,
		ProjectID: ev.ProjectID,
		SessionID: ev.SessionID,
		Timestamp: ev.Timestamp,
		Payload:   ev,
	})
	return gin.H{"status": "ok"}, nil
}

// endSession is delivered from unloading pages, so an unknown session is
// answered with ended=false rather than an error.
func (h *Handler) endSession(ctx context.Context, c *gin.Context) (gin.H, error) {
	var req SessionEndRequest
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.ProjectAttr(req.ProjectID))
	if _, err := h.authorize(ctx, c, req.ProjectID, false); err != nil {
		return nil, err
	}

	at := h.clock.Now().UTC()
	ended, err := h.store.EndSession(ctx, req.ProjectID, req.SessionID, at)
	if errors.Is(err, core.ErrSessionNotFound) {
		return gin.H{"status": "ok", "ended": false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	if ended {
		end := core.SessionEnd{SessionID: req.SessionID, ProjectID: req.ProjectID, EndedAt: at, Reason: "client"}
		h.publish(core.MessageSessionEnd, req.ProjectID, at, end)
		h.forwarder.Forward(integration.Record{
			Kind:      integration.KindSessionEnd,
			ProjectID: req.ProjectID,
			SessionID: req.SessionID,
			Timestamp: at,
			Payload:   end,
		})
	}
	return gin.H{"status": "ok", "ended": ended}, nil
}

// publish hands the live message to the background runner and returns at
// once. Failures only cost the live feed.
func (h *Handler) publish(typ core.MessageType, projectID string, at time.Time, data any) {
	if h.publisher == nil {
		return
	}
	msg, err := core.NewLiveEventMessage(typ, projectID, at, data)
	if err != nil {
		h.logger.Error("encode live message failed", "type", typ, "project_id", projectID, "error", err)
		return
	}
	err = h.runner.Submit("live:"+string(typ), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := h.publisher.Publish(ctx, msg); err != nil {
			return fmt.Errorf("live publish for %s: %w", projectID, err)
		}
		h.packetLog.Log(msg, "ingest", "upstream")
		return nil
	})
	if err != nil {
		h.logger.Debug("live publish skipped", "type", typ, "project_id", projectID, "error", err)
	}
}
