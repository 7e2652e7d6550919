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

package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bklit/bklit-sub002/internal/auth"
	"github.com/bklit/bklit-sub002/internal/background"
	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/bklit/bklit-sub002/internal/projects"
	"github.com/bklit/bklit-sub002/internal/store/memory"
	"github.com/bklit/bklit-sub002/internal/usage"
	"github.com/bklit/bklit-sub002/pkg/core"
	busmemory "github.com/bklit/bklit-sub002/pkg/plugins/memory"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signingKey = "test-signing-key"

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type brokenStore struct{ *memory.Store }

func (brokenStore) RecordPageView(context.Context, core.PageViewEvent) (core.Session, error) {
	return core.Session{}, errors.New("disk full")
}

type fixture struct {
	router *gin.Engine
	store  core.EventStore
	bus    *busmemory.Bus
	issuer *auth.Issuer
}

func newFixture(t *testing.T, store core.EventStore) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(now)

	if store == nil {
		store = memory.New()
	}
	bus := busmemory.New("live", 16, logger)
	require.NoError(t, bus.Connect(context.Background()))

	table := projects.NewTable(
		&core.Project{ID: "p1", AllowedDomains: []string{"example.com"}, Events: []string{"signup"}},
		&core.Project{ID: "capped", MonthlyEventLimit: 1},
	)
	h := NewHandler(Deps{
		Store:     store,
		Publisher: bus,
		Projects:  table,
		Verifier:  auth.NewVerifier(signingKey, "live-analytics", clk.Now),
		Usage:     usage.NewGate(store, clk),
		Clock:     clk,
		Logger:    logger,
	})
	e := NewEntrypoint("ingest", 0, h, logger)
	return &fixture{
		router: e.Router(),
		store:  store,
		bus:    bus,
		issuer: auth.NewIssuer(signingKey, "live-analytics", clk.Now),
	}
}

func (f *fixture) token(t *testing.T, projectID string) string {
	t.Helper()
	tok, err := f.issuer.Issue(projectID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) post(t *testing.T, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func pageView(projectID, sessionID string) map[string]any {
	return map[string]any{
		"url":       "https://example.com/pricing",
		"timestamp": now.Add(-time.Minute).Format(time.RFC3339),
		"projectId": projectID,
		"sessionId": sessionID,
		"userAgent": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148 Safari/604.1",
		"utmSource": "newsletter",
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestTrackPageViewStoresAndPublishes(t *testing.T) {
	f := newFixture(t, nil)
	sub, err := f.bus.Subscribe(context.Background(), "p1")
	require.NoError(t, err)
	defer sub.Close()

	w := f.post(t, "/track", f.token(t, "p1"), pageView("p1", "s1"),
		"Origin", "https://www.example.com", "CF-IPCountry", "de")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "https://www.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	sess, err := f.store.GetSession(context.Background(), "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.PageViews)
	assert.Equal(t, "https://example.com/pricing", sess.EntryPage)
	assert.Equal(t, "mobile", sess.Client.DeviceType)
	assert.Equal(t, "iOS", sess.Client.OS)
	assert.Equal(t, "DE", sess.Client.Country)
	assert.NotEmpty(t, sess.Client.VisitorID)

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, core.MessagePageView, msg.Type)
		var pv core.PageViewEvent
		require.NoError(t, json.Unmarshal(msg.Data, &pv))
		assert.Equal(t, "s1", pv.SessionID)
		assert.Equal(t, "newsletter", pv.UTM.Source)
	case <-time.After(time.Second):
		t.Fatal("expected a live pageview message")
	}
}

func TestTrackRejections(t *testing.T) {
	f := newFixture(t, nil)
	p1 := f.token(t, "p1")

	tests := []struct {
		name    string
		path    string
		token   string
		body    any
		headers []string
		status  int
		code    string
	}{
		{"malformed body", "/track", p1, "{not json", nil, http.StatusBadRequest, CodeInvalidBody},
		{"missing fields", "/track", p1, map[string]any{"projectId": "p1"}, nil, http.StatusBadRequest, CodeMissingFields},
		{"no token", "/track", "", pageView("p1", "s1"), nil, http.StatusUnauthorized, CodeInvalidToken},
		{"token for other project", "/track", f.token(t, "capped"), pageView("p1", "s1"), nil, http.StatusUnauthorized, CodeInvalidToken},
		{"unknown project", "/track", f.token(t, "ghost"), pageView("ghost", "s1"), nil, http.StatusUnauthorized, CodeUnknownProject},
		{"foreign origin", "/track", p1, pageView("p1", "s1"), []string{"Origin", "https://evil.test"}, http.StatusForbidden, CodeForbiddenOrigin},
		{"unregistered event", "/track-event", p1, map[string]any{
			"trackingId": "checkout", "eventType": "click", "timestamp": now.Format(time.RFC3339), "projectId": "p1",
		}, nil, http.StatusNotFound, CodeEventNotRegistered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.post(t, tt.path, tt.token, tt.body, tt.headers...)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestMissingFieldsAreListed(t *testing.T) {
	f := newFixture(t, nil)
	w := f.post(t, "/track-event", f.token(t, "p1"), map[string]any{"projectId": "p1", "eventType": "click"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []string{"trackingId", "timestamp"}, decodeError(t, w).Fields)
}

func TestUsageLimitRejectsOverCap(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "capped")

	w := f.post(t, "/track", tok, pageView("capped", "s1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.post(t, "/track", tok, pageView("capped", "s1"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeUsageLimit, decodeError(t, w).Code)
}

func TestStoreFailureIs500(t *testing.T) {
	f := newFixture(t, brokenStore{memory.New()})
	w := f.post(t, "/track", f.token(t, "p1"), pageView("p1", "s1"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, CodeStoreUnavailable, decodeError(t, w).Code)
}

func TestTrackEventWithoutSession(t *testing.T) {
	f := newFixture(t, nil)
	sub, err := f.bus.Subscribe(context.Background(), "p1")
	require.NoError(t, err)
	defer sub.Close()

	w := f.post(t, "/track-event", f.token(t, "p1"), map[string]any{
		"trackingId": "signup",
		"eventType":  "submit",
		"timestamp":  now.Format(time.RFC3339),
		"projectId":  "p1",
		"metadata":   map[string]any{"plan": "pro"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	msg := <-sub.Messages()
	assert.Equal(t, core.MessageEvent, msg.Type)
	var ev core.CustomEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "pro", ev.Metadata["plan"])
	assert.Empty(t, ev.SessionID)
}

func TestTrackEventCountsTowardSession(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "p1")
	require.Equal(t, http.StatusOK, f.post(t, "/track", tok, pageView("p1", "s1")).Code)

	w := f.post(t, "/track-event", tok, map[string]any{
		"trackingId": "signup", "eventType": "submit", "timestamp": now.Format(time.RFC3339),
		"projectId": "p1", "sessionId": "s1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := f.store.GetSession(context.Background(), "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Events)
	assert.False(t, sess.Bounced())
}

func TestSessionEnd(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "p1")
	require.Equal(t, http.StatusOK, f.post(t, "/track", tok, pageView("p1", "s1")).Code)

	sub, err := f.bus.Subscribe(context.Background(), "p1")
	require.NoError(t, err)
	defer sub.Close()

	body := map[string]any{"sessionId": "s1", "projectId": "p1"}
	w := f.post(t, "/track/session-end?token="+tok, "", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"ok","ended":true}`, w.Body.String())

	msg := <-sub.Messages()
	assert.Equal(t, core.MessageSessionEnd, msg.Type)

	sess, err := f.store.GetSession(context.Background(), "p1", "s1")
	require.NoError(t, err)
	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, now, *sess.EndedAt)

	// Second delivery of the same beacon is a no-op.
	w = f.post(t, "/track/session-end", tok, body)
	assert.JSONEq(t, `{"status":"ok","ended":false}`, w.Body.String())

	w = f.post(t, "/track/session-end", tok, map[string]any{"sessionId": "nope", "projectId": "p1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","ended":false}`, w.Body.String())
}

func TestSessionEndSkipsUsageGate(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "capped")
	require.Equal(t, http.StatusOK, f.post(t, "/track", tok, pageView("capped", "s1")).Code)

	w := f.post(t, "/track/session-end", tok, map[string]any{"sessionId": "s1", "projectId": "capped"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"ok","ended":true}`, w.Body.String())
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/track-event", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.bus.Disconnect(context.Background()))

	w := f.post(t, "/track", f.token(t, "p1"), pageView("p1", "s1"))
	assert.Equal(t, http.StatusOK, w.Code)
}

type hangingPublisher struct{ calls chan struct{} }

func (p hangingPublisher) Publish(ctx context.Context, msg core.LiveEventMessage) error {
	p.calls <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestSlowBusDoesNotHoldResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(now)
	store := memory.New()
	runner := background.NewRunner(4, 0, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_ = runner.Close(ctx)
	})
	pub := hangingPublisher{calls: make(chan struct{}, 1)}
	h := NewHandler(Deps{
		Store:     store,
		Publisher: pub,
		Projects:  projects.NewTable(&core.Project{ID: "p1"}),
		Verifier:  auth.NewVerifier(signingKey, "live-analytics", clk.Now),
		Runner:    runner,
		Clock:     clk,
		Logger:    logger,
	})
	f := &fixture{
		router: NewEntrypoint("ingest", 0, h, logger).Router(),
		store:  store,
		issuer: auth.NewIssuer(signingKey, "live-analytics", clk.Now),
	}

	start := time.Now()
	w := f.post(t, "/track", f.token(t, "p1"), pageView("p1", "s1"))
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Less(t, elapsed, publishTimeout/2)
	select {
	case <-pub.calls:
	case <-time.After(time.Second):
		t.Fatal("live message was never handed to the bus")
	}
}
