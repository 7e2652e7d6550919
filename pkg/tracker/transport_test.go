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

package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []map[string]any
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.requests = append(c.requests, r)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"invalid_token","message":"token expired"}`))
	}
}

func TestHTTPTransportPostsWithBearer(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", "tok", "agent/1.0", nil)
	ctx := context.Background()
	require.NoError(t, tr.SendPageView(ctx, PageView{URL: "/a", ProjectID: "p1", SessionID: "s1", Timestamp: time.Now()}))
	require.NoError(t, tr.SendEvent(ctx, Event{TrackingID: "signup", ProjectID: "p1"}))
	require.NoError(t, tr.SendSessionEnd(ctx, SessionEnd{SessionID: "s1", ProjectID: "p1"}))

	require.Len(t, c.requests, 3)
	paths := []string{"/track", "/track-event", "/track/session-end"}
	for i, r := range c.requests {
		assert.Equal(t, paths[i], r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "agent/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	}
	assert.Equal(t, "s1", c.bodies[0]["sessionId"])
	assert.Equal(t, "signup", c.bodies[1]["trackingId"])
}

func TestHTTPTransportBeaconUsesQueryToken(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "a b", "", nil)
	require.NoError(t, tr.Beacon(SessionEnd{SessionID: "s1", ProjectID: "p1"}))

	require.Len(t, c.requests, 1)
	r := c.requests[0]
	assert.Equal(t, "/track/session-end", r.URL.Path)
	assert.Equal(t, "a b", r.URL.Query().Get("token"))
	assert.Empty(t, r.Header.Get("Authorization"))
}

func TestHTTPTransportReportsStatus(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusUnauthorized))
	defer srv.Close()

	err := NewHTTPTransport(srv.URL, "tok", "", nil).SendEvent(context.Background(), Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "token expired")
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tracker.json")
	s := NewFileStorage(path)

	_, ok, err := s.Get(SessionKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(SessionKey, "abc"))
	require.NoError(t, s.Set("other", "x"))

	reopened := NewFileStorage(path)
	v, ok, err := reopened.Get(SessionKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	require.NoError(t, reopened.Delete(SessionKey))
	require.NoError(t, reopened.Delete("missing"))
	_, ok, _ = s.Get(SessionKey)
	assert.False(t, ok)
	v, _, _ = s.Get("other")
	assert.Equal(t, "x", v)
}
