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

// Package storetest holds the behavioural checks every core.EventStore
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var Base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func PageView(projectID, sessionID, url string, at time.Time) core.PageViewEvent {
	return core.PageViewEvent{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		SessionID: sessionID,
		URL:       url,
		Referrer:  "https://news.example",
		Client:    core.Client{UserAgent: "Mozilla/5.0", DeviceType: "desktop", Country: "LK"},
		Timestamp: at,
	}
}

func Event(projectID, sessionID, trackingID string, at time.Time) core.CustomEvent {
	return core.CustomEvent{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		SessionID:  sessionID,
		TrackingID: trackingID,
		EventType:  "click",
		Metadata:   map[string]any{"plan": "pro"},
		Timestamp:  at,
	}
}

// Run exercises open(t) against the store contract. Each subtest gets a
// fresh store.
func Run(t *testing.T, open func(t *testing.T) core.EventStore) {
	t.Run("PageViewCreatesAndAdvancesSession", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		sess, err := s.RecordPageView(ctx, PageView("p1", "s1", "/", Base))
		require.NoError(t, err)
		assert.Equal(t, "/", sess.EntryPage)
		assert.Equal(t, 1, sess.PageViews)
		assert.True(t, sess.StartedAt.Equal(Base))

		sess, err = s.RecordPageView(ctx, PageView("p1", "s1", "/pricing", Base.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, "/", sess.EntryPage)
		assert.Equal(t, "/pricing", sess.ExitPage)
		assert.Equal(t, 2, sess.PageViews)
		assert.True(t, sess.LastActivityAt.Equal(Base.Add(time.Minute)))
		assert.False(t, sess.Ended())
	})

	t.Run("EventTouchesSession", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.RecordPageView(ctx, PageView("p1", "s1", "/", Base))
		require.NoError(t, err)
		require.NoError(t, s.RecordEvent(ctx, Event("p1", "s1", "signup", Base.Add(2*time.Minute))))
		require.NoError(t, s.RecordEvent(ctx, Event("p1", "", "signup", Base.Add(3*time.Minute))))

		sess, err := s.GetSession(ctx, "p1", "s1")
		require.NoError(t, err)
		assert.Equal(t, 1, sess.Events)
		assert.True(t, sess.LastActivityAt.Equal(Base.Add(2*time.Minute)))
	})

	t.Run("EndSessionIsTerminal", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.RecordPageView(ctx, PageView("p1", "s1", "/", Base))
		require.NoError(t, err)

		ended, err := s.EndSession(ctx, "p1", "s1", Base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ended)

		ended, err = s.EndSession(ctx, "p1", "s1", Base.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ended)

		sess, err := s.GetSession(ctx, "p1", "s1")
		require.NoError(t, err)
		require.NotNil(t, sess.EndedAt)
		assert.True(t, sess.EndedAt.Equal(Base.Add(time.Minute)))

		_, err = s.EndSession(ctx, "p1", "missing", Base)
		assert.ErrorIs(t, err, core.ErrSessionNotFound)
		_, err = s.GetSession(ctx, "p2", "s1")
		assert.ErrorIs(t, err, core.ErrSessionNotFound)
	})

	t.Run("ConcurrentEndsSetEndedAtOnce", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.RecordPageView(ctx, PageView("p1", "s1", "/", Base))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.EndSession(ctx, "p1", "s1", Base.Add(time.Duration(i+1)*time.Second))
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ListSessionsByRangeAndProject", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		for i, id := range []string{"a", "b", "c"} {
			_, err := s.RecordPageView(ctx, PageView("p1", id, "/", Base.Add(time.Duration(i)*time.Hour)))
			require.NoError(t, err)
		}
		_, err := s.RecordPageView(ctx, PageView("p2", "x", "/", Base))
		require.NoError(t, err)

		got, err := s.ListSessions(ctx, "p1", core.TimeRange{From: Base, To: Base.Add(2 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].ID)
		assert.Equal(t, "a", got[1].ID)

		all, err := s.ListSessions(ctx, "p1", core.TimeRange{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("ListStaleSessions", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.RecordPageView(ctx, PageView("p1", "idle", "/", Base))
		require.NoError(t, err)
		_, err = s.RecordPageView(ctx, PageView("p1", "fresh", "/", Base.Add(40*time.Minute)))
		require.NoError(t, err)
		_, err = s.RecordPageView(ctx, PageView("p1", "closed", "/", Base))
		require.NoError(t, err)
		_, err = s.EndSession(ctx, "p1", "closed", Base.Add(time.Minute))
		require.NoError(t, err)

		stale, err := s.ListStaleSessions(ctx, "p1", Base.Add(10*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "idle", stale[0].ID)

		projects, err := s.ListProjectsWithOpenSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, projects)
	})

	t.Run("EndIdleSessionYieldsToNewActivity", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		cutoff := Base.Add(30 * time.Minute)

		_, err := s.RecordPageView(ctx, PageView("p1", "idle", "/", Base))
		require.NoError(t, err)
		_, err = s.RecordPageView(ctx, PageView("p1", "back", "/", Base))
		require.NoError(t, err)
		_, err = s.RecordPageView(ctx, PageView("p1", "back", "/again", cutoff.Add(time.Minute)))
		require.NoError(t, err)

		endedAt, ended, err := s.EndIdleSession(ctx, "p1", "idle", cutoff)
		require.NoError(t, err)
		assert.True(t, ended)
		assert.True(t, endedAt.Equal(Base), endedAt)

		_, ended, err = s.EndIdleSession(ctx, "p1", "idle", cutoff)
		require.NoError(t, err)
		assert.False(t, ended)

		_, ended, err = s.EndIdleSession(ctx, "p1", "back", cutoff)
		require.NoError(t, err)
		assert.False(t, ended)
		sess, err := s.GetSession(ctx, "p1", "back")
		require.NoError(t, err)
		assert.False(t, sess.Ended())
	})

	t.Run("CountEventsSince", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.RecordPageView(ctx, PageView("p1", "s1", "/", Base.Add(-time.Hour)))
		require.NoError(t, err)
		_, err = s.RecordPageView(ctx, PageView("p1", "s1", "/a", Base))
		require.NoError(t, err)
		require.NoError(t, s.RecordEvent(ctx, Event("p1", "s1", "signup", Base.Add(time.Minute))))
		_, err = s.RecordPageView(ctx, PageView("p2", "s2", "/", Base))
		require.NoError(t, err)

		n, err := s.CountEvents(ctx, "p1", Base)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("ClosedStoreRejectsWrites", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())
		_, err := s.RecordPageView(context.Background(), PageView("p1", "s1", "/", Base))
		assert.Error(t, err)
	})
}
