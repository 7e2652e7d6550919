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

// Package memory is a process-local event store for tests and single-node
// development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bklit/bklit-sub002/pkg/core"
)

type sessionKey struct {
	projectID string
	id        string
}

type Store struct {
	mu        sync.RWMutex
	sessions  map[sessionKey]*core.Session
	pageViews []core.PageViewEvent
	events    []core.CustomEvent
	closed    bool
}

func New() *Store {
	return &Store{sessions: make(map[sessionKey]*core.Session)}
}

func (s *Store) RecordPageView(ctx context.Context, pv core.PageViewEvent) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return core.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.Session{}, core.ErrStoreClosed
	}

	s.pageViews = append(s.pageViews, pv)

	key := sessionKey{pv.ProjectID, pv.SessionID}
	sess, ok := s.sessions[key]
	if !ok {
		sess = &core.Session{
			ID:             pv.SessionID,
			ProjectID:      pv.ProjectID,
			StartedAt:      pv.Timestamp,
			LastActivityAt: pv.Timestamp,
			EntryPage:      pv.URL,
			ExitPage:       pv.URL,
			Referrer:       pv.Referrer,
			Client:         pv.Client,
		}
		s.sessions[key] = sess
	} else if !pv.Timestamp.Before(sess.LastActivityAt) {
		sess.LastActivityAt = pv.Timestamp
		sess.ExitPage = pv.URL
	}
	sess.PageViews++
	return copySession(sess), nil
}

func (s *Store) RecordEvent(ctx context.Context, ev core.CustomEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}

	s.events = append(s.events, ev)
	if ev.SessionID == "" {
		return nil
	}
	if sess, ok := s.sessions[sessionKey{ev.ProjectID, ev.SessionID}]; ok {
		sess.Events++
		if ev.Timestamp.After(sess.LastActivityAt) {
			sess.LastActivityAt = ev.Timestamp
		}
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, projectID, sessionID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, core.ErrStoreClosed
	}

	sess, ok := s.sessions[sessionKey{projectID, sessionID}]
	if !ok {
		return false, fmt.Errorf("%w: id=%s", core.ErrSessionNotFound, sessionID)
	}
	if sess.EndedAt != nil {
		return false, nil
	}
	ended := at.UTC()
	sess.EndedAt = &ended
	return true, nil
}

func (s *Store) EndIdleSession(ctx context.Context, projectID, sessionID string, idleBefore time.Time) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, core.ErrStoreClosed
	}

	sess, ok := s.sessions[sessionKey{projectID, sessionID}]
	if !ok || sess.EndedAt != nil || !sess.LastActivityAt.Before(idleBefore) {
		return time.Time{}, false, nil
	}
	ended := sess.LastActivityAt.UTC()
	sess.EndedAt = &ended
	return ended, true, nil
}

func (s *Store) GetSession(ctx context.Context, projectID, sessionID string) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return core.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionKey{projectID, sessionID}]
	if !ok {
		return core.Session{}, fmt.Errorf("%w: id=%s", core.ErrSessionNotFound, sessionID)
	}
	return copySession(sess), nil
}

func (s *Store) ListSessions(ctx context.Context, projectID string, r core.TimeRange) ([]core.Session, error) {
	return s.filter(ctx, projectID, func(sess *core.Session) bool {
		return r.Contains(sess.StartedAt)
	})
}

func (s *Store) ListStaleSessions(ctx context.Context, projectID string, idleBefore time.Time) ([]core.Session, error) {
	return s.filter(ctx, projectID, func(sess *core.Session) bool {
		return sess.EndedAt == nil && sess.LastActivityAt.Before(idleBefore)
	})
}

func (s *Store) ListProjectsWithOpenSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for key, sess := range s.sessions {
		if sess.EndedAt == nil {
			seen[key.projectID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) CountEvents(ctx context.Context, projectID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, pv := range s.pageViews {
		if pv.ProjectID == projectID && !pv.Timestamp.Before(since) {
			n++
		}
	}
	for _, ev := range s.events {
		if ev.ProjectID == projectID && !ev.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) filter(ctx context.Context, projectID string, keep func(*core.Session) bool) ([]core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Session
	for key, sess := range s.sessions {
		if key.projectID == projectID && keep(sess) {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func copySession(s *core.Session) core.Session {
	cp := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		cp.EndedAt = &ended
	}
	return cp
}
