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

// Package sqlite persists sessions, pageviews and custom events in a
// single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bklit/bklit-sub002/internal/store/sqlite/migrations"
	"github.com/bklit/bklit-sub002/pkg/core"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens the database at path and applies the embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps the ended_at guard and the session upsert serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) RecordPageView(ctx context.Context, pv core.PageViewEvent) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return core.Session{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Session{}, fmt.Errorf("begin pageview: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := toMillis(pv.Timestamp)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO page_views (
		   id, project_id, session_id, url, referrer,
		   utm_source, utm_medium, utm_campaign, utm_term, utm_content,
		   occurred_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pv.ID, pv.ProjectID, pv.SessionID, pv.URL, pv.Referrer,
		pv.UTM.Source, pv.UTM.Medium, pv.UTM.Campaign, pv.UTM.Term, pv.UTM.Content,
		at,
	); err != nil {
		return core.Session{}, fmt.Errorf("insert pageview: %w", err)
	}

	c := pv.Client
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (
		   project_id, id, started_at, last_activity_at, entry_page, exit_page,
		   referrer, user_agent, device_type, browser, os, country, city, visitor_id,
		   page_views
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT (project_id, id) DO UPDATE SET
		   page_views = sessions.page_views + 1,
		   exit_page = CASE WHEN excluded.last_activity_at >= sessions.last_activity_at
		                    THEN excluded.exit_page ELSE sessions.exit_page END,
		   last_activity_at = MAX(sessions.last_activity_at, excluded.last_activity_at)`,
		pv.ProjectID, pv.SessionID, at, at, pv.URL, pv.URL,
		pv.Referrer, c.UserAgent, c.DeviceType, c.Browser, c.OS, c.Country, c.City, c.VisitorID,
	); err != nil {
		return core.Session{}, fmt.Errorf("upsert session: %w", err)
	}

	sess, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE project_id = ? AND id = ?`, pv.ProjectID, pv.SessionID))
	if err != nil {
		return core.Session{}, fmt.Errorf("read session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Session{}, fmt.Errorf("commit pageview: %w", err)
	}
	return sess, nil
}

func (s *Store) RecordEvent(ctx context.Context, ev core.CustomEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metadata := []byte("{}")
	if len(ev.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(ev.Metadata); err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := toMillis(ev.Timestamp)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO custom_events (id, project_id, session_id, tracking_id, event_type, metadata_json, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProjectID, ev.SessionID, ev.TrackingID, ev.EventType, string(metadata), at,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if ev.SessionID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET events = events + 1, last_activity_at = MAX(last_activity_at, ?)
			 WHERE project_id = ? AND id = ?`,
			at, ev.ProjectID, ev.SessionID,
		); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, projectID, sessionID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE project_id = ? AND id = ? AND ended_at IS NULL`,
		toMillis(at), projectID, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var found int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE project_id = ? AND id = ?`, projectID, sessionID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: id=%s", core.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return false, fmt.Errorf("end session lookup: %w", err)
	}
	return false, nil
}

func (s *Store) EndIdleSession(ctx context.Context, projectID, sessionID string, idleBefore time.Time) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	var endedAt int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE sessions SET ended_at = last_activity_at
		 WHERE project_id = ? AND id = ? AND ended_at IS NULL AND last_activity_at < ?
		 RETURNING ended_at`,
		projectID, sessionID, toMillis(idleBefore),
	).Scan(&endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("end idle session: %w", err)
	}
	return fromMillis(endedAt), true, nil
}

func (s *Store) GetSession(ctx context.Context, projectID, sessionID string) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return core.Session{}, err
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx, selectSession+` WHERE project_id = ? AND id = ?`, projectID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, fmt.Errorf("%w: id=%s", core.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, projectID string, r core.TimeRange) ([]core.Session, error) {
	query := selectSession + ` WHERE project_id = ?`
	args := []any{projectID}
	if !r.From.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, toMillis(r.From))
	}
	if !r.To.IsZero() {
		query += ` AND started_at < ?`
		args = append(args, toMillis(r.To))
	}
	query += ` ORDER BY started_at DESC, id ASC`
	return s.list(ctx, query, args...)
}

func (s *Store) ListStaleSessions(ctx context.Context, projectID string, idleBefore time.Time) ([]core.Session, error) {
	return s.list(ctx,
		selectSession+` WHERE project_id = ? AND ended_at IS NULL AND last_activity_at < ? ORDER BY started_at DESC, id ASC`,
		projectID, toMillis(idleBefore),
	)
}

func (s *Store) ListProjectsWithOpenSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM sessions WHERE ended_at IS NULL ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list open projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context, projectID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM page_views WHERE project_id = ? AND occurred_at >= ?) +
		   (SELECT COUNT(*) FROM custom_events WHERE project_id = ? AND occurred_at >= ?)`,
		projectID, toMillis(since), projectID, toMillis(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

const selectSession = `SELECT project_id, id, started_at, ended_at, last_activity_at, entry_page, exit_page,
  referrer, user_agent, device_type, browser, os, country, city, visitor_id, page_views, events
FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (core.Session, error) {
	var (
		sess                  core.Session
		started, lastActivity int64
		ended                 sql.NullInt64
	)
	err := row.Scan(
		&sess.ProjectID, &sess.ID, &started, &ended, &lastActivity, &sess.EntryPage, &sess.ExitPage,
		&sess.Referrer, &sess.Client.UserAgent, &sess.Client.DeviceType, &sess.Client.Browser,
		&sess.Client.OS, &sess.Client.Country, &sess.Client.City, &sess.Client.VisitorID,
		&sess.PageViews, &sess.Events,
	)
	if err != nil {
		return core.Session{}, err
	}
	sess.StartedAt = fromMillis(started)
	sess.LastActivityAt = fromMillis(lastActivity)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		sess.EndedAt = &t
	}
	return sess, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
