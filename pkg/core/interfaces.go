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

package core

import (
	"context"
	"time"
)

type Entrypoint interface {
	Name() string
	Type() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Bus is the live fan-out channel. Delivery is at-most-once and nothing is
// retained for subscribers that arrive after a publish.
type Bus interface {
	Name() string
	Type() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, msg LiveEventMessage) error
	Subscribe(ctx context.Context, projectID string) (Subscription, error)
}

// Subscription is one upstream interest in a project's messages. Done is
// closed when the subscription fails or is closed; Err reports why.
type Subscription interface {
	Messages() <-chan LiveEventMessage
	Done() <-chan struct{}
	Err() error
	Close() error
}

type EventStore interface {
	// RecordPageView appends the pageview and creates or advances its
	// session. The returned session reflects the write.
	RecordPageView(ctx context.Context, pv PageViewEvent) (Session, error)
	RecordEvent(ctx context.Context, ev CustomEvent) error
	// EndSession sets ended-at once. It reports false when the session
	// had already ended.
	EndSession(ctx context.Context, projectID, sessionID string, at time.Time) (bool, error)
	// EndIdleSession ends an open session at its own last activity, but
	// only while that activity is still before idleBefore. It returns the
	// end time and whether this call ended the session.
	EndIdleSession(ctx context.Context, projectID, sessionID string, idleBefore time.Time) (time.Time, bool, error)
	GetSession(ctx context.Context, projectID, sessionID string) (Session, error)
	ListSessions(ctx context.Context, projectID string, r TimeRange) ([]Session, error)
	ListStaleSessions(ctx context.Context, projectID string, idleBefore time.Time) ([]Session, error)
	ListProjectsWithOpenSessions(ctx context.Context) ([]string, error)
	CountEvents(ctx context.Context, projectID string, since time.Time) (int, error)
	Close() error
}

// TokenVerifier checks a bearer token against the project it claims.
type TokenVerifier interface {
	Verify(raw, projectID string) error
}

// Publisher is the narrow side of Bus used by ingestion.
type Publisher interface {
	Publish(ctx context.Context, msg LiveEventMessage) error
}
