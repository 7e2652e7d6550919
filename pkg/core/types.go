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
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

type MessageType string

const (
	MessageConnected  MessageType = "connected"
	MessageHeartbeat  MessageType = "heartbeat"
	MessageError      MessageType = "error"
	MessagePageView   MessageType = "pageview"
	MessageEvent      MessageType = "event"
	MessageSessionEnd MessageType = "session_end"
)

// LiveEventMessage is the envelope carried by the bus and pushed to
// dashboards. It is never persisted.
type LiveEventMessage struct {
	Type      MessageType     `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func NewLiveEventMessage(typ MessageType, projectID string, at time.Time, data any) (LiveEventMessage, error) {
	msg := LiveEventMessage{Type: typ, ProjectID: projectID, Timestamp: at.UTC()}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return LiveEventMessage{}, err
	}
	msg.Data = raw
	return msg, nil
}

// IsControl reports whether the message is produced by a gateway rather
// than carried on the bus.
func (m LiveEventMessage) IsControl() bool {
	return m.Type == MessageConnected || m.Type == MessageHeartbeat || m.Type == MessageError
}

type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`
}

type Client struct {
	UserAgent  string `json:"userAgent,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
	VisitorID  string `json:"visitorId,omitempty"`
}

type PageViewEvent struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	SessionID string    `json:"sessionId"`
	URL       string    `json:"url"`
	Referrer  string    `json:"referrer,omitempty"`
	UTM       UTM       `json:"utm"`
	Client    Client    `json:"client"`
	Timestamp time.Time `json:"timestamp"`
}

type CustomEvent struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	SessionID  string         `json:"sessionId,omitempty"`
	TrackingID string         `json:"trackingId"`
	EventType  string         `json:"eventType"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type Session struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"projectId"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EntryPage      string     `json:"entryPage"`
	ExitPage       string     `json:"exitPage"`
	Referrer       string     `json:"referrer,omitempty"`
	Client         Client     `json:"client"`
	PageViews      int        `json:"pageViews"`
	Events         int        `json:"events"`
}

func (s Session) Ended() bool { return s.EndedAt != nil }

// Duration is measured to the end timestamp, or to the last recorded
// activity while the session is still open.
func (s Session) Duration() time.Duration {
	end := s.LastActivityAt
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

func (s Session) Bounced() bool {
	return s.PageViews == 1 && s.Events == 0
}

type SessionEnd struct {
	SessionID string    `json:"sessionId"`
	ProjectID string    `json:"projectId"`
	EndedAt   time.Time `json:"endedAt"`
	Reason    string    `json:"reason,omitempty"`
}

type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

type SessionSummary struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"startedAt"`
	EntryPage       string    `json:"entryPage"`
	ExitPage        string    `json:"exitPage"`
	PageViews       int       `json:"pageViews"`
	Events          int       `json:"events"`
	DurationSeconds float64   `json:"durationSeconds"`
	Bounced         bool      `json:"bounced"`
	Ended           bool      `json:"ended"`
	Live            bool      `json:"live"`
}

type SessionAnalytics struct {
	ProjectID     string           `json:"projectId"`
	TotalSessions int              `json:"totalSessions"`
	BouncedCount  int              `json:"bouncedSessions"`
	BounceRate    float64          `json:"bounceRate"`
	AvgDuration   float64          `json:"avgDurationSeconds"`
	AvgPageViews  float64          `json:"avgPageViews"`
	LiveSessions  int              `json:"liveSessions"`
	Sessions      []SessionSummary `json:"sessions"`
}

type Project struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	AllowedDomains    []string `yaml:"allowed_domains"`
	Events            []string `yaml:"events"`
	MonthlyEventLimit int      `yaml:"monthly_event_limit"`
}

// AllowsOrigin matches the origin host against the allowed domains,
// subdomains included. An empty allow-list or an absent Origin header
// passes.
func (p *Project) AllowsOrigin(origin string) bool {
	if len(p.AllowedDomains) == 0 || origin == "" {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)
	for _, d := range p.AllowedDomains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "*."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (p *Project) HasEvent(trackingID string) bool {
	for _, e := range p.Events {
		if e == trackingID {
			return true
		}
	}
	return false
}
