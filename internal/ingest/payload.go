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
	"strings"
	"time"

	"github.com/bklit/bklit-sub002/pkg/core"
)

// PageViewRequest is the body of POST /track.
type PageViewRequest struct {
	URL         string    `json:"url"`
	Timestamp   time.Time `json:"timestamp"`
	ProjectID   string    `json:"projectId"`
	SessionID   string    `json:"sessionId"`
	UserAgent   string    `json:"userAgent"`
	Referrer    string    `json:"referrer,omitempty"`
	UTMSource   string    `json:"utmSource,omitempty"`
	UTMMedium   string    `json:"utmMedium,omitempty"`
	UTMCampaign string    `json:"utmCampaign,omitempty"`
	UTMTerm     string    `json:"utmTerm,omitempty"`
	UTMContent  string    `json:"utmContent,omitempty"`
}

func (r PageViewRequest) missing() []string {
	return collect(
		field{"url", r.URL},
		field{"timestamp", stamp(r.Timestamp)},
		field{"projectId", r.ProjectID},
		field{"sessionId", r.SessionID},
		field{"userAgent", r.UserAgent},
	)
}

func (r PageViewRequest) utm() core.UTM {
	return core.UTM{
		Source:   r.UTMSource,
		Medium:   r.UTMMedium,
		Campaign: r.UTMCampaign,
		Term:     r.UTMTerm,
		Content:  r.UTMContent,
	}
}

// EventRequest is the body of POST /track-event.
type EventRequest struct {
	TrackingID string         `json:"trackingId"`
	EventType  string         `json:"eventType"`
	Timestamp  time.Time      `json:"timestamp"`
	ProjectID  string         `json:"projectId"`
	SessionID  string         `json:"sessionId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (r EventRequest) missing() []string {
	return collect(
		field{"trackingId", r.TrackingID},
		field{"eventType", r.EventType},
		field{"timestamp", stamp(r.Timestamp)},
		field{"projectId", r.ProjectID},
	)
}

// SessionEndRequest is the body of POST /track/session-end.
type SessionEndRequest struct {
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
}

func (r SessionEndRequest) missing() []string {
	return collect(
		field{"sessionId", r.SessionID},
		field{"projectId", r.ProjectID},
	)
}

type field struct {
	name  string
	value string
}

func collect(fields ...field) []string {
	var out []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			out = append(out, f.name)
		}
	}
	return out
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return "set"
}
