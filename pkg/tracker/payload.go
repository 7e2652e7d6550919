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
	"net/url"
	"time"
)

// PageView is the body posted to /track.
type PageView struct {
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

// Event is the body posted to /track-event.
type Event struct {
	TrackingID string         `json:"trackingId"`
	EventType  string         `json:"eventType"`
	Timestamp  time.Time      `json:"timestamp"`
	ProjectID  string         `json:"projectId"`
	SessionID  string         `json:"sessionId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionEnd is the body posted to /track/session-end.
type SessionEnd struct {
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
}

// withUTM copies the utm_* query parameters of rawURL onto pv.
func (pv *PageView) withUTM(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	q := u.Query()
	pv.UTMSource = q.Get("utm_source")
	pv.UTMMedium = q.Get("utm_medium")
	pv.UTMCampaign = q.Get("utm_campaign")
	pv.UTMTerm = q.Get("utm_term")
	pv.UTMContent = q.Get("utm_content")
}
