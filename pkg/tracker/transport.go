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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transport carries tracker signals to the ingestion endpoint.
type Transport interface {
	SendPageView(ctx context.Context, pv PageView) error
	SendEvent(ctx context.Context, ev Event) error
	SendSessionEnd(ctx context.Context, end SessionEnd) error
	// Beacon delivers end on a context of its own so that it can complete
	// after the caller has gone away.
	Beacon(end SessionEnd) error
}

const DefaultBeaconTimeout = 5 * time.Second

type HTTPTransport struct {
	baseURL       string
	token         string
	userAgent     string
	client        *http.Client
	beaconTimeout time.Duration
}

// NewHTTPTransport posts to the ingestion endpoint at baseURL using token
// as the project bearer token. A nil client uses a 10s-timeout client.
func NewHTTPTransport(baseURL, token, userAgent string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		userAgent:     userAgent,
		client:        client,
		beaconTimeout: DefaultBeaconTimeout,
	}
}

func (h *HTTPTransport) SendPageView(ctx context.Context, pv PageView) error {
	return h.post(ctx, "/track", pv, true)
}

func (h *HTTPTransport) SendEvent(ctx context.Context, ev Event) error {
	return h.post(ctx, "/track-event", ev, true)
}

func (h *HTTPTransport) SendSessionEnd(ctx context.Context, end SessionEnd) error {
	return h.post(ctx, "/track/session-end", end, true)
}

// Beacon sends the token as a query parameter, the only place a page
// unload beacon can carry it.
func (h *HTTPTransport) Beacon(end SessionEnd) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.beaconTimeout)
	defer cancel()
	return h.post(ctx, "/track/session-end?token="+url.QueryEscape(h.token), end, false)
}

func (h *HTTPTransport) post(ctx context.Context, path string, body any, bearer bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	if bearer {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", strings.SplitN(path, "?", 2)[0], err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", strings.SplitN(path, "?", 2)[0], resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
