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

// Package dashboard is the consuming side of the live feed. A Client keeps
// one WebSocket per project open no matter how many views listen to it.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/bklit/bklit-sub002/internal/fanout"
	"github.com/bklit/bklit-sub002/internal/logging"
	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/gorilla/websocket"
)

const DefaultHeartbeat = 30 * time.Second

type Options struct {
	// BaseURL is the WebSocket gateway root, e.g. ws://live.example:8082.
	BaseURL        string
	Token          string
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	BufferSize     int
	Dialer         *websocket.Dialer
	Clock          clock.Clock
	Logger         *slog.Logger
	PacketLog      *logging.PacketLogger
}

type Client struct {
	registry *fanout.Registry
	logger   *slog.Logger
}

func New(opts Options) *Client {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = core.DefaultStreamSize
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "dashboard")
	src := &wsSource{
		base:       strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		heartbeat:  opts.Heartbeat,
		bufferSize: opts.BufferSize,
		dialer:     opts.Dialer,
		logger:     logger,
	}
	return &Client{
		registry: fanout.NewRegistry(src, fanout.Options{
			Name:           "dashboard",
			ReconnectDelay: opts.ReconnectDelay,
			Clock:          opts.Clock,
			Logger:         logger,
			PacketLog:      opts.PacketLog,
		}),
		logger: logger,
	}
}

// Subscribe registers a listener for projectID. onMessage only sees
// messages of msgType; an empty msgType passes every activity message and
// gateway error frames. onConnectivity, when set, receives the current
// state before Subscribe returns and every change after it. The returned
// release is idempotent; no callback runs after it returns.
func (c *Client) Subscribe(projectID string, msgType core.MessageType, onMessage func(core.LiveEventMessage), onConnectivity func(connected bool)) (release func()) {
	return c.registry.Acquire(projectID, fanout.Listener{
		OnMessage: func(msg core.LiveEventMessage) {
			if onMessage != nil && matches(msgType, msg.Type) {
				onMessage(msg)
			}
		},
		OnConnectivity: onConnectivity,
	})
}

func matches(want, got core.MessageType) bool {
	if got == core.MessageConnected || got == core.MessageHeartbeat {
		return false
	}
	return want == "" || want == got
}

// Stats reports the shared socket behind projectID.
func (c *Client) Stats(projectID string) (fanout.Stats, bool) {
	return c.registry.Stats(projectID)
}

// Close drops every socket without notifying listeners.
func (c *Client) Close() {
	c.registry.Close()
}

type wsSource struct {
	base       string
	token      string
	heartbeat  time.Duration
	bufferSize int
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

func (s *wsSource) Subscribe(ctx context.Context, projectID string) (core.Subscription, error) {
	target := s.base + "/dashboard?projectId=" + url.QueryEscape(projectID)
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", target, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	stream := core.NewStream(s.bufferSize, func() error {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	})
	go s.read(conn, stream, projectID)
	return stream, nil
}

// read feeds stream until the socket fails. The gateway pings every
// heartbeat, so two missed heartbeats mean the link is dead.
func (s *wsSource) read(conn *websocket.Conn, stream *core.Stream, projectID string) {
	deadline := 2 * s.heartbeat
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(deadline))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			stream.Fail(fmt.Errorf("%w: %v", core.ErrSubscriptionLost, err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		var msg core.LiveEventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("undecodable dashboard frame", "project_id", projectID, "error", err)
			continue
		}
		if !stream.Push(msg) {
			s.logger.Warn("dashboard buffer full, dropping message", "project_id", projectID, "type", msg.Type)
		}
	}
}
