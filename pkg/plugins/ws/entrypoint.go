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

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bklit/bklit-sub002/internal/auth"
	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/bklit/bklit-sub002/internal/fanout"
	"github.com/bklit/bklit-sub002/internal/logging"
	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultHeartbeat = 30 * time.Second
	writeWait        = 10 * time.Second
)

type Options struct {
	Name       string
	Port       int
	Heartbeat  time.Duration
	BufferSize int
	// Verifier, when set, requires a project token on every connection,
	// as an Authorization bearer or a token query parameter.
	Verifier   core.TokenVerifier
	Clock      clock.Clock
	Logger     *slog.Logger
	PacketLog  *logging.PacketLogger
}

// Entrypoint pushes a project's live feed over WebSocket on
// GET /dashboard?projectId=.
type Entrypoint struct {
	name       string
	port       int
	heartbeat  time.Duration
	bufferSize int
	upgrader   websocket.Upgrader
	registry   *fanout.Registry
	verifier   core.TokenVerifier
	clock      clock.Clock
	server     *http.Server
	logger     *slog.Logger
	packetLog  *logging.PacketLogger
	clients    sync.Map
}

func New(opts Options, registry *fanout.Registry) *Entrypoint {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = core.DefaultStreamSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Entrypoint{
		name:       opts.Name,
		port:       opts.Port,
		heartbeat:  opts.Heartbeat,
		bufferSize: opts.BufferSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry:  registry,
		verifier:  opts.Verifier,
		clock:     clock.OrReal(opts.Clock),
		logger:    opts.Logger,
		packetLog: opts.PacketLog,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "websocket" }

func (e *Entrypoint) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/dashboard", e.handleConnection)
	return mux
}

func (e *Entrypoint) Start(ctx context.Context) error {
	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.port),
		Handler: e.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("websocket entrypoint starting", "name", e.name, "port", e.port)
	if err := e.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	e.clients.Range(func(_, val any) bool {
		val.(context.CancelFunc)()
		return true
	})
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

func (e *Entrypoint) handleConnection(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}
	if e.verifier != nil {
		if err := e.verifier.Verify(auth.FromRequest(r), projectID); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}
	if e.registry == nil {
		http.Error(w, "live feed is not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("ws upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	clientID := uuid.New().String()
	e.clients.Store(clientID, cancel)
	defer func() {
		cancel()
		conn.Close()
		e.clients.Delete(clientID)
		e.logger.Info("ws client disconnected", "client_id", clientID, "project_id", projectID)
	}()

	frames := make(chan core.LiveEventMessage, e.bufferSize)
	push := func(msg core.LiveEventMessage) {
		select {
		case frames <- msg:
		default:
			e.logger.Warn("ws client buffer full, dropping message", "client_id", clientID, "type", msg.Type)
		}
	}

	up := false
	release := e.registry.Acquire(projectID, fanout.Listener{
		OnMessage: func(msg core.LiveEventMessage) {
			if msg.ProjectID == projectID {
				push(msg)
			}
		},
		OnConnectivity: func(connected bool) {
			if up && !connected {
				push(core.LiveEventMessage{
					Type:      core.MessageError,
					ProjectID: projectID,
					Timestamp: e.clock.Now().UTC(),
					Message:   "live feed interrupted, reconnecting",
				})
			}
			up = connected
		},
	})
	defer release()

	e.logger.Info("ws client connected", "client_id", clientID, "project_id", projectID)
	go e.readLoop(conn, cancel, clientID)
	e.writeLoop(ctx, conn, frames, projectID, clientID)
}

// readLoop drains client frames so control messages are processed and a
// closed socket is noticed. Dashboards send nothing meaningful.
func (e *Entrypoint) readLoop(conn *websocket.Conn, cancel context.CancelFunc, clientID string) {
	defer cancel()
	pongWait := 2 * e.heartbeat
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Warn("ws read error", "client_id", clientID, "error", err)
			}
			return
		}
	}
}

// writeLoop owns every write on conn.
func (e *Entrypoint) writeLoop(ctx context.Context, conn *websocket.Conn, frames <-chan core.LiveEventMessage, projectID, clientID string) {
	ticker := e.clock.NewTicker(e.heartbeat)
	defer ticker.Stop()

	hello := core.LiveEventMessage{Type: core.MessageConnected, ProjectID: projectID, Timestamp: e.clock.Now().UTC()}
	if err := e.writeJSON(conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-frames:
			if err := e.writeJSON(conn, msg); err != nil {
				e.logger.Debug("ws write failed", "client_id", clientID, "error", err)
				return
			}
			e.packetLog.Log(msg, e.name, "downstream")
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				e.logger.Debug("ws ping failed", "client_id", clientID, "error", err)
				return
			}
		}
	}
}

func (e *Entrypoint) writeJSON(conn *websocket.Conn, msg core.LiveEventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.Error("marshal ws frame failed", "error", err)
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
