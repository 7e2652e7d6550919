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

package sse

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
)

const DefaultHeartbeat = 30 * time.Second

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

// Entrypoint streams a project's live feed to dashboards as server-sent
// events on GET /live-stream?projectId=.
type Entrypoint struct {
	name       string
	port       int
	heartbeat  time.Duration
	bufferSize int
	registry   *fanout.Registry
	verifier   core.TokenVerifier
	clock      clock.Clock
	server     *http.Server
	logger     *slog.Logger
	packetLog  *logging.PacketLogger
	clients    sync.Map
}

// New builds the gateway. A nil registry means the live feed is disabled
// and every stream request is answered with 503.
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
		registry:   registry,
		verifier:   opts.Verifier,
		clock:      clock.OrReal(opts.Clock),
		logger:     opts.Logger,
		packetLog:  opts.PacketLog,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "sse" }

func (e *Entrypoint) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/live-stream", e.handleStream)
	return mux
}

func (e *Entrypoint) Start(ctx context.Context) error {
	e.server = &http.Server{Addr: fmt.Sprintf(":%d", e.port), Handler: e.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("sse entrypoint starting", "name", e.name, "port", e.port)
	if err := e.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop ends every open stream before shutting the server down; streaming
// handlers would otherwise hold Shutdown until its deadline.
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

func (e *Entrypoint) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}
	if e.verifier != nil {
		if err := e.verifier.Verify(auth.FromRequest(r), projectID); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}
	if e.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(r.Context())
	clientID := uuid.New().String()
	e.clients.Store(clientID, cancel)
	defer func() {
		cancel()
		e.clients.Delete(clientID)
		e.logger.Info("sse client disconnected", "client_id", clientID, "project_id", projectID)
	}()

	frames := make(chan core.LiveEventMessage, e.bufferSize)
	push := func(msg core.LiveEventMessage) {
		select {
		case frames <- msg:
		default:
			e.logger.Warn("sse client buffer full, dropping message", "client_id", clientID, "type", msg.Type)
		}
	}

	// Callbacks for one key run serialized, so up needs no lock.
	up := false
	release := e.registry.Acquire(projectID, fanout.Listener{
		OnMessage: func(msg core.LiveEventMessage) {
			if msg.ProjectID != projectID {
				return
			}
			push(msg)
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

	ticker := e.clock.NewTicker(e.heartbeat)
	defer ticker.Stop()

	e.logger.Info("sse client connected", "client_id", clientID, "project_id", projectID)
	hello := core.LiveEventMessage{Type: core.MessageConnected, ProjectID: projectID, Timestamp: e.clock.Now().UTC()}
	if err := e.writeFrame(w, flusher, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-frames:
			if err := e.writeFrame(w, flusher, msg); err != nil {
				e.logger.Debug("sse write failed", "client_id", clientID, "error", err)
				return
			}
			e.packetLog.Log(msg, e.name, "downstream")
		case now := <-ticker.C:
			beat := core.LiveEventMessage{Type: core.MessageHeartbeat, Timestamp: now.UTC()}
			if err := e.writeFrame(w, flusher, beat); err != nil {
				return
			}
		}
	}
}

func (e *Entrypoint) writeFrame(w http.ResponseWriter, flusher http.Flusher, msg core.LiveEventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.Error("marshal sse frame failed", "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
