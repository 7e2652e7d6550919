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

package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bklit/bklit-sub002/internal/auth"
	"github.com/bklit/bklit-sub002/internal/projects"
	"github.com/bklit/bklit-sub002/pkg/core"
	"github.com/gin-gonic/gin"
)

// DefaultRange is the window served when a query names no bounds.
const DefaultRange = 24 * time.Hour

// Entrypoint serves the aggregate queries dashboards poll while the live
// feed is degraded.
type Entrypoint struct {
	name       string
	port       int
	aggregator *Aggregator
	projects   *projects.Table
	verifier   *auth.Verifier
	server     *http.Server
	logger     *slog.Logger
}

func NewEntrypoint(name string, port int, aggregator *Aggregator, table *projects.Table, verifier *auth.Verifier, logger *slog.Logger) *Entrypoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Entrypoint{
		name:       name,
		port:       port,
		aggregator: aggregator,
		projects:   table,
		verifier:   verifier,
		logger:     logger,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "analytics" }

func (e *Entrypoint) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	group := router.Group("/analytics", e.authorize)
	group.GET("/sessions", e.getSessions)
	group.POST("/sessions/cleanup", e.cleanup)
	return router
}

func (e *Entrypoint) Start(ctx context.Context) error {
	e.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", e.port),
		Handler:           e.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("analytics entrypoint starting", "name", e.name, "port", e.port)
	if err := e.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

func (e *Entrypoint) authorize(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID == "" {
		abort(c, http.StatusBadRequest, "missing_fields", "projectId is required")
		return
	}
	if err := e.verifier.Verify(auth.FromRequest(c.Request), projectID); err != nil {
		abort(c, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}
	if _, err := e.projects.Get(projectID); err != nil {
		abort(c, http.StatusNotFound, "unknown_project", err.Error())
		return
	}
	c.Set("projectId", projectID)
	c.Next()
}

func (e *Entrypoint) getSessions(c *gin.Context) {
	projectID := c.GetString("projectId")
	r, err := parseRange(c, e.aggregator.clock.Now())
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}
	result, err := e.aggregator.SessionAnalytics(c.Request.Context(), projectID, r)
	if err != nil {
		e.logger.Error("session analytics failed", "project_id", projectID, "error", err)
		abort(c, http.StatusInternalServerError, "store_unavailable", "sessions could not be read")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (e *Entrypoint) cleanup(c *gin.Context) {
	projectID := c.GetString("projectId")
	closed, err := e.aggregator.CleanupStaleSessions(c.Request.Context(), projectID)
	if err != nil {
		e.logger.Error("stale session cleanup failed", "project_id", projectID, "error", err)
		abort(c, http.StatusInternalServerError, "store_unavailable", "sessions could not be closed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"projectId": projectID, "closed": closed})
}

// parseRange reads RFC3339 from/to. A missing to is now; a missing from is
// DefaultRange before to.
func parseRange(c *gin.Context, now time.Time) (core.TimeRange, error) {
	r := core.TimeRange{To: now}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return core.TimeRange{}, fmt.Errorf("to: %w", err)
		}
		r.To = t
	}
	r.From = r.To.Add(-DefaultRange)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return core.TimeRange{}, fmt.Errorf("from: %w", err)
		}
		r.From = t
	}
	if !r.From.Before(r.To) {
		return core.TimeRange{}, errors.New("from must be before to")
	}
	return r, nil
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}
