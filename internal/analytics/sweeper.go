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
	"log/slog"
	"sync"
	"time"

	"github.com/bklit/bklit-sub002/internal/clock"
)

const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically runs CleanupStaleSessions for every project that
// still has open sessions.
type Sweeper struct {
	aggregator *Aggregator
	projects   ProjectLister
	interval   time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// ProjectLister reports the projects with at least one open session.
// core.EventStore satisfies it.
type ProjectLister interface {
	ListProjectsWithOpenSessions(ctx context.Context) ([]string, error)
}

func NewSweeper(aggregator *Aggregator, projects ProjectLister, interval time.Duration, c clock.Clock, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		aggregator: aggregator,
		projects:   projects,
		interval:   interval,
		clock:      clock.OrReal(c),
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("session sweeper started", "interval", s.interval)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopping")
			return
		case <-s.stopChan:
			s.logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Sweep runs one pass and returns the number of sessions closed. A failing
// project is logged and the pass moves on.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ids, err := s.projects.ListProjectsWithOpenSessions(ctx)
	if err != nil {
		s.logger.Error("listing projects with open sessions failed", "error", err)
		return 0
	}

	total := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		n, err := s.aggregator.CleanupStaleSessions(ctx, id)
		total += n
		if err != nil {
			s.logger.Error("stale session cleanup failed", "project_id", id, "error", err)
		}
	}
	return total
}
