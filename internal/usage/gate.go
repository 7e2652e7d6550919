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

package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/bklit/bklit-sub002/internal/clock"
	"github.com/bklit/bklit-sub002/pkg/core"
)

// Counter reports how many events a project stored since a point in time.
// core.EventStore satisfies it.
type Counter interface {
	CountEvents(ctx context.Context, projectID string, since time.Time) (int, error)
}

// Gate enforces each project's monthly event cap. The month is the UTC
// calendar month; a limit of zero means unlimited.
type Gate struct {
	counter Counter
	clock   clock.Clock
}

func NewGate(counter Counter, c clock.Clock) *Gate {
	return &Gate{counter: counter, clock: clock.OrReal(c)}
}

// Check returns a wrapped core.ErrUsageLimit once the project has reached
// its limit for the current month.
func (g *Gate) Check(ctx context.Context, p *core.Project) error {
	if p.MonthlyEventLimit <= 0 {
		return nil
	}
	used, err := g.counter.CountEvents(ctx, p.ID, MonthStart(g.clock.Now()))
	if err != nil {
		return fmt.Errorf("count usage: %w", err)
	}
	if used >= p.MonthlyEventLimit {
		return fmt.Errorf("%w: %d of %d events used this month", core.ErrUsageLimit, used, p.MonthlyEventLimit)
	}
	return nil
}

func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
