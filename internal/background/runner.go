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

package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bklit/bklit-sub002/pkg/core"
	"golang.org/x/sync/semaphore"
)

// Task is a unit of best-effort work. Its error never reaches the request
// that submitted it.
type Task func(ctx context.Context) error

type Runner struct {
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	timeout  time.Duration
	logger   *slog.Logger
	onError  func(name string, err error)
	failures atomic.Uint64

	// mu orders admission against Close so wg.Add never races wg.Wait.
	mu     sync.Mutex
	closed bool
}

func NewRunner(workers int, timeout time.Duration, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger,
	}
}

// OnError adds a hook to the error sink. Failures are always logged.
func (r *Runner) OnError(fn func(name string, err error)) {
	r.onError = fn
}

// Submit starts task without waiting for it. When every worker slot is
// busy the task is rejected and reported to the sink.
func (r *Runner) Submit(name string, task Task) error {
	if err := r.admit(name); err != nil {
		r.report(name, err)
		return err
	}
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		defer func() {
			if rec := recover(); rec != nil {
				r.report(name, fmt.Errorf("panic: %v", rec))
			}
		}()

		ctx := r.ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		if err := task(ctx); err != nil {
			r.report(name, err)
		}
	}()
	return nil
}

func (r *Runner) admit(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: runner closed", core.ErrRunnerSaturated)
	}
	if !r.sem.TryAcquire(1) {
		return fmt.Errorf("%w: task=%s", core.ErrRunnerSaturated, name)
	}
	r.wg.Add(1)
	return nil
}

func (r *Runner) Failures() uint64 { return r.failures.Load() }

// Wait blocks until every submitted task has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Close stops accepting work and waits for running tasks until ctx expires,
// then cancels them.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) report(name string, err error) {
	r.failures.Add(1)
	r.logger.Error("background task failed", "task", name, "error", err)
	if r.onError != nil {
		r.onError(name, err)
	}
}
