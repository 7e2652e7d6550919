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

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Timer callbacks run synchronously in
// the goroutine calling Advance, in deadline order; they must not call
// Advance themselves.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*waiter
	changed *sync.Cond
}

type waiter struct {
	at       time.Time
	fn       func()
	ch       chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()
	w := &waiter{at: f.now.Add(d), fn: fn}
	f.add(w)
	f.mu.Unlock()

	return &Timer{
		stop: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			active := !w.stopped && !w.fired
			f.remove(w)
			w.at = f.now.Add(d)
			w.stopped = false
			w.fired = false
			f.add(w)
			return active
		},
	}
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: ticker interval must be positive")
	}
	ch := make(chan time.Time, 1)

	f.mu.Lock()
	w := &waiter{at: f.now.Add(d), ch: ch, interval: d}
	f.add(w)
	f.mu.Unlock()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			w.stopped = true
			f.mu.Unlock()
		},
	}
}

// Advance moves time forward by d, firing every waiter that falls due.
// Tickers fire once per elapsed interval; ticks that do not fit in the
// channel buffer are dropped.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (f *Fake) collect(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, keep []*waiter
	for _, w := range f.pending {
		switch {
		case w.stopped:
		case !w.at.After(target):
			due = append(due, w)
		default:
			keep = append(keep, w)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })

	for _, w := range due {
		if w.interval > 0 {
			w.at = w.at.Add(w.interval)
			keep = append(keep, w)
		} else {
			w.fired = true
		}
	}
	f.pending = keep
	return due
}

// Pending counts timers and tickers that have neither fired nor been
// stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

// WaitForTimers blocks until at least n waiters are pending, closing the
// gap between a goroutine arming a timer and the test advancing time.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

func (f *Fake) add(w *waiter) {
	f.pending = append(f.pending, w)
	f.changed.Broadcast()
}

func (f *Fake) remove(w *waiter) {
	for i, p := range f.pending {
		if p == w {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, w := range f.pending {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}
