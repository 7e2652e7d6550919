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

package core

import (
	"sync"
	"sync/atomic"
)

const DefaultStreamSize = 64

// Stream is the Subscription implementation shared by the bus plugins.
// The message channel is never closed; readers watch Done instead.
type Stream struct {
	ch       chan LiveEventMessage
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
	onClose  func() error
	closeErr error
	dropped  atomic.Uint64
}

func NewStream(size int, onClose func() error) *Stream {
	if size <= 0 {
		size = DefaultStreamSize
	}
	return &Stream{
		ch:      make(chan LiveEventMessage, size),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Push hands msg to the reader without blocking. A full buffer drops the
// message.
func (s *Stream) Push(msg LiveEventMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Stream) Messages() <-chan LiveEventMessage { return s.ch }
func (s *Stream) Done() <-chan struct{}              { return s.done }
func (s *Stream) Dropped() uint64                    { return s.dropped.Load() }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fail terminates the stream with err. Only the first call has an effect.
func (s *Stream) Fail(err error) {
	s.finish(err)
}

func (s *Stream) Close() error {
	s.finish(nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			closeErr := s.onClose()
			s.mu.Lock()
			s.closeErr = closeErr
			s.mu.Unlock()
		}
	})
}
