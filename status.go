// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"sync"
	"time"
)

// DefaultConnectingDebounce is how long a reconnect must last before
// ConnectingDebounced reports it.
const DefaultConnectingDebounce = 2 * time.Second

// Status tracks the connectivity of a HotChannel for display.
type Status struct {
	delay time.Duration

	mu         sync.Mutex
	connecting bool
	debounced  bool
	lastErr    error
	timer      *time.Timer
}

// NewStatus creates a status whose debounced flag trails by delay.
func NewStatus(delay time.Duration) *Status {
	if delay <= 0 {
		delay = DefaultConnectingDebounce
	}
	return &Status{delay: delay}
}

// SetConnecting records whether a (re)connect is in progress. The
// debounced flag turns on only if connecting persists for the delay and
// turns off immediately.
func (s *Status) SetConnecting(connecting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connecting == connecting {
		return
	}
	s.connecting = connecting
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !connecting {
		s.debounced = false
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.timer == timer && s.connecting {
			s.debounced = true
		}
	})
	s.timer = timer
}

// SetError stores the most recent connection error.
func (s *Status) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *Status) Connecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connecting
}

func (s *Status) ConnectingDebounced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debounced
}

func (s *Status) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
