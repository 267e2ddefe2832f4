// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package metricscache

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/counter-harness/pkg/metricsink"
)

// DefaultMaxCached bounds the number of lines held before initialization.
const DefaultMaxCached = 10000

// Sink is a metricsink.Writer that caches lines until the wrapped writer has
// been initialized, then replays them in arrival order and forwards every
// later line directly.
type Sink struct {
	writer    metricsink.Writer
	maxCached int

	mu      sync.Mutex
	lines   []string
	dropped uint64

	// ready is only set while mu is held, so writers that lose the race on
	// the fast path fall back to the locked path and observe it.
	ready atomic.Bool
}

// NewSink returns a cache in front of w.
func NewSink(w metricsink.Writer) *Sink {
	return &Sink{
		writer:    w,
		maxCached: DefaultMaxCached,
		lines:     []string{},
	}
}

// WriteMetrics forwards the line once initialized, otherwise caches it. When
// the cache is full the oldest line is dropped.
func (s *Sink) WriteMetrics(line string) {
	if s.ready.Load() {
		s.writer.WriteMetrics(line)
		return
	}

	s.mu.Lock()
	if s.ready.Load() {
		s.mu.Unlock()
		s.writer.WriteMetrics(line)
		return
	}
	defer s.mu.Unlock()

	if s.maxCached > 0 && len(s.lines) >= s.maxCached {
		s.lines = s.lines[1:]
		s.dropped++
	}
	s.lines = append(s.lines, line)
}

// Initialize initializes the wrapped writer and replays the cached lines.
// Calling it again after a successful call is a no-op.
func (s *Sink) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready.Load() {
		return nil
	}

	if err := s.writer.Initialize(); err != nil {
		return err
	}
	s.replay()
	s.ready.Store(true)
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (s *Sink) Initialized() bool {
	return s.ready.Load()
}

// Dropped returns how many cached lines were discarded because the cache was
// full.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) replay() {
	for _, line := range s.lines {
		s.writer.WriteMetrics(line)
	}
	s.lines = []string{} // empty out after replaying
}
