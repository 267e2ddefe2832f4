// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package runtimesource publishes Go runtime statistics on an event bus: a
// periodic counter snapshot and, after every garbage collection, heap
// statistics followed by a GC end event.
package runtimesource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/hashicorp/counter-harness/pkg/events"
	"github.com/hashicorp/counter-harness/pkg/loadgen"
)

const defaultPollInterval = time.Second

// LoadStats supplies request statistics. *loadgen.Generator satisfies it.
type LoadStats interface {
	Stats() loadgen.Snapshot
}

type Config struct {
	Logger hclog.Logger
	Bus    *events.Bus
	// Load is optional. Without it the request counters are not published.
	Load LoadStats
	// PollInterval is how often the GC count is checked and how often the
	// counter schedule is re-evaluated. Defaults to 1s.
	PollInterval time.Duration
	// CPU is optional and defaults to the gopsutil process sampler.
	CPU CPUSampler
}

// Source is the runtime event producer.
type Source struct {
	cfg    Config
	logger hclog.Logger
	bus    *events.Bus
	cpu    CPUSampler

	// counters loop state
	lastCounters sample
	// gc loop state
	lastGC sample
}

func New(cfg Config) (*Source, error) {
	if cfg.Bus == nil {
		return nil, errors.New("event bus not specified")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Source{cfg: cfg, logger: logger, bus: cfg.Bus, cpu: cfg.CPU}
	if s.cpu == nil {
		cpu, err := newProcessCPU()
		if err != nil {
			logger.Warn("cpu usage will not be reported", "error", err)
		} else {
			s.cpu = cpu
		}
	}
	return s, nil
}

// Run announces the runtime sources and publishes until ctx is done. A last
// counter snapshot is published on the way out when anyone subscribes to
// counters.
func (s *Source) Run(ctx context.Context) error {
	runtimeSrc, err := s.bus.AddSource(events.RuntimeSourceName)
	if err != nil {
		return fmt.Errorf("failed to add runtime source: %w", err)
	}
	countersSrc, err := s.bus.AddSource(events.CountersSourceName)
	if err != nil {
		return fmt.Errorf("failed to add counters source: %w", err)
	}

	s.lastCounters = s.read()
	s.lastGC = s.lastCounters

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runCounters(ctx, countersSrc)
	}()
	go func() {
		defer wg.Done()
		s.runGC(ctx, runtimeSrc)
	}()
	wg.Wait()
	return nil
}

type subscriptionOptions struct {
	IntervalSec int `mapstructure:"EventCounterIntervalSec"`
}

// counterInterval returns the shortest interval requested by the live
// subscriptions.
func counterInterval(logger hclog.Logger, subs []*events.Subscription) (time.Duration, bool) {
	shortest := 0
	for _, sub := range subs {
		var opts subscriptionOptions
		if err := mapstructure.WeakDecode(sub.Options, &opts); err != nil {
			logger.Debug("ignoring subscription options", "subscription", sub.ID, "error", err)
			continue
		}
		if opts.IntervalSec <= 0 {
			continue
		}
		if shortest == 0 || opts.IntervalSec < shortest {
			shortest = opts.IntervalSec
		}
	}
	if shortest == 0 {
		return 0, false
	}
	return time.Duration(shortest) * time.Second, true
}

func (s *Source) runCounters(ctx context.Context, src events.Source) {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	windowStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			if interval, ok := counterInterval(s.logger, s.bus.Subscriptions(src.Name)); ok {
				s.publishCounters(src, interval, time.Since(windowStart))
			}
			return
		case now := <-timer.C:
			wait := s.cfg.PollInterval
			interval, ok := counterInterval(s.logger, s.bus.Subscriptions(src.Name))
			switch {
			case !ok:
				windowStart = now
			case now.Sub(windowStart) >= interval:
				s.publishCounters(src, interval, interval)
				windowStart = now
			default:
				if remaining := interval - now.Sub(windowStart); remaining < wait {
					wait = remaining
				}
			}
			timer.Reset(wait)
		}
	}
}

// publishCounters emits the counters for a window of length elapsed, scaled
// to the subscribers' interval.
func (s *Source) publishCounters(src events.Source, interval, elapsed time.Duration) {
	cur := s.read()
	payload := buildCounters(cur, s.lastCounters, interval, elapsed)
	s.lastCounters = cur

	s.bus.Publish(events.Record{
		Source:    src.Name,
		Name:      events.EventNameCounters,
		Level:     events.LevelLogAlways,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (s *Source) runGC(ctx context.Context, src events.Source) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollGC(src)
		}
	}
}

// pollGC publishes heap statistics and a GC end event when a collection
// finished since the previous poll.
func (s *Source) pollGC(src events.Source) {
	if !s.bus.Enabled(src.Name, events.LevelInformational, events.KeywordGC) {
		return
	}

	var cur sample
	readMemory(&cur)
	if cur.numGC == s.lastGC.numGC {
		return
	}
	prev := s.lastGC
	s.lastGC = cur

	now := time.Now()
	s.bus.Publish(heapStatsRecord(cur, now))
	s.bus.Publish(gcEndRecord(cur, prev, now))
}
