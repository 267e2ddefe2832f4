// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package loadgen

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Protocol is the HTTP version a connection negotiated.
type Protocol int

const (
	HTTP11 Protocol = iota
	HTTP20
)

func (p Protocol) String() string {
	if p == HTTP20 {
		return "HTTP/2.0"
	}
	return "HTTP/1.1"
}

func protocolOf(conn net.Conn) Protocol {
	if tc, ok := conn.(*tls.Conn); ok && tc.ConnectionState().NegotiatedProtocol == "h2" {
		return HTTP20
	}
	return HTTP11
}

// Snapshot is a point-in-time view of the generator.
type Snapshot struct {
	Planned   int64
	Started   uint64
	Completed uint64
	Failed    uint64
	InFlight  int64
	// Queued counts planned requests that have not started yet.
	Queued int64

	HTTP11Connections int64
	HTTP20Connections int64

	// Mean time spent waiting for a connection since the previous Stats call.
	HTTP11QueueWait time.Duration
	HTTP20QueueWait time.Duration
}

// Result summarizes a finished run.
type Result struct {
	Total    int64
	Failed   int64
	Duration time.Duration

	P50Latency time.Duration
	P90Latency time.Duration
	P99Latency time.Duration
}

type waitAccumulator struct {
	sum   time.Duration
	count int64
}

func (w *waitAccumulator) drain() time.Duration {
	var mean time.Duration
	if w.count > 0 {
		mean = w.sum / time.Duration(w.count)
	}
	*w = waitAccumulator{}
	return mean
}

type stats struct {
	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	inFlight  atomic.Int64
	conns     [2]atomic.Int64

	waitMu sync.Mutex
	waits  [2]waitAccumulator

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram
}

func newStats() *stats {
	// Latencies from 1µs up to 10 minutes with 3 significant figures.
	return &stats{hist: hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)}
}

func (s *stats) recordQueueWait(p Protocol, d time.Duration) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waits[p].sum += d
	s.waits[p].count++
}

// recordLatency clamps d to the histogram's trackable range before recording.
func (s *stats) recordLatency(d time.Duration) error {
	us := d.Microseconds()
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if us < s.hist.LowestTrackableValue() {
		us = s.hist.LowestTrackableValue()
	}
	if us > s.hist.HighestTrackableValue() {
		us = s.hist.HighestTrackableValue()
	}
	return s.hist.RecordValue(us)
}

func (s *stats) quantile(q float64) time.Duration {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if s.hist.TotalCount() == 0 {
		return 0
	}
	return time.Duration(s.hist.ValueAtQuantile(q)) * time.Microsecond
}

func (s *stats) snapshot(planned int64, drain bool) Snapshot {
	snap := Snapshot{
		Planned:           planned,
		Started:           s.started.Load(),
		Completed:         s.completed.Load(),
		Failed:            s.failed.Load(),
		InFlight:          s.inFlight.Load(),
		HTTP11Connections: s.conns[HTTP11].Load(),
		HTTP20Connections: s.conns[HTTP20].Load(),
	}
	if queued := planned - int64(snap.Started); queued > 0 {
		snap.Queued = queued
	}

	if drain {
		s.waitMu.Lock()
		snap.HTTP11QueueWait = s.waits[HTTP11].drain()
		snap.HTTP20QueueWait = s.waits[HTTP20].drain()
		s.waitMu.Unlock()
	}
	return snap
}

// connTracker counts the connections a single worker opened so they can be
// released when the worker's transport is closed.
type connTracker struct {
	stats  *stats
	opened [2]atomic.Int64
}

func (c *connTracker) track(p Protocol) {
	c.opened[p].Add(1)
	c.stats.conns[p].Add(1)
}

func (c *connTracker) release() {
	for p := range c.opened {
		c.stats.conns[p].Add(-c.opened[p].Swap(0))
	}
}
