// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package runtimesource

import (
	"context"
	"errors"
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/counter-harness/pkg/events"
	"github.com/hashicorp/counter-harness/pkg/loadgen"
	"github.com/hashicorp/counter-harness/pkg/translator"
)

type fixedCPU struct {
	pct float64
	err error
}

func (f fixedCPU) Percent() (float64, error) { return f.pct, f.err }

type fixedLoad struct{ snap loadgen.Snapshot }

func (f fixedLoad) Stats() loadgen.Snapshot { return f.snap }

// startedLoad reports nothing on its first read and then a fixed number of
// started requests.
type startedLoad struct {
	reads   atomic.Int32
	started uint64
}

func (l *startedLoad) Stats() loadgen.Snapshot {
	if l.reads.Add(1) == 1 {
		return loadgen.Snapshot{}
	}
	return loadgen.Snapshot{Started: l.started}
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) Initialize() error { return nil }

func (s *lineSink) WriteMetrics(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *lineSink) value(t *testing.T, name string) (int64, bool) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.lines) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(s.lines[i], name+" "); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			require.NoError(t, err)
			return n, true
		}
	}
	return 0, false
}

// subscriber enables every announced source and records what it receives.
type subscriber struct {
	bus      *events.Bus
	interval string

	mu      sync.Mutex
	records []events.Record
}

func (s *subscriber) OnSourceCreated(src events.Source) {
	_, err := s.bus.EnableEvents(s, src, events.LevelInformational, events.KeywordGC,
		map[string]string{events.OptionCounterInterval: s.interval})
	if err != nil {
		panic(err)
	}
}

func (s *subscriber) OnEvent(r events.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *subscriber) count(kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Kind() == kind {
			n++
		}
	}
	return n
}

func (s *subscriber) last(kind events.Kind) events.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Kind() == kind {
			return s.records[i]
		}
	}
	return events.Record{}
}

func byDisplayName(payload []any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, e := range payload {
		m := e.(map[string]any)
		out[m["DisplayName"].(string)] = m
	}
	return out
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	require.ErrorContains(t, err, "event bus not specified")

	s, err := New(Config{Bus: events.NewBus(nil, nil), CPU: fixedCPU{}})
	require.NoError(t, err)
	require.Equal(t, defaultPollInterval, s.cfg.PollInterval)
}

func TestCounterInterval(t *testing.T) {
	bus := events.NewBus(nil, nil)
	src, err := bus.AddSource(events.CountersSourceName)
	require.NoError(t, err)

	l := &subscriber{bus: bus}
	_, ok := counterInterval(hclog.NewNullLogger(), bus.Subscriptions(src.Name))
	require.False(t, ok)

	for _, opts := range []map[string]string{
		{events.OptionCounterInterval: "30"},
		{events.OptionCounterInterval: "not a number"},
		{"other": "1"},
		{events.OptionCounterInterval: "5"},
		{events.OptionCounterInterval: "0"},
	} {
		_, err := bus.EnableEvents(l, src, events.LevelInformational, 0, opts)
		require.NoError(t, err)
	}

	interval, ok := counterInterval(hclog.NewNullLogger(), bus.Subscriptions(src.Name))
	require.True(t, ok)
	require.Equal(t, 5*time.Second, interval)
}

func TestBuildCounters(t *testing.T) {
	prev := sample{
		numGC:       10,
		numForcedGC: 1,
		totalAlloc:  1000,
		hasLoad:     true,
		load:        loadgen.Snapshot{Started: 5, Completed: 2, Failed: 1},
	}
	cur := sample{
		heapAlloc:     3 * bytesPerMB,
		heapSys:       10 * bytesPerMB,
		heapReleased:  2 * bytesPerMB,
		heapInuse:     4 * bytesPerMB,
		liveHeap:      2048,
		totalAlloc:    4000,
		numGC:         13,
		numForcedGC:   1,
		gcCPUFraction: 0.025,
		threads:       7,
		goroutines:    42,
		cpu:           12.5,
		hasCPU:        true,
		hasLoad:       true,
		load: loadgen.Snapshot{
			Started:           20,
			Completed:         12,
			Failed:            4,
			InFlight:          8,
			Queued:            30,
			HTTP11Connections: 6,
			HTTP20Connections: 2,
			HTTP11QueueWait:   1500 * time.Microsecond,
			HTTP20QueueWait:   3 * time.Millisecond,
		},
	}

	entries := byDisplayName(buildCounters(cur, prev, 30*time.Second, 30*time.Second))

	means := map[string]float64{
		"CPU Usage":                        12.5,
		"ThreadPool Thread Count":          7,
		"ThreadPool Queue Length":          30,
		"GC Heap Size":                     3,
		"GC Committed Bytes":               8,
		"GC Fragmentation":                 25,
		"Gen 0 Size":                       2048,
		"% Time in GC since last GC":       2.5,
		"Goroutine Count":                  42,
		"Current Requests":                 8,
		"Current Http 1.1 Connections":     6,
		"Current Http 2.0 Connections":     2,
		"HTTP 1.1 Requests Queue Duration": 1.5,
		"HTTP 2.0 Requests Queue Duration": 3,
	}
	for name, exp := range means {
		e, ok := entries[name]
		require.True(t, ok, name)
		require.InDelta(t, exp, e["Mean"], 1e-9, name)
		require.NotContains(t, e, "Increment", name)
		require.Equal(t, 30.0, e["IntervalSec"], name)
	}

	increments := map[string]float64{
		"ThreadPool Completed Work Item Count": 10,
		"Gen 0 GC Count":                       3,
		"Gen 2 GC Count":                       0,
		"Allocation Rate":                      3000,
		"Exception Count":                      3,
		"Requests Started":                     15,
		"Requests Failed":                      3,
	}
	for name, exp := range increments {
		e, ok := entries[name]
		require.True(t, ok, name)
		require.Equal(t, exp, e["Increment"], name)
		require.NotContains(t, e, "Mean", name)
	}

	require.Len(t, entries, len(means)+len(increments))
}

func TestBuildCounters_WithoutLoadOrCPU(t *testing.T) {
	cur := sample{numGC: 1}
	prev := sample{numGC: 5}

	entries := byDisplayName(buildCounters(cur, prev, time.Second, time.Second))
	require.NotContains(t, entries, "CPU Usage")
	require.NotContains(t, entries, "Current Requests")
	require.NotContains(t, entries, "ThreadPool Queue Length")

	// A counter that went backwards reports no increment.
	require.Equal(t, 0.0, entries["Gen 0 GC Count"]["Increment"])
	require.Equal(t, 0.0, entries["GC Fragmentation"]["Mean"])
}

func TestBuildCounters_PartialWindow(t *testing.T) {
	prev := sample{hasLoad: true, numGC: 1}
	cur := sample{hasLoad: true, numGC: 3, load: loadgen.Snapshot{Started: 300, InFlight: 4}}

	entries := byDisplayName(buildCounters(cur, prev, 30*time.Second, 100*time.Millisecond))
	require.InDelta(t, 90000.0, entries["Requests Started"]["Increment"], 1e-6)
	require.InDelta(t, 600.0, entries["Gen 0 GC Count"]["Increment"], 1e-6)
	require.Equal(t, 30.0, entries["Requests Started"]["IntervalSec"])
	// Means are point-in-time readings and are not scaled.
	require.Equal(t, 4.0, entries["Current Requests"]["Mean"])

	// A window that overran the interval is not scaled down.
	entries = byDisplayName(buildCounters(cur, prev, 30*time.Second, 31*time.Second))
	require.Equal(t, 300.0, entries["Requests Started"]["Increment"])
}

func TestHeapStatsRecord(t *testing.T) {
	s := sample{heapAlloc: 1, liveHeap: 2, heapObjects: math.MaxUint32 + 10}
	r := heapStatsRecord(s, time.Now())

	require.Equal(t, events.KindHeapStats, r.Kind())
	require.Equal(t, events.RuntimeSourceName, r.Source)
	require.Equal(t, events.KeywordGC, r.Keywords)
	require.Len(t, r.Payload, 14)
	require.Len(t, r.PayloadNames, 14)
	require.Equal(t, "TotalPromotedSize0", r.PayloadNames[1])
	require.Equal(t, "GCHandleCount", r.PayloadNames[12])
	require.Equal(t, uint64(2), r.Payload[1])
	require.Equal(t, uint32(math.MaxUint32), r.Payload[12])
	require.Equal(t, uint16(0), r.Payload[13])
}

func TestGCEndRecord(t *testing.T) {
	r := gcEndRecord(sample{numGC: 7, numForcedGC: 2}, sample{numGC: 6, numForcedGC: 1}, time.Now())
	require.Equal(t, events.KindGCEnd, r.Kind())
	require.Equal(t, uint32(7), r.Payload[0])
	require.Equal(t, gcReasonInduced, r.Payload[2])

	r = gcEndRecord(sample{numGC: 8, numForcedGC: 2}, sample{numGC: 7, numForcedGC: 2}, time.Now())
	require.Equal(t, gcReasonAlloc, r.Payload[2])
}

func TestPollGC_NoSubscribers(t *testing.T) {
	bus := events.NewBus(nil, nil)
	src, err := bus.AddSource(events.RuntimeSourceName)
	require.NoError(t, err)

	s, err := New(Config{Bus: bus, CPU: fixedCPU{}})
	require.NoError(t, err)

	before := s.lastGC.numGC
	runtime.GC()
	s.pollGC(src)
	require.Equal(t, before, s.lastGC.numGC)
}

func TestRun(t *testing.T) {
	bus := events.NewBus(nil, nil)
	l := &subscriber{bus: bus, interval: "1"}
	bus.AddListener(l)

	s, err := New(Config{
		Bus:          bus,
		PollInterval: 10 * time.Millisecond,
		CPU:          fixedCPU{err: errors.New("unsupported")},
		Load:         fixedLoad{snap: loadgen.Snapshot{InFlight: 3}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		runtime.GC()
		return l.count(events.KindHeapStats) > 0 && l.count(events.KindGCEnd) > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return l.count(events.KindCounters) > 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	counters := byDisplayName(l.last(events.KindCounters).Payload)
	require.NotContains(t, counters, "CPU Usage")
	require.Equal(t, 3.0, counters["Current Requests"]["Mean"])

	end := l.last(events.KindGCEnd)
	require.Equal(t, events.RuntimeSourceName, end.Source)
	require.Greater(t, end.Payload[0].(uint32), uint32(0))
}

func TestRun_FinalSnapshot(t *testing.T) {
	bus := events.NewBus(nil, nil)
	l := &subscriber{bus: bus, interval: "3600"}
	bus.AddListener(l)

	s, err := New(Config{Bus: bus, PollInterval: 10 * time.Millisecond, CPU: fixedCPU{pct: 1}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, l.count(events.KindCounters))

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 1, l.count(events.KindCounters))

	counters := byDisplayName(l.last(events.KindCounters).Payload)
	require.Equal(t, 1.0, counters["CPU Usage"]["Mean"])
}

func TestRun_FinalSnapshotRate(t *testing.T) {
	bus := events.NewBus(nil, nil)
	sink := &lineSink{}
	tr, err := translator.New(translator.Config{Sink: sink, Subscriber: bus})
	require.NoError(t, err)
	bus.AddListener(tr)

	load := &startedLoad{started: 300}
	s, err := New(Config{Bus: bus, PollInterval: 10 * time.Millisecond, CPU: fixedCPU{}, Load: load})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	start := time.Now()
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	window := time.Since(start)

	// 300 requests in a window of at most `window` is a rate of at least
	// 300/window per second, whatever the 30s subscription interval.
	got, ok := sink.value(t, "Requests Started")
	require.True(t, ok)
	require.GreaterOrEqual(t, got, int64(math.Floor(300/window.Seconds())))
	require.Greater(t, got, int64(300/translator.DefaultIntervalSeconds))
}
