// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package translator

import (
	"bytes"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/counter-harness/pkg/events"
)

type fakeSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *fakeSink) Initialize() error { return nil }

func (s *fakeSink) WriteMetrics(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *fakeSink) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testHarness struct {
	bus  *events.Bus
	sink *fakeSink
	tr   *Translator
	logs *syncBuffer
}

func newTestHarness(t *testing.T, sources ...string) *testHarness {
	t.Helper()

	logs := &syncBuffer{}
	bus := events.NewBus(nil, nil)
	sink := &fakeSink{}
	tr, err := New(Config{
		Logger:     hclog.New(&hclog.LoggerOptions{Output: logs, Level: hclog.Info}),
		Sink:       sink,
		Subscriber: bus,
	})
	require.NoError(t, err)
	bus.AddListener(tr)

	if len(sources) == 0 {
		sources = DefaultSources
	}
	for _, name := range sources {
		_, err := bus.AddSource(name)
		require.NoError(t, err)
	}
	return &testHarness{bus: bus, sink: sink, tr: tr, logs: logs}
}

func counterRecord(entries ...any) events.Record {
	return events.Record{
		Source:  events.CountersSourceName,
		Name:    events.EventNameCounters,
		Level:   events.LevelInformational,
		Payload: entries,
	}
}

func heapRecord(n int) events.Record {
	names := []string{
		"GenerationSize0", "TotalPromotedSize0",
		"GenerationSize1", "TotalPromotedSize1",
		"GenerationSize2", "TotalPromotedSize2",
		"GenerationSize3", "TotalPromotedSize3",
		"FinalizationPromotedSize", "FinalizationPromotedCount",
		"PinnedObjectCount", "SinkBlockCount",
		"GCHandleCount", "InstanceID",
	}
	r := events.Record{
		Source:   events.RuntimeSourceName,
		Name:     events.EventNameHeapStats,
		Level:    events.LevelInformational,
		Keywords: events.KeywordGC,
	}
	for i := 0; i < n; i++ {
		r.PayloadNames = append(r.PayloadNames, names[i])
		r.Payload = append(r.Payload, uint64(100+i))
	}
	return r
}

func gcEndRecord(count any) events.Record {
	return events.Record{
		Source:       events.RuntimeSourceName,
		Name:         events.EventNameGCEnd,
		Level:        events.LevelInformational,
		Keywords:     events.KeywordGC,
		Payload:      []any{count, uint32(0), uint32(0), uint32(0), uint16(0)},
		PayloadNames: []string{"Count", "Depth", "Reason", "Type", "InstanceID"},
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Subscriber: events.NewBus(nil, nil)})
	require.EqualError(t, err, "metrics sink not specified")

	_, err = New(Config{Sink: &fakeSink{}})
	require.EqualError(t, err, "event subscriber not specified")

	_, err = New(Config{Sink: &fakeSink{}, Subscriber: events.NewBus(nil, nil), IntervalSeconds: -1})
	require.EqualError(t, err, "counter interval must not be negative")
}

func TestTranslator_SubscribesToAllowedSources(t *testing.T) {
	h := newTestHarness(t, events.RuntimeSourceName, events.CountersSourceName, "Unrelated")

	for _, name := range []string{events.RuntimeSourceName, events.CountersSourceName} {
		subs := h.bus.Subscriptions(name)
		require.Len(t, subs, 1, name)
		require.Equal(t, events.LevelInformational, subs[0].Level)
		require.Equal(t, events.KeywordGC, subs[0].Keywords)
		require.Equal(t, map[string]string{events.OptionCounterInterval: "30"}, subs[0].Options)
	}
	require.Empty(t, h.bus.Subscriptions("Unrelated"))
	require.Equal(t, StateSubscribed, h.tr.State())
	require.True(t, h.tr.HeapStatsActive())
}

func TestTranslator_Counters(t *testing.T) {
	cases := map[string]struct {
		entry any
		exp   []string
	}{
		"mean float truncates": {
			entry: map[string]any{"DisplayName": "CPU Usage", "Mean": 12.9},
			exp:   []string{"CPU Usage 12"},
		},
		"negative mean truncates toward zero": {
			entry: map[string]any{"DisplayName": "GC Fragmentation", "Mean": -3.7},
			exp:   []string{"GC Fragmentation -3"},
		},
		"mean integer": {
			entry: map[string]any{"DisplayName": "ThreadPool Thread Count", "Mean": 17},
			exp:   []string{"ThreadPool Thread Count 17"},
		},
		"mean string": {
			entry: map[string]any{"DisplayName": "GC Heap Size", "Mean": "42"},
			exp:   []string{"GC Heap Size 42"},
		},
		"increment divided by interval": {
			entry: map[string]any{"DisplayName": "Allocation Rate", "Increment": 90.0},
			exp:   []string{"Allocation Rate 3"},
		},
		"increment floors": {
			entry: map[string]any{"DisplayName": "Requests Started", "Increment": 59.9},
			exp:   []string{"Requests Started 1"},
		},
		"small increment": {
			entry: map[string]any{"DisplayName": "Requests Failed", "Increment": uint64(29)},
			exp:   []string{"Requests Failed 0"},
		},
		"mean wins over increment": {
			entry: map[string]any{"DisplayName": "CPU Usage", "Mean": 5.0, "Increment": 300.0},
			exp:   []string{"CPU Usage 5"},
		},
		"not allow-listed": {
			entry: map[string]any{"DisplayName": "Goroutine Count", "Mean": 5.0},
		},
		"case sensitive": {
			entry: map[string]any{"DisplayName": "cpu usage", "Mean": 5.0},
		},
		"no value": {
			entry: map[string]any{"DisplayName": "CPU Usage"},
		},
		"missing display name": {
			entry: map[string]any{"Name": "cpu-usage", "Mean": 5.0},
		},
		"not a field map": {
			entry: "CPU Usage 5",
		},
		"unparseable mean": {
			entry: map[string]any{"DisplayName": "CPU Usage", "Mean": "lots"},
		},
		"overflowing mean": {
			entry: map[string]any{"DisplayName": "CPU Usage", "Mean": math.Inf(1)},
		},
		"nan increment": {
			entry: map[string]any{"DisplayName": "Allocation Rate", "Increment": math.NaN()},
		},
	}
	for name, c := range cases {
		c := c
		t.Run(name, func(t *testing.T) {
			h := newTestHarness(t)
			h.bus.Publish(counterRecord(c.entry))
			require.Equal(t, c.exp, h.sink.written())
		})
	}
}

func TestTranslator_BadEntryDoesNotAbortOthers(t *testing.T) {
	h := newTestHarness(t)
	h.bus.Publish(counterRecord(
		map[string]any{"DisplayName": "CPU Usage", "Mean": 1.0},
		map[string]any{"DisplayName": "GC Heap Size", "Mean": struct{}{}},
		map[string]any{"DisplayName": "Gen 0 GC Count", "Increment": 60.0},
	))
	require.Equal(t, []string{"CPU Usage 1", "Gen 0 GC Count 2"}, h.sink.written())
}

func TestTranslator_IgnoresUnlistedSource(t *testing.T) {
	h := newTestHarness(t)
	r := counterRecord(map[string]any{"DisplayName": "CPU Usage", "Mean": 1.0})
	r.Source = "Unrelated"
	h.tr.OnEvent(r)
	require.Empty(t, h.sink.written())
}

func TestTranslator_CustomInterval(t *testing.T) {
	bus := events.NewBus(nil, nil)
	sink := &fakeSink{}
	tr, err := New(Config{Sink: sink, Subscriber: bus, IntervalSeconds: 10, AllowedCounters: []string{"Custom"}})
	require.NoError(t, err)
	bus.AddListener(tr)
	_, err = bus.AddSource(events.CountersSourceName)
	require.NoError(t, err)

	require.Equal(t, "10", bus.Subscriptions(events.CountersSourceName)[0].Options[events.OptionCounterInterval])

	bus.Publish(counterRecord(
		map[string]any{"DisplayName": "Custom", "Increment": 25.0},
		map[string]any{"DisplayName": "CPU Usage", "Mean": 1.0},
	))
	require.Equal(t, []string{"Custom 2"}, sink.written())
}

func TestTranslator_HeapStats(t *testing.T) {
	t.Run("short payload", func(t *testing.T) {
		h := newTestHarness(t)
		h.bus.Publish(heapRecord(12))
		require.Empty(t, h.sink.written())
	})

	t.Run("short names", func(t *testing.T) {
		h := newTestHarness(t)
		r := heapRecord(13)
		r.PayloadNames = r.PayloadNames[:12]
		h.bus.Publish(r)
		require.Empty(t, h.sink.written())
	})

	t.Run("extracts six fields", func(t *testing.T) {
		h := newTestHarness(t)
		h.bus.Publish(heapRecord(14))
		require.Equal(t, []string{
			"TotalPromotedSize0 101",
			"TotalPromotedSize1 103",
			"TotalPromotedSize2 105",
			"FinalizationPromotedSize 108",
			"PinnedObjectCount 110",
			"GCHandleCount 112",
		}, h.sink.written())
	})

	t.Run("unknown names use pinned positions", func(t *testing.T) {
		h := newTestHarness(t)
		r := heapRecord(13)
		for i := range r.PayloadNames {
			r.PayloadNames[i] = "f" + string(rune('a'+i))
		}
		h.bus.Publish(r)
		require.Equal(t, []string{"fb 101", "fd 103", "ff 105", "fi 108", "fk 110", "fm 112"}, h.sink.written())
	})

	t.Run("reordered names are looked up", func(t *testing.T) {
		h := newTestHarness(t)
		r := heapRecord(13)
		// Swap the pinned positions of two extracted fields.
		r.PayloadNames[1], r.PayloadNames[3] = r.PayloadNames[3], r.PayloadNames[1]
		h.bus.Publish(r)
		lines := h.sink.written()
		require.Len(t, lines, 6)
		require.Equal(t, "TotalPromotedSize0 103", lines[0])
		require.Equal(t, "TotalPromotedSize1 101", lines[1])
	})

	t.Run("value types", func(t *testing.T) {
		h := newTestHarness(t)
		r := heapRecord(13)
		// Overflows int64 and is dropped.
		r.Payload[1] = uint64(math.MaxUint64)
		r.Payload[3] = uint32(7)
		// Not integers, ignored.
		r.Payload[5] = 1.5
		r.Payload[8] = "12"
		r.Payload[10] = uint64(math.MaxInt64)
		r.Payload[12] = int64(-1)
		h.bus.Publish(r)
		require.Equal(t, []string{
			"TotalPromotedSize1 7",
			"PinnedObjectCount 9223372036854775807",
			"GCHandleCount -1",
		}, h.sink.written())
	})
}

func TestTranslator_GCEndCancelsOnce(t *testing.T) {
	h := newTestHarness(t)

	for _, count := range []uint32{1, 2, 3, 4} {
		h.bus.Publish(gcEndRecord(count))
		require.Equal(t, StateSubscribed, h.tr.State(), "count %d", count)
	}

	h.bus.Publish(gcEndRecord(uint32(5)))
	require.Equal(t, StateCancelled, h.tr.State())
	require.Empty(t, h.bus.Subscriptions(events.RuntimeSourceName))
	require.Len(t, h.bus.Subscriptions(events.CountersSourceName), 1)

	// Later GC-end events are no-ops and heap statistics stop arriving.
	h.bus.Publish(gcEndRecord(uint32(6)))
	h.tr.OnEvent(gcEndRecord(uint32(7)))
	h.bus.Publish(heapRecord(13))
	require.Empty(t, h.sink.written())
	require.Equal(t, 1, strings.Count(h.logs.String(), "gc count threshold reached"))

	// The window is never reopened.
	h.tr.OnSourceCreated(events.Source{Name: events.RuntimeSourceName})
	require.Empty(t, h.bus.Subscriptions(events.RuntimeSourceName))
	require.Equal(t, StateCancelled, h.tr.State())
}

func TestTranslator_GCEndConcurrent(t *testing.T) {
	h := newTestHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.tr.OnEvent(gcEndRecord(uint32(5 + i)))
		}(i)
	}
	wg.Wait()

	require.Equal(t, StateCancelled, h.tr.State())
	require.Equal(t, 1, strings.Count(h.logs.String(), "gc count threshold reached"))
}

func TestTranslator_GCEndIgnoresMalformed(t *testing.T) {
	h := newTestHarness(t)

	h.tr.OnEvent(gcEndRecord(int32(10)))
	h.tr.OnEvent(gcEndRecord("10"))
	h.tr.OnEvent(events.Record{Source: events.RuntimeSourceName, Name: events.EventNameGCEnd})
	require.Equal(t, StateSubscribed, h.tr.State())

	// Only an unsigned 32-bit count is accepted.
	for _, count := range []any{uint64(10), uint(10), uint16(10), uint8(10), int64(10)} {
		h.tr.OnEvent(gcEndRecord(count))
		require.Equal(t, StateSubscribed, h.tr.State(), "%T", count)
	}

	h.tr.OnEvent(gcEndRecord(uint32(10)))
	require.Equal(t, StateCancelled, h.tr.State())
}

func TestTranslator_GCEndWithoutHandle(t *testing.T) {
	h := newTestHarness(t, events.CountersSourceName)
	require.Equal(t, StateUnsubscribed, h.tr.State())

	h.tr.OnEvent(events.Record{Source: events.CountersSourceName, Name: events.EventNameGCEnd, Payload: []any{uint32(9)}})
	require.Equal(t, StateUnsubscribed, h.tr.State())
	require.Len(t, h.bus.Subscriptions(events.CountersSourceName), 1)
}
