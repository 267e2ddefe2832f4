// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package runtimesource

import (
	"runtime"
	"runtime/metrics"
	"runtime/pprof"
	"time"

	"github.com/hashicorp/counter-harness/pkg/loadgen"
)

const (
	liveHeapMetric = "/gc/heap/live:bytes"
	bytesPerMB     = 1024 * 1024
)

// sample is one reading of the process state.
type sample struct {
	heapAlloc     uint64
	heapSys       uint64
	heapIdle      uint64
	heapInuse     uint64
	heapReleased  uint64
	heapObjects   uint64
	liveHeap      uint64
	totalAlloc    uint64
	stackInuse    uint64
	stackSys      uint64
	nextGC        uint64
	numGC         uint32
	numForcedGC   uint32
	gcCPUFraction float64

	threads    int
	goroutines int

	cpu    float64
	hasCPU bool

	load    loadgen.Snapshot
	hasLoad bool
}

func readMemory(s *sample) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s.heapAlloc = ms.HeapAlloc
	s.heapSys = ms.HeapSys
	s.heapIdle = ms.HeapIdle
	s.heapInuse = ms.HeapInuse
	s.heapReleased = ms.HeapReleased
	s.heapObjects = ms.HeapObjects
	s.totalAlloc = ms.TotalAlloc
	s.stackInuse = ms.StackInuse
	s.stackSys = ms.StackSys
	s.nextGC = ms.NextGC
	s.numGC = ms.NumGC
	s.numForcedGC = ms.NumForcedGC
	s.gcCPUFraction = ms.GCCPUFraction

	s.liveHeap = ms.HeapAlloc
	live := []metrics.Sample{{Name: liveHeapMetric}}
	metrics.Read(live)
	if live[0].Value.Kind() == metrics.KindUint64 {
		s.liveHeap = live[0].Value.Uint64()
	}
}

func (s *Source) read() sample {
	var cur sample
	readMemory(&cur)
	cur.goroutines = runtime.NumGoroutine()
	if p := pprof.Lookup("threadcreate"); p != nil {
		cur.threads = p.Count()
	}
	if s.cpu != nil {
		pct, err := s.cpu.Percent()
		if err != nil {
			s.logger.Debug("failed to sample cpu usage", "error", err)
		} else {
			cur.cpu, cur.hasCPU = pct, true
		}
	}
	if s.cfg.Load != nil {
		cur.load, cur.hasLoad = s.cfg.Load.Stats(), true
	}
	return cur
}

type counterBuilder struct {
	interval float64
	// scale stretches a partial window's deltas to the full interval.
	scale   float64
	entries []any
}

func (b *counterBuilder) mean(name, display, units string, v float64) {
	b.entries = append(b.entries, map[string]any{
		"Name":         name,
		"DisplayName":  display,
		"DisplayUnits": units,
		"Mean":         v,
		"IntervalSec":  b.interval,
		"CounterType":  "Mean",
	})
}

func (b *counterBuilder) increment(name, display, units string, v float64) {
	b.entries = append(b.entries, map[string]any{
		"Name":         name,
		"DisplayName":  display,
		"DisplayUnits": units,
		"Increment":    v * b.scale,
		"IntervalSec":  b.interval,
		"CounterType":  "Sum",
	})
}

func delta[T uint32 | uint64](cur, prev T) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

// buildCounters renders the counter payload for the window between prev and
// cur. Increment counters carry the delta accumulated over interval: when the
// window was cut short (elapsed < interval) the delta is extrapolated so the
// reported rate matches a full window.
func buildCounters(cur, prev sample, interval, elapsed time.Duration) []any {
	b := &counterBuilder{interval: interval.Seconds(), scale: 1}
	if elapsed > 0 && elapsed < interval {
		b.scale = float64(interval) / float64(elapsed)
	}

	if cur.hasCPU {
		b.mean("cpu-usage", "CPU Usage", "%", cur.cpu)
	}
	b.mean("threadpool-thread-count", "ThreadPool Thread Count", "", float64(cur.threads))
	if cur.hasLoad {
		b.mean("threadpool-queue-length", "ThreadPool Queue Length", "", float64(cur.load.Queued))
		b.increment("threadpool-completed-items-count", "ThreadPool Completed Work Item Count", "",
			delta(cur.load.Completed, prev.load.Completed))
	}

	b.mean("gc-heap-size", "GC Heap Size", "MB", float64(cur.heapAlloc)/bytesPerMB)
	committed := uint64(0)
	if cur.heapSys > cur.heapReleased {
		committed = cur.heapSys - cur.heapReleased
	}
	b.mean("gc-committed", "GC Committed Bytes", "MB", float64(committed)/bytesPerMB)
	fragmentation := 0.0
	if cur.heapInuse > 0 && cur.heapInuse > cur.heapAlloc {
		fragmentation = float64(cur.heapInuse-cur.heapAlloc) / float64(cur.heapInuse) * 100
	}
	b.mean("gc-fragmentation", "GC Fragmentation", "%", fragmentation)
	b.increment("gen-0-gc-count", "Gen 0 GC Count", "", delta(cur.numGC, prev.numGC))
	b.increment("gen-2-gc-count", "Gen 2 GC Count", "", delta(cur.numForcedGC, prev.numForcedGC))
	b.mean("gen-0-size", "Gen 0 Size", "B", float64(cur.liveHeap))
	b.increment("alloc-rate", "Allocation Rate", "B", delta(cur.totalAlloc, prev.totalAlloc))
	b.mean("time-in-gc", "% Time in GC since last GC", "%", cur.gcCPUFraction*100)
	b.mean("goroutine-count", "Goroutine Count", "", float64(cur.goroutines))

	if cur.hasLoad {
		b.increment("exception-count", "Exception Count", "", delta(cur.load.Failed, prev.load.Failed))
		b.mean("current-requests", "Current Requests", "", float64(cur.load.InFlight))
		b.increment("requests-started", "Requests Started", "", delta(cur.load.Started, prev.load.Started))
		b.increment("requests-failed", "Requests Failed", "", delta(cur.load.Failed, prev.load.Failed))
		b.mean("http11-connections-current-total", "Current Http 1.1 Connections", "",
			float64(cur.load.HTTP11Connections))
		b.mean("http20-connections-current-total", "Current Http 2.0 Connections", "",
			float64(cur.load.HTTP20Connections))
		b.mean("http11-requests-queue-duration", "HTTP 1.1 Requests Queue Duration", "ms",
			float64(cur.load.HTTP11QueueWait)/float64(time.Millisecond))
		b.mean("http20-requests-queue-duration", "HTTP 2.0 Requests Queue Duration", "ms",
			float64(cur.load.HTTP20QueueWait)/float64(time.Millisecond))
	}
	return b.entries
}
