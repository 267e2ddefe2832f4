// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package translator turns runtime counter events into metric lines.
package translator

import (
	"errors"
	"math"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/counter-harness/pkg/events"
	"github.com/hashicorp/counter-harness/pkg/metricsink"
)

const (
	DefaultIntervalSeconds = 30
	DefaultGCEndThreshold  = 4
)

// Subscriber creates subscriptions. *events.Bus satisfies it.
type Subscriber interface {
	EnableEvents(l events.Listener, src events.Source, level events.Level, keywords events.Keywords, options map[string]string) (*events.Subscription, error)
}

// State is the lifecycle of the heap statistics subscription.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateCancelled:
		return "cancelled"
	}
	return "unsubscribed"
}

// Config configures a Translator. Zero values fall back to the defaults.
type Config struct {
	Logger     hclog.Logger
	Sink       metricsink.Writer
	Subscriber Subscriber

	AllowedSources  []string
	AllowedCounters []string
	IntervalSeconds int
	GCEndThreshold  uint64

	// RuntimeSource is the source whose subscription is cancelled once the GC
	// count passes GCEndThreshold.
	RuntimeSource string
	HeapSchema    *HeapSchema
}

// Translator is an events.Listener that forwards allow-listed counters and
// heap statistics to a metrics sink.
type Translator struct {
	logger     hclog.Logger
	sink       metricsink.Writer
	subscriber Subscriber

	sources       map[string]struct{}
	counters      map[string]struct{}
	interval      int
	threshold     uint64
	runtimeSource string
	schema        HeapSchema

	mu      sync.Mutex
	state   State
	heapSub interface{ Cancel() }
}

// New builds a Translator. The allow-lists are copied and never change.
func New(cfg Config) (*Translator, error) {
	switch {
	case cfg.Sink == nil:
		return nil, errors.New("metrics sink not specified")
	case cfg.Subscriber == nil:
		return nil, errors.New("event subscriber not specified")
	case cfg.IntervalSeconds < 0:
		return nil, errors.New("counter interval must not be negative")
	}

	t := &Translator{
		logger:        cfg.Logger,
		sink:          cfg.Sink,
		subscriber:    cfg.Subscriber,
		sources:       toSet(cfg.AllowedSources),
		counters:      toSet(cfg.AllowedCounters),
		interval:      cfg.IntervalSeconds,
		threshold:     cfg.GCEndThreshold,
		runtimeSource: cfg.RuntimeSource,
		schema:        HeapStatsV2,
	}
	if t.logger == nil {
		t.logger = hclog.NewNullLogger()
	}
	if len(cfg.AllowedSources) == 0 {
		t.sources = toSet(DefaultSources)
	}
	if len(cfg.AllowedCounters) == 0 {
		t.counters = toSet(DefaultCounters)
	}
	if t.interval == 0 {
		t.interval = DefaultIntervalSeconds
	}
	if t.threshold == 0 {
		t.threshold = DefaultGCEndThreshold
	}
	if t.runtimeSource == "" {
		t.runtimeSource = events.RuntimeSourceName
	}
	if cfg.HeapSchema != nil {
		t.schema = *cfg.HeapSchema
	}
	return t, nil
}

// OnSourceCreated subscribes to allow-listed sources.
func (t *Translator) OnSourceCreated(src events.Source) {
	if _, ok := t.sources[src.Name]; !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	isRuntime := src.Name == t.runtimeSource
	if isRuntime && t.state != StateUnsubscribed {
		// The sampling window is one-shot.
		return
	}

	sub, err := t.subscriber.EnableEvents(t, src, events.LevelInformational, events.KeywordGC, map[string]string{
		events.OptionCounterInterval: strconv.Itoa(t.interval),
	})
	if err != nil {
		t.logger.Error("failed to enable events", "source", src.Name, "error", err)
		return
	}
	t.logger.Debug("subscribed to event source", "source", src.Name, "subscription", sub.ID)

	if isRuntime {
		t.heapSub = sub
		t.state = StateSubscribed
	}
}

// OnEvent translates a single record.
func (t *Translator) OnEvent(r events.Record) {
	if _, ok := t.sources[r.Source]; !ok {
		return
	}

	switch r.Kind() {
	case events.KindCounters:
		t.translateCounters(r.Payload)
	case events.KindHeapStats:
		t.translateHeapStats(r)
	case events.KindGCEnd:
		t.handleGCEnd(r.Payload)
	}
}

// State returns the heap statistics subscription state.
func (t *Translator) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HeapStatsActive reports whether the heap statistics subscription is held.
func (t *Translator) HeapStatsActive() bool {
	return t.State() == StateSubscribed
}

func (t *Translator) translateCounters(payload []any) {
	for _, entry := range payload {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, ok := fields["DisplayName"].(string)
		if !ok {
			continue
		}
		if _, ok := t.counters[name]; !ok {
			continue
		}

		value, ok, err := t.counterValue(fields)
		if err != nil {
			t.logger.Debug("skipping counter", "name", name, "error", err)
			continue
		}
		if ok {
			t.sink.WriteMetrics(metricsink.FormatLine(name, value))
		}
	}
}

func (t *Translator) counterValue(fields map[string]any) (int64, bool, error) {
	if mean, ok := fields["Mean"]; ok {
		v, err := toInt64(mean)
		return v, err == nil, err
	}
	if inc, ok := fields["Increment"]; ok {
		f, err := toFloat64(inc)
		if err != nil {
			return 0, false, err
		}
		v, err := floatToInt64(math.Floor(f / float64(t.interval)))
		return v, err == nil, err
	}
	return 0, false, nil
}

func (t *Translator) translateHeapStats(r events.Record) {
	for _, f := range t.schema.extract(r.PayloadNames, r.Payload) {
		v, ok := integerValue(f.value)
		if !ok {
			continue
		}
		t.sink.WriteMetrics(metricsink.FormatLine(f.name, v))
	}
}

func (t *Translator) handleGCEnd(payload []any) {
	if len(payload) == 0 {
		return
	}
	count, ok := gcCount(payload[0])
	if !ok || uint64(count) <= t.threshold {
		return
	}

	t.mu.Lock()
	sub := t.heapSub
	t.heapSub = nil
	if sub != nil {
		t.state = StateCancelled
	}
	t.mu.Unlock()

	if sub == nil {
		return
	}
	t.logger.Info("gc count threshold reached, disabling heap statistics", "gc_count", count)
	sub.Cancel()
}
