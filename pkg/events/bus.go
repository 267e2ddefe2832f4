// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package events

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"dario.cat/mergo"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
)

// OptionCounterInterval is the subscription option carrying the counter
// publication interval in seconds.
const OptionCounterInterval = "EventCounterIntervalSec"

var (
	ErrUnknownSource = errors.New("unknown event source")
	ErrNilListener   = errors.New("listener must not be nil")
)

// Subscription is a listener's interest in one source. It stays live until
// Cancel is called.
type Subscription struct {
	ID       string
	Source   Source
	Level    Level
	Keywords Keywords
	Options  map[string]string

	listener  Listener
	bus       *Bus
	once      sync.Once
	cancelled atomic.Bool
}

// Cancel stops delivery to the subscription. It is safe to call more than
// once and from multiple goroutines.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.bus.remove(s)
	})
}

// Cancelled reports whether Cancel has been called.
func (s *Subscription) Cancelled() bool {
	return s.cancelled.Load()
}

func (s *Subscription) matches(r Record) bool {
	if s.cancelled.Load() || r.Level > s.Level {
		return false
	}
	return r.Keywords == 0 || r.Keywords&s.Keywords != 0
}

// Bus connects event producers with listeners through explicit
// subscriptions.
type Bus struct {
	logger   hclog.Logger
	defaults map[string]string

	mu        sync.RWMutex
	sources   map[string]Source
	order     []string
	listeners []Listener
	subs      map[string][]*Subscription
}

// NewBus creates an empty bus. The defaults are merged into the options of
// every subscription that leaves them unset.
func NewBus(logger hclog.Logger, defaults map[string]string) *Bus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bus{
		logger:   logger,
		defaults: defaults,
		sources:  make(map[string]Source),
		subs:     make(map[string][]*Subscription),
	}
}

// AddListener registers l and announces every known source to it.
func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	known := make([]Source, 0, len(b.order))
	for _, name := range b.order {
		known = append(known, b.sources[name])
	}
	b.mu.Unlock()

	for _, src := range known {
		l.OnSourceCreated(src)
	}
}

// AddSource announces a source to every listener. Adding a name that is
// already known returns the existing source.
func (b *Bus) AddSource(name string) (Source, error) {
	b.mu.Lock()
	if src, ok := b.sources[name]; ok {
		b.mu.Unlock()
		return src, nil
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		b.mu.Unlock()
		return Source{}, fmt.Errorf("failed to generate source id: %w", err)
	}
	src := Source{ID: id, Name: name}
	b.sources[name] = src
	b.order = append(b.order, name)
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()

	b.logger.Debug("event source created", "source", name, "id", id)
	for _, l := range listeners {
		l.OnSourceCreated(src)
	}
	return src, nil
}

// EnableEvents subscribes l to src.
func (b *Bus) EnableEvents(l Listener, src Source, level Level, keywords Keywords, options map[string]string) (*Subscription, error) {
	if l == nil {
		return nil, ErrNilListener
	}

	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[k] = v
	}
	if len(b.defaults) > 0 {
		if err := mergo.Merge(&opts, b.defaults); err != nil {
			return nil, fmt.Errorf("failed to apply default subscription options: %w", err)
		}
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate subscription id: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sources[src.Name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, src.Name)
	}
	sub := &Subscription{
		ID:       id,
		Source:   b.sources[src.Name],
		Level:    level,
		Keywords: keywords,
		Options:  opts,
		listener: l,
		bus:      b,
	}
	b.subs[src.Name] = append(b.subs[src.Name], sub)
	b.logger.Debug("events enabled", "source", src.Name, "subscription", id, "level", level, "keywords", uint64(keywords))
	return sub, nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.Source.Name]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.Source.Name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	b.logger.Debug("events disabled", "source", sub.Source.Name, "subscription", sub.ID)
}

// Subscriptions returns the live subscriptions of a source. The options maps
// are shared and must not be modified.
func (b *Bus) Subscriptions(source string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Subscription(nil), b.subs[source]...)
}

// Enabled reports whether a record at the given level and keywords would reach
// at least one listener.
func (b *Bus) Enabled(source string, level Level, keywords Keywords) bool {
	want := Record{Source: source, Level: level, Keywords: keywords}
	for _, sub := range b.Subscriptions(source) {
		if sub.matches(want) {
			return true
		}
	}
	return false
}

// Publish delivers r on the calling goroutine to every matching subscription.
func (b *Bus) Publish(r Record) {
	for _, sub := range b.Subscriptions(r.Source) {
		if sub.matches(r) {
			sub.listener.OnEvent(r)
		}
	}
}
