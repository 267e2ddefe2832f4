// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package events

import (
	"strings"
	"time"
)

// Level is the verbosity of an event. A subscription at a given level
// receives every event at that level or below.
type Level int

const (
	LevelLogAlways Level = iota
	LevelCritical
	LevelError
	LevelWarning
	LevelInformational
	LevelVerbose
)

func (l Level) String() string {
	switch l {
	case LevelLogAlways:
		return "LogAlways"
	case LevelCritical:
		return "Critical"
	case LevelError:
		return "Error"
	case LevelWarning:
		return "Warning"
	case LevelInformational:
		return "Informational"
	case LevelVerbose:
		return "Verbose"
	}
	return "Unknown"
}

// Keywords is a bit mask selecting event categories within a source.
type Keywords uint64

// KeywordGC selects garbage collection events of the runtime source.
const KeywordGC Keywords = 1

const (
	// RuntimeSourceName publishes GC heap statistics and GC-end events.
	RuntimeSourceName = "Go-Runtime"
	// CountersSourceName publishes periodic counter snapshots.
	CountersSourceName = "Go-Runtime-Counters"
)

// Event names understood by the counter translator.
const (
	EventNameCounters  = "EventCounters"
	EventNameHeapStats = "GCHeapStats_V2"
	EventNameGCEnd     = "GCEnd_V1"
)

// Kind discriminates the payload shape of a Record.
type Kind int

const (
	KindOther Kind = iota
	KindCounters
	KindHeapStats
	KindGCEnd
)

func (k Kind) String() string {
	switch k {
	case KindCounters:
		return "counters"
	case KindHeapStats:
		return "heap-stats"
	case KindGCEnd:
		return "gc-end"
	}
	return "other"
}

// Source identifies an origin of events.
type Source struct {
	ID   string
	Name string
}

// Record is a single event delivered to listeners. Counter records carry a
// list of field maps in Payload. Heap statistics and GC-end records carry
// positional values in Payload with their names in the parallel
// PayloadNames slice.
type Record struct {
	Source       string
	Name         string
	Level        Level
	Keywords     Keywords
	Timestamp    time.Time
	Payload      []any
	PayloadNames []string
}

// Kind classifies the record by its event name.
func (r Record) Kind() Kind {
	switch {
	case r.Name == EventNameCounters:
		return KindCounters
	case strings.Contains(r.Name, EventNameHeapStats):
		return KindHeapStats
	case r.Name == EventNameGCEnd:
		return KindGCEnd
	}
	return KindOther
}

// Listener receives source announcements and events from a Bus.
type Listener interface {
	// OnSourceCreated is called once per source, either when the source is
	// added or when the listener registers after the source already exists.
	OnSourceCreated(Source)
	// OnEvent is called on the publisher's goroutine for every record matching
	// one of the listener's live subscriptions.
	OnEvent(Record)
}
