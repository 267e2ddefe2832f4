// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package runtimesource

import (
	"math"
	"time"

	"github.com/hashicorp/counter-harness/pkg/events"
)

// Field names of the version 2 heap statistics payload, in position order.
var heapStatsNames = []string{
	"GenerationSize0",
	"TotalPromotedSize0",
	"GenerationSize1",
	"TotalPromotedSize1",
	"GenerationSize2",
	"TotalPromotedSize2",
	"GenerationSize3",
	"TotalPromotedSize3",
	"FinalizationPromotedSize",
	"FinalizationPromotedCount",
	"PinnedObjectCount",
	"SinkBlockCount",
	"GCHandleCount",
	"InstanceID",
}

var gcEndNames = []string{"Count", "Depth", "Reason", "Type", "InstanceID"}

// GC end reasons.
const (
	gcReasonAlloc   uint32 = 0
	gcReasonInduced uint32 = 1
)

// heapStatsRecord maps the Go heap onto the generational layout. The Go
// collector is not generational, so the slots carry the nearest analogue:
// allocated and live heap, stacks, heap reservation and next goal, idle and
// released spans, and the object count as the handle count.
func heapStatsRecord(s sample, ts time.Time) events.Record {
	objects := s.heapObjects
	if objects > math.MaxUint32 {
		objects = math.MaxUint32
	}
	return events.Record{
		Source:    events.RuntimeSourceName,
		Name:      events.EventNameHeapStats,
		Level:     events.LevelInformational,
		Keywords:  events.KeywordGC,
		Timestamp: ts,
		Payload: []any{
			s.heapAlloc,
			s.liveHeap,
			s.stackInuse,
			s.stackSys,
			s.heapSys,
			s.nextGC,
			s.heapIdle,
			s.heapReleased,
			uint64(0),
			uint64(0),
			uint32(0),
			uint32(0),
			uint32(objects),
			uint16(0),
		},
		PayloadNames: heapStatsNames,
	}
}

func gcEndRecord(cur, prev sample, ts time.Time) events.Record {
	reason := gcReasonAlloc
	if cur.numForcedGC > prev.numForcedGC {
		reason = gcReasonInduced
	}
	return events.Record{
		Source:       events.RuntimeSourceName,
		Name:         events.EventNameGCEnd,
		Level:        events.LevelInformational,
		Keywords:     events.KeywordGC,
		Timestamp:    ts,
		Payload:      []any{cur.numGC, uint32(0), reason, uint32(0), uint16(0)},
		PayloadNames: gcEndNames,
	}
}
