// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package translator

// HeapField is one extracted field of a heap statistics event.
type HeapField struct {
	Name     string
	Position int
}

// HeapSchema pins the layout of a heap statistics event version.
type HeapSchema struct {
	Version   int
	MinFields int
	Fields    []HeapField
}

// HeapStatsV2 is the layout of GCHeapStats_V2 events. Positions are only
// consulted when the payload names do not carry the field name.
var HeapStatsV2 = HeapSchema{
	Version:   2,
	MinFields: 13,
	Fields: []HeapField{
		{Name: "TotalPromotedSize0", Position: 1},
		{Name: "TotalPromotedSize1", Position: 3},
		{Name: "TotalPromotedSize2", Position: 5},
		{Name: "FinalizationPromotedSize", Position: 8},
		{Name: "PinnedObjectCount", Position: 10},
		{Name: "GCHandleCount", Position: 12},
	},
}

// heapValue is a raw extracted field.
type heapValue struct {
	name  string
	value any
}

// extract returns the schema fields present in the event, or nil when the
// event is too short for this schema.
func (s HeapSchema) extract(names []string, payload []any) []heapValue {
	if len(payload) < s.MinFields || len(names) < s.MinFields {
		return nil
	}

	index := make(map[string]int, len(names))
	for i, n := range names {
		if _, ok := index[n]; !ok {
			index[n] = i
		}
	}

	out := make([]heapValue, 0, len(s.Fields))
	for _, f := range s.Fields {
		i, ok := index[f.Name]
		if !ok || i >= len(payload) {
			i = f.Position
		}
		out = append(out, heapValue{name: names[i], value: payload[i]})
	}
	return out
}
