// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package translator

import "github.com/hashicorp/counter-harness/pkg/events"

// DefaultSources are the event sources subscribed to when no allow-list is
// configured.
var DefaultSources = []string{
	events.RuntimeSourceName,
	events.CountersSourceName,
}

// DefaultCounters are the counter display names forwarded to the sink when no
// allow-list is configured. Matching is exact and case-sensitive.
var DefaultCounters = []string{
	"CPU Usage",
	"ThreadPool Completed Work Item Count",
	"ThreadPool Queue Length",
	"ThreadPool Thread Count",
	"Number of Active Timers",
	"GC Fragmentation",
	"GC Committed Bytes",
	"GC Heap Size",
	"Gen 0 GC Count",
	"Gen 1 GC Count",
	"Gen 2 GC Count",
	"Gen 0 Size",
	"Gen 1 Size",
	"Gen 2 Size",
	"LOH Size",
	"POH (Pinned Object Heap) Size",
	"Exception Count",
	"Monitor Lock Contention Count",
	"Allocation Rate",
	"% Time in GC since last GC",
	"Current Requests",
	"Requests Started",
	"Requests Failed",
	"Current Http 1.1 Connections",
	"Current Http 2.0 Connections",
	"HTTP 1.1 Requests Queue Duration",
	"HTTP 2.0 Requests Queue Duration",
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
