// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"github.com/armon/go-metrics/prometheus"

	"github.com/hashicorp/counter-harness/pkg/metricsink"
)

// gaugePrefix is the key prefix of translated runtime counters.
var gaugePrefix = []string{"runtime"}

var counters = []prometheus.CounterDefinition{
	{
		Name: []string{"loadgen", "requests", "started"},
		Help: "The number of outbound requests started by the load generator.",
	},
	{
		Name: []string{"loadgen", "requests", "failed"},
		Help: "The number of outbound requests that failed or returned a non-2xx status.",
	},
}

var summaries = []prometheus.SummaryDefinition{
	{
		Name: []string{"loadgen", "request"},
		Help: "The time taken by an outbound request, in milliseconds.",
	},
}

// gaugeDefinitions declares a gauge for every allow-listed counter so the
// scrape output lists them before the first value arrives.
func gaugeDefinitions(names []string) []prometheus.GaugeDefinition {
	defs := make([]prometheus.GaugeDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, prometheus.GaugeDefinition{
			Name: metricsink.GaugeKey(gaugePrefix, name),
			Help: "Runtime counter: " + name,
		})
	}
	return defs
}
