// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package loadgen

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultWorkers           = 500
	DefaultRequestsPerWorker = 1
	DefaultTargetURL         = "https://jsonplaceholder.typicode.com/posts/1"
	DefaultMaxConnsPerWorker = 5
	DefaultRequestTimeout    = 30 * time.Second
)

// Options configure a Generator.
type Options struct {
	Workers           int           // number of concurrent workers, each with its own client
	RequestsPerWorker int           // sequential requests issued by each worker
	TargetURL         string        // URL every request GETs
	MaxConnsPerWorker int           // connection ceiling of each worker's transport
	RequestTimeout    time.Duration // per-request timeout
	RatePerSecond     int           // global pacing across workers (0 means unlimited)

	DisableHTTP2       bool
	CAFile             string
	CAPath             string
	InsecureSkipVerify bool
	UserAgent          string

	LimiterFactory func(rps int) *rate.Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.RequestsPerWorker <= 0 {
		o.RequestsPerWorker = DefaultRequestsPerWorker
	}
	if o.TargetURL == "" {
		o.TargetURL = DefaultTargetURL
	}
	if o.MaxConnsPerWorker <= 0 {
		o.MaxConnsPerWorker = DefaultMaxConnsPerWorker
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.RatePerSecond < 0 {
		o.RatePerSecond = 0
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps int) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			return rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}
