// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package loadgen fires concurrent outbound HTTP requests, each worker through
// its own connection-limited client, and keeps live statistics about them.
package loadgen

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-rootcerts"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

// Generator drives the load. A Generator runs once.
type Generator struct {
	opts      Options
	logger    hclog.Logger
	tlsConfig *tls.Config
	limiter   *rate.Limiter
	planned   int64
	stats     *stats
}

func New(opts Options, logger hclog.Logger) (*Generator, error) {
	opts.normalize()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.CAFile != "" || opts.CAPath != "" {
		err := rootcerts.ConfigureTLS(tlsConfig, &rootcerts.Config{
			CAFile: opts.CAFile,
			CAPath: opts.CAPath,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure CA certificates: %w", err)
		}
	}

	return &Generator{
		opts:      opts,
		logger:    logger,
		tlsConfig: tlsConfig,
		limiter:   opts.LimiterFactory(opts.RatePerSecond),
		planned:   int64(opts.Workers) * int64(opts.RequestsPerWorker),
		stats:     newStats(),
	}, nil
}

// Stats returns the live statistics. The queue-wait means cover the period
// since the previous call.
func (g *Generator) Stats() Snapshot {
	return g.stats.snapshot(g.planned, true)
}

// Progress is Stats without the queue-wait means, so it does not reset them.
func (g *Generator) Progress() Snapshot {
	return g.stats.snapshot(g.planned, false)
}

// Run starts every worker and waits for them to finish. Request failures
// are counted, never returned.
func (g *Generator) Run(ctx context.Context) Result {
	start := time.Now()
	g.logger.Info("starting load", "workers", g.opts.Workers, "requests_per_worker", g.opts.RequestsPerWorker,
		"target", g.opts.TargetURL, "max_conns_per_worker", g.opts.MaxConnsPerWorker)

	var wg sync.WaitGroup
	wg.Add(g.opts.Workers)
	for i := 0; i < g.opts.Workers; i++ {
		go func(id int) {
			defer wg.Done()
			g.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	res := Result{
		Total:      int64(g.stats.completed.Load()),
		Failed:     int64(g.stats.failed.Load()),
		Duration:   time.Since(start),
		P50Latency: g.stats.quantile(50),
		P90Latency: g.stats.quantile(90),
		P99Latency: g.stats.quantile(99),
	}
	g.logger.Info("load completed", "total", res.Total, "failed", res.Failed, "duration", res.Duration,
		"p50", res.P50Latency, "p99", res.P99Latency)
	return res
}

func (g *Generator) worker(ctx context.Context, id int) {
	logger := g.logger.With("worker", id)
	transport, err := g.newTransport()
	if err != nil {
		logger.Error("failed to configure transport", "error", err)
		return
	}
	tracker := &connTracker{stats: g.stats}
	defer func() {
		transport.CloseIdleConnections()
		tracker.release()
	}()

	client := &http.Client{
		Transport: transport,
		Timeout:   g.opts.RequestTimeout,
	}
	for i := 0; i < g.opts.RequestsPerWorker; i++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return
		}
		g.do(ctx, client, tracker, logger)
	}
}

func (g *Generator) newTransport() (*http.Transport, error) {
	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxConnsPerHost = g.opts.MaxConnsPerWorker
	transport.TLSClientConfig = g.tlsConfig.Clone()

	if g.opts.DisableHTTP2 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		return transport, nil
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure http2: %w", err)
	}
	return transport, nil
}

func (g *Generator) do(ctx context.Context, client *http.Client, tracker *connTracker, logger hclog.Logger) {
	g.stats.started.Add(1)
	g.stats.inFlight.Add(1)
	metrics.IncrCounter([]string{"loadgen", "requests", "started"}, 1)

	start := time.Now()
	err := g.request(ctx, client, tracker)
	elapsed := time.Since(start)

	g.stats.inFlight.Add(-1)
	g.stats.completed.Add(1)
	if err := g.stats.recordLatency(elapsed); err != nil {
		logger.Trace("failed to record latency", "latency", elapsed, "error", err)
	}
	metrics.MeasureSince([]string{"loadgen", "request"}, start)
	if err != nil {
		g.stats.failed.Add(1)
		metrics.IncrCounter([]string{"loadgen", "requests", "failed"}, 1)
		logger.Debug("request failed", "error", err)
	}
}

func (g *Generator) request(ctx context.Context, client *http.Client, tracker *connTracker) error {
	var getConn time.Time
	trace := &httptrace.ClientTrace{
		GetConn: func(string) {
			getConn = time.Now()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			proto := protocolOf(info.Conn)
			if !getConn.IsZero() {
				g.stats.recordQueueWait(proto, time.Since(getConn))
			}
			if !info.Reused {
				tracker.track(proto)
			}
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, g.opts.TargetURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if g.opts.UserAgent != "" {
		req.Header.Set("User-Agent", g.opts.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return nil
}
