// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/armon/go-metrics"
	"github.com/armon/go-metrics/datadog"
	"github.com/armon/go-metrics/prometheus"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

type Stats int

const (
	// Distinguishing values for the type of sinks that are being used
	Prometheus Stats = iota
	Dogstatsd
	Statsd
	Inmem
)

// metricsConfig handles the go-metrics sinks and the Prometheus scrape
// server.
type metricsConfig struct {
	logger hclog.Logger
	cfg    *TelemetryConfig
	gauges []prometheus.GaugeDefinition

	sinks       metrics.FanoutSink
	registry    *prom.Registry
	inmemSignal *metrics.InmemSignal

	promServer   *http.Server
	promListener net.Listener

	// lifecycle control
	errorExitCh chan struct{}
	exitOnce    sync.Once
	running     bool
	mu          sync.Mutex
}

func newMetricsConfig(cfg *TelemetryConfig, allowedCounters []string) *metricsConfig {
	return &metricsConfig{
		cfg:         cfg,
		gauges:      gaugeDefinitions(allowedCounters),
		errorExitCh: make(chan struct{}),
		logger:      hclog.NewNullLogger(),
	}
}

// startMetrics builds the configured sinks, installs them as the global
// go-metrics sink and starts the Prometheus server. It returns the fan-out of
// sinks, which is empty when nothing is configured.
func (m *metricsConfig) startMetrics(ctx context.Context) (metrics.FanoutSink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return m.sinks, nil
	}
	m.logger = hclog.FromContext(ctx).Named("metrics")

	if m.cfg.Prometheus.BindAddr != "" {
		if err := m.configureSinks(Prometheus); err != nil {
			return nil, fmt.Errorf("failure enabling prometheus metrics: %w", err)
		}
	}
	if m.cfg.StatsdURL != "" {
		if err := m.configureSinks(Statsd); err != nil {
			return nil, fmt.Errorf("failure enabling statsd metrics: %w", err)
		}
	}
	if m.cfg.Dogstatsd.URL != "" {
		if err := m.configureSinks(Dogstatsd); err != nil {
			return nil, fmt.Errorf("failure enabling dogstatsd metrics: %w", err)
		}
	}
	if m.cfg.InmemInterval > 0 {
		if err := m.configureSinks(Inmem); err != nil {
			return nil, fmt.Errorf("failure enabling in-memory metrics: %w", err)
		}
	}

	conf := metrics.DefaultConfig("")
	conf.EnableHostname = false
	var sink metrics.MetricSink = &metrics.BlackholeSink{}
	if len(m.sinks) > 0 {
		sink = m.sinks
	}
	if _, err := metrics.NewGlobal(conf, sink); err != nil {
		return nil, err
	}

	if m.promServer != nil {
		ln, err := net.Listen("tcp", m.promServer.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to bind prometheus metrics server: %w", err)
		}
		m.promListener = ln
		go m.runPrometheusServer(ln)
	}
	m.running = true
	return m.sinks, nil
}

// getPromDefaults creates a new prometheus registry. The registry is wrapped
// with the counter_harness prefix and then returned as a part of a
// prometheus opts that will be passed to the go-metrics sink.
func (m *metricsConfig) getPromDefaults() (*prom.Registry, *prometheus.PrometheusOpts) {
	r := prom.NewRegistry()
	reg := prom.WrapRegistererWithPrefix("counter_harness_", r)
	opts := &prometheus.PrometheusOpts{
		Registerer:         reg,
		Expiration:         m.cfg.Prometheus.RetentionTime,
		GaugeDefinitions:   m.gauges,
		CounterDefinitions: counters,
		SummaryDefinitions: summaries,
	}
	return r, opts
}

// configureSinks setups the sinks configuration for the Stats type that is
// passed in.
func (m *metricsConfig) configureSinks(s Stats) error {
	switch s {
	case Prometheus:
		r, opts := m.getPromDefaults()
		sink, err := prometheus.NewPrometheusSinkFrom(*opts)
		if err != nil {
			return err
		}
		m.registry = r
		m.sinks = append(m.sinks, sink)
		m.promServer = &http.Server{
			Addr: m.cfg.Prometheus.BindAddr,
			Handler: promhttp.HandlerFor(r, promhttp.HandlerOpts{
				ErrorHandling: promhttp.ContinueOnError,
			}),
		}
	case Statsd:
		sink, err := metrics.NewStatsdSink(m.cfg.StatsdURL)
		if err != nil {
			return err
		}
		m.sinks = append(m.sinks, sink)
	case Dogstatsd:
		sink, err := datadog.NewDogStatsdSink(m.cfg.Dogstatsd.URL, "")
		if err != nil {
			return err
		}
		sink.SetTags(m.cfg.Dogstatsd.Tags)
		m.sinks = append(m.sinks, sink)
	case Inmem:
		inm := metrics.NewInmemSink(m.cfg.InmemInterval, 10*m.cfg.InmemInterval)
		m.inmemSignal = metrics.DefaultInmemSignal(inm)
		m.sinks = append(m.sinks, inm)
	}
	return nil
}

func (m *metricsConfig) runPrometheusServer(ln net.Listener) {
	m.logger.Info("starting prometheus metrics server", "address", ln.Addr().String())
	err := m.promServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		m.logger.Error("failed to serve metrics requests", "error", err)
		m.exitOnce.Do(func() { close(m.errorExitCh) })
	}
}

// stopMetrics dumps the registry when asked to and stops the servers.
func (m *metricsConfig) stopMetrics() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	var errs error

	if m.cfg.Prometheus.DumpOnExit && m.registry != nil {
		var buf bytes.Buffer
		if err := m.dumpMetrics(&buf); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to dump metrics: %w", err))
		} else {
			m.logger.Info("final prometheus metrics\n" + buf.String())
		}
	}
	if m.promServer != nil {
		m.logger.Info("stopping the prometheus metrics server")
		if err := m.promServer.Close(); err != nil {
			m.logger.Warn("error while closing metrics server", "error", err)
			errs = multierror.Append(errs, err)
		}
	}
	if m.inmemSignal != nil {
		m.inmemSignal.Stop()
	}
	return errs
}

// dumpMetrics writes the registry in the text exposition format.
func (m *metricsConfig) dumpMetrics(w io.Writer) error {
	mfs, err := m.registry.Gather()
	if err != nil {
		return err
	}
	return writeExposition(w, mfs)
}

func writeExposition(w io.Writer, mfs []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// promAddr is the address the Prometheus server is listening on.
func (m *metricsConfig) promAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.promListener == nil {
		return ""
	}
	return m.promListener.Addr().String()
}

// metricsServerExited is used to signal that the metrics server
// exited unexpectedly.
func (m *metricsConfig) metricsServerExited() <-chan struct{} {
	return m.errorExitCh
}
