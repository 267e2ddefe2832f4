// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package harness wires the event bus, runtime source, counter translator,
// metric sinks and load generator into a single run.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/counter-harness/pkg/events"
	"github.com/hashicorp/counter-harness/pkg/loadgen"
	metricscache "github.com/hashicorp/counter-harness/pkg/metrics-cache"
	"github.com/hashicorp/counter-harness/pkg/metricsink"
	"github.com/hashicorp/counter-harness/pkg/otlphttp"
	"github.com/hashicorp/counter-harness/pkg/runtimesource"
	"github.com/hashicorp/counter-harness/pkg/translator"
	"github.com/hashicorp/counter-harness/version"
)

// Harness represents a counter-harness run.
type Harness struct {
	logger hclog.Logger
	cfg    *Config
	runID  string

	bus        *events.Bus
	translator *translator.Translator
	cache      *metricscache.Sink
	writers    metricsink.Fanout
	load       *loadgen.Generator

	metricsConfig *metricsConfig
	admin         *adminServer

	ready atomic.Bool

	mu     sync.Mutex
	result *loadgen.Result
}

// Status is the admin status document.
type Status struct {
	RunID           string               `json:"run_id"`
	Version         string               `json:"version"`
	Ready           bool                 `json:"ready"`
	HeapStats       string               `json:"heap_stats"`
	HeapStatsActive bool                 `json:"heap_stats_active"`
	Subscriptions   []SubscriptionStatus `json:"subscriptions"`
	CacheDropped    uint64               `json:"cache_dropped"`
	Load            *loadgen.Snapshot    `json:"load,omitempty"`
	Result          *loadgen.Result      `json:"result,omitempty"`
}

// SubscriptionStatus describes one live event subscription.
type SubscriptionStatus struct {
	ID      string            `json:"id"`
	Source  string            `json:"source"`
	Level   string            `json:"level"`
	Options map[string]string `json:"options"`
}

// New creates a new Harness.
func New(cfg *Config) (*Harness, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	hclogLevel := hclog.LevelFromString(cfg.Logging.LogLevel)
	if hclogLevel == hclog.NoLevel {
		hclogLevel = hclog.Info
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       cfg.Logging.Name,
		Level:      hclogLevel,
		JSONFormat: cfg.Logging.LogJSON,
	})

	runID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	return &Harness{
		logger: logger.With("run_id", runID),
		cfg:    cfg,
		runID:  runID,
	}, nil
}

func validateConfig(cfg *Config) error {
	switch {
	case cfg == nil:
		return errors.New("configuration not specified")
	case cfg.Logging == nil:
		return errors.New("logging settings not specified")
	case cfg.Counters == nil:
		return errors.New("counter settings not specified")
	case cfg.Counters.IntervalSeconds <= 0:
		return errors.New("counter interval must be greater than zero")
	case cfg.Counters.GCEndThreshold == 0:
		return errors.New("gc end threshold must be greater than zero")
	case cfg.Load == nil:
		return errors.New("load settings not specified")
	case !cfg.Load.Disabled && cfg.Load.TargetURL != "" &&
		!strings.HasPrefix(cfg.Load.TargetURL, "http://") && !strings.HasPrefix(cfg.Load.TargetURL, "https://"):
		return errors.New("load target must be an http or https url")
	case cfg.Telemetry == nil:
		return errors.New("telemetry settings not specified")
	case cfg.Admin == nil:
		return errors.New("admin settings not specified")
	case cfg.Linger < 0:
		return errors.New("linger must not be negative")
	}

	if cfg.Telemetry.Prometheus.BindAddr != "" && cfg.Telemetry.Prometheus.RetentionTime <= 0 {
		return errors.New("-telemetry-prom-retention-time must be greater than zero")
	}
	return nil
}

// Run executes the load while translating runtime counters, then shuts down.
// It returns when the load and the linger period are over, when ctx is done,
// or with an error when a server exits unexpectedly.
func (h *Harness) Run(ctx context.Context) error {
	ctx = hclog.WithContext(ctx, h.logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.logger.Info("started counter-harness process", "version", version.GetHumanVersion())

	h.metricsConfig = newMetricsConfig(h.cfg.Telemetry, h.allowedCounters())
	gaugeSinks, err := h.metricsConfig.startMetrics(ctx)
	if err != nil {
		return err
	}

	writers, err := h.buildWriters(gaugeSinks)
	if err != nil {
		return multierror.Append(err, h.metricsConfig.stopMetrics())
	}
	h.writers = writers
	h.cache = metricscache.NewSink(writers)

	h.bus = events.NewBus(h.logger.Named("events"), map[string]string{
		events.OptionCounterInterval: strconv.Itoa(h.cfg.Counters.IntervalSeconds),
	})
	h.translator, err = translator.New(translator.Config{
		Logger:          h.logger.Named("translator"),
		Sink:            h.cache,
		Subscriber:      h.bus,
		AllowedSources:  h.cfg.Counters.AllowedSources,
		AllowedCounters: h.cfg.Counters.AllowedCounters,
		IntervalSeconds: h.cfg.Counters.IntervalSeconds,
		GCEndThreshold:  h.cfg.Counters.GCEndThreshold,
	})
	if err != nil {
		return h.shutdown(err)
	}
	h.bus.AddListener(h.translator)

	sourceCfg := runtimesource.Config{
		Logger:       h.logger.Named("runtime"),
		Bus:          h.bus,
		PollInterval: h.cfg.Counters.PollInterval,
	}
	if !h.cfg.Load.Disabled {
		h.load, err = loadgen.New(h.cfg.Load.Options, h.logger.Named("load"))
		if err != nil {
			return h.shutdown(err)
		}
		sourceCfg.Load = h.load
	}
	source, err := runtimesource.New(sourceCfg)
	if err != nil {
		return h.shutdown(err)
	}

	// The sink must be initialized before the runtime source produces events.
	if err := h.cache.Initialize(); err != nil {
		return h.shutdown(fmt.Errorf("failed to initialize metrics sink: %w", err))
	}

	if !h.cfg.Admin.Disabled {
		h.admin = newAdminServer(h.cfg.Admin, h.ready.Load, h.Status, cancel)
		if err := h.admin.start(ctx); err != nil {
			return h.shutdown(err)
		}
	}

	sourceCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	sourceDone := make(chan error, 1)
	go func() { sourceDone <- source.Run(sourceCtx) }()

	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		if h.load != nil {
			res := h.load.Run(ctx)
			h.mu.Lock()
			h.result = &res
			h.mu.Unlock()
		}
		if h.load == nil && h.cfg.Linger == 0 {
			<-ctx.Done()
			return
		}
		if h.cfg.Linger > 0 {
			h.logger.Info("lingering before shutdown", "duration", h.cfg.Linger)
			select {
			case <-time.After(h.cfg.Linger):
			case <-ctx.Done():
			}
		}
	}()

	h.ready.Store(true)

	var runErr error
	select {
	case <-ctx.Done():
		h.logger.Info("shutting down")
	case <-loadDone:
		h.logger.Info("load finished, shutting down")
	case err := <-sourceDone:
		runErr = fmt.Errorf("runtime source exited unexpectedly: %v", err)
		sourceDone <- nil
	case <-h.metricsConfig.metricsServerExited():
		runErr = errors.New("metrics server exited unexpectedly")
	case <-h.adminServerExited():
		runErr = errors.New("admin server exited unexpectedly")
	}
	h.ready.Store(false)

	// Stop the source first so its final counter snapshot reaches the
	// writers before they are closed.
	stopSource()
	<-sourceDone
	cancel()
	<-loadDone

	return h.shutdown(runErr)
}

// shutdown closes the writers and servers and combines their errors with
// cause.
func (h *Harness) shutdown(cause error) error {
	var errs error
	if cause != nil {
		errs = multierror.Append(errs, cause)
	}
	if h.writers != nil {
		if err := h.writers.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close metric writers: %w", err))
		}
	}
	if h.admin != nil {
		if err := h.admin.stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if h.metricsConfig != nil {
		if err := h.metricsConfig.stopMetrics(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if h.cache != nil {
		if dropped := h.cache.Dropped(); dropped > 0 {
			h.logger.Warn("metric lines dropped before the sink was initialized", "count", dropped)
		}
	}
	h.logger.Info("counter-harness stopped")
	return errs
}

func (h *Harness) adminServerExited() <-chan struct{} {
	if h.admin == nil {
		return nil
	}
	return h.admin.adminServerExited()
}

func (h *Harness) allowedCounters() []string {
	if len(h.cfg.Counters.AllowedCounters) > 0 {
		return h.cfg.Counters.AllowedCounters
	}
	return translator.DefaultCounters
}

// buildWriters creates the configured metric line destinations.
func (h *Harness) buildWriters(gaugeSinks metrics.FanoutSink) (metricsink.Fanout, error) {
	tcfg := h.cfg.Telemetry
	var writers metricsink.Fanout

	if tcfg.Stdout {
		writers = append(writers, metricsink.NewLineWriter(os.Stdout, h.logger))
	}
	if tcfg.MetricsFile != "" {
		w, err := metricsink.NewFileWriter(tcfg.MetricsFile, h.logger)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	if tcfg.LogLines {
		writers = append(writers, metricsink.NewLogWriter(h.logger.Named("counters"), hclog.Info))
	}
	if len(gaugeSinks) > 0 {
		writers = append(writers, metricsink.NewGaugeWriter(gaugeSinks, gaugePrefix, h.logger))
	}
	if tcfg.OTLP.Endpoint != "" {
		w, err := h.otlpWriter()
		if err != nil {
			writers.Close()
			return nil, err
		}
		writers = append(writers, w)
	}

	if len(writers) == 0 {
		h.logger.Warn("no metric destinations configured, logging metric lines")
		writers = append(writers, metricsink.NewLogWriter(h.logger.Named("counters"), hclog.Info))
	}
	return writers, nil
}

func (h *Harness) otlpWriter() (*metricsink.OTLPWriter, error) {
	ocfg := h.cfg.Telemetry.OTLP
	clientCfg := &otlphttp.Config{
		MetricsEndpoint: ocfg.Endpoint,
		UserAgent:       "counter-harness/" + version.GetHumanVersion(),
		Logger:          h.logger.Named("otlp"),
	}
	if len(ocfg.Headers) > 0 {
		clientCfg.Middleware = append(clientCfg.Middleware, otlphttp.WithRequestHeaders(ocfg.Headers))
	}
	switch {
	case ocfg.ClientID != "":
		cc := &otlphttp.ClientCredentialsConfig{
			TokenURL:     ocfg.TokenURL,
			ClientID:     ocfg.ClientID,
			ClientSecret: ocfg.ClientSecret,
			Audience:     ocfg.Audience,
		}
		ts, err := cc.TokenSource()
		if err != nil {
			return nil, fmt.Errorf("failed to configure otlp client credentials: %w", err)
		}
		clientCfg.TokenSource = ts
	case ocfg.Token != "":
		clientCfg.TokenSource = otlphttp.StaticToken(ocfg.Token)
	}
	client, err := otlphttp.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp client: %w", err)
	}
	return metricsink.NewOTLPWriter(metricsink.OTLPConfig{
		Exporter: client,
		Interval: ocfg.Interval,
		Attributes: map[string]string{
			"service.name":        "counter-harness",
			"service.version":     version.GetHumanVersion(),
			"service.instance.id": h.runID,
		},
		Logger: h.logger.Named("otlp"),
	})
}

// Status reports the current state of the run. It must not be called while
// Run is starting up, i.e. before the run reports ready.
func (h *Harness) Status() Status {
	st := Status{
		RunID:   h.runID,
		Version: version.GetHumanVersion(),
		Ready:   h.ready.Load(),
	}
	if h.translator != nil {
		st.HeapStats = h.translator.State().String()
		st.HeapStatsActive = h.translator.HeapStatsActive()
	}
	if h.bus != nil {
		for _, name := range []string{events.RuntimeSourceName, events.CountersSourceName} {
			for _, sub := range h.bus.Subscriptions(name) {
				st.Subscriptions = append(st.Subscriptions, SubscriptionStatus{
					ID:      sub.ID,
					Source:  sub.Source.Name,
					Level:   sub.Level.String(),
					Options: sub.Options,
				})
			}
		}
	}
	if h.cache != nil {
		st.CacheDropped = h.cache.Dropped()
	}
	if h.load != nil {
		snap := h.load.Progress()
		st.Load = &snap
	}
	h.mu.Lock()
	st.Result = h.result
	h.mu.Unlock()
	return st
}

// GracefulShutdown cancels the run. The final counter snapshot is still
// written before Run returns.
func (h *Harness) GracefulShutdown(cancel context.CancelFunc) {
	h.logger.Info("shutdown triggered")
	cancel()
}
