// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package metricsink

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"
)

const (
	defaultExportInterval = 30 * time.Second
	finalExportTimeout    = 10 * time.Second

	scopeName = "github.com/hashicorp/counter-harness"
)

// Exporter ships a batch of metrics. *otlphttp.Client satisfies it.
type Exporter interface {
	ExportMetrics(ctx context.Context, m pmetric.Metrics) error
}

type OTLPConfig struct {
	Exporter Exporter
	// Interval between exports. Defaults to 30s.
	Interval time.Duration
	// Attributes are attached to the exported resource.
	Attributes map[string]string
	Logger     hclog.Logger
}

type point struct {
	value int64
	ts    time.Time
}

// OTLPWriter keeps the latest value of each metric line and exports the batch
// as OTLP gauges on every interval and on Close.
type OTLPWriter struct {
	cfg    OTLPConfig
	logger hclog.Logger

	mu     sync.Mutex
	latest map[string]point

	startOnce sync.Once
	started   atomic.Bool
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewOTLPWriter(cfg OTLPConfig) (*OTLPWriter, error) {
	if cfg.Exporter == nil {
		return nil, errors.New("otlp exporter not specified")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultExportInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &OTLPWriter{
		cfg:    cfg,
		logger: logger,
		latest: make(map[string]point),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Initialize starts the export loop.
func (w *OTLPWriter) Initialize() error {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
	return nil
}

func (w *OTLPWriter) WriteMetrics(line string) {
	name, value, err := ParseLine(line)
	if err != nil {
		w.logger.Debug("dropping metric line", "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latest[name] = point{value: value, ts: time.Now()}
}

// Flush exports the pending values, if any.
func (w *OTLPWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending := w.latest
	w.latest = make(map[string]point)
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return w.cfg.Exporter.ExportMetrics(ctx, w.build(pending))
}

// Close stops the export loop and exports what is left.
func (w *OTLPWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		if w.started.Load() {
			<-w.doneCh
		}

		ctx, cancel := context.WithTimeout(context.Background(), finalExportTimeout)
		defer cancel()
		err = w.Flush(ctx)
	})
	return err
}

func (w *OTLPWriter) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Interval)
			if err := w.Flush(ctx); err != nil {
				w.logger.Error("failed to export metrics", "error", err)
			}
			cancel()
		}
	}
}

func (w *OTLPWriter) build(points map[string]point) pmetric.Metrics {
	md := pmetric.NewMetrics()
	rm := md.ResourceMetrics().AppendEmpty()
	attrs := rm.Resource().Attributes()
	for k, v := range w.cfg.Attributes {
		attrs.PutStr(k, v)
	}

	sm := rm.ScopeMetrics().AppendEmpty()
	sm.Scope().SetName(scopeName)

	names := make([]string, 0, len(points))
	for name := range points {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := points[name]
		m := sm.Metrics().AppendEmpty()
		m.SetName(GaugeName(name))
		m.SetDescription(name)
		dp := m.SetEmptyGauge().DataPoints().AppendEmpty()
		dp.SetIntValue(p.value)
		dp.SetTimestamp(pcommon.NewTimestampFromTime(p.ts))
	}
	return md
}
