// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package metricsink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// LineWriter writes each metric line, newline terminated, to an io.Writer.
type LineWriter struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	logger hclog.Logger
}

// NewLineWriter writes lines to out.
func NewLineWriter(out io.Writer, logger hclog.Logger) *LineWriter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LineWriter{out: out, logger: logger}
}

// NewFileWriter appends lines to the file at path, creating it if needed.
func NewFileWriter(path string, logger hclog.Logger) (*LineWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	w := NewLineWriter(f, logger)
	w.closer = f
	return w, nil
}

func (w *LineWriter) Initialize() error {
	if w.out == nil {
		return errors.New("line writer has no output")
	}
	return nil
}

func (w *LineWriter) WriteMetrics(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.out, line+"\n"); err != nil {
		w.logger.Warn("failed to write metric line", "error", err)
	}
}

func (w *LineWriter) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// LogWriter emits every metric line as a log message.
type LogWriter struct {
	logger hclog.Logger
	level  hclog.Level
}

func NewLogWriter(logger hclog.Logger, level hclog.Level) *LogWriter {
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return &LogWriter{logger: logger, level: level}
}

func (w *LogWriter) Initialize() error {
	if w.logger == nil {
		return errors.New("log writer has no logger")
	}
	return nil
}

func (w *LogWriter) WriteMetrics(line string) {
	w.logger.Log(w.level, line)
}

// GaugeWriter turns metric lines into go-metrics gauges.
type GaugeWriter struct {
	sink   metrics.MetricSink
	prefix []string
	logger hclog.Logger
}

// NewGaugeWriter sets gauges on sink under prefix. The sink is usually a
// metrics.FanoutSink of Prometheus, statsd and in-memory sinks.
func NewGaugeWriter(sink metrics.MetricSink, prefix []string, logger hclog.Logger) *GaugeWriter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &GaugeWriter{sink: sink, prefix: prefix, logger: logger}
}

func (w *GaugeWriter) Initialize() error {
	if w.sink == nil {
		return errors.New("gauge writer has no metrics sink")
	}
	return nil
}

func (w *GaugeWriter) WriteMetrics(line string) {
	name, value, err := ParseLine(line)
	if err != nil {
		w.logger.Debug("dropping metric line", "error", err)
		return
	}
	// go-metrics v0.4 gauges are float32, so values above 2^24 are rounded.
	// The line and OTLP writers keep the exact integer.
	w.sink.SetGauge(GaugeKey(w.prefix, name), float32(value))
}

// GaugeKey is the go-metrics key for a metric display name.
func GaugeKey(prefix []string, name string) []string {
	key := make([]string, 0, len(prefix)+1)
	key = append(key, prefix...)
	return append(key, GaugeName(name))
}

// GaugeName lower-cases a display name and collapses every run of characters
// outside [a-z0-9] into a single underscore.
func GaugeName(name string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pending = false
			continue
		}
		pending = true
	}
	return b.String()
}

// Fanout forwards lines to several writers.
type Fanout []Writer

// Initialize initializes every writer, even after a failure, and returns the
// combined errors.
func (f Fanout) Initialize() error {
	var errs error
	for _, w := range f {
		if err := w.Initialize(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (f Fanout) WriteMetrics(line string) {
	for _, w := range f {
		w.WriteMetrics(line)
	}
}

// Close closes the writers that hold resources.
func (f Fanout) Close() error {
	var errs error
	for _, w := range f {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs
}
