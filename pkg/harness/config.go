// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"time"

	"github.com/hashicorp/counter-harness/pkg/loadgen"
)

// LoggingConfig can be used to specify logger configuration settings.
type LoggingConfig struct {
	// Name of the subsystem to prefix logs with
	Name string
	// LogLevel is the logging level. Valid values - TRACE, DEBUG, INFO, WARN, ERROR
	LogLevel string
	// LogJSON controls if the output should be in JSON.
	LogJSON bool
}

// CountersConfig controls the counter subscription and translation.
type CountersConfig struct {
	// IntervalSeconds is the requested counter publication interval and the
	// divisor applied to increment counters.
	IntervalSeconds int
	// GCEndThreshold is the GC count after which heap statistics are no
	// longer collected.
	GCEndThreshold uint64
	// PollInterval is how often the runtime source checks for finished GCs.
	PollInterval time.Duration
	// AllowedSources and AllowedCounters override the built-in allow-lists.
	AllowedSources  []string
	AllowedCounters []string
}

// LoadConfig holds the load generator settings.
type LoadConfig struct {
	// Disabled skips the load generator. The harness then only listens
	// until the linger period ends or it is shut down.
	Disabled bool
	loadgen.Options
}

// PrometheusTelemetryConfig configures the Prometheus scrape endpoint.
type PrometheusTelemetryConfig struct {
	// BindAddr is the address the Prometheus scrape server listens on. Empty
	// disables Prometheus.
	BindAddr string
	// RetentionTime is how long a gauge is exported after its last update.
	RetentionTime time.Duration
	// DumpOnExit writes the registry in text exposition format to the logger
	// during shutdown.
	DumpOnExit bool
}

// DogstatsdTelemetryConfig configures the DogStatsD sink.
type DogstatsdTelemetryConfig struct {
	URL  string
	Tags []string
}

// OTLPTelemetryConfig configures OTLP/HTTP export of the metric lines.
type OTLPTelemetryConfig struct {
	// Endpoint is the full metrics URL, e.g. http://localhost:4318/v1/metrics.
	// Empty disables OTLP export.
	Endpoint string
	// Token is a static bearer token. It is ignored when client credentials
	// are configured.
	Token    string
	Headers  map[string]string
	Interval time.Duration

	// ClientID, ClientSecret and TokenURL enable the OAuth2 client
	// credentials grant.
	ClientID     string
	ClientSecret string
	TokenURL     string
	Audience     string
}

// TelemetryConfig lists the destinations of metric lines.
type TelemetryConfig struct {
	// Stdout writes every metric line to standard output.
	Stdout bool
	// MetricsFile appends every metric line to a file.
	MetricsFile string
	// LogLines logs every metric line.
	LogLines bool

	Prometheus PrometheusTelemetryConfig
	StatsdURL  string
	Dogstatsd  DogstatsdTelemetryConfig
	// InmemInterval enables the in-memory sink, dumped on SIGUSR1.
	InmemInterval time.Duration
	OTLP          OTLPTelemetryConfig
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Disabled    bool
	BindAddress string
	BindPort    int
}

// Config is the configuration used by counter-harness, consolidated from
// various sources - CLI flags, env vars, config file settings.
type Config struct {
	Logging   *LoggingConfig
	Counters  *CountersConfig
	Load      *LoadConfig
	Telemetry *TelemetryConfig
	Admin     *AdminConfig
	// Linger keeps the listener running after the load completes.
	Linger time.Duration
}
