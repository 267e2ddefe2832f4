// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/hashicorp/counter-harness/pkg/harness"
	"github.com/hashicorp/counter-harness/pkg/loadgen"
	"github.com/hashicorp/counter-harness/pkg/translator"
)

type FlagOpts struct {
	printVersion bool
	configFile   *string
	debugPort    *int

	harnessConfig HarnessConfigFlags
}

// HarnessConfigFlags mirrors harness.Config with pointer fields, so a field
// that was not given on the command line or in the config file stays nil
// and does not override a lower layer.
type HarnessConfigFlags struct {
	Logging   LoggingFlags   `json:"logging,omitempty"`
	Counters  CountersFlags  `json:"counters,omitempty"`
	Load      LoadFlags      `json:"load,omitempty"`
	Telemetry TelemetryFlags `json:"telemetry,omitempty"`
	Admin     AdminFlags     `json:"admin,omitempty"`
	Linger    *Duration      `json:"linger,omitempty"`
}

type LoggingFlags struct {
	Name     *string `json:"name,omitempty"`
	LogLevel *string `json:"logLevel,omitempty"`
	LogJSON  *bool   `json:"logJSON,omitempty"`
}

type CountersFlags struct {
	IntervalSeconds *int      `json:"intervalSeconds,omitempty"`
	GCEndThreshold  *int      `json:"gcEndThreshold,omitempty"`
	PollInterval    *Duration `json:"pollInterval,omitempty"`
	AllowedSources  []string  `json:"allowedSources,omitempty"`
	AllowedCounters []string  `json:"allowedCounters,omitempty"`
}

type LoadFlags struct {
	Disabled           *bool     `json:"disabled,omitempty"`
	Workers            *int      `json:"workers,omitempty"`
	RequestsPerWorker  *int      `json:"requestsPerWorker,omitempty"`
	TargetURL          *string   `json:"targetURL,omitempty"`
	MaxConnsPerWorker  *int      `json:"maxConnsPerWorker,omitempty"`
	RequestTimeout     *Duration `json:"requestTimeout,omitempty"`
	RatePerSecond      *int      `json:"ratePerSecond,omitempty"`
	DisableHTTP2       *bool     `json:"disableHTTP2,omitempty"`
	CAFile             *string   `json:"caFile,omitempty"`
	CAPath             *string   `json:"caPath,omitempty"`
	InsecureSkipVerify *bool     `json:"insecureSkipVerify,omitempty"`
	UserAgent          *string   `json:"userAgent,omitempty"`
}

type TelemetryFlags struct {
	Stdout        *bool           `json:"stdout,omitempty"`
	MetricsFile   *string         `json:"metricsFile,omitempty"`
	LogLines      *bool           `json:"logLines,omitempty"`
	Prometheus    PrometheusFlags `json:"prometheus,omitempty"`
	StatsdURL     *string         `json:"statsdURL,omitempty"`
	Dogstatsd     DogstatsdFlags  `json:"dogstatsd,omitempty"`
	InmemInterval *Duration       `json:"inmemInterval,omitempty"`
	OTLP          OTLPFlags       `json:"otlp,omitempty"`
}

type PrometheusFlags struct {
	BindAddr      *string   `json:"bindAddr,omitempty"`
	RetentionTime *Duration `json:"retentionTime,omitempty"`
	DumpOnExit    *bool     `json:"dumpOnExit,omitempty"`
}

type DogstatsdFlags struct {
	URL  *string  `json:"url,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

type OTLPFlags struct {
	Endpoint     *string           `json:"endpoint,omitempty"`
	Token        *string           `json:"token,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Interval     *Duration         `json:"interval,omitempty"`
	ClientID     *string           `json:"clientID,omitempty"`
	ClientSecret *string           `json:"clientSecret,omitempty"`
	TokenURL     *string           `json:"tokenURL,omitempty"`
	Audience     *string           `json:"audience,omitempty"`
}

type AdminFlags struct {
	Disabled    *bool   `json:"disabled,omitempty"`
	BindAddress *string `json:"bindAddress,omitempty"`
	BindPort    *int    `json:"bindPort,omitempty"`
}

const (
	DefaultLogName  = "counter-harness"
	DefaultLogLevel = "info"
	DefaultLogJSON  = false

	DefaultIntervalSeconds = translator.DefaultIntervalSeconds
	DefaultGCEndThreshold  = translator.DefaultGCEndThreshold
	DefaultPollInterval    = time.Second

	DefaultLoadDisabled = false

	DefaultStdout            = true
	DefaultPromRetentionTime = 60 * time.Second
	DefaultOTLPInterval      = 10 * time.Second

	DefaultAdminDisabled    = false
	DefaultAdminBindAddress = "127.0.0.1"
	DefaultAdminBindPort    = 20400

	DefaultLinger = 0
)

// registerFlags declares every flag on fs. Environment variables are read
// here, so they must be set before it is called.
func registerFlags(fs *flag.FlagSet) *FlagOpts {
	f := &FlagOpts{}
	c := &f.harnessConfig

	fs.BoolVar(&f.printVersion, "version", false, "Prints the current version of counter-harness.")
	StringVar(fs, &f.configFile, "config-file", envName("CONFIG_FILE"), "The json config file for configuring counter-harness.")
	IntVar(fs, &f.debugPort, "debug-port", envName("DEBUG_PORT"), "Serve pprof and Go runtime metrics on this localhost port. Disabled when unset.")

	StringVar(fs, &c.Logging.LogLevel, "log-level", envName("LOG_LEVEL"), "Log level of the messages to print. "+
		"Available log levels are \"trace\", \"debug\", \"info\", \"warn\", and \"error\".")
	BoolVar(fs, &c.Logging.LogJSON, "log-json", envName("LOG_JSON"), "Enables log messages in JSON format.")

	IntVar(fs, &c.Counters.IntervalSeconds, "counter-interval", envName("COUNTER_INTERVAL"), "The counter publication interval in seconds requested from the runtime. Increment counters are divided by it.")
	IntVar(fs, &c.Counters.GCEndThreshold, "gc-end-threshold", envName("GC_END_THRESHOLD"), "Heap statistics stop once more than this many GCs have ended.")
	DurationVar(fs, &c.Counters.PollInterval, "gc-poll-interval", envName("GC_POLL_INTERVAL"), "How often the runtime is checked for finished GCs.")
	ListVar(fs, &c.Counters.AllowedSources, "allowed-source", envName("ALLOWED_SOURCES"), "An event source to subscribe to. Replaces the built-in list. This flag may be passed multiple times.")
	ListVar(fs, &c.Counters.AllowedCounters, "allowed-counter", envName("ALLOWED_COUNTERS"), "A counter display name to forward. Replaces the built-in list. This flag may be passed multiple times.")

	BoolVar(fs, &c.Load.Disabled, "load-disabled", envName("LOAD_DISABLED"), "Do not generate HTTP load.")
	IntVar(fs, &c.Load.Workers, "load-workers", envName("LOAD_WORKERS"), "The number of concurrent load workers.")
	IntVar(fs, &c.Load.RequestsPerWorker, "load-requests-per-worker", envName("LOAD_REQUESTS_PER_WORKER"), "The number of requests each worker sends.")
	StringVar(fs, &c.Load.TargetURL, "load-target", envName("LOAD_TARGET"), "The URL requested by the load workers.")
	IntVar(fs, &c.Load.MaxConnsPerWorker, "load-max-conns-per-worker", envName("LOAD_MAX_CONNS_PER_WORKER"), "The connection limit of each worker's client.")
	DurationVar(fs, &c.Load.RequestTimeout, "load-request-timeout", envName("LOAD_REQUEST_TIMEOUT"), "The timeout of a single request.")
	IntVar(fs, &c.Load.RatePerSecond, "load-rate", envName("LOAD_RATE"), "The overall request rate limit per second. 0 disables the limit.")
	BoolVar(fs, &c.Load.DisableHTTP2, "load-disable-http2", envName("LOAD_DISABLE_HTTP2"), "Only use HTTP/1.1 for load requests.")
	StringVar(fs, &c.Load.CAFile, "load-ca-file", envName("LOAD_CA_FILE"), "The path to a CA certificate file used to verify the target.")
	StringVar(fs, &c.Load.CAPath, "load-ca-path", envName("LOAD_CA_PATH"), "The path to a directory of CA certificates used to verify the target.")
	BoolVar(fs, &c.Load.InsecureSkipVerify, "load-tls-insecure-skip-verify", envName("LOAD_TLS_INSECURE_SKIP_VERIFY"), "Do not verify the target's certificate.")
	StringVar(fs, &c.Load.UserAgent, "load-user-agent", envName("LOAD_USER_AGENT"), "The User-Agent header sent with load requests.")

	BoolVar(fs, &c.Telemetry.Stdout, "metrics-stdout", envName("METRICS_STDOUT"), "Write metric lines to standard output.")
	StringVar(fs, &c.Telemetry.MetricsFile, "metrics-file", envName("METRICS_FILE"), "Append metric lines to this file.")
	BoolVar(fs, &c.Telemetry.LogLines, "metrics-log", envName("METRICS_LOG"), "Log every metric line.")
	StringVar(fs, &c.Telemetry.Prometheus.BindAddr, "telemetry-prom-bind-addr", envName("TELEMETRY_PROM_BIND_ADDR"), "The address on which Prometheus metrics are served. Disabled when unset.")
	DurationVar(fs, &c.Telemetry.Prometheus.RetentionTime, "telemetry-prom-retention-time", envName("TELEMETRY_PROM_RETENTION_TIME"), "The duration for prometheus metrics aggregation.")
	BoolVar(fs, &c.Telemetry.Prometheus.DumpOnExit, "telemetry-prom-dump-on-exit", envName("TELEMETRY_PROM_DUMP_ON_EXIT"), "Log the final Prometheus metrics on shutdown.")
	StringVar(fs, &c.Telemetry.StatsdURL, "telemetry-statsd-url", envName("TELEMETRY_STATSD_URL"), "The statsd address metrics are sent to.")
	StringVar(fs, &c.Telemetry.Dogstatsd.URL, "telemetry-dogstatsd-url", envName("TELEMETRY_DOGSTATSD_URL"), "The DogStatsD address metrics are sent to.")
	ListVar(fs, &c.Telemetry.Dogstatsd.Tags, "telemetry-dogstatsd-tag", envName("TELEMETRY_DOGSTATSD_TAGS"), "A tag added to every DogStatsD metric. This flag may be passed multiple times.")
	DurationVar(fs, &c.Telemetry.InmemInterval, "telemetry-inmem-interval", envName("TELEMETRY_INMEM_INTERVAL"), "Enables the in-memory sink with this aggregation interval. Send SIGUSR1 to dump it.")
	StringVar(fs, &c.Telemetry.OTLP.Endpoint, "telemetry-otlp-endpoint", envName("TELEMETRY_OTLP_ENDPOINT"), "The OTLP/HTTP metrics URL, e.g. http://localhost:4318/v1/metrics.")
	StringVar(fs, &c.Telemetry.OTLP.Token, "telemetry-otlp-token", envName("TELEMETRY_OTLP_TOKEN"), "A bearer token sent with OTLP exports.")
	MapVar(fs, &c.Telemetry.OTLP.Headers, "telemetry-otlp-header", envName("TELEMETRY_OTLP_HEADER"), `A header sent with OTLP exports, formatted as "<key>=<value>". This flag may be passed multiple times.`)
	DurationVar(fs, &c.Telemetry.OTLP.Interval, "telemetry-otlp-interval", envName("TELEMETRY_OTLP_INTERVAL"), "How often metrics are exported over OTLP.")
	StringVar(fs, &c.Telemetry.OTLP.ClientID, "telemetry-otlp-client-id", envName("TELEMETRY_OTLP_CLIENT_ID"), "The OAuth2 client ID used to obtain OTLP export tokens.")
	StringVar(fs, &c.Telemetry.OTLP.ClientSecret, "telemetry-otlp-client-secret", envName("TELEMETRY_OTLP_CLIENT_SECRET"), "The OAuth2 client secret used to obtain OTLP export tokens.")
	StringVar(fs, &c.Telemetry.OTLP.TokenURL, "telemetry-otlp-token-url", envName("TELEMETRY_OTLP_TOKEN_URL"), "The OAuth2 token endpoint for the client credentials grant.")
	StringVar(fs, &c.Telemetry.OTLP.Audience, "telemetry-otlp-audience", envName("TELEMETRY_OTLP_AUDIENCE"), "The audience requested with OTLP export tokens.")

	BoolVar(fs, &c.Admin.Disabled, "admin-disabled", envName("ADMIN_DISABLED"), "Do not serve the admin endpoints.")
	StringVar(fs, &c.Admin.BindAddress, "admin-bind-address", envName("ADMIN_BIND_ADDRESS"), "The address on which the admin server is available.")
	IntVar(fs, &c.Admin.BindPort, "admin-bind-port", envName("ADMIN_BIND_PORT"), "The port on which the admin server is available.")

	DurationVar(fs, &c.Linger, "linger", envName("LINGER"), "Keep collecting counters for this long after the load completes.")

	return f
}

// buildHarnessConfig layers the defaults, the `-config-file` contents and
// the flags, each layer overriding the fields the previous one set.
func (f *FlagOpts) buildHarnessConfig() (*harness.Config, error) {
	cfg := buildDefaultConfigFlags()

	if path := deref(f.configFile); path != "" {
		fromFile, err := buildConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		if err := mergeConfigs(cfg, fromFile); err != nil {
			return nil, err
		}
	}

	if err := mergeConfigs(cfg, &f.harnessConfig); err != nil {
		return nil, err
	}
	return cfg.toHarnessConfig(), nil
}

func mergeConfigs(dst, src *HarnessConfigFlags) error {
	if err := mergo.Merge(dst, src, mergo.WithOverride, mergo.WithoutDereference); err != nil {
		return fmt.Errorf("failed to merge configuration: %w", err)
	}
	return nil
}

func buildConfigFromFile(path string) (*HarnessConfigFlags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg HarnessConfigFlags
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

func buildDefaultConfigFlags() *HarnessConfigFlags {
	return &HarnessConfigFlags{
		Logging: LoggingFlags{
			Name:     ptr(DefaultLogName),
			LogLevel: ptr(DefaultLogLevel),
			LogJSON:  ptr(DefaultLogJSON),
		},
		Counters: CountersFlags{
			IntervalSeconds: ptr(DefaultIntervalSeconds),
			GCEndThreshold:  ptr(DefaultGCEndThreshold),
			PollInterval:    &Duration{Duration: DefaultPollInterval},
		},
		Load: LoadFlags{
			Disabled:          ptr(DefaultLoadDisabled),
			Workers:           ptr(loadgen.DefaultWorkers),
			RequestsPerWorker: ptr(loadgen.DefaultRequestsPerWorker),
			TargetURL:         ptr(loadgen.DefaultTargetURL),
			MaxConnsPerWorker: ptr(loadgen.DefaultMaxConnsPerWorker),
			RequestTimeout:    &Duration{Duration: loadgen.DefaultRequestTimeout},
		},
		Telemetry: TelemetryFlags{
			Stdout: ptr(DefaultStdout),
			Prometheus: PrometheusFlags{
				RetentionTime: &Duration{Duration: DefaultPromRetentionTime},
			},
			OTLP: OTLPFlags{
				Interval: &Duration{Duration: DefaultOTLPInterval},
			},
		},
		Admin: AdminFlags{
			Disabled:    ptr(DefaultAdminDisabled),
			BindAddress: ptr(DefaultAdminBindAddress),
			BindPort:    ptr(DefaultAdminBindPort),
		},
		Linger: &Duration{Duration: DefaultLinger},
	}
}

func (c *HarnessConfigFlags) toHarnessConfig() *harness.Config {
	return &harness.Config{
		Logging: &harness.LoggingConfig{
			Name:     deref(c.Logging.Name),
			LogLevel: strings.ToUpper(deref(c.Logging.LogLevel)),
			LogJSON:  deref(c.Logging.LogJSON),
		},
		Counters: &harness.CountersConfig{
			IntervalSeconds: deref(c.Counters.IntervalSeconds),
			GCEndThreshold:  uint64(max(deref(c.Counters.GCEndThreshold), 0)),
			PollInterval:    durationVal(c.Counters.PollInterval),
			AllowedSources:  c.Counters.AllowedSources,
			AllowedCounters: c.Counters.AllowedCounters,
		},
		Load: &harness.LoadConfig{
			Disabled: deref(c.Load.Disabled),
			Options: loadgen.Options{
				Workers:            deref(c.Load.Workers),
				RequestsPerWorker:  deref(c.Load.RequestsPerWorker),
				TargetURL:          deref(c.Load.TargetURL),
				MaxConnsPerWorker:  deref(c.Load.MaxConnsPerWorker),
				RequestTimeout:     durationVal(c.Load.RequestTimeout),
				RatePerSecond:      deref(c.Load.RatePerSecond),
				DisableHTTP2:       deref(c.Load.DisableHTTP2),
				CAFile:             deref(c.Load.CAFile),
				CAPath:             deref(c.Load.CAPath),
				InsecureSkipVerify: deref(c.Load.InsecureSkipVerify),
				UserAgent:          deref(c.Load.UserAgent),
			},
		},
		Telemetry: &harness.TelemetryConfig{
			Stdout:      deref(c.Telemetry.Stdout),
			MetricsFile: deref(c.Telemetry.MetricsFile),
			LogLines:    deref(c.Telemetry.LogLines),
			Prometheus: harness.PrometheusTelemetryConfig{
				BindAddr:      deref(c.Telemetry.Prometheus.BindAddr),
				RetentionTime: durationVal(c.Telemetry.Prometheus.RetentionTime),
				DumpOnExit:    deref(c.Telemetry.Prometheus.DumpOnExit),
			},
			StatsdURL: deref(c.Telemetry.StatsdURL),
			Dogstatsd: harness.DogstatsdTelemetryConfig{
				URL:  deref(c.Telemetry.Dogstatsd.URL),
				Tags: c.Telemetry.Dogstatsd.Tags,
			},
			InmemInterval: durationVal(c.Telemetry.InmemInterval),
			OTLP: harness.OTLPTelemetryConfig{
				Endpoint: deref(c.Telemetry.OTLP.Endpoint),
				Token:    deref(c.Telemetry.OTLP.Token),
				Headers:  c.Telemetry.OTLP.Headers,
				Interval: durationVal(c.Telemetry.OTLP.Interval),

				ClientID:     deref(c.Telemetry.OTLP.ClientID),
				ClientSecret: deref(c.Telemetry.OTLP.ClientSecret),
				TokenURL:     deref(c.Telemetry.OTLP.TokenURL),
				Audience:     deref(c.Telemetry.OTLP.Audience),
			},
		},
		Admin: &harness.AdminConfig{
			Disabled:    deref(c.Admin.Disabled),
			BindAddress: deref(c.Admin.BindAddress),
			BindPort:    deref(c.Admin.BindPort),
		},
		Linger: durationVal(c.Linger),
	}
}

func ptr[T any](v T) *T {
	return &v
}
