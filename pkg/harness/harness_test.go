// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/counter-harness/pkg/loadgen"
	"github.com/hashicorp/counter-harness/pkg/metricsink"
)

func validConfig() *Config {
	return &Config{
		Logging: &LoggingConfig{Name: "counter-harness", LogLevel: "INFO"},
		Counters: &CountersConfig{
			IntervalSeconds: 1,
			GCEndThreshold:  4,
			PollInterval:    10 * time.Millisecond,
		},
		Load: &LoadConfig{
			Options: loadgen.Options{Workers: 2, RequestsPerWorker: 2, TargetURL: "http://127.0.0.1:1"},
		},
		Telemetry: &TelemetryConfig{},
		Admin:     &AdminConfig{Disabled: true},
	}
}

func TestNewHarness(t *testing.T) {
	type testCase struct {
		modFn     func(c *Config)
		expectErr string
	}

	testCases := map[string]testCase{
		"missing config": {
			expectErr: "configuration not specified",
		},
		"missing logging config": {
			modFn:     func(c *Config) { c.Logging = nil },
			expectErr: "logging settings not specified",
		},
		"missing counters config": {
			modFn:     func(c *Config) { c.Counters = nil },
			expectErr: "counter settings not specified",
		},
		"zero interval": {
			modFn:     func(c *Config) { c.Counters.IntervalSeconds = 0 },
			expectErr: "counter interval must be greater than zero",
		},
		"zero gc end threshold": {
			modFn:     func(c *Config) { c.Counters.GCEndThreshold = 0 },
			expectErr: "gc end threshold must be greater than zero",
		},
		"missing load config": {
			modFn:     func(c *Config) { c.Load = nil },
			expectErr: "load settings not specified",
		},
		"non http target": {
			modFn:     func(c *Config) { c.Load.TargetURL = "ftp://example.com" },
			expectErr: "load target must be an http or https url",
		},
		"non http target with load disabled": {
			modFn: func(c *Config) {
				c.Load.Disabled = true
				c.Load.TargetURL = "ftp://example.com"
			},
		},
		"missing telemetry config": {
			modFn:     func(c *Config) { c.Telemetry = nil },
			expectErr: "telemetry settings not specified",
		},
		"missing admin config": {
			modFn:     func(c *Config) { c.Admin = nil },
			expectErr: "admin settings not specified",
		},
		"negative linger": {
			modFn:     func(c *Config) { c.Linger = -time.Second },
			expectErr: "linger must not be negative",
		},
		"prometheus without retention": {
			modFn:     func(c *Config) { c.Telemetry.Prometheus.BindAddr = "127.0.0.1:0" },
			expectErr: "-telemetry-prom-retention-time must be greater than zero",
		},
		"valid config": {},
	}

	for desc, tc := range testCases {
		tc := tc
		t.Run(desc, func(t *testing.T) {
			var cfg *Config
			if desc != "missing config" {
				cfg = validConfig()
			}
			if tc.modFn != nil {
				tc.modFn(cfg)
			}

			h, err := New(cfg)
			if tc.expectErr == "" {
				require.NoError(t, err)
				require.NotNil(t, h)
				require.NotEmpty(t, h.runID)
				return
			}
			require.EqualError(t, err, tc.expectErr)
			require.Nil(t, h)
		})
	}
}

func TestStatusBeforeRun(t *testing.T) {
	h, err := New(validConfig())
	require.NoError(t, err)

	st := h.Status()
	require.Equal(t, h.runID, st.RunID)
	require.False(t, st.Ready)
	require.Empty(t, st.Subscriptions)
	require.Nil(t, st.Load)
}

func TestRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	metricsFile := filepath.Join(t.TempDir(), "metrics.txt")
	cfg := validConfig()
	cfg.Load.TargetURL = srv.URL
	cfg.Telemetry.MetricsFile = metricsFile
	cfg.Linger = 1500 * time.Millisecond

	h, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, h.Run(ctx))
	require.NoError(t, ctx.Err())

	st := h.Status()
	require.False(t, st.Ready)
	require.NotNil(t, st.Result)
	require.EqualValues(t, 4, st.Result.Total)
	require.EqualValues(t, 0, st.Result.Failed)
	require.Zero(t, st.CacheDropped)

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		name, _, err := metricsink.ParseLine(line)
		require.NoError(t, err, line)
		names[name] = true
	}
	require.True(t, names["GC Heap Size"])
	require.True(t, names["Requests Started"])
	require.False(t, names["Goroutine Count"], "counters outside the allow-list are not written")
}

func TestRun_ShutdownFromContext(t *testing.T) {
	cfg := validConfig()
	cfg.Load.Disabled = true
	cfg.Telemetry.MetricsFile = filepath.Join(t.TempDir(), "metrics.txt")

	h, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()

	require.Eventually(t, h.ready.Load, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.Status().Subscriptions) > 0
	}, 5*time.Second, 10*time.Millisecond)

	h.GracefulShutdown(cancel)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("harness did not stop")
	}

	// the final counter snapshot is written on shutdown
	data, err := os.ReadFile(cfg.Telemetry.MetricsFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "GC Heap Size ")
}

func TestRun_BadMetricsFile(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.MetricsFile = filepath.Join(t.TempDir(), "missing", "metrics.txt")

	h, err := New(cfg)
	require.NoError(t, err)
	require.ErrorContains(t, h.Run(context.Background()), "failed to open metrics file")
}

func TestRun_OTLPExport(t *testing.T) {
	type export struct {
		auth, tenant, contentType string
	}
	exports := make(chan export, 10)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exports <- export{
			auth:        r.Header.Get("Authorization"),
			tenant:      r.Header.Get("X-Tenant"),
			contentType: r.Header.Get("Content-Type"),
		}
	}))
	defer collector.Close()

	cfg := validConfig()
	cfg.Load.Disabled = true
	cfg.Linger = 200 * time.Millisecond
	cfg.Telemetry.OTLP = OTLPTelemetryConfig{
		Endpoint: collector.URL + "/v1/metrics",
		Token:    "tok",
		Headers:  map[string]string{"X-Tenant": "a"},
		Interval: time.Hour,
	}

	h, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Run(context.Background()))

	select {
	case e := <-exports:
		require.Equal(t, "Bearer tok", e.auth)
		require.Equal(t, "a", e.tenant)
		require.Equal(t, "application/x-protobuf", e.contentType)
	default:
		t.Fatal("no export was sent on shutdown")
	}
}
