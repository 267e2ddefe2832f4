// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package debug serves pprof profiles and Go runtime metrics for inspecting
// the harness process itself.
package debug

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHandler returns the debug routes. /debug/metrics exposes GC, memory and
// scheduler metrics read from runtime/metrics together with process metrics.
func NewHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(
			collectors.MetricsGC,
			collectors.MetricsMemory,
			collectors.MetricsScheduler,
		)),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router := http.NewServeMux()
	router.HandleFunc("/debug/pprof/", pprof.Index)
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	router.Handle("/debug/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return router
}

// EnableDebugServer serves the debug routes on localhost:port until ctx is
// done.
func EnableDebugServer(ctx context.Context, port int) error {
	log := hclog.FromContext(ctx).Named("debug_server")

	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind debug server: %w", err)
	}
	srv := &http.Server{
		Handler:      NewHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("starting local debug server", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			log.Error("local debug server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("error shutting down debug server", "error", err)
		}
	}()
	return nil
}
