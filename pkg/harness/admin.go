// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultAdminBindAddr = "127.0.0.1"
	defaultAdminBindPort = 20400

	adminReadyPath    = "/ready"
	adminStatusPath   = "/status"
	adminShutdownPath = "/shutdown"
)

// adminServer exposes readiness, status and shutdown endpoints.
type adminServer struct {
	logger hclog.Logger

	bindAddr string
	bindPort int

	ready    func() bool
	status   func() Status
	shutdown func()

	server   *http.Server
	listener net.Listener

	errorExitCh chan struct{}
	exitOnce    sync.Once
	running     bool
	mu          sync.Mutex
}

func newAdminServer(cfg *AdminConfig, ready func() bool, status func() Status, shutdown func()) *adminServer {
	a := &adminServer{
		bindAddr:    cfg.BindAddress,
		bindPort:    cfg.BindPort,
		ready:       ready,
		status:      status,
		shutdown:    shutdown,
		errorExitCh: make(chan struct{}),
		logger:      hclog.NewNullLogger(),
	}
	if a.bindAddr == "" {
		a.bindAddr = defaultAdminBindAddr
	}
	if a.bindPort == 0 {
		a.bindPort = defaultAdminBindPort
	}
	return a
}

// start binds the listener before returning so that a port conflict fails
// the run instead of surfacing later.
func (a *adminServer) start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.logger = hclog.FromContext(ctx).Named("admin")

	mux := http.NewServeMux()
	mux.HandleFunc(adminReadyPath, a.handleReady)
	mux.HandleFunc(adminStatusPath, a.handleStatus)
	mux.HandleFunc(adminShutdownPath, a.handleShutdown)

	a.server = &http.Server{
		Addr:    net.JoinHostPort(a.bindAddr, strconv.Itoa(a.bindPort)),
		Handler: mux,
	}
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind admin server: %w", err)
	}
	a.listener = ln
	a.running = true
	go a.serve(a.server, ln)
	return nil
}

// addr is the address the server is listening on.
func (a *adminServer) addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *adminServer) serve(srv *http.Server, ln net.Listener) {
	a.logger.Info("starting admin server", "address", ln.Addr().String())
	err := srv.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		a.logger.Error("failed to serve admin requests", "error", err)
		a.exitOnce.Do(func() { close(a.errorExitCh) })
	}
}

func (a *adminServer) stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false

	a.logger.Info("stopping the admin server")
	if err := a.server.Close(); err != nil {
		a.logger.Warn("error while closing admin server", "error", err)
		return err
	}
	return nil
}

// adminServerExited is used to signal that the admin server exited
// unexpectedly.
func (a *adminServer) adminServerExited() <-chan struct{} {
	return a.errorExitCh
}

func (a *adminServer) handleReady(rw http.ResponseWriter, _ *http.Request) {
	if !a.ready() {
		http.Error(rw, "not ready", http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (a *adminServer) handleStatus(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(a.status()); err != nil {
		a.logger.Warn("failed to write status response", "error", err)
	}
}

func (a *adminServer) handleShutdown(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.logger.Info("shutdown requested")
	a.shutdown()
	rw.WriteHeader(http.StatusAccepted)
}
