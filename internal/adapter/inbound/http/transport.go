// Package http provides the HTTP transport adapter for the gateway.
//
// Each POST /mcp carries one newline-framed JSON-RPC message. Requests with
// an id are parked until the downstream response with the same id arrives;
// notifications are forwarded and acknowledged immediately.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chimera-gate/chimeragate/internal/port/inbound"
	"github.com/chimera-gate/chimeragate/internal/service"
)

const (
	// defaultResponseTimeout bounds how long a request waits for the
	// downstream before 504.
	defaultResponseTimeout = 30 * time.Second

	maxBodyBytes = 1 << 20
)

// Transport serves the gateway over HTTP.
type Transport struct {
	gateway *service.Gateway
	server  *http.Server
	addr    string
	timeout time.Duration
	logger  *slog.Logger

	bridge  *bridge
	metrics *Metrics
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithResponseTimeout overrides how long a request waits for its response.
func WithResponseTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.timeout = d
	}
}

// NewTransport creates an HTTP transport wrapping the given gateway.
func NewTransport(gateway *service.Gateway, opts ...Option) *Transport {
	t := &Transport{
		gateway: gateway,
		addr:    "127.0.0.1:8080",
		timeout: defaultResponseTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start runs the gateway over an in-process pipe pair and serves HTTP until
// the context is cancelled or the server fails.
func (t *Transport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	upInReader, upInWriter := io.Pipe()
	t.bridge = newBridge(upInWriter, t.logger, t.metrics)

	gwCtx, gwCancel := context.WithCancel(ctx)
	defer gwCancel()

	gwErrCh := make(chan error, 1)
	go func() {
		gwErrCh <- t.gateway.Run(gwCtx, upInReader, t.bridge)
	}()

	mux := http.NewServeMux()
	mux.Handle("/mcp", http.HandlerFunc(t.handleMCP))
	mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		err := t.shutdown()
		gwCancel()
		t.bridge.close()
		<-gwErrCh
		return err
	case err := <-errCh:
		gwCancel()
		t.bridge.close()
		<-gwErrCh
		return err
	case err := <-gwErrCh:
		_ = t.shutdown()
		t.bridge.close()
		return err
	}
}

// handleMCP accepts one JSON-RPC message per request body.
func (t *Transport) handleMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := "ok"
	defer func() {
		t.metrics.RequestsTotal.WithLabelValues(status).Inc()
		t.metrics.RequestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = "method_not_allowed"
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		status = "bad_request"
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		status = "bad_request"
		http.Error(w, "body must be a JSON-RPC message", http.StatusBadRequest)
		return
	}

	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		status = "bad_request"
		http.Error(w, "body must be a JSON object", http.StatusBadRequest)
		return
	}

	// Notifications get no response from downstream; acknowledge and move on.
	if envelope.ID == nil {
		if err := t.bridge.notify(body); err != nil {
			status = "unavailable"
			http.Error(w, "gateway unavailable", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), t.timeout)
	defer cancel()

	t.metrics.PendingRequests.Inc()
	resp, err := t.bridge.submit(ctx, body, idKey(envelope.ID))
	t.metrics.PendingRequests.Dec()

	switch {
	case errors.Is(err, ErrDuplicateID):
		status = "conflict"
		http.Error(w, "request id already in flight", http.StatusConflict)
		return
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
		t.metrics.TimeoutsTotal.Inc()
		t.logger.Warn("request timed out waiting for downstream", "id", idKey(envelope.ID))
		http.Error(w, "downstream response timeout", http.StatusGatewayTimeout)
		return
	case err != nil:
		status = "unavailable"
		http.Error(w, "gateway unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

var _ inbound.Transport = (*Transport)(nil)
