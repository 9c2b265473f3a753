// Package health serves the liveness/readiness/metrics HTTP surface the
// gateway exposes alongside its SMTP listeners, grounded on the teacher's
// PrometheusServer wiring for graceful start/shutdown.
package health

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /healthz, /readyz, and /metrics on a single address.
// /healthz reports liveness once the process has started; /readyz reports
// readiness only once MarkReady has been called (after TLS, the credential
// validator, and the submitter have all been constructed).
type Server struct {
	server *http.Server
	ready  atomic.Bool
}

// NewServer builds a health server listening on address. metricsHandler is
// typically promhttp.Handler() against the process's Prometheus registerer.
func NewServer(address string, metricsHandler http.Handler) *Server {
	s := &Server{}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	mux.Handle("/metrics", metricsHandler)

	s.server = &http.Server{
		Addr:    address,
		Handler: mux,
	}
	return s
}

// MarkReady flips /readyz to report 200. Call once startup (TLS config,
// credential validator, submitter) has completed.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// MarkNotReady flips /readyz back to 503, e.g. during graceful shutdown.
func (s *Server) MarkNotReady() {
	s.ready.Store(false)
}

// Start begins serving. It blocks until the context is canceled or the
// server fails to start; it returns nil on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the health server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
