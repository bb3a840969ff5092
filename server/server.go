// Package server is the HTTP front door: it routes requests to apps under a
// shared root, dispatches them through the worker pool and maps pool errors
// to HTTP statuses.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pithecene-io/buntime/log"
	"github.com/pithecene-io/buntime/metrics"
	"github.com/pithecene-io/buntime/pool"
	"github.com/pithecene-io/buntime/types"
)

// CorrelationHeader carries the request correlation id. It is stamped onto
// every response, error responses included, and forwarded to workers.
const CorrelationHeader = "x-buntime-request-id"

// VersionHeader carries the runtime version on every response.
const VersionHeader = "x-buntime-version"

// shutdownGrace bounds how long in-flight requests and worker termination may
// take after a stop signal.
const shutdownGrace = 10 * time.Second

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// AppsRoot is the directory whose subdirectories are apps.
	AppsRoot string
	// Pool dispatches requests to workers. Required.
	Pool *pool.Pool
	// Logger receives server logs. Required.
	Logger *log.Logger
}

// Server is the front router plus the dispatcher facade.
type Server struct {
	opts    Options
	configs *configCache
	router  chi.Router
	http    *http.Server
}

// New constructs a Server with its routes mounted.
func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		configs: newConfigCache(opts.Logger),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewPromBridge(func() metrics.Snapshot {
		return opts.Pool.Snapshot()
	}))

	r := chi.NewRouter()
	r.Use(s.correlationID)

	r.Get("/_api/health", s.handleHealth)
	r.Get("/_api/metrics", s.handleMetrics)
	r.Get("/_api/workers", s.handleWorkers)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.HandleFunc("/{app}", s.handleApp)
	r.HandleFunc("/{app}/*", s.handleApp)

	s.router = r
	s.http = &http.Server{
		Addr:    opts.Addr,
		Handler: r,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until SIGINT/SIGTERM, then drains in-flight requests and shuts
// the pool down with grace.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("server listening", map[string]any{
			"addr":      s.opts.Addr,
			"apps_root": s.opts.AppsRoot,
		})
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	case <-ctx.Done():
	}

	s.opts.Logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.opts.Logger.Warn("http shutdown incomplete", map[string]any{"error": err.Error()})
	}
	snap := s.opts.Pool.Shutdown(shutdownCtx)
	s.opts.Logger.Info("server stopped", map[string]any{
		"total_requests": snap.TotalRequests,
	})
	return nil
}

// correlationID stamps the correlation id and runtime version onto every
// response and makes the id available downstream through the request headers.
func (s *Server) correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(CorrelationHeader, id)
		}
		w.Header().Set(CorrelationHeader, id)
		w.Header().Set(VersionHeader, types.Version)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": s.opts.Pool.Size(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Pool.Snapshot())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Pool.WorkerStats())
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
