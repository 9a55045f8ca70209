// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface over the job pipeline: job CRUD,
// queue statistics, reconciliation, health probes, metrics, and the OpenAPI
// document the handlers are validated against.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sonralabs/palantir/internal/config"
	"github.com/sonralabs/palantir/internal/health"
	"github.com/sonralabs/palantir/internal/log"
	"github.com/sonralabs/palantir/internal/queue"
	"github.com/sonralabs/palantir/internal/reconcile"
	"github.com/sonralabs/palantir/internal/tracker"
	"github.com/sonralabs/palantir/internal/watcher"
)

// ReconcileFunc re-runs reconciliation with the pool quiesced. Provided by
// the daemon wiring so the API stays decoupled from pool internals.
type ReconcileFunc func(ctx context.Context) (*reconcile.Report, error)

// Server is the HTTP API server.
type Server struct {
	cfg       config.Config
	queue     *queue.Queue
	tracker   *tracker.Tracker
	ingestor  *watcher.Ingestor
	healthMgr *health.Manager
	reconcile ReconcileFunc
	logger    zerolog.Logger
	http      *http.Server
}

// New assembles the server and its router.
func New(cfg config.Config, q *queue.Queue, t *tracker.Tracker, ing *watcher.Ingestor, hm *health.Manager, rec ReconcileFunc) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		queue:     q,
		tracker:   t,
		ingestor:  ing,
		healthMgr: hm,
		reconcile: rec,
		logger:    log.WithComponent("api"),
	}
	router, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           otelhttp.NewHandler(router, "palantir-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() (chi.Router, error) {
	validator, err := newOpenAPIValidator()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	if s.cfg.RequestRateLimit > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RequestRateLimit, time.Minute))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/documentation/json", validator.serveDocument)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(validator.middleware)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Patch("/jobs/{id}", s.handleUpdateJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)

		r.Get("/queue/stats", s.handleQueueStats)
		r.Post("/queue/clean-failed", s.handleCleanFailed)

		r.Post("/system/reconcile", s.handleReconcile)
	})

	return r, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
