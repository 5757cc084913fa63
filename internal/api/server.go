// SPDX-License-Identifier: MIT

// Package api exposes the Xtream-compatible playback surface and the
// worker's control endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vodbridge/vodbridge/internal/catalog"
	"github.com/vodbridge/vodbridge/internal/orchestrator"
	"github.com/vodbridge/vodbridge/internal/session"
)

// Config carries the server's tunables.
type Config struct {
	WorkerID       string
	RequestsPerMin int
}

// Server wires the HTTP surface over the orchestrator and its stores.
type Server struct {
	cfg      Config
	manager  *orchestrator.Manager
	resolver catalog.Resolver
	store    *session.Store
	redis    *redis.Client
	logger   zerolog.Logger
}

// New constructs a Server. All collaborators are required.
func New(cfg Config, manager *orchestrator.Manager, resolver catalog.Resolver, store *session.Store, rdb *redis.Client, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		manager:  manager,
		resolver: resolver,
		store:    store,
		redis:    rdb,
		logger:   logger,
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.workerHeader)
	if s.cfg.RequestsPerMin > 0 {
		r.Use(rateLimit(s.cfg.RequestsPerMin, time.Minute))
	}

	// Xtream playback paths. Players issue both GET and HEAD probes.
	r.Route("/movie/{username}/{password}/{id}", func(r chi.Router) {
		r.Get("/", s.handlePlay(session.KindMovie))
		r.Head("/", s.handlePlay(session.KindMovie))
	})
	r.Route("/series/{username}/{password}/{id}", func(r chi.Router) {
		r.Get("/", s.handlePlay(session.KindEpisode))
		r.Head("/", s.handlePlay(session.KindEpisode))
	})

	r.Route("/control", func(r chi.Router) {
		r.Post("/clients/{clientID}/stop", s.handleStopClient)
		r.Get("/sessions", s.handleListSessions)
	})

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
