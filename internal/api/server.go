// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api serves the read model and control surface over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/api/handlers"
	"github.com/autobrr/coverscout/internal/api/middleware"
	"github.com/autobrr/coverscout/internal/api/sse"
	"github.com/autobrr/coverscout/internal/buildinfo"
	"github.com/autobrr/coverscout/internal/events"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 2 * time.Minute
	// requests beyond the limit wait in a backlog before being refused
	requestLimit   = 64
	requestBacklog = 256
	backlogTimeout = 10 * time.Second
)

// Dependencies are the services the API reads from and controls.
type Dependencies struct {
	Torrents handlers.TorrentReader
	Pipeline handlers.Pipeline
	Sources  handlers.SourceLister
	Bus      *events.Bus
	PageSize int
	// APIKey guards /api when set.
	APIKey string
	// AllowedOrigins enables CORS for these browser origins.
	AllowedOrigins []string
	Host           string
	Port           int
}

type Server struct {
	deps     Dependencies
	logger   zerolog.Logger
	stream   *sse.StreamManager
	compress func(http.Handler) http.Handler
	server   *http.Server
}

func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:   deps,
		logger: log.With().Str("component", "api").Logger(),
		stream: sse.NewStreamManager(deps.Bus),
	}

	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		s.logger.Warn().Err(err).Msg("response compression disabled")
		compress = func(next http.Handler) http.Handler { return next }
	}
	s.compress = compress

	s.server = &http.Server{
		Addr:              net.JoinHostPort(deps.Host, strconv.Itoa(deps.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Handler builds a fresh router over the server's dependencies.
func (s *Server) Handler() http.Handler {
	torrents := handlers.NewTorrentsHandler(s.deps.Torrents, s.deps.PageSize)
	pipeline := handlers.NewPipelineHandler(s.deps.Pipeline, s.deps.Sources, s.deps.Torrents)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger(s.logger))
	if len(s.deps.AllowedOrigins) > 0 {
		// preflight requests carry no API key, so CORS runs before the key check
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.deps.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-API-Key", "X-Requested-With"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// EventSource cannot set headers, so the key may come as ?apikey=
		r.Use(middleware.APIKeyFromQuery(middleware.APIKeyParam))
		r.Use(middleware.RequireAPIKey(s.deps.APIKey))

		// the event stream is long-lived and stays outside the throttle and compression
		r.Get("/events", s.stream.Serve)

		r.Group(func(r chi.Router) {
			r.Use(middleware.ThrottleBacklog(requestLimit, requestBacklog, backlogTimeout))
			r.Use(s.compress)

			r.Get("/version", s.version)

			r.Get("/torrents", torrents.ListTorrents)
			r.Get("/torrents/{id}", torrents.GetTorrent)
			r.Post("/torrents/{id}/thumbnail/replace", pipeline.ReplaceThumbnail)
			r.Get("/stats", torrents.GetStats)
			r.Get("/genres", torrents.ListGenres)

			r.Get("/sources", pipeline.ListSources)
			r.Get("/providers", pipeline.ListProviders)
			r.Post("/providers/{tag}/reset", pipeline.ResetProvider)
			r.Get("/status", pipeline.GetStatus)

			r.Post("/scrape", pipeline.StartScrape)
			r.Post("/scrape/stop", pipeline.StopScrape)
			r.Post("/view", pipeline.ReportView)

			r.Post("/enrichment/start", pipeline.StartEnrichment)
			r.Post("/enrichment/stop", pipeline.StopEnrichment)
		})
	})

	return r
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	body, err := buildinfo.JSON()
	if err != nil {
		handlers.RespondError(w, http.StatusInternalServerError, "Failed to encode build info")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// ListenAndServe starts the event stream and blocks until the listener stops. A clean
// shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.stream.Start()

	s.logger.Info().Str("addr", s.server.Addr).Bool("apiKey", s.deps.APIKey != "").Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes the event stream first so open sessions do not hold the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.stream.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
