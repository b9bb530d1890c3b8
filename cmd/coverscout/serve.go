// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/coverscout/internal/api"
	"github.com/autobrr/coverscout/internal/buildinfo"
	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/metrics"
	"github.com/autobrr/coverscout/internal/orchestrator"
)

const listenerShutdownTimeout = 5 * time.Second

func RunServeCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, scheduled scrapes and thumbnail enrichment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, logs, err := setup(*configDir)
			if err != nil {
				return err
			}
			defer logs.Close()

			cfg := appCfg.Config
			appCfg.OnChange(func(next *domain.Config) {
				if err := logs.Apply(next); err != nil {
					log.Error().Err(err).Msg("Failed to apply logging config")
					return
				}
				log.Info().Str("level", next.LogLevel).Msg("Logging config reloaded")
			})
			appCfg.Watch()

			log.Info().
				Str("version", buildinfo.Version).
				Str("commit", buildinfo.Commit).
				Str("apiKey", domain.RedactString(cfg.APIKey)).
				Msg("Starting coverscout")

			o, err := orchestrator.Build(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, o)
		},
	}
}

func serve(ctx context.Context, cfg *domain.Config, o *orchestrator.Orchestrator) error {
	apiServer := api.NewServer(api.Dependencies{
		Torrents:       o.Store(),
		Pipeline:       o,
		Sources:        o.Sources(),
		Bus:            o.Bus(),
		PageSize:       cfg.PageSize,
		APIKey:         cfg.APIKey,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Host:           cfg.Host,
		Port:           cfg.Port,
	})

	var metricsServer *metrics.Server
	if cfg.MetricsEnabled {
		manager := metrics.NewManager(o, o.Store(), o.Database())
		metricsServer = metrics.NewServer(manager, cfg.MetricsHost, cfg.MetricsPort, cfg.MetricsBasicAuthUsers)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Run returns after its own bounded shutdown once gctx ends
	g.Go(func() error {
		return o.Run(gctx)
	})
	g.Go(apiServer.ListenAndServe)
	if metricsServer != nil {
		g.Go(metricsServer.ListenAndServe)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Stopping listeners")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), listenerShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API server shutdown")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Metrics server shutdown")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("coverscout stopped with errors")
		return err
	}
	log.Info().Msg("coverscout stopped")
	return nil
}
