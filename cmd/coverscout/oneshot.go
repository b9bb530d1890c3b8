// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/coverscout/internal/orchestrator"
	"github.com/autobrr/coverscout/internal/services/scrape"
)

// runOnce builds the pipeline, runs fn and always drains the writer before returning.
func runOnce(cmd *cobra.Command, configDir string, fn func(ctx context.Context, o *orchestrator.Orchestrator) error) error {
	appCfg, logs, err := setup(configDir)
	if err != nil {
		return err
	}
	defer logs.Close()

	o, err := orchestrator.Build(appCfg.Config)
	if err != nil {
		return err
	}
	o.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, o)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.Config.ShutdownTimeout())
	defer cancel()
	return errors.Join(runErr, o.Shutdown(shutdownCtx))
}

func RunScrapeCommand(configDir *string) *cobra.Command {
	var (
		req    scrape.Request
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "scrape <source>",
		Short: "Scrape one source and exit once every record is written",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Source = args[0]
			req.Progress = func(p scrape.Progress) {
				log.Info().Str("source", p.Source).Int("page", p.Page).Int("maxPages", p.MaxPages).Msg(p.Message)
			}

			return runOnce(cmd, *configDir, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				summary, err := o.Scraper().Run(ctx, req)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return printResult(cmd, asJSON, summary, fmt.Sprintf(
					"%s: %d added, %d updated, %d duplicate, %d failed over %d pages in %s",
					summary.Source, summary.Added, summary.Updated, summary.Duplicate, summary.Failed, summary.Pages, summary.Duration,
				))
			})
		},
	}

	cmd.Flags().StringVar(&req.Query, "query", "", "Search query instead of the listing")
	cmd.Flags().StringVar(&req.Sort, "sort", "", "Source sort field")
	cmd.Flags().StringVar(&req.Order, "order", "", "Source sort order")
	cmd.Flags().IntVar(&req.MaxPages, "max-pages", 0, "Page bound (0 uses the source or global default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func RunEnrichCommand(configDir *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Search thumbnails for every record without one and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, *configDir, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				summary, err := o.Pool().Run(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return printResult(cmd, asJSON, summary, fmt.Sprintf(
					"%d updated, %d exhausted, %d skipped in %s",
					summary.Updated, summary.Exhausted, summary.Skipped, summary.Duration,
				))
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func RunConfigCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, logs, err := setup(*configDir)
			if err != nil {
				return err
			}
			defer logs.Close()

			cmd.Printf("# %s\n", appCfg.ConfigPath())
			return printResult(cmd, true, appCfg.Config.Redacted(), "")
		},
	}
}

func printResult(cmd *cobra.Command, asJSON bool, v any, text string) error {
	if !asJSON {
		cmd.Println(text)
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
