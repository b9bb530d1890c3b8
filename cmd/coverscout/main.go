// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/coverscout/internal/buildinfo"
	"github.com/autobrr/coverscout/internal/config"
	"github.com/autobrr/coverscout/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "coverscout",
		Short:         "Torrent listing scraper with thumbnail enrichment",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory or config.toml path (default: $XDG_CONFIG_HOME/coverscout)")

	root.AddCommand(
		RunServeCommand(&configDir),
		RunScrapeCommand(&configDir),
		RunEnrichCommand(&configDir),
		RunConfigCommand(&configDir),
		RunVersionCommand(),
	)
	return root
}

// setup loads the configuration and points the global logger at it.
func setup(configDir string) (*config.AppConfig, *logger.Manager, error) {
	appCfg, err := config.New(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logs := logger.NewManager()
	if err := logs.Apply(appCfg.Config); err != nil {
		return nil, nil, fmt.Errorf("configure logging: %w", err)
	}

	log.Debug().Str("config", appCfg.ConfigPath()).Str("database", appCfg.GetDatabasePath()).Msg("Configuration loaded")
	return appCfg, logs, nil
}

func RunVersionCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !asJSON {
				cmd.Print(buildinfo.String())
				return nil
			}
			body, err := buildinfo.JSON()
			if err != nil {
				return err
			}
			cmd.Println(string(body))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print build information as JSON")
	return cmd
}
