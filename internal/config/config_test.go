// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
	return configPath
}

func TestDatabasePathConfiguration(t *testing.T) {
	tests := []struct {
		name           string
		content        func(dir string) string
		envVars        map[string]string
		expectedDBPath func(dir string) string
	}{
		{
			name: "default_behavior_db_next_to_config",
			content: func(string) string {
				return `
host = "localhost"
logLevel = "INFO"
`
			},
			expectedDBPath: func(dir string) string { return filepath.Join(dir, "coverscout.db") },
		},
		{
			name: "explicit_path_in_config",
			content: func(dir string) string {
				return `
logLevel = "INFO"
databasePath = "` + filepath.Join(dir, "custom.db") + `"
`
			},
			expectedDBPath: func(dir string) string { return filepath.Join(dir, "custom.db") },
		},
		{
			name: "env_var_overrides_config",
			content: func(string) string {
				return `
databasePath = "/original/path.db"
`
			},
			envVars:        map[string]string{"COVERSCOUT__DATABASE_PATH": "/override/path.db"},
			expectedDBPath: func(string) string { return "/override/path.db" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			configPath := writeConfig(t, dir, tt.content(dir))
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedDBPath(dir), cfg.GetDatabasePath())
		})
	}
}

func TestNew_WritesDefaultConfigOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "nested", "config.toml")

	cfg, err := New(configPath)
	require.NoError(t, err)

	_, statErr := os.Stat(configPath)
	require.NoError(t, statErr)

	assert.Equal(t, 50, cfg.Config.PageSize)
	assert.Equal(t, 100, cfg.Config.MaxScrapePages)
	assert.Equal(t, 10, cfg.Config.HTTPTimeoutSeconds)
	assert.Equal(t, 2, cfg.Config.HTTPRetries)
	assert.Equal(t, 50, cfg.Config.ProviderBlockThreshold)
	assert.True(t, cfg.Config.DedupeByTitle)
	assert.InDelta(t, 10, cfg.Config.Popularity.SeedersDivisor, 0.0001)
	assert.InDelta(t, 15, cfg.Config.Popularity.LeechersCap, 0.0001)
}

func TestNew_DecodesProvidersAndSources(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, `
enabledProviders = ["p1"]
providerBlockThreshold = 7

[[providers]]
tag = "p1"
kind = "html"
searchUrl = "https://p1.example/search?q={query}"
imageSelector = "img.cover"

[[providers]]
tag = "fc2"
kind = "pattern"
family = "fc2"
urlTemplates = ["https://cdn.example/{number}/cover.jpg"]

[[sources]]
key = "example"
site = "EX"
listUrl = "https://listing.example/?p={page}"
rowSelector = "tr.torrent"
[sources.fields]
title = "td.name a"
seeders = "td.seeders"
`)

	cfg, err := New(configPath)
	require.NoError(t, err)

	require.Len(t, cfg.Config.Providers, 2)
	assert.Equal(t, "fc2", cfg.Config.Providers[1].Family)
	assert.Equal(t, []string{"https://cdn.example/{number}/cover.jpg"}, cfg.Config.Providers[1].URLTemplates)
	assert.Equal(t, 7, cfg.Config.ProviderBlockThreshold)
	assert.Equal(t, []string{"p1"}, cfg.Config.EnabledProviders)

	require.Len(t, cfg.Config.Sources, 1)
	assert.Equal(t, "td.seeders", cfg.Config.Sources[0].Fields["seeders"])
}

func TestNew_InvalidConfigIsFatal(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, `
pageSize = 0
`)

	_, err := New(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pageSize")
}

func TestEnabledProvidersFromEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, `
[[providers]]
tag = "p1"
kind = "pattern"
urlTemplates = ["https://a.example/{code}.jpg"]

[[providers]]
tag = "p2"
kind = "pattern"
urlTemplates = ["https://b.example/{code}.jpg"]
`)
	t.Setenv("COVERSCOUT__ENABLED_PROVIDERS", "p2, p1")

	cfg, err := New(configPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, cfg.Config.EnabledProviders)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "COVERSCOUT__DATABASE_PATH", envName("databasePath"))
	assert.Equal(t, "COVERSCOUT__HTTP_TIMEOUT_SECONDS", envName("httpTimeoutSeconds"))
	assert.Equal(t, "COVERSCOUT__HOST", envName("host"))
}

func TestDockerEnvironmentCompatibility(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/config")
	assert.Equal(t, "/config", getDefaultConfigDir())

	t.Setenv("XDG_CONFIG_HOME", "/home/user/.config")
	assert.Equal(t, filepath.Join("/home/user/.config", "coverscout"), getDefaultConfigDir())
}
