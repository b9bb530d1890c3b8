// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		PageSize:               50,
		MaxScrapePages:         100,
		HTTPTimeoutSeconds:     10,
		HTTPRetries:            2,
		ProviderBlockThreshold: 50,
		WriterQueueSize:        256,
		Providers: []ProviderConfig{
			{Tag: "p1", Kind: ProviderKindHTML, SearchURL: "https://p1.example/search?q={query}", ImageSelector: "img.cover"},
			{Tag: "fc2", Kind: ProviderKindPattern, Family: "fc2", URLTemplates: []string{"https://cdn.example/{number}.jpg"}},
		},
		Sources: []SourceConfig{
			{Key: "s1", Site: "S", ListURL: "https://s.example/?p={page}", RowSelector: "tr.row", Fields: map[string]string{"title": "a.title"}},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts a complete config", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("rejects non positive limits", func(t *testing.T) {
		cfg := validConfig()
		cfg.PageSize = 0
		cfg.ProviderBlockThreshold = -1

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pageSize")
		assert.Contains(t, err.Error(), "providerBlockThreshold")
	})

	t.Run("rejects duplicate provider tags", func(t *testing.T) {
		cfg := validConfig()
		cfg.Providers = append(cfg.Providers, cfg.Providers[0])

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `duplicate tag "p1"`)
	})

	t.Run("rejects unknown provider kind", func(t *testing.T) {
		cfg := validConfig()
		cfg.Providers[0].Kind = "ftp"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown kind "ftp"`)
	})

	t.Run("rejects enabled provider that is not configured", func(t *testing.T) {
		cfg := validConfig()
		cfg.EnabledProviders = []string{"p1", "nope"}

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown provider "nope"`)
	})

	t.Run("requires source title field", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sources[0].Fields = map[string]string{}

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fields.title")
	})
}

func TestProviderEnabled(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.ProviderEnabled("p1"))
	assert.True(t, cfg.ProviderEnabled("fc2"))

	cfg.EnabledProviders = []string{" P1 "}
	assert.True(t, cfg.ProviderEnabled("p1"))
	assert.False(t, cfg.ProviderEnabled("fc2"))
}

func TestDurations(t *testing.T) {
	cfg := &Config{HTTPTimeoutSeconds: 10, ShutdownTimeoutSeconds: 3, PriorityDebounceMs: 150}
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout())
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, 150*time.Millisecond, cfg.PriorityDebounce())
}
