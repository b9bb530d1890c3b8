// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/coverscout/internal/domain"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestManagerWritesToRotatedFile(t *testing.T) {
	var console bytes.Buffer
	m := &Manager{console: &console}
	t.Cleanup(func() {
		_ = m.Close()
		log.Logger = zerolog.New(os.Stderr)
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	path := filepath.Join(t.TempDir(), "logs", "coverscout.log")
	require.NoError(t, m.Apply(&domain.Config{LogLevel: "debug", LogPath: path}))

	log.Debug().Str("component", "test").Msg("hello file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
	assert.Contains(t, console.String(), "hello file")

	// dropping the path stops file output
	require.NoError(t, m.Apply(&domain.Config{LogLevel: "info"}))
	log.Info().Msg("console only")
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "console only")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
