// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "non-empty string returns redacted",
			input: "secret-password",
			want:  RedactedStr,
		},
		{
			name:  "empty string returns empty",
			input: "",
			want:  "",
		},
		{
			name:  "single character",
			input: "a",
			want:  RedactedStr,
		},
		{
			name:  "whitespace only",
			input: "   ",
			want:  RedactedStr,
		},
		{
			name:  "already redacted string",
			input: RedactedStr,
			want:  RedactedStr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := RedactString(tt.input)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigRedacted(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Host:                  "127.0.0.1",
		APIKey:                "key",
		MetricsBasicAuthUsers: "admin:pw",
		Providers: []ProviderConfig{
			{Tag: "p1", BrowserControlURL: "ws://127.0.0.1:9222/devtools?token=abc"},
			{Tag: "p2"},
		},
	}

	got := cfg.Redacted()
	assert.Equal(t, "127.0.0.1", got.Host)
	assert.Equal(t, RedactedStr, got.APIKey)
	assert.Equal(t, RedactedStr, got.MetricsBasicAuthUsers)
	assert.Equal(t, RedactedStr, got.Providers[0].BrowserControlURL)
	assert.Empty(t, got.Providers[1].BrowserControlURL)

	// the original is untouched
	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools?token=abc", cfg.Providers[0].BrowserControlURL)
}

func TestRedactedStrConstant(t *testing.T) {
	t.Parallel()

	// Ensure the constant has the expected value
	assert.Equal(t, "<redacted>", RedactedStr)
}
