// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autobrr/coverscout/internal/domain"
)

func TestPopularityPolicy_Score(t *testing.T) {
	t.Parallel()

	p := DefaultPopularityPolicy()

	tests := []struct {
		name                                         string
		seeders, downloads, views, comments, leechers int64
		want                                         float64
	}{
		{name: "zero", want: 0},
		{name: "basic insert", seeders: 10, downloads: 100, views: 1000, comments: 2, leechers: 4, want: 3.4},
		{name: "re-observed seeders", seeders: 200, downloads: 100, views: 1000, comments: 2, leechers: 4, want: 22.4},
		{name: "everything saturated", seeders: 1e6, downloads: 1e6, views: 1e9, comments: 1e4, leechers: 1e5, want: 100},
		{name: "negative counters ignored", seeders: -5, downloads: 100, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := p.Score(tt.seeders, tt.downloads, tt.views, tt.comments, tt.leechers)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestPopularityPolicyFromConfig(t *testing.T) {
	t.Parallel()

	p := PopularityPolicyFromConfig(domain.PopularityConfig{SeedersDivisor: 1, SeedersCap: 50})
	assert.InDelta(t, 50, p.SeedersCap, 0.0001)
	assert.InDelta(t, 100, p.DownloadsDivisor, 0.0001)
	assert.InDelta(t, 50.0, p.Score(60, 0, 0, 0, 0), 0.0001)
}
