// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildQueryWithPlaceholders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		perRow int
		rows   int
		want   string
	}{
		{name: "single id list", perRow: 1, rows: 3, want: "SELECT id FROM torrents WHERE id IN (?), (?), (?)"},
		{name: "pairs", perRow: 2, rows: 2, want: "SELECT id FROM torrents WHERE id IN (?, ?), (?, ?)"},
		{name: "no rows", perRow: 1, rows: 0, want: "SELECT id FROM torrents WHERE id IN "},
		{name: "no placeholders", perRow: 0, rows: 4, want: "SELECT id FROM torrents WHERE id IN "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := BuildQueryWithPlaceholders("SELECT id FROM torrents WHERE id IN %s", tt.perRow, tt.rows)
			assert.Equal(t, tt.want, got)
		})
	}
}
