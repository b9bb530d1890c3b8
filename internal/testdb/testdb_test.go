// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package testdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_IsolatesDatabases(t *testing.T) {
	t.Parallel()

	first := Open(t, "isolation")
	second := Open(t, "isolation")
	assert.NotEqual(t, first.Path(), second.Path())

	_, err := first.Conn().ExecContext(t.Context(), "CREATE TABLE scratch (id INTEGER)")
	require.NoError(t, err)

	var n int
	err = second.Conn().QueryRowContext(t.Context(),
		"SELECT COUNT(*) FROM sqlite_master WHERE name = 'scratch'").Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSanitizeKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "testdb", sanitizeKey("  "))
	assert.Equal(t, "api-v2", sanitizeKey("api/v2"))
	assert.Equal(t, "writer", sanitizeKey("writer"))
}
