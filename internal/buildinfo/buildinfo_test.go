// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Parallel()

	lines := strings.Split(strings.TrimSpace(String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Version: "+Version, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Commit:"))
	assert.True(t, strings.HasPrefix(lines[2], "Build date:"))
}

func TestJSON(t *testing.T) {
	t.Parallel()

	data, err := JSON()
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, map[string]string{"version": Version, "commit": Commit, "date": Date}, info)
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	assert.True(t, strings.HasPrefix(UserAgent, "coverscout/"+Version))
	assert.Contains(t, UserAgent, runtime.GOOS+" "+runtime.GOARCH)
}
