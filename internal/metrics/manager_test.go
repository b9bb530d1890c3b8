// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"runtime"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/coverscout/internal/testdb"
)

func TestNewManager(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, nil, nil)

	assert.NotNil(t, manager)
	assert.NotNil(t, manager.registry)
	assert.NotNil(t, manager.pipelineCollector)
}

func TestManager_GetRegistry(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, nil, nil)
	registry := manager.GetRegistry()

	assert.IsType(t, &prometheus.Registry{}, registry)

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)

	foundGoMetrics := false
	foundProcessMetrics := false
	for _, mf := range metricFamilies {
		name := mf.GetName()
		if strings.HasPrefix(name, "go_") {
			foundGoMetrics = true
		}
		if strings.HasPrefix(name, "process_") {
			foundProcessMetrics = true
		}
	}

	assert.True(t, foundGoMetrics, "Go runtime metrics should be registered (go_* metrics)")
	if runtime.GOOS == "darwin" {
		assert.False(t, foundProcessMetrics, "Process metrics should NOT be available on macOS")
	} else {
		assert.True(t, foundProcessMetrics, "Process metrics should be registered on Linux/Windows")
	}
}

func TestManager_RegistryIsolation(t *testing.T) {
	t.Parallel()

	manager1 := NewManager(nil, nil, nil)
	manager2 := NewManager(nil, nil, nil)

	assert.NotSame(t, manager1.registry, manager2.registry, "Each manager should have its own registry")
	assert.NotSame(t, manager1.pipelineCollector, manager2.pipelineCollector, "Each manager should have its own collector")
}

func TestManager_RegistersDatabaseCollector(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t, "metrics")
	manager := NewManager(nil, nil, db)

	assert.Greater(t, testutil.CollectAndCount(manager.GetRegistry(), "coverscout_db_write_transactions_total"), 0)
	assert.Zero(t, testutil.CollectAndCount(NewManager(nil, nil, nil).GetRegistry(), "coverscout_db_write_transactions_total"))
}
