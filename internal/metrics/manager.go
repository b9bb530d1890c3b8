// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/database"
)

type Manager struct {
	registry          *prometheus.Registry
	pipelineCollector *PipelineCollector
}

// NewManager registers the runtime collectors, the pipeline collector and, when db is not
// nil, the database write-path collector.
func NewManager(status StatusSource, stats StatsSource, db *database.DB) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pipelineCollector := NewPipelineCollector(status, stats)
	registry.MustRegister(pipelineCollector)

	if db != nil {
		registry.MustRegister(database.NewMetricsCollector(db))
	}

	log.Info().Msg("Metrics manager initialized with pipeline collector")

	return &Manager{
		registry:          registry,
		pipelineCollector: pipelineCollector,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
