// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/orchestrator"
	"github.com/autobrr/coverscout/internal/services/thumbnails"
)

// StatusSource reports the live state of the pipelines. *orchestrator.Orchestrator
// implements it.
type StatusSource interface {
	Status() orchestrator.Status
}

// StatsSource reports store totals. *models.TorrentStore implements it.
type StatsSource interface {
	Stats(ctx context.Context) (*models.TorrentStats, error)
}

type PipelineCollector struct {
	status StatusSource
	stats  StatsSource

	torrentsDesc        *prometheus.Desc
	enrichedDesc        *prometheus.Desc
	backlogDesc         *prometheus.Desc
	writerRecordsDesc   *prometheus.Desc
	writerFailedDesc    *prometheus.Desc
	writerRetriesDesc   *prometheus.Desc
	writerQueueDesc     *prometheus.Desc
	enrichRunningDesc   *prometheus.Desc
	enrichQueueDesc     *prometheus.Desc
	enrichInFlightDesc  *prometheus.Desc
	providerBlockedDesc *prometheus.Desc
	providerSearchDesc  *prometheus.Desc
	scrapesDesc         *prometheus.Desc
	replaceQueueDesc    *prometheus.Desc
}

func NewPipelineCollector(status StatusSource, stats StatsSource) *PipelineCollector {
	return &PipelineCollector{
		status: status,
		stats:  stats,

		torrentsDesc: prometheus.NewDesc(
			"coverscout_torrents",
			"Stored records by source site",
			[]string{"site"},
			nil,
		),
		enrichedDesc: prometheus.NewDesc(
			"coverscout_torrents_enriched",
			"Stored records that have a thumbnail",
			nil,
			nil,
		),
		backlogDesc: prometheus.NewDesc(
			"coverscout_thumbnail_backlog",
			"Stored records still waiting for a thumbnail",
			nil,
			nil,
		),
		writerRecordsDesc: prometheus.NewDesc(
			"coverscout_writer_records_total",
			"Records handled by the writer by outcome",
			[]string{"outcome"},
			nil,
		),
		writerFailedDesc: prometheus.NewDesc(
			"coverscout_writer_failed_total",
			"Writer messages that failed",
			nil,
			nil,
		),
		writerRetriesDesc: prometheus.NewDesc(
			"coverscout_writer_busy_retries_total",
			"Transactions retried because the database was busy",
			nil,
			nil,
		),
		writerQueueDesc: prometheus.NewDesc(
			"coverscout_writer_queue_depth",
			"Messages waiting for the writer",
			nil,
			nil,
		),
		enrichRunningDesc: prometheus.NewDesc(
			"coverscout_enrichment_running",
			"Whether an enrichment run is active (1=running, 0=idle)",
			nil,
			nil,
		),
		enrichQueueDesc: prometheus.NewDesc(
			"coverscout_enrichment_queue_depth",
			"Jobs waiting in the enrichment queues",
			[]string{"queue"},
			nil,
		),
		enrichInFlightDesc: prometheus.NewDesc(
			"coverscout_enrichment_in_flight",
			"Searches currently running",
			nil,
			nil,
		),
		providerBlockedDesc: prometheus.NewDesc(
			"coverscout_provider_blocked",
			"Provider circuit state (1=blocked, 0=ok)",
			[]string{"provider"},
			nil,
		),
		providerSearchDesc: prometheus.NewDesc(
			"coverscout_provider_searches_total",
			"Provider searches by result",
			[]string{"provider", "result"},
			nil,
		),
		scrapesDesc: prometheus.NewDesc(
			"coverscout_scrapes_active",
			"Sources currently being scraped",
			nil,
			nil,
		),
		replaceQueueDesc: prometheus.NewDesc(
			"coverscout_replace_pending",
			"Thumbnail replace requests waiting",
			nil,
			nil,
		),
	}
}

func (c *PipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.torrentsDesc
	ch <- c.enrichedDesc
	ch <- c.backlogDesc
	ch <- c.writerRecordsDesc
	ch <- c.writerFailedDesc
	ch <- c.writerRetriesDesc
	ch <- c.writerQueueDesc
	ch <- c.enrichRunningDesc
	ch <- c.enrichQueueDesc
	ch <- c.enrichInFlightDesc
	ch <- c.providerBlockedDesc
	ch <- c.providerSearchDesc
	ch <- c.scrapesDesc
	ch <- c.replaceQueueDesc
}

func (c *PipelineCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectStore(ch)

	if c.status == nil {
		log.Debug().Msg("status source is nil, skipping pipeline metrics")
		return
	}
	st := c.status.Status()

	w := st.Writer
	ch <- prometheus.MustNewConstMetric(c.writerRecordsDesc, prometheus.CounterValue, float64(w.Added), "added")
	ch <- prometheus.MustNewConstMetric(c.writerRecordsDesc, prometheus.CounterValue, float64(w.Updated), "updated")
	ch <- prometheus.MustNewConstMetric(c.writerRecordsDesc, prometheus.CounterValue, float64(w.Duplicate), "duplicate")
	ch <- prometheus.MustNewConstMetric(c.writerFailedDesc, prometheus.CounterValue, float64(w.Failed))
	ch <- prometheus.MustNewConstMetric(c.writerRetriesDesc, prometheus.CounterValue, float64(w.BusyRetries))
	ch <- prometheus.MustNewConstMetric(c.writerQueueDesc, prometheus.GaugeValue, float64(w.Queued))

	q := st.Enrichment
	running := 0.0
	if q.Running {
		running = 1
	}
	rehome := 0
	for _, n := range q.Rehome {
		rehome += n
	}
	ch <- prometheus.MustNewConstMetric(c.enrichRunningDesc, prometheus.GaugeValue, running)
	ch <- prometheus.MustNewConstMetric(c.enrichQueueDesc, prometheus.GaugeValue, float64(q.Priority), "priority")
	ch <- prometheus.MustNewConstMetric(c.enrichQueueDesc, prometheus.GaugeValue, float64(q.Main), "main")
	ch <- prometheus.MustNewConstMetric(c.enrichQueueDesc, prometheus.GaugeValue, float64(rehome), "rehome")
	ch <- prometheus.MustNewConstMetric(c.enrichInFlightDesc, prometheus.GaugeValue, float64(q.InFlight))

	for _, p := range st.Providers {
		blocked := 0.0
		if p.State == thumbnails.CircuitBlocked {
			blocked = 1
		}
		ch <- prometheus.MustNewConstMetric(c.providerBlockedDesc, prometheus.GaugeValue, blocked, p.Provider)
		ch <- prometheus.MustNewConstMetric(c.providerSearchDesc, prometheus.CounterValue, float64(p.Found), p.Provider, "found")
		ch <- prometheus.MustNewConstMetric(c.providerSearchDesc, prometheus.CounterValue, float64(p.Misses), p.Provider, "miss")
		ch <- prometheus.MustNewConstMetric(c.providerSearchDesc, prometheus.CounterValue, float64(p.Errors), p.Provider, "error")
	}

	ch <- prometheus.MustNewConstMetric(c.scrapesDesc, prometheus.GaugeValue, float64(len(st.Scrapes)))
	ch <- prometheus.MustNewConstMetric(c.replaceQueueDesc, prometheus.GaugeValue, float64(st.PendingReplace))
}

func (c *PipelineCollector) collectStore(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.stats.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get store stats for metrics")
		return
	}

	for site, n := range stats.BySite {
		ch <- prometheus.MustNewConstMetric(c.torrentsDesc, prometheus.GaugeValue, float64(n), site)
	}
	ch <- prometheus.MustNewConstMetric(c.enrichedDesc, prometheus.GaugeValue, float64(stats.Enriched))
	ch <- prometheus.MustNewConstMetric(c.backlogDesc, prometheus.GaugeValue, float64(stats.Backlog))
}
