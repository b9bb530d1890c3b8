// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"github.com/prometheus/client_golang/prometheus"
)

type MetricsCollector struct {
	db *DB

	writesDesc   *prometheus.Desc
	txDesc       *prometheus.Desc
	txFailedDesc *prometheus.Desc
	queuedDesc   *prometheus.Desc
	openConnDesc *prometheus.Desc
}

func NewMetricsCollector(db *DB) *MetricsCollector {
	return &MetricsCollector{
		db: db,
		writesDesc: prometheus.NewDesc(
			"coverscout_db_exec_writes_total",
			"Single statement writes routed through the database write goroutine",
			nil,
			nil,
		),
		txDesc: prometheus.NewDesc(
			"coverscout_db_write_transactions_total",
			"Write transactions started on the dedicated write connection",
			nil,
			nil,
		),
		txFailedDesc: prometheus.NewDesc(
			"coverscout_db_write_transactions_failed_total",
			"Write transactions whose commit failed",
			nil,
			nil,
		),
		queuedDesc: prometheus.NewDesc(
			"coverscout_db_exec_queue_depth",
			"Writes waiting for the database write goroutine",
			nil,
			nil,
		),
		openConnDesc: prometheus.NewDesc(
			"coverscout_db_open_connections",
			"Open connections in the read pool, including the dedicated write connection",
			nil,
			nil,
		),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.writesDesc
	ch <- c.txDesc
	ch <- c.txFailedDesc
	ch <- c.queuedDesc
	ch <- c.openConnDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	writes, txs, txFailed, queued := c.db.Stats()

	ch <- prometheus.MustNewConstMetric(c.writesDesc, prometheus.CounterValue, float64(writes))
	ch <- prometheus.MustNewConstMetric(c.txDesc, prometheus.CounterValue, float64(txs))
	ch <- prometheus.MustNewConstMetric(c.txFailedDesc, prometheus.CounterValue, float64(txFailed))
	ch <- prometheus.MustNewConstMetric(c.queuedDesc, prometheus.GaugeValue, float64(queued))
	ch <- prometheus.MustNewConstMetric(c.openConnDesc, prometheus.GaugeValue, float64(c.db.conn.Stats().OpenConnections))
}
