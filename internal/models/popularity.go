// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"math"

	"github.com/autobrr/coverscout/internal/domain"
)

// PopularityPolicy turns swarm counters into a 0-100 score. Each counter is divided by its
// divisor and saturated at its cap; the capped terms are summed.
type PopularityPolicy struct {
	SeedersDivisor, SeedersCap     float64
	DownloadsDivisor, DownloadsCap float64
	ViewsDivisor, ViewsCap         float64
	CommentsDivisor, CommentsCap   float64
	LeechersDivisor, LeechersCap   float64
}

// DefaultPopularityPolicy caps seeders at 30, downloads at 25, views at 20, comments at 10
// and leechers at 15.
func DefaultPopularityPolicy() PopularityPolicy {
	return PopularityPolicy{
		SeedersDivisor: 10, SeedersCap: 30,
		DownloadsDivisor: 100, DownloadsCap: 25,
		ViewsDivisor: 1000, ViewsCap: 20,
		CommentsDivisor: 10, CommentsCap: 10,
		LeechersDivisor: 20, LeechersCap: 15,
	}
}

// PopularityPolicyFromConfig fills zero fields from the default policy.
func PopularityPolicyFromConfig(cfg domain.PopularityConfig) PopularityPolicy {
	p := DefaultPopularityPolicy()
	set := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	set(&p.SeedersDivisor, cfg.SeedersDivisor)
	set(&p.SeedersCap, cfg.SeedersCap)
	set(&p.DownloadsDivisor, cfg.DownloadsDivisor)
	set(&p.DownloadsCap, cfg.DownloadsCap)
	set(&p.ViewsDivisor, cfg.ViewsDivisor)
	set(&p.ViewsCap, cfg.ViewsCap)
	set(&p.CommentsDivisor, cfg.CommentsDivisor)
	set(&p.CommentsCap, cfg.CommentsCap)
	set(&p.LeechersDivisor, cfg.LeechersDivisor)
	set(&p.LeechersCap, cfg.LeechersCap)
	return p
}

// Score returns the popularity rounded to two decimals.
func (p PopularityPolicy) Score(seeders, downloads, views, comments, leechers int64) float64 {
	term := func(v int64, divisor, cap float64) float64 {
		if v <= 0 || divisor <= 0 {
			return 0
		}
		return math.Min(cap, float64(v)/divisor)
	}

	total := term(seeders, p.SeedersDivisor, p.SeedersCap) +
		term(downloads, p.DownloadsDivisor, p.DownloadsCap) +
		term(views, p.ViewsDivisor, p.ViewsCap) +
		term(comments, p.CommentsDivisor, p.CommentsCap) +
		term(leechers, p.LeechersDivisor, p.LeechersCap)

	return math.Round(total*100) / 100
}
