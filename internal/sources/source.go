// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sources adapts paginated listing sites to one page-fetch contract.
package sources

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/pkg/timeouts"
	"github.com/autobrr/coverscout/internal/providers"
)

var ErrUnknownSource = errors.New("unknown source")

// Source is one paginated listing. FetchPage returns an empty slice past the last page.
type Source interface {
	Key() string
	// Site is the source_site stored on every record the source yields.
	Site() string
	FetchPage(ctx context.Context, page int, sort, order, query string) ([]models.TorrentInput, error)
	Close()
}

// Info describes a configured source for the API.
type Info struct {
	Key        string `json:"key"`
	Site       string `json:"site"`
	AutoScrape bool   `json:"auto_scrape"`
	MaxPages   int    `json:"max_pages"`
}

// Registry holds the configured sources in configuration order.
type Registry struct {
	order   []string
	sources map[string]Source
	info    map[string]Info
}

// NewRegistry builds every source in cfg.
func NewRegistry(cfg *domain.Config) (*Registry, error) {
	r := &Registry{
		sources: make(map[string]Source, len(cfg.Sources)),
		info:    make(map[string]Info, len(cfg.Sources)),
	}

	var errs []error
	for _, sc := range cfg.Sources {
		t, err := providers.NewTransport(sc.Key, providers.TransportConfig{
			UserAgent:  cfg.UserAgent,
			Referer:    sc.BaseURL,
			Timeout:    timeouts.RequestTimeout(cfg.HTTPTimeoutSeconds),
			Retries:    cfg.HTTPRetries,
			RetryDelay: time.Second,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", sc.Key, err))
			continue
		}
		src, err := NewHTMLTable(sc, t)
		if err != nil {
			t.Close()
			errs = append(errs, err)
			continue
		}
		r.Add(src, Info{Key: sc.Key, Site: src.Site(), AutoScrape: sc.AutoScrape, MaxPages: sc.MaxPages})
	}

	if err := errors.Join(errs...); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Add registers src, replacing any source with the same key.
func (r *Registry) Add(src Source, info Info) {
	if r.sources == nil {
		r.sources = make(map[string]Source)
		r.info = make(map[string]Info)
	}
	key := src.Key()
	if _, ok := r.sources[key]; !ok {
		r.order = append(r.order, key)
	}
	info.Key = key
	if info.Site == "" {
		info.Site = src.Site()
	}
	r.sources[key] = src
	r.info[key] = info
}

func (r *Registry) Get(key string) (Source, error) {
	src, ok := r.sources[strings.TrimSpace(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, key)
	}
	return src, nil
}

// Info returns the registration details of key.
func (r *Registry) Info(key string) (Info, bool) {
	info, ok := r.info[key]
	return info, ok
}

// List returns every source's details in configuration order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.info[key])
	}
	return out
}

// Keys returns the source keys in configuration order.
func (r *Registry) Keys() []string {
	return slices.Clone(r.order)
}

func (r *Registry) Close() {
	for _, key := range r.order {
		r.sources[key].Close()
	}
	log.Debug().Int("sources", len(r.order)).Msg("sources closed")
}
