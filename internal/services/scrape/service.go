// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scrape walks listing sources page by page and streams what it finds to the writer.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/events"
	"github.com/autobrr/coverscout/internal/sources"
	"github.com/autobrr/coverscout/internal/writer"
)

var (
	ErrAlreadyRunning = errors.New("scrape already running for source")
	ErrNotRunning     = errors.New("no scrape running for source")
)

const syncTimeout = 30 * time.Second

// SourceLookup resolves a source key. *sources.Registry implements it.
type SourceLookup interface {
	Get(key string) (sources.Source, error)
	Info(key string) (sources.Info, bool)
}

// Store is the read side the driver needs.
type Store interface {
	SourceIDs(ctx context.Context, site string) (map[string]struct{}, error)
}

// RecordWriter receives page batches. In production it is the DB writer.
type RecordWriter interface {
	BatchAdd(ctx context.Context, tag string, records []writer.Record) (writer.BatchStats, error)
	Sync(ctx context.Context) error
}

// Request names one scrape.
type Request struct {
	Source string `json:"source"`
	Query  string `json:"query,omitempty"`
	Sort   string `json:"sort,omitempty"`
	Order  string `json:"order,omitempty"`
	// MaxPages overrides the source's page bound when positive.
	MaxPages int `json:"max_pages,omitempty"`
	// Progress is called after every page in addition to the ScrapeProgress event.
	Progress func(Progress) `json:"-"`
}

// Progress is reported after every written page.
type Progress struct {
	Source   string
	Page     int
	MaxPages int
	Percent  int
	Message  string
}

// Summary describes one finished scrape.
type Summary struct {
	Source    string        `json:"source"`
	Added     int           `json:"added"`
	Updated   int           `json:"updated"`
	Duplicate int           `json:"duplicate"`
	Failed    int           `json:"failed"`
	Seen      int           `json:"seen"`
	Pages     int           `json:"pages"`
	Stopped   bool          `json:"stopped"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Config bounds scrapes that do not name their own page limit.
type Config struct {
	MaxPages int
}

func ConfigFrom(cfg *domain.Config) Config {
	c := Config{MaxPages: 100}
	if cfg.MaxScrapePages > 0 {
		c.MaxPages = cfg.MaxScrapePages
	}
	return c
}

type scrape struct {
	req      Request
	cancel   context.CancelFunc
	stopping atomic.Bool
	done     chan struct{}
	summary  Summary
	err      error
}

// seenSet is the set of source ids known for one site. Sources sharing a site share it.
type seenSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *seenSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) add(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

// Service runs at most one scrape per source at a time.
type Service struct {
	cfg     Config
	sources SourceLookup
	store   Store
	writer  RecordWriter
	events  events.Publisher
	log     zerolog.Logger

	seenGroup singleflight.Group
	seenMu    sync.Mutex
	seen      map[string]*seenSet

	mu     sync.Mutex
	active map[string]*scrape
	last   map[string]Summary
}

func NewService(cfg Config, lookup SourceLookup, store Store, w RecordWriter, pub events.Publisher) *Service {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	return &Service{
		cfg:     cfg,
		sources: lookup,
		store:   store,
		writer:  w,
		events:  pub,
		log:     log.With().Str("component", "scrape").Logger(),
		seen:    make(map[string]*seenSet),
		active:  make(map[string]*scrape),
		last:    make(map[string]Summary),
	}
}

func (s *Service) publish(t events.Type, payload any) {
	if s.events != nil {
		s.events.Publish(t, payload)
	}
}

// Start launches a scrape in the background. It fails when the source is unknown or
// already being scraped.
func (s *Service) Start(ctx context.Context, req Request) error {
	req.Source = strings.TrimSpace(req.Source)
	src, err := s.sources.Get(req.Source)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, busy := s.active[req.Source]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, req.Source)
	}
	runCtx, cancel := context.WithCancel(ctx)
	sc := &scrape{req: req, cancel: cancel, done: make(chan struct{})}
	s.active[req.Source] = sc
	s.mu.Unlock()

	go s.execute(runCtx, src, sc)
	return nil
}

// Run scrapes synchronously and returns the summary.
func (s *Service) Run(ctx context.Context, req Request) (Summary, error) {
	if err := s.Start(ctx, req); err != nil {
		return Summary{}, err
	}
	return s.Wait(ctx, req.Source)
}

// Wait blocks until the scrape of source finishes. Without an active scrape it returns
// the previous summary for the source, if any.
func (s *Service) Wait(ctx context.Context, source string) (Summary, error) {
	s.mu.Lock()
	sc := s.active[source]
	last, hasLast := s.last[source]
	s.mu.Unlock()

	if sc == nil {
		if hasLast {
			return last, nil
		}
		return Summary{}, fmt.Errorf("%w: %s", ErrNotRunning, source)
	}

	select {
	case <-sc.done:
		return sc.summary, sc.err
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// Stop asks the scrape of source to finish after the page in progress. The page being
// fetched is still written.
func (s *Service) Stop(source string) error {
	s.mu.Lock()
	sc := s.active[source]
	s.mu.Unlock()
	if sc == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, source)
	}
	sc.stopping.Store(true)
	s.log.Info().Str("source", source).Msg("scrape stop requested")
	return nil
}

// StopAll asks every active scrape to stop and returns the affected sources.
func (s *Service) StopAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.active))
	for key, sc := range s.active {
		sc.stopping.Store(true)
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Cancel aborts every active scrape, including in-flight page fetches, and waits for them
// to return or for ctx to end.
func (s *Service) Cancel(ctx context.Context) error {
	s.mu.Lock()
	for _, sc := range s.active {
		sc.stopping.Store(true)
		sc.cancel()
	}
	s.mu.Unlock()

	return s.Drain(ctx)
}

// Drain waits for every active scrape to return or for ctx to end.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	running := make([]*scrape, 0, len(s.active))
	for _, sc := range s.active {
		running = append(running, sc)
	}
	s.mu.Unlock()

	for _, sc := range running {
		select {
		case <-sc.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Running reports whether source is being scraped.
func (s *Service) Running(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[source]
	return ok
}

// Active returns the sources currently being scraped.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.active))
	for key := range s.active {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// LastSummary returns the most recent finished scrape of source.
func (s *Service) LastSummary(source string) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.last[source]
	return sum, ok
}

// seenFor returns the known source ids of site, loading them once per site.
func (s *Service) seenFor(ctx context.Context, site string) (*seenSet, error) {
	s.seenMu.Lock()
	set := s.seen[site]
	s.seenMu.Unlock()
	if set != nil {
		return set, nil
	}

	v, err, _ := s.seenGroup.Do(site, func() (any, error) {
		s.seenMu.Lock()
		if set := s.seen[site]; set != nil {
			s.seenMu.Unlock()
			return set, nil
		}
		s.seenMu.Unlock()

		ids, err := s.store.SourceIDs(ctx, site)
		if err != nil {
			return nil, err
		}
		set := &seenSet{ids: ids}

		s.seenMu.Lock()
		s.seen[site] = set
		s.seenMu.Unlock()

		s.log.Debug().Str("site", site).Int("known", len(ids)).Msg("loaded known source ids")
		return set, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load source ids for %s: %w", site, err)
	}
	return v.(*seenSet), nil
}

// ForgetSite drops the cached seen set of site so the next scrape reloads it.
func (s *Service) ForgetSite(site string) {
	s.seenMu.Lock()
	delete(s.seen, site)
	s.seenMu.Unlock()
}

func (s *Service) maxPages(req Request) int {
	if req.MaxPages > 0 {
		return req.MaxPages
	}
	if info, ok := s.sources.Info(req.Source); ok && info.MaxPages > 0 {
		return info.MaxPages
	}
	return s.cfg.MaxPages
}

func (s *Service) execute(ctx context.Context, src sources.Source, sc *scrape) {
	started := time.Now()
	req := sc.req
	maxPages := s.maxPages(req)
	l := s.log.With().Str("source", req.Source).Logger()

	sc.summary.Source = req.Source

	defer func() {
		if rec := recover(); rec != nil {
			l.Error().Interface("panic", rec).Msg("scrape panicked")
			sc.err = fmt.Errorf("scrape panicked: %v", rec)
			s.publish(events.ScrapeError, events.ScrapeErrorPayload{Source: req.Source, Message: sc.err.Error()})
		}
		sc.cancel()
		sc.summary.Duration = time.Since(started)
		if sc.err != nil {
			sc.summary.Error = sc.err.Error()
		}

		// everything handed to the writer is committed before the scrape reports back
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncTimeout)
		if err := s.writer.Sync(syncCtx); err != nil {
			l.Warn().Err(err).Msg("writer did not drain before scrape finished")
		}
		cancel()

		s.mu.Lock()
		delete(s.active, req.Source)
		s.last[req.Source] = sc.summary
		s.mu.Unlock()

		defer close(sc.done)

		sum := sc.summary
		s.publish(events.ScrapeFinished, events.ScrapeFinishedPayload{
			Source:    sum.Source,
			Added:     sum.Added,
			Updated:   sum.Updated,
			Duplicate: sum.Duplicate,
			Failed:    sum.Failed,
			Seen:      sum.Seen,
			Pages:     sum.Pages,
			Stopped:   sum.Stopped,
		})
		l.Info().
			Int("added", sum.Added).
			Int("updated", sum.Updated).
			Int("duplicate", sum.Duplicate).
			Int("failed", sum.Failed).
			Int("pages", sum.Pages).
			Bool("stopped", sum.Stopped).
			Dur("took", sum.Duration).
			Msg("scrape finished")
	}()

	l.Info().Str("query", req.Query).Int("maxPages", maxPages).Msg("scrape started")
	s.publish(events.ScrapeStarted, events.ScrapeStartedPayload{Source: req.Source, Query: req.Query, MaxPages: maxPages})

	seen, err := s.seenFor(ctx, src.Site())
	if err != nil {
		s.abort(sc, l, err)
		return
	}

	for page := 1; page <= maxPages; page++ {
		if sc.stopping.Load() || ctx.Err() != nil {
			sc.summary.Stopped = true
			return
		}

		recs, err := src.FetchPage(ctx, page, req.Sort, req.Order, req.Query)
		if err != nil {
			if ctx.Err() != nil {
				sc.summary.Stopped = true
				return
			}
			s.abort(sc, l, err)
			return
		}
		if len(recs) == 0 {
			l.Debug().Int("page", page).Msg("empty page, stopping")
			return
		}

		batch := make([]writer.Record, 0, len(recs))
		fresh := make([]string, 0, len(recs))
		pageSeen := make(map[string]struct{}, len(recs))
		known := 0
		for _, rec := range recs {
			_, repeated := pageSeen[rec.SourceID]
			if rec.SourceID != "" && (repeated || seen.has(rec.SourceID)) {
				batch = append(batch, writer.Update(rec))
				known++
				continue
			}
			if rec.SourceID != "" {
				pageSeen[rec.SourceID] = struct{}{}
				fresh = append(fresh, rec.SourceID)
			}
			batch = append(batch, writer.Insert(rec))
		}

		stats, err := s.writer.BatchAdd(ctx, req.Source, batch)
		if err != nil {
			if ctx.Err() != nil {
				sc.summary.Stopped = true
				return
			}
			s.abort(sc, l, fmt.Errorf("write page %d: %w", page, err))
			return
		}
		seen.add(fresh)
		if stats.Failed > 0 {
			// some fresh ids were not stored; the next scrape reloads the site from the store
			s.ForgetSite(src.Site())
		}

		sc.summary.Pages = page
		sc.summary.Added += stats.Added
		sc.summary.Updated += stats.Updated
		sc.summary.Duplicate += stats.Duplicate
		sc.summary.Failed += stats.Failed
		sc.summary.Seen += known

		s.progress(req, page, maxPages, fmt.Sprintf("page %d/%d: %d records, %d new", page, maxPages, len(recs), stats.Added))
	}
}

func (s *Service) abort(sc *scrape, l zerolog.Logger, err error) {
	sc.err = err
	l.Error().Err(err).Int("pages", sc.summary.Pages).Msg("scrape aborted")
	s.publish(events.ScrapeError, events.ScrapeErrorPayload{Source: sc.req.Source, Message: err.Error()})
}

func (s *Service) progress(req Request, page, maxPages int, msg string) {
	p := Progress{
		Source:   req.Source,
		Page:     page,
		MaxPages: maxPages,
		Percent:  min(100, page*100/maxPages),
		Message:  msg,
	}
	s.publish(events.ScrapeProgress, events.ScrapeProgressPayload{Source: p.Source, Page: p.Page, Percent: p.Percent, Message: p.Message})
	if req.Progress != nil {
		req.Progress(p)
	}
}
