// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package orchestrator wires the store, writer, scrape driver, enrichment pool and replace
// coordinator together and translates control requests into calls on them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/coverscout/internal/database"
	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/events"
	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/providers"
	"github.com/autobrr/coverscout/internal/services/replace"
	"github.com/autobrr/coverscout/internal/services/scrape"
	"github.com/autobrr/coverscout/internal/services/thumbnails"
	"github.com/autobrr/coverscout/internal/sources"
	"github.com/autobrr/coverscout/internal/writer"
	"github.com/autobrr/coverscout/pkg/debounce"
)

var ErrClosed = errors.New("orchestrator closed")

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultDebounce        = 150 * time.Millisecond
	reactBuffer            = 256
)

// Components are the parts the orchestrator owns. DB may be nil when the caller manages
// the database itself.
type Components struct {
	DB       *database.DB
	Store    *models.TorrentStore
	Writer   *writer.Writer
	Bus      *events.Bus
	Sources  *sources.Registry
	Pool     *thumbnails.Service
	Scraper  *scrape.Service
	Replacer *replace.Coordinator
}

// Settings tune the orchestrator's own behaviour.
type Settings struct {
	ShutdownTimeout  time.Duration
	PriorityDebounce time.Duration
	ScrapeInterval   time.Duration
	// AutoEnrich starts the pool at startup when the backlog is non-empty and after
	// scrapes that added records.
	AutoEnrich bool
}

func SettingsFrom(cfg *domain.Config) Settings {
	s := Settings{
		ShutdownTimeout:  cfg.ShutdownTimeout(),
		PriorityDebounce: cfg.PriorityDebounce(),
		ScrapeInterval:   time.Duration(cfg.ScrapeIntervalMinutes) * time.Minute,
		AutoEnrich:       true,
	}
	return s
}

// Status is a point-in-time view of every pipeline.
type Status struct {
	Scrapes        []string                   `json:"scrapes"`
	Enrichment     thumbnails.QueueStats      `json:"enrichment"`
	LastEnrichment *thumbnails.Summary        `json:"last_enrichment,omitempty"`
	Providers      []thumbnails.CircuitStatus `json:"providers"`
	Writer         writer.Stats               `json:"writer"`
	PendingReplace int                        `json:"pending_replace"`
}

type Orchestrator struct {
	settings Settings
	c        Components
	log      zerolog.Logger

	// base outlives the caller's context so shutdown can be graceful; force ends it.
	base  context.Context
	force context.CancelFunc

	pageChanges *debounce.Debouncer[[]int64]

	enrichPending atomic.Bool
	supervising   atomic.Bool
	closing       atomic.Bool
	closeOnce     sync.Once
	closeErr      error
}

// Build opens the database and constructs every component from cfg.
func Build(cfg *domain.Config) (*Orchestrator, error) {
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	reg, err := sources.NewRegistry(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build sources: %w", err)
	}

	provs, err := providers.Build(cfg)
	if err != nil {
		reg.Close()
		db.Close()
		return nil, fmt.Errorf("build providers: %w", err)
	}

	store := models.NewTorrentStore(db)
	bus := events.NewBus()
	w := writer.New(db, bus, writer.ConfigFrom(cfg))
	pool := thumbnails.NewService(thumbnails.ConfigFrom(cfg), store, w, bus, provs)

	return New(SettingsFrom(cfg), Components{
		DB:       db,
		Store:    store,
		Writer:   w,
		Bus:      bus,
		Sources:  reg,
		Pool:     pool,
		Scraper:  scrape.NewService(scrape.ConfigFrom(cfg), reg, store, w, bus),
		Replacer: replace.New(replace.Config{}, pool, store, w, bus),
	}), nil
}

func New(settings Settings, c Components) *Orchestrator {
	if settings.ShutdownTimeout <= 0 {
		settings.ShutdownTimeout = defaultShutdownTimeout
	}
	if settings.PriorityDebounce <= 0 {
		settings.PriorityDebounce = defaultDebounce
	}

	base, force := context.WithCancel(context.Background())
	o := &Orchestrator{
		settings: settings,
		c:        c,
		log:      log.With().Str("component", "orchestrator").Logger(),
		base:     base,
		force:    force,
	}
	o.pageChanges = debounce.New(settings.PriorityDebounce, o.applyPageChange)
	return o
}

func (o *Orchestrator) Store() *models.TorrentStore    { return o.c.Store }
func (o *Orchestrator) Bus() *events.Bus               { return o.c.Bus }
func (o *Orchestrator) Sources() *sources.Registry     { return o.c.Sources }
func (o *Orchestrator) Pool() *thumbnails.Service      { return o.c.Pool }
func (o *Orchestrator) Scraper() *scrape.Service       { return o.c.Scraper }
func (o *Orchestrator) Writer() *writer.Writer         { return o.c.Writer }
func (o *Orchestrator) Replacer() *replace.Coordinator { return o.c.Replacer }
func (o *Orchestrator) Database() *database.DB         { return o.c.DB }
func (o *Orchestrator) Settings() Settings             { return o.settings }

// Start launches the writer and the replace worker. Run calls it; one-shot commands that
// skip Run call it directly.
func (o *Orchestrator) Start() {
	o.c.Writer.Start()
	o.c.Replacer.Start(o.base)
}

// Run starts every component and supervises them until ctx ends, then shuts down within
// the configured timeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.closing.Load() {
		return ErrClosed
	}
	o.Start()

	sub := o.c.Bus.Subscribe(reactBuffer, events.BatchCompleted, events.ScrapeFinished, events.EnrichmentFinished)
	o.supervising.Store(true)
	defer o.supervising.Store(false)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.react(gctx, sub)
		return nil
	})

	if o.settings.ScrapeInterval > 0 {
		g.Go(func() error {
			o.autoScrape(gctx, o.settings.ScrapeInterval)
			return nil
		})
	}

	if o.settings.AutoEnrich {
		g.Go(func() error {
			o.enrichBacklog(gctx)
			return nil
		})
	}

	o.log.Info().
		Strs("sources", o.c.Sources.Keys()).
		Strs("providers", providers.Tags(o.c.Pool.Providers())).
		Dur("scrapeInterval", o.settings.ScrapeInterval).
		Msg("orchestrator running")

	err := g.Wait()
	o.c.Bus.Unsubscribe(sub)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.settings.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, o.Shutdown(shutdownCtx))
}

// Running reports whether Run is reacting to pipeline events.
func (o *Orchestrator) Running() bool {
	return o.supervising.Load()
}

// StartScrape starts scraping one source. A source already being scraped is refused.
func (o *Orchestrator) StartScrape(req scrape.Request) error {
	if o.closing.Load() {
		return ErrClosed
	}
	return o.c.Scraper.Start(o.base, req)
}

// StopScrape stops the scrape of source, or every scrape when source is empty.
func (o *Orchestrator) StopScrape(source string) error {
	if source == "" {
		o.c.Scraper.StopAll()
		return nil
	}
	return o.c.Scraper.Stop(source)
}

// PageChanged reports the records now visible. Bursts are coalesced and the latest page
// moves to the front of the enrichment queue.
func (o *Orchestrator) PageChanged(ids []int64) {
	if o.closing.Load() || len(ids) == 0 {
		return
	}
	if !o.pageChanges.Push(append([]int64(nil), ids...)) {
		o.log.Debug().Int("ids", len(ids)).Msg("page change dropped")
	}
}

// FlushPageChanges applies a pending page change now.
func (o *Orchestrator) FlushPageChanges() {
	o.pageChanges.Flush()
}

func (o *Orchestrator) applyPageChange(ids []int64) {
	ctx, cancel := context.WithTimeout(o.base, 10*time.Second)
	defer cancel()

	empty, err := o.c.Store.FilterWithoutThumbnail(ctx, ids)
	if err != nil {
		o.log.Error().Err(err).Msg("failed to filter visible records")
		return
	}
	if len(empty) == 0 {
		return
	}

	if !o.c.Pool.Running() {
		if err := o.StartEnrichment(); err != nil && !errors.Is(err, thumbnails.ErrAlreadyRunning) {
			o.log.Error().Err(err).Msg("failed to start enrichment for visible page")
			return
		}
	}

	if err := o.c.Pool.UpdatePriority(ctx, empty, false); err != nil && !errors.Is(err, thumbnails.ErrNotRunning) {
		o.log.Error().Err(err).Msg("failed to prioritise visible records")
	}
}

// ReplaceThumbnail queues a new search for id's thumbnail.
func (o *Orchestrator) ReplaceThumbnail(id int64) error {
	if o.closing.Load() {
		return ErrClosed
	}
	return o.c.Replacer.Submit(id)
}

// StartEnrichment starts a pool run.
func (o *Orchestrator) StartEnrichment() error {
	if o.closing.Load() {
		return ErrClosed
	}
	return o.c.Pool.Start(o.base)
}

// StopEnrichment asks the pool run to finish and skips any queued automatic rerun.
func (o *Orchestrator) StopEnrichment() {
	o.enrichPending.Store(false)
	o.c.Pool.Stop()
}

// ResetProvider clears a blocked provider circuit. It reports false for an unknown tag.
func (o *Orchestrator) ResetProvider(tag string) bool {
	if !o.c.Pool.ResetCircuit(tag) {
		return false
	}
	o.log.Info().Str("provider", tag).Msg("provider circuit reset")
	return true
}

func (o *Orchestrator) Status() Status {
	st := Status{
		Scrapes:        o.c.Scraper.Active(),
		Enrichment:     o.c.Pool.Queues(),
		Providers:      o.c.Pool.Circuits(),
		Writer:         o.c.Writer.Stats(),
		PendingReplace: o.c.Replacer.Pending(),
	}
	if sum, ok := o.c.Pool.LastSummary(); ok {
		st.LastEnrichment = &sum
	}
	return st
}

// react turns pipeline events into follow-up work: new records start or re-queue an
// enrichment run.
func (o *Orchestrator) react(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ev events.Event) {
	if !o.settings.AutoEnrich || o.closing.Load() {
		return
	}

	switch p := ev.Payload.(type) {
	case events.BatchCompletedPayload:
		// records added behind a running pool's cursor need another pass
		if p.Added > 0 && o.c.Pool.Running() {
			o.enrichPending.Store(true)
		}
	case events.ScrapeFinishedPayload:
		if p.Added > 0 {
			o.requestEnrichment("scrape added records")
		}
	case events.EnrichmentFinishedPayload:
		if !p.Stopped && o.enrichPending.Swap(false) {
			o.requestEnrichment("records added during enrichment")
		}
	}
}

func (o *Orchestrator) requestEnrichment(reason string) {
	err := o.StartEnrichment()
	switch {
	case err == nil:
		o.log.Info().Str("reason", reason).Msg("enrichment started")
	case errors.Is(err, thumbnails.ErrAlreadyRunning):
		o.enrichPending.Store(true)
	default:
		o.log.Error().Err(err).Msg("failed to start enrichment")
	}
}

func (o *Orchestrator) enrichBacklog(ctx context.Context) {
	n, err := o.c.Store.CountBacklog(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Error().Err(err).Msg("failed to count backlog")
		}
		return
	}
	if n > 0 {
		o.requestEnrichment(fmt.Sprintf("%d records without thumbnail", n))
	}
}

func (o *Orchestrator) autoScrape(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.scrapeAutoSources()
		}
	}
}

func (o *Orchestrator) scrapeAutoSources() {
	for _, info := range o.c.Sources.List() {
		if !info.AutoScrape || o.c.Scraper.Running(info.Key) {
			continue
		}
		if err := o.StartScrape(scrape.Request{Source: info.Key}); err != nil {
			if !errors.Is(err, scrape.ErrAlreadyRunning) {
				o.log.Error().Err(err).Str("source", info.Key).Msg("scheduled scrape failed to start")
			}
			continue
		}
		o.log.Info().Str("source", info.Key).Msg("scheduled scrape started")
	}
}

// Shutdown stops producers, drains the writer and releases every resource. Work still
// running when ctx ends is cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.closing.Store(true)
		o.closeErr = o.shutdown(ctx)
	})
	return o.closeErr
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	started := time.Now()
	o.log.Info().Msg("shutting down")

	var errs []error
	o.pageChanges.Stop()

	// cooperative first
	o.c.Scraper.StopAll()
	o.c.Pool.Stop()

	if err := o.c.Scraper.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scrapes: %w", err))
	}
	if _, err := o.c.Pool.Wait(ctx); err != nil && !errors.Is(err, thumbnails.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("enrichment: %w", err))
	}
	if err := o.c.Replacer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("replace: %w", err))
	}

	// stragglers
	o.force()

	// the writer always gets a short window to commit what it holds
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	writerCtx := ctx
	if ctx.Err() != nil {
		writerCtx = closeCtx
	}
	if err := o.c.Writer.Shutdown(writerCtx); err != nil {
		errs = append(errs, fmt.Errorf("writer: %w", err))
	}

	if err := o.c.Pool.Close(closeCtx); err != nil {
		errs = append(errs, err)
	}
	o.c.Sources.Close()
	o.c.Bus.Close()
	if o.c.DB != nil {
		if err := o.c.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		o.log.Warn().Err(err).Dur("took", time.Since(started)).Msg("shutdown finished with errors")
	} else {
		o.log.Info().Dur("took", time.Since(started)).Msg("shutdown complete")
	}
	return err
}
