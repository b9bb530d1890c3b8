// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package thumbnails runs the provider-sharded enrichment pool that finds cover images for
// records without one.
package thumbnails

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/events"
	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/pkg/timeouts"
	"github.com/autobrr/coverscout/internal/providers"
)

var (
	ErrAlreadyRunning = errors.New("enrichment already running")
	ErrNotRunning     = errors.New("enrichment not running")
)

// Store is the read side the pool needs.
type Store interface {
	Get(ctx context.Context, id int64) (*models.Torrent, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*models.Torrent, error)
	ListBacklog(ctx context.Context, beforeID int64, limit int) ([]*models.Torrent, error)
	CountBacklog(ctx context.Context) (int, error)
}

// ThumbnailWriter persists thumbnail outcomes. In production it is the DB writer.
type ThumbnailWriter interface {
	SetThumbnail(ctx context.Context, u models.ThumbnailUpdate) (models.ThumbnailResult, error)
}

// Config tunes the pool.
type Config struct {
	// BlockThreshold is the number of consecutive no-finds that blocks a provider.
	BlockThreshold   int
	BacklogBatchSize int
	// GracePeriod is how long Stop waits for in-flight searches before cancelling them.
	GracePeriod   time.Duration
	SearchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BlockThreshold:   50,
		BacklogBatchSize: 200,
		GracePeriod:      10 * time.Second,
		SearchTimeout:    timeouts.DefaultSearchTimeout,
	}
}

// ConfigFrom maps the application config onto pool settings.
func ConfigFrom(cfg *domain.Config) Config {
	c := DefaultConfig()
	if cfg.ProviderBlockThreshold > 0 {
		c.BlockThreshold = cfg.ProviderBlockThreshold
	}
	if cfg.BacklogBatchSize > 0 {
		c.BacklogBatchSize = cfg.BacklogBatchSize
	}
	if cfg.ShutdownTimeoutSeconds > 0 {
		c.GracePeriod = cfg.ShutdownTimeout()
	}
	if cfg.HTTPTimeoutSeconds > 0 {
		// retries plus image validation need headroom over a single request
		c.SearchTimeout = max(timeouts.DefaultSearchTimeout, time.Duration(cfg.HTTPRetries+1)*cfg.HTTPTimeout())
	}
	return c
}

// Summary describes one finished run.
type Summary struct {
	Updated   int           `json:"updated"`
	Exhausted int           `json:"exhausted"`
	Skipped   int           `json:"skipped"`
	Stopped   bool          `json:"stopped"`
	Duration  time.Duration `json:"duration"`
}

// QueueStats is a point-in-time view of the scheduler's queues.
type QueueStats struct {
	Running  bool           `json:"running"`
	Priority int            `json:"priority"`
	Main     int            `json:"main"`
	Rehome   map[string]int `json:"rehome"`
	InFlight int            `json:"in_flight"`
	Total    int            `json:"total"`
	Done     int            `json:"done"`
}

type priorityUpdate struct {
	ids     []int64
	force   bool
	records map[int64]*models.Torrent
	reply   chan int
}

// run is one pass of the pool from Start to EnrichmentFinished.
type run struct {
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	stopping atomic.Bool
	updates  chan priorityUpdate
	done     chan struct{}
	summary  Summary
	err      error
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		close(r.stop)
	})
}

// Service owns the providers and their circuits across runs. At most one run is active.
type Service struct {
	cfg       Config
	store     Store
	writer    ThumbnailWriter
	events    events.Publisher
	providers []providers.Provider
	circuits  *circuitBoard
	log       zerolog.Logger

	// lease is held by Start and Borrow so providers never serve a run and a borrower at once
	lease sync.Mutex

	mu     sync.Mutex
	run    *run
	last   *Summary
	queues QueueStats
}

func NewService(cfg Config, store Store, writer ThumbnailWriter, pub events.Publisher, provs []providers.Provider) *Service {
	def := DefaultConfig()
	if cfg.BacklogBatchSize <= 0 {
		cfg.BacklogBatchSize = def.BacklogBatchSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = def.SearchTimeout
	}

	s := &Service{
		cfg:       cfg,
		store:     store,
		writer:    writer,
		events:    pub,
		providers: provs,
		circuits:  newCircuitBoard(cfg.BlockThreshold),
		log:       log.With().Str("component", "thumbnails").Logger(),
	}
	for _, p := range provs {
		s.circuits.add(p.Tag(), p.Family())
	}
	return s
}

func (s *Service) publish(t events.Type, payload any) {
	if s.events != nil {
		s.events.Publish(t, payload)
	}
}

// Providers returns the configured providers in order.
func (s *Service) Providers() []providers.Provider {
	return s.providers
}

// Start launches a run in the background. ctx bounds the whole run.
func (s *Service) Start(ctx context.Context) error {
	s.lease.Lock()
	defer s.lease.Unlock()

	s.mu.Lock()
	if s.run != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		cancel:  cancel,
		stop:    make(chan struct{}),
		updates: make(chan priorityUpdate),
		done:    make(chan struct{}),
	}
	s.run = r
	s.mu.Unlock()

	go s.execute(runCtx, r)
	return nil
}

// Run starts a run and waits for it to finish.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	if err := s.Start(ctx); err != nil {
		return Summary{}, err
	}
	return s.Wait(ctx)
}

// Wait blocks until the active run finishes and returns its summary. Without an active run
// it returns the previous summary, if any.
func (s *Service) Wait(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	r := s.run
	last := s.last
	s.mu.Unlock()

	if r == nil {
		if last != nil {
			return *last, nil
		}
		return Summary{}, ErrNotRunning
	}

	select {
	case <-r.done:
		return r.summary, r.err
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// Stop asks the active run to finish at the next safe point. Searches still running after
// the grace period are cancelled.
func (s *Service) Stop() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r != nil {
		r.requestStop()
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// LastSummary returns the summary of the most recent finished run.
func (s *Service) LastSummary() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

// UpdatePriority moves ids to the front of the priority queue in the given order. Records
// the run has not seen are loaded from the store. With force, records that already have a
// thumbnail are admitted too and their result replaces the stored one.
func (s *Service) UpdatePriority(ctx context.Context, ids []int64, force bool) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	if len(ids) == 0 {
		return nil
	}

	recs, err := s.store.GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load priority records: %w", err)
	}
	byID := make(map[int64]*models.Torrent, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}

	upd := priorityUpdate{ids: ids, force: force, records: byID, reply: make(chan int, 1)}
	select {
	case r.updates <- upd:
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case n := <-upd.reply:
		s.log.Debug().Int("requested", len(ids)).Int("queued", n).Bool("force", force).Msg("priority updated")
		return nil
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Borrow runs fn with the providers when no run is active and reports whether it did.
// Start waits for fn to return.
func (s *Service) Borrow(fn func(provs []providers.Provider)) bool {
	s.lease.Lock()
	defer s.lease.Unlock()
	if s.Running() {
		return false
	}
	fn(s.providers)
	return true
}

// Circuits returns every provider's circuit state.
func (s *Service) Circuits() []CircuitStatus {
	return s.circuits.snapshot()
}

// Blocked reports whether tag's circuit is open.
func (s *Service) Blocked(tag string) bool {
	return s.circuits.blocked(tag)
}

// MarkBlocked opens tag's circuit on behalf of a caller that searched outside a run.
func (s *Service) MarkBlocked(tag, reason string) {
	if s.circuits.block(tag, reason, time.Now()) {
		s.log.Warn().Str("provider", tag).Str("reason", reason).Msg("provider blocked")
		s.publish(events.ProviderBlocked, events.ProviderBlockedPayload{Provider: tag, Reason: reason})
	}
}

// ResetCircuit closes tag's circuit. It reports false for unknown providers.
func (s *Service) ResetCircuit(tag string) bool {
	return s.circuits.reset(tag)
}

// Queues returns the latest queue snapshot published by the scheduler.
func (s *Service) Queues() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues
	q.Rehome = make(map[string]int, len(s.queues.Rehome))
	for k, v := range s.queues.Rehome {
		q.Rehome[k] = v
	}
	return q
}

func (s *Service) setQueues(q QueueStats) {
	s.mu.Lock()
	s.queues = q
	s.mu.Unlock()
}

// Close stops any run and releases every provider.
func (s *Service) Close(ctx context.Context) error {
	s.Stop()
	if _, err := s.Wait(ctx); err != nil && !errors.Is(err, ErrNotRunning) && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Msg("enrichment did not stop cleanly")
	}
	var errs []error
	for _, p := range s.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider %s: %w", p.Tag(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) execute(ctx context.Context, r *run) {
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Msg("enrichment run panicked")
			r.err = fmt.Errorf("enrichment panicked: %v", rec)
		}
		r.cancel()
		r.summary.Duration = time.Since(started)

		s.mu.Lock()
		s.run = nil
		sum := r.summary
		s.last = &sum
		s.queues = QueueStats{}
		s.mu.Unlock()

		defer close(r.done)

		s.publish(events.EnrichmentFinished, events.EnrichmentFinishedPayload{
			Updated:   r.summary.Updated,
			Exhausted: r.summary.Exhausted,
			Stopped:   r.summary.Stopped,
		})
		s.log.Info().
			Int("updated", r.summary.Updated).
			Int("exhausted", r.summary.Exhausted).
			Bool("stopped", r.summary.Stopped).
			Dur("took", r.summary.Duration).
			Msg("enrichment finished")
	}()

	total, err := s.store.CountBacklog(ctx)
	if err != nil {
		r.err = fmt.Errorf("count backlog: %w", err)
		return
	}

	s.log.Info().Int("backlog", total).Strs("providers", providers.Tags(s.providers)).Msg("enrichment started")
	s.publish(events.EnrichmentStarted, events.EnrichmentProgressPayload{Total: total, Message: "enrichment started"})

	sch := newScheduler(s, r, total)
	r.summary = sch.loop(ctx)
}
