// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package replace serializes user requests to search a record's thumbnail again.
package replace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/events"
	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/pkg/timeouts"
	"github.com/autobrr/coverscout/internal/providers"
	"github.com/autobrr/coverscout/internal/services/thumbnails"
)

var (
	ErrClosed    = errors.New("replace coordinator closed")
	ErrQueueFull = errors.New("replace queue full")
)

const (
	defaultQueueSize = 64
	writeTimeout     = 30 * time.Second
)

// Failure reasons reported in ThumbnailReplaceFailed.
const (
	ReasonNotFound    = "record not found"
	ReasonNoProviders = "no untried providers left"
	ReasonNoResult    = "no provider found a thumbnail"
	ReasonTimeout     = "search timed out"
	ReasonShutdown    = "shutting down"
)

// Pool is the part of the enrichment pool the coordinator drives.
type Pool interface {
	UpdatePriority(ctx context.Context, ids []int64, force bool) error
	Borrow(fn func(provs []providers.Provider)) bool
	Blocked(tag string) bool
	MarkBlocked(tag, reason string)
}

type Store interface {
	Get(ctx context.Context, id int64) (*models.Torrent, error)
}

type ThumbnailWriter interface {
	SetThumbnail(ctx context.Context, u models.ThumbnailUpdate) (models.ThumbnailResult, error)
}

type Config struct {
	QueueSize int
	// SearchTimeout overrides the deadline scaled by provider count when positive.
	SearchTimeout time.Duration
}

// Coordinator handles replace requests one at a time in arrival order.
type Coordinator struct {
	cfg    Config
	pool   Pool
	store  Store
	writer ThumbnailWriter
	events events.Publisher
	log    zerolog.Logger

	requests chan int64

	mu      sync.Mutex
	pending map[int64]struct{}
	closed  bool
	started bool
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg Config, pool Pool, store Store, w ThumbnailWriter, pub events.Publisher) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Coordinator{
		cfg:      cfg,
		pool:     pool,
		store:    store,
		writer:   w,
		events:   pub,
		log:      log.With().Str("component", "replace").Logger(),
		requests: make(chan int64, cfg.QueueSize),
		pending:  make(map[int64]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Coordinator) publish(t events.Type, payload any) {
	if c.events != nil {
		c.events.Publish(t, payload)
	}
}

// Start launches the worker. ctx bounds every request it handles.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	go c.loop(ctx)
}

// Submit queues a replace request for id. A request for an id that is already queued is
// absorbed.
func (c *Coordinator) Submit(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, dup := c.pending[id]; dup {
		return nil
	}
	select {
	case c.requests <- id:
		c.pending[id] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued requests.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops accepting requests, fails the queued ones and waits for the request in
// progress to finish or for ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	close(c.stop)
	c.mu.Unlock()

	if !started {
		c.failQueued()
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)
	defer c.failQueued()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case id := <-c.requests:
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			c.handle(ctx, id)
		}
	}
}

func (c *Coordinator) failQueued() {
	for {
		select {
		case id := <-c.requests:
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			c.fail(id, ReasonShutdown)
		default:
			return
		}
	}
}

func (c *Coordinator) fail(id int64, reason string) {
	c.log.Debug().Int64("torrentID", id).Str("reason", reason).Msg("thumbnail replace failed")
	c.publish(events.ThumbnailReplaceFailed, events.ReplaceFailedPayload{ID: id, Reason: reason})
}

func (c *Coordinator) handle(ctx context.Context, id int64) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Int64("torrentID", id).Msg("replace request panicked")
			c.fail(id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	rec, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrTorrentNotFound) {
			c.fail(id, ReasonNotFound)
			return
		}
		c.fail(id, err.Error())
		return
	}

	// the pool may start or finish between the two attempts
	for range 2 {
		err := c.pool.UpdatePriority(ctx, []int64{id}, true)
		if err == nil {
			c.log.Debug().Int64("torrentID", id).Msg("replace forwarded to running enrichment")
			return
		}
		if !errors.Is(err, thumbnails.ErrNotRunning) {
			c.fail(id, err.Error())
			return
		}

		if c.pool.Borrow(func(provs []providers.Provider) {
			c.search(ctx, rec, provs)
		}) {
			return
		}
	}
	c.fail(id, "enrichment busy")
}

// search asks each eligible, untried and unblocked provider in turn until one yields an
// acceptable candidate.
func (c *Coordinator) search(ctx context.Context, rec *models.Torrent, provs []providers.Provider) {
	codes := providers.ExtractCodes(rec.Title)
	var candidates []providers.Provider
	for _, p := range providers.Eligible(provs, codes) {
		if rec.Searched(p.Tag()) || c.pool.Blocked(p.Tag()) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		c.fail(rec.ID, ReasonNoProviders)
		return
	}

	timeout := c.cfg.SearchTimeout
	if timeout <= 0 {
		timeout = timeouts.AdaptiveSearchTimeout(len(candidates))
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := c.log.With().Int64("torrentID", rec.ID).Logger()
	var exclude []string
	for _, p := range candidates {
		if sctx.Err() != nil {
			break
		}
		tag := p.Tag()
		sr := p.Search(sctx, providers.Query{Title: rec.Title, Codes: codes, ExcludeHosts: exclude})
		l.Debug().Str("provider", tag).Str("status", sr.Status.String()).Int("candidates", len(sr.URLs)).Msg("replace search finished")

		switch sr.Status {
		case providers.StatusBlocked:
			reason := "blocked"
			if sr.Err != nil {
				reason = sr.Err.Error()
			}
			c.pool.MarkBlocked(tag, reason)
			continue
		case providers.StatusTransient:
			continue
		case providers.StatusOK:
			url, rejected := providers.PickCandidate(sr.URLs, exclude)
			exclude = append(exclude, rejected...)
			if url != "" {
				c.save(ctx, rec.ID, tag, url)
				return
			}
		}
		c.markTried(ctx, rec.ID, tag)
	}

	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		c.fail(rec.ID, ReasonTimeout)
		return
	}
	c.fail(rec.ID, ReasonNoResult)
}

func (c *Coordinator) save(ctx context.Context, id int64, tag, url string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, err := c.writer.SetThumbnail(wctx, models.ThumbnailUpdate{ID: id, URL: url, Provider: tag}); err != nil {
		c.log.Error().Err(err).Int64("torrentID", id).Msg("failed to store replacement thumbnail")
		c.fail(id, err.Error())
		return
	}
	c.log.Info().Int64("torrentID", id).Str("provider", tag).Msg("thumbnail replaced")
	c.publish(events.ThumbnailReplaced, events.ThumbnailPayload{ID: id, URL: url, Provider: tag})
}

func (c *Coordinator) markTried(ctx context.Context, id int64, tag string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, err := c.writer.SetThumbnail(wctx, models.ThumbnailUpdate{ID: id, Provider: tag, KeepURL: true}); err != nil {
		c.log.Error().Err(err).Int64("torrentID", id).Str("provider", tag).Msg("failed to record searched provider")
	}
}
