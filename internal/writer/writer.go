// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package writer is the only component that mutates the store. Producers submit tagged
// messages on a bounded queue; a single goroutine applies them in order, one transaction
// per message.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/database"
	"github.com/autobrr/coverscout/internal/dbinterface"
	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/events"
	"github.com/autobrr/coverscout/internal/models"
)

var ErrWriterClosed = errors.New("writer closed")

// Error kinds carried by DBWriterError events.
const (
	ErrorKindBusy      = "StoreBusy"
	ErrorKindIntegrity = "StoreIntegrityViolation"
	ErrorKindInvalid   = "InvalidRecord"
	ErrorKindStore     = "StoreError"
)

type Config struct {
	QueueSize      int
	BusyRetries    int
	BusyDelay      time.Duration
	MessageTimeout time.Duration
	Options        models.WriteOptions
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		BusyRetries:    5,
		BusyDelay:      20 * time.Millisecond,
		MessageTimeout: 30 * time.Second,
		Options: models.WriteOptions{
			Popularity:    models.DefaultPopularityPolicy(),
			DedupeByTitle: true,
		},
	}
}

// ConfigFrom maps the application config onto writer settings.
func ConfigFrom(cfg *domain.Config) Config {
	c := DefaultConfig()
	if cfg.WriterQueueSize > 0 {
		c.QueueSize = cfg.WriterQueueSize
	}
	if cfg.WriterBusyRetries > 0 {
		c.BusyRetries = cfg.WriterBusyRetries
	}
	c.Options.DedupeByTitle = cfg.DedupeByTitle
	c.Options.Popularity = models.PopularityPolicyFromConfig(cfg.Popularity)
	return c
}

// Stats are cumulative counters since the writer started.
type Stats struct {
	Processed   uint64
	Failed      uint64
	BusyRetries uint64
	Added       uint64
	Updated     uint64
	Duplicate   uint64
	Queued      int
}

type Writer struct {
	db     dbinterface.TxBeginner
	events events.Publisher
	cfg    Config
	log    zerolog.Logger

	in   chan Message
	done chan struct{}

	startOnce    sync.Once
	shutdownOnce sync.Once
	closing      atomic.Bool

	processed   atomic.Uint64
	failed      atomic.Uint64
	busyRetries atomic.Uint64
	added       atomic.Uint64
	updated     atomic.Uint64
	duplicate   atomic.Uint64
}

func New(db dbinterface.TxBeginner, pub events.Publisher, cfg Config) *Writer {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BusyRetries <= 0 {
		cfg.BusyRetries = def.BusyRetries
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = def.BusyDelay
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = def.MessageTimeout
	}

	return &Writer{
		db:     db,
		events: pub,
		cfg:    cfg,
		log:    log.With().Str("component", "writer").Logger(),
		in:     make(chan Message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the writer goroutine. Calling it more than once is a no-op.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		go w.loop()
	})
}

// Done is closed when the writer has drained and exited.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Submit enqueues msg, blocking while the queue is full.
func (w *Writer) Submit(ctx context.Context, msg Message) error {
	if w.closing.Load() {
		return ErrWriterClosed
	}

	select {
	case w.in <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrWriterClosed
	}
}

// Shutdown queues a shutdown marker behind everything already submitted and waits for the
// writer to drain.
func (w *Writer) Shutdown(ctx context.Context) error {
	var err error
	w.shutdownOnce.Do(func() {
		w.Start()
		select {
		case w.in <- shutdown{}:
		case <-w.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	if err != nil {
		return err
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer close(w.done)

	for msg := range w.in {
		if _, ok := msg.(shutdown); ok {
			w.closing.Store(true)
			w.drain()
			w.log.Debug().Msg("writer drained and stopped")
			return
		}
		w.handle(msg)
	}
}

// drain applies messages that raced in behind the shutdown marker.
func (w *Writer) drain() {
	for {
		select {
		case msg := <-w.in:
			if _, ok := msg.(shutdown); ok {
				continue
			}
			w.handle(msg)
		default:
			return
		}
	}
}

func (w *Writer) handle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			w.failed.Add(1)
			w.log.Error().Interface("panic", r).Str("message", msg.kind()).Msg("writer recovered from panic")
			w.publishError(ErrorKindStore, fmt.Sprintf("%s: panic: %v", msg.kind(), r))
		}
	}()

	w.processed.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.MessageTimeout)
	defer cancel()

	switch m := msg.(type) {
	case AddRecord:
		res := w.applyAddRecord(ctx, m.Record)
		reply(m.Reply, res)
	case BatchAdd:
		stats := w.applyBatch(ctx, m)
		reply(m.Reply, stats)
		if w.events != nil {
			w.events.Publish(events.BatchCompleted, events.BatchCompletedPayload{
				Tag:       stats.Tag,
				Added:     stats.Added,
				Updated:   stats.Updated,
				Duplicate: stats.Duplicate,
				Failed:    stats.Failed,
			})
		}
	case SetThumbnail:
		res := w.applySetThumbnail(ctx, m.Update)
		reply(m.Reply, res)
	case Sync:
		if m.Done != nil {
			close(m.Done)
		}
	default:
		w.log.Warn().Str("message", msg.kind()).Msg("writer ignoring unknown message")
	}
}

func reply[T any](ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
		log.Warn().Msg("writer reply channel full, dropping reply")
	}
}

// inTx runs fn in one write transaction, retrying the whole transaction on SQLITE_BUSY.
func (w *Writer) inTx(ctx context.Context, fn func(tx dbinterface.TxQuerier) error) error {
	return retry.Do(
		func() error {
			tx, err := w.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				_ = tx.Rollback()
				return err
			}
			return tx.Commit()
		},
		retry.Attempts(uint(w.cfg.BusyRetries)),
		retry.Delay(w.cfg.BusyDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return database.IsBusy(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			w.busyRetries.Add(1)
			w.log.Debug().Err(err).Uint("attempt", n+1).Msg("store busy, retrying")
		}),
	)
}

func (w *Writer) applyAddRecord(ctx context.Context, rec Record) AddResult {
	var res AddResult
	err := w.inTx(ctx, func(tx dbinterface.TxQuerier) error {
		id, outcome, err := models.AddTorrent(ctx, tx, rec.Data, rec.Mode, w.cfg.Options)
		res = AddResult{ID: id, Outcome: outcome}
		return err
	})
	if err != nil {
		w.fail(fmt.Sprintf("%s %q", rec.Mode, rec.Data.Title), err)
		return AddResult{Err: err}
	}

	w.countOutcome(res.Outcome)
	return res
}

func (w *Writer) applyBatch(ctx context.Context, m BatchAdd) BatchStats {
	var (
		stats    BatchStats
		failures []error
	)
	err := w.inTx(ctx, func(tx dbinterface.TxQuerier) error {
		stats = BatchStats{Tag: m.Tag}
		failures = failures[:0]

		for i, rec := range m.Records {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT batch_record"); err != nil {
				return fmt.Errorf("savepoint: %w", err)
			}

			_, outcome, err := models.AddTorrent(ctx, tx, rec.Data, rec.Mode, w.cfg.Options)
			if err != nil {
				if database.IsBusy(err) {
					return err
				}
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO batch_record"); rbErr != nil {
					return fmt.Errorf("rollback to savepoint: %w", rbErr)
				}
				stats.Failed++
				failures = append(failures, fmt.Errorf("record %d %q: %w", i, rec.Data.Title, err))
			} else {
				stats.count(outcome)
			}

			if _, err := tx.ExecContext(ctx, "RELEASE batch_record"); err != nil {
				return fmt.Errorf("release savepoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		w.fail(fmt.Sprintf("batch %q of %d records", m.Tag, len(m.Records)), err)
		// nothing committed, so every record of the batch failed
		return BatchStats{Tag: m.Tag, Failed: len(m.Records), Err: err}
	}

	for _, ferr := range failures {
		w.fail("batch "+m.Tag, ferr)
	}

	w.added.Add(uint64(stats.Added))
	w.updated.Add(uint64(stats.Updated))
	w.duplicate.Add(uint64(stats.Duplicate))

	w.log.Debug().
		Str("tag", m.Tag).
		Int("added", stats.Added).
		Int("updated", stats.Updated).
		Int("duplicate", stats.Duplicate).
		Int("failed", stats.Failed).
		Msg("batch committed")

	return stats
}

func (w *Writer) applySetThumbnail(ctx context.Context, u models.ThumbnailUpdate) ThumbnailReply {
	var res models.ThumbnailResult
	err := w.inTx(ctx, func(tx dbinterface.TxQuerier) error {
		var err error
		res, err = models.SetThumbnail(ctx, tx, u)
		return err
	})
	if err != nil {
		w.fail(fmt.Sprintf("set thumbnail for %d", u.ID), err)
		return ThumbnailReply{Err: err}
	}
	return ThumbnailReply{Result: res}
}

func (w *Writer) countOutcome(o models.AddOutcome) {
	switch o {
	case models.OutcomeAdded:
		w.added.Add(1)
	case models.OutcomeUpdated:
		w.updated.Add(1)
	case models.OutcomeDuplicate:
		w.duplicate.Add(1)
	}
}

func (w *Writer) fail(what string, err error) {
	w.failed.Add(1)
	kind := classify(err)
	w.log.Error().Err(err).Str("kind", kind).Msgf("writer: %s failed", what)
	w.publishError(kind, fmt.Sprintf("%s: %v", what, err))
}

func (w *Writer) publishError(kind, detail string) {
	if w.events == nil {
		return
	}
	w.events.Publish(events.DBWriterError, events.WriterErrorPayload{Kind: kind, Detail: detail})
}

func classify(err error) string {
	switch {
	case database.IsBusy(err):
		return ErrorKindBusy
	case database.IsConstraint(err):
		return ErrorKindIntegrity
	case errors.Is(err, models.ErrTorrentNotFound), errors.Is(err, models.ErrInvalidRecord):
		return ErrorKindInvalid
	default:
		return ErrorKindStore
	}
}

func (w *Writer) Stats() Stats {
	return Stats{
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
		BusyRetries: w.busyRetries.Load(),
		Added:       w.added.Load(),
		Updated:     w.updated.Load(),
		Duplicate:   w.duplicate.Load(),
		Queued:      len(w.in),
	}
}
