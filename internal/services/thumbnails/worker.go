// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package thumbnails

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/pkg/timeouts"
	"github.com/autobrr/coverscout/internal/providers"
)

const writeTimeout = 30 * time.Second

type outcome int

const (
	outcomeFound outcome = iota
	outcomeNotFound
	outcomeRejected
	outcomeTransient
	outcomeBlocked
	// outcomeTried means the persisted tried set already held the provider.
	outcomeTried
	// outcomeFilled means the record gained a thumbnail elsewhere.
	outcomeFilled
	outcomeGone
	outcomeAborted
)

func (o outcome) String() string {
	switch o {
	case outcomeFound:
		return "found"
	case outcomeNotFound:
		return "not_found"
	case outcomeRejected:
		return "rejected"
	case outcomeTransient:
		return "transient"
	case outcomeBlocked:
		return "blocked"
	case outcomeTried:
		return "tried"
	case outcomeFilled:
		return "filled"
	case outcomeGone:
		return "gone"
	case outcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// assignment is a snapshot of a job handed to a worker.
type assignment struct {
	id      int64
	title   string
	codes   []providers.Code
	exclude []string
	force   bool
}

type jobResult struct {
	provider string
	id       int64
	outcome  outcome
	url      string
	// rejectedHosts are hosts of candidates dropped by the blocklist.
	rejectedHosts []string
	err           error
}

// worker runs one provider's searches, one at a time. It owns no queue state: it receives
// an assignment, searches, persists the outcome and reports back.
type worker struct {
	provider providers.Provider
	store    Store
	writer   ThumbnailWriter
	timeout  time.Duration
	stopping *atomic.Bool
	log      zerolog.Logger

	assign chan assignment
}

func (w *worker) loop(ctx context.Context, results chan<- jobResult) {
	for a := range w.assign {
		results <- w.process(ctx, a)
	}
}

func (w *worker) process(ctx context.Context, a assignment) (res jobResult) {
	res = jobResult{provider: w.provider.Tag(), id: a.id}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Int64("torrentID", a.id).Msg("thumbnail search panicked")
			res.outcome = outcomeTransient
			res.err = fmt.Errorf("panic: %v", r)
		}
	}()

	if w.stopping.Load() || ctx.Err() != nil {
		res.outcome = outcomeAborted
		return res
	}

	rec, err := w.store.Get(ctx, a.id)
	switch {
	case errors.Is(err, models.ErrTorrentNotFound):
		res.outcome = outcomeGone
		return res
	case err != nil:
		res.outcome = outcomeTransient
		res.err = err
		return res
	case !a.force && rec.HasThumbnail():
		res.outcome = outcomeFilled
		res.url = rec.ThumbnailURL
		return res
	case rec.Searched(res.provider):
		res.outcome = outcomeTried
		return res
	}

	q := providers.Query{Title: a.title, Codes: a.codes, ExcludeHosts: a.exclude}
	sctx, cancel := timeouts.WithSearchTimeout(ctx, w.timeout)
	started := time.Now()
	sr := w.provider.Search(sctx, q)
	cancel()

	w.log.Debug().
		Int64("torrentID", a.id).
		Str("status", sr.Status.String()).
		Int("candidates", len(sr.URLs)).
		Dur("took", time.Since(started)).
		Msg("provider search finished")

	switch sr.Status {
	case providers.StatusBlocked:
		res.outcome = outcomeBlocked
		res.err = sr.Err
		return res
	case providers.StatusTransient:
		if ctx.Err() != nil {
			res.outcome = outcomeAborted
			return res
		}
		res.outcome = outcomeTransient
		res.err = sr.Err
		return res
	case providers.StatusOK:
		url, rejected := providers.PickCandidate(sr.URLs, a.exclude)
		res.rejectedHosts = rejected
		if url != "" {
			res.outcome = outcomeFound
			res.url = url
		} else if len(rejected) > 0 {
			res.outcome = outcomeRejected
		} else {
			res.outcome = outcomeNotFound
		}
	default:
		res.outcome = outcomeNotFound
	}

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer wcancel()

	if res.outcome == outcomeFound {
		stored, err := w.writer.SetThumbnail(wctx, models.ThumbnailUpdate{
			ID:       a.id,
			URL:      res.url,
			Provider: res.provider,
			IfEmpty:  !a.force,
		})
		if err != nil {
			w.log.Error().Err(err).Int64("torrentID", a.id).Msg("failed to store thumbnail")
			res.outcome = outcomeTransient
			res.err = err
			return res
		}
		// a thumbnail stored meanwhile wins over ours
		res.url = stored.URL
		return res
	}

	if _, err := w.writer.SetThumbnail(wctx, models.ThumbnailUpdate{ID: a.id, Provider: res.provider, KeepURL: true}); err != nil {
		w.log.Error().Err(err).Int64("torrentID", a.id).Msg("failed to record searched provider")
	}
	return res
}
