// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package writer

import (
	"context"

	"github.com/autobrr/coverscout/internal/models"
)

// AddRecord submits one record and waits for its outcome.
func (w *Writer) AddRecord(ctx context.Context, rec Record) (AddResult, error) {
	ch := make(chan AddResult, 1)
	if err := w.Submit(ctx, AddRecord{Record: rec, Reply: ch}); err != nil {
		return AddResult{}, err
	}
	res, err := await(ctx, w.done, ch)
	if err != nil {
		return AddResult{}, err
	}
	return res, res.Err
}

// BatchAdd submits records as one batch and waits for the aggregated stats.
func (w *Writer) BatchAdd(ctx context.Context, tag string, records []Record) (BatchStats, error) {
	ch := make(chan BatchStats, 1)
	if err := w.Submit(ctx, BatchAdd{Tag: tag, Records: records, Reply: ch}); err != nil {
		return BatchStats{Tag: tag}, err
	}
	stats, err := await(ctx, w.done, ch)
	if err != nil {
		return BatchStats{Tag: tag}, err
	}
	return stats, stats.Err
}

// SetThumbnail submits a thumbnail update and waits for it to commit.
func (w *Writer) SetThumbnail(ctx context.Context, u models.ThumbnailUpdate) (models.ThumbnailResult, error) {
	ch := make(chan ThumbnailReply, 1)
	if err := w.Submit(ctx, SetThumbnail{Update: u, Reply: ch}); err != nil {
		return models.ThumbnailResult{}, err
	}
	rep, err := await(ctx, w.done, ch)
	if err != nil {
		return models.ThumbnailResult{}, err
	}
	return rep.Result, rep.Err
}

// Sync waits until everything submitted before it has been committed.
func (w *Writer) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := w.Submit(ctx, Sync{Done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-w.done:
		// the message may have been handled during drain
		select {
		case <-done:
			return nil
		default:
			return ErrWriterClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, done <-chan struct{}, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-done:
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrWriterClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
