// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package debounce coalesces bursts of values into one call with the latest value.
package debounce

import (
	"sync"
	"sync/atomic"
	"time"
)

// Debouncer delivers the most recent value pushed within a quiet window to its handler.
// The handler runs on the debouncer's goroutine, so calls never overlap.
type Debouncer[T any] struct {
	submissions chan T
	flush       chan chan struct{}
	handle      func(T)
	delay       time.Duration

	mu      sync.RWMutex
	timer   <-chan time.Time
	latest  T
	pending bool

	sendMu  sync.RWMutex
	stopped atomic.Bool
	done    chan struct{}
}

// New starts a debouncer that calls handle delay after the first value of a burst.
func New[T any](delay time.Duration, handle func(T)) *Debouncer[T] {
	d := &Debouncer[T]{
		submissions: make(chan T, 100),
		flush:       make(chan chan struct{}),
		handle:      handle,
		delay:       delay,
		done:        make(chan struct{}),
	}

	go d.run()

	return d
}

func (d *Debouncer[T]) run() {
	defer close(d.done)

	fire := func() {
		d.mu.Lock()
		d.timer = nil
		v, ok := d.latest, d.pending
		var zero T
		d.latest = zero
		d.pending = false
		d.mu.Unlock()
		if ok {
			d.handle(v)
		}
	}

	for {
		select {
		case <-d.timer:
			fire()
		case ack := <-d.flush:
			d.drainSubmissions()
			fire()
			close(ack)
		case v, ok := <-d.submissions:
			if !ok {
				// pending values are dropped on stop
				return
			}
			d.mu.Lock()
			d.latest = v
			d.pending = true
			if d.timer == nil {
				d.timer = time.After(d.delay)
			}
			d.mu.Unlock()
		}
	}
}

func (d *Debouncer[T]) drainSubmissions() {
	for {
		select {
		case v, ok := <-d.submissions:
			if !ok {
				return
			}
			d.mu.Lock()
			d.latest = v
			d.pending = true
			d.mu.Unlock()
		default:
			return
		}
	}
}

// Push records v as the latest value. It reports false when the value was dropped because
// the debouncer is stopped or its buffer is full.
func (d *Debouncer[T]) Push(v T) bool {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.stopped.Load() {
		return false
	}
	select {
	case d.submissions <- v:
		return true
	default:
		return false
	}
}

// Flush delivers the pending value now, if any, and waits for the handler to return.
func (d *Debouncer[T]) Flush() {
	if d.stopped.Load() {
		return
	}
	ack := make(chan struct{})
	select {
	case d.flush <- ack:
		<-ack
	case <-d.done:
	}
}

// Queued reports whether a value is waiting for its window to close.
func (d *Debouncer[T]) Queued() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pending
}

// Stop drops any pending value and waits for a running handler to return.
func (d *Debouncer[T]) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	d.sendMu.Lock()
	close(d.submissions)
	d.sendMu.Unlock()
	<-d.done
}
