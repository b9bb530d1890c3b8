// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package providerstest provides a scripted provider for tests of the enrichment services.
package providerstest

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/autobrr/coverscout/internal/providers"
)

// Call is one recorded Search invocation.
type Call struct {
	Title        string
	ExcludeHosts []string
}

// Fake answers searches from a per-title script. Titles without a script get the default
// result, which is NotFound unless changed with Default.
type Fake struct {
	tag    string
	family string

	mu      sync.Mutex
	script  map[string][]providers.Result
	def     providers.Result
	calls   []Call
	onCall  func(Call)
	release chan struct{}

	inflight    atomic.Int32
	maxInflight atomic.Int32
	closed      atomic.Bool
}

func New(tag, family string) *Fake {
	return &Fake{
		tag:    tag,
		family: family,
		script: make(map[string][]providers.Result),
		def:    providers.NotFound(),
	}
}

// On queues results for title. The last result repeats once the queue is drained.
func (f *Fake) On(title string, results ...providers.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[title] = append(f.script[title], results...)
	return f
}

// Found is shorthand for On(title, providers.OK(urls)).
func (f *Fake) Found(title string, urls ...string) *Fake {
	return f.On(title, providers.OK(urls))
}

// Default sets the result for unscripted titles.
func (f *Fake) Default(res providers.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.def = res
	return f
}

// OnCall registers a hook run at the start of every Search, before any gate.
func (f *Fake) OnCall(fn func(Call)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
	return f
}

// Gate makes every Search wait for a value on the returned channel (or ctx) before answering.
func (f *Fake) Gate() chan<- struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.release = make(chan struct{})
	return f.release
}

func (f *Fake) Tag() string    { return f.tag }
func (f *Fake) Family() string { return f.family }

func (f *Fake) Search(ctx context.Context, q providers.Query) providers.Result {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	call := Call{Title: q.Title, ExcludeHosts: slices.Clone(q.ExcludeHosts)}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.onCall
	gate := f.release
	var res providers.Result
	if queued := f.script[q.Title]; len(queued) > 0 {
		res = queued[0]
		if len(queued) > 1 {
			f.script[q.Title] = queued[1:]
		}
	} else {
		res = f.def
	}
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return providers.Transient(ctx.Err())
		}
	}
	if res.Status == providers.StatusOK {
		res.URLs = slices.Clone(res.URLs)
	}
	return res
}

func (f *Fake) Close() error {
	f.closed.Store(true)
	return nil
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Titles returns the titles searched, in order.
func (f *Fake) Titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Title
	}
	return out
}

func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// MaxConcurrent reports the highest number of overlapping Search calls seen.
func (f *Fake) MaxConcurrent() int {
	return int(f.maxInflight.Load())
}

func (f *Fake) Closed() bool {
	return f.closed.Load()
}

var _ providers.Provider = (*Fake)(nil)
