// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eventstest records published events for assertions.
package eventstest

import (
	"slices"
	"sync"
	"time"

	"github.com/autobrr/coverscout/internal/events"
)

// Recorder is an events.Publisher that keeps everything it is given.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Publish(t events.Type, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Event{Type: t, Time: time.Now(), Payload: payload})
}

// Events returns every recorded event in publish order.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// OfType returns the recorded events of type t in publish order.
func (r *Recorder) OfType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the type of every recorded event in publish order.
func (r *Recorder) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Payloads returns the payloads of type t that have dynamic type T.
func Payloads[T any](r *Recorder, t events.Type) []T {
	var out []T
	for _, e := range r.OfType(t) {
		if p, ok := e.Payload.(T); ok {
			out = append(out, p)
		}
	}
	return out
}

var _ events.Publisher = (*Recorder)(nil)
