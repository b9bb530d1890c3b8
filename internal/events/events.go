// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package events is the typed bus between the pipelines and their consumers.
package events

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Type names one event kind.
type Type string

const (
	ScrapeStarted          Type = "scrape_started"
	ScrapeProgress         Type = "scrape_progress"
	ScrapeFinished         Type = "scrape_finished"
	ScrapeError            Type = "scrape_error"
	BatchCompleted         Type = "batch_completed"
	ThumbnailResolved      Type = "thumbnail_resolved"
	ThumbnailReplaced      Type = "thumbnail_replaced"
	ThumbnailReplaceFailed Type = "thumbnail_replace_failed"
	EnrichmentStarted      Type = "enrichment_started"
	EnrichmentProgress     Type = "enrichment_progress"
	EnrichmentFinished     Type = "enrichment_finished"
	ProviderBlocked        Type = "provider_blocked"
	DBWriterError          Type = "db_writer_error"
)

var allTypes = []Type{
	ScrapeStarted,
	ScrapeProgress,
	ScrapeFinished,
	ScrapeError,
	BatchCompleted,
	ThumbnailResolved,
	ThumbnailReplaced,
	ThumbnailReplaceFailed,
	EnrichmentStarted,
	EnrichmentProgress,
	EnrichmentFinished,
	ProviderBlocked,
	DBWriterError,
}

// AllTypes returns every event type in declaration order.
func AllTypes() []Type {
	return slices.Clone(allTypes)
}

// ParseType returns the event type named s.
func ParseType(s string) (Type, bool) {
	t := Type(strings.TrimSpace(s))
	return t, slices.Contains(allTypes, t)
}

// Event is one message on the bus. Payload is one of the payload structs below.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

type ScrapeStartedPayload struct {
	Source   string `json:"source"`
	Query    string `json:"query,omitempty"`
	MaxPages int    `json:"max_pages"`
}

type ScrapeProgressPayload struct {
	Source  string `json:"source"`
	Page    int    `json:"page"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

type ScrapeFinishedPayload struct {
	Source    string `json:"source"`
	Added     int    `json:"added"`
	Updated   int    `json:"updated"`
	Duplicate int    `json:"duplicate"`
	Failed    int    `json:"failed"`
	Seen      int    `json:"seen"`
	Pages     int    `json:"pages"`
	Stopped   bool   `json:"stopped"`
}

type ScrapeErrorPayload struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

type BatchCompletedPayload struct {
	Tag       string `json:"tag,omitempty"`
	Added     int    `json:"added"`
	Updated   int    `json:"updated"`
	Duplicate int    `json:"duplicate"`
	Failed    int    `json:"failed"`
}

type ThumbnailPayload struct {
	ID       int64  `json:"id"`
	URL      string `json:"url"`
	Provider string `json:"provider,omitempty"`
}

type ReplaceFailedPayload struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

type EnrichmentProgressPayload struct {
	Percent int    `json:"percent"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

type EnrichmentFinishedPayload struct {
	Updated   int  `json:"updated"`
	Exhausted int  `json:"exhausted"`
	Stopped   bool `json:"stopped"`
}

type ProviderBlockedPayload struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

type WriterErrorPayload struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(t Type, payload any)
}

// Subscription receives events on C until it is closed by Unsubscribe or Close.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	types   map[Type]struct{}
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because the subscriber was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to subscribers. Publish never blocks: a full subscriber loses the
// event and a warning is logged.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber for types (all types when empty).
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

func (b *Bus) Publish(t Type, payload any) {
	evt := Event{Type: t, Time: b.now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if !sub.wants(t) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			log.Warn().Str("type", string(t)).Msg("events: subscriber full, dropping event")
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
