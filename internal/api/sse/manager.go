// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sse streams bus events to HTTP clients as server-sent events.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmaxmax/go-sse"

	"github.com/autobrr/coverscout/internal/events"
)

const (
	streamEventHeartbeat = "heartbeat"
	streamEventError     = "stream-error"
	heartbeatInterval    = 15 * time.Second
	subscriptionBuffer   = 512
	replayCount          = 32
)

var errUnknownEventType = errors.New("unknown event type")

type ctxKey string

const topicsContextKey ctxKey = "coverscout.sse.topics"

// StreamPayload is the envelope sent for every event.
type StreamPayload struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
	Err  string    `json:"error,omitempty"`
}

// StreamManager forwards bus events to SSE sessions. Every event type is a topic; a
// client picks the types it wants with ?types=a,b and gets every type by default.
type StreamManager struct {
	server *sse.Server
	bus    *events.Bus

	sessions atomic.Int64
	closing  atomic.Bool

	startOnce sync.Once
	ctx       context.Context //nolint:containedctx // lifecycle root for the forward and heartbeat loops
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewStreamManager(bus *events.Bus) *StreamManager {
	replayer, err := sse.NewFiniteReplayer(replayCount, true)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create SSE replayer; reconnecting clients may miss events")
		replayer = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &StreamManager{
		server: &sse.Server{
			Provider: &sse.Joe{Replayer: replayer},
		},
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.server.OnSession = m.onSession
	return m
}

// Start subscribes to the bus and begins forwarding. Calling it again is a no-op.
func (m *StreamManager) Start() {
	m.startOnce.Do(func() {
		sub := m.bus.Subscribe(subscriptionBuffer)
		go m.forward(sub)
		go m.heartbeat()
	})
}

func (m *StreamManager) forward(sub *events.Subscription) {
	defer close(m.done)
	defer m.bus.Unsubscribe(sub)

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			m.publish(string(ev.Type), &StreamPayload{Type: string(ev.Type), Time: ev.Time, Data: ev.Payload})
		}
	}
}

func (m *StreamManager) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			if m.sessions.Load() == 0 {
				continue
			}
			m.publish(streamEventHeartbeat, &StreamPayload{Type: streamEventHeartbeat, Time: now})
		}
	}
}

// Serve implements GET /api/events.
func (m *StreamManager) Serve(w http.ResponseWriter, r *http.Request) {
	if m.closing.Load() {
		http.Error(w, "stream shutting down", http.StatusServiceUnavailable)
		return
	}

	topics, err := parseTopics(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.sessions.Add(1)
	defer m.sessions.Add(-1)

	// SSE connections are long-lived; disable the write deadline inherited from
	// the main HTTP server so streams aren't terminated by global WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// ServeHTTP blocks until the client disconnects.
	m.server.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), topicsContextKey, topics)))
}

func (m *StreamManager) onSession(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	if m.closing.Load() {
		http.Error(w, "stream shutting down", http.StatusServiceUnavailable)
		return nil, false
	}

	topics, _ := r.Context().Value(topicsContextKey).([]string)
	if len(topics) == 0 {
		http.Error(w, "missing topic context", http.StatusBadRequest)
		return nil, false
	}
	return topics, true
}

// Sessions returns the number of connected clients.
func (m *StreamManager) Sessions() int {
	return int(m.sessions.Load())
}

func (m *StreamManager) publish(topic string, payload *StreamPayload) {
	if m.closing.Load() {
		return
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", payload.Type).Msg("Failed to marshal SSE payload")

		errMsg := &sse.Message{Type: sse.Type(streamEventError)}
		errorBytes, marshalErr := json.Marshal(&StreamPayload{
			Type: streamEventError,
			Time: time.Now(),
			Err:  "Internal error: failed to serialize " + payload.Type,
		})
		if marshalErr != nil {
			return
		}
		errMsg.AppendData(string(errorBytes))
		if pubErr := m.server.Publish(errMsg, topic); pubErr != nil && !errors.Is(pubErr, sse.ErrProviderClosed) {
			log.Error().Err(pubErr).Msg("Failed to publish error event after marshal failure")
		}
		return
	}

	message := &sse.Message{Type: sse.Type(payload.Type)}
	message.AppendData(string(encoded))

	if err := m.server.Publish(message, topic); err != nil && !errors.Is(err, sse.ErrProviderClosed) {
		log.Error().Err(err).Str("type", payload.Type).Msg("Failed to publish SSE message")
	}
}

// Shutdown stops forwarding and disconnects every session.
func (m *StreamManager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}

	m.cancel()
	// never started: nothing forwards
	m.startOnce.Do(func() { close(m.done) })
	select {
	case <-m.done:
	case <-ctx.Done():
	}

	if err := m.server.Shutdown(ctx); err != nil &&
		!errors.Is(err, sse.ErrProviderClosed) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// parseTopics reads ?types=a,b. The heartbeat topic is always included.
func parseTopics(r *http.Request) ([]string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("types"))

	var topics []string
	if raw == "" {
		for _, t := range events.AllTypes() {
			topics = append(topics, string(t))
		}
	} else {
		seen := make(map[string]struct{})
		for part := range strings.SplitSeq(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			t, ok := events.ParseType(part)
			if !ok {
				return nil, fmt.Errorf("%w: %q", errUnknownEventType, strings.TrimSpace(part))
			}
			if _, dup := seen[string(t)]; dup {
				continue
			}
			seen[string(t)] = struct{}{}
			topics = append(topics, string(t))
		}
		if len(topics) == 0 {
			return nil, fmt.Errorf("%w: empty types", errUnknownEventType)
		}
	}

	return append(topics, streamEventHeartbeat), nil
}
