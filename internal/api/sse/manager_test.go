// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/coverscout/internal/events"
)

func TestParseTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		query   string
		want    []string
		wantErr bool
	}{
		{
			name:  "default is every type",
			query: "",
			want:  append(typeNames(events.AllTypes()), streamEventHeartbeat),
		},
		{
			name:  "selected types deduplicated",
			query: "?types=scrape_finished,%20thumbnail_resolved,scrape_finished",
			want:  []string{"scrape_finished", "thumbnail_resolved", streamEventHeartbeat},
		},
		{
			name:    "unknown type",
			query:   "?types=scrape_finished,bogus",
			wantErr: true,
		},
		{
			name:    "only separators",
			query:   "?types=,,",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/api/events"+tt.query, nil)
			got, err := parseTopics(r)
			if tt.wantErr {
				require.ErrorIs(t, err, errUnknownEventType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func typeNames(types []events.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func TestStreamManager_ForwardsBusEvents(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	m := NewStreamManager(bus)
	m.Start()

	srv := httptest.NewServer(http.HandlerFunc(m.Serve))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	// the session subscribes asynchronously; keep publishing until the client sees the event
	payload := events.ScrapeFinishedPayload{Source: "demo", Added: 3, Pages: 1}
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bus.Publish(events.ThumbnailResolved, events.ThumbnailPayload{ID: 1})
				bus.Publish(events.ScrapeFinished, payload)
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?types=scrape_finished", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	deadline := time.After(5 * time.Second)

	var eventLine, dataLine string
	for dataLine == "" {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			switch {
			case strings.HasPrefix(line, "event:"):
				eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && eventLine != "":
				dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		case <-deadline:
			t.Fatal("no event received")
		}
	}

	// unselected types never reach the session
	assert.Equal(t, string(events.ScrapeFinished), eventLine)

	var got struct {
		Type string                       `json:"type"`
		Data events.ScrapeFinishedPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(dataLine), &got))
	assert.Equal(t, "scrape_finished", got.Type)
	assert.Equal(t, payload, got.Data)
}

func TestStreamManager_RejectsAfterShutdown(t *testing.T) {
	t.Parallel()

	m := NewStreamManager(events.NewBus())
	require.NoError(t, m.Shutdown(t.Context()))
	require.NoError(t, m.Shutdown(t.Context()))

	rec := httptest.NewRecorder()
	m.Serve(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamManager_BadTypes(t *testing.T) {
	t.Parallel()

	m := NewStreamManager(events.NewBus())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	m.Serve(rec, httptest.NewRequest(http.MethodGet, "/api/events?types=nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, m.Sessions())
}
