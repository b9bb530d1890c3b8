// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/coverscout/internal/events"
	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/orchestrator"
	"github.com/autobrr/coverscout/internal/services/scrape"
	"github.com/autobrr/coverscout/internal/sources"
	"github.com/autobrr/coverscout/internal/testdb"
)

type idlePipeline struct {
	started []string
}

func (p *idlePipeline) StartScrape(req scrape.Request) error {
	p.started = append(p.started, req.Source)
	return nil
}
func (p *idlePipeline) StopScrape(string) error      { return nil }
func (p *idlePipeline) PageChanged([]int64)          {}
func (p *idlePipeline) ReplaceThumbnail(int64) error { return nil }
func (p *idlePipeline) StartEnrichment() error       { return nil }
func (p *idlePipeline) StopEnrichment()              {}
func (p *idlePipeline) ResetProvider(string) bool    { return false }
func (p *idlePipeline) Status() orchestrator.Status  { return orchestrator.Status{} }

type staticSources []sources.Info

func (s staticSources) List() []sources.Info { return s }

func newTestServer(t *testing.T, apiKey string, origins ...string) (*Server, *idlePipeline) {
	t.Helper()

	db := testdb.Open(t, "api")
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	for _, title := range []string{"ABC-123 first", "DEF-456 second"} {
		_, _, err := models.AddTorrent(ctx, tx, models.TorrentInput{
			SourceSite: "demo",
			SourceID:   title[:7],
			Title:      title,
		}, models.WriteUpsert, models.WriteOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	p := &idlePipeline{}
	s := NewServer(Dependencies{
		Torrents:       models.NewTorrentStore(db),
		Pipeline:       p,
		Sources:        staticSources{{Key: "demo", Site: "demo"}},
		Bus:            events.NewBus(),
		PageSize:       10,
		APIKey:         apiKey,
		AllowedOrigins: origins,
		Host:           "127.0.0.1",
		Port:           0,
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, p
}

func TestServer_Routes(t *testing.T) {
	t.Parallel()

	s, p := newTestServer(t, "")
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/torrents?sort=title&order=asc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Items []models.Torrent `json:"items"`
		Total int              `json:"total"`
		Limit int              `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 10, page.Limit)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "ABC-123 first", page.Items[0].Title)

	resp2, err := http.Post(srv.URL+"/api/scrape", "application/json", strings.NewReader(`{"source":"demo"}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp2.StatusCode)
	assert.Equal(t, []string{"demo"}, p.started)

	for _, path := range []string{"/health", "/api/version", "/api/stats", "/api/genres", "/api/sources", "/api/providers", "/api/status"} {
		r, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		r.Body.Close()
		assert.Equal(t, http.StatusOK, r.StatusCode, path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"), path)
	}
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "secret")
	handler := s.Handler()

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{name: "health is public", path: "/health", wantStatus: http.StatusOK},
		{name: "missing key", path: "/api/stats", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", path: "/api/stats", header: "nope", wantStatus: http.StatusUnauthorized},
		{name: "header key", path: "/api/stats", header: "secret", wantStatus: http.StatusOK},
		{name: "query key", path: "/api/stats?apikey=secret", wantStatus: http.StatusOK},
		{name: "events need the key", path: "/api/events", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestServer_ShutdownBeforeListen(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	require.NoError(t, s.Shutdown(t.Context()))

	// the stream refuses sessions once shut down
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_CORSPreflightBypassesAPIKey(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "secret", "https://ui.example.com")
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/torrents", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "x-api-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ui.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")), "x-api-key")

	// other origins get no CORS headers
	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_CompressesListResponses(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/torrents", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}
