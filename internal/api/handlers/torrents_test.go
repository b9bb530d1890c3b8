// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/coverscout/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[int64]*models.Torrent
	filters []models.TorrentFilter
	listErr error
	stats   *models.TorrentStats
}

func (f *fakeStore) List(_ context.Context, filter models.TorrentFilter) (*models.TorrentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if f.listErr != nil {
		return nil, f.listErr
	}
	if filter.Period == "decade" {
		return nil, fmt.Errorf("%w: unknown period %q", models.ErrInvalidFilter, filter.Period)
	}
	page := &models.TorrentPage{Total: len(f.records)}
	for id := int64(1); id <= int64(len(f.records)); id++ {
		page.Items = append(page.Items, f.records[id])
	}
	return page, nil
}

func (f *fakeStore) Get(_ context.Context, id int64) (*models.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.records[id]
	if !ok {
		return nil, models.ErrTorrentNotFound
	}
	return t, nil
}

func (f *fakeStore) Stats(context.Context) (*models.TorrentStats, error) {
	if f.stats == nil {
		return nil, errors.New("database is locked")
	}
	return f.stats, nil
}

func (f *fakeStore) ListGenres(context.Context) ([]models.GenreCount, error) {
	return []models.GenreCount{{Name: "drama", Count: 2}}, nil
}

func (f *fakeStore) lastFilter() models.TorrentFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[len(f.filters)-1]
}

func newFakeStore(titles ...string) *fakeStore {
	f := &fakeStore{records: make(map[int64]*models.Torrent)}
	for i, title := range titles {
		id := int64(i + 1)
		f.records[id] = &models.Torrent{ID: id, Title: title, SourceSite: "demo"}
	}
	return f
}

func torrentsRouter(h *TorrentsHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/torrents", h.ListTorrents)
	r.Get("/api/torrents/{id}", h.GetTorrent)
	r.Get("/api/stats", h.GetStats)
	r.Get("/api/genres", h.ListGenres)
	return r
}

func TestTorrentsHandler_List(t *testing.T) {
	t.Parallel()

	store := newFakeStore("ABC-123 first", "DEF-456 second")
	router := torrentsRouter(NewTorrentsHandler(store, 20))

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantFilter models.TorrentFilter
	}{
		{
			name:       "defaults",
			query:      "",
			wantStatus: http.StatusOK,
			wantFilter: models.TorrentFilter{Desc: true, Limit: 20},
		},
		{
			name:       "every filter",
			query:      "?period=week&search=abc&site=demo&sort=seeders&order=asc&page=3&limit=10",
			wantStatus: http.StatusOK,
			wantFilter: models.TorrentFilter{
				Period:    "week",
				Search:    "abc",
				Site:      "demo",
				SortField: "seeders",
				Offset:    20,
				Limit:     10,
			},
		},
		{
			name:       "limit capped",
			query:      "?limit=100000",
			wantStatus: http.StatusOK,
			wantFilter: models.TorrentFilter{Desc: true, Limit: maxPageSize},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/torrents"+tt.query, nil))
			require.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantFilter, store.lastFilter())

			var resp TorrentListResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, 2, resp.Total)
			require.Len(t, resp.Items, 2)
			assert.Equal(t, "ABC-123 first", resp.Items[0].Title)
		})
	}
}

func TestTorrentsHandler_ListErrors(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	router := torrentsRouter(NewTorrentsHandler(store, 0))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/torrents?order=sideways", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/torrents?period=decade", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown period")

	// an empty store still returns an items array
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/torrents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"items":[],"total":0,"page":1,"limit":50}`, w.Body.String())

	store.listErr = errors.New("disk I/O error")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/torrents", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTorrentsHandler_Get(t *testing.T) {
	t.Parallel()

	router := torrentsRouter(NewTorrentsHandler(newFakeStore("ABC-123"), 0))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/torrents/1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Torrent
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "ABC-123", got.Title)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/torrents/99", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/torrents/abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTorrentsHandler_Stats(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	router := torrentsRouter(NewTorrentsHandler(store, 0))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	store.stats = &models.TorrentStats{Total: 3, Enriched: 1, Backlog: 2, BySite: map[string]int{"demo": 3}}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total":3,"enriched":1,"backlog":2,"by_site":{"demo":3}}`, w.Body.String())
}

func TestTorrentsHandler_Genres(t *testing.T) {
	t.Parallel()

	router := torrentsRouter(NewTorrentsHandler(newFakeStore(), 0))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/genres", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"name":"drama","count":2}]`, w.Body.String())
}
