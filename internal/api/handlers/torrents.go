// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// TorrentReader is the read side of the store used by the API.
type TorrentReader interface {
	List(ctx context.Context, f models.TorrentFilter) (*models.TorrentPage, error)
	Get(ctx context.Context, id int64) (*models.Torrent, error)
	Stats(ctx context.Context) (*models.TorrentStats, error)
	ListGenres(ctx context.Context) ([]models.GenreCount, error)
}

type TorrentsHandler struct {
	store    TorrentReader
	pageSize int
}

func NewTorrentsHandler(store TorrentReader, pageSize int) *TorrentsHandler {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &TorrentsHandler{
		store:    store,
		pageSize: min(pageSize, maxPageSize),
	}
}

// TorrentListResponse is one page of records.
type TorrentListResponse struct {
	Items []*models.Torrent `json:"items"`
	Total int               `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

// ListTorrents handles GET /api/torrents.
//
// Query: period (day|week|month|year|all), search, site, sort, order (asc|desc), page or
// offset, limit.
func (h *TorrentsHandler) ListTorrents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pagination := ParsePagination(r, h.pageSize, maxPageSize)

	filter := models.TorrentFilter{
		Period:    q.Get("period"),
		Search:    q.Get("search"),
		Site:      q.Get("site"),
		SortField: strings.TrimSpace(q.Get("sort")),
		Desc:      true,
		Offset:    pagination.Offset,
		Limit:     pagination.Limit,
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "desc":
	case "asc":
		filter.Desc = false
	default:
		RespondError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	page, err := h.store.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list torrents")
		RespondStoreError(w, err, "", "Failed to list torrents")
		return
	}

	items := page.Items
	if items == nil {
		items = []*models.Torrent{}
	}
	RespondJSON(w, http.StatusOK, TorrentListResponse{
		Items: items,
		Total: page.Total,
		Page:  pagination.Page,
		Limit: pagination.Limit,
	})
}

// GetTorrent handles GET /api/torrents/{id}.
func (h *TorrentsHandler) GetTorrent(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseTorrentID(w, r)
	if !ok {
		return
	}

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		if RespondNotFoundIfMissing(w, err, "Torrent not found") {
			return
		}
		log.Error().Err(err).Int64("id", id).Msg("Failed to get torrent")
		RespondError(w, http.StatusInternalServerError, "Failed to get torrent")
		return
	}

	RespondJSON(w, http.StatusOK, t)
}

// GetStats handles GET /api/stats.
func (h *TorrentsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to get torrent stats")
		RespondError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	RespondJSON(w, http.StatusOK, stats)
}

// ListGenres handles GET /api/genres.
func (h *TorrentsHandler) ListGenres(w http.ResponseWriter, r *http.Request) {
	genres, err := h.store.ListGenres(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list genres")
		RespondError(w, http.StatusInternalServerError, "Failed to list genres")
		return
	}

	RespondJSON(w, http.StatusOK, genres)
}
