// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/orchestrator"
	"github.com/autobrr/coverscout/internal/services/replace"
	"github.com/autobrr/coverscout/internal/services/scrape"
	"github.com/autobrr/coverscout/internal/services/thumbnails"
	"github.com/autobrr/coverscout/internal/sources"
)

// maxViewIDs bounds one page-change report.
const maxViewIDs = 1000

// Pipeline is the control surface of the orchestrator.
type Pipeline interface {
	StartScrape(req scrape.Request) error
	StopScrape(source string) error
	PageChanged(ids []int64)
	ReplaceThumbnail(id int64) error
	StartEnrichment() error
	StopEnrichment()
	ResetProvider(tag string) bool
	Status() orchestrator.Status
}

// SourceLister lists the configured sources.
type SourceLister interface {
	List() []sources.Info
}

type PipelineHandler struct {
	pipeline Pipeline
	sources  SourceLister
	records  TorrentReader
}

func NewPipelineHandler(pipeline Pipeline, sources SourceLister, records TorrentReader) *PipelineHandler {
	return &PipelineHandler{
		pipeline: pipeline,
		sources:  sources,
		records:  records,
	}
}

// SourceResponse is a configured source and whether it is being scraped.
type SourceResponse struct {
	sources.Info
	Running bool `json:"running"`
}

// StartScrapeRequest is the body of POST /api/scrape.
type StartScrapeRequest struct {
	Source   string `json:"source"`
	Query    string `json:"query,omitempty"`
	Sort     string `json:"sort,omitempty"`
	Order    string `json:"order,omitempty"`
	MaxPages int    `json:"max_pages,omitempty"`
}

// StopScrapeRequest is the optional body of POST /api/scrape/stop. An empty source
// stops every scrape.
type StopScrapeRequest struct {
	Source string `json:"source,omitempty"`
}

// ViewRequest reports the record ids currently on screen.
type ViewRequest struct {
	IDs []int64 `json:"ids"`
}

type actionResponse struct {
	Status string `json:"status"`
}

func respondPipelineError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, sources.ErrUnknownSource):
		RespondError(w, http.StatusNotFound, "Unknown source")
	case errors.Is(err, scrape.ErrAlreadyRunning):
		RespondError(w, http.StatusConflict, "Scrape already running for source")
	case errors.Is(err, scrape.ErrNotRunning):
		RespondError(w, http.StatusNotFound, "No scrape running for source")
	case errors.Is(err, thumbnails.ErrAlreadyRunning):
		RespondError(w, http.StatusConflict, "Enrichment already running")
	case errors.Is(err, replace.ErrQueueFull):
		RespondError(w, http.StatusTooManyRequests, "Replace queue full")
	case errors.Is(err, orchestrator.ErrClosed), errors.Is(err, replace.ErrClosed):
		RespondError(w, http.StatusServiceUnavailable, "Shutting down")
	default:
		log.Error().Err(err).Msg(fallback)
		RespondError(w, http.StatusInternalServerError, fallback)
	}
}

// ListSources handles GET /api/sources.
func (h *PipelineHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	active := h.pipeline.Status().Scrapes

	infos := h.sources.List()
	resp := make([]SourceResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, SourceResponse{
			Info:    info,
			Running: slices.Contains(active, info.Key),
		})
	}

	RespondJSON(w, http.StatusOK, resp)
}

// ListProviders handles GET /api/providers.
func (h *PipelineHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.pipeline.Status().Providers
	if providers == nil {
		providers = []thumbnails.CircuitStatus{}
	}
	RespondJSON(w, http.StatusOK, providers)
}

// ResetProvider handles POST /api/providers/{tag}/reset.
func (h *PipelineHandler) ResetProvider(w http.ResponseWriter, r *http.Request) {
	tag, ok := ParseStringParam(w, r, "tag", "Provider tag")
	if !ok {
		return
	}
	if !h.pipeline.ResetProvider(tag) {
		RespondError(w, http.StatusNotFound, "Unknown provider")
		return
	}
	RespondJSON(w, http.StatusOK, actionResponse{Status: "reset"})
}

// GetStatus handles GET /api/status.
func (h *PipelineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.pipeline.Status()
	if status.Scrapes == nil {
		status.Scrapes = []string{}
	}
	RespondJSON(w, http.StatusOK, status)
}

// StartScrape handles POST /api/scrape.
func (h *PipelineHandler) StartScrape(w http.ResponseWriter, r *http.Request) {
	var req StartScrapeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		RespondError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.MaxPages < 0 {
		RespondError(w, http.StatusBadRequest, "max_pages must not be negative")
		return
	}

	err := h.pipeline.StartScrape(scrape.Request{
		Source:   req.Source,
		Query:    strings.TrimSpace(req.Query),
		Sort:     req.Sort,
		Order:    req.Order,
		MaxPages: req.MaxPages,
	})
	if err != nil {
		respondPipelineError(w, err, "Failed to start scrape")
		return
	}

	log.Info().Str("source", req.Source).Msg("Scrape started via API")
	RespondJSON(w, http.StatusAccepted, actionResponse{Status: "started"})
}

// StopScrape handles POST /api/scrape/stop.
func (h *PipelineHandler) StopScrape(w http.ResponseWriter, r *http.Request) {
	var req StopScrapeRequest
	if !DecodeJSONOptional(w, r, &req) {
		return
	}

	if err := h.pipeline.StopScrape(strings.TrimSpace(req.Source)); err != nil {
		respondPipelineError(w, err, "Failed to stop scrape")
		return
	}
	RespondJSON(w, http.StatusAccepted, actionResponse{Status: "stopping"})
}

// ReportView handles POST /api/view.
func (h *PipelineHandler) ReportView(w http.ResponseWriter, r *http.Request) {
	var req ViewRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) > maxViewIDs {
		RespondError(w, http.StatusBadRequest, "too many ids")
		return
	}
	if slices.ContainsFunc(req.IDs, func(id int64) bool { return id <= 0 }) {
		RespondError(w, http.StatusBadRequest, "ids must be positive")
		return
	}

	h.pipeline.PageChanged(req.IDs)
	w.WriteHeader(http.StatusAccepted)
}

// ReplaceThumbnail handles POST /api/torrents/{id}/thumbnail/replace.
func (h *PipelineHandler) ReplaceThumbnail(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseTorrentID(w, r)
	if !ok {
		return
	}

	if _, err := h.records.Get(r.Context(), id); err != nil {
		if RespondNotFoundIfMissing(w, err, "Torrent not found") {
			return
		}
		log.Error().Err(err).Int64("id", id).Msg("Failed to load torrent for replace")
		RespondError(w, http.StatusInternalServerError, "Failed to load torrent")
		return
	}

	if err := h.pipeline.ReplaceThumbnail(id); err != nil {
		respondPipelineError(w, err, "Failed to queue thumbnail replace")
		return
	}
	RespondJSON(w, http.StatusAccepted, actionResponse{Status: "queued"})
}

// StartEnrichment handles POST /api/enrichment/start.
func (h *PipelineHandler) StartEnrichment(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.StartEnrichment(); err != nil {
		respondPipelineError(w, err, "Failed to start enrichment")
		return
	}
	RespondJSON(w, http.StatusAccepted, actionResponse{Status: "started"})
}

// StopEnrichment handles POST /api/enrichment/stop.
func (h *PipelineHandler) StopEnrichment(w http.ResponseWriter, r *http.Request) {
	h.pipeline.StopEnrichment()
	RespondJSON(w, http.StatusAccepted, actionResponse{Status: "stopping"})
}
