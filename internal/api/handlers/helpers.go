// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/models"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error: message,
	})
}

// DecodeJSON decodes the request body into the provided struct.
// Returns false if decoding fails (error already sent to client).
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// DecodeJSONOptional decodes the request body into the provided struct.
// Returns true if decoding succeeds or body is empty (io.EOF).
// Returns false only on actual decode errors (error already sent to client).
func DecodeJSONOptional[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// ParseIntParam64 extracts and validates a generic int64 URL parameter.
// Returns the value and true on success, or 0 and false if invalid (error already sent).
func ParseIntParam64(w http.ResponseWriter, r *http.Request, paramName, displayName string) (int64, bool) {
	str, ok := ParseStringParam(w, r, paramName, displayName)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid "+displayName)
		return 0, false
	}
	return value, true
}

// ParseStringParam extracts and validates a generic string URL parameter.
// The value is trimmed of whitespace before validation.
func ParseStringParam(w http.ResponseWriter, r *http.Request, paramName, displayName string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, paramName))
	if value == "" {
		RespondError(w, http.StatusBadRequest, displayName+" is required")
		return "", false
	}
	return value, true
}

// ParseTorrentID extracts the positive record id from the {id} URL parameter.
func ParseTorrentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := ParseIntParam64(w, r, "id", "torrent ID")
	if !ok {
		return 0, false
	}
	if id <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid torrent ID")
		return 0, false
	}
	return id, true
}

// PaginationParams holds parsed pagination parameters.
type PaginationParams struct {
	Limit  int
	Offset int
	// Page is 1-based and derived from Offset when only offset was given.
	Page int
}

// ParsePagination extracts pagination parameters from the query string. page and offset
// are alternatives; offset wins when both are set. Uses provided defaults and enforces
// maxLimit. Invalid values are silently ignored.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	p := PaginationParams{Limit: defaultLimit, Offset: 0, Page: 1}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			if parsed > maxLimit {
				parsed = maxLimit
			}
			p.Limit = parsed
		}
	}

	if v := q.Get("page"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			p.Page = parsed
			p.Offset = (parsed - 1) * p.Limit
		}
	}

	if v := q.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			p.Offset = parsed
			p.Page = parsed/p.Limit + 1
		}
	}

	return p
}

// RespondNotFoundIfMissing responds with 404 when err is models.ErrTorrentNotFound.
// Returns true if the error was handled, false otherwise.
func RespondNotFoundIfMissing(w http.ResponseWriter, err error, notFoundMessage string) bool {
	if errors.Is(err, models.ErrTorrentNotFound) {
		RespondError(w, http.StatusNotFound, notFoundMessage)
		return true
	}
	return false
}

// RespondStoreError handles store errors with common patterns:
// - models.ErrTorrentNotFound -> 404 with notFoundMessage
// - models.ErrInvalidFilter -> 400 with the error text
// - other errors -> 500 with fallbackMessage
func RespondStoreError(w http.ResponseWriter, err error, notFoundMessage, fallbackMessage string) {
	switch {
	case errors.Is(err, models.ErrTorrentNotFound):
		RespondError(w, http.StatusNotFound, notFoundMessage)
	case errors.Is(err, models.ErrInvalidFilter):
		RespondError(w, http.StatusBadRequest, err.Error())
	default:
		RespondError(w, http.StatusInternalServerError, fallbackMessage)
	}
}
