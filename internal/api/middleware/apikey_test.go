// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIKeyFromQuery_AllowsQueryParam(t *testing.T) {
	t.Parallel()

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := APIKeyFromQuery(APIKeyParam)(RequireAPIKey("secret")(okHandler))

	tests := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{"query param", "/api/events?apikey=secret", "", http.StatusOK},
		{"header wins over query", "/api/events?apikey=wrong", "secret", http.StatusOK},
		{"wrong query param", "/api/events?apikey=wrong", "", http.StatusUnauthorized},
		{"missing", "/api/events", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireAPIKey_DisabledWithoutKey(t *testing.T) {
	t.Parallel()

	handler := RequireAPIKey("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scrape", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoggedURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "/api/events", want: "/api/events"},
		{raw: "/api/torrents?page=2", want: "/api/torrents?page=2"},
		{raw: "/api/events?apikey=secret&types=scrape", want: "/api/events?apikey=%3Credacted%3E&types=scrape"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()

			u, err := url.Parse(tt.raw)
			if err != nil {
				t.Fatal(err)
			}
			assert.Equal(t, tt.want, loggedURI(u))
			assert.NotContains(t, loggedURI(u), "secret")
		})
	}
}
