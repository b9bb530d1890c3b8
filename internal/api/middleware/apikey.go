// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/autobrr/coverscout/internal/domain"
)

const apiKeyHeader = "X-API-Key"

// APIKeyParam is the query param accepted in place of the X-API-Key header.
const APIKeyParam = "apikey"

// APIKeyFromQuery copies the param query value into the X-API-Key header when the
// header is absent. EventSource clients cannot set headers, so /api accepts both.
func APIKeyFromQuery(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(apiKeyHeader) == "" {
				if key := r.URL.Query().Get(param); key != "" {
					r.Header.Set(apiKeyHeader, key)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAPIKey rejects requests whose X-API-Key header does not match key. An empty key
// disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(apiKeyHeader)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggedURI is the request URI with any apikey query value redacted.
func loggedURI(u *url.URL) string {
	if u.RawQuery == "" {
		return u.RequestURI()
	}
	q := u.Query()
	if !q.Has(APIKeyParam) {
		return u.RequestURI()
	}
	q.Set(APIKeyParam, domain.RedactedStr)
	redacted := *u
	redacted.RawQuery = q.Encode()
	return redacted.RequestURI()
}
