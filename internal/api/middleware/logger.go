// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package middleware holds the HTTP middleware of the API server.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

var (
	RequestID       = chimiddleware.RequestID
	Recoverer       = chimiddleware.Recoverer
	RealIP          = chimiddleware.RealIP
	ThrottleBacklog = chimiddleware.ThrottleBacklog
)

// Logger writes one access line per request and turns handler panics into a 500.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error().
						Str("type", "error").
						Str("url", loggedURI(r.URL)).
						Str("method", r.Method).
						Str("panic", fmt.Sprint(rec)).
						Bytes("stack", debug.Stack()).
						Msg("handler panic")
					if ww.Status() == 0 {
						http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}

				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				logger.Debug().
					Str("type", "access").
					Str("request_id", chimiddleware.GetReqID(r.Context())).
					Str("remote_ip", r.RemoteAddr).
					Str("url", loggedURI(r.URL)).
					Str("method", r.Method).
					Str("user_agent", r.UserAgent()).
					Int("status", status).
					Float64("latency_ms", float64(time.Since(started).Microseconds())/1000).
					Int64("bytes_in", r.ContentLength).
					Int("bytes_out", ww.BytesWritten()).
					Msg("request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
