// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package timeouts holds the deadlines applied to outbound searches.
package timeouts

import (
	"context"
	"time"
)

const (
	// DefaultRequestTimeout bounds one outbound HTTP request.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultSearchTimeout bounds a search against a single provider, retries included.
	DefaultSearchTimeout = 15 * time.Second
	// PerProviderSearchTimeout is added for every further provider a search may visit.
	PerProviderSearchTimeout = 10 * time.Second
	// MaxSearchTimeout caps any multi-provider search.
	MaxSearchTimeout = 90 * time.Second
)

// RequestTimeout converts a configured number of seconds into a request timeout, falling
// back to DefaultRequestTimeout for non-positive values.
func RequestTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(seconds) * time.Second
}

// AdaptiveSearchTimeout scales the search deadline with the number of providers that may
// be tried in sequence.
func AdaptiveSearchTimeout(providerCount int) time.Duration {
	if providerCount <= 1 {
		return DefaultSearchTimeout
	}
	timeout := DefaultSearchTimeout + time.Duration(providerCount-1)*PerProviderSearchTimeout
	return min(timeout, MaxSearchTimeout)
}

// WithSearchTimeout applies timeout to ctx unless ctx already carries a deadline.
func WithSearchTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
