// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/autobrr/coverscout/internal/pkg/timeouts"
	"github.com/autobrr/coverscout/pkg/httphelpers"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	// rejectStreakBlock is the number of consecutive 403/429 answers after which the
	// provider is reported as blocked.
	rejectStreakBlock = 3

	maxPageBytes  = 4 << 20
	maxImageBytes = 16 << 20
)

// TransportConfig configures the HTTP session owned by one provider.
type TransportConfig struct {
	UserAgent         string
	Referer           string
	Timeout           time.Duration
	Retries           int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	// WarmupURL is fetched once before the first request to collect cookies.
	WarmupURL string
	Client    *http.Client
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// URL is the final URL after redirects.
	URL *url.URL
}

// Transport is one provider's HTTP session: a cookie jar, pacing, bounded retries and
// detection of a rejection streak. Not safe for concurrent use.
type Transport struct {
	cfg     TransportConfig
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	warmMu sync.Mutex
	warmed bool

	rejectStreak int
}

func NewTransport(tag string, cfg TransportConfig) (*Transport, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.DefaultRequestTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}

	client := cfg.Client
	if client == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		client = &http.Client{
			Jar:       jar,
			Timeout:   cfg.Timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
	}

	t := &Transport{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("provider", tag).Logger(),
	}
	if cfg.RequestsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return t, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, ErrBlocked) || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusRequestTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// fetchKind separates the provider's own pages from image candidates, which are often
// served by third-party hosts with their own hotlink rules.
type fetchKind int

const (
	fetchPage fetchKind = iota
	fetchImage
)

// Get fetches a page of the provider. 404 maps to ErrNotFound and a streak of 403/429
// answers to ErrBlocked; network errors and 5xx are retried.
func (t *Transport) Get(ctx context.Context, rawURL string) (*Response, error) {
	return t.get(ctx, rawURL, fetchPage)
}

// GetImage fetches an image candidate with a larger body allowance. A 403/429 maps to
// ErrImageRefused and leaves the provider's rejection streak alone.
func (t *Transport) GetImage(ctx context.Context, rawURL string) (*Response, error) {
	return t.get(ctx, rawURL, fetchImage)
}

func (t *Transport) get(ctx context.Context, rawURL string, kind fetchKind) (*Response, error) {
	if err := t.warmup(ctx); err != nil {
		return nil, err
	}

	var resp *Response
	err := retry.Do(
		func() error {
			r, err := t.do(ctx, rawURL, kind)
			if err != nil {
				return err
			}
			resp = r
			return nil
		},
		retry.Attempts(uint(t.cfg.Retries)+1),
		retry.Delay(t.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retryable(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			t.log.Debug().Err(err).Uint("attempt", n+1).Str("url", rawURL).Msg("retrying request")
		}),
	)
	return resp, err
}

func (t *Transport) do(ctx context.Context, rawURL string, kind fetchKind) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if t.cfg.Referer != "" {
		req.Header.Set("Referer", t.cfg.Referer)
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch code := httpResp.StatusCode; {
	case (code == http.StatusForbidden || code == http.StatusTooManyRequests) && kind == fetchImage:
		httphelpers.DrainAndClose(httpResp)
		return nil, fmt.Errorf("%w: status %d", ErrImageRefused, code)
	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		httphelpers.DrainAndClose(httpResp)
		t.rejectStreak++
		if t.rejectStreak >= rejectStreakBlock {
			return nil, fmt.Errorf("%w: %d consecutive %d responses", ErrBlocked, t.rejectStreak, code)
		}
		return nil, &statusError{code: code}
	case code == http.StatusNotFound || code == http.StatusGone:
		httphelpers.DrainAndClose(httpResp)
		if kind == fetchPage {
			t.rejectStreak = 0
		}
		return nil, ErrNotFound
	case code < 200 || code > 299:
		httphelpers.DrainAndClose(httpResp)
		return nil, &statusError{code: code}
	}
	limit := int64(maxImageBytes)
	if kind == fetchPage {
		t.rejectStreak = 0
		limit = maxPageBytes
	}

	body, err := httphelpers.ReadBody(httpResp, limit)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{
		StatusCode:  httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        body,
		URL:         httpResp.Request.URL,
	}, nil
}

func (t *Transport) warmup(ctx context.Context) error {
	if t.cfg.WarmupURL == "" {
		return nil
	}
	t.warmMu.Lock()
	defer t.warmMu.Unlock()
	if t.warmed {
		return nil
	}

	_, err := t.do(ctx, t.cfg.WarmupURL, fetchPage)
	if errors.Is(err, ErrBlocked) {
		return err
	}
	if err != nil {
		// a failed warmup only costs cookies; searches may still work
		t.log.Debug().Err(err).Msg("warmup request failed")
	}
	t.warmed = true
	return nil
}

// Close releases idle connections.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}
