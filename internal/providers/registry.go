// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package providers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/pkg/timeouts"
)

// Build constructs the enabled providers in configuration order.
func Build(cfg *domain.Config) ([]Provider, error) {
	opts := Options{
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.HTTPTimeoutSeconds,
		Retries:       cfg.HTTPRetries,
		MinImageBytes: cfg.MinImageBytes,
	}

	var (
		out  []Provider
		errs []error
	)
	for _, pc := range cfg.Providers {
		if !cfg.ProviderEnabled(pc.Tag) {
			continue
		}
		p, err := New(pc, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}

	if err := errors.Join(errs...); err != nil {
		CloseAll(out)
		return nil, err
	}

	log.Info().Int("providers", len(out)).Msg("image providers ready")
	return out, nil
}

// New builds one provider from its configuration.
func New(pc domain.ProviderConfig, opts Options) (Provider, error) {
	referer := pc.Referer
	if referer == "" {
		referer = pc.BaseURL
	}
	tc := TransportConfig{
		UserAgent:         opts.UserAgent,
		Referer:           referer,
		Timeout:           timeouts.RequestTimeout(opts.Timeout),
		Retries:           opts.Retries,
		RetryDelay:        500 * time.Millisecond,
		RequestsPerSecond: pc.RequestsPerSecond,
	}
	if pc.Warmup {
		tc.WarmupURL = pc.BaseURL
	}
	t, err := NewTransport(pc.Tag, tc)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", pc.Tag, err)
	}

	switch strings.ToLower(pc.Kind) {
	case domain.ProviderKindHTML:
		return NewHTMLProvider(pc, t, opts)
	case domain.ProviderKindPattern:
		return NewPatternProvider(pc, t, opts)
	case domain.ProviderKindBrowser:
		return NewBrowserProvider(pc, t, opts)
	default:
		return nil, fmt.Errorf("provider %q: unknown kind %q", pc.Tag, pc.Kind)
	}
}

// CloseAll releases every provider, logging failures.
func CloseAll(ps []Provider) {
	for _, p := range ps {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Str("provider", p.Tag()).Msg("failed to close provider")
		}
	}
}

// Tags returns the tags of ps in order.
func Tags(ps []Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Tag()
	}
	return out
}
