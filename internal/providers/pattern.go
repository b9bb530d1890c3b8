// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/autobrr/coverscout/internal/domain"
)

// PatternProvider guesses cover URLs from URL templates keyed on a title's code and keeps
// the ones that serve a real image.
type PatternProvider struct {
	cfg       domain.ProviderConfig
	transport *Transport
	validator *ImageValidator
}

func NewPatternProvider(cfg domain.ProviderConfig, t *Transport, opts Options) (*PatternProvider, error) {
	if len(cfg.URLTemplates) == 0 {
		return nil, fmt.Errorf("provider %q: no url templates", cfg.Tag)
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 1
	}
	return &PatternProvider{
		cfg:       cfg,
		transport: t,
		validator: NewImageValidator(t, opts.MinImageBytes),
	}, nil
}

func (p *PatternProvider) Tag() string    { return p.cfg.Tag }
func (p *PatternProvider) Family() string { return p.cfg.Family }

func needsCode(tpl string) bool {
	for _, ph := range []string{"{code}", "{code_lower}", "{prefix}", "{prefix_lower}", "{number}"} {
		if strings.Contains(tpl, ph) {
			return true
		}
	}
	return false
}

// Candidates expands every template for q; templates that need a code are skipped when
// the title has none.
func (p *PatternProvider) Candidates(q Query) []string {
	term, code := SearchTerm(q, p.cfg.Family)

	var urls []string
	for _, tpl := range p.cfg.URLTemplates {
		if code == nil && needsCode(tpl) {
			continue
		}
		urls = append(urls, ExpandTemplate(tpl, term, code))
	}
	return urls
}

func (p *PatternProvider) Search(ctx context.Context, q Query) Result {
	urls := p.Candidates(q)
	if len(urls) == 0 {
		return NotFound()
	}
	return finish(ctx, urls, q, p.cfg.MaxCandidates, p.validator)
}

func (p *PatternProvider) Close() error {
	p.transport.Close()
	return nil
}
