// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/domain"
)

const browserNavigateTimeout = 30 * time.Second

// challenge markers served instead of results when a site wants a human
var challengeMarkers = []string{
	"cf-challenge",
	"challenge-platform",
	"just a moment...",
	"attention required!",
}

// BrowserProvider renders the search page in headless Chrome before extracting images.
// The browser is started on the first search and released by Close.
type BrowserProvider struct {
	cfg       domain.ProviderConfig
	extractor *extractor
	validator *ImageValidator
	log       zerolog.Logger

	mu           sync.Mutex
	browser      *rod.Browser
	launcher     *launcher.Launcher
	rejectStreak int
}

// NewBrowserProvider builds the adapter. t is only used to validate candidates.
func NewBrowserProvider(cfg domain.ProviderConfig, t *Transport, opts Options) (*BrowserProvider, error) {
	ex, err := newExtractor(cfg)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.Tag, err)
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultMaxCandidates
	}
	p := &BrowserProvider{
		cfg:       cfg,
		extractor: ex,
		log:       log.With().Str("provider", cfg.Tag).Logger(),
	}
	if cfg.ValidateImages && t != nil {
		p.validator = NewImageValidator(t, opts.MinImageBytes)
	}
	return p, nil
}

func (p *BrowserProvider) Tag() string    { return p.cfg.Tag }
func (p *BrowserProvider) Family() string { return p.cfg.Family }

func (p *BrowserProvider) ensureBrowser() (*rod.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browser != nil {
		return p.browser, nil
	}

	controlURL := p.cfg.BrowserControlURL
	if controlURL == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
		p.launcher = l
		p.log.Debug().Str("url", u).Msg("launched headless browser")
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if p.launcher != nil {
			p.launcher.Kill()
			p.launcher = nil
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	p.browser = b
	return b, nil
}

func (p *BrowserProvider) render(ctx context.Context, pageURL string) (string, error) {
	b, err := p.ensureBrowser()
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return "", fmt.Errorf("open tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, browserNavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return "", fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		p.log.Debug().Err(err).Str("url", pageURL).Msg("wait load timed out, reading partial page")
	}
	return page.Context(navCtx).HTML()
}

func isChallenge(html string) bool {
	lower := strings.ToLower(html)
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func (p *BrowserProvider) Search(ctx context.Context, q Query) Result {
	term, code := SearchTerm(q, p.cfg.Family)
	if term == "" {
		return NotFound()
	}
	searchURL := ExpandTemplate(p.cfg.SearchURL, term, code)

	html, err := p.render(ctx, searchURL)
	if err != nil {
		return Transient(err)
	}
	if isChallenge(html) {
		p.rejectStreak++
		if p.rejectStreak >= rejectStreakBlock {
			return Blocked(fmt.Errorf("%w: %d consecutive challenge pages", ErrBlocked, p.rejectStreak))
		}
		return Transient(fmt.Errorf("challenge page for %s", searchURL))
	}
	p.rejectStreak = 0

	base, _ := url.Parse(searchURL)
	urls, err := p.extractor.extract([]byte(html), base, term)
	if err != nil {
		return Transient(err)
	}
	return finish(ctx, urls, q, p.cfg.MaxCandidates, p.validator)
}

func (p *BrowserProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.browser != nil {
		err = p.browser.Close()
		p.browser = nil
	}
	if p.launcher != nil {
		p.launcher.Kill()
		p.launcher = nil
	}
	return err
}
