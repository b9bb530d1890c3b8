// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/htmlquery"
	"github.com/autobrr/coverscout/pkg/stringutils"
	"github.com/autobrr/coverscout/pkg/titles"
)

const defaultMaxCandidates = 5

// Options are the settings shared by every provider built from one config.
type Options struct {
	UserAgent     string
	Timeout       int
	Retries       int
	MinImageBytes int
}

// SearchTerm picks what to type into a provider's search box: a code of the provider's
// family when there is one, otherwise any code, otherwise the cleaned release title.
func SearchTerm(q Query, family string) (string, *Code) {
	for i := range q.Codes {
		if family == "" || strings.EqualFold(q.Codes[i].Family, family) {
			c := q.Codes[i]
			return c.String(), &c
		}
	}
	return cleanTitle(q.Title), nil
}

var titleParser = titles.NewParser()

// cleanTitle strips release noise so sites with a plain text search have a chance.
func cleanTitle(title string) string {
	return titleParser.SearchText(title)
}

// ExpandTemplate fills {query}, {path_query}, {code}, {code_lower}, {prefix} and {number}.
func ExpandTemplate(tpl, term string, code *Code) string {
	pairs := []string{
		"{query}", url.QueryEscape(term),
		"{path_query}", url.PathEscape(term),
	}
	if code != nil {
		pairs = append(pairs,
			"{code}", code.String(),
			"{code_lower}", strings.ToLower(code.String()),
			"{prefix}", code.Prefix,
			"{prefix_lower}", strings.ToLower(code.Prefix),
			"{number}", code.Number,
		)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// extractor pulls candidate image URLs out of a search result page.
type extractor struct {
	sel         *htmlquery.Selector
	imageAttr   string
	captionAttr string
}

func newExtractor(cfg domain.ProviderConfig) (*extractor, error) {
	sel, err := htmlquery.Compile(cfg.ImageSelector)
	if err != nil {
		return nil, err
	}
	e := &extractor{sel: sel, imageAttr: cfg.ImageAttr, captionAttr: cfg.CaptionAttr}
	if e.imageAttr == "" {
		e.imageAttr = "src"
	}
	if e.captionAttr == "" {
		e.captionAttr = "alt"
	}
	return e, nil
}

type candidate struct {
	url   string
	rank  int
	index int
}

// extract returns absolute candidate URLs, the ones whose caption fuzzily contains needle first.
func (e *extractor) extract(page []byte, base *url.URL, needle string) ([]string, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	var cands []candidate
	e.sel.All(doc.Selection).Each(func(i int, n *goquery.Selection) {
		raw := htmlquery.Attr(n, e.imageAttr)
		if raw == "" || strings.HasPrefix(raw, "data:") {
			// lazy-loading pages keep the real URL in data-src
			raw = htmlquery.Attr(n, "data-src")
		}
		if raw == "" || strings.HasPrefix(raw, "data:") {
			return
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return
		}
		abs := ref.String()
		if base != nil {
			abs = base.ResolveReference(ref).String()
		}

		caption := htmlquery.Attr(n, e.captionAttr)
		if caption == "" {
			caption = htmlquery.Text(n)
		}
		rank := -1
		if needle != "" && caption != "" {
			rank = fuzzy.RankMatchNormalizedFold(stringutils.NormalizeForMatching(needle), stringutils.NormalizeForMatching(caption))
		}
		cands = append(cands, candidate{url: abs, rank: rank, index: i})
	})

	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case a.rank >= 0 && b.rank < 0:
			return -1
		case a.rank < 0 && b.rank >= 0:
			return 1
		case a.rank >= 0 && b.rank >= 0 && a.rank != b.rank:
			return a.rank - b.rank
		default:
			return a.index - b.index
		}
	})

	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.url
	}
	return out, nil
}

// HTMLProvider searches a site's result page and returns the images it lists.
type HTMLProvider struct {
	cfg       domain.ProviderConfig
	transport *Transport
	validator *ImageValidator
	extractor *extractor
	log       zerolog.Logger
}

func NewHTMLProvider(cfg domain.ProviderConfig, t *Transport, opts Options) (*HTMLProvider, error) {
	ex, err := newExtractor(cfg)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.Tag, err)
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultMaxCandidates
	}
	p := &HTMLProvider{
		cfg:       cfg,
		transport: t,
		extractor: ex,
		log:       log.With().Str("provider", cfg.Tag).Logger(),
	}
	if cfg.ValidateImages {
		p.validator = NewImageValidator(t, opts.MinImageBytes)
	}
	return p, nil
}

func (p *HTMLProvider) Tag() string    { return p.cfg.Tag }
func (p *HTMLProvider) Family() string { return p.cfg.Family }

func (p *HTMLProvider) Search(ctx context.Context, q Query) Result {
	term, code := SearchTerm(q, p.cfg.Family)
	if term == "" {
		return NotFound()
	}
	searchURL := ExpandTemplate(p.cfg.SearchURL, term, code)

	resp, err := p.transport.Get(ctx, searchURL)
	if err != nil {
		p.log.Debug().Err(err).Str("term", term).Msg("search request failed")
		return FromError(err)
	}

	urls, err := p.extractor.extract(resp.Body, resp.URL, term)
	if err != nil {
		return Transient(err)
	}
	return finish(ctx, urls, q, p.cfg.MaxCandidates, p.validator)
}

// finish applies the blocklist, exclusions, optional validation and the candidate cap.
func finish(ctx context.Context, urls []string, q Query, limit int, v *ImageValidator) Result {
	urls = FilterCandidates(urls, q.ExcludeHosts)
	if v != nil {
		valid, err := v.FirstValid(ctx, urls, limit)
		if err != nil && len(valid) == 0 {
			return FromError(err)
		}
		urls = valid
	}
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}
	if len(urls) == 0 {
		return NotFound()
	}
	return OK(urls)
}

func (p *HTMLProvider) Close() error {
	p.transport.Close()
	return nil
}
