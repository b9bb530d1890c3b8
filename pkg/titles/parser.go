// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package titles turns release names into text a plain search box can match.
package titles

import (
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/moistari/rls"

	"github.com/autobrr/coverscout/pkg/stringutils"
)

// ParsedTitle is the part of a release name useful to a search
type ParsedTitle struct {
	Title      string `json:"title,omitempty"`
	Year       int    `json:"year,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Group      string `json:"group,omitempty"`
}

// Parser handles parsing of release names with caching
type Parser struct {
	cache *ttlcache.Cache[string, ParsedTitle]
}

// NewParser creates a new title parser with TTL cache
func NewParser() *Parser {
	return &Parser{
		cache: ttlcache.New(ttlcache.Options[string, ParsedTitle]{}.SetDefaultTTL(5 * time.Minute)),
	}
}

// Parse runs rls over name. Results are cached because a listing page repeats names
// across retries and rehomed jobs.
func (p *Parser) Parse(name string) ParsedTitle {
	if cached, found := p.cache.Get(name); found {
		return cached
	}

	release := rls.ParseString(name)
	parsed := ParsedTitle{
		Title:      strings.TrimSpace(release.Title),
		Year:       release.Year,
		Resolution: release.Resolution,
		Group:      release.Group,
	}

	p.cache.Set(name, parsed, ttlcache.DefaultTTL)
	return parsed
}

// SearchText strips release noise (resolution, codecs, group) and keeps the title and
// year. Names rls cannot find a title in are returned whitespace-normalized.
func (p *Parser) SearchText(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	parsed := p.Parse(name)
	term := parsed.Title
	if term == "" {
		term = name
	}
	if parsed.Year > 0 && !strings.Contains(term, strconv.Itoa(parsed.Year)) {
		term += " " + strconv.Itoa(parsed.Year)
	}
	return strings.Join(strings.Fields(stringutils.NormalizeUnicode(term)), " ")
}
