// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/htmlquery"
	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/providers"
)

// Field names understood in SourceConfig.Fields.
const (
	FieldID        = "id"
	FieldTitle     = "title"
	FieldLink      = "link"
	FieldMagnet    = "magnet"
	FieldTorrent   = "torrent"
	FieldSize      = "size"
	FieldSeeders   = "seeders"
	FieldLeechers  = "leechers"
	FieldDownloads = "downloads"
	FieldComments  = "comments"
	FieldViews     = "views"
	FieldDate      = "date"
	FieldCategory  = "category"
	FieldGenres    = "genres"
)

var knownFields = map[string]struct{}{
	FieldID: {}, FieldTitle: {}, FieldLink: {}, FieldMagnet: {}, FieldTorrent: {}, FieldSize: {},
	FieldSeeders: {}, FieldLeechers: {}, FieldDownloads: {}, FieldComments: {}, FieldViews: {},
	FieldDate: {}, FieldCategory: {}, FieldGenres: {},
}

var fallbackDateLayouts = []string{
	time.RFC3339,
	time.DateTime,
	"2006-01-02 15:04",
	time.DateOnly,
	"02/01/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// HTMLTable reads a listing whose rows are matched by a selector and whose columns are
// described by field rules.
type HTMLTable struct {
	cfg       domain.SourceConfig
	site      string
	transport *providers.Transport
	rows      *htmlquery.Selector
	fields    map[string]*htmlquery.Field
	idPattern *regexp.Regexp
	log       zerolog.Logger
}

func NewHTMLTable(cfg domain.SourceConfig, t *providers.Transport) (*HTMLTable, error) {
	rows, err := htmlquery.Compile(cfg.RowSelector)
	if err != nil {
		return nil, fmt.Errorf("source %q: rowSelector: %w", cfg.Key, err)
	}

	s := &HTMLTable{
		cfg:       cfg,
		site:      cfg.Site,
		transport: t,
		rows:      rows,
		fields:    make(map[string]*htmlquery.Field, len(cfg.Fields)),
		log:       log.With().Str("source", cfg.Key).Logger(),
	}
	if s.site == "" {
		s.site = cfg.Key
	}

	for name, spec := range cfg.Fields {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := knownFields[name]; !ok {
			return nil, fmt.Errorf("source %q: unknown field %q", cfg.Key, name)
		}
		f, err := htmlquery.CompileField(spec)
		if err != nil {
			return nil, fmt.Errorf("source %q: field %s: %w", cfg.Key, name, err)
		}
		s.fields[name] = f
	}
	if s.fields[FieldTitle] == nil {
		return nil, fmt.Errorf("source %q: fields.title is required", cfg.Key)
	}

	if cfg.IDPattern != "" {
		re, err := regexp.Compile(cfg.IDPattern)
		if err != nil {
			return nil, fmt.Errorf("source %q: idPattern: %w", cfg.Key, err)
		}
		s.idPattern = re
	}
	return s, nil
}

func (s *HTMLTable) Key() string  { return s.cfg.Key }
func (s *HTMLTable) Site() string { return s.site }

func (s *HTMLTable) Close() {
	s.transport.Close()
}

// PageURL expands the listing (or search, when query is set) template for page.
func (s *HTMLTable) PageURL(page int, sort, order, query string) string {
	tpl := s.cfg.ListURL
	if query != "" && s.cfg.SearchURL != "" {
		tpl = s.cfg.SearchURL
	}
	return strings.NewReplacer(
		"{page}", strconv.Itoa(page),
		"{sort}", url.QueryEscape(sort),
		"{order}", url.QueryEscape(order),
		"{query}", url.QueryEscape(query),
	).Replace(tpl)
}

func (s *HTMLTable) FetchPage(ctx context.Context, page int, sort, order, query string) ([]models.TorrentInput, error) {
	pageURL := s.PageURL(page, sort, order, query)

	resp, err := s.transport.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s page %d: %w", s.cfg.Key, page, err)
	}

	doc, err := htmlquery.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s page %d: %w", s.cfg.Key, page, err)
	}

	base := resp.URL
	if s.cfg.BaseURL != "" {
		if u, err := url.Parse(s.cfg.BaseURL); err == nil {
			base = u
		}
	}

	var out []models.TorrentInput
	s.rows.All(doc.Selection).Each(func(_ int, row *goquery.Selection) {
		if rec, ok := s.parseRow(row, base); ok {
			out = append(out, rec)
		}
	})

	s.log.Debug().Int("page", page).Int("records", len(out)).Str("url", pageURL).Msg("listing page parsed")
	return out, nil
}

func (s *HTMLTable) value(name string, row *goquery.Selection) string {
	f := s.fields[name]
	if f == nil {
		return ""
	}
	return f.Value(row)
}

func (s *HTMLTable) parseRow(row *goquery.Selection, base *url.URL) (models.TorrentInput, bool) {
	title := s.value(FieldTitle, row)
	if title == "" {
		return models.TorrentInput{}, false
	}

	rec := models.TorrentInput{
		SourceSite:  s.site,
		Title:       title,
		Magnet:      s.value(FieldMagnet, row),
		TorrentLink: resolve(base, s.value(FieldTorrent, row)),
		SizeText:    s.value(FieldSize, row),
		Category:    s.value(FieldCategory, row),
		Censored:    s.cfg.Censored,
		Country:     s.cfg.Country,
		Seeders:     ParseCount(s.value(FieldSeeders, row)),
		Leechers:    ParseCount(s.value(FieldLeechers, row)),
		Downloads:   ParseCount(s.value(FieldDownloads, row)),
		Comments:    ParseCount(s.value(FieldComments, row)),
		Views:       ParseCount(s.value(FieldViews, row)),
	}
	if rec.SizeText != "" {
		rec.SizeBytes = ParseSize(rec.SizeText)
	}
	if raw := s.value(FieldDate, row); raw != "" {
		if t, ok := ParseDate(raw, s.cfg.DateLayout); ok {
			rec.UploadDate = &t
		} else {
			s.log.Trace().Str("date", raw).Msg("unparseable upload date")
		}
	}
	if f := s.fields[FieldGenres]; f != nil {
		rec.Genres = f.Values(row)
	}

	link := resolve(base, s.value(FieldLink, row))
	rec.SourceID = s.sourceID(row, link, rec.Magnet)
	if rec.TorrentLink == "" {
		rec.TorrentLink = link
	}
	return rec, true
}

// sourceID prefers an explicit id field, then idPattern over the detail link, then the
// magnet infohash, then the link itself.
func (s *HTMLTable) sourceID(row *goquery.Selection, link, magnet string) string {
	if id := s.value(FieldID, row); id != "" {
		return id
	}
	if s.idPattern != nil && link != "" {
		m := s.idPattern.FindStringSubmatch(link)
		switch {
		case len(m) > 1 && m[1] != "":
			return m[1]
		case len(m) == 1:
			return m[0]
		}
	}
	if hash := InfoHash(magnet); hash != "" {
		return hash
	}
	return link
}

func resolve(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

// InfoHash returns the lower-case hex infohash of a magnet link, or "".
func InfoHash(magnet string) string {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(magnet)), "magnet:") {
		return ""
	}
	m, err := metainfo.ParseMagnetUri(strings.TrimSpace(magnet))
	if err != nil {
		return ""
	}
	return strings.ToLower(m.InfoHash.HexString())
}

// ParseSize converts listing size text such as "1.4 GiB" or "700 MB" to bytes.
func ParseSize(text string) int64 {
	text = strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	if text == "" {
		return 0
	}
	n, err := humanize.ParseBytes(text)
	if err != nil || n > uint64(1<<62) {
		return 0
	}
	return int64(n)
}

// ParseCount reads a counter cell: "1,234", "1.2k", "-" or empty.
func ParseCount(text string) int64 {
	text = strings.Join(strings.Fields(strings.ReplaceAll(text, ",", "")), "")
	if text == "" || text == "-" {
		return 0
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return max(n, 0)
	}
	// SI prefixes are case sensitive: k is kilo, M is mega, m would be milli
	v, _, err := humanize.ParseSI(strings.ReplaceAll(strings.TrimSuffix(text, "+"), "K", "k"))
	if err != nil || v < 0 {
		return 0
	}
	return int64(math.Round(v))
}

// ParseDate parses raw with layout, or with a few common layouts when layout is empty.
// Times without a zone are taken as UTC.
func ParseDate(raw, layout string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	layouts := fallbackDateLayouts
	if layout != "" {
		layouts = []string{layout}
	}
	for _, l := range layouts {
		if t, err := time.ParseInLocation(l, raw, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}
