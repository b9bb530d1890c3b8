// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/coverscout/internal/domain"
	"github.com/autobrr/coverscout/internal/providers"
)

const listingPage = `<html><body>
<table class="listing">
<tr class="header"><th>Name</th></tr>
<tr class="row">
  <td class="cat"><a href="/c/video">Video</a></td>
  <td class="name"><a class="title" href="/view/1001">ABC-123 First Title</a><span class="tag">Drama</span><span class="tag">HD</span></td>
  <td><a class="dl" href="/download/1001.torrent">dl</a> <a class="mag" href="magnet:?xt=urn:btih:C12FE1C06BBA254A9DC9F519B335AA7C1367A88A&dn=first">m</a></td>
  <td class="size">1.4 GiB</td>
  <td class="date">2024-03-01 12:30</td>
  <td class="seed">1,234</td>
  <td class="leech">56</td>
  <td class="done">2.5K</td>
</tr>
<tr class="row">
  <td class="cat">Video</td>
  <td class="name"><a class="title" href="/no-id-here">Second Title</a></td>
  <td><a class="mag" href="magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567">m</a></td>
  <td class="size">700 MB</td>
  <td class="date">not a date</td>
  <td class="seed">-</td>
  <td class="leech"></td>
  <td class="done">3</td>
</tr>
<tr class="row"><td class="name"></td></tr>
</table>
</body></html>`

func testSourceConfig(base string) domain.SourceConfig {
	return domain.SourceConfig{
		Key:         "demo",
		Site:        "D",
		BaseURL:     base,
		ListURL:     base + "/list?p={page}&s={sort}&o={order}",
		SearchURL:   base + "/search?q={query}&p={page}",
		RowSelector: "table.listing tr.row",
		Fields: map[string]string{
			"title":     "a.title",
			"link":      "a.title@href",
			"torrent":   "a.dl@href",
			"magnet":    "a.mag@href",
			"size":      "td.size",
			"date":      "td.date",
			"seeders":   "td.seed",
			"leechers":  "td.leech",
			"downloads": "td.done",
			"category":  "td.cat",
			"genres":    "span.tag",
		},
		IDPattern:  `/view/(\d+)`,
		DateLayout: "2006-01-02 15:04",
		Censored:   "yes",
	}
}

func newTestTable(t *testing.T, cfg domain.SourceConfig) *HTMLTable {
	t.Helper()
	tr, err := providers.NewTransport(cfg.Key, providers.TransportConfig{RetryDelay: time.Millisecond})
	require.NoError(t, err)
	src, err := NewHTMLTable(cfg, tr)
	require.NoError(t, err)
	t.Cleanup(src.Close)
	return src
}

func TestHTMLTable_FetchPage(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		requested []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requested = append(requested, r.URL.RequestURI())
		mu.Unlock()
		if r.URL.Query().Get("p") == "1" {
			_, _ = w.Write([]byte(listingPage))
			return
		}
		_, _ = w.Write([]byte(`<html><body><table class="listing"></table></body></html>`))
	}))
	defer srv.Close()

	src := newTestTable(t, testSourceConfig(srv.URL))
	ctx := t.Context()

	recs, err := src.FetchPage(ctx, 1, "seeders", "desc", "")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	assert.Equal(t, "D", first.SourceSite)
	assert.Equal(t, "1001", first.SourceID)
	assert.Equal(t, "ABC-123 First Title", first.Title)
	assert.Equal(t, srv.URL+"/download/1001.torrent", first.TorrentLink)
	assert.Equal(t, int64(1503238553), first.SizeBytes)
	assert.Equal(t, "1.4 GiB", first.SizeText)
	assert.Equal(t, int64(1234), first.Seeders)
	assert.Equal(t, int64(56), first.Leechers)
	assert.Equal(t, int64(2500), first.Downloads)
	assert.Equal(t, "Video", first.Category)
	assert.Equal(t, "yes", first.Censored)
	assert.Equal(t, []string{"Drama", "HD"}, first.Genres)
	require.NotNil(t, first.UploadDate)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), *first.UploadDate)

	second := recs[1]
	// no id in the link: the magnet infohash is the stable id
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", second.SourceID)
	assert.Equal(t, srv.URL+"/no-id-here", second.TorrentLink)
	assert.Equal(t, int64(700000000), second.SizeBytes)
	assert.Zero(t, second.Seeders)
	assert.Nil(t, second.UploadDate)

	recs, err = src.FetchPage(ctx, 2, "", "", "")
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = src.FetchPage(ctx, 1, "", "", "abc 123")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/list?p=1&s=seeders&o=desc",
		"/list?p=2&s=&o=",
		"/search?q=abc+123&p=1",
	}, requested)
}

func TestHTMLTable_FetchPageErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	src := newTestTable(t, testSourceConfig(srv.URL))
	_, err := src.FetchPage(t.Context(), 1, "", "", "")
	require.ErrorIs(t, err, providers.ErrNotFound)
}

func TestNewHTMLTable_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	tr, err := providers.NewTransport("x", providers.TransportConfig{})
	require.NoError(t, err)
	defer tr.Close()

	cfg := testSourceConfig("https://example.invalid")
	cfg.Fields = map[string]string{"title": "a", "bogus": "b"}
	_, err = NewHTMLTable(cfg, tr)
	require.Error(t, err)

	cfg = testSourceConfig("https://example.invalid")
	cfg.IDPattern = "("
	_, err = NewHTMLTable(cfg, tr)
	require.Error(t, err)

	cfg = testSourceConfig("https://example.invalid")
	delete(cfg.Fields, "title")
	_, err = NewHTMLTable(cfg, tr)
	require.Error(t, err)
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	sizes := map[string]int64{
		"700 MB":   700000000,
		"1.5GiB":   1610612736,
		"1,024 KB": 1024000,
		"":         0,
		"huge":     0,
	}
	for in, want := range sizes {
		assert.Equal(t, want, ParseSize(in), in)
	}

	counts := map[string]int64{
		"1,234": 1234,
		"12":    12,
		"-":     0,
		"":      0,
		"1.2K":  1200,
		"2.5M":  2500000,
		"-5":    0,
		"junk":  0,
	}
	for in, want := range counts {
		assert.Equal(t, want, ParseCount(in), in)
	}

	ts, ok := ParseDate("2024-01-02", "")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), ts)

	ts, ok = ParseDate("1700000000", "")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), ts.Unix())

	_, ok = ParseDate("yesterday", "")
	assert.False(t, ok)

	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", InfoHash("magnet:?xt=urn:btih:C12FE1C06BBA254A9DC9F519B335AA7C1367A88A"))
	assert.Empty(t, InfoHash("https://example/file.torrent"))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	cfg := &domain.Config{
		HTTPTimeoutSeconds: 5,
		Sources: []domain.SourceConfig{
			testSourceConfig("https://one.example"),
		},
	}
	second := testSourceConfig("https://two.example")
	second.Key = "other"
	second.AutoScrape = true
	second.MaxPages = 3
	cfg.Sources = append(cfg.Sources, second)

	reg, err := NewRegistry(cfg)
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"demo", "other"}, reg.Keys())
	src, err := reg.Get("other")
	require.NoError(t, err)
	assert.Equal(t, "D", src.Site())

	info, ok := reg.Info("other")
	require.True(t, ok)
	assert.True(t, info.AutoScrape)
	assert.Equal(t, 3, info.MaxPages)

	_, err = reg.Get("missing")
	require.ErrorIs(t, err, ErrUnknownSource)

	cfg.Sources[0].RowSelector = "a >"
	_, err = NewRegistry(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("%q", "demo"))
}
