// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/coverscout/internal/events"
	"github.com/autobrr/coverscout/internal/events/eventstest"
	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/sources"
	"github.com/autobrr/coverscout/internal/testdb"
	"github.com/autobrr/coverscout/internal/writer"
)

type fakeSource struct {
	key  string
	site string

	mu      sync.Mutex
	pages   map[int][]models.TorrentInput
	errs    map[int]error
	gates   map[int]chan struct{}
	fetched []int
	entered chan int
}

func newFakeSource(key, site string) *fakeSource {
	return &fakeSource{
		key:     key,
		site:    site,
		pages:   make(map[int][]models.TorrentInput),
		errs:    make(map[int]error),
		gates:   make(map[int]chan struct{}),
		entered: make(chan int, 64),
	}
}

// withPage fills page with n records whose ids start at first.
func (f *fakeSource) withPage(page, first, n int, seeders int64) *fakeSource {
	recs := make([]models.TorrentInput, n)
	for i := range recs {
		id := first + i
		recs[i] = models.TorrentInput{
			SourceSite: f.site,
			SourceID:   fmt.Sprintf("id-%d", id),
			Title:      fmt.Sprintf("ABC-%03d record %d", id, id),
			Seeders:    seeders,
		}
	}
	f.mu.Lock()
	f.pages[page] = recs
	f.mu.Unlock()
	return f
}

func (f *fakeSource) gate(page int) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[page] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeSource) Key() string  { return f.key }
func (f *fakeSource) Site() string { return f.site }
func (f *fakeSource) Close()       {}

func (f *fakeSource) FetchPage(ctx context.Context, page int, _, _, _ string) ([]models.TorrentInput, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, page)
	gate := f.gates[page]
	recs := f.pages[page]
	err := f.errs[page]
	f.mu.Unlock()

	f.entered <- page
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return recs, err
}

func (f *fakeSource) Fetched() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.fetched...)
}

type countingStore struct {
	*models.TorrentStore
	loads atomic.Int32
}

func (c *countingStore) SourceIDs(ctx context.Context, site string) (map[string]struct{}, error) {
	c.loads.Add(1)
	return c.TorrentStore.SourceIDs(ctx, site)
}

type env struct {
	store    *countingStore
	writer   *writer.Writer
	events   *eventstest.Recorder
	registry *sources.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testdb.Open(t, "scrape")
	rec := &eventstest.Recorder{}
	w := writer.New(db, rec, writer.DefaultConfig())
	w.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Shutdown(ctx)
	})
	return &env{
		store:    &countingStore{TorrentStore: models.NewTorrentStore(db)},
		writer:   w,
		events:   rec,
		registry: &sources.Registry{},
	}
}

func (e *env) service(maxPages int, srcs ...*fakeSource) *Service {
	for _, src := range srcs {
		e.registry.Add(src, sources.Info{})
	}
	return NewService(Config{MaxPages: maxPages}, e.registry, e.store, e.writer, e.events)
}

func (e *env) count(t *testing.T, site string) int {
	t.Helper()
	ids, err := e.store.TorrentStore.SourceIDs(t.Context(), site)
	require.NoError(t, err)
	return len(ids)
}

func runScrape(t *testing.T, s *Service, req Request) Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	sum, err := s.Run(ctx, req)
	require.NoError(t, err)
	return sum
}

func TestScrape_WalksPagesUntilEmpty(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := newFakeSource("demo", "D").
		withPage(1, 1, 5, 10).
		withPage(2, 6, 5, 10).
		withPage(3, 11, 2, 10)

	var reported []Progress
	s := e.service(10, src)
	sum := runScrape(t, s, Request{Source: "demo", Progress: func(p Progress) { reported = append(reported, p) }})

	assert.Equal(t, 12, sum.Added)
	assert.Zero(t, sum.Updated)
	assert.Zero(t, sum.Seen)
	assert.Equal(t, 3, sum.Pages)
	assert.False(t, sum.Stopped)
	assert.Equal(t, []int{1, 2, 3, 4}, src.Fetched())
	assert.Equal(t, 12, e.count(t, "D"))

	require.Len(t, reported, 3)
	assert.Equal(t, []int{10, 20, 30}, []int{reported[0].Percent, reported[1].Percent, reported[2].Percent})

	progress := eventstest.Payloads[events.ScrapeProgressPayload](e.events, events.ScrapeProgress)
	require.Len(t, progress, 3)
	assert.Equal(t, 30, progress[2].Percent)

	finished := eventstest.Payloads[events.ScrapeFinishedPayload](e.events, events.ScrapeFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, events.ScrapeFinishedPayload{Source: "demo", Added: 12, Pages: 3}, finished[0])

	for _, b := range eventstest.Payloads[events.BatchCompletedPayload](e.events, events.BatchCompleted) {
		assert.Equal(t, "demo", b.Tag)
	}

	types := e.events.Types()
	assert.Equal(t, events.ScrapeStarted, types[0])
	assert.Equal(t, events.ScrapeFinished, types[len(types)-1])

	last, ok := s.LastSummary("demo")
	require.True(t, ok)
	assert.Equal(t, sum, last)
	assert.False(t, s.Running("demo"))
}

func TestScrape_ReobservedRecordsAreUpdates(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := newFakeSource("demo", "D").withPage(1, 1, 4, 10)
	s := e.service(5, src)

	first := runScrape(t, s, Request{Source: "demo"})
	assert.Equal(t, 4, first.Added)

	// two records get new counters, two are unchanged
	src.withPage(1, 1, 2, 200)
	src.mu.Lock()
	src.pages[1] = append(src.pages[1], models.TorrentInput{SourceSite: "D", SourceID: "id-3", Title: "ABC-003 record 3", Seeders: 10})
	src.pages[1] = append(src.pages[1], models.TorrentInput{SourceSite: "D", SourceID: "id-4", Title: "ABC-004 record 4", Seeders: 10})
	src.mu.Unlock()

	second := runScrape(t, s, Request{Source: "demo"})
	assert.Zero(t, second.Added)
	assert.Equal(t, 2, second.Updated)
	assert.Equal(t, 2, second.Duplicate)
	assert.Equal(t, 4, second.Seen)
	assert.Equal(t, 4, e.count(t, "D"))

	// the seen set is loaded once per site
	assert.Equal(t, int32(1), e.store.loads.Load())

	batches := eventstest.Payloads[events.BatchCompletedPayload](e.events, events.BatchCompleted)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, 4, b.Added+b.Updated+b.Duplicate)
	}
}

func TestScrape_DuplicateIDWithinPage(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := newFakeSource("demo", "D")
	src.pages[1] = []models.TorrentInput{
		{SourceSite: "D", SourceID: "x", Title: "first", Seeders: 1},
		{SourceSite: "D", SourceID: "x", Title: "first", Seeders: 5},
	}

	sum := runScrape(t, e.service(1, src), Request{Source: "demo"})
	assert.Equal(t, 1, sum.Added)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 1, sum.Seen)
	assert.Equal(t, 1, e.count(t, "D"))
}

func TestScrape_FailedRecordsReloadSeenSet(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := newFakeSource("demo", "D")
	src.pages[1] = []models.TorrentInput{
		{SourceSite: "D", SourceID: "ok", Title: "ABC-001 ok", Seeders: 1},
		{SourceSite: "D", SourceID: "bad", Title: "  "},
	}
	s := e.service(1, src)

	first := runScrape(t, s, Request{Source: "demo"})
	assert.Equal(t, 1, first.Added)
	assert.Equal(t, 1, first.Failed)

	// the rejected id must come back as an insert, not an update of a missing row
	src.mu.Lock()
	src.pages[1][1].Title = "ABC-002 fixed"
	src.mu.Unlock()

	second := runScrape(t, s, Request{Source: "demo"})
	assert.Equal(t, 1, second.Added)
	assert.Equal(t, 1, second.Duplicate)
	assert.Equal(t, 2, e.count(t, "D"))
	assert.Equal(t, int32(2), e.store.loads.Load())
}

func TestScrape_RespectsPageBound(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := newFakeSource("demo", "D")
	for p := 1; p <= 5; p++ {
		src.withPage(p, p*10, 2, 1)
	}
	s := e.service(100, src)

	sum := runScrape(t, s, Request{Source: "demo", MaxPages: 2})
	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, []int{1, 2}, src.Fetched())

	progress := eventstest.Payloads[events.ScrapeProgressPayload](e.events, events.ScrapeProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, 100, progress[1].Percent)
}

func TestScrape_StopDuringPageKeepsThatPage(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := newFakeSource("demo", "D").
		withPage(1, 1, 3, 1).
		withPage(2, 4, 3, 1).
		withPage(3, 7, 3, 1)
	release := src.gate(2)
	s := e.service(10, src)

	require.NoError(t, s.Start(t.Context(), Request{Source: "demo"}))

	waitEntered(t, src, 2)
	require.NoError(t, s.Stop("demo"))
	close(release)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	sum, err := s.Wait(ctx, "demo")
	require.NoError(t, err)

	assert.True(t, sum.Stopped)
	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, 6, sum.Added)
	assert.Equal(t, []int{1, 2}, src.Fetched())

	// pages up to the one in progress are committed once ScrapeFinished is out
	finished := eventstest.Payloads[events.ScrapeFinishedPayload](e.events, events.ScrapeFinished)
	require.Len(t, finished, 1)
	assert.True(t, finished[0].Stopped)
	assert.Equal(t, 6, e.count(t, "D"))
}

func TestScrape_CancelAbortsFetch(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := newFakeSource("demo", "D").withPage(1, 1, 3, 1).withPage(2, 4, 3, 1)
	src.gate(2)
	s := e.service(10, src)

	require.NoError(t, s.Start(t.Context(), Request{Source: "demo"}))
	waitEntered(t, src, 2)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Cancel(ctx))

	sum, ok := s.LastSummary("demo")
	require.True(t, ok)
	assert.True(t, sum.Stopped)
	assert.Equal(t, 1, sum.Pages)
	assert.Equal(t, 3, e.count(t, "D"))
	assert.Empty(t, e.events.OfType(events.ScrapeError))
}

func TestScrape_NetworkErrorAborts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	src := newFakeSource("demo", "D").withPage(1, 1, 2, 1).withPage(3, 10, 2, 1)
	src.errs[2] = errors.New("connection reset")
	s := e.service(10, src)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	sum, err := s.Run(ctx, Request{Source: "demo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, sum.Pages)
	assert.Equal(t, []int{1, 2}, src.Fetched())
	assert.Equal(t, 2, e.count(t, "D"))

	errs := eventstest.Payloads[events.ScrapeErrorPayload](e.events, events.ScrapeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "demo", errs[0].Source)
	assert.Len(t, e.events.OfType(events.ScrapeFinished), 1)
}

func TestScrape_OneScrapePerSource(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	busy := newFakeSource("busy", "B").withPage(1, 1, 1, 1)
	release := busy.gate(1)
	other := newFakeSource("other", "O").withPage(1, 1, 1, 1)
	s := e.service(1, busy, other)

	require.NoError(t, s.Start(t.Context(), Request{Source: "busy"}))
	waitEntered(t, busy, 1)

	err := s.Start(t.Context(), Request{Source: "busy"})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, []string{"busy"}, s.Active())

	// a different source runs alongside
	sum := runScrape(t, s, Request{Source: "other"})
	assert.Equal(t, 1, sum.Added)

	close(release)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err = s.Wait(ctx, "busy")
	require.NoError(t, err)

	require.ErrorIs(t, s.Start(t.Context(), Request{Source: "nope"}), sources.ErrUnknownSource)
	require.ErrorIs(t, s.Stop("busy"), ErrNotRunning)
}

func waitEntered(t *testing.T, src *fakeSource, page int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p := <-src.entered:
			if p == page {
				return
			}
		case <-timeout:
			t.Fatalf("page %d was never fetched", page)
		}
	}
}
