// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/coverscout/internal/dbinterface"
)

var (
	ErrTorrentNotFound = errors.New("torrent not found")
	ErrInvalidFilter   = errors.New("invalid filter")
)

// Torrent is one scraped metadata record.
type Torrent struct {
	ID                int64      `json:"id"`
	SourceSite        string     `json:"source_site,omitempty"`
	SourceID          string     `json:"source_id,omitempty"`
	Title             string     `json:"title"`
	Magnet            string     `json:"magnet,omitempty"`
	TorrentLink       string     `json:"torrent_link,omitempty"`
	SizeText          string     `json:"size_text,omitempty"`
	SizeBytes         int64      `json:"size_bytes"`
	Category          string     `json:"category,omitempty"`
	Censored          string     `json:"censored,omitempty"`
	Country           string     `json:"country,omitempty"`
	Seeders           int64      `json:"seeders"`
	Leechers          int64      `json:"leechers"`
	Downloads         int64      `json:"downloads"`
	Comments          int64      `json:"comments"`
	Views             int64      `json:"views"`
	PopularityScore   float64    `json:"popularity_score"`
	UploadDate        *time.Time `json:"upload_date,omitempty"`
	ThumbnailURL      string     `json:"thumbnail_url,omitempty"`
	SearchedProviders []string   `json:"thumbnail_searched_providers"`
	Genres            []string   `json:"genres,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HasThumbnail reports whether the record is enriched. NULL and "" are equivalent.
func (t *Torrent) HasThumbnail() bool {
	return strings.TrimSpace(t.ThumbnailURL) != ""
}

// Searched reports whether provider is in the persisted tried set.
func (t *Torrent) Searched(provider string) bool {
	for _, p := range t.SearchedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// Sort fields accepted by List.
const (
	SortUploadDate = "upload_date"
	SortSize       = "size_bytes"
	SortSeeders    = "seeders"
	SortLeechers   = "leechers"
	SortDownloads  = "downloads"
	SortTitle      = "title"
	SortPopularity = "popularity_score"
)

var sortColumns = map[string]string{
	SortUploadDate: "upload_date",
	SortSize:       "size_bytes",
	SortSeeders:    "seeders",
	SortLeechers:   "leechers",
	SortDownloads:  "downloads",
	SortTitle:      "title COLLATE NOCASE",
	SortPopularity: "popularity_score",
}

// Periods accepted by List.
const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodYear  = "year"
	PeriodAll   = "all"
)

// PeriodStart returns the lower upload_date bound for period, or the zero time for "all".
func PeriodStart(period string, now time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "", PeriodAll:
		return time.Time{}, nil
	case PeriodDay:
		return now.AddDate(0, 0, -1), nil
	case PeriodWeek:
		return now.AddDate(0, 0, -7), nil
	case PeriodMonth:
		return now.AddDate(0, -1, 0), nil
	case PeriodYear:
		return now.AddDate(-1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown period %q", ErrInvalidFilter, period)
	}
}

// TorrentFilter selects one page of records.
type TorrentFilter struct {
	Period    string
	Search    string
	Site      string
	SortField string
	Desc      bool
	Offset    int
	Limit     int
	// Now anchors Period; zero means time.Now.
	Now time.Time
}

// TorrentPage is one page plus the total count matching the filter.
type TorrentPage struct {
	Items []*Torrent `json:"items"`
	Total int        `json:"total"`
}

// TorrentStats summarizes the store for the API and metrics.
type TorrentStats struct {
	Total    int            `json:"total"`
	Enriched int            `json:"enriched"`
	Backlog  int            `json:"backlog"`
	BySite   map[string]int `json:"by_site"`
}

// TorrentStore is the read side of the store. All mutations go through the writer.
type TorrentStore struct {
	db dbinterface.Querier
}

func NewTorrentStore(db dbinterface.Querier) *TorrentStore {
	return &TorrentStore{db: db}
}

const torrentColumns = `
	id, source_site, source_id, title, magnet, torrent_link, size_text, size_bytes,
	category, censored, country, seeders, leechers, downloads, comments, views,
	popularity_score, upload_date, thumbnail_url, thumbnail_searched_providers,
	created_at, updated_at`

const emptyThumbnail = `(thumbnail_url IS NULL OR thumbnail_url = '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTorrent(row rowScanner) (*Torrent, error) {
	var (
		t         Torrent
		site, sid sql.NullString
		upload    sql.NullTime
		thumb     sql.NullString
		searched  string
	)

	if err := row.Scan(
		&t.ID,
		&site,
		&sid,
		&t.Title,
		&t.Magnet,
		&t.TorrentLink,
		&t.SizeText,
		&t.SizeBytes,
		&t.Category,
		&t.Censored,
		&t.Country,
		&t.Seeders,
		&t.Leechers,
		&t.Downloads,
		&t.Comments,
		&t.Views,
		&t.PopularityScore,
		&upload,
		&thumb,
		&searched,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.SourceSite = site.String
	t.SourceID = sid.String
	t.ThumbnailURL = thumb.String
	if upload.Valid {
		u := upload.Time.UTC()
		t.UploadDate = &u
	}

	providers, err := decodeProviders(searched)
	if err != nil {
		return nil, fmt.Errorf("torrent %d: %w", t.ID, err)
	}
	t.SearchedProviders = providers

	return &t, nil
}

func decodeProviders(raw string) ([]string, error) {
	providers := []string{}
	if strings.TrimSpace(raw) == "" {
		return providers, nil
	}
	if err := json.Unmarshal([]byte(raw), &providers); err != nil {
		return nil, fmt.Errorf("decode searched providers: %w", err)
	}
	return providers, nil
}

func (s *TorrentStore) Get(ctx context.Context, id int64) (*Torrent, error) {
	query := `SELECT` + torrentColumns + ` FROM torrents WHERE id = ?`

	t, err := scanTorrent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTorrentNotFound
		}
		return nil, fmt.Errorf("failed to get torrent %d: %w", id, err)
	}

	genres, err := s.genresFor(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	t.Genres = genres[id]

	return t, nil
}

// GetByIDs returns the records for ids in the order given, skipping unknown ids.
func (s *TorrentStore) GetByIDs(ctx context.Context, ids []int64) ([]*Torrent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT` + torrentColumns + ` FROM torrents WHERE id IN (` +
		dbinterface.BuildQueryWithPlaceholders("VALUES %s", 1, len(ids)) + `)`

	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query torrents by id: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*Torrent, len(ids))
	for rows.Next() {
		t, err := scanTorrent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan torrent: %w", err)
		}
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating torrents: %w", err)
	}

	out := make([]*Torrent, 0, len(byID))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}

	return out, nil
}

// List returns one filtered, sorted page and the total number of matches.
func (s *TorrentStore) List(ctx context.Context, f TorrentFilter) (*TorrentPage, error) {
	var (
		where []string
		args  []any
	)

	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	since, err := PeriodStart(f.Period, now.UTC())
	if err != nil {
		return nil, err
	}
	if !since.IsZero() {
		where = append(where, "upload_date >= ?")
		args = append(args, since.Format("2006-01-02 15:04:05"))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		where = append(where, `title LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q)+"%")
	}
	if site := strings.TrimSpace(f.Site); site != "" {
		where = append(where, "source_site = ?")
		args = append(args, site)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM torrents"+whereClause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count torrents: %w", err)
	}

	column, ok := sortColumns[f.SortField]
	if !ok {
		if f.SortField != "" {
			return nil, fmt.Errorf("%w: unknown sort field %q", ErrInvalidFilter, f.SortField)
		}
		column = sortColumns[SortUploadDate]
	}
	direction := "ASC"
	if f.Desc {
		direction = "DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := max(f.Offset, 0)

	query := `SELECT` + torrentColumns + ` FROM torrents` + whereClause +
		fmt.Sprintf(" ORDER BY %s %s NULLS LAST, id %s LIMIT ? OFFSET ?", column, direction, direction)

	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list torrents: %w", err)
	}
	defer rows.Close()

	page := &TorrentPage{Items: []*Torrent{}, Total: total}
	var ids []int64
	for rows.Next() {
		t, err := scanTorrent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan torrent: %w", err)
		}
		page.Items = append(page.Items, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating torrents: %w", err)
	}

	genres, err := s.genresFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range page.Items {
		t.Genres = genres[t.ID]
	}

	return page, nil
}

// SourceIDs returns every source_id stored for site.
func (s *TorrentStore) SourceIDs(ctx context.Context, site string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id FROM torrents WHERE source_site = ? AND source_id IS NOT NULL`, site)
	if err != nil {
		return nil, fmt.Errorf("failed to query source ids for %s: %w", site, err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan source id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source ids: %w", err)
	}

	return ids, nil
}

// ListBacklog returns up to limit records without a thumbnail whose id is below beforeID,
// newest first. beforeID <= 0 starts from the newest record.
func (s *TorrentStore) ListBacklog(ctx context.Context, beforeID int64, limit int) ([]*Torrent, error) {
	query := `SELECT` + torrentColumns + ` FROM torrents WHERE ` + emptyThumbnail
	args := []any{}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query thumbnail backlog: %w", err)
	}
	defer rows.Close()

	var out []*Torrent
	for rows.Next() {
		t, err := scanTorrent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan torrent: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thumbnail backlog: %w", err)
	}

	return out, nil
}

// CountBacklog returns the number of records without a thumbnail.
func (s *TorrentStore) CountBacklog(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM torrents WHERE `+emptyThumbnail).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count thumbnail backlog: %w", err)
	}
	return n, nil
}

// FilterWithoutThumbnail keeps the ids that exist and have no thumbnail, in input order.
func (s *TorrentStore) FilterWithoutThumbnail(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id FROM torrents WHERE ` + emptyThumbnail + ` AND id IN (` +
		dbinterface.BuildQueryWithPlaceholders("VALUES %s", 1, len(ids)) + `)`

	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter torrents without thumbnail: %w", err)
	}
	defer rows.Close()

	empty := make(map[int64]struct{}, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan torrent id: %w", err)
		}
		empty[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating torrent ids: %w", err)
	}

	out := make([]int64, 0, len(empty))
	for _, id := range ids {
		if _, ok := empty[id]; ok {
			out = append(out, id)
			delete(empty, id)
		}
	}
	return out, nil
}

func (s *TorrentStore) Stats(ctx context.Context) (*TorrentStats, error) {
	stats := &TorrentStats{BySite: map[string]int{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN `+emptyThumbnail+` THEN 0 ELSE 1 END), 0)
		FROM torrents
	`).Scan(&stats.Total, &stats.Enriched)
	if err != nil {
		return nil, fmt.Errorf("failed to query torrent stats: %w", err)
	}
	stats.Backlog = stats.Total - stats.Enriched

	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(source_site, ''), COUNT(*) FROM torrents GROUP BY source_site`)
	if err != nil {
		return nil, fmt.Errorf("failed to query per-site counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			site  string
			count int
		)
		if err := rows.Scan(&site, &count); err != nil {
			return nil, fmt.Errorf("failed to scan per-site count: %w", err)
		}
		stats.BySite[site] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating per-site counts: %w", err)
	}

	return stats, nil
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
