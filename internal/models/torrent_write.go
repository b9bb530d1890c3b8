// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/autobrr/coverscout/internal/database"
	"github.com/autobrr/coverscout/internal/dbinterface"
)

// ErrInvalidRecord is returned for records that cannot be stored as given.
var ErrInvalidRecord = errors.New("invalid record")

// WriteMode states what the producer believes about a record.
type WriteMode int

const (
	// WriteUpsert looks the record up by source key, then by title, and inserts when absent.
	WriteUpsert WriteMode = iota
	// WriteInsert is used for records the producer has not seen; the source key lookup is
	// skipped and a key collision falls back to a merge.
	WriteInsert
	// WriteUpdate is used for re-observed records; a missing row is inserted.
	WriteUpdate
)

func (m WriteMode) String() string {
	switch m {
	case WriteInsert:
		return "insert"
	case WriteUpdate:
		return "update"
	default:
		return "upsert"
	}
}

// AddOutcome is the result of applying one record.
type AddOutcome int

const (
	OutcomeAdded AddOutcome = iota + 1
	OutcomeUpdated
	OutcomeDuplicate
)

func (o AddOutcome) String() string {
	switch o {
	case OutcomeAdded:
		return "added"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// TorrentInput is one record as observed on a listing.
type TorrentInput struct {
	SourceSite   string     `json:"source_site,omitempty"`
	SourceID     string     `json:"source_id,omitempty"`
	Title        string     `json:"title"`
	Magnet       string     `json:"magnet,omitempty"`
	TorrentLink  string     `json:"torrent_link,omitempty"`
	SizeText     string     `json:"size_text,omitempty"`
	SizeBytes    int64      `json:"size_bytes,omitempty"`
	Category     string     `json:"category,omitempty"`
	Censored     string     `json:"censored,omitempty"`
	Country      string     `json:"country,omitempty"`
	Seeders      int64      `json:"seeders,omitempty"`
	Leechers     int64      `json:"leechers,omitempty"`
	Downloads    int64      `json:"downloads,omitempty"`
	Comments     int64      `json:"comments,omitempty"`
	Views        int64      `json:"views,omitempty"`
	UploadDate   *time.Time `json:"upload_date,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	Genres       []string   `json:"genres,omitempty"`
}

// HasSourceKey reports whether both halves of the stable identifier are present.
func (in *TorrentInput) HasSourceKey() bool {
	return in.SourceSite != "" && in.SourceID != ""
}

func (in *TorrentInput) normalize() error {
	in.SourceSite = strings.TrimSpace(in.SourceSite)
	in.SourceID = strings.TrimSpace(in.SourceID)
	in.Title = strings.TrimSpace(in.Title)
	in.ThumbnailURL = strings.TrimSpace(in.ThumbnailURL)
	if in.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRecord)
	}
	in.Seeders = max(in.Seeders, 0)
	in.Leechers = max(in.Leechers, 0)
	in.Downloads = max(in.Downloads, 0)
	in.Comments = max(in.Comments, 0)
	in.Views = max(in.Views, 0)
	in.SizeBytes = max(in.SizeBytes, 0)
	if in.UploadDate != nil {
		u := in.UploadDate.UTC()
		in.UploadDate = &u
	}
	return nil
}

// WriteOptions are the policies applied on every record write.
type WriteOptions struct {
	Popularity    PopularityPolicy
	DedupeByTitle bool
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func findBySource(ctx context.Context, q dbinterface.Querier, site, sourceID string) (*Torrent, error) {
	t, err := scanTorrent(q.QueryRowContext(ctx,
		`SELECT`+torrentColumns+` FROM torrents WHERE source_site = ? AND source_id = ?`, site, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// findByTitle never matches a row holding a different id on the same site.
func findByTitle(ctx context.Context, q dbinterface.Querier, in *TorrentInput) (*Torrent, error) {
	query := `SELECT` + torrentColumns + ` FROM torrents WHERE title = ?`
	args := []any{in.Title}
	if in.HasSourceKey() {
		query += ` AND (source_site IS NULL OR source_id IS NULL OR source_site != ?)`
		args = append(args, in.SourceSite)
	}
	query += ` ORDER BY id LIMIT 1`

	t, err := scanTorrent(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// AddTorrent inserts or merges one record. It must run on the writer's transaction.
func AddTorrent(ctx context.Context, q dbinterface.Querier, in TorrentInput, mode WriteMode, opts WriteOptions) (int64, AddOutcome, error) {
	if err := in.normalize(); err != nil {
		return 0, 0, err
	}

	var (
		existing *Torrent
		err      error
	)
	if mode != WriteInsert && in.HasSourceKey() {
		if existing, err = findBySource(ctx, q, in.SourceSite, in.SourceID); err != nil {
			return 0, 0, fmt.Errorf("failed to look up %s/%s: %w", in.SourceSite, in.SourceID, err)
		}
	}
	if existing == nil && opts.DedupeByTitle {
		if existing, err = findByTitle(ctx, q, &in); err != nil {
			return 0, 0, fmt.Errorf("failed to look up title: %w", err)
		}
	}

	if existing == nil {
		id, err := insertTorrent(ctx, q, &in, opts)
		if err == nil {
			return id, OutcomeAdded, nil
		}
		if !database.IsUniqueConstraint(err) || !in.HasSourceKey() {
			return 0, 0, err
		}
		// the producer's seen set was stale
		if existing, err = findBySource(ctx, q, in.SourceSite, in.SourceID); err != nil || existing == nil {
			return 0, 0, fmt.Errorf("failed to resolve key collision for %s/%s: %w", in.SourceSite, in.SourceID, err)
		}
	}

	outcome, err := mergeTorrent(ctx, q, existing, &in, opts)
	return existing.ID, outcome, err
}

func insertTorrent(ctx context.Context, q dbinterface.Querier, in *TorrentInput, opts WriteOptions) (int64, error) {
	score := opts.Popularity.Score(in.Seeders, in.Downloads, in.Views, in.Comments, in.Leechers)

	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO torrents (
			source_site, source_id, title, magnet, torrent_link, size_text, size_bytes,
			category, censored, country, seeders, leechers, downloads, comments, views,
			popularity_score, upload_date, thumbnail_url
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		nullString(in.SourceSite),
		nullString(in.SourceID),
		in.Title,
		in.Magnet,
		in.TorrentLink,
		in.SizeText,
		in.SizeBytes,
		in.Category,
		in.Censored,
		in.Country,
		in.Seeders,
		in.Leechers,
		in.Downloads,
		in.Comments,
		in.Views,
		score,
		nullTime(in.UploadDate),
		nullString(in.ThumbnailURL),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert torrent: %w", err)
	}

	if _, err := linkGenres(ctx, q, id, in.Genres); err != nil {
		return 0, err
	}

	return id, nil
}

// mergeTorrent refreshes an existing row from a re-observation. Counters take the
// observed values and descriptive fields fill gaps. The thumbnail is copied only when
// none is stored.
func mergeTorrent(ctx context.Context, q dbinterface.Querier, cur *Torrent, in *TorrentInput, opts WriteOptions) (AddOutcome, error) {
	next := *cur

	next.Seeders = in.Seeders
	next.Leechers = in.Leechers
	next.Downloads = in.Downloads
	next.Comments = in.Comments
	next.Views = in.Views

	if in.Magnet != "" {
		next.Magnet = in.Magnet
	}
	if in.TorrentLink != "" {
		next.TorrentLink = in.TorrentLink
	}
	if in.SizeText != "" {
		next.SizeText = in.SizeText
	}
	if in.SizeBytes > 0 {
		next.SizeBytes = in.SizeBytes
	}
	if next.Category == "" {
		next.Category = in.Category
	}
	if next.Censored == "" {
		next.Censored = in.Censored
	}
	if next.Country == "" {
		next.Country = in.Country
	}
	if next.UploadDate == nil && in.UploadDate != nil {
		next.UploadDate = in.UploadDate
	}
	if !cur.HasThumbnail() && in.ThumbnailURL != "" {
		next.ThumbnailURL = in.ThumbnailURL
	}
	if cur.SourceSite == "" && cur.SourceID == "" && in.HasSourceKey() {
		next.SourceSite = in.SourceSite
		next.SourceID = in.SourceID
	}
	next.PopularityScore = opts.Popularity.Score(next.Seeders, next.Downloads, next.Views, next.Comments, next.Leechers)

	changed := rowChanged(cur, &next)
	if changed {
		_, err := q.ExecContext(ctx, `
			UPDATE torrents SET
				source_site = ?, source_id = ?, magnet = ?, torrent_link = ?, size_text = ?, size_bytes = ?,
				category = ?, censored = ?, country = ?, seeders = ?, leechers = ?, downloads = ?,
				comments = ?, views = ?, popularity_score = ?, upload_date = ?, thumbnail_url = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`,
			nullString(next.SourceSite),
			nullString(next.SourceID),
			next.Magnet,
			next.TorrentLink,
			next.SizeText,
			next.SizeBytes,
			next.Category,
			next.Censored,
			next.Country,
			next.Seeders,
			next.Leechers,
			next.Downloads,
			next.Comments,
			next.Views,
			next.PopularityScore,
			nullTime(next.UploadDate),
			nullString(next.ThumbnailURL),
			cur.ID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update torrent %d: %w", cur.ID, err)
		}
	}

	linked, err := linkGenres(ctx, q, cur.ID, in.Genres)
	if err != nil {
		return 0, err
	}

	if changed || linked > 0 {
		return OutcomeUpdated, nil
	}
	return OutcomeDuplicate, nil
}

func rowChanged(a, b *Torrent) bool {
	if a.SourceSite != b.SourceSite || a.SourceID != b.SourceID ||
		a.Magnet != b.Magnet || a.TorrentLink != b.TorrentLink ||
		a.SizeText != b.SizeText || a.SizeBytes != b.SizeBytes ||
		a.Category != b.Category || a.Censored != b.Censored || a.Country != b.Country ||
		a.Seeders != b.Seeders || a.Leechers != b.Leechers || a.Downloads != b.Downloads ||
		a.Comments != b.Comments || a.Views != b.Views ||
		a.PopularityScore != b.PopularityScore || a.ThumbnailURL != b.ThumbnailURL {
		return true
	}
	if (a.UploadDate == nil) != (b.UploadDate == nil) {
		return true
	}
	return a.UploadDate != nil && !a.UploadDate.Equal(*b.UploadDate)
}

// ThumbnailUpdate sets a record's thumbnail and extends its tried set.
type ThumbnailUpdate struct {
	ID  int64
	URL string
	// Provider is appended to the tried set when non-empty.
	Provider string
	// KeepURL leaves thumbnail_url untouched and only extends the tried set.
	KeepURL bool
	// IfEmpty sets the URL only when none is stored.
	IfEmpty bool
}

// ThumbnailResult describes what SetThumbnail changed.
type ThumbnailResult struct {
	URLChanged    bool
	ProviderAdded bool
	// URL is the thumbnail stored after the update.
	URL string
}

// SetThumbnail applies u on the writer's transaction. Applying the same update twice
// leaves the row as a single application would.
func SetThumbnail(ctx context.Context, q dbinterface.Querier, u ThumbnailUpdate) (ThumbnailResult, error) {
	var (
		res      ThumbnailResult
		thumb    sql.NullString
		searched string
	)

	err := q.QueryRowContext(ctx,
		`SELECT thumbnail_url, thumbnail_searched_providers FROM torrents WHERE id = ?`, u.ID,
	).Scan(&thumb, &searched)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return res, ErrTorrentNotFound
		}
		return res, fmt.Errorf("failed to read torrent %d: %w", u.ID, err)
	}

	providers, err := decodeProviders(searched)
	if err != nil {
		return res, err
	}

	url := strings.TrimSpace(u.URL)
	res.URL = thumb.String
	switch {
	case u.KeepURL:
	case u.IfEmpty && strings.TrimSpace(thumb.String) != "":
	case url != thumb.String:
		res.URL = url
		res.URLChanged = true
	}

	if p := strings.TrimSpace(u.Provider); p != "" && !slices.Contains(providers, p) {
		providers = append(providers, p)
		res.ProviderAdded = true
	}

	if !res.URLChanged && !res.ProviderAdded {
		return res, nil
	}

	encoded, err := json.Marshal(providers)
	if err != nil {
		return res, fmt.Errorf("encode searched providers: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE torrents
		SET thumbnail_url = ?, thumbnail_searched_providers = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, nullString(res.URL), string(encoded), u.ID)
	if err != nil {
		return res, fmt.Errorf("failed to update thumbnail for torrent %d: %w", u.ID, err)
	}

	return res, nil
}
