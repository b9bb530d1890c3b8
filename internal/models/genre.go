// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/autobrr/coverscout/internal/dbinterface"
)

// GenreCount is one genre and how many records carry it.
type GenreCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (s *TorrentStore) genresFor(ctx context.Context, ids []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT tg.torrent_id, g.name
		FROM torrent_genres tg
		JOIN genres g ON g.id = tg.genre_id
		WHERE tg.torrent_id IN (` + dbinterface.BuildQueryWithPlaceholders("VALUES %s", 1, len(ids)) + `)
		ORDER BY g.name`

	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query genres: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan genre: %w", err)
		}
		out[id] = append(out[id], name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating genres: %w", err)
	}

	return out, nil
}

// ListGenres returns every genre with its record count, most used first.
func (s *TorrentStore) ListGenres(ctx context.Context) ([]GenreCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.name, COUNT(tg.torrent_id) AS n
		FROM genres g
		LEFT JOIN torrent_genres tg ON tg.genre_id = g.id
		GROUP BY g.id
		ORDER BY n DESC, g.name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list genres: %w", err)
	}
	defer rows.Close()

	genres := []GenreCount{}
	for rows.Next() {
		var g GenreCount
		if err := rows.Scan(&g.Name, &g.Count); err != nil {
			return nil, fmt.Errorf("failed to scan genre: %w", err)
		}
		genres = append(genres, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating genres: %w", err)
	}

	return genres, nil
}

func normalizeGenres(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.Join(strings.Fields(name), " ")
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}

// linkGenres unions names into the record's genres and reports how many links were new.
func linkGenres(ctx context.Context, q dbinterface.Querier, torrentID int64, names []string) (int, error) {
	added := 0
	for _, name := range normalizeGenres(names) {
		var genreID int64
		err := q.QueryRowContext(ctx,
			`INSERT INTO genres (name) VALUES (?) ON CONFLICT (name) DO UPDATE SET name = name RETURNING id`,
			name).Scan(&genreID)
		if err != nil {
			return added, fmt.Errorf("failed to upsert genre %q: %w", name, err)
		}

		res, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO torrent_genres (torrent_id, genre_id) VALUES (?, ?)`,
			torrentID, genreID)
		if err != nil {
			return added, fmt.Errorf("failed to link genre %q: %w", name, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added++
		}
	}
	return added, nil
}
