// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to initialize database")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDatabaseIntegrity(t *testing.T) {
	db := openTestDB(t)

	tables := []string{"torrents", "genres", "torrent_genres", "migrations"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err, "Failed to check table existence")
		assert.Equal(t, 1, count, "Table %s should exist", table)
	}

	expectedColumns := map[string]bool{
		"id":                           false,
		"source_site":                  false,
		"source_id":                    false,
		"title":                        false,
		"size_bytes":                   false,
		"seeders":                      false,
		"popularity_score":             false,
		"upload_date":                  false,
		"thumbnail_url":                false,
		"thumbnail_searched_providers": false,
		"created_at":                   false,
		"updated_at":                   false,
	}

	rows, err := db.conn.Query(`SELECT name FROM pragma_table_info('torrents')`)
	require.NoError(t, err)
	defer rows.Close()

	for rows.Next() {
		var col string
		require.NoError(t, rows.Scan(&col))
		if _, ok := expectedColumns[col]; ok {
			expectedColumns[col] = true
		}
	}
	require.NoError(t, rows.Err())

	for col, found := range expectedColumns {
		assert.True(t, found, "Column %s should exist in torrents table", col)
	}

	for _, idx := range []string{"idx_torrents_source", "idx_torrents_upload_date", "idx_torrents_seeders", "idx_torrents_popularity", "idx_torrents_title"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "Index %s should exist", idx)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := New(dbPath)
	require.NoError(t, err)

	var count1 int
	require.NoError(t, db1.conn.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count1))
	require.NoError(t, db1.Close())

	db2, err := New(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	var count2 int
	require.NoError(t, db2.conn.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count2))

	assert.Equal(t, count1, count2)
	assert.Equal(t, 2, count2)
}

func TestSourceUniqueness(t *testing.T) {
	db := openTestDB(t)
	ctx := t.Context()

	_, err := db.ExecContext(ctx, `INSERT INTO torrents (source_site, source_id, title) VALUES ('S', 'X1', 'a')`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO torrents (source_site, source_id, title) VALUES ('S', 'X1', 'b')`)
	require.Error(t, err)
	assert.True(t, IsConstraint(err))
	assert.True(t, IsUniqueConstraint(err))
	assert.False(t, IsBusy(err))

	// records without a stable id never collide
	_, err = db.ExecContext(ctx, `INSERT INTO torrents (title) VALUES ('c')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO torrents (title) VALUES ('c')`)
	require.NoError(t, err)
}

func TestConcurrentWritesAreSerialized(t *testing.T) {
	db := openTestDB(t)
	ctx := t.Context()

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			_, err := db.ExecContext(ctx, `INSERT INTO torrents (source_site, source_id, title) VALUES ('S', ?, 't')`, i)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM torrents`).Scan(&count))
	assert.Equal(t, n, count)

	writes, _, _, queued := db.Stats()
	assert.GreaterOrEqual(t, writes, uint64(n))
	assert.Zero(t, queued)
}

func TestWriteTransactionRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := t.Context()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO torrents (title) VALUES ('gone')`)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM torrents`).Scan(&count))
	assert.Zero(t, count)

	ro, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	require.NoError(t, ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM torrents`).Scan(&count))
	require.NoError(t, ro.Commit())
}

func TestWritesAfterCloseFail(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.ExecContext(context.Background(), `INSERT INTO torrents (title) VALUES ('x')`)
	require.ErrorIs(t, err, ErrClosing)

	_, err = db.BeginTx(context.Background(), nil)
	require.ErrorIs(t, err, ErrClosing)
}

func TestIsWriteQuery(t *testing.T) {
	assert.True(t, isWriteQuery("  insert into x values (1)"))
	assert.True(t, isWriteQuery("\nUPDATE x SET a = 1"))
	assert.True(t, isWriteQuery("DELETE FROM x"))
	assert.False(t, isWriteQuery("SELECT 1"))
	assert.False(t, isWriteQuery(""))
}
