// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package testdb hands out migrated SQLite databases to tests.
package testdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/autobrr/coverscout/internal/database"
)

// snapshots holds one migrated snapshot path per key, built on first use.
var snapshots sync.Map // map[string]func() (string, error)

// Open copies the migrated snapshot for key into the test's temp dir and opens it. The
// database is closed when the test ends. Migrations run once per key per test binary.
func Open(t *testing.T, key string) *database.DB {
	t.Helper()

	snapshot, err := snapshotFor(key)()
	if err != nil {
		t.Fatalf("prepare test DB snapshot %q: %v", key, err)
	}

	dbPath := filepath.Join(t.TempDir(), "coverscout.db")
	data, err := os.ReadFile(snapshot)
	if err != nil {
		t.Fatalf("read test DB snapshot %q: %v", key, err)
	}
	if err := os.WriteFile(dbPath, data, 0o600); err != nil {
		t.Fatalf("write test DB %s: %v", dbPath, err)
	}

	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("open test DB %q: %v", key, err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close test DB %q: %v", key, err)
		}
	})

	return db
}

func snapshotFor(key string) func() (string, error) {
	build := sync.OnceValues(func() (string, error) { return buildSnapshot(key) })
	actual, _ := snapshots.LoadOrStore(key, build)
	return actual.(func() (string, error))
}

// buildSnapshot migrates a scratch database and writes a compacted copy with no WAL
// sidecars, so a single file copy is a complete clone.
func buildSnapshot(key string) (string, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("coverscout-%s-", sanitizeKey(key)))
	if err != nil {
		return "", err
	}

	db, err := database.New(filepath.Join(dir, "scratch.db"))
	if err != nil {
		return "", err
	}

	snapshot := filepath.Join(dir, "snapshot.db")
	query := "VACUUM INTO '" + strings.ReplaceAll(snapshot, "'", "''") + "'"
	if _, err := db.Conn().ExecContext(context.Background(), query); err != nil {
		_ = db.Close()
		return "", fmt.Errorf("vacuum into snapshot: %w", err)
	}

	if err := db.Close(); err != nil {
		return "", err
	}
	return snapshot, nil
}

func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "testdb"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, key)
}
