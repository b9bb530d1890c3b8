// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"errors"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// primary result codes live in the low byte of extended codes
func primaryCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}

	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code() & 0xff, true
	}

	return 0, false
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, including their extended forms.
func IsBusy(err error) bool {
	code, ok := primaryCode(err)
	return ok && (code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED)
}

// IsConstraint reports whether err is any constraint violation.
func IsConstraint(err error) bool {
	code, ok := primaryCode(err)
	return ok && code == sqlitelib.SQLITE_CONSTRAINT
}

// IsUniqueConstraint reports whether err is a UNIQUE or PRIMARY KEY violation.
func IsUniqueConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
			sqlErr.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
