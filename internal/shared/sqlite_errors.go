// Package shared holds helpers used by more than one storage path.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsSQLiteConflictError reports whether err is SQLITE_BUSY or SQLITE_LOCKED,
// the two errors a concurrent writer produces and a retry can clear.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// Extended result codes keep the primary code in the low byte.
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	// Wrapped by a driver layer that dropped the typed error.
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
