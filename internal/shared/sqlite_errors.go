// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// conflictTexts match driver errors that lost their *sqlite.Error on the way up.
var conflictTexts = []string{"SQLITE_BUSY", "SQLITE_LOCKED", "database is locked", "database table is locked"}

// IsSQLiteConflictError reports SQLite busy/locked errors, which are worth a
// retry. Extended result codes are reduced to their primary code.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	for _, t := range conflictTexts {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}
