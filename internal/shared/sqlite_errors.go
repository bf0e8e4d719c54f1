// Package shared holds helpers used by several packages: SQLite retry,
// request validation and per-key rate limiting.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsSQLiteConflictError reports whether err is a busy or locked database.
// Driver errors are matched by primary result code; anything else that went
// through a string-only wrap falls back to the message text.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetrySQLite runs op until it succeeds, fails with something other than a
// conflict, or has been attempted maxRetries times. The delay doubles from
// baseDelay after each conflict.
func RetrySQLite(ctx context.Context, maxRetries int, baseDelay time.Duration, op func(context.Context) error) error {
	maxRetries = max(maxRetries, 1)

	var err error
	for attempt := range maxRetries {
		if err = op(ctx); err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || attempt == maxRetries-1 {
			return err
		}

		delay := baseDelay << attempt
		slog.Debug("Database busy, retrying", "attempt", attempt+1, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return err
}
