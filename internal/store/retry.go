package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxAttempts    = 3
	baseRetryDelay = 100 * time.Millisecond
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// isPostgresConflict reports serialization failures and deadlocks.
func isPostgresConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a transient write conflict on either
// backend.
func IsRetryable(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err) || isPostgresConflict(err)
}

// withRetry runs fn up to maxAttempts times, backing off exponentially
// (100ms, 200ms) between attempts that failed with a retryable error.
func withRetry(ctx context.Context, op string, fn func() error) error {
	delay := baseRetryDelay
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		slog.Debug("Store write conflict, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
