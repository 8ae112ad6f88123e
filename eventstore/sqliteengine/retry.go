package sqliteengine

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig controls retry behavior for transient SQLite errors.
//
// The busy_timeout pragma handles SQLITE_BUSY at the connection level, but
// under write contention the driver can still surface transient errors that
// resolve on retry.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  25 * time.Millisecond,
	maxDelay:   250 * time.Millisecond,
}

// isTransientSQLiteErr reports whether the error is a transient SQLite error
// worth retrying: SQLITE_BUSY (5), SQLITE_LOCKED (6) or the textual
// "database is locked" fallthrough from modernc.org/sqlite.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention executes fn with exponential backoff plus jitter for
// transient errors and returns immediately on success or permanent failure.
func retryOnContention(fn func() error) error {
	cfg := defaultRetryConfig

	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			delay := cfg.baseDelay << uint(attempt)
			if delay > cfg.maxDelay {
				delay = cfg.maxDelay
			}
			time.Sleep(delay + time.Duration(rand.Int63n(int64(cfg.baseDelay))))
		}
	}
	return lastErr
}
