// Package dbutil holds small helpers shared by the job store and the
// credit ledger: bounded write retry with jittered backoff for transient
// database errors such as lock contention or deadlocks, so a write gives
// up only after exhausting a small number of attempts rather than on the
// first conflict.
package dbutil

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxElapsed bounds the total time RetryWrite spends retrying
// before giving up and returning the last error.
const DefaultMaxElapsed = 2 * time.Second

// RetryWrite runs fn, retrying with exponential backoff and jitter while
// the error looks like a transient database contention error ("database
// is locked" from SQLite, serialization/deadlock errors from Postgres).
// Non-transient errors (constraint violations, invalid transitions
// surfaced as typed errors by the caller) are returned immediately
// without retrying, since a retry can't fix them.
func RetryWrite(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = DefaultMaxElapsed
	bctx := backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bctx)
}

// isTransient reports whether err looks like a retryable contention
// error rather than a genuine data or logic error.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrTxDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"):
		return true
	case strings.Contains(msg, "sqlite_busy"):
		return true
	case strings.Contains(msg, "deadlock"):
		return true
	case strings.Contains(msg, "could not serialize access"):
		return true
	case strings.Contains(msg, "connection reset"):
		return true
	}
	return false
}
