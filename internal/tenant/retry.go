package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/askdb/askdb/internal/dialect"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query"
)

// RetryStats reports how many times an operation ran.
type RetryStats struct {
	Attempts int
	Retries  int
	Slept    time.Duration
}

// RetryError is returned once the retry budget is spent on transient
// failures.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("query failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Operation runs against a tenant pool.
type Operation func(ctx context.Context, db *sql.DB) error

// WithRetry runs op once and retries it after transient connection failures,
// sleeping base, 2*base, 4*base... between attempts. Errors that are not
// connection-level are returned immediately.
func (m *Manager) WithRetry(ctx context.Context, connectionID string, target Target, op Operation) (RetryStats, error) {
	p, err := m.pool(ctx, connectionID, target)
	if err != nil {
		return RetryStats{}, err
	}

	var stats RetryStats
	for {
		stats.Attempts++
		err := op(ctx, p.db)
		if err == nil {
			return stats, nil
		}
		if !Retryable(err) {
			return stats, err
		}
		if stats.Retries >= m.config.RetryAttempts {
			return stats, &RetryError{Attempts: stats.Attempts, Err: err}
		}

		delay := m.config.RetryBaseDelay << stats.Retries
		if m.logger != nil {
			m.logger.WarnContext(ctx, "tenant operation failed, retrying",
				slog.String("connection_id", connectionID),
				slog.Int("attempt", stats.Attempts),
				slog.String("backoff", delay.String()),
				slog.Any("error", err),
			)
		}
		observability.IncrementTenantRetry(string(p.dialect))
		if sleepErr := m.sleep(ctx, delay); sleepErr != nil {
			return stats, &RetryError{Attempts: stats.Attempts, Err: errors.Join(err, sleepErr)}
		}
		stats.Slept += delay
		stats.Retries++
	}
}

// Retryable reports whether err warrants another attempt on a fresh
// connection.
func Retryable(err error) bool {
	var execErr *query.ExecutionError
	if errors.As(err, &execErr) {
		return false
	}
	var connErr *query.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	return dialect.IsTransient(err)
}
