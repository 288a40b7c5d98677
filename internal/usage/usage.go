// Package usage enforces the per-connection monthly query quota.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/observability"
)

const DefaultMonthlyLimit = 30

var ErrQuotaExceeded = errors.New("monthly query limit reached")

type Summary struct {
	ConnectionID string `json:"connection_id"`
	Used         int    `json:"queries_used"`
	Limit        int    `json:"queries_limit"`
	Remaining    int    `json:"queries_remaining"`
	Period       string `json:"period"`
}

// Tracker counts successful queries per connection and calendar month (UTC).
// Counters are created lazily and never decrease.
type Tracker struct {
	Store catalog.UsageStore
	Now   func() time.Time
}

func NewTracker(store catalog.UsageStore) *Tracker {
	return &Tracker{Store: store, Now: time.Now}
}

// CheckAndReserve reports whether another query may run this month. It does
// not consume quota; RecordSuccess does that after the query ran.
func (t *Tracker) CheckAndReserve(ctx context.Context, connectionID string, limit int) (bool, error) {
	if strings.TrimSpace(connectionID) == "" {
		return false, fmt.Errorf("connection id is required")
	}
	counter, err := t.Store.EnsureUsage(ctx, connectionID, t.period())
	if err != nil {
		return false, fmt.Errorf("load usage: %w", err)
	}
	if counter.QueryCount >= limit {
		observability.IncrementQuotaRejection()
		return false, nil
	}
	return true, nil
}

func (t *Tracker) RecordSuccess(ctx context.Context, connectionID string) error {
	if _, err := t.Store.IncrementUsage(ctx, connectionID, t.period()); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

func (t *Tracker) Usage(ctx context.Context, connectionID string, limit int) (Summary, error) {
	period := t.period()
	counter, err := t.Store.EnsureUsage(ctx, connectionID, period)
	if err != nil {
		return Summary{}, fmt.Errorf("load usage: %w", err)
	}
	remaining := limit - counter.QueryCount
	if remaining < 0 {
		remaining = 0
	}
	return Summary{
		ConnectionID: connectionID,
		Used:         counter.QueryCount,
		Limit:        limit,
		Remaining:    remaining,
		Period:       period.String(),
	}, nil
}

func (t *Tracker) period() catalog.Period {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return catalog.PeriodOf(now())
}
