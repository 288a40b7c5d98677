package usage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/catalog/memory"
	"github.com/askdb/askdb/internal/catalog/postgres"
)

func fixedClock(year int, month time.Month) func() time.Time {
	return func() time.Time { return time.Date(year, month, 15, 12, 0, 0, 0, time.UTC) }
}

func TestCheckAndReserveRejectsAtLimitWithoutMutation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	tracker := &Tracker{Store: store, Now: fixedClock(2024, time.March)}

	for i := 0; i < 3; i++ {
		if err := tracker.RecordSuccess(ctx, "c-1"); err != nil {
			t.Fatalf("RecordSuccess() error = %v", err)
		}
	}

	allowed, err := tracker.CheckAndReserve(ctx, "c-1", 3)
	if err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}
	if allowed {
		t.Fatal("CheckAndReserve() = true at limit")
	}
	summary, err := tracker.Usage(ctx, "c-1", 3)
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if summary.Used != 3 || summary.Remaining != 0 || summary.Period != "2024-03" {
		t.Fatalf("summary = %#v", summary)
	}
}

func TestCheckAndReserveAllowsBelowLimit(t *testing.T) {
	tracker := &Tracker{Store: memory.New(), Now: fixedClock(2024, time.March)}
	allowed, err := tracker.CheckAndReserve(context.Background(), "c-1", DefaultMonthlyLimit)
	if err != nil || !allowed {
		t.Fatalf("CheckAndReserve() = %v, %v", allowed, err)
	}
}

func TestCountersAreIsolatedPerMonth(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	march := &Tracker{Store: store, Now: fixedClock(2024, time.March)}
	april := &Tracker{Store: store, Now: fixedClock(2024, time.April)}

	for i := 0; i < 30; i++ {
		_ = march.RecordSuccess(ctx, "c-1")
	}
	if allowed, _ := march.CheckAndReserve(ctx, "c-1", 30); allowed {
		t.Fatal("march should be exhausted")
	}
	if allowed, _ := april.CheckAndReserve(ctx, "c-1", 30); !allowed {
		t.Fatal("april should start from zero")
	}
	summary, _ := april.Usage(ctx, "c-1", 30)
	if summary.Used != 0 || summary.Remaining != 30 || summary.Period != "2024-04" {
		t.Fatalf("april summary = %#v", summary)
	}
}

func TestCheckAndReserveRequiresConnectionID(t *testing.T) {
	tracker := NewTracker(memory.New())
	if _, err := tracker.CheckAndReserve(context.Background(), " ", 30); err == nil {
		t.Fatal("expected error for empty connection id")
	}
}

type failingStore struct{}

func (failingStore) EnsureUsage(context.Context, string, catalog.Period) (catalog.UsageCounter, error) {
	return catalog.UsageCounter{}, errors.New("catalog down")
}

func (failingStore) IncrementUsage(context.Context, string, catalog.Period) (catalog.UsageCounter, error) {
	return catalog.UsageCounter{}, errors.New("catalog down")
}

func TestTrackerWrapsStoreErrors(t *testing.T) {
	tracker := NewTracker(failingStore{})
	if _, err := tracker.CheckAndReserve(context.Background(), "c-1", 30); err == nil {
		t.Fatal("expected CheckAndReserve error")
	}
	if err := tracker.RecordSuccess(context.Background(), "c-1"); err == nil {
		t.Fatal("expected RecordSuccess error")
	}
}

func TestRecordSuccessIsSingleUpsert(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SET query_count = query_usage.query_count + 1")).
		WithArgs("c-1", 2024, 3).
		WillReturnRows(sqlmock.NewRows([]string{"query_count", "updated_at"}).AddRow(1, time.Now()))

	tracker := &Tracker{Store: postgres.NewRepository(db), Now: fixedClock(2024, time.March)}
	if err := tracker.RecordSuccess(context.Background(), "c-1"); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet() error = %v", err)
	}
}
