package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/askdb/askdb/internal/query"
)

func TestExecuteInjectsLimitAndShapesRows(t *testing.T) {
	db, mock := newSQLMock(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT grade, loan_amnt, int_rate FROM loans LIMIT 1000")).
		WillReturnRows(sqlmock.NewRows([]string{"grade", "loan_amnt", "int_rate"}).
			AddRow([]byte("A"), int32(35000), 7.5).
			AddRow("B", int64(12000), nil))

	result, err := NewEngine(time.Second).Execute(context.Background(), query.Request{
		SQL:     "SELECT grade, loan_amnt, int_rate FROM loans;",
		MaxRows: 1000,
		Timeout: time.Second,
		Pool:    db,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 2 || len(result.Rows) != 2 {
		t.Fatalf("RowCount = %d rows = %d", result.RowCount, len(result.Rows))
	}
	if result.Truncated {
		t.Fatal("Truncated = true, want false")
	}
	if got := result.ColumnNames(); len(got) != 3 || got[0] != "grade" || got[2] != "int_rate" {
		t.Fatalf("ColumnNames() = %v", got)
	}
	if result.Rows[0][0].Value != "A" {
		t.Fatalf("grade = %#v", result.Rows[0][0].Value)
	}
	if result.Rows[0][1].Value != int64(35000) {
		t.Fatalf("loan_amnt = %#v", result.Rows[0][1].Value)
	}
	if result.Columns[0].Type != query.TypeString || result.Columns[1].Type != query.TypeInteger || result.Columns[2].Type != query.TypeFloat {
		t.Fatalf("Columns = %#v", result.Columns)
	}
	assertSQLMock(t, mock)
}

func TestExecuteMarksTruncatedAtCap(t *testing.T) {
	db, mock := newSQLMock(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM loans LIMIT 2")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))

	result, err := NewEngine(time.Second).Execute(context.Background(), query.Request{
		SQL:     "SELECT id FROM loans",
		MaxRows: 2,
		Pool:    db,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Truncated {
		t.Fatal("Truncated = false, want true")
	}
	assertSQLMock(t, mock)
}

func TestExecuteStopsReadingAtCapWhenStatementHasLargerLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM loans LIMIT 500")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2).AddRow(3))

	result, err := NewEngine(time.Second).Execute(context.Background(), query.Request{
		SQL:     "SELECT id FROM loans LIMIT 500",
		MaxRows: 2,
		Pool:    db,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 2 || !result.Truncated {
		t.Fatalf("RowCount = %d Truncated = %v", result.RowCount, result.Truncated)
	}
}

func TestExecuteParsesDecimalColumns(t *testing.T) {
	db, mock := newSQLMock(t)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("total").OfType("NUMERIC", ""),
	).AddRow("1234.50")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT SUM(loan_amnt) AS total FROM loans LIMIT 10")).WillReturnRows(rows)

	result, err := NewEngine(time.Second).Execute(context.Background(), query.Request{
		SQL:     "SELECT SUM(loan_amnt) AS total FROM loans",
		MaxRows: 10,
		Pool:    db,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Rows[0][0].Value != 1234.5 {
		t.Fatalf("total = %#v", result.Rows[0][0].Value)
	}
	if result.Columns[0].Type != query.TypeFloat {
		t.Fatalf("type = %q", result.Columns[0].Type)
	}
}

func TestExecuteMapsDeadlineToTimeout(t *testing.T) {
	db, mock := newSQLMock(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_sleep(10) LIMIT 10")).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))

	_, err := NewEngine(time.Second).Execute(context.Background(), query.Request{
		SQL:     "SELECT pg_sleep(10)",
		MaxRows: 10,
		Timeout: 20 * time.Millisecond,
		Pool:    db,
	})
	var execErr *query.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute() error = %v, want ExecutionError", err)
	}
	if execErr.Kind != query.KindTimeout {
		t.Fatalf("Kind = %q, want timeout", execErr.Kind)
	}
}

func TestExecuteClassifiesDatabaseErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT nope FROM loans LIMIT 10")).
		WillReturnError(errors.New(`column "nope" does not exist`))

	engine := NewEngine(time.Second)
	_, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT nope FROM loans", MaxRows: 10, Pool: db})
	var execErr *query.ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != query.KindQueryFailed {
		t.Fatalf("Execute() error = %v, want query_failed ExecutionError", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 LIMIT 10")).WillReturnError(driver.ErrBadConn)
	_, err = engine.Execute(context.Background(), query.Request{SQL: "SELECT 1", MaxRows: 10, Pool: db})
	var connErr *query.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Execute() error = %v, want ConnectionError", err)
	}
}

func TestExecuteWrapsAcquireFailure(t *testing.T) {
	_, err := NewEngine(time.Second).Execute(context.Background(), query.Request{
		SQL:     "SELECT 1",
		MaxRows: 10,
		Pool:    failingPool{err: errors.New("pool closed")},
	})
	var connErr *query.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Execute() error = %v, want ConnectionError", err)
	}
	if connErr.Op != "acquire connection" {
		t.Fatalf("Op = %q", connErr.Op)
	}
}

func TestExecuteValidatesRequest(t *testing.T) {
	engine := NewEngine(0)
	if engine.AcquireTimeout != defaultAcquireTimeout {
		t.Fatalf("AcquireTimeout = %s", engine.AcquireTimeout)
	}
	for _, request := range []query.Request{
		{SQL: " ", MaxRows: 1, Pool: failingPool{}},
		{SQL: "SELECT 1", MaxRows: 0, Pool: failingPool{}},
		{SQL: "SELECT 1", MaxRows: 1},
	} {
		if _, err := engine.Execute(context.Background(), request); err == nil {
			t.Fatalf("Execute(%#v) expected error", request)
		}
	}
}

type failingPool struct {
	err error
}

func (p failingPool) Conn(context.Context) (*sql.Conn, error) {
	return nil, p.err
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestNormalizeValueKeepsJSONEncodableScalars(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		dbType string
		want   any
	}{
		{name: "nan float", in: math.NaN(), dbType: "FLOAT8", want: nil},
		{name: "positive infinity", in: math.Inf(1), dbType: "FLOAT8", want: nil},
		{name: "negative infinity float32", in: float32(math.Inf(-1)), dbType: "FLOAT4", want: nil},
		{name: "numeric nan text", in: []byte("NaN"), dbType: "NUMERIC", want: nil},
		{name: "finite float", in: 2.5, dbType: "FLOAT8", want: 2.5},
		{name: "small uint64", in: uint64(42), dbType: "BIGINT UNSIGNED", want: int64(42)},
		{name: "large uint64", in: uint64(math.MaxUint64), dbType: "BIGINT UNSIGNED", want: uint64(math.MaxUint64)},
	}
	for _, tt := range tests {
		if got := normalizeValue(tt.in, tt.dbType); got != tt.want {
			t.Fatalf("%s: normalizeValue(%v) = %#v, want %#v", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestExecuteResultWithNaNEncodesAsJSON(t *testing.T) {
	db, mock := newSQLMock(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ratio FROM metrics LIMIT 10")).
		WillReturnRows(sqlmock.NewRows([]string{"ratio"}).AddRow(math.NaN()).AddRow(0.5))

	result, err := NewEngine(time.Second).Execute(context.Background(), query.Request{
		SQL:     "SELECT ratio FROM metrics",
		MaxRows: 10,
		Pool:    db,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	raw, err := json.Marshal(result.Rows)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(raw) != `[{"ratio":null},{"ratio":0.5}]` {
		t.Fatalf("Marshal() = %s", raw)
	}
	assertSQLMock(t, mock)
}
