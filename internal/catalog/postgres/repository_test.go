package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/dialect"
)

var connectionColumns = []string{"connection_id", "name", "dialect", "encrypted_url", "tls_mode", "active", "created_at", "updated_at"}

func TestCreateConnection(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO tenant_connection (connection_id, name, dialect, encrypted_url, tls_mode)
VALUES ($1, $2, $3, $4, $5)
RETURNING active, created_at, updated_at`)).
		WithArgs("c-1", "Warehouse", "postgresql", "sealed", "require").
		WillReturnRows(sqlmock.NewRows([]string{"active", "created_at", "updated_at"}).AddRow(true, now, now))

	conn, err := repo.CreateConnection(context.Background(), catalog.CreateConnectionInput{
		ConnectionID: "c-1",
		Name:         "Warehouse",
		Dialect:      dialect.PostgreSQL,
		EncryptedURL: "sealed",
		TLSMode:      dialect.TLSRequire,
	})
	if err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	if !conn.Active || !conn.CreatedAt.Equal(now) {
		t.Fatalf("conn = %#v", conn)
	}
	assertSQLMock(t, mock)
}

func TestCreateConnectionMapsUniqueViolation(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO tenant_connection`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := repo.CreateConnection(context.Background(), catalog.CreateConnectionInput{ConnectionID: "c-1"})
	if !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("CreateConnection() error = %v, want ErrConflict", err)
	}
	assertSQLMock(t, mock)
}

func TestGetConnectionReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM tenant_connection
WHERE connection_id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetConnection(context.Background(), "missing")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("GetConnection() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestListConnections(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE $1::boolean OR active`)).
		WithArgs(false).
		WillReturnRows(sqlmock.NewRows(connectionColumns).
			AddRow("c-1", "Warehouse", "postgresql", "sealed-1", "require", true, now, now).
			AddRow("c-2", "Shop", "mysql", "sealed-2", "prefer", true, now, now))

	connections, err := repo.ListConnections(context.Background(), false)
	if err != nil {
		t.Fatalf("ListConnections() error = %v", err)
	}
	if len(connections) != 2 {
		t.Fatalf("len = %d", len(connections))
	}
	if connections[1].Dialect != dialect.MySQL || connections[1].TLSMode != dialect.TLSPrefer {
		t.Fatalf("connections[1] = %#v", connections[1])
	}
	assertSQLMock(t, mock)
}

func TestSetConnectionActiveAndDelete(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`SET active = $2, updated_at = now()`)).
		WithArgs("c-1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tenant_connection WHERE connection_id = $1`)).
		WithArgs("c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tenant_connection WHERE connection_id = $1`)).
		WithArgs("c-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.SetConnectionActive(context.Background(), "c-1", false); err != nil {
		t.Fatalf("SetConnectionActive() error = %v", err)
	}
	if err := repo.DeleteConnection(context.Background(), "c-1"); err != nil {
		t.Fatalf("DeleteConnection() error = %v", err)
	}
	if err := repo.DeleteConnection(context.Background(), "c-1"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("second DeleteConnection() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestUpsertTablesKeepsEnabledFlagOnConflict(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO tenant_table (connection_id, schema_name, table_name, columns_json, enabled)
VALUES ($1, $2, $3, $4::jsonb, $5)
ON CONFLICT (connection_id, schema_name, table_name)
DO UPDATE SET columns_json = EXCLUDED.columns_json, updated_at = now()`)).
		WithArgs("c-1", "public", "orders", `[{"name":"id","data_type":"integer","nullable":false}]`, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpsertTables(context.Background(), "c-1", []catalog.TableDescriptor{{
		SchemaName: "public",
		TableName:  "orders",
		Columns:    []catalog.ColumnDescriptor{{Name: "id", DataType: "integer"}},
	}})
	if err != nil {
		t.Fatalf("UpsertTables() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestListTablesDecodesColumns(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE connection_id = $1 AND (NOT $2::boolean OR enabled)`)).
		WithArgs("c-1", true).
		WillReturnRows(sqlmock.NewRows([]string{"table_id", "connection_id", "schema_name", "table_name", "columns_json", "enabled", "created_at", "updated_at"}).
			AddRow(int64(7), "c-1", "public", "orders", []byte(`[{"name":"id","data_type":"integer","nullable":false},{"name":"total","data_type":"numeric","nullable":true}]`), true, now, now))

	tables, err := repo.ListTables(context.Background(), "c-1", true)
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 1 || len(tables[0].Columns) != 2 {
		t.Fatalf("tables = %#v", tables)
	}
	if tables[0].Columns[1].Name != "total" || !tables[0].Columns[1].Nullable {
		t.Fatalf("columns = %#v", tables[0].Columns)
	}
	assertSQLMock(t, mock)
}

func TestSetTablesEnabledCountsUpdates(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET enabled = $4, updated_at = now()`)).
		WithArgs("c-1", "public", "orders", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET enabled = $4, updated_at = now()`)).
		WithArgs("c-1", "public", "ghost", true).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	updated, err := repo.SetTablesEnabled(context.Background(), "c-1", []catalog.TableRef{
		{SchemaName: "public", TableName: "orders"},
		{SchemaName: "public", TableName: "ghost"},
	}, true)
	if err != nil {
		t.Fatalf("SetTablesEnabled() error = %v", err)
	}
	if updated != 1 {
		t.Fatalf("updated = %d, want 1", updated)
	}
	assertSQLMock(t, mock)
}

func TestUsageCountersUseSingleStatementUpserts(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now()
	period := catalog.Period{Year: 2024, Month: time.January}

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO query_usage (connection_id, year, month, query_count)
VALUES ($1, $2, $3, 0)
ON CONFLICT (connection_id, year, month)
DO UPDATE SET query_count = query_usage.query_count
RETURNING query_count, updated_at`)).
		WithArgs("c-1", 2024, 1).
		WillReturnRows(sqlmock.NewRows([]string{"query_count", "updated_at"}).AddRow(4, now))
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO query_usage (connection_id, year, month, query_count)
VALUES ($1, $2, $3, 1)
ON CONFLICT (connection_id, year, month)
DO UPDATE SET query_count = query_usage.query_count + 1, updated_at = now()
RETURNING query_count, updated_at`)).
		WithArgs("c-1", 2024, 1).
		WillReturnRows(sqlmock.NewRows([]string{"query_count", "updated_at"}).AddRow(5, now))

	counter, err := repo.EnsureUsage(context.Background(), "c-1", period)
	if err != nil {
		t.Fatalf("EnsureUsage() error = %v", err)
	}
	if counter.QueryCount != 4 {
		t.Fatalf("QueryCount = %d", counter.QueryCount)
	}
	counter, err = repo.IncrementUsage(context.Background(), "c-1", period)
	if err != nil {
		t.Fatalf("IncrementUsage() error = %v", err)
	}
	if counter.QueryCount != 5 || counter.Period != period {
		t.Fatalf("counter = %#v", counter)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
