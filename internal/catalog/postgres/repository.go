package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/dialect"
)

const uniqueViolation = "23505"

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) CreateConnection(ctx context.Context, in catalog.CreateConnectionInput) (catalog.Connection, error) {
	query := `
INSERT INTO tenant_connection (connection_id, name, dialect, encrypted_url, tls_mode)
VALUES ($1, $2, $3, $4, $5)
RETURNING active, created_at, updated_at`

	conn := catalog.Connection{
		ConnectionID: in.ConnectionID,
		Name:         in.Name,
		Dialect:      in.Dialect,
		EncryptedURL: in.EncryptedURL,
		TLSMode:      in.TLSMode,
	}
	if err := r.db.QueryRowContext(ctx, query, in.ConnectionID, in.Name, string(in.Dialect), in.EncryptedURL, string(in.TLSMode)).
		Scan(&conn.Active, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return catalog.Connection{}, catalog.ErrConflict
		}
		return catalog.Connection{}, fmt.Errorf("create connection: %w", err)
	}
	return conn, nil
}

func (r *Repository) GetConnection(ctx context.Context, connectionID string) (catalog.Connection, error) {
	query := `
SELECT connection_id, name, dialect, encrypted_url, tls_mode, active, created_at, updated_at
FROM tenant_connection
WHERE connection_id = $1`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, connectionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Connection{}, catalog.ErrNotFound
		}
		return catalog.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (r *Repository) ListConnections(ctx context.Context, includeInactive bool) ([]catalog.Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT connection_id, name, dialect, encrypted_url, tls_mode, active, created_at, updated_at
FROM tenant_connection
WHERE $1::boolean OR active
ORDER BY created_at ASC, connection_id ASC`, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	connections := make([]catalog.Connection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		connections = append(connections, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection rows: %w", err)
	}
	return connections, nil
}

func (r *Repository) SetConnectionActive(ctx context.Context, connectionID string, active bool) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE tenant_connection
SET active = $2, updated_at = now()
WHERE connection_id = $1`, connectionID, active)
	if err != nil {
		return fmt.Errorf("set connection active: %w", err)
	}
	return requireAffected(result, "set connection active")
}

// DeleteConnection removes the record; table descriptors and usage counters
// go with it through ON DELETE CASCADE.
func (r *Repository) DeleteConnection(ctx context.Context, connectionID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tenant_connection WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return requireAffected(result, "delete connection")
}

// UpsertTables inserts new descriptors disabled and refreshes the column
// list of known ones without touching their enabled flag.
func (r *Repository) UpsertTables(ctx context.Context, connectionID string, tables []catalog.TableDescriptor) error {
	return r.withTx(ctx, func(q dbTX) error {
		query := `
INSERT INTO tenant_table (connection_id, schema_name, table_name, columns_json, enabled)
VALUES ($1, $2, $3, $4::jsonb, $5)
ON CONFLICT (connection_id, schema_name, table_name)
DO UPDATE SET columns_json = EXCLUDED.columns_json, updated_at = now()`

		for _, table := range tables {
			columns := table.Columns
			if columns == nil {
				columns = []catalog.ColumnDescriptor{}
			}
			columnsJSON, err := json.Marshal(columns)
			if err != nil {
				return fmt.Errorf("encode columns for %s: %w", table.Ref().QualifiedName(), err)
			}
			if _, err := q.ExecContext(ctx, query, connectionID, table.SchemaName, table.TableName, string(columnsJSON), table.Enabled); err != nil {
				return fmt.Errorf("upsert table %s: %w", table.Ref().QualifiedName(), err)
			}
		}
		return nil
	})
}

func (r *Repository) ListTables(ctx context.Context, connectionID string, enabledOnly bool) ([]catalog.TableDescriptor, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT table_id, connection_id, schema_name, table_name, columns_json, enabled, created_at, updated_at
FROM tenant_table
WHERE connection_id = $1 AND (NOT $2::boolean OR enabled)
ORDER BY schema_name ASC, table_name ASC`, connectionID, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]catalog.TableDescriptor, 0)
	for rows.Next() {
		var (
			table       catalog.TableDescriptor
			columnsJSON []byte
		)
		if err := rows.Scan(
			&table.TableID,
			&table.ConnectionID,
			&table.SchemaName,
			&table.TableName,
			&columnsJSON,
			&table.Enabled,
			&table.CreatedAt,
			&table.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		if err := json.Unmarshal(columnsJSON, &table.Columns); err != nil {
			return nil, fmt.Errorf("decode columns for %s: %w", table.Ref().QualifiedName(), err)
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table rows: %w", err)
	}
	return tables, nil
}

func (r *Repository) SetTablesEnabled(ctx context.Context, connectionID string, refs []catalog.TableRef, enabled bool) (int, error) {
	updated := 0
	err := r.withTx(ctx, func(q dbTX) error {
		query := `
UPDATE tenant_table
SET enabled = $4, updated_at = now()
WHERE connection_id = $1 AND schema_name = $2 AND table_name = $3`
		for _, ref := range refs {
			result, err := q.ExecContext(ctx, query, connectionID, ref.SchemaName, ref.TableName, enabled)
			if err != nil {
				return fmt.Errorf("set table %s enabled: %w", ref.QualifiedName(), err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("set table %s enabled rows affected: %w", ref.QualifiedName(), err)
			}
			updated += int(affected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// EnsureUsage returns the counter for period, creating it at zero on the
// first query of a month.
func (r *Repository) EnsureUsage(ctx context.Context, connectionID string, period catalog.Period) (catalog.UsageCounter, error) {
	query := `
INSERT INTO query_usage (connection_id, year, month, query_count)
VALUES ($1, $2, $3, 0)
ON CONFLICT (connection_id, year, month)
DO UPDATE SET query_count = query_usage.query_count
RETURNING query_count, updated_at`

	counter := catalog.UsageCounter{ConnectionID: connectionID, Period: period}
	if err := r.db.QueryRowContext(ctx, query, connectionID, period.Year, int(period.Month)).
		Scan(&counter.QueryCount, &counter.UpdatedAt); err != nil {
		return catalog.UsageCounter{}, fmt.Errorf("ensure usage: %w", err)
	}
	return counter, nil
}

// IncrementUsage adds one query to the period in a single statement so
// concurrent requests never lose an update.
func (r *Repository) IncrementUsage(ctx context.Context, connectionID string, period catalog.Period) (catalog.UsageCounter, error) {
	query := `
INSERT INTO query_usage (connection_id, year, month, query_count)
VALUES ($1, $2, $3, 1)
ON CONFLICT (connection_id, year, month)
DO UPDATE SET query_count = query_usage.query_count + 1, updated_at = now()
RETURNING query_count, updated_at`

	counter := catalog.UsageCounter{ConnectionID: connectionID, Period: period}
	if err := r.db.QueryRowContext(ctx, query, connectionID, period.Year, int(period.Month)).
		Scan(&counter.QueryCount, &counter.UpdatedAt); err != nil {
		return catalog.UsageCounter{}, fmt.Errorf("increment usage: %w", err)
	}
	return counter, nil
}

func (r *Repository) withTx(ctx context.Context, fn func(q dbTX) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (catalog.Connection, error) {
	var (
		conn    catalog.Connection
		name    string
		tlsMode string
	)
	if err := row.Scan(
		&conn.ConnectionID,
		&conn.Name,
		&name,
		&conn.EncryptedURL,
		&tlsMode,
		&conn.Active,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	); err != nil {
		return catalog.Connection{}, err
	}
	conn.Dialect = dialect.Name(name)
	conn.TLSMode = dialect.TLSMode(tlsMode)
	return conn, nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ catalog.Repository = (*Repository)(nil)
