// Package schema reads table and column metadata from tenant databases and
// probes connectivity before a connection is stored.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/dialect"
)

const DefaultTestTimeout = 5 * time.Second

type OpenFunc func(rawURL string, mode dialect.TLSMode) (*sql.DB, dialect.Name, error)

// ConnectionTestResult is the outcome of a connectivity probe. Failures are
// reported in Message rather than as an error.
type ConnectionTestResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	ServerVersion string `json:"server_version,omitempty"`
}

type adapter struct {
	versionQuery string
	columnsQuery string
}

var adapters = map[dialect.Name]adapter{
	dialect.PostgreSQL: {
		versionQuery: `SELECT version()`,
		columnsQuery: `
SELECT table_schema, table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name, ordinal_position`,
	},
	dialect.MySQL: {
		versionQuery: `SELECT VERSION()`,
		columnsQuery: `
SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, DATA_TYPE, IS_NULLABLE
FROM information_schema.columns
WHERE TABLE_SCHEMA = DATABASE()
ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION`,
	},
}

type Introspector struct {
	Open   OpenFunc
	Logger *slog.Logger
}

func NewIntrospector(logger *slog.Logger) *Introspector {
	return &Introspector{Open: dialect.Open, Logger: logger}
}

// Introspect lists every user table with its columns in ordinal order. The
// returned descriptors are disabled.
func (i *Introspector) Introspect(ctx context.Context, rawURL string, mode dialect.TLSMode) ([]catalog.TableDescriptor, error) {
	name, err := dialect.Detect(rawURL)
	if err != nil {
		return nil, err
	}
	db, _, err := i.open(rawURL, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", name, err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, adapters[name].columnsQuery)
	if err != nil {
		return nil, fmt.Errorf("introspect %s schema: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		tables []catalog.TableDescriptor
		index  = map[catalog.TableRef]int{}
	)
	for rows.Next() {
		var (
			ref      catalog.TableRef
			column   catalog.ColumnDescriptor
			nullable string
		)
		if err := rows.Scan(&ref.SchemaName, &ref.TableName, &column.Name, &column.DataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan %s column: %w", name, err)
		}
		column.Nullable = strings.EqualFold(nullable, "YES")

		pos, ok := index[ref]
		if !ok {
			pos = len(tables)
			index[ref] = pos
			tables = append(tables, catalog.TableDescriptor{SchemaName: ref.SchemaName, TableName: ref.TableName})
		}
		tables[pos].Columns = append(tables[pos].Columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect %s schema: %w", name, err)
	}

	i.logger().Debug("schema introspected",
		slog.String("dialect", string(name)),
		slog.String("target", dialect.Redact(rawURL)),
		slog.Int("tables", len(tables)),
	)
	return tables, nil
}

// TestConnection runs the dialect's version query under timeout.
func (i *Introspector) TestConnection(ctx context.Context, rawURL string, mode dialect.TLSMode, timeout time.Duration) ConnectionTestResult {
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	name, err := dialect.Detect(rawURL)
	if err != nil {
		return ConnectionTestResult{Message: "Connection failed: " + err.Error()}
	}
	db, _, err := i.open(rawURL, mode)
	if err != nil {
		return ConnectionTestResult{Message: "Connection failed: " + err.Error()}
	}
	defer func() { _ = db.Close() }()

	testCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var version string
	err = db.QueryRowContext(testCtx, adapters[name].versionQuery).Scan(&version)
	switch {
	case err == nil:
		return ConnectionTestResult{Success: true, Message: "Connection successful", ServerVersion: version}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(testCtx.Err(), context.DeadlineExceeded):
		return ConnectionTestResult{Message: fmt.Sprintf("Connection timeout after %s seconds", formatSeconds(timeout))}
	default:
		i.logger().Debug("connection test failed",
			slog.String("dialect", string(name)),
			slog.String("target", dialect.Redact(rawURL)),
			slog.String("error", err.Error()),
		)
		return ConnectionTestResult{Message: "Connection failed: " + err.Error()}
	}
}

func (i *Introspector) open(rawURL string, mode dialect.TLSMode) (*sql.DB, dialect.Name, error) {
	open := i.Open
	if open == nil {
		open = dialect.Open
	}
	return open(rawURL, mode)
}

func (i *Introspector) logger() *slog.Logger {
	if i.Logger == nil {
		return slog.Default()
	}
	return i.Logger
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
