// Package sqldb runs validated statements through a database/sql pool.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/dialect"
	"github.com/askdb/askdb/internal/query"
)

const defaultAcquireTimeout = 10 * time.Second

type Engine struct {
	AcquireTimeout time.Duration
}

func NewEngine(acquireTimeout time.Duration) *Engine {
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	return &Engine{AcquireTimeout: acquireTimeout}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if request.MaxRows <= 0 {
		return query.Result{}, fmt.Errorf("max rows must be positive")
	}
	if request.Pool == nil {
		return query.Result{}, fmt.Errorf("connection pool is required")
	}

	sqlText := query.InjectLimit(request.SQL, request.MaxRows)
	start := time.Now()

	conn, err := e.acquire(ctx, request.Pool)
	if err != nil {
		return query.Result{}, &query.ConnectionError{Op: "acquire connection", Err: err}
	}
	defer func() { _ = conn.Close() }()

	queryCtx := ctx
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	rows, err := conn.QueryContext(queryCtx, sqlText)
	if err != nil {
		return query.Result{}, classify(queryCtx, err, request.Timeout)
	}
	defer func() { _ = rows.Close() }()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return query.Result{}, classify(queryCtx, fmt.Errorf("query columns: %w", err), request.Timeout)
	}
	names := make([]string, len(columnTypes))
	dbTypes := make([]string, len(columnTypes))
	for i, columnType := range columnTypes {
		names[i] = columnType.Name()
		dbTypes[i] = strings.ToUpper(columnType.DatabaseTypeName())
	}

	resultRows := make([]query.Row, 0)
	truncated := false
	for rows.Next() {
		values := make([]any, len(names))
		scanTargets := make([]any, len(names))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, classify(queryCtx, fmt.Errorf("scan row: %w", err), request.Timeout)
		}
		row := make(query.Row, len(names))
		for i, value := range values {
			row[i] = query.Field{Name: names[i], Value: normalizeValue(value, dbTypes[i])}
		}
		resultRows = append(resultRows, row)
		if len(resultRows) == request.MaxRows {
			truncated = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, classify(queryCtx, fmt.Errorf("iterate rows: %w", err), request.Timeout)
	}

	return query.Result{
		Columns:   inferColumns(names, dbTypes, resultRows),
		Rows:      resultRows,
		RowCount:  len(resultRows),
		Truncated: truncated,
		Duration:  time.Since(start),
	}, nil
}

func (e *Engine) acquire(ctx context.Context, pool query.Pool) (*sql.Conn, error) {
	timeout := e.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := pool.Conn(acquireCtx)
	if err != nil {
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("no connection available within %s: %w", timeout, err)
		}
		return nil, err
	}
	return conn, nil
}

func classify(queryCtx context.Context, err error, timeout time.Duration) error {
	if errors.Is(queryCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &query.ExecutionError{Kind: query.KindTimeout, Timeout: timeout, Err: err}
	}
	if dialect.IsTransient(err) {
		return &query.ConnectionError{Op: "execute query", Err: err}
	}
	return &query.ExecutionError{Kind: query.KindQueryFailed, Err: err}
}

func normalizeValue(value any, dbType string) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case []byte:
		return normalizeValue(string(typed), dbType)
	case string:
		if isDecimalType(dbType) {
			if parsed, err := strconv.ParseFloat(typed, 64); err == nil {
				return finiteOrNil(parsed)
			}
		}
		return typed
	case int:
		return int64(typed)
	case int8:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint8:
		return int64(typed)
	case uint16:
		return int64(typed)
	case uint32:
		return int64(typed)
	case uint64:
		if typed > math.MaxInt64 {
			return typed
		}
		return int64(typed)
	case float32:
		return finiteOrNil(float64(typed))
	case float64:
		return finiteOrNil(typed)
	default:
		return typed
	}
}

// finiteOrNil maps NaN and infinities to nil. JSON has no encoding for them.
func finiteOrNil(value float64) any {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	return value
}

func inferColumns(names, dbTypes []string, rows []query.Row) []query.Column {
	columns := make([]query.Column, len(names))
	for i, name := range names {
		columnType := query.TypeUnknown
		if len(rows) > 0 {
			columnType = typeOfValue(rows[0][i].Value)
		}
		if columnType == query.TypeUnknown {
			columnType = typeOfDatabaseName(dbTypes[i])
		}
		columns[i] = query.Column{Name: name, Type: columnType}
	}
	return columns
}

func typeOfValue(value any) query.ColumnType {
	switch value.(type) {
	case int64, uint64:
		return query.TypeInteger
	case float64:
		return query.TypeFloat
	case string:
		return query.TypeString
	case bool:
		return query.TypeBoolean
	case time.Time:
		return query.TypeTimestamp
	default:
		return query.TypeUnknown
	}
}

func typeOfDatabaseName(dbType string) query.ColumnType {
	switch {
	case dbType == "":
		return query.TypeUnknown
	case isDecimalType(dbType), strings.Contains(dbType, "FLOAT"), strings.Contains(dbType, "DOUBLE"), dbType == "REAL":
		return query.TypeFloat
	case strings.Contains(dbType, "INT"), strings.Contains(dbType, "SERIAL"):
		return query.TypeInteger
	case strings.HasPrefix(dbType, "BOOL"):
		return query.TypeBoolean
	case strings.Contains(dbType, "DATE"), strings.Contains(dbType, "TIME"):
		return query.TypeTimestamp
	case strings.Contains(dbType, "CHAR"), strings.Contains(dbType, "TEXT"), dbType == "UUID", dbType == "ENUM":
		return query.TypeString
	default:
		return query.TypeUnknown
	}
}

func isDecimalType(dbType string) bool {
	return dbType == "NUMERIC" || dbType == "DECIMAL" || dbType == "NEWDECIMAL"
}
