package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeFloat     ColumnType = "float"
	TypeString    ColumnType = "string"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeUnknown   ColumnType = "unknown"
)

type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Field is one typed scalar in a row. Value holds int64, float64, string,
// bool, time.Time or nil.
type Field struct {
	Name  string
	Value any
}

// Row keeps the column order emitted by the database.
type Row []Field

func (r Row) Get(name string) (any, bool) {
	for _, field := range r {
		if field.Name == name {
			return field.Value, true
		}
	}
	return nil, false
}

func (r Row) Values() []any {
	values := make([]any, len(r))
	for i, field := range r {
		values[i] = field.Value
	}
	return values
}

// MarshalJSON renders the row as an object whose keys follow column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(field.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type Result struct {
	Columns   []Column
	Rows      []Row
	RowCount  int
	Truncated bool
	Duration  time.Duration
}

func (r Result) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, column := range r.Columns {
		names[i] = column.Name
	}
	return names
}

// ExecutionMeta describes how a statement was run.
type ExecutionMeta struct {
	SQL        string
	Duration   time.Duration
	RowCount   int
	Truncated  bool
	Attempts   int
	RetryCount int
}

// Pool hands out a dedicated connection. *sql.DB satisfies it.
type Pool interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

type Request struct {
	SQL     string
	MaxRows int
	Timeout time.Duration
	Pool    Pool
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
