package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/askdb/askdb/internal/dialect"
)

var (
	ErrNotFound = errors.New("catalog: not found")
	ErrConflict = errors.New("catalog: already exists")
)

type Repository interface {
	HealthCheck(ctx context.Context) error
	CreateConnection(ctx context.Context, in CreateConnectionInput) (Connection, error)
	GetConnection(ctx context.Context, connectionID string) (Connection, error)
	ListConnections(ctx context.Context, includeInactive bool) ([]Connection, error)
	SetConnectionActive(ctx context.Context, connectionID string, active bool) error
	DeleteConnection(ctx context.Context, connectionID string) error
	UpsertTables(ctx context.Context, connectionID string, tables []TableDescriptor) error
	ListTables(ctx context.Context, connectionID string, enabledOnly bool) ([]TableDescriptor, error)
	SetTablesEnabled(ctx context.Context, connectionID string, refs []TableRef, enabled bool) (int, error)
	UsageStore
}

// UsageStore holds the monthly query counters.
type UsageStore interface {
	EnsureUsage(ctx context.Context, connectionID string, period Period) (UsageCounter, error)
	IncrementUsage(ctx context.Context, connectionID string, period Period) (UsageCounter, error)
}

// Connection is a tenant database registration. EncryptedURL is only ever
// stored sealed.
type Connection struct {
	ConnectionID string
	Name         string
	Dialect      dialect.Name
	EncryptedURL string
	TLSMode      dialect.TLSMode
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CreateConnectionInput struct {
	ConnectionID string
	Name         string
	Dialect      dialect.Name
	EncryptedURL string
	TLSMode      dialect.TLSMode
}

type ColumnDescriptor struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// TableDescriptor is unique on (ConnectionID, SchemaName, TableName).
// Tables start disabled and must be opted in before SQL may reference them.
type TableDescriptor struct {
	TableID      int64
	ConnectionID string
	SchemaName   string
	TableName    string
	Columns      []ColumnDescriptor
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (t TableDescriptor) Ref() TableRef {
	return TableRef{SchemaName: t.SchemaName, TableName: t.TableName}
}

type TableRef struct {
	SchemaName string `json:"schema_name"`
	TableName  string `json:"table_name"`
}

func (r TableRef) QualifiedName() string {
	if r.SchemaName == "" {
		return r.TableName
	}
	return r.SchemaName + "." + r.TableName
}

// Period is one calendar month.
type Period struct {
	Year  int
	Month time.Month
}

func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

type UsageCounter struct {
	ConnectionID string
	Period       Period
	QueryCount   int
	UpdatedAt    time.Time
}
