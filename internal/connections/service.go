// Package connections registers tenant databases and keeps their schema
// descriptors in the catalog.
package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/dialect"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/tenant"
	"github.com/askdb/askdb/internal/usage"
)

var ErrInvalidInput = errors.New("invalid connection input")

// TestFailedError is returned by Create when the target database cannot be
// reached. Message is the connection test message.
type TestFailedError struct {
	Message string
}

func (e *TestFailedError) Error() string { return e.Message }

type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type SchemaReader interface {
	Introspect(ctx context.Context, rawURL string, mode dialect.TLSMode) ([]catalog.TableDescriptor, error)
	TestConnection(ctx context.Context, rawURL string, mode dialect.TLSMode, timeout time.Duration) schema.ConnectionTestResult
}

type PoolDisposer interface {
	Dispose(ctx context.Context, connectionID string) error
}

type CreateInput struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	TLSMode string `json:"tls_mode"`
}

// Summary is a connection record without its sealed URL.
type Summary struct {
	ConnectionID  string          `json:"connection_id"`
	Name          string          `json:"name"`
	Dialect       dialect.Name    `json:"dialect"`
	TLSMode       dialect.TLSMode `json:"tls_mode"`
	Active        bool            `json:"active"`
	TableCount    int             `json:"table_count"`
	EnabledTables int             `json:"enabled_table_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Table struct {
	SchemaName string                     `json:"schema_name"`
	TableName  string                     `json:"table_name"`
	Columns    []catalog.ColumnDescriptor `json:"columns"`
	Enabled    bool                       `json:"enabled"`
}

// Service fields are wired by the caller. Now and NewID default to
// time.Now and uuid.NewString.
type Service struct {
	Repo         catalog.Repository
	Vault        Sealer
	Schema       SchemaReader
	Pools        PoolDisposer
	Quota        *usage.Tracker
	TestTimeout  time.Duration
	MonthlyLimit int
	Logger       *slog.Logger
	NewID        func() string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (Summary, error) {
	name := strings.TrimSpace(in.Name)
	rawURL := strings.TrimSpace(in.URL)
	if name == "" {
		return Summary{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if rawURL == "" {
		return Summary{}, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	mode, err := dialect.ParseTLSMode(in.TLSMode)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	detected, err := dialect.Detect(rawURL)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	result := s.Schema.TestConnection(ctx, rawURL, mode, s.testTimeout())
	if !result.Success {
		return Summary{}, &TestFailedError{Message: result.Message}
	}

	sealed, err := s.Vault.Encrypt(rawURL)
	if err != nil {
		return Summary{}, fmt.Errorf("encrypt connection url: %w", err)
	}
	conn, err := s.Repo.CreateConnection(ctx, catalog.CreateConnectionInput{
		ConnectionID: s.newID(),
		Name:         name,
		Dialect:      detected,
		EncryptedURL: sealed,
		TLSMode:      mode,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("create connection: %w", err)
	}

	s.logger().InfoContext(ctx, "tenant connection registered",
		slog.String("connection_id", conn.ConnectionID),
		slog.String("dialect", string(conn.Dialect)),
		slog.String("target", dialect.Redact(rawURL)),
	)

	if tables, err := s.Schema.Introspect(ctx, rawURL, mode); err != nil {
		s.logger().WarnContext(ctx, "schema introspection failed after create",
			slog.String("connection_id", conn.ConnectionID),
			slog.Any("error", err),
		)
	} else if err := s.Repo.UpsertTables(ctx, conn.ConnectionID, tables); err != nil {
		s.logger().WarnContext(ctx, "store schema descriptors failed",
			slog.String("connection_id", conn.ConnectionID),
			slog.Any("error", err),
		)
	}
	return s.summarize(ctx, conn)
}

func (s *Service) List(ctx context.Context, includeInactive bool) ([]Summary, error) {
	conns, err := s.Repo.ListConnections(ctx, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	out := make([]Summary, 0, len(conns))
	for _, conn := range conns {
		summary, err := s.summarize(ctx, conn)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, connectionID string) (Summary, error) {
	conn, err := s.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return Summary{}, err
	}
	return s.summarize(ctx, conn)
}

// Test decrypts the stored URL and probes it. Inactive connections may still
// be tested.
func (s *Service) Test(ctx context.Context, connectionID string) (schema.ConnectionTestResult, error) {
	conn, rawURL, err := s.open(ctx, connectionID)
	if err != nil {
		return schema.ConnectionTestResult{}, err
	}
	return s.Schema.TestConnection(ctx, rawURL, conn.TLSMode, s.testTimeout()), nil
}

func (s *Service) Tables(ctx context.Context, connectionID string) ([]Table, error) {
	if _, err := s.Repo.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	descriptors, err := s.Repo.ListTables(ctx, connectionID, false)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	out := make([]Table, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, Table{
			SchemaName: d.SchemaName,
			TableName:  d.TableName,
			Columns:    d.Columns,
			Enabled:    d.Enabled,
		})
	}
	return out, nil
}

// SetTablesEnabled returns how many of refs matched a stored table.
func (s *Service) SetTablesEnabled(ctx context.Context, connectionID string, refs []catalog.TableRef, enabled bool) (int, error) {
	if len(refs) == 0 {
		return 0, fmt.Errorf("%w: at least one table is required", ErrInvalidInput)
	}
	if _, err := s.Repo.GetConnection(ctx, connectionID); err != nil {
		return 0, err
	}
	updated, err := s.Repo.SetTablesEnabled(ctx, connectionID, refs, enabled)
	if err != nil {
		return 0, fmt.Errorf("set tables enabled: %w", err)
	}
	return updated, nil
}

// RefreshSchema re-reads the tenant schema. Existing tables keep their
// enabled flag.
func (s *Service) RefreshSchema(ctx context.Context, connectionID string) (int, error) {
	conn, rawURL, err := s.open(ctx, connectionID)
	if err != nil {
		return 0, err
	}
	tables, err := s.Schema.Introspect(ctx, rawURL, conn.TLSMode)
	if err != nil {
		return 0, fmt.Errorf("introspect schema: %w", err)
	}
	if err := s.Repo.UpsertTables(ctx, connectionID, tables); err != nil {
		return 0, fmt.Errorf("store schema descriptors: %w", err)
	}
	s.logger().InfoContext(ctx, "tenant schema refreshed",
		slog.String("connection_id", connectionID),
		slog.Int("tables", len(tables)),
	)
	return len(tables), nil
}

// Deactivate keeps the record and its history but closes the pool.
func (s *Service) Deactivate(ctx context.Context, connectionID string) error {
	if err := s.Repo.SetConnectionActive(ctx, connectionID, false); err != nil {
		return err
	}
	s.dispose(ctx, connectionID)
	return nil
}

// Delete removes the connection, its tables and its usage counters.
func (s *Service) Delete(ctx context.Context, connectionID string) error {
	if err := s.Repo.DeleteConnection(ctx, connectionID); err != nil {
		return err
	}
	s.dispose(ctx, connectionID)
	return nil
}

func (s *Service) Usage(ctx context.Context, connectionID string) (usage.Summary, error) {
	if _, err := s.Repo.GetConnection(ctx, connectionID); err != nil {
		return usage.Summary{}, err
	}
	tracker := s.Quota
	if tracker == nil {
		tracker = usage.NewTracker(s.Repo)
	}
	return tracker.Usage(ctx, connectionID, s.monthlyLimit())
}

// Resolve serves the pipeline: the connection must be active and its URL is
// returned decrypted along with the enabled tables.
func (s *Service) Resolve(ctx context.Context, connectionID string) (pipeline.Tenant, error) {
	conn, rawURL, err := s.open(ctx, connectionID)
	if err != nil {
		return pipeline.Tenant{}, err
	}
	if !conn.Active {
		return pipeline.Tenant{}, pipeline.ErrConnectionInactive
	}
	tables, err := s.Repo.ListTables(ctx, connectionID, true)
	if err != nil {
		return pipeline.Tenant{}, fmt.Errorf("list enabled tables: %w", err)
	}
	return pipeline.Tenant{
		ConnectionID: conn.ConnectionID,
		Dialect:      conn.Dialect,
		Target:       tenant.Target{URL: rawURL, TLSMode: conn.TLSMode},
		Tables:       tables,
	}, nil
}

func (s *Service) open(ctx context.Context, connectionID string) (catalog.Connection, string, error) {
	conn, err := s.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return catalog.Connection{}, "", err
	}
	rawURL, err := s.Vault.Decrypt(conn.EncryptedURL)
	if err != nil {
		return catalog.Connection{}, "", fmt.Errorf("decrypt connection url: %w", err)
	}
	return conn, rawURL, nil
}

func (s *Service) summarize(ctx context.Context, conn catalog.Connection) (Summary, error) {
	tables, err := s.Repo.ListTables(ctx, conn.ConnectionID, false)
	if err != nil {
		return Summary{}, fmt.Errorf("list tables: %w", err)
	}
	enabled := 0
	for _, table := range tables {
		if table.Enabled {
			enabled++
		}
	}
	return Summary{
		ConnectionID:  conn.ConnectionID,
		Name:          conn.Name,
		Dialect:       conn.Dialect,
		TLSMode:       conn.TLSMode,
		Active:        conn.Active,
		TableCount:    len(tables),
		EnabledTables: enabled,
		CreatedAt:     conn.CreatedAt,
		UpdatedAt:     conn.UpdatedAt,
	}, nil
}

func (s *Service) dispose(ctx context.Context, connectionID string) {
	if s.Pools == nil {
		return
	}
	if err := s.Pools.Dispose(ctx, connectionID); err != nil {
		s.logger().WarnContext(ctx, "dispose tenant pool failed",
			slog.String("connection_id", connectionID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) testTimeout() time.Duration {
	if s.TestTimeout > 0 {
		return s.TestTimeout
	}
	return schema.DefaultTestTimeout
}

func (s *Service) monthlyLimit() int {
	if s.MonthlyLimit > 0 {
		return s.MonthlyLimit
	}
	return usage.DefaultMonthlyLimit
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

var _ pipeline.ConnectionResolver = (*Service)(nil)
