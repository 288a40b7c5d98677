// Package tenant owns the per-connection database pools used to query
// customer databases.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/askdb/askdb/internal/dialect"
	"github.com/askdb/askdb/internal/observability"
)

// Target identifies the database behind a connection id. URL is the
// decrypted connection string.
type Target struct {
	URL     string
	TLSMode dialect.TLSMode
}

type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
}

// OpenFunc builds a pool for a target. It must not perform network I/O.
type OpenFunc func(target Target) (*sql.DB, dialect.Name, error)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Manager struct {
	config Config
	open   OpenFunc
	sleep  SleepFunc
	logger *slog.Logger

	mu     sync.Mutex
	pools  map[string]*pool
	flight singleflight.Group
}

type pool struct {
	db      *sql.DB
	dialect dialect.Name
}

type Option func(*Manager)

func WithOpenFunc(open OpenFunc) Option {
	return func(m *Manager) { m.open = open }
}

func WithSleepFunc(sleep SleepFunc) Option {
	return func(m *Manager) { m.sleep = sleep }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(config Config, opts ...Option) *Manager {
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 5
	}
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime <= 0 {
		config.ConnMaxLifetime = time.Hour
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}
	m := &Manager{
		config: config,
		open:   openTarget,
		sleep:  sleepContext,
		pools:  map[string]*pool{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pool returns the pool for connectionID, creating it on first use.
func (m *Manager) Pool(ctx context.Context, connectionID string, target Target) (*sql.DB, error) {
	p, err := m.pool(ctx, connectionID, target)
	if err != nil {
		return nil, err
	}
	return p.db, nil
}

func (m *Manager) pool(ctx context.Context, connectionID string, target Target) (*pool, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("connection id is required")
	}

	m.mu.Lock()
	existing, ok := m.pools[connectionID]
	m.mu.Unlock()
	if ok {
		return existing, nil
	}

	// Concurrent first uses of one connection id share a single open.
	value, err, _ := m.flight.Do(connectionID, func() (any, error) {
		return m.create(ctx, connectionID, target)
	})
	if err != nil {
		return nil, err
	}
	return value.(*pool), nil
}

func (m *Manager) create(ctx context.Context, connectionID string, target Target) (*pool, error) {
	m.mu.Lock()
	existing, ok := m.pools[connectionID]
	m.mu.Unlock()
	if ok {
		return existing, nil
	}

	db, name, err := m.open(target)
	if err != nil {
		return nil, fmt.Errorf("open tenant pool: %w", err)
	}
	db.SetMaxOpenConns(m.config.MaxOpenConns)
	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)
	if m.config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(m.config.ConnMaxIdleTime)
	}
	created := &pool{db: db, dialect: name}

	m.mu.Lock()
	if raced, ok := m.pools[connectionID]; ok {
		m.mu.Unlock()
		_ = db.Close()
		return raced, nil
	}
	m.pools[connectionID] = created
	count := len(m.pools)
	m.mu.Unlock()

	observability.SetTenantPools(count)
	if m.logger != nil {
		m.logger.InfoContext(ctx, "tenant pool created",
			slog.String("connection_id", connectionID),
			slog.String("dialect", string(name)),
			slog.Int("max_open_conns", m.config.MaxOpenConns),
		)
	}
	return created, nil
}

// Dispose closes the pool for connectionID and then forgets it. Disposing an
// unknown id is a no-op.
func (m *Manager) Dispose(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	p, ok := m.pools[connectionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	closeErr := p.db.Close()

	m.mu.Lock()
	if m.pools[connectionID] == p {
		delete(m.pools, connectionID)
	}
	count := len(m.pools)
	m.mu.Unlock()

	observability.SetTenantPools(count)
	if m.logger != nil {
		m.logger.InfoContext(ctx, "tenant pool disposed", slog.String("connection_id", connectionID))
	}
	if closeErr != nil {
		return fmt.Errorf("close tenant pool %s: %w", connectionID, closeErr)
	}
	return nil
}

// Close disposes every pool.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Dispose(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

func openTarget(target Target) (*sql.DB, dialect.Name, error) {
	return dialect.Open(target.URL, target.TLSMode)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
