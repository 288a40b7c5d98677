// Package memory is an in-process catalog.Repository for tests and local
// runs without an application database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/askdb/askdb/internal/catalog"
)

type usageKey struct {
	connectionID string
	period       catalog.Period
}

type Repository struct {
	mu          sync.Mutex
	now         func() time.Time
	nextTableID int64
	connections map[string]catalog.Connection
	tables      map[string][]catalog.TableDescriptor
	usage       map[usageKey]catalog.UsageCounter
}

func New() *Repository {
	return &Repository{
		now:         time.Now,
		connections: map[string]catalog.Connection{},
		tables:      map[string][]catalog.TableDescriptor{},
		usage:       map[usageKey]catalog.UsageCounter{},
	}
}

func (r *Repository) HealthCheck(context.Context) error { return nil }

func (r *Repository) CreateConnection(_ context.Context, in catalog.CreateConnectionInput) (catalog.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[in.ConnectionID]; exists {
		return catalog.Connection{}, catalog.ErrConflict
	}
	now := r.now().UTC()
	conn := catalog.Connection{
		ConnectionID: in.ConnectionID,
		Name:         in.Name,
		Dialect:      in.Dialect,
		EncryptedURL: in.EncryptedURL,
		TLSMode:      in.TLSMode,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.connections[in.ConnectionID] = conn
	return conn, nil
}

func (r *Repository) GetConnection(_ context.Context, connectionID string) (catalog.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connectionID]
	if !ok {
		return catalog.Connection{}, catalog.ErrNotFound
	}
	return conn, nil
}

func (r *Repository) ListConnections(_ context.Context, includeInactive bool) ([]catalog.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]catalog.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		if conn.Active || includeInactive {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) SetConnectionActive(_ context.Context, connectionID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connectionID]
	if !ok {
		return catalog.ErrNotFound
	}
	conn.Active = active
	conn.UpdatedAt = r.now().UTC()
	r.connections[connectionID] = conn
	return nil
}

func (r *Repository) DeleteConnection(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[connectionID]; !ok {
		return catalog.ErrNotFound
	}
	delete(r.connections, connectionID)
	delete(r.tables, connectionID)
	for key := range r.usage {
		if key.connectionID == connectionID {
			delete(r.usage, key)
		}
	}
	return nil
}

func (r *Repository) UpsertTables(_ context.Context, connectionID string, tables []catalog.TableDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[connectionID]; !ok {
		return catalog.ErrNotFound
	}
	now := r.now().UTC()
	existing := r.tables[connectionID]
	for _, table := range tables {
		found := false
		for i := range existing {
			if existing[i].Ref() == table.Ref() {
				existing[i].Columns = append([]catalog.ColumnDescriptor(nil), table.Columns...)
				existing[i].UpdatedAt = now
				found = true
				break
			}
		}
		if found {
			continue
		}
		r.nextTableID++
		table.TableID = r.nextTableID
		table.ConnectionID = connectionID
		table.Columns = append([]catalog.ColumnDescriptor(nil), table.Columns...)
		table.CreatedAt = now
		table.UpdatedAt = now
		existing = append(existing, table)
	}
	r.tables[connectionID] = existing
	return nil
}

func (r *Repository) ListTables(_ context.Context, connectionID string, enabledOnly bool) ([]catalog.TableDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]catalog.TableDescriptor, 0)
	for _, table := range r.tables[connectionID] {
		if enabledOnly && !table.Enabled {
			continue
		}
		out = append(out, table)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SchemaName == out[j].SchemaName {
			return out[i].TableName < out[j].TableName
		}
		return out[i].SchemaName < out[j].SchemaName
	})
	return out, nil
}

func (r *Repository) SetTablesEnabled(_ context.Context, connectionID string, refs []catalog.TableRef, enabled bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tables := r.tables[connectionID]
	updated := 0
	for _, ref := range refs {
		for i := range tables {
			if tables[i].Ref() == ref {
				tables[i].Enabled = enabled
				tables[i].UpdatedAt = r.now().UTC()
				updated++
			}
		}
	}
	return updated, nil
}

func (r *Repository) EnsureUsage(_ context.Context, connectionID string, period catalog.Period) (catalog.UsageCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := usageKey{connectionID: connectionID, period: period}
	counter, ok := r.usage[key]
	if !ok {
		counter = catalog.UsageCounter{ConnectionID: connectionID, Period: period, UpdatedAt: r.now().UTC()}
		r.usage[key] = counter
	}
	return counter, nil
}

func (r *Repository) IncrementUsage(_ context.Context, connectionID string, period catalog.Period) (catalog.UsageCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := usageKey{connectionID: connectionID, period: period}
	counter := r.usage[key]
	counter.ConnectionID = connectionID
	counter.Period = period
	counter.QueryCount++
	counter.UpdatedAt = r.now().UTC()
	r.usage[key] = counter
	return counter, nil
}

var _ catalog.Repository = (*Repository)(nil)
