// Package datastore is the persistence contract consumed by services: named
// tables of records keyed by an integer id.
package datastore

import (
	"context"
	"sort"
	"sync"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/filters"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

// IDField is the primary key of every row.
const IDField = "id"

// Datastore stores rows by table name.
type Datastore interface {
	// Config returns the single row of a configuration table.
	Config(ctx context.Context, name string) (map[string]any, error)
	// Query returns a list, a single row (options.Get) or a count (options.Count).
	Query(ctx context.Context, name string, f filters.Filters, opts filters.Options) (any, error)
	Insert(ctx context.Context, name string, row map[string]any) (int64, error)
	// Update merges patch into the row; undefined fields are left alone.
	Update(ctx context.Context, name string, id int64, patch map[string]any) error
	Delete(ctx context.Context, name string, id int64) error
	Close() error
}

// MemoryStore keeps tables in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	next int64
	rows map[int64]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

func (s *MemoryStore) table(name string) *memTable {
	t, ok := s.tables[name]
	if !ok {
		t = &memTable{rows: make(map[int64]map[string]any)}
		s.tables[name] = t
	}
	return t
}

func (s *MemoryStore) rows(name string) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, schema.CopyValue(t.rows[id]).(map[string]any))
	}
	return out
}

func (s *MemoryStore) Config(_ context.Context, name string) (map[string]any, error) {
	rows := s.rows(name)
	if len(rows) == 0 {
		return nil, errs.New(errs.KindNotFound, "%s is not configured", name)
	}
	return rows[0], nil
}

func (s *MemoryStore) Query(_ context.Context, name string, f filters.Filters, opts filters.Options) (any, error) {
	return filters.Apply(s.rows(name), f, opts)
}

func (s *MemoryStore) Insert(_ context.Context, name string, row map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(name)
	stored := schema.ApplyPartial(nil, row)
	id, ok := toID(stored[IDField])
	if !ok {
		t.next++
		id = t.next
	} else if _, exists := t.rows[id]; exists {
		return 0, errs.New(errs.KindAlreadyExists, "%s %d already exists", name, id)
	}
	if id > t.next {
		t.next = id
	}
	stored[IDField] = id
	t.rows[id] = stored
	return id, nil
}

func (s *MemoryStore) Update(_ context.Context, name string, id int64, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(name)
	row, ok := t.rows[id]
	if !ok {
		return errs.New(errs.KindNotFound, "%s %d does not exist", name, id)
	}
	merged := schema.ApplyPartial(row, patch)
	merged[IDField] = id
	t.rows[id] = merged
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(name)
	if _, ok := t.rows[id]; !ok {
		return errs.New(errs.KindNotFound, "%s %d does not exist", name, id)
	}
	delete(t.rows, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func toID(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), n > 0
	case int64:
		return n, n > 0
	case float64:
		return int64(n), n > 0 && n == float64(int64(n))
	}
	return 0, false
}
