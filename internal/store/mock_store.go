// ABOUTME: In-memory MetadataStore implementation for tests and ephemeral runs
// ABOUTME: Allows orchestrator tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory MetadataStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Metadata
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Metadata)}
}

// GetMetadata returns a copy of the stored record.
func (m *MemoryStore) GetMetadata(_ context.Context, id string) (*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// MergeMetadata applies patch, creating the record if needed.
func (m *MemoryStore) MergeMetadata(_ context.Context, id string, patch Patch) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := m.records[id]
	if !ok {
		rec = &Metadata{ID: id, CreatedAt: now}
		m.records[id] = rec
	}
	patch.Apply(rec)
	rec.UpdatedAt = now

	cp := *rec
	return &cp, nil
}

// DeleteMetadata removes the record if present.
func (m *MemoryStore) DeleteMetadata(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// ListMetadata returns copies of all records ordered by id.
func (m *MemoryStore) ListMetadata(_ context.Context) ([]*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Metadata, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
