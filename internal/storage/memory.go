package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store implementation. It exists for tests
// and ephemeral deployments; it honors the same ordering and atomicity
// guarantees as the database-backed stores.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Append inserts a new record and returns it with the assigned id.
func (m *MemoryStore) Append(ctx context.Context, key string, value json.RawMessage, createdAt int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := Record{
		ID:        m.nextID,
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		CreatedAt: createdAt,
	}
	m.nextID++
	m.records = append(m.records, rec)
	return rec, nil
}

// MaxIDPerKey returns the maximum record id for every distinct key.
func (m *MemoryStore) MaxIDPerKey(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]int64)
	for _, rec := range m.records {
		if rec.ID > latest[rec.Key] {
			latest[rec.Key] = rec.ID
		}
	}
	return latest, nil
}

// Query returns records matching opts ordered by (created_at desc, id desc).
func (m *MemoryStore) Query(ctx context.Context, opts QueryOptions) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idSet map[int64]bool
	if opts.IDs != nil {
		idSet = make(map[int64]bool, len(opts.IDs))
		for _, id := range opts.IDs {
			idSet[id] = true
		}
	}

	var matched []Record
	for _, rec := range m.records {
		if opts.Key != "" && rec.Key != opts.Key {
			continue
		}
		if opts.CreatedAtMax > 0 && rec.CreatedAt > opts.CreatedAtMax {
			continue
		}
		if idSet != nil && !idSet[rec.ID] {
			continue
		}
		if opts.After != nil {
			pos := Position{CreatedAt: rec.CreatedAt, ID: rec.ID}
			if !pos.Before(*opts.After) {
				continue
			}
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
