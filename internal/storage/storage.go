// Package storage provides the append-only record store behind the
// versioning engine.
//
// The Store interface is the primary abstraction. SQLiteStore is the default
// implementation using pure-Go SQLite (modernc.org/sqlite); PostgresStore
// backs the same contract with lib/pq, and MemoryStore is an in-process
// implementation used by tests and ephemeral deployments.
//
// Records are immutable: there is no update or delete. Every write appends
// a new row with a store-assigned, strictly increasing id, so the id order
// matches insertion order exactly and acts as the authoritative tie-break
// for records sharing a created_at second.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable reports that the underlying store could not complete an
// operation. Callers can test for it with errors.Is.
var ErrUnavailable = errors.New("record store unavailable")

// Record is one immutable version of a key's value.
type Record struct {
	ID        int64           `json:"id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"created_at_timestamp"` // unix seconds
}

// Position locates a record in the (created_at desc, id desc) ordering.
type Position struct {
	CreatedAt int64
	ID        int64
}

// Before reports whether p sorts strictly after other in descending order,
// i.e. (p.CreatedAt, p.ID) < (other.CreatedAt, other.ID) lexicographically.
func (p Position) Before(other Position) bool {
	if p.CreatedAt != other.CreatedAt {
		return p.CreatedAt < other.CreatedAt
	}
	return p.ID < other.ID
}

// QueryOptions narrows and bounds a Query call. The zero value selects
// every record. Results are always ordered by (created_at desc, id desc).
type QueryOptions struct {
	// Key restricts results to a single key when non-empty.
	Key string

	// CreatedAtMax keeps only records with created_at <= CreatedAtMax
	// when positive.
	CreatedAtMax int64

	// IDs restricts results to the given id set when non-nil. An empty
	// non-nil slice matches nothing.
	IDs []int64

	// After is an exclusive start position: only records strictly after
	// it in descending order are returned.
	After *Position

	// Limit caps the number of rows when positive.
	Limit int
}

// Store is the append-only record store consumed by the versioning engine.
type Store interface {
	// Append durably persists a new record and returns it with the
	// assigned id. Appends are atomic: a concurrent reader never
	// observes a partially written record, and ids remain strictly
	// increasing across concurrent calls.
	Append(ctx context.Context, key string, value json.RawMessage, createdAt int64) (Record, error)

	// MaxIDPerKey returns, for every distinct key, the maximum record id.
	MaxIDPerKey(ctx context.Context) (map[string]int64, error)

	// Query returns records matching opts, ordered by
	// (created_at desc, id desc).
	Query(ctx context.Context, opts QueryOptions) ([]Record, error)

	// Close shuts down the store.
	Close() error
}
