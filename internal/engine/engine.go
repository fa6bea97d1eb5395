// Package engine implements the versioned-storage query semantics: every
// write appends an immutable record, and reads resolve "latest" and
// "as-of" against the (created_at, id) ordering.
//
// The engine owns no state beyond a Store handle and a clock; all
// operations are synchronous and safe for concurrent use.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chronostore/chronostore/internal/cursor"
	"github.com/chronostore/chronostore/internal/storage"
)

const (
	// DefaultPageSize is the listing page size when none is requested.
	DefaultPageSize = 20

	// MaxKeyBytes is the upper bound on key length.
	MaxKeyBytes = 255
)

// ErrNotFound reports that no record satisfies the requested lookup.
var ErrNotFound = errors.New("object not found")

// ErrInvalidInput reports malformed arguments. It is always detected
// before touching the store. Concrete failures are InputError values
// wrapping this sentinel.
var ErrInvalidInput = errors.New("invalid input")

// InputError describes which argument was rejected and why.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// Clock supplies write timestamps as unix seconds.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() int64

// Now implements Clock.
func (f ClockFunc) Now() int64 { return f() }

// Page is one page of the latest-object listing.
type Page struct {
	Items []storage.Record

	// NextCursor resumes the listing after the last item on this page.
	// Empty when no further items exist.
	NextCursor string

	// PrevCursor is the ordering key of the first item on this page,
	// for backward traversal. Empty on the first page.
	PrevCursor string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the write-timestamp source. Tests use this to pin
// created_at values.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine computes versioned reads and appends against a record store.
type Engine struct {
	store storage.Store
	clock Clock
}

// New creates an engine over the given record store.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		clock: ClockFunc(unixNow),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Put appends a new version of key with the current clock time. It never
// dedups: writing a value identical to the previous version still creates
// a new record.
func (e *Engine) Put(ctx context.Context, key string, value json.RawMessage) (storage.Record, error) {
	if err := validateKey(key); err != nil {
		return storage.Record{}, err
	}
	if err := validateValue(value); err != nil {
		return storage.Record{}, err
	}

	return e.store.Append(ctx, key, value, e.clock.Now())
}

// FindLatestByKey returns the record for key with the greatest
// (created_at, id). Fails with ErrNotFound if the key has no records.
func (e *Engine) FindLatestByKey(ctx context.Context, key string) (storage.Record, error) {
	if err := validateKey(key); err != nil {
		return storage.Record{}, err
	}

	records, err := e.store.Query(ctx, storage.QueryOptions{Key: key, Limit: 1})
	if err != nil {
		return storage.Record{}, err
	}
	if len(records) == 0 {
		return storage.Record{}, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	return records[0], nil
}

// GetValueAt returns the record that was current for key at the given
// unix timestamp: the greatest (created_at, id) among records with
// created_at <= timestamp. Fails with ErrNotFound when the timestamp
// precedes the key's first write.
func (e *Engine) GetValueAt(ctx context.Context, key string, timestamp int64) (storage.Record, error) {
	if err := validateKey(key); err != nil {
		return storage.Record{}, err
	}
	if timestamp < 1 {
		return storage.Record{}, &InputError{Field: "timestamp", Reason: "must be a positive unix timestamp"}
	}

	records, err := e.store.Query(ctx, storage.QueryOptions{
		Key:          key,
		CreatedAtMax: timestamp,
		Limit:        1,
	})
	if err != nil {
		return storage.Record{}, err
	}
	if len(records) == 0 {
		return storage.Record{}, fmt.Errorf("%w: key %q at %d", ErrNotFound, key, timestamp)
	}
	return records[0], nil
}

// ListLatest returns one page of the latest version of every key, ordered
// by (created_at desc, id desc), starting strictly after cur (or from the
// start when cur is empty).
//
// Membership is computed in two phases: the per-key maximum id set first,
// then a single ordered query over that id set. The id tie-break makes the
// page exactly-one-per-key even when many versions share a created_at.
func (e *Engine) ListLatest(ctx context.Context, cur string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var after *storage.Position
	if cur != "" {
		createdAt, id, err := cursor.Decode(cur)
		if err != nil {
			return Page{}, err
		}
		after = &storage.Position{CreatedAt: createdAt, ID: id}
	}

	latest, err := e.store.MaxIDPerKey(ctx)
	if err != nil {
		return Page{}, err
	}
	if len(latest) == 0 {
		return Page{}, nil
	}

	ids := make([]int64, 0, len(latest))
	for _, id := range latest {
		ids = append(ids, id)
	}

	// Fetch one extra row to learn whether a next page exists.
	records, err := e.store.Query(ctx, storage.QueryOptions{
		IDs:   ids,
		After: after,
		Limit: pageSize + 1,
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{}
	if len(records) > pageSize {
		records = records[:pageSize]
		last := records[len(records)-1]
		page.NextCursor = cursor.Encode(last.CreatedAt, last.ID)
	}
	page.Items = records

	if after != nil && len(records) > 0 {
		first := records[0]
		page.PrevCursor = cursor.Encode(first.CreatedAt, first.ID)
	}

	return page, nil
}

func validateKey(key string) error {
	if key == "" {
		return &InputError{Field: "key", Reason: "must not be empty"}
	}
	if len(key) > MaxKeyBytes {
		return &InputError{Field: "key", Reason: fmt.Sprintf("must not exceed %d bytes", MaxKeyBytes)}
	}
	return nil
}

func validateValue(value json.RawMessage) error {
	if len(value) == 0 {
		return &InputError{Field: "value", Reason: "is required"}
	}
	if !json.Valid(value) {
		return &InputError{Field: "value", Reason: "must be valid JSON"}
	}
	if isJSONNull(value) {
		return &InputError{Field: "value", Reason: "must not be null"}
	}
	return nil
}

func isJSONNull(value json.RawMessage) bool {
	var probe any
	if err := json.Unmarshal(value, &probe); err != nil {
		return false
	}
	return probe == nil
}
