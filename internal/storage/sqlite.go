package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite allows a single writer; serialize through one connection
	// so concurrent appends queue instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Create tables. The rowid-backed AUTOINCREMENT primary key gives
	// strictly increasing, never-reused ids matching insertion order.
	schema := `
	CREATE TABLE IF NOT EXISTS object_records (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_object_records_key_created_at
		ON object_records (key, created_at);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append inserts a new record and returns it with the assigned id.
func (s *SQLiteStore) Append(ctx context.Context, key string, value json.RawMessage, createdAt int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO object_records (key, value, created_at) VALUES (?, ?, ?)",
		key, string(value), createdAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("%w: append %q: %v", ErrUnavailable, key, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("%w: append %q: %v", ErrUnavailable, key, err)
	}

	return Record{ID: id, Key: key, Value: value, CreatedAt: createdAt}, nil
}

// MaxIDPerKey returns the maximum record id for every distinct key.
func (s *SQLiteStore) MaxIDPerKey(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, MAX(id) FROM object_records GROUP BY key",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: max id per key: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	latest := make(map[string]int64)
	for rows.Next() {
		var key string
		var id int64
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("%w: max id per key: %v", ErrUnavailable, err)
		}
		latest[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: max id per key: %v", ErrUnavailable, err)
	}
	return latest, nil
}

// Query returns records matching opts ordered by (created_at desc, id desc).
func (s *SQLiteStore) Query(ctx context.Context, opts QueryOptions) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if opts.Key != "" {
		where = append(where, "key = ?")
		args = append(args, opts.Key)
	}
	if opts.CreatedAtMax > 0 {
		where = append(where, "created_at <= ?")
		args = append(args, opts.CreatedAtMax)
	}
	if opts.IDs != nil {
		if len(opts.IDs) == 0 {
			return nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.IDs)), ",")
		where = append(where, "id IN ("+placeholders+")")
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}
	if opts.After != nil {
		// Strictly after the cursor position in descending order.
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, opts.After.CreatedAt, opts.After.CreatedAt, opts.After.ID)
	}

	query := "SELECT id, key, value, created_at FROM object_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var value string
		if err := rows.Scan(&rec.ID, &rec.Key, &value, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}
		rec.Value = json.RawMessage(value)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrUnavailable, err)
	}
	return records, nil
}
