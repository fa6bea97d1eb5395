package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
	"go.nhat.io/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

var postgresDriver string

func init() {
	driver, err := otelsql.Register(
		"postgres",
		otelsql.TraceQueryWithoutArgs(),
		otelsql.TraceRowsClose(),
		otelsql.TraceRowsAffected(),
		otelsql.WithSystem(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		detail := "failed to register postgres store with otel"
		slog.ErrorContext(context.Background(), detail, "error", err)
		panic(detail)
	}

	postgresDriver = driver
}

// PostgresStore implements Store using PostgreSQL via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL with the given DSN and ensures
// the record table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open(postgresDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS object_records (
		id         BIGSERIAL PRIMARY KEY,
		key        VARCHAR(255) NOT NULL,
		value      JSONB NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_object_records_key_created_at
		ON object_records (key, created_at);`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Append inserts a new record and returns it with the assigned id.
func (p *PostgresStore) Append(ctx context.Context, key string, value json.RawMessage, createdAt int64) (Record, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		"INSERT INTO object_records (key, value, created_at) VALUES ($1, $2, $3) RETURNING id",
		key, string(value), createdAt,
	).Scan(&id)
	if err != nil {
		return Record{}, fmt.Errorf("%w: append %q: %v", ErrUnavailable, key, err)
	}

	return Record{ID: id, Key: key, Value: value, CreatedAt: createdAt}, nil
}

// MaxIDPerKey returns the maximum record id for every distinct key.
func (p *PostgresStore) MaxIDPerKey(ctx context.Context) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx,
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
func (p *PostgresStore) Query(ctx context.Context, opts QueryOptions) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Key != "" {
		where = append(where, "key = "+arg(opts.Key))
	}
	if opts.CreatedAtMax > 0 {
		where = append(where, "created_at <= "+arg(opts.CreatedAtMax))
	}
	if opts.IDs != nil {
		if len(opts.IDs) == 0 {
			return nil, nil
		}
		placeholders := make([]string, len(opts.IDs))
		for i, id := range opts.IDs {
			placeholders[i] = arg(id)
		}
		where = append(where, "id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.After != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)",
			arg(opts.After.CreatedAt), arg(opts.After.ID)))
	}

	query := "SELECT id, key, value, created_at FROM object_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT " + arg(opts.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Close shuts down the database connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
