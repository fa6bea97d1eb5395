// Package service is the query facade between the HTTP boundary and the
// versioning engine. It carries no business logic of its own: it applies
// request-level bounds, logs and measures each operation, and returns the
// engine's typed errors unchanged so the boundary can map them to status
// codes.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/chronostore/chronostore/internal/engine"
	"github.com/chronostore/chronostore/internal/observability"
	"github.com/chronostore/chronostore/internal/storage"
)

// MaxPageSize caps the listing page size a client may request.
const MaxPageSize = 100

// ObjectService exposes the four object-store operations.
type ObjectService struct {
	engine  *engine.Engine
	log     *observability.Logger
	metrics *observability.MetricsCollector
}

// New creates the facade. logger and metrics may be nil, in which case a
// default stderr logger and a fresh collector are used.
func New(eng *engine.Engine, log *observability.Logger, metrics *observability.MetricsCollector) *ObjectService {
	if log == nil {
		log = observability.NewLogger("service", nil)
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	return &ObjectService{engine: eng, log: log, metrics: metrics}
}

// Store appends a new version for key and returns the created record.
func (s *ObjectService) Store(ctx context.Context, key string, value json.RawMessage) (storage.Record, error) {
	start := time.Now()
	rec, err := s.engine.Put(ctx, key, value)
	s.observe("store", start, 1, err)
	if err != nil {
		return storage.Record{}, err
	}

	s.metrics.Increment(string(observability.MetricWrites))
	s.log.Info("object stored", "key", key, "id", rec.ID, "created_at", rec.CreatedAt)
	return rec, nil
}

// FindLatestByKey returns the latest record for key.
func (s *ObjectService) FindLatestByKey(ctx context.Context, key string) (storage.Record, error) {
	start := time.Now()
	rec, err := s.engine.FindLatestByKey(ctx, key)
	s.observe("find_latest", start, 1, err)
	if err != nil {
		return storage.Record{}, err
	}

	s.metrics.Increment(string(observability.MetricReads))
	return rec, nil
}

// GetValueAt returns the record that was current for key at timestamp.
func (s *ObjectService) GetValueAt(ctx context.Context, key string, timestamp int64) (storage.Record, error) {
	start := time.Now()
	rec, err := s.engine.GetValueAt(ctx, key, timestamp)
	s.observe("get_value_at", start, 1, err)
	if err != nil {
		return storage.Record{}, err
	}

	s.metrics.Increment(string(observability.MetricReads))
	return rec, nil
}

// ListLatest returns one page of the latest version of every key.
// pageSize falls back to the engine default when non-positive and is
// capped at MaxPageSize.
func (s *ObjectService) ListLatest(ctx context.Context, cursor string, pageSize int) (engine.Page, error) {
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	start := time.Now()
	page, err := s.engine.ListLatest(ctx, cursor, pageSize)
	s.observe("list_latest", start, len(page.Items), err)
	if err != nil {
		return engine.Page{}, err
	}

	s.metrics.Increment(string(observability.MetricListings))
	return page, nil
}

// Metrics exposes the collector for the boundary's stats endpoint.
func (s *ObjectService) Metrics() *observability.MetricsCollector {
	return s.metrics
}

func (s *ObjectService) observe(op string, start time.Time, rows int, err error) {
	elapsed := time.Since(start).Milliseconds()
	s.metrics.Record(observability.MetricLatency, float64(elapsed), observability.Labels{"op": op})
	s.log.QueryEvent(op, elapsed, rows)

	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotFound):
		s.metrics.Increment(string(observability.MetricNotFound))
	default:
		s.metrics.Increment(string(observability.MetricErrors))
		s.log.Warn("operation failed", "op", op, "error", err)
	}
}
