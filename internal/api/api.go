// Package api exposes the object store over HTTP.
//
// Routes (v1):
//
//	GET  /health                      — liveness probe
//	GET  /stats                       — operation counters
//	GET  /api/v1/object               — latest version of every key (paginated)
//	POST /api/v1/object               — store a new version
//	GET  /api/v1/object/{key}         — latest version of one key
//	GET  /api/v1/object/keys/{key}    — version current at ?timestamp=N
//
// Every response uses the {success, message, data} envelope. Typed errors
// from the engine map to 400/404/503; anything else is a 500 without
// internal detail.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chronostore/chronostore/internal/cursor"
	"github.com/chronostore/chronostore/internal/engine"
	"github.com/chronostore/chronostore/internal/observability"
	"github.com/chronostore/chronostore/internal/service"
	"github.com/chronostore/chronostore/internal/storage"
)

// Handler serves the object store HTTP API.
type Handler struct {
	svc   *service.ObjectService
	log   *observability.Logger
	start time.Time
}

// NewHandler creates the API handler. logger may be nil.
func NewHandler(svc *service.ObjectService, log *observability.Logger) *Handler {
	if log == nil {
		log = observability.NewLogger("api", nil)
	}
	return &Handler{svc: svc, log: log, start: time.Now()}
}

// Router builds the mux router with all routes and middleware attached.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestID, h.accessLog)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/object", h.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/object", h.handleStore).Methods(http.MethodPost)
	v1.HandleFunc("/object/keys/{key}", h.handleValueAt).Methods(http.MethodGet)
	v1.HandleFunc("/object/{key}", h.handleShow).Methods(http.MethodGet)

	return r
}

// storeRequest is the JSON body for POST /api/v1/object.
type storeRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(h.start).String(),
	})
}

// statsResponse is the /stats payload: operation counters plus the
// latency distribution over the collector's rolling window.
type statsResponse struct {
	Counters map[string]int64      `json:"counters"`
	Latency  observability.Summary `json:"latency_ms"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	m := h.svc.Metrics()
	writeJSON(w, http.StatusOK, statsResponse{
		Counters: m.Snapshot(),
		Latency:  m.Summarize(observability.MetricLatency, time.Time{}),
	})
}

func (h *Handler) handleStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}

	rec, err := h.svc.Store(r.Context(), req.Key, req.Value)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, "Resource created successfully", rec)
}

func (h *Handler) handleShow(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	rec, err := h.svc.FindLatestByKey(r.Context(), key)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Resource retrieved successfully", rec)
}

func (h *Handler) handleValueAt(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	raw := r.URL.Query().Get("timestamp")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "the timestamp parameter is required")
		return
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "the timestamp must be an integer")
		return
	}

	rec, err := h.svc.GetValueAt(r.Context(), key, ts)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Resource retrieved successfully", rec)
}

// listResponse extends the envelope with pagination cursors.
type listResponse struct {
	Success    bool             `json:"success"`
	Message    string           `json:"message"`
	Data       []storage.Record `json:"data"`
	NextCursor string           `json:"next_cursor,omitempty"`
	PrevCursor string           `json:"prev_cursor,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	pageSize := 0
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "the page_size must be a positive integer")
			return
		}
		pageSize = n
	}

	page, err := h.svc.ListLatest(r.Context(), q.Get("cursor"), pageSize)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	items := page.Items
	if items == nil {
		items = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Success:    true,
		Message:    "Resource retrieved successfully",
		Data:       items,
		NextCursor: page.NextCursor,
		PrevCursor: page.PrevCursor,
	})
}

// writeFailure maps typed engine errors onto HTTP status codes.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var inputErr *engine.InputError

	switch {
	case errors.As(err, &inputErr):
		writeError(w, http.StatusBadRequest, inputErr.Error())
	case errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cursor.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "the cursor is malformed")
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "Resource not found")
	case errors.Is(err, storage.ErrUnavailable):
		h.log.Error("store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage is temporarily unavailable")
	default:
		h.log.Error("unhandled error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
