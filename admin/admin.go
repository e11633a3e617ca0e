// Package admin exposes the registry over HTTP for operators: inspection,
// the enable switch, clearing offline records, prometheus metrics and a
// websocket stream of changes.
//
//	GET    /healthz
//	GET    /records
//	GET    /records/{id}
//	PUT    /records/{id}/enabled   {"enabled": bool}
//	DELETE /records/offline
//	GET    /services/{name}?scope=
//	GET    /metrics
//	GET    /watch                  (websocket)
package admin

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"mini-discovery/api"
	"mini-discovery/registry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-Id"

// Store is the part of *registry.Registry the admin surface needs.
type Store interface {
	Records() []registry.Record
	Get(id string) (registry.Record, bool)
	SetEnabled(id string, enabled bool) (registry.Record, bool)
	ClearOffline() int
	Find(name, scope string) []registry.Record
	Subscribe(buffer int) (<-chan registry.ChangeSet, func())
}

type Handler struct {
	store    Store
	logger   *zap.Logger
	metrics  http.Handler
	upgrader websocket.Upgrader
	router   chi.Router

	pingInterval time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Handler)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetricsHandler mounts h at /metrics, typically promhttp.HandlerFor.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

func New(store Store, opts ...Option) *Handler {
	h := &Handler{
		store:        store,
		logger:       zap.NewNop(),
		pingInterval: 30 * time.Second,
		done:         make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(h.requestID)
	r.Use(middleware.Recoverer)
	h.RegisterRoutes(r)
	h.router = r
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/records", h.handleRecords)
	r.Get("/records/{id}", h.handleRecord)
	r.Put("/records/{id}/enabled", h.handleSetEnabled)
	r.Delete("/records/offline", h.handleClearOffline)
	r.Get("/services/{name}", h.handleFind)
	r.Get("/watch", h.handleWatch)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close ends every open watch stream and waits for their goroutines.
// http.Server.Shutdown does not track hijacked connections, so call both.
func (h *Handler) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("admin request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// RecordView is the JSON shape of a registry record.
type RecordView struct {
	ID              string            `json:"id"`
	ServiceName     string            `json:"serviceName"`
	Address         string            `json:"address"`
	Port            int32             `json:"port"`
	Scope           string            `json:"scope"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	HealthState     api.HealthState   `json:"healthState"`
	Enabled         bool              `json:"enabled"`
	Principal       bool              `json:"principal"`
	StartTime       time.Time         `json:"startTime"`
	LastRefreshTime time.Time         `json:"lastRefreshTime"`
	TimeoutTime     time.Time         `json:"timeoutTime"`
}

func viewOf(r registry.Record) RecordView {
	return RecordView{
		ID:              r.ID,
		ServiceName:     r.ServiceName,
		Address:         r.Address,
		Port:            r.Port,
		Scope:           r.Scope,
		Metadata:        r.Metadata,
		HealthState:     r.HealthState,
		Enabled:         r.Enabled,
		Principal:       r.Principal,
		StartTime:       r.StartTime,
		LastRefreshTime: r.LastRefreshTime,
		TimeoutTime:     r.TimeoutTime,
	}
}

func viewsOf(recs []registry.Record) []RecordView {
	out := make([]RecordView, 0, len(recs))
	for _, r := range recs {
		out = append(out, viewOf(r))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// idParam unescapes the id; record ids contain parentheses and dashes.
func idParam(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRecords(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewsOf(h.store.Records()))
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.store.Get(idParam(r))
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (h *Handler) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	rec, ok := h.store.SetEnabled(idParam(r), *body.Enabled)
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (h *Handler) handleClearOffline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.store.ClearOffline()})
}

func (h *Handler) handleFind(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	scope := r.URL.Query().Get("scope")
	writeJSON(w, http.StatusOK, viewsOf(h.store.Find(name, scope)))
}
