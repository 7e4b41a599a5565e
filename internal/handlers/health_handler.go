package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mythosmud/server/internal/broker"
	"github.com/mythosmud/server/internal/connection"
	"github.com/mythosmud/server/internal/eventbus"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// LocationAdmin exposes the persisted-location admin operations backed
// by the player repository.
type LocationAdmin interface {
	CountByRoom(ctx context.Context) (map[string]int, error)
	DeleteLocation(ctx context.Context, playerID string) error
}

// HealthHandler serves the health and monitoring endpoints.
type HealthHandler struct {
	pool      *pgxpool.Pool
	mgr       *connection.Manager
	bus       *eventbus.Bus
	broker    *broker.Client // nil when the process runs without a broker
	locations LocationAdmin  // nil when persistence is not configured
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(pool *pgxpool.Pool, mgr *connection.Manager, bus *eventbus.Bus, client *broker.Client, locations LocationAdmin) *HealthHandler {
	return &HealthHandler{pool: pool, mgr: mgr, bus: bus, broker: client, locations: locations}
}

// Health is the liveness probe.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type componentHealth struct {
	Status         string  `json:"status"`
	ResponseTimeMS float64 `json:"response_time_ms,omitempty"`
	Detail         string  `json:"detail,omitempty"`
}

// DetailedHealth reports per-component health. Overall status is the
// worst component status; a missing broker counts as healthy because
// the process is configured to run without one.
func (h *HealthHandler) DetailedHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentHealth{
		"database":           h.databaseHealth(r.Context()),
		"connection_manager": h.managerHealth(),
		"broker":             h.brokerHealth(),
		"memory":             memoryHealth(),
	}

	overall := statusHealthy
	for _, c := range components {
		switch c.Status {
		case statusUnhealthy:
			overall = statusUnhealthy
		case statusDegraded:
			if overall == statusHealthy {
				overall = statusDegraded
			}
		}
	}

	status := http.StatusOK
	if overall == statusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

func (h *HealthHandler) databaseHealth(ctx context.Context) componentHealth {
	if h.pool == nil {
		return componentHealth{Status: statusHealthy, Detail: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := h.pool.Ping(ctx)
	elapsed := time.Since(start)
	if err != nil {
		return componentHealth{Status: statusUnhealthy, ResponseTimeMS: float64(elapsed.Microseconds()) / 1000, Detail: err.Error()}
	}
	return componentHealth{Status: statusHealthy, ResponseTimeMS: float64(elapsed.Microseconds()) / 1000}
}

func (h *HealthHandler) managerHealth() componentHealth {
	if !h.mgr.Healthy() {
		return componentHealth{Status: statusUnhealthy, Detail: "shutting down"}
	}
	return componentHealth{Status: statusHealthy}
}

func (h *HealthHandler) brokerHealth() componentHealth {
	if h.broker == nil {
		return componentHealth{Status: statusHealthy, Detail: "not configured"}
	}
	if !h.broker.Healthy() {
		// Local play continues without the broker; cross-instance
		// traffic is what degrades.
		return componentHealth{Status: statusDegraded, Detail: "broker unreachable"}
	}
	return componentHealth{Status: statusHealthy}
}

func memoryHealth() componentHealth {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	status := statusHealthy
	if ms.HeapAlloc > 2<<30 {
		status = statusDegraded
	}
	return componentHealth{Status: status}
}

// ConnectionHealth is the connection-manager monitoring snapshot.
// Per-connection details are opt-in via ?details=true.
func (h *HealthHandler) ConnectionHealth(w http.ResponseWriter, r *http.Request) {
	details := r.URL.Query().Get("details") == "true"
	writeJSON(w, http.StatusOK, h.mgr.Stats(details))
}

// Locations reports how many players have a persisted location in each
// room.
func (h *HealthHandler) Locations(w http.ResponseWriter, r *http.Request) {
	if h.locations == nil {
		writeJSON(w, http.StatusOK, map[string]any{"locations": map[string]int{}, "detail": "persistence not configured"})
		return
	}
	counts, err := h.locations.CountByRoom(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "query_failed", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": counts})
}

// ForgetLocation drops a player's persisted location, so their next
// login spawns at the default room.
func (h *HealthHandler) ForgetLocation(w http.ResponseWriter, r *http.Request) {
	if h.locations == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "not_configured"})
		return
	}
	playerID := chi.URLParam(r, "playerID")
	if err := h.locations.DeleteLocation(r.Context(), playerID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "delete_failed", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forgotten": playerID})
}

// Performance reports runtime and queue statistics.
func (h *HealthHandler) Performance(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	body := map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]any{
			"heap_alloc_bytes": ms.HeapAlloc,
			"heap_sys_bytes":   ms.HeapSys,
			"num_gc":           ms.NumGC,
		},
		"event_bus": h.bus.Stats(),
	}
	if h.broker != nil {
		body["broker"] = h.broker.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}
