// Package admin implements the minimal chi-routed HTTP surface
// SPEC_FULL.md §9 carries as ambient scaffolding: health/readiness
// probes plus the scheduler introspection endpoint from §10's
// "Scheduler task introspection" supplemented feature. Reading the
// replicated reports themselves is out of scope (spec.md §1 Non-goals:
// "it does not query the reports itself").
package admin

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/senzing-garage/data-mart-replicator/internal/scheduler"
)

// Handler serves the admin HTTP surface.
type Handler struct {
	DB        *sql.DB
	Scheduler scheduler.Scheduler
	Version   string
}

// NewRouter builds the admin router, mirroring the teacher's
// internal/api.NewRouter shape (chi + middleware stack) scaled down to
// this service's much smaller surface.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/debug/scheduler", h.DebugScheduler)

	return r
}

// Healthz reports liveness unconditionally — the process is up.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": h.Version})
}

// Readyz reports readiness: the database must answer a ping.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// DebugScheduler exposes scheduler.Stats — queue depth and in-flight
// resource keys — the operational necessity SPEC_FULL.md §10 names for
// a system whose core correctness property is "at most one in-flight
// task per resource key".
func (h *Handler) DebugScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
