package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/your-org/strategy-ecosystem/internal/component"
	"github.com/your-org/strategy-ecosystem/internal/controller"
	"github.com/your-org/strategy-ecosystem/internal/metrics"
	"github.com/your-org/strategy-ecosystem/internal/store"
)

const defaultCycleLimit = 20

// Operator is the part of the controller exposed over HTTP.
type Operator interface {
	Status() controller.Summary
	Get(id string) (component.Component, error)
	List(f component.Filter) []component.Component
	Aggregates(id string) (metrics.Aggregates, bool)
	Pause(ctx context.Context, id string) (component.Component, error)
	Resume(ctx context.Context, id string) (component.Component, error)
	Remove(ctx context.Context, id string) error
	Cycles(ctx context.Context, limit int) ([]store.EvolutionCycle, error)
}

// ComponentHandler serves the operator API.
type ComponentHandler struct {
	op Operator
}

// NewComponentHandler creates a new ComponentHandler.
func NewComponentHandler(op Operator) *ComponentHandler {
	return &ComponentHandler{op: op}
}

// RegisterRoutes registers the operator routes on a chi router.
func (h *ComponentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Get("/cycles", h.ListCycles)
	r.Route("/components", func(r chi.Router) {
		r.Get("/", h.ListComponents)
		r.Get("/{id}", h.GetComponent)
		r.Delete("/{id}", h.RemoveComponent)
		r.Post("/{id}/pause", h.PauseComponent)
		r.Post("/{id}/resume", h.ResumeComponent)
	})
}

type componentDetail struct {
	component.Component
	Metrics *metrics.Aggregates `json:"metrics,omitempty"`
}

// GetStatus returns the controller summary.
func (h *ComponentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.op.Status())
}

// ListComponents lists components, optionally filtered by ?status= and ?type=.
func (h *ComponentHandler) ListComponents(w http.ResponseWriter, r *http.Request) {
	var f component.Filter
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := component.ParseStatus(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Status = status
	}
	if s := r.URL.Query().Get("type"); s != "" {
		typ, err := component.ParseType(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Type = typ
	}
	writeJSON(w, http.StatusOK, h.op.List(f))
}

// GetComponent returns one component with its windowed metrics.
func (h *ComponentHandler) GetComponent(w http.ResponseWriter, r *http.Request) {
	c, err := h.op.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	detail := componentDetail{Component: c}
	if agg, ok := h.op.Aggregates(c.ID); ok {
		detail.Metrics = &agg
	}
	writeJSON(w, http.StatusOK, detail)
}

// PauseComponent idles an Active component.
func (h *ComponentHandler) PauseComponent(w http.ResponseWriter, r *http.Request) {
	c, err := h.op.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ResumeComponent re-activates a Paused component.
func (h *ComponentHandler) ResumeComponent(w http.ResponseWriter, r *http.Request) {
	c, err := h.op.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// RemoveComponent deletes a Failed or Terminated component.
func (h *ComponentHandler) RemoveComponent(w http.ResponseWriter, r *http.Request) {
	if err := h.op.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCycles returns the newest evolution cycles. ?limit= defaults to 20.
func (h *ComponentHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	limit := defaultCycleLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	cycles, err := h.op.Cycles(r.Context(), limit)
	if err != nil {
		http.Error(w, "Failed to fetch evolution cycles", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, component.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, component.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response to JSON", http.StatusInternalServerError)
	}
}
