// Package api exposes the research run lifecycle over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fathom/internal/plan"
	"github.com/kalambet/fathom/internal/runner"
	"github.com/kalambet/fathom/internal/storage"
	"github.com/kalambet/fathom/internal/stream"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds the handler dependencies.
type Deps struct {
	Store    *storage.Store
	Registry *runner.Registry
	Executor *runner.Executor
	Hub      *stream.Hub
	Planner  plan.Generator
	Token    string
	// RunCtx bounds background run tasks started by the API. It must outlive
	// individual requests; nil means context.Background().
	RunCtx context.Context
}

// NewHandler returns the HTTP handler for the lifecycle API. All routes
// except /health require the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.RunCtx == nil {
		deps.RunCtx = context.Background()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/projects", handleCreateProject(deps))
		r.Get("/projects", handleListProjects(deps))
		r.Get("/projects/{id}", handleGetProject(deps))
		r.Post("/projects/{id}/plans", handleCreatePlan(deps))
		r.Get("/projects/{id}/plans/latest", handleGetLatestPlan(deps))
		r.Post("/projects/{id}/plans/approve", handleApprovePlan(deps))
		r.Post("/projects/{id}/runs", handleStartRun(deps))
		r.Get("/projects/{id}/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Post("/runs/{id}/cancel", handleCancelRun(deps))
		r.Get("/runs/{id}/events", handleListEvents(deps))
		r.Get("/runs/{id}/stream", handleStreamEvents(deps))
		r.Get("/runs/{id}/result", handleGetResult(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// storeError maps storage sentinel errors onto the HTTP taxonomy.
func storeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	default:
		httpError(w, http.StatusServiceUnavailable, "api_error", "storage error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
