package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fathom/internal/plan"
	"github.com/kalambet/fathom/internal/storage"
)

type createPlanRequest struct {
	Content string `json:"content"`
}

func handleCreatePlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createPlanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		scope, markdown, err := deps.Planner.Generate(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "generating plan: %v", err)
			return
		}
		scopeJSON, err := plan.MarshalScope(scope)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		p, err := deps.Store.CreatePlan(chi.URLParam(r, "id"), scopeJSON, markdown)
		if err != nil {
			storeError(w, err, "project")
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func handleGetLatestPlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.GetLatestPlan(chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "plan")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleApprovePlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")

		if _, err := deps.Store.GetProject(projectID); err != nil {
			storeError(w, err, "project")
			return
		}

		p, err := deps.Store.ApproveLatestPlan(projectID)
		if errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		}
		if err != nil {
			storeError(w, err, "plan")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
