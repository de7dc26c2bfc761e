package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fathom/internal/storage"
)

type createProjectRequest struct {
	Title  string `json:"title"`
	UserID string `json:"user_id"`
}

func handleCreateProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}
		if req.UserID == "" {
			req.UserID = "local"
		}

		p, err := deps.Store.CreateProject(req.UserID, req.Title)
		if err != nil {
			storeError(w, err, "project")
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func handleListProjects(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		projects, err := deps.Store.ListProjects(limit)
		if err != nil {
			storeError(w, err, "projects")
			return
		}
		if projects == nil {
			projects = []storage.Project{}
		}
		writeJSON(w, http.StatusOK, projects)
	}
}

func handleGetProject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.GetProject(chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "project")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
