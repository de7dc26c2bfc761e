package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fathom/internal/storage"
)

func handleStartRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")

		run, err := deps.Store.CreateRun(projectID)
		if err != nil {
			storeError(w, err, "project")
			return
		}

		deps.Executor.Start(deps.RunCtx, projectID, run.ID)
		writeJSON(w, http.StatusAccepted, run)
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")

		if _, err := deps.Store.GetProject(projectID); err != nil {
			storeError(w, err, "project")
			return
		}

		runs, err := deps.Store.ListRuns(projectID)
		if err != nil {
			storeError(w, err, "runs")
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Store.GetRun(chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "run")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

// handleCancelRun durably records cancellation intent, then signals any live
// in-process handle. Cancelling an already-terminal run returns the run
// unchanged.
func handleCancelRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		run, err := deps.Store.RequestRunCancellation(id)
		if err != nil {
			storeError(w, err, "run")
			return
		}

		deps.Registry.RequestCancel(id)
		writeJSON(w, http.StatusOK, run)
	}
}

type resultResponse struct {
	Run      storage.Run   `json:"run"`
	Plan     *storage.Plan `json:"plan"`
	Artifact *string       `json:"artifact"`
}

func handleGetResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Store.GetRun(chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "run")
			return
		}

		resp := resultResponse{Run: run, Artifact: run.Artifact}
		if p, err := deps.Store.GetPlan(run.ProjectID, run.PlanVersion); err == nil {
			resp.Plan = &p
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
