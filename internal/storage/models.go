package storage

import (
	"errors"
	"time"

	"github.com/kalambet/fathom/internal/state"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an operation would violate a lifecycle
// invariant, such as starting a run while another is active or approving
// a plan that has no draft.
var ErrConflict = errors.New("conflict")

// Project is one research initiative: an evolving plan lineage plus a
// history of runs. ActiveRunID, when set, references a non-terminal run
// belonging to this project.
type Project struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	Title       string              `json:"title"`
	Status      state.ProjectStatus `json:"status"`
	ActiveRunID *string             `json:"active_run_id"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Plan is a versioned snapshot of research scope. Once approved it is never
// mutated again; superseding is the only transition out of approved.
type Plan struct {
	ID         string           `json:"id"`
	ProjectID  string           `json:"project_id"`
	Version    int              `json:"version"`
	Status     state.PlanStatus `json:"status"`
	ScopeJSON  string           `json:"scope"`
	Markdown   string           `json:"markdown"`
	ApprovedAt *time.Time       `json:"approved_at"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Run is one execution attempt against an approved plan version. It becomes
// immutable once it reaches a terminal status.
type Run struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	PlanVersion     int             `json:"plan_version"`
	Status          state.RunStatus `json:"status"`
	CancelRequested bool            `json:"cancel_requested"`
	Artifact        *string         `json:"artifact"`
	ErrorText       *string         `json:"error"`
	StartedAt       *time.Time      `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RunEvent is one immutable entry in a run's append-only progress log.
// (RunID, Seq) is unique; Seq starts at 1 and is strictly increasing.
type RunEvent struct {
	ID        string      `json:"id"`
	RunID     string      `json:"run_id"`
	Seq       int64       `json:"seq"`
	Stage     state.Stage `json:"stage"`
	Level     state.Level `json:"level"`
	Message   string      `json:"message"`
	Payload   *string     `json:"payload"` // JSON stored as text
	CreatedAt time.Time   `json:"created_at"`
}
