package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fathom/internal/state"
)

const planColumns = "id, project_id, version, status, scope_json, markdown, approved_at, created_at"

// CreatePlan inserts a new draft plan version for the project, superseding
// all prior non-superseded versions in the same transaction. Plan creation
// is frozen while the project has a run in flight.
func (s *Store) CreatePlan(projectID, scopeJSON, markdown string) (Plan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Plan{}, fmt.Errorf("beginning plan transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM projects WHERE id = ?`, projectID).Scan(&exists); err != nil {
		return Plan{}, err
	}
	if exists == 0 {
		return Plan{}, ErrNotFound
	}

	var active int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE project_id = ? AND status IN (`+sqlActiveRuns+`)`,
		projectID).Scan(&active); err != nil {
		return Plan{}, err
	}
	if active > 0 {
		return Plan{}, fmt.Errorf("planning is frozen while a run is active: %w", ErrConflict)
	}

	// Supersede-then-insert inside one transaction so two concurrent plan
	// creations cannot both claim the same prior version.
	if _, err := tx.Exec(`
		UPDATE plans SET status = ? WHERE project_id = ? AND status IN (`+sqlSupersedablePlans+`)`,
		state.PlanSuperseded, projectID); err != nil {
		return Plan{}, fmt.Errorf("superseding prior plans: %w", err)
	}

	var version int
	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(version), 0) + 1 FROM plans WHERE project_id = ?`,
		projectID).Scan(&version); err != nil {
		return Plan{}, fmt.Errorf("computing next plan version: %w", err)
	}

	now := time.Now().UTC()
	p := Plan{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Version:   version,
		Status:    state.PlanDraft,
		ScopeJSON: scopeJSON,
		Markdown:  markdown,
		CreatedAt: now,
	}
	if _, err := tx.Exec(`
		INSERT INTO plans (id, project_id, version, status, scope_json, markdown, approved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		p.ID, p.ProjectID, p.Version, p.Status, p.ScopeJSON, p.Markdown, fmtTime(now),
	); err != nil {
		return Plan{}, fmt.Errorf("inserting plan: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		state.ProjectPlanReady, fmtTime(now), projectID); err != nil {
		return Plan{}, fmt.Errorf("updating project status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Plan{}, fmt.Errorf("committing plan: %w", err)
	}
	return p, nil
}

// GetLatestPlan returns the highest-version plan for the project.
func (s *Store) GetLatestPlan(projectID string) (Plan, error) {
	row := s.db.QueryRow(`
		SELECT `+planColumns+` FROM plans
		WHERE project_id = ? ORDER BY version DESC LIMIT 1`, projectID)
	return scanPlan(row)
}

// GetPlan returns a specific plan version for the project.
func (s *Store) GetPlan(projectID string, version int) (Plan, error) {
	row := s.db.QueryRow(`
		SELECT `+planColumns+` FROM plans
		WHERE project_id = ? AND version = ?`, projectID, version)
	return scanPlan(row)
}

// ApproveLatestPlan approves the project's latest plan version. It fails
// with ErrConflict if the latest plan is not a draft or if a run is active.
func (s *Store) ApproveLatestPlan(projectID string) (Plan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Plan{}, fmt.Errorf("beginning approve transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE project_id = ? AND status IN (`+sqlActiveRuns+`)`,
		projectID).Scan(&active); err != nil {
		return Plan{}, err
	}
	if active > 0 {
		return Plan{}, fmt.Errorf("cannot approve a plan while a run is active: %w", ErrConflict)
	}

	p, err := scanPlan(tx.QueryRow(`
		SELECT `+planColumns+` FROM plans
		WHERE project_id = ? ORDER BY version DESC LIMIT 1`, projectID))
	if err == ErrNotFound {
		return Plan{}, fmt.Errorf("no plan to approve: %w", ErrConflict)
	}
	if err != nil {
		return Plan{}, err
	}
	if !p.Status.CanTransitionTo(state.PlanApproved) {
		return Plan{}, fmt.Errorf("latest plan is %s, not draft: %w", p.Status, ErrConflict)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		UPDATE plans SET status = ?
		WHERE project_id = ? AND status IN (`+sqlSupersedablePlans+`) AND id != ?`,
		state.PlanSuperseded, projectID, p.ID); err != nil {
		return Plan{}, fmt.Errorf("superseding prior plans: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE plans SET status = ?, approved_at = ? WHERE id = ?`,
		state.PlanApproved, fmtTime(now), p.ID); err != nil {
		return Plan{}, fmt.Errorf("approving plan: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		state.ProjectApproved, fmtTime(now), projectID); err != nil {
		return Plan{}, fmt.Errorf("updating project status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Plan{}, fmt.Errorf("committing approval: %w", err)
	}

	p.Status = state.PlanApproved
	p.ApprovedAt = &now
	return p, nil
}

func scanPlan(sc scanner) (Plan, error) {
	var p Plan
	var approvedAt sql.NullString
	var createdAt string
	err := sc.Scan(&p.ID, &p.ProjectID, &p.Version, &p.Status, &p.ScopeJSON, &p.Markdown, &approvedAt, &createdAt)
	if err == sql.ErrNoRows {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, err
	}
	if p.ApprovedAt, err = parseTimePtr(approvedAt); err != nil {
		return Plan{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Plan{}, err
	}
	return p, nil
}
