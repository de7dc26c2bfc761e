package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fathom/internal/state"
)

const runColumns = "id, project_id, plan_version, status, cancel_requested, artifact, error, started_at, ended_at, created_at, updated_at"

// CreateRun creates a queued run against the project's latest approved plan.
// The precondition — latest plan approved, no other non-terminal run — is
// checked inside one transaction so concurrent start requests cannot both
// succeed.
func (s *Store) CreateRun(projectID string) (Run, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Run{}, fmt.Errorf("beginning run transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM projects WHERE id = ?`, projectID).Scan(&exists); err != nil {
		return Run{}, err
	}
	if exists == 0 {
		return Run{}, ErrNotFound
	}

	var version int
	var planStatus string
	err = tx.QueryRow(`
		SELECT version, status FROM plans
		WHERE project_id = ? ORDER BY version DESC LIMIT 1`,
		projectID).Scan(&version, &planStatus)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("project has no plan: %w", ErrConflict)
	}
	if err != nil {
		return Run{}, err
	}
	if state.PlanStatus(planStatus) != state.PlanApproved {
		return Run{}, fmt.Errorf("latest plan is %s, not approved: %w", planStatus, ErrConflict)
	}

	var active int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE project_id = ? AND status IN (`+sqlActiveRuns+`)`,
		projectID).Scan(&active); err != nil {
		return Run{}, err
	}
	if active > 0 {
		return Run{}, fmt.Errorf("a run is already active for this project: %w", ErrConflict)
	}

	now := time.Now().UTC()
	r := Run{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		PlanVersion: version,
		Status:      state.RunQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := tx.Exec(`
		INSERT INTO runs (id, project_id, plan_version, status, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		r.ID, r.ProjectID, r.PlanVersion, r.Status, fmtTime(now), fmtTime(now),
	); err != nil {
		return Run{}, fmt.Errorf("inserting run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("committing run: %w", err)
	}
	return r, nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(id string) (Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns all runs for a project, newest first.
func (s *Store) ListRuns(projectID string) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs
		WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// StartRun moves a queued run to running and records the start timestamp.
// If the run is no longer queued (e.g. a cancellation raced the start), the
// current row is returned unchanged.
func (s *Store) StartRun(id string) (Run, error) {
	now := fmtTime(time.Now())
	if _, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status IN (`+sqlStartableRuns+`)`,
		state.RunRunning, now, now, id); err != nil {
		return Run{}, err
	}
	return s.GetRun(id)
}

// FinishRun moves a run into a terminal status with an end timestamp. The
// update is conditional on the run not already being terminal; the returned
// bool reports whether this call performed the transition. Racing
// finalizations therefore resolve to exactly one winner.
func (s *Store) FinishRun(id string, status state.RunStatus, artifact, errText *string) (Run, bool, error) {
	if !status.Terminal() {
		return Run{}, false, fmt.Errorf("%s is not a terminal run status", status)
	}
	now := fmtTime(time.Now())
	cancelFlag := 0
	if status == state.RunCancelled {
		cancelFlag = 1
	}
	res, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, artifact = ?, error = ?, ended_at = ?, updated_at = ?,
		    cancel_requested = MAX(cancel_requested, ?)
		WHERE id = ? AND status IN (`+sqlActiveRuns+`)`,
		status, artifact, errText, now, now, cancelFlag, id)
	if err != nil {
		return Run{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Run{}, false, err
	}
	r, err := s.GetRun(id)
	if err != nil {
		return Run{}, false, err
	}
	return r, n > 0, nil
}

// RequestRunCancellation durably records cancellation intent. Queued and
// running runs move to cancel_requested; terminal runs are returned
// unchanged (idempotent).
func (s *Store) RequestRunCancellation(id string) (Run, error) {
	now := fmtTime(time.Now())
	if _, err := s.db.Exec(`
		UPDATE runs
		SET cancel_requested = 1, updated_at = ?,
		    status = CASE WHEN status IN (`+sqlCancellableRuns+`) THEN ? ELSE status END
		WHERE id = ? AND status IN (`+sqlActiveRuns+`)`,
		now, state.RunCancelRequested, id); err != nil {
		return Run{}, err
	}
	return s.GetRun(id)
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var cancelRequested int
	var artifact, errText, startedAt, endedAt sql.NullString
	var createdAt, updatedAt string
	err := sc.Scan(&r.ID, &r.ProjectID, &r.PlanVersion, &r.Status, &cancelRequested,
		&artifact, &errText, &startedAt, &endedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	if !r.Status.IsValid() {
		return Run{}, fmt.Errorf("run %s has unknown status %q", r.ID, r.Status)
	}
	r.CancelRequested = cancelRequested != 0
	if artifact.Valid {
		r.Artifact = &artifact.String
	}
	if errText.Valid {
		r.ErrorText = &errText.String
	}
	if r.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return Run{}, err
	}
	if r.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return Run{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Run{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Run{}, err
	}
	return r, nil
}
