package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fathom/internal/state"
)

const projectColumns = "id, user_id, title, status, active_run_id, created_at, updated_at"

// CreateProject inserts a new project in the planning state.
func (s *Store) CreateProject(userID, title string) (Project, error) {
	now := time.Now().UTC()
	p := Project{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Status:    state.ProjectPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (id, user_id, title, status, active_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		p.ID, p.UserID, p.Title, p.Status, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

// GetProject returns the project with the given id.
func (s *Store) GetProject(id string) (Project, error) {
	row := s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns the most recently updated projects, newest first.
func (s *Store) ListProjects(limit int) ([]Project, error) {
	rows, err := s.db.Query(`
		SELECT `+projectColumns+` FROM projects ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// UpdateProjectStatus sets the project's status and active run pointer.
// The move is validated against the project transition table; setting the
// current status again is allowed so the run pointer can be refreshed.
// Pass nil activeRunID to clear the pointer.
func (s *Store) UpdateProjectStatus(id string, status state.ProjectStatus, activeRunID *string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning project update transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM projects WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	from := state.ProjectStatus(current)
	if from != status && !from.CanTransitionTo(status) {
		return fmt.Errorf("project cannot move from %s to %s: %w", from, status, ErrConflict)
	}

	if _, err := tx.Exec(`
		UPDATE projects SET status = ?, active_run_id = ?, updated_at = ? WHERE id = ?`,
		status, activeRunID, fmtTime(time.Now()), id); err != nil {
		return err
	}
	return tx.Commit()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProject(sc scanner) (Project, error) {
	var p Project
	var activeRunID sql.NullString
	var createdAt, updatedAt string
	err := sc.Scan(&p.ID, &p.UserID, &p.Title, &p.Status, &activeRunID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	if activeRunID.Valid {
		p.ActiveRunID = &activeRunID.String
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Project{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Project{}, err
	}
	return p, nil
}
