package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fathom/internal/state"
)

// AppendEvent persists a new run event with the next sequence number for the
// run. Sequence allocation and the insert happen in one transaction, so two
// concurrent appends for the same run can never be assigned the same number.
func (s *Store) AppendEvent(runID string, stage state.Stage, level state.Level, message string, payload *string) (RunEvent, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return RunEvent{}, fmt.Errorf("beginning event transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return RunEvent{}, err
	}
	if exists == 0 {
		return RunEvent{}, ErrNotFound
	}

	var seq int64
	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`,
		runID).Scan(&seq); err != nil {
		return RunEvent{}, fmt.Errorf("computing next sequence number: %w", err)
	}

	now := time.Now().UTC()
	ev := RunEvent{
		ID:        uuid.New().String(),
		RunID:     runID,
		Seq:       seq,
		Stage:     stage,
		Level:     level,
		Message:   message,
		Payload:   payload,
		CreatedAt: now,
	}
	if _, err := tx.Exec(`
		INSERT INTO run_events (id, run_id, seq, stage, level, message, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, ev.Seq, ev.Stage, ev.Level, ev.Message, ev.Payload, fmtTime(now),
	); err != nil {
		return RunEvent{}, fmt.Errorf("inserting event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RunEvent{}, fmt.Errorf("committing event: %w", err)
	}
	return ev, nil
}

// ListEvents returns the run's events with seq > afterSeq in ascending
// sequence order. Pass afterSeq 0 for the full log.
func (s *Store) ListEvents(runID string, afterSeq int64) ([]RunEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, seq, stage, level, message, payload_json, created_at
		FROM run_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RunEvent
	for rows.Next() {
		var ev RunEvent
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.Stage, &ev.Level, &ev.Message, &payload, &createdAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = &payload.String
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}
