package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/foremanhq/foreman/pkg/models"
)

// AppendEvent persists one progress event. When called on a
// transaction-bound Store the write joins the ongoing transaction.
func (s *Store) AppendEvent(ctx context.Context, e *models.Event) error {
	if e.Timestamp == 0 {
		e.Timestamp = s.now()
	}
	var dataJSON []byte
	if len(e.Data) > 0 {
		var err error
		dataJSON, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO task_events (project_id, task_id, event_type, message, data_json, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
		e.ProjectID, nullable(e.TaskID), e.Type, e.Message, nullableBytes(dataJSON), e.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// RecentEvents loads the most recent events for a project (optionally
// one task), returned in chronological order.
func (s *Store) RecentEvents(ctx context.Context, projectID, taskID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, project_id, task_id, event_type, message, data_json, timestamp
		FROM task_events WHERE project_id = ?`
	args := []any{projectID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// TaskAttempts returns the retry/failure history for one task, oldest
// first; checkpoints embed this as the attempt log.
func (s *Store) TaskAttempts(ctx context.Context, taskID string) ([]models.CheckpointAttempt, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT message, timestamp FROM task_events
			WHERE task_id = ? AND event_type IN ('task_retry', 'task_failed')
			ORDER BY timestamp`, taskID)
	if err != nil {
		return nil, fmt.Errorf("task attempts: %w", err)
	}
	defer rows.Close()

	var out []models.CheckpointAttempt
	for rows.Next() {
		var a models.CheckpointAttempt
		var msg sql.NullString
		if err := rows.Scan(&msg, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Message = msg.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanEvent(sc scanner) (*models.Event, error) {
	var e models.Event
	var taskID, message, dataJSON sql.NullString
	if err := sc.Scan(&e.ID, &e.ProjectID, &taskID, &e.Type, &message, &dataJSON, &e.Timestamp); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.TaskID = taskID.String
	e.Message = message.String
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &e.Data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
	}
	return &e, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
