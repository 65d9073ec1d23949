package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/foremanhq/foreman/pkg/models"
)

// CreateCheckpoint persists a new unresolved checkpoint.
func (s *Store) CreateCheckpoint(ctx context.Context, c *models.Checkpoint) error {
	c.CreatedAt = s.now()
	attempts, err := json.Marshal(c.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	if c.Attempts == nil {
		attempts = []byte("[]")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO checkpoints (id, project_id, task_id, checkpoint_type, summary,
			attempts_json, question, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, nullable(c.TaskID), c.Type, c.Summary,
		string(attempts), c.Question, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads one checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, project_id, task_id, checkpoint_type, summary, attempts_json,
			question, response, resolved_at, created_at FROM checkpoints WHERE id = ?`, id)
	return scanCheckpoint(row)
}

// ListCheckpoints returns a project's checkpoints, newest first. When
// unresolvedOnly is set, resolved checkpoints are skipped.
func (s *Store) ListCheckpoints(ctx context.Context, projectID string, unresolvedOnly bool) ([]*models.Checkpoint, error) {
	query := `SELECT id, project_id, task_id, checkpoint_type, summary, attempts_json,
		question, response, resolved_at, created_at FROM checkpoints WHERE project_id = ?`
	if unresolvedOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.q.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCheckpointResolved stamps a checkpoint with the user's response.
func (s *Store) MarkCheckpointResolved(ctx context.Context, id, response string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE checkpoints SET response = ?, resolved_at = ? WHERE id = ?`,
		response, s.now(), id)
	if err != nil {
		return fmt.Errorf("resolve checkpoint: %w", err)
	}
	return nil
}

func scanCheckpoint(sc scanner) (*models.Checkpoint, error) {
	var c models.Checkpoint
	var taskID, response sql.NullString
	var attemptsJSON string
	var resolvedAt sql.NullFloat64
	err := sc.Scan(&c.ID, &c.ProjectID, &taskID, &c.Type, &c.Summary,
		&attemptsJSON, &c.Question, &response, &resolvedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	c.TaskID = taskID.String
	c.Response = response.String
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Float64
	}
	if attemptsJSON != "" {
		if err := json.Unmarshal([]byte(attemptsJSON), &c.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts: %w", err)
		}
	}
	return &c, nil
}
