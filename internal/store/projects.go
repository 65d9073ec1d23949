package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foremanhq/foreman/pkg/models"
)

// CreateProject inserts a new project in the draft state.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = models.ProjectDraft
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO projects (id, name, requirements, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Requirements, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject loads one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, name, requirements, status, created_at, updated_at, completed_at
			FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns projects, optionally filtered by status, newest
// first.
func (s *Store) ListProjects(ctx context.Context, status models.ProjectStatus, limit, offset int) ([]*models.Project, error) {
	query := `SELECT id, name, requirements, status, created_at, updated_at, completed_at FROM projects`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProjectsInStatuses returns projects whose status is one of the given
// values; the executor uses this to find active projects each tick.
func (s *Store) ProjectsInStatuses(ctx context.Context, statuses ...models.ProjectStatus) ([]*models.Project, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT id, name, requirements, status, created_at, updated_at, completed_at
		FROM projects WHERE status IN (` + placeholders(len(statuses)) + `) ORDER BY created_at ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("projects in statuses: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProjectStatus transitions a project; terminal states also stamp
// completed_at.
func (s *Store) SetProjectStatus(ctx context.Context, id string, status models.ProjectStatus) error {
	now := s.now()
	var err error
	if status.Terminal() {
		_, err = s.q.ExecContext(ctx,
			`UPDATE projects SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			string(status), now, now, id)
	} else {
		_, err = s.q.ExecContext(ctx,
			`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("set project status: %w", err)
	}
	return nil
}

// UpdateProject updates the mutable fields (name, requirements).
func (s *Store) UpdateProject(ctx context.Context, id string, name, requirements *string) error {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if name != nil {
		p.Name = *name
	}
	if requirements != nil {
		p.Requirements = *requirements
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE projects SET name = ?, requirements = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Requirements, s.now(), id)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// DeleteProject removes a project; plans, tasks, deps, events, and
// checkpoints cascade.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// scanner matches *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProject(sc scanner) (*models.Project, error) {
	var p models.Project
	var status string
	var completed sql.NullFloat64
	err := sc.Scan(&p.ID, &p.Name, &p.Requirements, &status, &p.CreatedAt, &p.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Status = models.ProjectStatus(status)
	if completed.Valid {
		p.CompletedAt = &completed.Float64
	}
	return &p, nil
}

// placeholders builds a "?, ?, ?" list of the given length.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ", "...)
		}
		out = append(out, '?')
	}
	return string(out)
}
