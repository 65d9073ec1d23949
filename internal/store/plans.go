package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foremanhq/foreman/pkg/models"
)

// CreatePlan inserts a new draft plan. Version is assigned as the next
// version for the project.
func (s *Store) CreatePlan(ctx context.Context, p *models.Plan) error {
	var maxVersion sql.NullInt64
	row := s.q.QueryRowContext(ctx,
		`SELECT MAX(version) FROM plans WHERE project_id = ?`, p.ProjectID)
	if err := row.Scan(&maxVersion); err != nil {
		return fmt.Errorf("next plan version: %w", err)
	}
	p.Version = int(maxVersion.Int64) + 1
	p.CreatedAt = s.now()
	if p.Status == "" {
		p.Status = models.PlanDraft
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO plans (id, project_id, version, model_used, prompt_tokens,
			completion_tokens, cost_usd, payload_json, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.Version, p.ModelUsed, p.PromptTokens,
		p.CompletionTokens, p.CostUSD, p.PayloadJSON, string(p.Status), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

// GetPlan loads one plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, project_id, version, model_used, prompt_tokens, completion_tokens,
			cost_usd, payload_json, status, created_at FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// ListPlans returns all plan versions for a project, newest first.
func (s *Store) ListPlans(ctx context.Context, projectID string) ([]*models.Plan, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, project_id, version, model_used, prompt_tokens, completion_tokens,
			cost_usd, payload_json, status, created_at
			FROM plans WHERE project_id = ? ORDER BY version DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPlanStatus transitions a plan.
func (s *Store) SetPlanStatus(ctx context.Context, id string, status models.PlanStatus) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE plans SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set plan status: %w", err)
	}
	return nil
}

// SupersedeApprovedPlans marks any approved plan of the project as
// superseded, keeping at most one approved plan per project.
func (s *Store) SupersedeApprovedPlans(ctx context.Context, projectID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE plans SET status = 'superseded' WHERE project_id = ? AND status = 'approved'`,
		projectID)
	if err != nil {
		return fmt.Errorf("supersede plans: %w", err)
	}
	return nil
}

func scanPlan(sc scanner) (*models.Plan, error) {
	var p models.Plan
	var status string
	err := sc.Scan(&p.ID, &p.ProjectID, &p.Version, &p.ModelUsed, &p.PromptTokens,
		&p.CompletionTokens, &p.CostUSD, &p.PayloadJSON, &status, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.Status = models.PlanStatus(status)
	return &p, nil
}
