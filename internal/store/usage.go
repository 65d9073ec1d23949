package store

import (
	"context"
	"fmt"

	"github.com/foremanhq/foreman/pkg/models"
)

// AppendUsage inserts one usage record. Append-only.
func (s *Store) AppendUsage(ctx context.Context, r *models.UsageRecord) error {
	if r.Timestamp == 0 {
		r.Timestamp = s.now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO usage_log (project_id, task_id, provider, model, prompt_tokens,
			completion_tokens, cost_usd, purpose, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullable(r.ProjectID), nullable(r.TaskID), r.Provider, r.Model,
		r.PromptTokens, r.CompletionTokens, r.CostUSD, r.Purpose, r.Timestamp)
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

// UpsertPeriod adds one call's usage to a budget period row, creating
// the row on first use.
func (s *Store) UpsertPeriod(ctx context.Context, key, periodType string, costUSD float64, promptTokens, completionTokens int) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO budget_periods (period_key, period_type, total_cost_usd,
			total_prompt_tokens, total_completion_tokens, api_call_count)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT(period_key) DO UPDATE SET
			total_cost_usd = total_cost_usd + excluded.total_cost_usd,
			total_prompt_tokens = total_prompt_tokens + excluded.total_prompt_tokens,
			total_completion_tokens = total_completion_tokens + excluded.total_completion_tokens,
			api_call_count = api_call_count + 1`,
		key, periodType, costUSD, promptTokens, completionTokens)
	if err != nil {
		return fmt.Errorf("upsert period %s: %w", key, err)
	}
	return nil
}

// PeriodCost returns the committed spend for a period key, zero when
// the period has no row yet.
func (s *Store) PeriodCost(ctx context.Context, key string) (float64, error) {
	var cost float64
	row := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_cost_usd), 0) FROM budget_periods WHERE period_key = ?`, key)
	if err := row.Scan(&cost); err != nil {
		return 0, fmt.Errorf("period cost: %w", err)
	}
	return cost, nil
}

// GetPeriod loads one budget period row.
func (s *Store) GetPeriod(ctx context.Context, key string) (*models.BudgetPeriod, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT period_key, period_type, total_cost_usd, total_prompt_tokens,
			total_completion_tokens, api_call_count FROM budget_periods WHERE period_key = ?`, key)
	var p models.BudgetPeriod
	err := row.Scan(&p.Key, &p.Type, &p.CostUSD, &p.PromptTokens, &p.CompletionTokens, &p.CallCount)
	if err != nil {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

// ProjectSpend returns the lifetime committed spend for a project.
func (s *Store) ProjectSpend(ctx context.Context, projectID string) (float64, error) {
	var total float64
	row := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_log WHERE project_id = ?`, projectID)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("project spend: %w", err)
	}
	return total, nil
}

// UsageTotals aggregates usage, optionally scoped to one project.
type UsageTotals struct {
	// CostUSD is the total spend.
	CostUSD float64 `json:"total_cost_usd"`
	// PromptTokens and CompletionTokens are aggregate token counts.
	PromptTokens     int `json:"total_prompt_tokens"`
	CompletionTokens int `json:"total_completion_tokens"`
	// CallCount is the number of API calls.
	CallCount int `json:"api_call_count"`
	// ByModel breaks totals down per model.
	ByModel map[string]ModelUsage `json:"by_model"`
}

// ModelUsage is the per-model slice of a usage summary.
type ModelUsage struct {
	CostUSD          float64 `json:"cost_usd"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CallCount        int     `json:"calls"`
}

// UsageSummary computes aggregate usage, optionally per project.
func (s *Store) UsageSummary(ctx context.Context, projectID string) (*UsageTotals, error) {
	where := ""
	args := []any{}
	if projectID != "" {
		where = ` WHERE project_id = ?`
		args = append(args, projectID)
	}

	out := &UsageTotals{ByModel: make(map[string]ModelUsage)}
	row := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0), COUNT(*) FROM usage_log`+where, args...)
	if err := row.Scan(&out.CostUSD, &out.PromptTokens, &out.CompletionTokens, &out.CallCount); err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT model, SUM(cost_usd), SUM(prompt_tokens), SUM(completion_tokens), COUNT(*)
			FROM usage_log`+where+` GROUP BY model`, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var mu ModelUsage
		if err := rows.Scan(&model, &mu.CostUSD, &mu.PromptTokens, &mu.CompletionTokens, &mu.CallCount); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		out.ByModel[model] = mu
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
