package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/foremanhq/foreman/pkg/models"
)

const taskColumns = `id, project_id, plan_id, title, description, task_type, priority,
	status, model_tier, model_used, context_json, tools_json, system_prompt,
	output_text, partial, prompt_tokens, completion_tokens, cost_usd, max_tokens,
	retry_count, max_retries, wave, verification_status, verification_notes,
	error, started_at, completed_at, created_at, updated_at`

// CreateTask inserts a task. Dependencies are stored separately via
// AddDep.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	ctxJSON, err := json.Marshal(orEmptyContext(t.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	toolsJSON, err := json.Marshal(orEmptyStrings(t.Tools))
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, plan_id, title, description, task_type,
			priority, status, model_tier, context_json, tools_json, system_prompt,
			max_tokens, max_retries, wave, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.PlanID, t.Title, t.Description, string(t.Type),
		t.Priority, string(t.Status), string(t.Tier), string(ctxJSON), string(toolsJSON),
		t.SystemPrompt, t.MaxTokens, t.MaxRetries, t.Wave, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask loads one task with its dependency list.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	deps, err := s.DepsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

// ListTasks returns a project's tasks ordered by priority then
// creation time, optionally filtered by status. Dependencies are
// loaded in one batch query.
func (s *Store) ListTasks(ctx context.Context, projectID string, status models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority ASC, created_at ASC`

	tasks, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return tasks, s.attachDeps(ctx, tasks)
}

// TasksInStatuses returns the project's tasks whose status is one of
// the given values.
func (s *Store) TasksInStatuses(ctx context.Context, projectID string, statuses ...models.TaskStatus) ([]*models.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{projectID}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND status IN (`+
			placeholders(len(statuses))+`) ORDER BY priority ASC, created_at ASC`,
		args...)
}

// CountTasksByStatus returns the per-status task counts for a project.
func (s *Store) CountTasksByStatus(ctx context.Context, projectID string) (map[models.TaskStatus]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

// ReadyTasks returns pending tasks whose dependencies are all
// completed, ordered by wave, then priority, then creation time. A
// single join query avoids per-task dependency lookups.
func (s *Store) ReadyTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	query := `SELECT ` + qualify(taskColumns, "t") + ` FROM tasks t
		LEFT JOIN task_deps d ON d.task_id = t.id
		LEFT JOIN tasks dep ON dep.id = d.depends_on AND dep.status != 'completed'
		WHERE t.project_id = ? AND t.status = 'pending'
		GROUP BY t.id HAVING COUNT(dep.id) = 0
		ORDER BY t.wave ASC, t.priority ASC, t.created_at ASC`
	tasks, err := s.queryTasks(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	return tasks, s.attachDeps(ctx, tasks)
}

// RecomputeBlocked re-derives the pending/blocked split for a project:
// pending tasks with an incomplete dependency become blocked, and
// blocked tasks whose dependencies all completed become pending again.
func (s *Store) RecomputeBlocked(ctx context.Context, projectID string) error {
	now := s.now()
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'blocked', updated_at = ?
			WHERE project_id = ? AND status = 'pending'
			AND id IN (
				SELECT d.task_id FROM task_deps d
				JOIN tasks dep ON dep.id = d.depends_on
				WHERE dep.status != 'completed'
			)`,
		now, projectID)
	if err != nil {
		return fmt.Errorf("block tasks: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', updated_at = ?
			WHERE project_id = ? AND status = 'blocked'
			AND id NOT IN (
				SELECT d.task_id FROM task_deps d
				JOIN tasks dep ON dep.id = d.depends_on
				WHERE dep.status != 'completed'
			)`,
		now, projectID)
	if err != nil {
		return fmt.Errorf("unblock tasks: %w", err)
	}
	return nil
}

// ClaimTask atomically transitions a task from pending to queued.
// Returns false when another claim got there first, which keeps
// dispatch at-most-once across ticks.
func (s *Store) ClaimTask(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'queued', updated_at = ? WHERE id = ? AND status = 'pending'`,
		s.now(), id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task rows: %w", err)
	}
	return n == 1, nil
}

// MarkRunning transitions a queued task to running and stamps
// started_at.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	now := s.now()
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'running', started_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// TaskResult carries the agent outcome applied on completion.
type TaskResult struct {
	// Output is the final assistant text.
	Output string
	// Partial marks output cut short by budget exhaustion.
	Partial bool
	// PromptTokens and CompletionTokens are cumulative usage.
	PromptTokens     int
	CompletionTokens int
	// CostUSD is the total recorded cost.
	CostUSD float64
	// ModelUsed is the concrete model identifier.
	ModelUsed string
}

// CompleteTask stores the agent result and transitions the task to
// completed.
func (s *Store) CompleteTask(ctx context.Context, id string, r TaskResult) error {
	now := s.now()
	partial := 0
	if r.Partial {
		partial = 1
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'completed', output_text = ?, partial = ?,
			prompt_tokens = ?, completion_tokens = ?, cost_usd = ?, model_used = ?,
			error = NULL, completed_at = ?, updated_at = ? WHERE id = ?`,
		r.Output, partial, r.PromptTokens, r.CompletionTokens, r.CostUSD,
		r.ModelUsed, now, now, id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// SetTaskVerification records the output-quality gate's verdict.
func (s *Store) SetTaskVerification(ctx context.Context, id string, status models.VerificationResult, notes string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET verification_status = ?, verification_notes = ?, updated_at = ?
			WHERE id = ?`,
		string(status), notes, s.now(), id)
	if err != nil {
		return fmt.Errorf("set task verification: %w", err)
	}
	return nil
}

// ResetForVerificationRetry returns a completed task to pending so a
// fresh attempt can address the gaps the verifier found. The retry
// counter advances so verification retries share the same bound as
// transient ones.
func (s *Store) ResetForVerificationRetry(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', retry_count = retry_count + 1,
			completed_at = NULL, updated_at = ? WHERE id = ?`,
		s.now(), id)
	if err != nil {
		return fmt.Errorf("reset for verification retry: %w", err)
	}
	return nil
}

// ResetForRetry returns a task to pending after a transient failure and
// bumps its retry counter; the executor re-dispatches it once the
// backoff deadline passes.
func (s *Store) ResetForRetry(ctx context.Context, id, errMsg string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', retry_count = retry_count + 1,
			error = ?, updated_at = ? WHERE id = ?`,
		errMsg, s.now(), id)
	if err != nil {
		return fmt.Errorf("reset for retry: %w", err)
	}
	return nil
}

// ResetTask returns a task to pending for a fresh attempt after a
// checkpoint resolution, clearing prior output and retry history.
// Optional guidance is appended to the task context.
func (s *Store) ResetTask(ctx context.Context, id, guidance string) error {
	if guidance != "" {
		if err := s.AppendTaskContext(ctx, id, models.ContextEntry{
			Type:    "checkpoint_guidance",
			Content: guidance,
		}); err != nil {
			return err
		}
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', error = NULL, retry_count = 0,
			output_text = NULL, partial = 0, completed_at = NULL, updated_at = ?
			WHERE id = ?`,
		s.now(), id)
	if err != nil {
		return fmt.Errorf("reset task: %w", err)
	}
	return nil
}

// FailTask transitions a task to failed with an error message.
func (s *Store) FailTask(ctx context.Context, id, errMsg string) error {
	return s.setTaskError(ctx, id, models.TaskFailed, errMsg)
}

// MarkNeedsReview transitions a task to needs_review with an error
// message.
func (s *Store) MarkNeedsReview(ctx context.Context, id, errMsg string) error {
	return s.setTaskError(ctx, id, models.TaskNeedsReview, errMsg)
}

func (s *Store) setTaskError(ctx context.Context, id string, status models.TaskStatus, errMsg string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, s.now(), id)
	if err != nil {
		return fmt.Errorf("set task %s: %w", status, err)
	}
	return nil
}

// SetTaskStatus performs an unconditional status write.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now(), id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

// CancelIfActive transitions a task to cancelled unless it already
// reached a terminal state. Returns true when the transition applied.
func (s *Store) CancelIfActive(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'cancelled', updated_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		s.now(), id)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelProjectTasks cancels every non-running, non-terminal task of a
// project. Running tasks are cancelled by their workers so reservations
// release cleanly.
func (s *Store) CancelProjectTasks(ctx context.Context, projectID string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'cancelled', updated_at = ?
			WHERE project_id = ? AND status IN ('pending', 'blocked', 'queued', 'needs_review')`,
		s.now(), projectID)
	if err != nil {
		return 0, fmt.Errorf("cancel project tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TaskUpdate carries the user-editable fields.
type TaskUpdate struct {
	Title       *string
	Description *string
	Tier        *models.ModelTier
	Priority    *int
	MaxTokens   *int
}

// UpdateTask edits a task before execution.
func (s *Store) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Tier != nil {
		t.Tier = *u.Tier
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.MaxTokens != nil {
		t.MaxTokens = *u.MaxTokens
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, model_tier = ?, priority = ?,
			max_tokens = ?, updated_at = ? WHERE id = ?`,
		t.Title, t.Description, string(t.Tier), t.Priority, t.MaxTokens, s.now(), id)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// AppendTaskContext appends one context entry to the task's stored
// context list.
func (s *Store) AppendTaskContext(ctx context.Context, id string, entry models.ContextEntry) error {
	var raw string
	row := s.q.QueryRowContext(ctx, `SELECT context_json FROM tasks WHERE id = ?`, id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("load context: %w", err)
	}
	var entries []models.ContextEntry
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return fmt.Errorf("decode context: %w", err)
		}
	}
	entries = append(entries, entry)
	out, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE tasks SET context_json = ?, updated_at = ? WHERE id = ?`,
		string(out), s.now(), id)
	if err != nil {
		return fmt.Errorf("append context: %w", err)
	}
	return nil
}

// AddDep records a dependency edge task -> depends_on.
func (s *Store) AddDep(ctx context.Context, taskID, dependsOn string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`, taskID, dependsOn)
	if err != nil {
		return fmt.Errorf("add dep: %w", err)
	}
	return nil
}

// DepsFor returns the IDs a task depends on.
func (s *Store) DepsFor(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT depends_on FROM task_deps WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("deps for: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// DependentsOf returns the IDs of tasks that depend on the given task.
func (s *Store) DependentsOf(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT task_id FROM task_deps WHERE depends_on = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("dependents of: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// attachDeps loads dependency lists for a batch of tasks in one query.
func (s *Store) attachDeps(ctx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	args := make([]any, len(tasks))
	index := make(map[string]*models.Task, len(tasks))
	for i, t := range tasks {
		args[i] = t.ID
		index[t.ID] = t
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT task_id, depends_on FROM task_deps WHERE task_id IN (`+placeholders(len(tasks))+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("attach deps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return fmt.Errorf("scan dep: %w", err)
		}
		if t, ok := index[taskID]; ok {
			t.DependsOn = append(t.DependsOn, dep)
		}
	}
	return rows.Err()
}

func scanTask(sc scanner) (*models.Task, error) {
	var t models.Task
	var taskType, status, tier string
	var modelUsed, outputText, verifyStatus, verifyNotes, errMsg sql.NullString
	var partial int
	var ctxJSON, toolsJSON string
	var startedAt, completedAt sql.NullFloat64

	err := sc.Scan(&t.ID, &t.ProjectID, &t.PlanID, &t.Title, &t.Description,
		&taskType, &t.Priority, &status, &tier, &modelUsed, &ctxJSON, &toolsJSON,
		&t.SystemPrompt, &outputText, &partial, &t.PromptTokens, &t.CompletionTokens,
		&t.CostUSD, &t.MaxTokens, &t.RetryCount, &t.MaxRetries, &t.Wave,
		&verifyStatus, &verifyNotes, &errMsg,
		&startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Type = models.TaskType(taskType)
	t.Status = models.TaskStatus(status)
	t.Tier = models.ModelTier(tier)
	t.ModelUsed = modelUsed.String
	t.OutputText = outputText.String
	t.Partial = partial != 0
	t.VerificationStatus = models.VerificationResult(verifyStatus.String)
	t.VerificationNotes = verifyNotes.String
	t.Error = errMsg.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.Float64
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Float64
	}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
			return nil, fmt.Errorf("decode task context: %w", err)
		}
	}
	if toolsJSON != "" {
		if err := json.Unmarshal([]byte(toolsJSON), &t.Tools); err != nil {
			return nil, fmt.Errorf("decode task tools: %w", err)
		}
	}
	return &t, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan string: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func orEmptyContext(in []models.ContextEntry) []models.ContextEntry {
	if in == nil {
		return []models.ContextEntry{}
	}
	return in
}

func orEmptyStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// qualify prefixes every column in a comma-separated list with the
// given table alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
