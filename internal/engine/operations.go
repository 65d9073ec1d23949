package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/decomposer"
	"github.com/foremanhq/foreman/internal/monitor"
	"github.com/foremanhq/foreman/internal/planner"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

// CreateProject registers a new draft project.
func (e *Engine) CreateProject(ctx context.Context, name, requirements string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	requirements = strings.TrimSpace(requirements)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", models.ErrValidation)
	}
	if requirements == "" {
		return nil, fmt.Errorf("requirements are required: %w", models.ErrValidation)
	}

	project := &models.Project{
		ID:           uuid.New().String()[:12],
		Name:         name,
		Requirements: requirements,
		Status:       models.ProjectDraft,
	}
	if err := e.st.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// GetProject loads one project.
func (e *Engine) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return e.st.GetProject(ctx, id)
}

// ListProjects lists projects, optionally filtered by status.
func (e *Engine) ListProjects(ctx context.Context, status models.ProjectStatus, limit, offset int) ([]*models.Project, error) {
	return e.st.ListProjects(ctx, status, limit, offset)
}

// UpdateProject edits a draft project's name or requirements.
func (e *Engine) UpdateProject(ctx context.Context, id string, name, requirements *string) (*models.Project, error) {
	project, err := e.st.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if project.Status.Terminal() || project.Status == models.ProjectExecuting {
		return nil, fmt.Errorf("cannot edit a %s project: %w", project.Status, models.ErrInvalidState)
	}
	if err := e.st.UpdateProject(ctx, id, name, requirements); err != nil {
		return nil, err
	}
	return e.st.GetProject(ctx, id)
}

// DeleteProject removes a project and everything under it.
func (e *Engine) DeleteProject(ctx context.Context, id string) error {
	project, err := e.st.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if project.Status == models.ProjectExecuting {
		return fmt.Errorf("cancel the project before deleting it: %w", models.ErrInvalidState)
	}
	return e.st.DeleteProject(ctx, id)
}

// RequestPlan generates a new draft plan from the project requirements.
func (e *Engine) RequestPlan(ctx context.Context, projectID string) (*planner.Result, error) {
	if e.planner == nil {
		return nil, fmt.Errorf("planning requires hosted-model credentials: %w", models.ErrInvalidState)
	}
	project, err := e.st.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.ProjectDraft {
		return nil, fmt.Errorf("project must be draft to plan, got %s: %w", project.Status, models.ErrInvalidState)
	}
	return e.planner.RequestPlan(ctx, projectID)
}

// ListPlans lists a project's plan versions.
func (e *Engine) ListPlans(ctx context.Context, projectID string) ([]*models.Plan, error) {
	if _, err := e.st.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.st.ListPlans(ctx, projectID)
}

// ApprovePlan decomposes a draft plan into tasks; the plan becomes
// approved and the project ready.
func (e *Engine) ApprovePlan(ctx context.Context, projectID, planID string) (*decomposer.Summary, error) {
	return e.dec.Run(ctx, projectID, planID)
}

// StartProject begins (or resumes) execution of a ready project.
func (e *Engine) StartProject(ctx context.Context, projectID string) error {
	project, err := e.st.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != models.ProjectReady && project.Status != models.ProjectPaused {
		return fmt.Errorf("project must be ready or paused to start, got %s: %w",
			project.Status, models.ErrInvalidState)
	}
	return e.st.SetProjectStatus(ctx, projectID, models.ProjectExecuting)
}

// PauseProject stops new task selection; running workers finish.
func (e *Engine) PauseProject(ctx context.Context, projectID string) error {
	project, err := e.st.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != models.ProjectExecuting {
		return fmt.Errorf("project is not executing: %w", models.ErrInvalidState)
	}
	return e.st.SetProjectStatus(ctx, projectID, models.ProjectPaused)
}

// CancelProject cancels a project: queued and pending tasks flip to
// cancelled in the store, in-flight workers are signalled, and the
// project reaches its terminal state.
func (e *Engine) CancelProject(ctx context.Context, projectID string) error {
	project, err := e.st.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status.Terminal() {
		return fmt.Errorf("project is already %s: %w", project.Status, models.ErrInvalidState)
	}

	err = e.st.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.CancelProjectTasks(ctx, projectID); err != nil {
			return err
		}
		return tx.SetProjectStatus(ctx, projectID, models.ProjectCancelled)
	})
	if err != nil {
		return err
	}

	// Running workers roll back their own reservations and task rows.
	e.exec.CancelProject(projectID)
	return nil
}

// ListTasks lists a project's tasks, optionally filtered by status.
func (e *Engine) ListTasks(ctx context.Context, projectID string, status models.TaskStatus) ([]*models.Task, error) {
	if _, err := e.st.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.st.ListTasks(ctx, projectID, status)
}

// GetTask loads one task.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return e.st.GetTask(ctx, taskID)
}

// UpdateTask edits a task before execution.
func (e *Engine) UpdateTask(ctx context.Context, taskID string, u store.TaskUpdate) (*models.Task, error) {
	task, err := e.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskRunning || task.Status == models.TaskCompleted {
		return nil, fmt.Errorf("cannot edit a %s task: %w", task.Status, models.ErrInvalidState)
	}
	if err := e.st.UpdateTask(ctx, taskID, u); err != nil {
		return nil, err
	}
	return e.st.GetTask(ctx, taskID)
}

// RetryTask requeues a failed task for a fresh attempt.
func (e *Engine) RetryTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := e.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskFailed {
		return nil, fmt.Errorf("can only retry failed tasks: %w", models.ErrInvalidState)
	}
	if err := e.st.ResetTask(ctx, taskID, ""); err != nil {
		return nil, err
	}
	return e.st.GetTask(ctx, taskID)
}

// ListCheckpoints lists a project's checkpoints.
func (e *Engine) ListCheckpoints(ctx context.Context, projectID string, unresolvedOnly bool) ([]*models.Checkpoint, error) {
	if _, err := e.st.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.st.ListCheckpoints(ctx, projectID, unresolvedOnly)
}

// GetCheckpoint loads one checkpoint.
func (e *Engine) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	return e.st.GetCheckpoint(ctx, id)
}

// ResolveCheckpoint applies a user decision to a stuck task: retry
// requeues it fresh (with optional guidance in context), skip cancels
// it, fail marks it failed.
func (e *Engine) ResolveCheckpoint(ctx context.Context, checkpointID string, action models.CheckpointAction, guidance string) (*models.Checkpoint, error) {
	cp, err := e.st.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.ResolvedAt != nil {
		return nil, fmt.Errorf("checkpoint already resolved: %w", models.ErrInvalidState)
	}

	err = e.st.WithTx(ctx, func(tx *store.Store) error {
		if cp.TaskID != "" {
			switch action {
			case models.CheckpointRetry:
				if err := tx.ResetTask(ctx, cp.TaskID, guidance); err != nil {
					return err
				}
			case models.CheckpointSkip:
				if err := tx.SetTaskStatus(ctx, cp.TaskID, models.TaskCancelled); err != nil {
					return err
				}
			case models.CheckpointFail:
				if err := tx.SetTaskStatus(ctx, cp.TaskID, models.TaskFailed); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown action %q: %w", action, models.ErrValidation)
			}
		}
		response := "Action: " + string(action)
		if guidance != "" {
			response += " | Guidance: " + guidance
		}
		return tx.MarkCheckpointResolved(ctx, checkpointID, response)
	})
	if err != nil {
		return nil, err
	}
	return e.st.GetCheckpoint(ctx, checkpointID)
}

// SubscribeEvents attaches a live event stream for a project.
func (e *Engine) SubscribeEvents(ctx context.Context, projectID string) (*bus.Subscription, error) {
	if _, err := e.st.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.bus.Subscribe(projectID)
}

// RecentEvents loads persisted events for a project.
func (e *Engine) RecentEvents(ctx context.Context, projectID, taskID string, limit int) ([]*models.Event, error) {
	if _, err := e.st.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.st.RecentEvents(ctx, projectID, taskID, limit)
}

// BudgetStatus reports spend against limits.
func (e *Engine) BudgetStatus(ctx context.Context) (*budget.Status, error) {
	return e.bm.Status(ctx)
}

// UsageSummary aggregates usage, optionally for one project.
func (e *Engine) UsageSummary(ctx context.Context, projectID string) (*store.UsageTotals, error) {
	if projectID != "" {
		if _, err := e.st.GetProject(ctx, projectID); err != nil {
			return nil, err
		}
	}
	return e.st.UsageSummary(ctx, projectID)
}

// Resources returns the monitor's availability snapshot.
func (e *Engine) Resources() []monitor.State {
	return e.mon.States()
}
