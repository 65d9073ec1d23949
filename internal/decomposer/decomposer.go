// Package decomposer turns an approved plan payload into task rows and
// dependency edges. It validates the dependency graph, assigns waves,
// and materializes everything in one transaction.
package decomposer

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/router"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

// Decomposer materializes plans into executable tasks.
type Decomposer struct {
	st  *store.Store
	rt  *router.Router
	cfg *config.Config
}

// New creates a Decomposer.
func New(st *store.Store, rt *router.Router, cfg *config.Config) *Decomposer {
	return &Decomposer{st: st, rt: rt, cfg: cfg}
}

// Summary describes a successful decomposition.
type Summary struct {
	// TasksCreated is the number of task rows written.
	TasksCreated int `json:"tasks_created"`
	// TaskIDs lists the new task IDs in plan order.
	TaskIDs []string `json:"task_ids"`
	// EstimatedCostUSD is the summed pre-flight cost estimate.
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	// PlanSummary echoes the plan's summary string.
	PlanSummary string `json:"summary"`
}

// Run decomposes a draft plan into tasks. In one transaction the plan
// moves to approved, any previously approved plan is superseded, and
// the project moves to ready. Running against a non-draft plan is an
// invalid-state error, so repeating an approval cannot duplicate
// tasks.
func (d *Decomposer) Run(ctx context.Context, projectID, planID string) (*Summary, error) {
	plan, err := d.st.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.ProjectID != projectID {
		return nil, fmt.Errorf("plan %s does not belong to project %s: %w", planID, projectID, models.ErrNotFound)
	}
	if plan.Status != models.PlanDraft {
		return nil, fmt.Errorf("plan is already %s: %w", plan.Status, models.ErrInvalidState)
	}
	if _, err := d.st.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	payload, err := models.ParsePlanPayload([]byte(plan.PayloadJSON))
	if err != nil {
		return nil, err
	}

	deps := ResolveDeps(payload.Tasks)
	waves, err := ComputeWaves(len(payload.Tasks), deps)
	if err != nil {
		return nil, err
	}

	summary := &Summary{PlanSummary: payload.Summary}
	taskIDs := make([]string, len(payload.Tasks))
	for i := range payload.Tasks {
		taskIDs[i] = uuid.New().String()[:12]
	}

	err = d.st.WithTx(ctx, func(tx *store.Store) error {
		for i, def := range payload.Tasks {
			tier := d.rt.Route(def.Type, def.Complexity)
			toolNames := def.ToolsNeeded
			if len(toolNames) == 0 {
				toolNames = d.rt.RecommendTools(def.Type)
			}

			estCost := d.rt.EstimateTaskCost(tier, router.EstimatedTaskInputTokens, d.cfg.Execution.DefaultMaxTokens)
			summary.EstimatedCostUSD += estCost

			task := &models.Task{
				ID:          taskIDs[i],
				ProjectID:   projectID,
				PlanID:      planID,
				Title:       def.Title,
				Description: def.Description,
				Type:        def.Type,
				// Earlier plan entries dispatch first within a wave.
				Priority: i * 10,
				Tier:     tier,
				Context: []models.ContextEntry{
					{Type: "project_summary", Content: payload.Summary},
					{Type: "task_description", Content: def.Description},
				},
				Tools:      toolNames,
				MaxTokens:  d.cfg.Execution.DefaultMaxTokens,
				MaxRetries: d.cfg.Execution.MaxTaskRetries,
				Wave:       waves[i],
			}
			if err := tx.CreateTask(ctx, task); err != nil {
				return err
			}
		}

		for i, taskDeps := range deps {
			for _, depIdx := range taskDeps {
				if err := tx.AddDep(ctx, taskIDs[i], taskIDs[depIdx]); err != nil {
					return err
				}
			}
		}

		if err := tx.SupersedeApprovedPlans(ctx, projectID); err != nil {
			return err
		}
		if err := tx.SetPlanStatus(ctx, planID, models.PlanApproved); err != nil {
			return err
		}
		if err := tx.SetProjectStatus(ctx, projectID, models.ProjectReady); err != nil {
			return err
		}
		return tx.RecomputeBlocked(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}

	summary.TasksCreated = len(taskIDs)
	summary.TaskIDs = taskIDs
	return summary, nil
}

// ResolveDeps filters each task's depends_on list down to valid
// indices. Out-of-range, self-referential, and non-numeric entries are
// dropped with a logged warning; duplicates collapse.
func ResolveDeps(tasks []models.PlanTask) [][]int {
	out := make([][]int, len(tasks))
	for i, task := range tasks {
		seen := make(map[int]bool)
		for _, ref := range task.DependsOn {
			if ref.Kind == models.DepInvalid {
				log.Printf("[decomposer] task %d (%q): dropping dependency %q: %s",
					i, task.Title, ref.Raw, ref.Reason)
				continue
			}
			idx := ref.Index
			if idx < 0 || idx >= len(tasks) {
				log.Printf("[decomposer] task %d (%q): dropping out-of-range dependency %d",
					i, task.Title, idx)
				continue
			}
			if idx == i {
				log.Printf("[decomposer] task %d (%q): dropping self-referential dependency",
					i, task.Title)
				continue
			}
			if seen[idx] {
				continue
			}
			seen[idx] = true
			out[i] = append(out[i], idx)
		}
	}
	return out
}

// ComputeWaves assigns each task the length of its longest dependency
// chain using Kahn's algorithm. Tasks still carrying in-degree after
// processing form a cycle, which fails the decomposition.
func ComputeWaves(n int, deps [][]int) ([]int, error) {
	if n == 0 {
		return []int{}, nil
	}

	inDegree := make([]int, n)
	dependents := make([][]int, n)
	for i, taskDeps := range deps {
		inDegree[i] = len(taskDeps)
		for _, depIdx := range taskDeps {
			dependents[depIdx] = append(dependents[depIdx], i)
		}
	}

	waves := make([]int, n)
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[node] {
			if waves[node]+1 > waves[next] {
				waves[next] = waves[node] + 1
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != n {
		return nil, models.ErrCycleDetected
	}
	return waves, nil
}
