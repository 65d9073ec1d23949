package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, clk
}

func seedProject(t *testing.T, st *Store, id string, status models.ProjectStatus) *models.Project {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{ID: id, Name: "proj " + id, Requirements: "reqs", Status: models.ProjectDraft}
	if err := st.CreateProject(ctx, p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if status != models.ProjectDraft {
		if err := st.SetProjectStatus(ctx, id, status); err != nil {
			t.Fatalf("set status: %v", err)
		}
	}
	return p
}

func seedPlan(t *testing.T, st *Store, projectID, planID string) *models.Plan {
	t.Helper()
	plan := &models.Plan{ID: planID, ProjectID: projectID, ModelUsed: "test-model", PayloadJSON: `{"summary":"s","tasks":[{"title":"A","description":"a"}]}`}
	if err := st.CreatePlan(context.Background(), plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return plan
}

func seedTask(t *testing.T, st *Store, projectID, planID, taskID string, deps ...string) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := &models.Task{
		ID: taskID, ProjectID: projectID, PlanID: planID,
		Title: "task " + taskID, Description: "do " + taskID,
		Type: models.TaskTypeCode, Tier: models.TierHaiku,
		MaxTokens: 1024, MaxRetries: 3,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	for _, dep := range deps {
		if err := st.AddDep(ctx, taskID, dep); err != nil {
			t.Fatalf("add dep: %v", err)
		}
	}
	return task
}

func TestProjectCRUD(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seedProject(t, st, "p1", models.ProjectDraft)

	p, err := st.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Name != "proj p1" || p.Status != models.ProjectDraft {
		t.Errorf("unexpected project: %+v", p)
	}

	if _, err := st.GetProject(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := st.SetProjectStatus(ctx, "p1", models.ProjectCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	p, _ = st.GetProject(ctx, "p1")
	if p.CompletedAt == nil {
		t.Error("terminal transition should stamp completed_at")
	}

	if err := st.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteProject(ctx, "p1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestPlanVersioning(t *testing.T) {
	st, _ := newTestStore(t)
	seedProject(t, st, "p1", models.ProjectDraft)

	first := seedPlan(t, st, "p1", "plan1")
	second := seedPlan(t, st, "p1", "plan2")
	if first.Version != 1 || second.Version != 2 {
		t.Errorf("expected versions 1 and 2, got %d and %d", first.Version, second.Version)
	}
}

func TestClaimTaskAtMostOnce(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectExecuting)
	seedPlan(t, st, "p1", "plan1")
	seedTask(t, st, "p1", "plan1", "t1")

	claimed, err := st.ClaimTask(ctx, "t1")
	if err != nil || !claimed {
		t.Fatalf("first claim should succeed, got %v %v", claimed, err)
	}
	claimed, err = st.ClaimTask(ctx, "t1")
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if claimed {
		t.Error("second claim should fail; task is no longer pending")
	}
}

func TestRecomputeBlocked(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectExecuting)
	seedPlan(t, st, "p1", "plan1")
	seedTask(t, st, "p1", "plan1", "a")
	seedTask(t, st, "p1", "plan1", "b", "a")

	if err := st.RecomputeBlocked(ctx, "p1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	b, _ := st.GetTask(ctx, "b")
	if b.Status != models.TaskBlocked {
		t.Errorf("b should be blocked while a is incomplete, got %s", b.Status)
	}

	if err := st.CompleteTask(ctx, "a", TaskResult{Output: "done", ModelUsed: "m"}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if err := st.RecomputeBlocked(ctx, "p1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	b, _ = st.GetTask(ctx, "b")
	if b.Status != models.TaskPending {
		t.Errorf("b should be pending after a completes, got %s", b.Status)
	}
}

func TestReadyTasksOrdering(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectExecuting)
	seedPlan(t, st, "p1", "plan1")

	// Wave 1 task with low priority number, wave 0 tasks after it.
	seedTask(t, st, "p1", "plan1", "late")
	if _, err := st.db.Exec(`UPDATE tasks SET wave = 1, priority = 0 WHERE id = 'late'`); err != nil {
		t.Fatal(err)
	}
	seedTask(t, st, "p1", "plan1", "w0a")
	if _, err := st.db.Exec(`UPDATE tasks SET wave = 0, priority = 20 WHERE id = 'w0a'`); err != nil {
		t.Fatal(err)
	}
	seedTask(t, st, "p1", "plan1", "w0b")
	if _, err := st.db.Exec(`UPDATE tasks SET wave = 0, priority = 10 WHERE id = 'w0b'`); err != nil {
		t.Fatal(err)
	}

	ready, err := st.ReadyTasks(ctx, "p1")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	var ids []string
	for _, task := range ready {
		ids = append(ids, task.ID)
	}
	want := []string{"w0b", "w0a", "late"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("expected order %v, got %v", want, ids)
	}
}

func TestReadyTasksExcludesUnmetDeps(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectExecuting)
	seedPlan(t, st, "p1", "plan1")
	seedTask(t, st, "p1", "plan1", "a")
	seedTask(t, st, "p1", "plan1", "b", "a")

	ready, err := st.ReadyTasks(ctx, "p1")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("only a should be ready, got %v", ready)
	}

	if err := st.CompleteTask(ctx, "a", TaskResult{ModelUsed: "m"}); err != nil {
		t.Fatal(err)
	}
	ready, _ = st.ReadyTasks(ctx, "p1")
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("b should be ready after a completes, got %v", ready)
	}
}

func TestWithTxRollback(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectDraft)

	sentinel := errors.New("boom")
	err := st.WithTx(ctx, func(tx *Store) error {
		if err := tx.SetProjectStatus(ctx, "p1", models.ProjectReady); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	p, _ := st.GetProject(ctx, "p1")
	if p.Status != models.ProjectDraft {
		t.Errorf("rollback should keep draft status, got %s", p.Status)
	}
}

func TestWithTxReentrant(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectDraft)

	err := st.WithTx(ctx, func(tx *Store) error {
		return tx.WithTx(ctx, func(inner *Store) error {
			return inner.SetProjectStatus(ctx, "p1", models.ProjectReady)
		})
	})
	if err != nil {
		t.Fatalf("nested tx: %v", err)
	}
	p, _ := st.GetProject(ctx, "p1")
	if p.Status != models.ProjectReady {
		t.Errorf("nested write should commit, got %s", p.Status)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectExecuting)
	seedPlan(t, st, "p1", "plan1")
	seedTask(t, st, "p1", "plan1", "t1")

	if _, err := st.ClaimTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkRunning(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	if err := st.RecoverInterrupted(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	task, _ := st.GetTask(ctx, "t1")
	if task.Status != models.TaskFailed {
		t.Errorf("interrupted task should be failed, got %s", task.Status)
	}
	p, _ := st.GetProject(ctx, "p1")
	if p.Status != models.ProjectPaused {
		t.Errorf("executing project should be paused, got %s", p.Status)
	}
}

func TestAppendTaskContext(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectExecuting)
	seedPlan(t, st, "p1", "plan1")
	seedTask(t, st, "p1", "plan1", "t1")

	entry := models.ContextEntry{Type: "dependency_output", Content: "abc", SourceTaskID: "x"}
	if err := st.AppendTaskContext(ctx, "t1", entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	task, _ := st.GetTask(ctx, "t1")
	if len(task.Context) != 1 || task.Context[0].Content != "abc" {
		t.Errorf("context not appended: %+v", task.Context)
	}
}

func TestCancelProjectTasksSkipsRunning(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectExecuting)
	seedPlan(t, st, "p1", "plan1")
	seedTask(t, st, "p1", "plan1", "a")
	seedTask(t, st, "p1", "plan1", "b")

	if _, err := st.ClaimTask(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkRunning(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	n, err := st.CancelProjectTasks(ctx, "p1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 cancelled task, got %d", n)
	}
	a, _ := st.GetTask(ctx, "a")
	if a.Status != models.TaskRunning {
		t.Errorf("running task must be left for its worker, got %s", a.Status)
	}
}

func TestUsageAndPeriods(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, st, "p1", models.ProjectExecuting)

	if err := st.AppendUsage(ctx, &models.UsageRecord{
		ProjectID: "p1", Provider: "anthropic", Model: "m1",
		PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.25, Purpose: "execution",
	}); err != nil {
		t.Fatalf("append usage: %v", err)
	}
	if err := st.UpsertPeriod(ctx, "2026-03-14", "daily", 0.25, 10, 5); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertPeriod(ctx, "2026-03-14", "daily", 0.75, 20, 10); err != nil {
		t.Fatal(err)
	}

	cost, err := st.PeriodCost(ctx, "2026-03-14")
	if err != nil {
		t.Fatal(err)
	}
	if cost != 1.0 {
		t.Errorf("expected period cost 1.0, got %v", cost)
	}
	period, err := st.GetPeriod(ctx, "2026-03-14")
	if err != nil {
		t.Fatal(err)
	}
	if period.CallCount != 2 || period.PromptTokens != 30 {
		t.Errorf("unexpected period aggregate: %+v", period)
	}

	spend, err := st.ProjectSpend(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if spend != 0.25 {
		t.Errorf("expected project spend 0.25, got %v", spend)
	}
}
