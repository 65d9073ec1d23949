// Package executor drives approved projects to a terminal state: a
// tick loop selects ready tasks, reserves budget, and hands each one
// to an independent worker under a concurrency gate, honoring
// dependencies, resource health, retries, and cancellation.
package executor

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/foremanhq/foreman/internal/agent"
	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/monitor"
	"github.com/foremanhq/foreman/internal/provider"
	"github.com/foremanhq/foreman/internal/router"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/internal/verifier"
	"github.com/foremanhq/foreman/pkg/models"
)

// inflight tracks one running worker's cancellation handle.
type inflight struct {
	projectID string
	cancel    context.CancelFunc
}

// Executor is the wave-based task scheduler.
type Executor struct {
	st     *store.Store
	bm     *budget.Manager
	bus    *bus.Bus
	mon    *monitor.Monitor
	rt     *router.Router
	runner *agent.Runner
	cfg    *config.Config
	clk    clock.Clock

	// verify is the optional output-quality gate; nil when disabled or
	// when no hosted backend is configured.
	verify *verifier.Verifier

	// hosted and local are the two model backends; providerFor picks
	// by tier.
	hosted provider.Provider
	local  provider.Provider

	// sem is the concurrency gate, acquired by workers before the
	// agent call and released on every exit path.
	sem *semaphore.Weighted

	mu sync.Mutex
	// dispatched holds task IDs claimed this process, preventing a
	// second dispatch before the worker reaches RUNNING.
	dispatched map[string]bool
	// workers maps task ID to the in-flight worker handle.
	workers map[string]*inflight
	// retryDeadline holds per-task earliest re-dispatch times.
	retryDeadline map[string]time.Time
	// warnedPeriods tracks period keys that already got a
	// budget_warning event.
	warnedPeriods map[string]bool

	running bool
	cancel  context.CancelFunc
	loop    chan struct{}
	wg      sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Config wires an Executor.
type Config struct {
	Store   *store.Store
	Budget  *budget.Manager
	Bus     *bus.Bus
	Monitor *monitor.Monitor
	Router  *router.Router
	Runner  *agent.Runner
	Hosted  provider.Provider
	Local   provider.Provider
	Clock   clock.Clock
	Cfg     *config.Config
	// Verifier is optional; leave nil to skip output verification.
	Verifier *verifier.Verifier
}

// New creates an Executor.
func New(c Config) *Executor {
	return &Executor{
		st:            c.Store,
		bm:            c.Budget,
		bus:           c.Bus,
		mon:           c.Monitor,
		rt:            c.Router,
		runner:        c.Runner,
		cfg:           c.Cfg,
		verify:        c.Verifier,
		clk:           c.Clock,
		hosted:        c.Hosted,
		local:         c.Local,
		sem:           semaphore.NewWeighted(int64(c.Cfg.Execution.MaxConcurrentTasks)),
		dispatched:    make(map[string]bool),
		workers:       make(map[string]*inflight),
		retryDeadline: make(map[string]time.Time),
		warnedPeriods: make(map[string]bool),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the tick loop. Calling Start on a running executor is
// a no-op.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.loop = make(chan struct{})
	e.mu.Unlock()

	go func() {
		defer close(e.loop)
		ticker := time.NewTicker(e.cfg.Execution.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Tick(ctx); err != nil {
					log.Printf("[executor] tick error: %v", err)
				}
			}
		}
	}()
	log.Printf("[executor] started (tick %s, max concurrent %d)",
		e.cfg.Execution.TickInterval, e.cfg.Execution.MaxConcurrentTasks)
}

// Stop halts the tick loop, signals every in-flight worker, and waits
// up to the shutdown grace period for them to exit.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	loop := e.loop
	for _, w := range e.workers {
		w.cancel()
	}
	e.mu.Unlock()

	cancel()
	<-loop

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Execution.ShutdownGrace):
		log.Printf("[executor] shutdown grace elapsed with workers still in flight")
	}
	log.Printf("[executor] stopped")
}

// CancelProject signals every in-flight worker belonging to the
// project. The engine has already cancelled the project's queued and
// pending tasks; running workers roll back their own state.
func (e *Executor) CancelProject(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for taskID, w := range e.workers {
		if w.projectID == projectID {
			log.Printf("[executor] cancelling worker for task %s", taskID)
			w.cancel()
		}
	}
}

// InflightCount returns the number of live workers.
func (e *Executor) InflightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Tick runs one scheduling pass. Exported so tests (and a manual
// trigger) can step the executor deterministically.
func (e *Executor) Tick(ctx context.Context) error {
	projects, err := e.st.ProjectsInStatuses(ctx, models.ProjectExecuting, models.ProjectPaused)
	if err != nil {
		return err
	}

	for _, project := range projects {
		if project.Status == models.ProjectPaused {
			continue
		}
		if err := e.tickProject(ctx, project); err != nil {
			log.Printf("[executor] project %s: %v", project.ID, err)
		}
	}
	return nil
}

// tickProject handles one active project: re-derive blocked state,
// detect terminal and dead projects, then dispatch ready tasks within
// budget.
func (e *Executor) tickProject(ctx context.Context, project *models.Project) error {
	if err := e.st.RecomputeBlocked(ctx, project.ID); err != nil {
		return err
	}

	counts, err := e.st.CountTasksByStatus(ctx, project.ID)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return nil
	}

	active := counts[models.TaskPending] + counts[models.TaskQueued] + counts[models.TaskRunning]
	blocked := counts[models.TaskBlocked]
	needsReview := counts[models.TaskNeedsReview]

	// Terminal: every task reached completed/failed/cancelled.
	if active == 0 && blocked == 0 && needsReview == 0 {
		return e.finishProject(ctx, project.ID, counts)
	}

	// Dead project: nothing runnable, nothing awaiting review, but
	// blocked tasks remain. Their dependencies can never complete.
	if active == 0 && needsReview == 0 && blocked > 0 {
		log.Printf("[executor] project %s is dead: %d blocked task(s) with no runnable work", project.ID, blocked)
		if err := e.st.SetProjectStatus(ctx, project.ID, models.ProjectFailed); err != nil {
			return err
		}
		e.bus.Publish(ctx, &models.Event{
			Type:      models.EventProjectFailed,
			ProjectID: project.ID,
			Message:   "No forward progress possible: unsatisfiable dependencies",
			Data:      map[string]any{"blocked": blocked},
		})
		return nil
	}

	return e.dispatchReady(ctx, project.ID)
}

// finishProject transitions a fully-terminal project.
func (e *Executor) finishProject(ctx context.Context, projectID string, counts map[models.TaskStatus]int) error {
	failed := counts[models.TaskFailed]
	status := models.ProjectCompleted
	eventType := models.EventProjectComplete
	message := "All tasks finished."
	if failed > 0 {
		status = models.ProjectFailed
		eventType = models.EventProjectFailed
		message = "Project finished with failed task(s)."
	}
	if err := e.st.SetProjectStatus(ctx, projectID, status); err != nil {
		return err
	}
	e.bus.Publish(ctx, &models.Event{
		Type:      eventType,
		ProjectID: projectID,
		Message:   message,
		Data:      map[string]any{"failed": failed},
	})
	return nil
}

// dispatchReady selects and launches ready tasks for one project.
func (e *Executor) dispatchReady(ctx context.Context, projectID string) error {
	ready, err := e.st.ReadyTasks(ctx, projectID)
	if err != nil {
		return err
	}

	now := e.clk.Now()
	for _, task := range ready {
		e.mu.Lock()
		if e.dispatched[task.ID] {
			e.mu.Unlock()
			continue
		}
		if deadline, ok := e.retryDeadline[task.ID]; ok && now.Before(deadline) {
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		if !e.mon.TaskRunnable(task.Tier, task.Tools) {
			continue
		}

		estCost := e.rt.EstimateTaskCost(task.Tier, router.EstimatedTaskInputTokens, task.MaxTokens)
		ok, err := e.bm.Reserve(ctx, projectID, estCost)
		if err != nil {
			return err
		}
		if !ok {
			e.warnBudget(ctx, projectID)
			// No point trying cheaper-ordered siblings this tick; the
			// next tick re-evaluates once spend or the period moves.
			return nil
		}

		claimed, err := e.st.ClaimTask(ctx, task.ID)
		if err != nil {
			e.bm.Release(projectID, estCost)
			return err
		}
		if !claimed {
			e.bm.Release(projectID, estCost)
			continue
		}

		e.launch(ctx, task, estCost)
	}
	return nil
}

// launch registers dispatch state and starts the worker goroutine.
func (e *Executor) launch(ctx context.Context, task *models.Task, estCost float64) {
	workerCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.dispatched[task.ID] = true
	e.workers[task.ID] = &inflight{projectID: task.ProjectID, cancel: cancel}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.runTask(workerCtx, task, estCost)
	}()
}

// warnBudget publishes budget_warning at most once per day key.
func (e *Executor) warnBudget(ctx context.Context, projectID string) {
	key := e.clk.Now().UTC().Format("2006-01-02")
	e.mu.Lock()
	warned := e.warnedPeriods[key]
	e.warnedPeriods[key] = true
	e.mu.Unlock()
	if warned {
		return
	}
	log.Printf("[executor] budget limit reached; deferring dispatch")
	e.bus.Publish(ctx, &models.Event{
		Type:      models.EventBudgetWarning,
		ProjectID: projectID,
		Message:   "Budget limit reached. Execution deferred until spend clears or the period rolls over.",
	})
}

// providerFor picks the backend for a tier.
func (e *Executor) providerFor(tier models.ModelTier) provider.Provider {
	if tier.Hosted() {
		return e.hosted
	}
	return e.local
}

// backoffDelay computes the exponential retry delay with jitter.
func (e *Executor) backoffDelay(retryCount int) time.Duration {
	delay := e.cfg.Execution.BackoffBase << uint(retryCount)
	e.rngMu.Lock()
	jitter := time.Duration(e.rng.Int63n(int64(2 * time.Second)))
	e.rngMu.Unlock()
	delay += jitter
	if delay > e.cfg.Execution.BackoffMax {
		delay = e.cfg.Execution.BackoffMax
	}
	return delay
}

// RetryDeadline exposes a task's backoff deadline; used by tests.
func (e *Executor) RetryDeadline(taskID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.retryDeadline[taskID]
	return d, ok
}
