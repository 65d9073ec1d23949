package executor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/agent"
	"github.com/foremanhq/foreman/internal/provider"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

// runTask is one worker's full lifecycle: acquire the permit, run the
// agent, and translate every outcome into a state transition plus
// events. Errors never escape to the tick loop.
func (e *Executor) runTask(ctx context.Context, task *models.Task, estCost float64) {
	defer func() {
		e.mu.Lock()
		delete(e.dispatched, task.ID)
		delete(e.workers, task.ID)
		e.mu.Unlock()
		e.bm.Release(task.ProjectID, estCost)
	}()

	// The permit is held for the rest of the worker's run (agent call,
	// persistence and verification); retry sleeps happen outside it,
	// via the retry deadline and the next tick.
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.cancelTask(task)
		return
	}
	defer e.sem.Release(1)

	if err := e.st.MarkRunning(ctx, task.ID); err != nil {
		log.Printf("[executor] mark running %s: %v", task.ID, err)
		e.cancelTask(task)
		return
	}
	e.bus.Publish(ctx, &models.Event{
		Type:      models.EventTaskStart,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Message:   task.Title,
	})

	prov := e.providerFor(task.Tier)
	modelID := e.rt.ModelID(task.Tier)

	result, err := e.runner.Run(ctx, task, prov, modelID, estCost)
	switch {
	case err == nil:
		// A cancel racing a finished agent call must not void the
		// result; persistence runs on a detached context.
		e.completeTask(context.WithoutCancel(ctx), task, result)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		e.cancelTask(task)
	case provider.Transient(err) && task.RetryCount < task.MaxRetries:
		e.retryTask(ctx, task, err)
	case provider.Transient(err):
		e.exhaustRetries(ctx, task, err)
	default:
		e.failTask(ctx, task, err.Error())
	}
}

// completeTask applies a successful result: the task row update
// persists in its own transaction; after the optional verification
// gate the completion event is published separately and dependency
// output forwards to dependents.
func (e *Executor) completeTask(ctx context.Context, task *models.Task, result *agent.Result) {
	e.clearRetryState(task.ID)

	err := e.st.WithTx(ctx, func(tx *store.Store) error {
		return tx.CompleteTask(ctx, task.ID, store.TaskResult{
			Output:           result.Output,
			Partial:          result.Partial,
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			CostUSD:          result.CostUSD,
			ModelUsed:        result.ModelUsed,
		})
	})
	if err != nil {
		log.Printf("[executor] complete task %s: %v", task.ID, err)
		e.failTask(ctx, task, fmt.Sprintf("persist completion: %v", err))
		return
	}

	// Output-quality gate for hosted-tier tasks. Partial results skip
	// it: the budget is already exhausted, and the gate costs another
	// call. A gate override (retry or review) replaces the completion
	// event flow.
	if e.verify != nil && e.cfg.Execution.VerificationEnabled &&
		task.Tier.Hosted() && !result.Partial {
		if e.verifyOutput(ctx, task, result.Output) {
			return
		}
	}

	data := map[string]any{"cost_usd": result.CostUSD}
	if result.Partial {
		data["partial"] = true
	}
	e.bus.Publish(ctx, &models.Event{
		Type:      models.EventTaskComplete,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Message:   task.Title,
		Data:      data,
	})

	if err := e.forwardContext(ctx, task, result.Output); err != nil {
		log.Printf("[executor] forward context from %s: %v", task.ID, err)
	}
}

// verifyOutput runs the quality gate over a completed task. Returns
// true when the verdict overrode the completion: gaps_found requeues
// the task with feedback in its context, human_needed escalates to
// needs_review. Gate failures never block completion; the task keeps
// its completed state with verification marked skipped.
func (e *Executor) verifyOutput(ctx context.Context, task *models.Task, output string) bool {
	verdict, err := e.verify.Verify(ctx, task, output)
	if err != nil {
		log.Printf("[executor] verification failed for task %s: %v", task.ID, err)
		if err := e.st.SetTaskVerification(ctx, task.ID, models.VerificationSkipped,
			fmt.Sprintf("Verification error: %v", err)); err != nil {
			log.Printf("[executor] record skipped verification for %s: %v", task.ID, err)
		}
		return false
	}

	if err := e.st.SetTaskVerification(ctx, task.ID, verdict.Result, verdict.Notes); err != nil {
		log.Printf("[executor] record verification for %s: %v", task.ID, err)
		return false
	}

	switch verdict.Result {
	case models.VerificationGapsFound:
		if task.RetryCount >= task.MaxRetries {
			return false
		}
		err := e.st.WithTx(ctx, func(tx *store.Store) error {
			if err := tx.AppendTaskContext(ctx, task.ID, models.ContextEntry{
				Type:    "verification_feedback",
				Content: fmt.Sprintf("Previous attempt had gaps: %s. Address these issues.", verdict.Notes),
			}); err != nil {
				return err
			}
			return tx.ResetForVerificationRetry(ctx, task.ID)
		})
		if err != nil {
			log.Printf("[executor] verification retry for %s: %v", task.ID, err)
			return false
		}
		e.bus.Publish(ctx, &models.Event{
			Type:      models.EventTaskVerifyRetry,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			Message:   fmt.Sprintf("%s: gaps found, retrying with feedback", task.Title),
			Data:      map[string]any{"verification_notes": verdict.Notes},
		})
		return true

	case models.VerificationHumanNeeded:
		if err := e.st.SetTaskStatus(ctx, task.ID, models.TaskNeedsReview); err != nil {
			log.Printf("[executor] escalate %s to review: %v", task.ID, err)
			return false
		}
		e.bus.Publish(ctx, &models.Event{
			Type:      models.EventTaskNeedsReview,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			Message:   fmt.Sprintf("%s: requires human review", task.Title),
			Data:      map[string]any{"verification_notes": verdict.Notes},
		})
		return true
	}
	return false
}

// retryTask resets a transiently-failed task to pending with a backoff
// deadline; the next eligible tick re-dispatches it.
func (e *Executor) retryTask(ctx context.Context, task *models.Task, cause error) {
	delay := e.backoffDelay(task.RetryCount)
	deadline := e.clk.Now().Add(delay)

	e.mu.Lock()
	e.retryDeadline[task.ID] = deadline
	e.mu.Unlock()

	msg := fmt.Sprintf("Transient error (retry %d): %v", task.RetryCount+1, cause)
	if err := e.st.ResetForRetry(ctx, task.ID, msg); err != nil {
		log.Printf("[executor] reset for retry %s: %v", task.ID, err)
		return
	}
	e.bus.Publish(ctx, &models.Event{
		Type:      models.EventTaskRetry,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Message:   fmt.Sprintf("%s: retrying in %.0fs (%v)", task.Title, delay.Seconds(), cause),
	})
}

// exhaustRetries handles a transient failure with no retries left:
// either a checkpoint (needs_review) or a plain failure, per config.
func (e *Executor) exhaustRetries(ctx context.Context, task *models.Task, cause error) {
	e.clearRetryState(task.ID)
	errMsg := fmt.Sprintf("Max retries exceeded: %v", cause)

	if !e.cfg.Execution.CheckpointOnRetryExhausted {
		e.failTask(ctx, task, errMsg)
		return
	}

	attempts, err := e.st.TaskAttempts(ctx, task.ID)
	if err != nil {
		log.Printf("[executor] load attempts for %s: %v", task.ID, err)
	}

	checkpoint := &models.Checkpoint{
		ID:        uuid.New().String()[:12],
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Type:      "retry_exhausted",
		Summary:   fmt.Sprintf("Task %q failed after %d attempts", task.Title, task.MaxRetries),
		Attempts:  attempts,
		Question: "How should we proceed? Options: retry with modified approach, " +
			"skip this task, or fail it.",
	}

	err = e.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateCheckpoint(ctx, checkpoint); err != nil {
			return err
		}
		return tx.MarkNeedsReview(ctx, task.ID, errMsg)
	})
	if err != nil {
		log.Printf("[executor] create checkpoint for %s: %v", task.ID, err)
		e.failTask(ctx, task, errMsg)
		return
	}

	e.bus.Publish(ctx, &models.Event{
		Type:      models.EventTaskNeedsReview,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Message:   fmt.Sprintf("%s: needs review after %d failed attempts", task.Title, task.MaxRetries),
	})
	e.bus.Publish(ctx, &models.Event{
		Type:      models.EventCheckpoint,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Message:   fmt.Sprintf("Checkpoint: %s needs attention", task.Title),
		Data:      map[string]any{"checkpoint_id": checkpoint.ID},
	})
}

// failTask applies a permanent failure.
func (e *Executor) failTask(ctx context.Context, task *models.Task, errMsg string) {
	e.clearRetryState(task.ID)
	if err := e.st.FailTask(ctx, task.ID, errMsg); err != nil {
		log.Printf("[executor] fail task %s: %v", task.ID, err)
		return
	}
	e.bus.Publish(ctx, &models.Event{
		Type:      models.EventTaskFailed,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Message:   fmt.Sprintf("%s: %s", task.Title, errMsg),
	})
}

// cancelTask rolls a cancelled worker's task to CANCELLED unless it
// already reached a terminal state. Writes use a detached context:
// the worker's own context is the thing that was cancelled.
func (e *Executor) cancelTask(task *models.Task) {
	ctx := context.Background()
	e.clearRetryState(task.ID)
	applied, err := e.st.CancelIfActive(ctx, task.ID)
	if err != nil {
		log.Printf("[executor] cancel task %s: %v", task.ID, err)
		return
	}
	if applied {
		e.bus.Publish(ctx, &models.Event{
			Type:      models.EventTaskFailed,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			Message:   fmt.Sprintf("%s: cancelled", task.Title),
			Data:      map[string]any{"reason": "cancelled"},
		})
	}
}

// forwardContext appends the completed task's truncated output to the
// end of each dependent task's context. Entries keep arrival order
// (oldest first) and are not reordered newest first.
func (e *Executor) forwardContext(ctx context.Context, task *models.Task, output string) error {
	dependents, err := e.st.DependentsOf(ctx, task.ID)
	if err != nil {
		return err
	}
	if len(dependents) == 0 {
		return nil
	}

	summary := output
	if max := e.cfg.Execution.ContextForwardMaxChars; len(summary) > max {
		summary = summary[:max]
	}
	entry := models.ContextEntry{
		Type:            "dependency_output",
		Content:         summary,
		SourceTaskID:    task.ID,
		SourceTaskTitle: task.Title,
	}
	for _, depID := range dependents {
		if err := e.st.AppendTaskContext(ctx, depID, entry); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) clearRetryState(taskID string) {
	e.mu.Lock()
	delete(e.retryDeadline, taskID)
	e.mu.Unlock()
}
