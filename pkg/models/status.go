// Package models defines the core entities and enumerations shared
// across the Foreman engine.
package models

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	// ProjectDraft indicates the project exists but has no plan yet.
	ProjectDraft ProjectStatus = "draft"
	// ProjectPlanning indicates a plan is being generated.
	ProjectPlanning ProjectStatus = "planning"
	// ProjectReady indicates a plan is approved and tasks await execution.
	ProjectReady ProjectStatus = "ready"
	// ProjectExecuting indicates the executor is driving the project.
	ProjectExecuting ProjectStatus = "executing"
	// ProjectPaused indicates execution is suspended; no new tasks start.
	ProjectPaused ProjectStatus = "paused"
	// ProjectCompleted indicates every task reached a successful terminal state.
	ProjectCompleted ProjectStatus = "completed"
	// ProjectFailed indicates the project cannot make further progress.
	ProjectFailed ProjectStatus = "failed"
	// ProjectCancelled indicates the user cancelled the project.
	ProjectCancelled ProjectStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectDraft, ProjectPlanning, ProjectReady, ProjectExecuting,
		ProjectPaused, ProjectCompleted, ProjectFailed, ProjectCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the project can no longer change state.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectFailed || s == ProjectCancelled
}

// PlanStatus represents the lifecycle state of a plan version.
type PlanStatus string

const (
	// PlanDraft indicates the plan awaits approval.
	PlanDraft PlanStatus = "draft"
	// PlanApproved indicates the plan was decomposed into tasks.
	PlanApproved PlanStatus = "approved"
	// PlanSuperseded indicates a newer plan version replaced this one.
	PlanSuperseded PlanStatus = "superseded"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending indicates the task is eligible for dispatch once its
	// dependencies complete.
	TaskPending TaskStatus = "pending"
	// TaskBlocked indicates at least one dependency is not completed.
	TaskBlocked TaskStatus = "blocked"
	// TaskQueued indicates the task was claimed for dispatch this tick.
	TaskQueued TaskStatus = "queued"
	// TaskRunning indicates a worker is executing the task.
	TaskRunning TaskStatus = "running"
	// TaskCompleted indicates the task produced output successfully.
	TaskCompleted TaskStatus = "completed"
	// TaskNeedsReview indicates the task exhausted retries and awaits a
	// human decision via a checkpoint.
	TaskNeedsReview TaskStatus = "needs_review"
	// TaskFailed indicates a permanent error.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled indicates the task was cancelled before completing.
	TaskCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskBlocked, TaskQueued, TaskRunning,
		TaskCompleted, TaskNeedsReview, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the task can no longer be dispatched.
// NEEDS_REVIEW is not terminal: a checkpoint resolution may requeue it.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ModelTier selects which model class executes a task.
type ModelTier string

const (
	// TierHaiku is the cheapest hosted model tier.
	TierHaiku ModelTier = "haiku"
	// TierSonnet is the mid hosted model tier.
	TierSonnet ModelTier = "sonnet"
	// TierOpus is the strongest hosted model tier.
	TierOpus ModelTier = "opus"
	// TierLocal runs on local inference and costs nothing.
	TierLocal ModelTier = "local"
)

// Hosted returns true for tiers that bill against the budget.
func (t ModelTier) Hosted() bool {
	return t == TierHaiku || t == TierSonnet || t == TierOpus
}

// TaskType categorizes the kind of work a task performs.
type TaskType string

const (
	TaskTypeCode          TaskType = "code"
	TaskTypeResearch      TaskType = "research"
	TaskTypeAnalysis      TaskType = "analysis"
	TaskTypeAsset         TaskType = "asset"
	TaskTypeIntegration   TaskType = "integration"
	TaskTypeDocumentation TaskType = "documentation"
)

// Complexity grades how demanding a task is expected to be.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// VerificationResult is the outcome of the output-quality gate run
// after a hosted-tier task completes.
type VerificationResult string

const (
	// VerificationPassed means the output is substantive and relevant.
	VerificationPassed VerificationResult = "passed"
	// VerificationGapsFound means the output is a stub, off-topic, or
	// incomplete; the task is retried with feedback.
	VerificationGapsFound VerificationResult = "gaps_found"
	// VerificationHumanNeeded means the output needs human judgment;
	// the task escalates to needs_review.
	VerificationHumanNeeded VerificationResult = "human_needed"
	// VerificationSkipped means the gate did not run or errored;
	// completion stands.
	VerificationSkipped VerificationResult = "skipped"
)

// ResourceStatus is the health state of an external provider.
type ResourceStatus string

const (
	// ResourceOnline means the last probe succeeded.
	ResourceOnline ResourceStatus = "online"
	// ResourceOffline means the last probe failed.
	ResourceOffline ResourceStatus = "offline"
	// ResourceChecking is the initial state before the first probe.
	ResourceChecking ResourceStatus = "checking"
)
