package models

import "encoding/json"

// Project is the top-level container for one orchestration request.
type Project struct {
	// ID is the opaque project identifier.
	ID string `json:"id"`
	// Name is the human-facing project name.
	Name string `json:"name"`
	// Requirements is the user's natural-language description of the work.
	Requirements string `json:"requirements"`
	// Status is the current lifecycle state.
	Status ProjectStatus `json:"status"`
	// CreatedAt is the creation time (unix seconds).
	CreatedAt float64 `json:"created_at"`
	// UpdatedAt is the last modification time (unix seconds).
	UpdatedAt float64 `json:"updated_at"`
	// CompletedAt is set when the project reaches a terminal state.
	CompletedAt *float64 `json:"completed_at,omitempty"`
}

// Plan is one decomposition attempt for a project. Plans are immutable
// once they leave the draft state.
type Plan struct {
	// ID is the plan identifier.
	ID string `json:"id"`
	// ProjectID is the owning project.
	ProjectID string `json:"project_id"`
	// Version increments per planning attempt within a project.
	Version int `json:"version"`
	// ModelUsed is the model that generated the plan.
	ModelUsed string `json:"model_used"`
	// PromptTokens and CompletionTokens are the planning call usage.
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	// CostUSD is the planning call cost.
	CostUSD float64 `json:"cost_usd"`
	// PayloadJSON is the raw plan payload as returned by the planner.
	PayloadJSON string `json:"-"`
	// Status is draft, approved, or superseded.
	Status PlanStatus `json:"status"`
	// CreatedAt is the creation time (unix seconds).
	CreatedAt float64 `json:"created_at"`
}

// ContextEntry is one piece of context forwarded into a task's prompt.
type ContextEntry struct {
	// Type labels the entry (project_summary, dependency_output,
	// checkpoint_guidance, ...).
	Type string `json:"type"`
	// Content is the text injected into the system prompt.
	Content string `json:"content"`
	// SourceTaskID identifies the producing task for dependency_output
	// entries.
	SourceTaskID string `json:"source_task_id,omitempty"`
	// SourceTaskTitle is the producing task's title, if any.
	SourceTaskTitle string `json:"source_task_title,omitempty"`
}

// Task is one unit of work within a project plan.
type Task struct {
	// ID is the task identifier.
	ID string `json:"id"`
	// ProjectID is the owning project.
	ProjectID string `json:"project_id"`
	// PlanID is the plan this task was decomposed from.
	PlanID string `json:"plan_id"`
	// Title is the short task name.
	Title string `json:"title"`
	// Description is the full instruction passed to the agent.
	Description string `json:"description"`
	// Type categorizes the work.
	Type TaskType `json:"task_type"`
	// Priority orders dispatch within a wave; lower values run first.
	Priority int `json:"priority"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Tier selects the model class.
	Tier ModelTier `json:"model_tier"`
	// ModelUsed records the concrete model after execution.
	ModelUsed string `json:"model_used,omitempty"`
	// Context is extra material injected into the system prompt.
	Context []ContextEntry `json:"context,omitempty"`
	// Tools lists the tool names available to the agent.
	Tools []string `json:"tools,omitempty"`
	// SystemPrompt overrides the default agent system prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// OutputText is the agent's final text output.
	OutputText string `json:"output_text,omitempty"`
	// Partial marks output produced before a mid-loop budget stop.
	Partial bool `json:"partial,omitempty"`
	// PromptTokens and CompletionTokens are cumulative usage.
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	// CostUSD is the total recorded cost for this task.
	CostUSD float64 `json:"cost_usd"`
	// MaxTokens caps each model response.
	MaxTokens int `json:"max_tokens"`
	// RetryCount is the number of retries so far; transient failures and
	// verification gaps both count.
	RetryCount int `json:"retry_count"`
	// MaxRetries bounds transient-failure and verification retries.
	MaxRetries int `json:"max_retries"`
	// Wave is the task's depth in the dependency DAG.
	Wave int `json:"wave"`
	// VerificationStatus and VerificationNotes record the output
	// quality gate's verdict, when it ran.
	VerificationStatus VerificationResult `json:"verification_status,omitempty"`
	VerificationNotes  string             `json:"verification_notes,omitempty"`
	// DependsOn lists task IDs that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`
	// Error holds the most recent failure message.
	Error string `json:"error,omitempty"`
	// StartedAt, CompletedAt, CreatedAt, UpdatedAt are unix seconds.
	StartedAt   *float64 `json:"started_at,omitempty"`
	CompletedAt *float64 `json:"completed_at,omitempty"`
	CreatedAt   float64  `json:"created_at"`
	UpdatedAt   float64  `json:"updated_at"`
}

// UsageRecord is one billable API call. Records are append-only.
type UsageRecord struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`
	// ProjectID and TaskID attribute the spend; either may be empty for
	// planning calls made before tasks exist.
	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	// Provider is the billing provider (anthropic, local).
	Provider string `json:"provider"`
	// Model is the concrete model identifier.
	Model string `json:"model"`
	// PromptTokens and CompletionTokens are the call usage.
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	// CostUSD is the call cost.
	CostUSD float64 `json:"cost_usd"`
	// Purpose labels the call (planning, execution).
	Purpose string `json:"purpose"`
	// Timestamp is unix seconds.
	Timestamp float64 `json:"timestamp"`
}

// BudgetPeriod aggregates spend for one daily or monthly window.
type BudgetPeriod struct {
	// Key is the period key: 2006-01-02 for daily, 2006-01 for monthly.
	Key string `json:"period_key"`
	// Type is "daily" or "monthly".
	Type string `json:"period_type"`
	// CostUSD is the committed spend in the period.
	CostUSD float64 `json:"total_cost_usd"`
	// PromptTokens and CompletionTokens are aggregate usage.
	PromptTokens     int `json:"total_prompt_tokens"`
	CompletionTokens int `json:"total_completion_tokens"`
	// CallCount is the number of recorded API calls.
	CallCount int `json:"api_call_count"`
}

// Event is one progress event, persisted and broadcast live.
type Event struct {
	// ID is assigned by the store.
	ID int64 `json:"id,omitempty"`
	// Type is the event kind (task_start, task_complete, ...).
	Type string `json:"type"`
	// ProjectID scopes delivery to subscribers of one project.
	ProjectID string `json:"project_id"`
	// TaskID is set for task-scoped events.
	TaskID string `json:"task_id,omitempty"`
	// Message is the human-readable summary.
	Message string `json:"message"`
	// Data carries event-specific extras (tool name, cost, ...).
	Data map[string]any `json:"data,omitempty"`
	// Timestamp is unix seconds.
	Timestamp float64 `json:"timestamp"`
}

// MarshalJSON flattens Data into the top-level payload so subscribers
// see `{type, project_id, task_id, message, timestamp, ...extras}`.
func (e Event) MarshalJSON() ([]byte, error) {
	payload := map[string]any{
		"type":       e.Type,
		"project_id": e.ProjectID,
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	if e.TaskID != "" {
		payload["task_id"] = e.TaskID
	} else {
		payload["task_id"] = nil
	}
	for k, v := range e.Data {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	return json.Marshal(payload)
}

// Event kinds published by the engine.
const (
	EventTaskStart       = "task_start"
	EventTaskComplete    = "task_complete"
	EventTaskFailed      = "task_failed"
	EventTaskRetry       = "task_retry"
	EventTaskNeedsReview = "task_needs_review"
	EventTaskVerifyRetry = "task_verification_retry"
	EventToolCall        = "tool_call"
	EventBudgetWarning   = "budget_warning"
	EventProjectComplete = "project_complete"
	EventProjectFailed   = "project_failed"
	EventCheckpoint      = "checkpoint"
)

// Checkpoint is a persisted request for human adjudication of a task
// that exhausted its retries.
type Checkpoint struct {
	// ID is the checkpoint identifier.
	ID string `json:"id"`
	// ProjectID and TaskID locate the stuck task.
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	// Type labels why the checkpoint was created (retry_exhausted).
	Type string `json:"checkpoint_type"`
	// Summary describes the failure.
	Summary string `json:"summary"`
	// Attempts is the retry/failure history gathered from events.
	Attempts []CheckpointAttempt `json:"attempts,omitempty"`
	// Question is what the user is asked to decide.
	Question string `json:"question"`
	// Response records the resolution, if any.
	Response string `json:"response,omitempty"`
	// ResolvedAt is set once the user acts.
	ResolvedAt *float64 `json:"resolved_at,omitempty"`
	// CreatedAt is unix seconds.
	CreatedAt float64 `json:"created_at"`
}

// CheckpointAttempt is one prior failure recorded on a checkpoint.
type CheckpointAttempt struct {
	// Message is the failure or retry message.
	Message string `json:"message"`
	// Timestamp is unix seconds.
	Timestamp float64 `json:"timestamp"`
}

// CheckpointAction is a user decision resolving a checkpoint.
type CheckpointAction string

const (
	// CheckpointRetry resets the task to pending for a fresh attempt.
	CheckpointRetry CheckpointAction = "retry"
	// CheckpointSkip cancels the task so the project can continue.
	CheckpointSkip CheckpointAction = "skip"
	// CheckpointFail marks the task failed.
	CheckpointFail CheckpointAction = "fail"
)
