// Package agent executes one task against one model backend, running
// the multi-round tool loop and accounting every round's spend. The
// runner never mutates task rows; the worker applies its Result.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"

	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/provider"
	"github.com/foremanhq/foreman/internal/router"
	"github.com/foremanhq/foreman/internal/tools"
	"github.com/foremanhq/foreman/pkg/models"
)

// defaultSystemPrompt is used when a task carries none.
const defaultSystemPrompt = "You are a focused task executor."

// Result is the outcome of one agent run.
type Result struct {
	// Output is the concatenated assistant text.
	Output string
	// PromptTokens and CompletionTokens are cumulative usage.
	PromptTokens     int
	CompletionTokens int
	// CostUSD is the total recorded cost.
	CostUSD float64
	// ModelUsed is the concrete model identifier.
	ModelUsed string
	// Partial marks output cut short by a mid-loop budget stop.
	Partial bool
}

// Runner drives the tool loop.
type Runner struct {
	registry  *tools.Registry
	budget    *budget.Manager
	bus       *bus.Bus
	router    *router.Router
	maxRounds int
}

// New creates a Runner.
func New(registry *tools.Registry, bm *budget.Manager, b *bus.Bus, rt *router.Router, maxRounds int) *Runner {
	if maxRounds < 1 {
		maxRounds = 1
	}
	return &Runner{registry: registry, budget: bm, bus: b, router: rt, maxRounds: maxRounds}
}

// Run executes the task via the given backend. estCost is the amount
// reserved before dispatch: once actual spend exceeds it, each round
// re-checks the budget and exits with partial output on exhaustion.
// Cancellation is honored between rounds and between tool invocations.
func (r *Runner) Run(ctx context.Context, task *models.Task, prov provider.Provider, modelID string, estCost float64) (*Result, error) {
	systemPrompt := buildSystemPrompt(task)

	selected := r.registry.GetMany(task.Tools)
	toolDefs := make([]provider.ToolDef, 0, len(selected))
	toolMap := make(map[string]tools.Tool, len(selected))
	for _, t := range selected {
		toolDefs = append(toolDefs, provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Properties:  t.Properties(),
			Required:    t.Required(),
		})
		toolMap[t.Name()] = t
	}

	messages := []provider.Message{{Role: "user", Text: task.Description}}

	result := &Result{ModelUsed: modelID}
	var output string

	for round := 0; round < r.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := prov.Generate(ctx, &provider.GenerateRequest{
			Model:     modelID,
			System:    systemPrompt,
			MaxTokens: task.MaxTokens,
			Messages:  messages,
			Tools:     toolDefs,
		})
		if err != nil {
			return nil, err
		}

		cost := r.router.Cost(modelID, resp.InputTokens, resp.OutputTokens)
		result.PromptTokens += resp.InputTokens
		result.CompletionTokens += resp.OutputTokens
		result.CostUSD = round6(result.CostUSD + cost)

		if err := r.budget.Record(ctx, &models.UsageRecord{
			ProjectID:        task.ProjectID,
			TaskID:           task.ID,
			Provider:         prov.Name(),
			Model:            modelID,
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			CostUSD:          cost,
			Purpose:          "execution",
		}); err != nil {
			return nil, fmt.Errorf("record usage: %w", err)
		}

		// Once actual spend passes the reservation, every further round
		// must clear the hard-stop check.
		if result.CostUSD > estCost {
			ok, err := r.budget.CanContinue(ctx)
			if err != nil {
				return nil, fmt.Errorf("budget check: %w", err)
			}
			if !ok {
				log.Printf("[agent] budget exhausted mid-loop for task %s after %d round(s), returning partial result",
					task.ID, round+1)
				result.Partial = true
			}
		}

		if resp.Text != "" {
			output += resp.Text
		}

		if len(resp.ToolUses) == 0 || result.Partial {
			break
		}

		toolResults := make([]provider.ToolResult, 0, len(resp.ToolUses))
		for _, tu := range resp.ToolUses {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			r.bus.Publish(ctx, &models.Event{
				Type:      models.EventToolCall,
				ProjectID: task.ProjectID,
				TaskID:    task.ID,
				Message:   "Calling " + tu.Name,
				Data:      map[string]any{"tool": tu.Name},
			})

			content, isError := r.executeTool(ctx, toolMap, task.ProjectID, tu)
			toolResults = append(toolResults, provider.ToolResult{
				ToolUseID: tu.ID,
				Content:   content,
				IsError:   isError,
			})
		}

		messages = append(messages,
			provider.Message{Role: "assistant", Text: resp.Text, ToolUses: resp.ToolUses},
			provider.Message{Role: "user", ToolResults: toolResults},
		)
	}

	result.Output = output
	return result, nil
}

// executeTool looks up and runs one tool call; every failure becomes
// an error string the model can react to.
func (r *Runner) executeTool(ctx context.Context, toolMap map[string]tools.Tool, projectID string, tu provider.ToolUse) (string, bool) {
	tool, ok := toolMap[tu.Name]
	if !ok {
		return fmt.Sprintf("Unknown tool: %s", tu.Name), true
	}

	params := map[string]any{}
	if len(tu.Input) > 0 {
		if err := json.Unmarshal(tu.Input, &params); err != nil {
			return fmt.Sprintf("Tool error: invalid input: %v", err), true
		}
	}
	// File tools always operate inside the task's project sandbox.
	if tu.Name == "read_file" || tu.Name == "write_file" {
		params["project_id"] = projectID
	}

	content, err := tool.Execute(ctx, params)
	if err != nil {
		return fmt.Sprintf("Tool error: %v", err), true
	}
	return content, false
}

// buildSystemPrompt joins the task's system prompt with its context
// entries.
func buildSystemPrompt(task *models.Task) string {
	prompt := task.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	for _, entry := range task.Context {
		label := entry.Type
		if label == "" {
			label = "context"
		}
		prompt += fmt.Sprintf("\n\n[%s]\n%s", label, entry.Content)
	}
	return prompt
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
