// Package verifier is the output-quality gate: after a hosted-tier
// task completes, a cheap model reviews the output and decides whether
// it stands, gets retried with feedback, or needs a human.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/provider"
	"github.com/foremanhq/foreman/internal/router"
	"github.com/foremanhq/foreman/pkg/models"
)

const verificationSystem = `You are a task output verifier. Given a task description and the output produced,
assess whether the output is acceptable.

Check for:
1. **Substantiveness**: Is the output real content, or is it empty/stub/placeholder?
2. **Relevance**: Does the output address the task description?
3. **Completeness**: Does the output cover the key aspects of what was asked?

Respond with ONLY a JSON object (no markdown):
{
  "verdict": "passed" | "gaps_found" | "human_needed",
  "notes": "Brief explanation of your assessment"
}

Rules:
- "passed": Output is substantive, relevant, and reasonably complete.
- "gaps_found": Output is empty, a stub, placeholder, off-topic, or missing key aspects.
  The task should be retried with feedback.
- "human_needed": Output has fundamental issues that require human judgment
  (e.g., ambiguous requirements, conflicting instructions, needs domain expertise).`

// Verdict is one gate decision.
type Verdict struct {
	// Result is passed, gaps_found, or human_needed.
	Result models.VerificationResult
	// Notes is the model's brief assessment.
	Notes string
	// CostUSD is the verification call's cost.
	CostUSD float64
}

// Verifier runs the gate over the hosted provider.
type Verifier struct {
	prov provider.Provider
	bm   *budget.Manager
	rt   *router.Router
	cfg  *config.Config
}

// New creates a Verifier.
func New(prov provider.Provider, bm *budget.Manager, rt *router.Router, cfg *config.Config) *Verifier {
	return &Verifier{prov: prov, bm: bm, rt: rt, cfg: cfg}
}

// Verify assesses one task's output. The call's spend is recorded
// against the budget (purpose "verification") whatever the verdict.
// An unparseable model response escalates to human review rather than
// silently passing.
func (v *Verifier) Verify(ctx context.Context, task *models.Task, output string) (*Verdict, error) {
	if output == "" {
		output = "(empty)"
	}
	userMsg := fmt.Sprintf("## Task: %s\n\n### Description\n%s\n\n### Output\n%s",
		task.Title, task.Description, output)

	model := v.cfg.Execution.VerificationModel
	resp, err := v.prov.Generate(ctx, &provider.GenerateRequest{
		Model:     model,
		System:    verificationSystem,
		MaxTokens: v.cfg.Execution.VerificationMaxTokens,
		Messages:  []provider.Message{{Role: "user", Text: userMsg}},
	})
	if err != nil {
		return nil, fmt.Errorf("verification call: %w", err)
	}

	cost := v.rt.Cost(model, resp.InputTokens, resp.OutputTokens)
	if err := v.bm.Record(ctx, &models.UsageRecord{
		ProjectID:        task.ProjectID,
		TaskID:           task.ID,
		Provider:         v.prov.Name(),
		Model:            model,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		CostUSD:          cost,
		Purpose:          "verification",
	}); err != nil {
		return nil, fmt.Errorf("record verification usage: %w", err)
	}

	verdict := &Verdict{CostUSD: cost}
	var parsed struct {
		Verdict string `json:"verdict"`
		Notes   string `json:"notes"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		snippet := resp.Text
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		log.Printf("[verifier] could not parse verification response for task %s, escalating to human review: %s",
			task.ID, snippet)
		verdict.Result = models.VerificationHumanNeeded
		verdict.Notes = "Verification response was not parseable JSON - escalated to human review"
		return verdict, nil
	}

	switch models.VerificationResult(parsed.Verdict) {
	case models.VerificationGapsFound:
		verdict.Result = models.VerificationGapsFound
	case models.VerificationHumanNeeded:
		verdict.Result = models.VerificationHumanNeeded
	default:
		verdict.Result = models.VerificationPassed
	}
	verdict.Notes = parsed.Notes
	return verdict, nil
}
