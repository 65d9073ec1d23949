// Package planner generates structured plans from project requirements
// via the hosted model. The prompt is deliberately minimal; tuning it
// is out of scope for the engine.
package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/provider"
	"github.com/foremanhq/foreman/internal/router"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

// Token estimates for the pre-flight budget reservation.
const (
	estPlanningInputTokens  = 2000
	estPlanningOutputTokens = 2000
)

const planningSystem = `You are a project planner for an AI orchestration engine. Analyze the requirements and produce a structured execution plan.

Respond with ONLY a JSON object of this shape, no markdown fences or explanation:
{
  "summary": "Brief summary of what will be built",
  "tasks": [
    {
      "title": "Short task title",
      "description": "Self-contained description a fresh AI instance can execute.",
      "task_type": "code|research|analysis|asset|integration|documentation",
      "complexity": "simple|medium|complex",
      "depends_on": [],
      "tools_needed": ["search_knowledge", "lookup_type", "local_llm", "generate_image", "read_file", "write_file"]
    }
  ]
}

Use depends_on to reference task indices (0-based). Order tasks so independent work can run in parallel. Aim for 3-15 tasks.`

// Planner turns requirements into draft plans.
type Planner struct {
	st   *store.Store
	bm   *budget.Manager
	rt   *router.Router
	prov provider.Provider
	cfg  *config.Config
}

// New creates a Planner over the hosted provider.
func New(st *store.Store, bm *budget.Manager, rt *router.Router, prov provider.Provider, cfg *config.Config) *Planner {
	return &Planner{st: st, bm: bm, rt: rt, prov: prov, cfg: cfg}
}

// Result describes a generated plan.
type Result struct {
	// PlanID and Version identify the stored draft.
	PlanID  string `json:"plan_id"`
	Version int    `json:"version"`
	// Payload is the parsed plan.
	Payload *models.PlanPayload `json:"plan"`
	// ModelUsed, token counts, and cost describe the planning call.
	ModelUsed        string  `json:"model_used"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// RequestPlan generates and stores a new draft plan for the project.
// The project sits in PLANNING for the duration of the call and
// returns to DRAFT afterwards (ready for approval, or for another
// attempt on failure).
func (p *Planner) RequestPlan(ctx context.Context, projectID string) (*Result, error) {
	project, err := p.st.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	model := p.cfg.Anthropic.PlanningModel
	estimated := p.rt.Cost(model, estPlanningInputTokens, estPlanningOutputTokens)
	ok, err := p.bm.Reserve(ctx, projectID, estimated)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cannot generate plan: %w", models.ErrBudgetExhausted)
	}
	defer p.bm.Release(projectID, estimated)

	if err := p.st.SetProjectStatus(ctx, projectID, models.ProjectPlanning); err != nil {
		return nil, err
	}
	// Whatever happens below, the project must not stay stuck in
	// PLANNING.
	defer p.st.SetProjectStatus(context.WithoutCancel(ctx), projectID, models.ProjectDraft)

	resp, err := p.prov.Generate(ctx, &provider.GenerateRequest{
		Model:     model,
		System:    planningSystem,
		MaxTokens: 4096,
		Messages: []provider.Message{{
			Role: "user",
			Text: fmt.Sprintf("Project: %s\n\nRequirements:\n%s", project.Name, project.Requirements),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("planning call: %w", err)
	}
	if resp.Text == "" {
		return nil, fmt.Errorf("%w: model returned an empty response", models.ErrPlanParse)
	}

	payload, raw, err := parsePlanText(resp.Text)
	if err != nil {
		return nil, err
	}

	cost := p.rt.Cost(model, resp.InputTokens, resp.OutputTokens)

	// Newer drafts supersede older unapproved ones.
	if err := p.supersedeDrafts(ctx, projectID); err != nil {
		return nil, err
	}

	plan := &models.Plan{
		ID:               uuid.New().String()[:12],
		ProjectID:        projectID,
		ModelUsed:        model,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		CostUSD:          cost,
		PayloadJSON:      string(raw),
		Status:           models.PlanDraft,
	}
	if err := p.st.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}

	if err := p.bm.Record(ctx, &models.UsageRecord{
		ProjectID:        projectID,
		Provider:         p.prov.Name(),
		Model:            model,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		CostUSD:          cost,
		Purpose:          "planning",
	}); err != nil {
		return nil, err
	}

	return &Result{
		PlanID:           plan.ID,
		Version:          plan.Version,
		Payload:          payload,
		ModelUsed:        model,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		CostUSD:          cost,
	}, nil
}

func (p *Planner) supersedeDrafts(ctx context.Context, projectID string) error {
	plans, err := p.st.ListPlans(ctx, projectID)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if plan.Status == models.PlanDraft {
			if err := p.st.SetPlanStatus(ctx, plan.ID, models.PlanSuperseded); err != nil {
				return err
			}
		}
	}
	return nil
}

// parsePlanText parses the model output as a plan payload, tolerating
// surrounding prose or markdown fences by extracting the first
// balanced JSON object.
func parsePlanText(text string) (*models.PlanPayload, []byte, error) {
	if payload, err := models.ParsePlanPayload([]byte(text)); err == nil {
		return payload, []byte(text), nil
	}

	raw, ok := extractJSONObject(text)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no JSON object in model response", models.ErrPlanParse)
	}
	payload, err := models.ParsePlanPayload(raw)
	if err != nil {
		return nil, nil, err
	}
	return payload, raw, nil
}

// extractJSONObject finds the first balanced JSON object via brace
// counting, skipping braces inside strings.
func extractJSONObject(text string) ([]byte, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if start == -1 {
					start = i
				}
				depth++
			}
		case '}':
			if !inString && start != -1 {
				depth--
				if depth == 0 {
					candidate := []byte(text[start : i+1])
					if json.Valid(candidate) {
						return candidate, true
					}
					return nil, false
				}
			}
		}
	}
	return nil, false
}
