package planner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/provider"
	"github.com/foremanhq/foreman/internal/router"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

type stubProvider struct {
	text string
	err  error
}

func (s *stubProvider) Name() string { return "anthropic" }

func (s *stubProvider) Generate(ctx context.Context, req *provider.GenerateRequest) (*provider.GenerateResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &provider.GenerateResponse{Text: s.text, InputTokens: 100, OutputTokens: 200, Done: true}, nil
}

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, provider.ErrUnsupported
}

func newTestPlanner(t *testing.T, prov provider.Provider, dailyLimit float64) (*Planner, *store.Store) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = t.TempDir()
	cfg.Budget.DailyLimitUSD = dailyLimit
	cfg.Pricing = map[string]config.ModelPricing{
		"claude-sonnet-4-6": {InputPerMTok: 3, OutputPerMTok: 15},
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "planner.db"), clk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bm := budget.New(st, cfg, clk)
	return New(st, bm, router.New(cfg), prov, cfg), st
}

func seedDraftProject(t *testing.T, st *store.Store) string {
	t.Helper()
	p := &models.Project{ID: "p1", Name: "demo", Requirements: "build a thing"}
	if err := st.CreateProject(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p.ID
}

const validPlanJSON = `{"summary":"demo plan","tasks":[{"title":"A","description":"do a","task_type":"research","complexity":"simple","depends_on":[],"tools_needed":[]}]}`

func TestRequestPlanStoresDraft(t *testing.T) {
	p, st := newTestPlanner(t, &stubProvider{text: validPlanJSON}, 100)
	ctx := context.Background()
	projectID := seedDraftProject(t, st)

	result, err := p.RequestPlan(ctx, projectID)
	if err != nil {
		t.Fatalf("request plan: %v", err)
	}
	if result.Version != 1 {
		t.Errorf("expected version 1, got %d", result.Version)
	}
	if result.Payload.Summary != "demo plan" {
		t.Errorf("payload summary: %q", result.Payload.Summary)
	}

	plan, err := st.GetPlan(ctx, result.PlanID)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != models.PlanDraft {
		t.Errorf("plan should be draft, got %s", plan.Status)
	}

	project, _ := st.GetProject(ctx, projectID)
	if project.Status != models.ProjectDraft {
		t.Errorf("project should return to draft, got %s", project.Status)
	}

	summary, _ := st.UsageSummary(ctx, projectID)
	if summary.CallCount != 1 {
		t.Errorf("planning spend should be recorded, got %d calls", summary.CallCount)
	}
}

func TestRequestPlanSupersedesOldDrafts(t *testing.T) {
	p, st := newTestPlanner(t, &stubProvider{text: validPlanJSON}, 100)
	ctx := context.Background()
	projectID := seedDraftProject(t, st)

	first, err := p.RequestPlan(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.RequestPlan(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Version != 2 {
		t.Errorf("expected version 2, got %d", second.Version)
	}

	old, _ := st.GetPlan(ctx, first.PlanID)
	if old.Status != models.PlanSuperseded {
		t.Errorf("old draft should be superseded, got %s", old.Status)
	}
}

func TestRequestPlanParsesFencedJSON(t *testing.T) {
	fenced := "Here is the plan:\n```json\n" + validPlanJSON + "\n```\nGood luck!"
	p, st := newTestPlanner(t, &stubProvider{text: fenced}, 100)
	projectID := seedDraftProject(t, st)

	result, err := p.RequestPlan(context.Background(), projectID)
	if err != nil {
		t.Fatalf("fenced JSON should parse: %v", err)
	}
	if len(result.Payload.Tasks) != 1 {
		t.Errorf("expected one task, got %d", len(result.Payload.Tasks))
	}
}

func TestRequestPlanGarbageResponse(t *testing.T) {
	p, st := newTestPlanner(t, &stubProvider{text: "I cannot help with that."}, 100)
	ctx := context.Background()
	projectID := seedDraftProject(t, st)

	_, err := p.RequestPlan(ctx, projectID)
	if !errors.Is(err, models.ErrPlanParse) {
		t.Fatalf("expected ErrPlanParse, got %v", err)
	}
	project, _ := st.GetProject(ctx, projectID)
	if project.Status != models.ProjectDraft {
		t.Errorf("project must not stay in planning, got %s", project.Status)
	}
}

func TestRequestPlanBudgetRefused(t *testing.T) {
	// Estimated planning cost at sonnet pricing is 2000/1e6*3 +
	// 2000/1e6*15 = $0.036; a lower daily limit refuses the call.
	p, st := newTestPlanner(t, &stubProvider{text: validPlanJSON}, 0.01)
	projectID := seedDraftProject(t, st)

	_, err := p.RequestPlan(context.Background(), projectID)
	if !errors.Is(err, models.ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestExtractJSONObject(t *testing.T) {
	raw, ok := extractJSONObject(`prefix {"a": {"b": "}"}} suffix`)
	if !ok {
		t.Fatal("should extract a balanced object")
	}
	if string(raw) != `{"a": {"b": "}"}}` {
		t.Errorf("got %q", raw)
	}

	if _, ok := extractJSONObject("no json here"); ok {
		t.Error("no object should be found")
	}
	if _, ok := extractJSONObject(`{"unbalanced": `); ok {
		t.Error("unbalanced object should not parse")
	}
}
