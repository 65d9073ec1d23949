package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/budget"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/provider"
	"github.com/foremanhq/foreman/internal/router"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/internal/tools"
	"github.com/foremanhq/foreman/pkg/models"
)

// scriptedProvider replays a fixed sequence of responses and records
// the requests it saw.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*provider.GenerateResponse
	requests  []*provider.GenerateRequest
}

func (s *scriptedProvider) Name() string { return "anthropic" }

func (s *scriptedProvider) Generate(ctx context.Context, req *provider.GenerateRequest) (*provider.GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return &provider.GenerateResponse{Text: "", Done: true}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, provider.ErrUnsupported
}

// echoTool returns its "text" parameter.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the input back." }
func (echoTool) Properties() map[string]any {
	return map[string]any{"text": map[string]any{"type": "string"}}
}
func (echoTool) Required() []string { return []string{"text"} }
func (echoTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	text, _ := params["text"].(string)
	return "echo: " + text, nil
}

func newTestRunner(t *testing.T, daily float64) (*Runner, *store.Store, *bus.Bus, *config.Config) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = t.TempDir()
	cfg.Budget.DailyLimitUSD = daily
	cfg.Pricing = map[string]config.ModelPricing{
		"test-model": {InputPerMTok: 100, OutputPerMTok: 100},
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "agent.db"), clk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.CreateProject(ctx, &models.Project{ID: "p1", Name: "proj p1", Requirements: "reqs"}); err != nil {
		t.Fatal(err)
	}
	plan := &models.Plan{ID: "plan1", ProjectID: "p1", ModelUsed: "test-model", PayloadJSON: `{"summary":"s","tasks":[{"title":"A","description":"a"}]}`}
	if err := st.CreatePlan(ctx, plan); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateTask(ctx, testTask()); err != nil {
		t.Fatal(err)
	}

	bm := budget.New(st, cfg, clk)
	eventBus := bus.New(st)
	rt := router.New(cfg)
	registry := tools.NewRegistry(cfg, &http.Client{}, &scriptedProvider{})
	registry.Register(echoTool{})

	return New(registry, bm, eventBus, rt, 10), st, eventBus, cfg
}

func testTask() *models.Task {
	return &models.Task{
		ID: "t1", ProjectID: "p1", PlanID: "plan1", Title: "task",
		Description: "compute 2+3",
		Type:        models.TaskTypeCode,
		Tier:        models.TierHaiku, MaxTokens: 1000,
		Tools: []string{"echo"},
		Context: []models.ContextEntry{
			{Type: "project_summary", Content: "math project"},
		},
	}
}

func TestRunPlainTextResponse(t *testing.T) {
	runner, st, _, _ := newTestRunner(t, 100)
	prov := &scriptedProvider{responses: []*provider.GenerateResponse{
		{Text: "5", InputTokens: 10, OutputTokens: 1, Done: true},
	}}

	result, err := runner.Run(context.Background(), testTask(), prov, "test-model", 1.0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Output != "5" {
		t.Errorf("expected output 5, got %q", result.Output)
	}
	if result.PromptTokens != 10 || result.CompletionTokens != 1 {
		t.Errorf("tokens: %d/%d", result.PromptTokens, result.CompletionTokens)
	}
	if result.Partial {
		t.Error("plain completion should not be partial")
	}

	// Usage recorded once for the single round.
	summary, err := st.UsageSummary(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if summary.CallCount != 1 {
		t.Errorf("expected one usage record, got %d", summary.CallCount)
	}

	// System prompt carried the context entries.
	if len(prov.requests) != 1 {
		t.Fatalf("expected one request, got %d", len(prov.requests))
	}
	system := prov.requests[0].System
	if system == "" || !strings.Contains(system, "math project") {
		t.Errorf("system prompt missing context: %q", system)
	}
}

func TestRunToolRound(t *testing.T) {
	runner, st, _, _ := newTestRunner(t, 100)
	input, _ := json.Marshal(map[string]any{"text": "hello"})
	prov := &scriptedProvider{responses: []*provider.GenerateResponse{
		{ToolUses: []provider.ToolUse{{ID: "tu1", Name: "echo", Input: input}}, InputTokens: 5, OutputTokens: 5},
		{Text: "final answer", InputTokens: 5, OutputTokens: 2, Done: true},
	}}

	result, err := runner.Run(context.Background(), testTask(), prov, "test-model", 1.0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Output != "final answer" {
		t.Errorf("expected final answer, got %q", result.Output)
	}
	if len(prov.requests) != 2 {
		t.Fatalf("expected two rounds, got %d", len(prov.requests))
	}

	// The second request carries the tool result back to the model.
	second := prov.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("expected 3 messages in round two, got %d", len(second.Messages))
	}
	toolMsg := second.Messages[2]
	if len(toolMsg.ToolResults) != 1 || toolMsg.ToolResults[0].Content != "echo: hello" {
		t.Errorf("tool result not fed back: %+v", toolMsg)
	}
	if toolMsg.ToolResults[0].IsError {
		t.Error("successful tool call should not be an error result")
	}

	// tool_call event published.
	events, _ := st.RecentEvents(context.Background(), "p1", "", 20)
	found := false
	for _, e := range events {
		if e.Type == models.EventToolCall {
			found = true
		}
	}
	if !found {
		t.Error("expected a tool_call event")
	}
}

func TestRunUnknownToolBecomesErrorResult(t *testing.T) {
	runner, _, _, _ := newTestRunner(t, 100)
	input, _ := json.Marshal(map[string]any{})
	prov := &scriptedProvider{responses: []*provider.GenerateResponse{
		{ToolUses: []provider.ToolUse{{ID: "tu1", Name: "nope", Input: input}}},
		{Text: "recovered", Done: true},
	}}

	result, err := runner.Run(context.Background(), testTask(), prov, "test-model", 1.0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Output != "recovered" {
		t.Errorf("loop should continue after unknown tool, got %q", result.Output)
	}
	second := prov.requests[1]
	tr := second.Messages[2].ToolResults[0]
	if !tr.IsError || !strings.Contains(tr.Content, "Unknown tool") {
		t.Errorf("expected unknown-tool error result, got %+v", tr)
	}
}

func TestRunBudgetExhaustionPartial(t *testing.T) {
	// Daily limit 0.001: the first round's recorded spend exceeds the
	// estimate (0) and trips the hard stop.
	runner, _, _, _ := newTestRunner(t, 0.001)
	input, _ := json.Marshal(map[string]any{"text": "x"})
	prov := &scriptedProvider{responses: []*provider.GenerateResponse{
		{Text: "partial text", ToolUses: []provider.ToolUse{{ID: "tu1", Name: "echo", Input: input}},
			InputTokens: 100, OutputTokens: 100},
		{Text: "never reached", Done: true},
	}}

	result, err := runner.Run(context.Background(), testTask(), prov, "test-model", 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Partial {
		t.Fatal("expected partial result on budget exhaustion")
	}
	if result.Output != "partial text" {
		t.Errorf("expected accumulated partial output, got %q", result.Output)
	}
	if len(prov.requests) != 1 {
		t.Errorf("loop should stop after the exhausted round, got %d rounds", len(prov.requests))
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	runner, _, _, _ := newTestRunner(t, 100)
	prov := &scriptedProvider{responses: []*provider.GenerateResponse{
		{Text: "x", Done: true},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runner.Run(ctx, testTask(), prov, "test-model", 1.0); err == nil {
		t.Fatal("cancelled context should abort the run")
	}
}

