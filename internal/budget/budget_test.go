package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

func newTestManager(t *testing.T, daily, monthly, perProject float64) (*Manager, *store.Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(t.TempDir(), "budget.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Budget: config.BudgetConfig{
			DailyLimitUSD:      daily,
			MonthlyLimitUSD:    monthly,
			PerProjectLimitUSD: perProject,
			WarnAtPct:          80,
		},
	}
	return New(st, cfg, clk), st, clk
}

func TestReserveReleaseRestoresCounters(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 100, 50)
	ctx := context.Background()

	ok, err := m.Reserve(ctx, "p1", 2.5)
	if err != nil || !ok {
		t.Fatalf("reserve failed: %v %v", ok, err)
	}
	daily, monthly, project := m.Reserved("p1")
	if daily != 2.5 || monthly != 2.5 || project != 2.5 {
		t.Errorf("counters after reserve: %v %v %v", daily, monthly, project)
	}

	m.Release("p1", 2.5)
	daily, monthly, project = m.Reserved("p1")
	if daily != 0 || monthly != 0 || project != 0 {
		t.Errorf("counters after release: %v %v %v", daily, monthly, project)
	}
}

func TestReserveRefusesOverDailyLimit(t *testing.T) {
	m, _, _ := newTestManager(t, 1.0, 100, 50)
	ctx := context.Background()

	ok, _ := m.Reserve(ctx, "p1", 0.7)
	if !ok {
		t.Fatal("first reserve should pass")
	}
	ok, _ = m.Reserve(ctx, "p1", 0.7)
	if ok {
		t.Fatal("second reserve should be refused: 1.4 > 1.0")
	}
}

func TestReserveRefusesOverProjectLimit(t *testing.T) {
	m, _, _ := newTestManager(t, 100, 100, 1.0)
	ctx := context.Background()

	if ok, _ := m.Reserve(ctx, "p1", 0.8); !ok {
		t.Fatal("first reserve should pass")
	}
	if ok, _ := m.Reserve(ctx, "p1", 0.3); ok {
		t.Fatal("project reserve should be refused")
	}
	// A different project is unaffected.
	if ok, _ := m.Reserve(ctx, "p2", 0.8); !ok {
		t.Fatal("other project should reserve fine")
	}
}

func TestConcurrentReservesRespectLimit(t *testing.T) {
	m, _, _ := newTestManager(t, 1.0, 100, 100)
	ctx := context.Background()

	const n = 20
	const each = 0.1
	var wg sync.WaitGroup
	granted := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Reserve(ctx, "p1", each)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			granted <- ok
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for ok := range granted {
		if ok {
			count++
		}
	}
	if count != 10 {
		t.Errorf("expected exactly 10 grants under a $1.00 limit, got %d", count)
	}
}

func TestReservationRollsOverAtMidnight(t *testing.T) {
	m, _, clk := newTestManager(t, 1.0, 100, 100)
	ctx := context.Background()

	if ok, _ := m.Reserve(ctx, "p1", 1.0); !ok {
		t.Fatal("reserve should pass")
	}
	if ok, _ := m.Reserve(ctx, "p1", 0.5); ok {
		t.Fatal("reserve should be refused before rollover")
	}

	clk.Advance(24 * time.Hour)
	if ok, _ := m.Reserve(ctx, "p1", 0.5); !ok {
		t.Fatal("daily counter should reset after rollover")
	}
}

func TestRecordWritesUsageAndBothPeriods(t *testing.T) {
	m, st, clk := newTestManager(t, 10, 100, 50)
	ctx := context.Background()

	if err := st.CreateProject(ctx, &models.Project{ID: "p1", Name: "p", Requirements: "r"}); err != nil {
		t.Fatal(err)
	}
	err := m.Record(ctx, &models.UsageRecord{
		ProjectID: "p1", TaskID: "", Provider: "anthropic", Model: "m1",
		PromptTokens: 100, CompletionTokens: 50, CostUSD: 0.5, Purpose: "execution",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	day := clk.Now().UTC().Format("2006-01-02")
	month := clk.Now().UTC().Format("2006-01")
	dayCost, _ := st.PeriodCost(ctx, day)
	monthCost, _ := st.PeriodCost(ctx, month)
	if dayCost != 0.5 || monthCost != 0.5 {
		t.Errorf("period costs: day=%v month=%v", dayCost, monthCost)
	}

	summary, err := st.UsageSummary(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if summary.CallCount != 1 || summary.CostUSD != 0.5 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestCanContinueStopsNearLimit(t *testing.T) {
	m, st, clk := newTestManager(t, 1.0, 100, 50)
	ctx := context.Background()

	ok, err := m.CanContinue(ctx)
	if err != nil || !ok {
		t.Fatalf("fresh budget should continue: %v %v", ok, err)
	}

	day := clk.Now().UTC().Format("2006-01-02")
	if err := st.UpsertPeriod(ctx, day, "daily", 0.9995, 0, 0); err != nil {
		t.Fatal(err)
	}
	ok, err = m.CanContinue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("spend within the stop margin should halt the loop")
	}
}

func TestStatusPercentages(t *testing.T) {
	m, st, clk := newTestManager(t, 10, 100, 50)
	ctx := context.Background()

	day := clk.Now().UTC().Format("2006-01-02")
	if err := st.UpsertPeriod(ctx, day, "daily", 8.0, 0, 0); err != nil {
		t.Fatal(err)
	}
	status, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.DailyPct != 80.0 {
		t.Errorf("expected 80%%, got %v", status.DailyPct)
	}
	warning, err := m.IsWarning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !warning {
		t.Error("80% spend should trip the warning threshold")
	}
}

func TestSetLimitsAppliesImmediately(t *testing.T) {
	m, _, _ := newTestManager(t, 1.0, 100, 50)
	ctx := context.Background()

	if ok, _ := m.Reserve(ctx, "p1", 2.0); ok {
		t.Fatal("reserve should fail at the original limit")
	}
	m.SetLimits(config.BudgetConfig{DailyLimitUSD: 10, MonthlyLimitUSD: 100, PerProjectLimitUSD: 50, WarnAtPct: 80})
	if ok, _ := m.Reserve(ctx, "p1", 2.0); !ok {
		t.Fatal("reserve should pass after limits rise")
	}
}
