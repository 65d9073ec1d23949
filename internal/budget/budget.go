// Package budget enforces daily, monthly, and per-project spending
// limits. Reservations are in-memory and mutex-guarded so concurrent
// dispatch cannot overcommit between the check and the spend; recorded
// spend is durable in the store.
package budget

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

// hardStopMargin is the remaining headroom below which the mid-loop
// check tells a running tool loop to stop.
const hardStopMargin = 0.001

// Manager tracks spending against configured limits.
//
// Reservation counters are scoped to the current period keys and reset
// on rollover. A task reserved before midnight that records after
// midnight briefly double-counts in the stale daily counter; the next
// Reserve call rolls the key and clears it. Bounded drift, accepted.
type Manager struct {
	st  *store.Store
	cfg *config.Config
	clk clock.Clock

	mu              sync.Mutex
	limits          config.BudgetConfig
	reservedDaily   float64
	reservedMonthly float64
	reservedProject map[string]float64
	lastDailyKey    string
	lastMonthlyKey  string
}

// New creates a Manager.
func New(st *store.Store, cfg *config.Config, clk clock.Clock) *Manager {
	return &Manager{
		st:              st,
		cfg:             cfg,
		clk:             clk,
		limits:          cfg.Budget,
		reservedProject: make(map[string]float64),
	}
}

// SetLimits swaps the enforced limits; the config watcher calls this
// on a hot reload.
func (m *Manager) SetLimits(limits config.BudgetConfig) {
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
	log.Printf("[budget] limits updated: daily=$%.2f monthly=$%.2f per-project=$%.2f",
		limits.DailyLimitUSD, limits.MonthlyLimitUSD, limits.PerProjectLimitUSD)
}

// limitsSnapshot returns the current limits without holding the lock
// during store reads.
func (m *Manager) limitsSnapshot() config.BudgetConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// dayKey and monthKey are UTC period keys.
func (m *Manager) dayKey() string   { return m.clk.Now().UTC().Format("2006-01-02") }
func (m *Manager) monthKey() string { return m.clk.Now().UTC().Format("2006-01") }

// rollPeriodsLocked clears reservation counters when the period key
// changed since the last call. Caller holds m.mu.
func (m *Manager) rollPeriodsLocked() {
	day := m.dayKey()
	if day != m.lastDailyKey {
		m.reservedDaily = 0
		m.reservedProject = make(map[string]float64)
		m.lastDailyKey = day
	}
	month := m.monthKey()
	if month != m.lastMonthlyKey {
		m.reservedMonthly = 0
		m.lastMonthlyKey = month
	}
}

// Reserve atomically checks all three limits and holds estimatedCost
// against them. Returns false when any limit would be exceeded; the
// caller must not dispatch. A successful reservation is held until
// Release.
func (m *Manager) Reserve(ctx context.Context, projectID string, estimatedCost float64) (bool, error) {
	if estimatedCost <= 0 {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollPeriodsLocked()

	dailySpent, err := m.st.PeriodCost(ctx, m.lastDailyKey)
	if err != nil {
		return false, fmt.Errorf("daily spend: %w", err)
	}
	monthlySpent, err := m.st.PeriodCost(ctx, m.lastMonthlyKey)
	if err != nil {
		return false, fmt.Errorf("monthly spend: %w", err)
	}
	projectSpent, err := m.st.ProjectSpend(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("project spend: %w", err)
	}

	if dailySpent+m.reservedDaily+estimatedCost > m.limits.DailyLimitUSD {
		return false, nil
	}
	if monthlySpent+m.reservedMonthly+estimatedCost > m.limits.MonthlyLimitUSD {
		return false, nil
	}
	if projectSpent+m.reservedProject[projectID]+estimatedCost > m.limits.PerProjectLimitUSD {
		return false, nil
	}

	m.reservedDaily += estimatedCost
	m.reservedMonthly += estimatedCost
	m.reservedProject[projectID] += estimatedCost
	return true, nil
}

// Release returns a reservation. Counters clamp at zero so a release
// after a period rollover cannot go negative. Call after Record, on
// failure, and on cancellation.
func (m *Manager) Release(projectID string, estimatedCost float64) {
	if estimatedCost <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservedDaily = math.Max(0, m.reservedDaily-estimatedCost)
	m.reservedMonthly = math.Max(0, m.reservedMonthly-estimatedCost)
	if cur, ok := m.reservedProject[projectID]; ok {
		m.reservedProject[projectID] = math.Max(0, cur-estimatedCost)
	}
}

// Record appends a usage record and updates the daily and monthly
// period aggregates in one transaction.
func (m *Manager) Record(ctx context.Context, r *models.UsageRecord) error {
	return m.recordOn(ctx, m.st, r)
}

// RecordOn is Record against a caller-provided store handle, letting a
// worker fold the usage writes into its completion transaction.
func (m *Manager) RecordOn(ctx context.Context, st *store.Store, r *models.UsageRecord) error {
	return m.recordOn(ctx, st, r)
}

func (m *Manager) recordOn(ctx context.Context, st *store.Store, r *models.UsageRecord) error {
	day := m.dayKey()
	month := m.monthKey()
	return st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.AppendUsage(ctx, r); err != nil {
			return err
		}
		if err := tx.UpsertPeriod(ctx, day, "daily", r.CostUSD, r.PromptTokens, r.CompletionTokens); err != nil {
			return err
		}
		return tx.UpsertPeriod(ctx, month, "monthly", r.CostUSD, r.PromptTokens, r.CompletionTokens)
	})
}

// CanContinue is the mid-loop hard stop: once committed spend crowds
// the daily or monthly limit to within the stop margin, a running tool
// loop should return its partial output instead of starting another
// round.
func (m *Manager) CanContinue(ctx context.Context) (bool, error) {
	limits := m.limitsSnapshot()
	daily, err := m.st.PeriodCost(ctx, m.dayKey())
	if err != nil {
		return false, err
	}
	if limits.DailyLimitUSD-daily <= hardStopMargin {
		return false, nil
	}
	monthly, err := m.st.PeriodCost(ctx, m.monthKey())
	if err != nil {
		return false, err
	}
	if limits.MonthlyLimitUSD-monthly <= hardStopMargin {
		return false, nil
	}
	return true, nil
}

// Status reports current spend against limits.
type Status struct {
	// DailySpentUSD and DailyLimitUSD describe the current UTC day.
	DailySpentUSD float64 `json:"daily_spent_usd"`
	DailyLimitUSD float64 `json:"daily_limit_usd"`
	DailyPct      float64 `json:"daily_pct"`
	// MonthlySpentUSD and MonthlyLimitUSD describe the current month.
	MonthlySpentUSD float64 `json:"monthly_spent_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
	MonthlyPct      float64 `json:"monthly_pct"`
}

// Status returns committed spend versus limits for the current periods.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	daily, err := m.st.PeriodCost(ctx, m.dayKey())
	if err != nil {
		return nil, err
	}
	monthly, err := m.st.PeriodCost(ctx, m.monthKey())
	if err != nil {
		return nil, err
	}
	limits := m.limitsSnapshot()
	st := &Status{
		DailySpentUSD:   round4(daily),
		DailyLimitUSD:   limits.DailyLimitUSD,
		MonthlySpentUSD: round4(monthly),
		MonthlyLimitUSD: limits.MonthlyLimitUSD,
	}
	if st.DailyLimitUSD > 0 {
		st.DailyPct = round1(daily / st.DailyLimitUSD * 100)
	}
	if st.MonthlyLimitUSD > 0 {
		st.MonthlyPct = round1(monthly / st.MonthlyLimitUSD * 100)
	}
	return st, nil
}

// IsWarning reports whether spend crossed the configured warning
// threshold in either period.
func (m *Manager) IsWarning(ctx context.Context) (bool, error) {
	st, err := m.Status(ctx)
	if err != nil {
		return false, err
	}
	limits := m.limitsSnapshot()
	return st.DailyPct >= limits.WarnAtPct || st.MonthlyPct >= limits.WarnAtPct, nil
}

// Reserved returns the current reservation counters; used by tests.
func (m *Manager) Reserved(projectID string) (daily, monthly, project float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservedDaily, m.reservedMonthly, m.reservedProject[projectID]
}

// LogState writes the reservation counters to the log; handy when
// diagnosing refused reservations.
func (m *Manager) LogState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Printf("[budget] reserved daily=%.4f monthly=%.4f projects=%d",
		m.reservedDaily, m.reservedMonthly, len(m.reservedProject))
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round1(v float64) float64 { return math.Round(v*10) / 10 }
