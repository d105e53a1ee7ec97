package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
)

// SpendReader is the ledger's read side needed by the budget monitor.
type SpendReader interface {
	SpendBetween(ctx context.Context, start, end time.Time) (decimal.Decimal, error)
}

// BudgetMonitor compares spend-to-date against configured budgets. It is
// called on the hot path, so it serves a cached snapshot refreshed at most
// every refresh interval; a single flight recomputes while concurrent
// callers observe the stale value.
type BudgetMonitor struct {
	ledger          SpendReader
	daily           decimal.Decimal // zero = unlimited
	monthly         decimal.Decimal // zero = unlimited
	warningAt       float64
	criticalAt      float64
	refreshInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu          sync.Mutex
	snapshot    domain.BudgetReport
	refreshedAt time.Time
	refreshing  bool
}

// NewBudgetMonitor builds a monitor from budget config. Empty budget
// strings mean unlimited.
func NewBudgetMonitor(cfg config.BudgetConfig, ledger SpendReader, logger *slog.Logger) (*BudgetMonitor, error) {
	daily, err := parseBudget(cfg.Daily)
	if err != nil {
		return nil, fmt.Errorf("daily budget: %w", err)
	}
	monthly, err := parseBudget(cfg.Monthly)
	if err != nil {
		return nil, fmt.Errorf("monthly budget: %w", err)
	}

	warningAt := cfg.WarningAt
	if warningAt == 0 {
		warningAt = 0.80
	}
	criticalAt := cfg.CriticalAt
	if criticalAt == 0 {
		criticalAt = 0.95
	}
	refresh := cfg.RefreshInterval
	if refresh == 0 {
		refresh = 10 * time.Second
	}

	return &BudgetMonitor{
		ledger:          ledger,
		daily:           daily,
		monthly:         monthly,
		warningAt:       warningAt,
		criticalAt:      criticalAt,
		refreshInterval: refresh,
		logger:          logger,
		now:             time.Now,
	}, nil
}

func parseBudget(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}

// Status returns the current budget report. The first call after the
// refresh interval recomputes from the ledger; concurrent callers during
// a recompute get the previous snapshot immediately.
func (m *BudgetMonitor) Status(ctx context.Context) (domain.BudgetReport, error) {
	now := m.now()

	m.mu.Lock()
	fresh := !m.refreshedAt.IsZero() && now.Sub(m.refreshedAt) < m.refreshInterval
	if fresh || m.refreshing {
		snap := m.snapshot
		neverComputed := m.refreshedAt.IsZero()
		m.mu.Unlock()
		if neverComputed {
			// The very first computation is still in flight; report OK
			// rather than blocking the request path.
			return okReport(m.daily, m.monthly), nil
		}
		return snap, nil
	}
	m.refreshing = true
	m.mu.Unlock()

	report, err := m.compute(ctx, now)

	m.mu.Lock()
	m.refreshing = false
	if err == nil {
		m.snapshot = report
		m.refreshedAt = now
	}
	snap := m.snapshot
	m.mu.Unlock()

	if err != nil {
		return snap, err
	}
	return report, nil
}

func (m *BudgetMonitor) compute(ctx context.Context, now time.Time) (domain.BudgetReport, error) {
	nowUTC := now.UTC()
	dayStart := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(nowUTC.Year(), nowUTC.Month(), 1, 0, 0, 0, 0, time.UTC)

	dailySpend, err := m.ledger.SpendBetween(ctx, dayStart, nowUTC)
	if err != nil {
		return domain.BudgetReport{}, fmt.Errorf("daily spend: %w", err)
	}
	monthlySpend, err := m.ledger.SpendBetween(ctx, monthStart, nowUTC)
	if err != nil {
		return domain.BudgetReport{}, fmt.Errorf("monthly spend: %w", err)
	}

	report := domain.BudgetReport{
		DailySpend:         dailySpend,
		DailyBudget:        m.daily,
		DailyUtilization:   utilization(dailySpend, m.daily),
		MonthlySpend:       monthlySpend,
		MonthlyBudget:      m.monthly,
		MonthlyUtilization: utilization(monthlySpend, m.monthly),
	}
	report.Status = m.statusOf(max(report.DailyUtilization, report.MonthlyUtilization))
	return report, nil
}

// utilization is spend/budget as a float for reporting. A zero budget
// means unlimited and always reads as zero utilization.
func utilization(spend, budget decimal.Decimal) float64 {
	if budget.IsZero() {
		return 0
	}
	return spend.Div(budget).InexactFloat64()
}

func (m *BudgetMonitor) statusOf(u float64) domain.BudgetStatus {
	switch {
	case u >= 1.0:
		return domain.BudgetBlocked
	case u >= m.criticalAt:
		return domain.BudgetCritical
	case u >= m.warningAt:
		return domain.BudgetWarning
	default:
		return domain.BudgetOK
	}
}

func okReport(daily, monthly decimal.Decimal) domain.BudgetReport {
	return domain.BudgetReport{
		DailyBudget:   daily,
		MonthlyBudget: monthly,
		Status:        domain.BudgetOK,
	}
}
