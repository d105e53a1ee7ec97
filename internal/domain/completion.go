package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoutingMode selects how the router picks a provider for a request.
type RoutingMode string

const (
	// ModePassthrough always uses the caller-specified provider/model.
	ModePassthrough RoutingMode = "passthrough"
	// ModeSmart selects a provider from the request's complexity class.
	ModeSmart RoutingMode = "smart"
)

// ComplexityClass is the output of the complexity scorer.
type ComplexityClass string

const (
	ComplexitySimple  ComplexityClass = "simple"
	ComplexityMedium  ComplexityClass = "medium"
	ComplexityComplex ComplexityClass = "complex"
)

// rank orders complexity classes so ties can favor the higher class.
func (c ComplexityClass) rank() int {
	switch c {
	case ComplexitySimple:
		return 0
	case ComplexityMedium:
		return 1
	case ComplexityComplex:
		return 2
	}
	return -1
}

// AtLeast reports whether c is the same class as other or higher.
func (c ComplexityClass) AtLeast(other ComplexityClass) bool {
	return c.rank() >= other.rank()
}

// Valid reports whether c is one of the three known classes.
func (c ComplexityClass) Valid() bool { return c.rank() >= 0 }

// Outcome tags a CostRecord with how the attempt terminated.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeProviderError   Outcome = "provider_error"
	OutcomeProviderTimeout Outcome = "provider_timeout"
	OutcomeCircuitOpen     Outcome = "circuit_open"
	OutcomeBudgetBlocked   Outcome = "budget_blocked"
	// OutcomeBudgetOverride marks a successful call made with
	// essential=true while the budget status was BLOCKED.
	OutcomeBudgetOverride Outcome = "budget_override"
)

// ContextTags identify the caller for cost attribution. Component is
// mandatory; the rest are optional.
type ContextTags struct {
	Component string `json:"component"`
	EntityID  string `json:"entity_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// CompletionRequest is the immutable input to Router.Complete.
type CompletionRequest struct {
	Prompt          string
	MaxOutputTokens int
	Temperature     float64
	Mode            RoutingMode

	// Provider and Model name a registered adapter. Required iff
	// Mode == ModePassthrough; ignored in smart mode.
	Provider string
	Model    string

	Tags ContextTags

	// Cacheable overrides the per-mode default (smart: true,
	// passthrough: false) when set.
	Cacheable *bool

	// Essential bypasses a BLOCKED budget status. Audited via
	// OutcomeBudgetOverride in the resulting CostRecord.
	Essential bool

	// ComplexityHint, when set, wins over the heuristic scorer.
	ComplexityHint ComplexityClass
}

// CacheEnabled resolves the Cacheable flag against the mode default.
func (r CompletionRequest) CacheEnabled() bool {
	if r.Cacheable != nil {
		return *r.Cacheable
	}
	return r.Mode == ModeSmart
}

// CompletionResult is what a caller receives on success.
type CompletionResult struct {
	Text       string          `json:"text"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	TokensIn   int             `json:"tokens_in"`
	TokensOut  int             `json:"tokens_out"`
	CostUSD    decimal.Decimal `json:"cost_usd"`
	LatencyMS  int64           `json:"latency_ms"`
	CacheHit   bool            `json:"cache_hit"`
	Complexity ComplexityClass `json:"complexity,omitempty"` // smart mode only
}

// CostRecord is one append-only ledger row per attempted call.
// The hot path never updates or deletes records.
type CostRecord struct {
	ID         string
	Timestamp  time.Time
	Tags       ContextTags
	Provider   string
	Model      string
	TokensIn   int
	TokensOut  int
	CostUSD    decimal.Decimal
	LatencyMS  int64
	Outcome    Outcome
	CacheHit   bool
	Complexity ComplexityClass
}

// BudgetStatus is the budget monitor's verdict for the current period.
type BudgetStatus string

const (
	BudgetOK       BudgetStatus = "OK"
	BudgetWarning  BudgetStatus = "WARNING"
	BudgetCritical BudgetStatus = "CRITICAL"
	BudgetBlocked  BudgetStatus = "BLOCKED"
)

// BudgetReport is the read-side answer from the budget monitor.
type BudgetReport struct {
	DailySpend         decimal.Decimal `json:"daily_spend"`
	DailyBudget        decimal.Decimal `json:"daily_budget"`
	DailyUtilization   float64         `json:"daily_utilization"`
	MonthlySpend       decimal.Decimal `json:"monthly_spend"`
	MonthlyBudget      decimal.Decimal `json:"monthly_budget"`
	MonthlyUtilization float64         `json:"monthly_utilization"`
	Status             BudgetStatus    `json:"status"`
}

// BreakerStats is the administrative view of one adapter's breaker.
type BreakerStats struct {
	State          string    `json:"state"`
	FailureCount   uint32    `json:"failure_count"`
	LastTransition time.Time `json:"last_transition"`
}
