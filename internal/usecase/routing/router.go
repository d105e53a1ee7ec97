// Package routing orchestrates completion requests across provider
// adapters: mode selection, complexity-driven candidate chains,
// breaker-guarded calls with sequential fallback, budget gating, result
// caching, and cost accounting.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/ScientiaCapital/llmgateway/internal/adapter/cache"
	"github.com/ScientiaCapital/llmgateway/internal/adapter/llm"
	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
	"github.com/ScientiaCapital/llmgateway/internal/infra/tracer"
)

// ResultCache is the cache surface the router needs.
type ResultCache interface {
	Get(ctx context.Context, key string) (*domain.CompletionResult, bool)
	Put(ctx context.Context, key string, result domain.CompletionResult)
}

// LedgerWriter is the ledger surface the router needs. Append must never
// block the request path.
type LedgerWriter interface {
	Append(rec domain.CostRecord)
}

// BudgetChecker is the budget monitor surface the router needs.
type BudgetChecker interface {
	Status(ctx context.Context) (domain.BudgetReport, error)
}

// Router implements the primary Complete contract.
type Router struct {
	registry *llm.Registry
	scorer   *Scorer
	cache    ResultCache
	ledger   LedgerWriter
	budget   BudgetChecker
	pricing  *domain.PricingTable
	tiers    config.TierConfig
	logger   *slog.Logger
}

// NewRouter wires the router from its collaborators.
func NewRouter(
	registry *llm.Registry,
	scorer *Scorer,
	resultCache ResultCache,
	ledger LedgerWriter,
	budget BudgetChecker,
	pricing *domain.PricingTable,
	tiers config.TierConfig,
	logger *slog.Logger,
) *Router {
	return &Router{
		registry: registry,
		scorer:   scorer,
		cache:    resultCache,
		ledger:   ledger,
		budget:   budget,
		pricing:  pricing,
		tiers:    tiers,
		logger:   logger,
	}
}

// Complete routes one completion request. The caller always receives
// either a fully-formed result or a typed error; every terminal outcome
// writes exactly one CostRecord, zero-cost on failure, so budget and ops
// visibility survive failed spend attempts.
func (r *Router) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	ctx, span := tracer.StartSpan(ctx, "router.complete",
		trace.WithAttributes(
			tracer.StringAttr("router.mode", string(req.Mode)),
			tracer.StringAttr("router.component", req.Tags.Component),
		),
	)
	defer span.End()

	if err := validate(req); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var complexity domain.ComplexityClass
	if req.Mode == domain.ModeSmart {
		complexity = r.scorer.Score(req)
		span.SetAttributes(tracer.StringAttr("router.complexity", string(complexity)))
	}

	candidates, err := r.resolveCandidates(req, complexity)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	cacheKey := ""
	if req.CacheEnabled() {
		cacheKey = cache.Key(cacheScope(req.Tags), req)
		if hit, ok := r.cache.Get(ctx, cacheKey); ok {
			result := *hit
			result.CacheHit = true
			result.CostUSD = decimal.Zero
			result.LatencyMS = 0
			r.record(req, complexity, domain.CostRecord{
				Provider:  result.Provider,
				Model:     result.Model,
				TokensIn:  result.TokensIn,
				TokensOut: result.TokensOut,
				CostUSD:   decimal.Zero,
				Outcome:   domain.OutcomeSuccess,
				CacheHit:  true,
			})
			return &result, nil
		}
	}

	overrode, err := r.checkBudget(ctx, req, complexity)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	result, err := r.attempt(ctx, req, complexity, candidates, overrode)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	if cacheKey != "" {
		r.cache.Put(ctx, cacheKey, *result)
	}
	return result, nil
}

func validate(req domain.CompletionRequest) error {
	const op = "Router.Complete"
	if strings.TrimSpace(req.Prompt) == "" {
		return domain.NewGatewayError(op, domain.ErrConfiguration, "empty prompt")
	}
	if req.Tags.Component == "" {
		return domain.NewGatewayError(op, domain.ErrConfiguration, "missing component tag")
	}
	switch req.Mode {
	case domain.ModeSmart:
	case domain.ModePassthrough:
		if req.Provider == "" {
			return domain.NewGatewayError(op, domain.ErrConfiguration, "passthrough mode requires a provider")
		}
	default:
		return domain.NewGatewayError(op, domain.ErrConfiguration, fmt.Sprintf("unknown mode %q", req.Mode))
	}
	return nil
}

// resolveCandidates returns the ordered provider chain for the request.
// Passthrough is a single named adapter; smart mode orders tiers by the
// complexity class (simple: cheapest first, complex: highest quality first).
func (r *Router) resolveCandidates(req domain.CompletionRequest, complexity domain.ComplexityClass) ([]*llm.GuardedProvider, error) {
	const op = "Router.Complete"

	if req.Mode == domain.ModePassthrough {
		p, err := r.registry.Get(req.Provider)
		if err != nil {
			return nil, domain.NewGatewayError(op, domain.ErrConfiguration,
				fmt.Sprintf("provider %q not registered", req.Provider))
		}
		// Passthrough exists for behavior preservation: a requested model
		// the adapter does not serve must fail, never silently substitute.
		if req.Model != "" && req.Model != p.Model() {
			return nil, domain.NewGatewayError(op, domain.ErrConfiguration,
				fmt.Sprintf("provider %q serves model %q, not %q", req.Provider, p.Model(), req.Model))
		}
		return []*llm.GuardedProvider{p}, nil
	}

	var names []string
	switch complexity {
	case domain.ComplexityComplex:
		names = chain(r.tiers.Premium, r.tiers.Mid, r.tiers.Cheap)
	case domain.ComplexityMedium:
		names = chain(r.tiers.Mid, r.tiers.Premium, r.tiers.Cheap)
	default:
		names = chain(r.tiers.Cheap, r.tiers.Mid, r.tiers.Premium)
	}

	candidates := make([]*llm.GuardedProvider, 0, len(names))
	for _, name := range names {
		p, err := r.registry.Get(name)
		if err != nil {
			r.logger.Warn("tier references unregistered provider", "provider", name)
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, domain.NewGatewayError(op, domain.ErrConfiguration, "no providers configured for smart routing")
	}
	return candidates, nil
}

func chain(tiers ...[]string) []string {
	var out []string
	for _, t := range tiers {
		out = append(out, t...)
	}
	return out
}

// checkBudget fails fast with ErrBudgetExceeded when spend has reached
// 100% of a budget, unless the request is marked essential. Monitor
// failures degrade to "no gate": accounting must never take down routing.
func (r *Router) checkBudget(ctx context.Context, req domain.CompletionRequest, complexity domain.ComplexityClass) (overrode bool, err error) {
	const op = "Router.Complete"

	report, err := r.budget.Status(ctx)
	if err != nil {
		r.logger.Warn("budget status unavailable, proceeding", "error", err)
		return false, nil
	}
	if report.Status != domain.BudgetBlocked {
		return false, nil
	}
	if req.Essential {
		r.logger.Warn("essential request overriding blocked budget",
			"component", req.Tags.Component)
		return true, nil
	}

	r.record(req, complexity, domain.CostRecord{
		CostUSD: decimal.Zero,
		Outcome: domain.OutcomeBudgetBlocked,
	})
	return false, domain.NewGatewayError(op, domain.ErrBudgetExceeded,
		fmt.Sprintf("daily %.0f%% / monthly %.0f%% of budget spent",
			report.DailyUtilization*100, report.MonthlyUtilization*100))
}

// attempt tries candidates strictly in sequence, never in parallel:
// speculative parallel calls would multiply cost, which is the thing this
// layer exists to avoid.
func (r *Router) attempt(ctx context.Context, req domain.CompletionRequest, complexity domain.ComplexityClass, candidates []*llm.GuardedProvider, overrode bool) (*domain.CompletionResult, error) {
	const op = "Router.Complete"

	var failures []string
	var lastErr error

	for _, p := range candidates {
		start := time.Now()
		pres, err := p.Complete(ctx, req)
		latencyMS := time.Since(start).Milliseconds()

		if err != nil {
			// Caller cancellation is terminal; it is not a provider fault
			// and must not cascade into the fallback chain.
			if errors.Is(err, context.Canceled) {
				r.record(req, complexity, domain.CostRecord{
					Provider:  p.Name(),
					Model:     p.Model(),
					CostUSD:   decimal.Zero,
					LatencyMS: latencyMS,
					Outcome:   domain.OutcomeProviderError,
				})
				return nil, err
			}

			lastErr = err
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))

			if req.Mode == domain.ModePassthrough {
				// No fallback substitution: passthrough callers depend on
				// this specific provider's behavior.
				r.record(req, complexity, domain.CostRecord{
					Provider:  p.Name(),
					Model:     p.Model(),
					CostUSD:   decimal.Zero,
					LatencyMS: latencyMS,
					Outcome:   domain.OutcomeOf(err),
				})
				return nil, domain.WrapOp(op, err)
			}

			r.logger.Warn("candidate provider failed, trying next",
				"provider", p.Name(), "error", err)
			continue
		}

		cost := r.pricing.Cost(p.Name(), pres.Model, pres.TokensIn, pres.TokensOut)
		outcome := domain.OutcomeSuccess
		if overrode {
			outcome = domain.OutcomeBudgetOverride
		}

		result := &domain.CompletionResult{
			Text:       pres.Text,
			Provider:   p.Name(),
			Model:      pres.Model,
			TokensIn:   pres.TokensIn,
			TokensOut:  pres.TokensOut,
			CostUSD:    cost,
			LatencyMS:  latencyMS,
			Complexity: complexity,
		}
		r.record(req, complexity, domain.CostRecord{
			Provider:  p.Name(),
			Model:     pres.Model,
			TokensIn:  pres.TokensIn,
			TokensOut: pres.TokensOut,
			CostUSD:   cost,
			LatencyMS: latencyMS,
			Outcome:   outcome,
		})
		return result, nil
	}

	// Every candidate failed. One zero-cost record for the terminal
	// failure, tagged with the last failure's classification.
	r.record(req, complexity, domain.CostRecord{
		CostUSD: decimal.Zero,
		Outcome: domain.OutcomeOf(lastErr),
	})
	return nil, domain.NewGatewayError(op, domain.ErrAllProvidersUnavailable,
		strings.Join(failures, "; "))
}

// record writes one CostRecord, filling in the request's context tags.
func (r *Router) record(req domain.CompletionRequest, complexity domain.ComplexityClass, rec domain.CostRecord) {
	rec.Timestamp = time.Now().UTC()
	rec.Tags = req.Tags
	rec.Complexity = complexity
	r.ledger.Append(rec)
}

// cacheScope isolates cache entries per conversation/session when a
// session id is present, otherwise per calling component.
func cacheScope(tags domain.ContextTags) string {
	if tags.SessionID != "" {
		return "session:" + tags.SessionID
	}
	return "component:" + tags.Component
}
