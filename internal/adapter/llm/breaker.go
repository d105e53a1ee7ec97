package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
)

// Default circuit breaker settings, used when the adapter config leaves
// them zero. Thresholds are otherwise per-adapter: expensive backends get
// lower thresholds than cheap ones.
const (
	defaultMaxFailures  uint32 = 5
	defaultOpenDuration        = 30 * time.Second
	defaultCallTimeout         = 30 * time.Second
)

// GuardedProvider wraps a domain.ModelProvider with a circuit breaker,
// a per-call timeout, and an optional request rate limit. When the wrapped
// adapter fails repeatedly the circuit opens and subsequent calls fail fast
// with domain.ErrCircuitOpen, without reaching the backend.
type GuardedProvider struct {
	inner       domain.ModelProvider
	maxFailures uint32
	openFor     time.Duration
	callTimeout time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu             sync.Mutex
	breaker        *gobreaker.CircuitBreaker[*domain.ProviderResult]
	lastTransition time.Time
}

// NewGuardedProvider wraps inner using the adapter's breaker config.
// Zero-valued settings fall back to defaults.
func NewGuardedProvider(inner domain.ModelProvider, cfg config.ProviderConfig, logger *slog.Logger) *GuardedProvider {
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openFor := cfg.Breaker.OpenDuration
	if openFor == 0 {
		openFor = defaultOpenDuration
	}
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}

	var limiter *rate.Limiter
	if cfg.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}

	g := &GuardedProvider{
		inner:          inner,
		maxFailures:    maxFailures,
		openFor:        openFor,
		callTimeout:    callTimeout,
		limiter:        limiter,
		logger:         logger,
		lastTransition: time.Now(),
	}
	g.breaker = g.newBreaker()
	return g
}

// newBreaker builds a fresh gobreaker instance with this provider's
// settings. MaxRequests=1 allows exactly one half-open probe; concurrent
// requests during the probe window get ErrTooManyRequests and fail fast.
func (g *GuardedProvider) newBreaker() *gobreaker.CircuitBreaker[*domain.ProviderResult] {
	return gobreaker.NewCircuitBreaker[*domain.ProviderResult](gobreaker.Settings{
		Name:        "llm:" + g.inner.Name(),
		MaxRequests: 1,
		Timeout:     g.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.mu.Lock()
			g.lastTransition = time.Now()
			g.mu.Unlock()
			g.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// Complete implements domain.ModelProvider. The call is rate-limited,
// bounded by the adapter's call timeout, and routed through the breaker.
// Cancellation of ctx propagates into the in-flight network call.
func (g *GuardedProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.ProviderResult, error) {
	if g.limiter != nil {
		// A limiter wait aborted by the caller's ctx is the caller's
		// cancellation, not a backend failure; it never trips the breaker.
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	breaker := g.breaker
	g.mu.Unlock()

	result, err := breaker.Execute(func() (*domain.ProviderResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		return g.inner.Complete(callCtx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: provider %q", domain.ErrCircuitOpen, g.inner.Name())
		}
		return nil, err
	}
	return result, nil
}

// Name implements domain.ModelProvider.
func (g *GuardedProvider) Name() string { return g.inner.Name() }

// Model implements domain.ModelProvider.
func (g *GuardedProvider) Model() string { return g.inner.Model() }

// Stats returns the breaker's administrative view.
func (g *GuardedProvider) Stats() domain.BreakerStats {
	g.mu.Lock()
	breaker := g.breaker
	last := g.lastTransition
	g.mu.Unlock()

	return domain.BreakerStats{
		State:          breaker.State().String(),
		FailureCount:   breaker.Counts().ConsecutiveFailures,
		LastTransition: last,
	}
}

// Reset forces the breaker back to closed with a zero failure count by
// swapping in a fresh breaker instance. Administrative recovery only;
// the swap is logged for audit.
func (g *GuardedProvider) Reset() {
	g.mu.Lock()
	g.breaker = g.newBreaker()
	g.lastTransition = time.Now()
	g.mu.Unlock()

	g.logger.Warn("circuit breaker manually reset", "breaker", "llm:"+g.inner.Name())
}

// Compile-time interface check.
var _ domain.ModelProvider = (*GuardedProvider)(nil)
