package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
)

// mockProvider is a configurable fake for breaker and registry tests.
type mockProvider struct {
	name       string
	model      string
	completeFn func(ctx context.Context, req domain.CompletionRequest) (*domain.ProviderResult, error)

	mu    sync.Mutex
	calls int
}

func (m *mockProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.ProviderResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.completeFn(ctx, req)
}

func (m *mockProvider) Name() string  { return m.name }
func (m *mockProvider) Model() string { return m.model }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func guardedCfg(maxFailures uint32, openFor time.Duration) config.ProviderConfig {
	return config.ProviderConfig{
		Name: "mock",
		Breaker: config.BreakerConfig{
			MaxFailures:  maxFailures,
			OpenDuration: openFor,
		},
	}
}

func TestGuardedProviderPassesThroughSuccess(t *testing.T) {
	inner := &mockProvider{name: "mock", model: "m1",
		completeFn: func(context.Context, domain.CompletionRequest) (*domain.ProviderResult, error) {
			return &domain.ProviderResult{Text: "ok", Model: "m1", TokensIn: 3, TokensOut: 1}, nil
		},
	}
	g := NewGuardedProvider(inner, guardedCfg(3, time.Minute), testLogger())

	result, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, "closed", g.Stats().State)
}

func TestGuardedProviderOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &mockProvider{name: "mock", model: "m1",
		completeFn: func(context.Context, domain.CompletionRequest) (*domain.ProviderResult, error) {
			return nil, domain.ErrProviderError
		},
	}
	g := NewGuardedProvider(inner, guardedCfg(3, time.Minute), testLogger())

	for i := 0; i < 3; i++ {
		_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
		require.ErrorIs(t, err, domain.ErrProviderError)
	}
	assert.Equal(t, "open", g.Stats().State)

	// Open circuit fails fast without reaching the backend.
	before := inner.callCount()
	_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, before, inner.callCount())
}

func TestGuardedProviderSuccessResetsFailureCount(t *testing.T) {
	fail := true
	inner := &mockProvider{name: "mock", model: "m1",
		completeFn: func(context.Context, domain.CompletionRequest) (*domain.ProviderResult, error) {
			if fail {
				return nil, domain.ErrProviderError
			}
			return &domain.ProviderResult{Text: "ok"}, nil
		},
	}
	g := NewGuardedProvider(inner, guardedCfg(3, time.Minute), testLogger())

	// Two failures, then a success: the consecutive count resets and two
	// more failures must not open the circuit.
	for i := 0; i < 2; i++ {
		_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
		require.Error(t, err)
	}
	fail = false
	_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)

	fail = true
	for i := 0; i < 2; i++ {
		_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
		require.ErrorIs(t, err, domain.ErrProviderError)
	}
	assert.Equal(t, "closed", g.Stats().State)
}

func TestGuardedProviderHalfOpenProbe(t *testing.T) {
	fail := true
	inner := &mockProvider{name: "mock", model: "m1",
		completeFn: func(context.Context, domain.CompletionRequest) (*domain.ProviderResult, error) {
			if fail {
				return nil, domain.ErrProviderError
			}
			return &domain.ProviderResult{Text: "recovered"}, nil
		},
	}
	g := NewGuardedProvider(inner, guardedCfg(2, 50*time.Millisecond), testLogger())

	for i := 0; i < 2; i++ {
		g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	}
	require.Equal(t, "open", g.Stats().State)

	// After the open duration the next call is a half-open probe; its
	// success closes the circuit.
	time.Sleep(60 * time.Millisecond)
	fail = false
	result, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, "closed", g.Stats().State)
}

func TestGuardedProviderFailedProbeReopens(t *testing.T) {
	inner := &mockProvider{name: "mock", model: "m1",
		completeFn: func(context.Context, domain.CompletionRequest) (*domain.ProviderResult, error) {
			return nil, domain.ErrProviderError
		},
	}
	g := NewGuardedProvider(inner, guardedCfg(2, 50*time.Millisecond), testLogger())

	for i := 0; i < 2; i++ {
		g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	}
	require.Equal(t, "open", g.Stats().State)

	time.Sleep(60 * time.Millisecond)
	_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	require.ErrorIs(t, err, domain.ErrProviderError)
	assert.Equal(t, "open", g.Stats().State)
}

func TestGuardedProviderConcurrentProbeRejected(t *testing.T) {
	release := make(chan struct{})
	inner := &mockProvider{name: "mock", model: "m1",
		completeFn: func(context.Context, domain.CompletionRequest) (*domain.ProviderResult, error) {
			<-release
			return &domain.ProviderResult{Text: "ok"}, nil
		},
	}
	g := NewGuardedProvider(inner, guardedCfg(1, 50*time.Millisecond), testLogger())

	// Open the circuit with a single failure.
	failing := &mockProvider{name: "mock", model: "m1",
		completeFn: func(context.Context, domain.CompletionRequest) (*domain.ProviderResult, error) {
			return nil, domain.ErrProviderError
		},
	}
	g.inner = failing
	g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	require.Equal(t, "open", g.Stats().State)
	g.inner = inner

	time.Sleep(60 * time.Millisecond)

	// First call becomes the half-open probe and blocks inside the backend.
	probeErr := make(chan error, 1)
	go func() {
		_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "probe"})
		probeErr <- err
	}()

	require.Eventually(t, func() bool {
		return inner.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	// A second call during the probe window fails fast as circuit-open.
	_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-probeErr)
	assert.Equal(t, "closed", g.Stats().State)
}

func TestGuardedProviderManualReset(t *testing.T) {
	inner := &mockProvider{name: "mock", model: "m1",
		completeFn: func(context.Context, domain.CompletionRequest) (*domain.ProviderResult, error) {
			return nil, domain.ErrProviderError
		},
	}
	g := NewGuardedProvider(inner, guardedCfg(2, time.Hour), testLogger())

	for i := 0; i < 2; i++ {
		g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	}
	require.Equal(t, "open", g.Stats().State)

	g.Reset()
	stats := g.Stats()
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, uint32(0), stats.FailureCount)

	// The reset circuit admits calls again.
	_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, domain.ErrProviderError)
}

func TestGuardedProviderCallTimeout(t *testing.T) {
	inner := &mockProvider{name: "mock", model: "m1",
		completeFn: func(ctx context.Context, _ domain.CompletionRequest) (*domain.ProviderResult, error) {
			<-ctx.Done()
			return nil, mapTransportError(ctx.Err())
		},
	}
	cfg := guardedCfg(5, time.Minute)
	cfg.CallTimeout = 20 * time.Millisecond
	g := NewGuardedProvider(inner, cfg, testLogger())

	_, err := g.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	require.ErrorIs(t, err, domain.ErrProviderTimeout)
}

func TestRegistryLookupAndReset(t *testing.T) {
	reg := NewRegistry()
	inner := &mockProvider{name: "p1", model: "m1",
		completeFn: func(context.Context, domain.CompletionRequest) (*domain.ProviderResult, error) {
			return nil, domain.ErrProviderError
		},
	}
	require.NoError(t, reg.Register(NewGuardedProvider(inner, guardedCfg(1, time.Hour), testLogger())))

	// Duplicate registration is rejected.
	err := reg.Register(NewGuardedProvider(inner, guardedCfg(1, time.Hour), testLogger()))
	require.Error(t, err)

	_, err = reg.Get("nope")
	require.ErrorIs(t, err, domain.ErrProviderNotFound)

	p, err := reg.Get("p1")
	require.NoError(t, err)
	p.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})

	stats, err := reg.BreakerStats("p1")
	require.NoError(t, err)
	assert.Equal(t, "open", stats.State)

	require.NoError(t, reg.ResetBreaker("p1"))
	stats, err = reg.BreakerStats("p1")
	require.NoError(t, err)
	assert.Equal(t, "closed", stats.State)

	assert.ErrorIs(t, reg.ResetBreaker("nope"), domain.ErrProviderNotFound)
	assert.Equal(t, []string{"p1"}, reg.List())
}

func TestMapTransportError(t *testing.T) {
	assert.ErrorIs(t, mapTransportError(context.DeadlineExceeded), domain.ErrProviderTimeout)
	assert.True(t, errors.Is(mapTransportError(context.Canceled), context.Canceled))
	assert.ErrorIs(t, mapTransportError(errors.New("connection refused")), domain.ErrProviderError)
}
