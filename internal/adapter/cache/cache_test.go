package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testResult(text string) domain.CompletionResult {
	return domain.CompletionResult{
		Text:     text,
		Provider: "p",
		Model:    "m",
		TokensIn: 10, TokensOut: 5,
		CostUSD: decimal.RequireFromString("0.001"),
	}
}

func TestKeyNormalization(t *testing.T) {
	base := domain.CompletionRequest{Prompt: "What is Go?", Mode: domain.ModeSmart}

	// Case and whitespace differences produce the same key.
	variants := []string{
		"what is go?",
		"  What   is \n Go?  ",
		"WHAT IS GO?",
	}
	want := Key("s", base)
	for _, v := range variants {
		req := base
		req.Prompt = v
		assert.Equal(t, want, Key("s", req), "prompt %q", v)
	}

	// Different scope, params, or content changes the key.
	assert.NotEqual(t, want, Key("other", base))

	diff := base
	diff.MaxOutputTokens = 100
	assert.NotEqual(t, want, Key("s", diff))

	diff = base
	diff.Temperature = 0.7
	assert.NotEqual(t, want, Key("s", diff))

	diff = base
	diff.Prompt = "what is rust?"
	assert.NotEqual(t, want, Key("s", diff))
}

func TestKeyIncludesProviderInPassthrough(t *testing.T) {
	req := domain.CompletionRequest{Prompt: "hi", Mode: domain.ModePassthrough, Provider: "a", Model: "m1"}
	other := req
	other.Provider = "b"
	assert.NotEqual(t, Key("s", req), Key("s", other))

	// In smart mode the backend is the router's choice, so it is not part
	// of the identity.
	smart := domain.CompletionRequest{Prompt: "hi", Mode: domain.ModeSmart, Provider: "a"}
	smartOther := smart
	smartOther.Provider = "b"
	assert.Equal(t, Key("s", smart), Key("s", smartOther))
}

func TestHotTierGetPut(t *testing.T) {
	c, err := New("", time.Minute, time.Hour, 16, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, ok := c.Get(ctx, "k1")
	require.False(t, ok)

	c.Put(ctx, "k1", testResult("answer"))
	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "answer", got.Text)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.HotHits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestHotTierTTLExpiry(t *testing.T) {
	c, err := New("", 20*time.Millisecond, time.Hour, 16, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Put(ctx, "k1", testResult("soon stale"))

	_, ok := c.Get(ctx, "k1")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestHotTierCapacityEviction(t *testing.T) {
	c, err := New("", time.Minute, time.Hour, 3, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), testResult(fmt.Sprintf("v%d", i)))
	}

	// Oldest insertion is evicted; the rest survive.
	_, ok := c.Get(ctx, "k0")
	assert.False(t, ok)
	for i := 1; i < 4; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("k%d", i))
		assert.True(t, ok, "k%d", i)
	}
}

func TestColdTierPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c1, err := New(path, time.Minute, time.Hour, 16, testLogger())
	require.NoError(t, err)
	c1.Put(ctx, "k1", testResult("durable"))
	require.NoError(t, c1.Close())

	// A fresh instance has an empty hot tier; the hit comes from the cold
	// tier and is promoted.
	c2, err := New(path, time.Minute, time.Hour, 16, testLogger())
	require.NoError(t, err)
	defer c2.Close()

	got, ok := c2.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "durable", got.Text)
	assert.True(t, got.CostUSD.Equal(decimal.RequireFromString("0.001")))

	stats := c2.Stats()
	assert.Equal(t, int64(1), stats.ColdHits)
	assert.Equal(t, int64(1), stats.Promotions)

	// The promoted entry now hits the hot tier.
	_, ok = c2.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, int64(1), c2.Stats().HotHits)
}

func TestColdTierRespectsTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	// Hot TTL of zero makes every hot entry instantly stale, forcing the
	// cold path; cold TTL is also tiny.
	c, err := New(path, 0, 20*time.Millisecond, 16, testLogger())
	require.NoError(t, err)
	defer c.Close()

	c.Put(ctx, "k1", testResult("ephemeral"))
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestColdTierReapsExpiredOnRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := New(path, 0, 20*time.Millisecond, 16, testLogger())
	require.NoError(t, err)
	defer c.Close()

	c.Put(ctx, "k1", testResult("stale"))
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get(ctx, "k1")
	require.False(t, ok)

	// The expired read deleted the row; the cold tier does not accumulate
	// dead entries.
	var n int
	require.NoError(t, c.db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestPutOverwritesExisting(t *testing.T) {
	c, err := New("", time.Minute, time.Hour, 16, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Put(ctx, "k1", testResult("first"))
	c.Put(ctx, "k1", testResult("second"))

	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "second", got.Text)
}
