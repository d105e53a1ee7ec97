package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestPricingTableCost(t *testing.T) {
	table := NewPricingTable(ModelRate{})
	table.Set("openai", "gpt-4o-mini", ModelRate{
		InputPer1K:  mustDecimal(t, "0.00015"),
		OutputPer1K: mustDecimal(t, "0.0006"),
	})

	// 1000 in + 500 out = 0.00015 + 0.0003 exactly.
	cost := table.Cost("openai", "gpt-4o-mini", 1000, 500)
	assert.True(t, cost.Equal(mustDecimal(t, "0.00045")), "got %s", cost)
}

func TestPricingTableCostIsExactAcrossRepeats(t *testing.T) {
	table := NewPricingTable(ModelRate{})
	table.Set("p", "m", ModelRate{
		InputPer1K:  mustDecimal(t, "0.003"),
		OutputPer1K: mustDecimal(t, "0.015"),
	})

	// Summing the same call many times must equal the single-call cost
	// times the count, with zero drift.
	single := table.Cost("p", "m", 337, 113)
	total := decimal.Zero
	for i := 0; i < 10000; i++ {
		total = total.Add(table.Cost("p", "m", 337, 113))
	}
	assert.True(t, total.Equal(single.Mul(decimal.NewFromInt(10000))),
		"total %s != single %s x 10000", total, single)
}

func TestPricingTableFallbackRate(t *testing.T) {
	fallback := ModelRate{
		InputPer1K:  mustDecimal(t, "0.001"),
		OutputPer1K: mustDecimal(t, "0.002"),
	}
	table := NewPricingTable(fallback)

	cost := table.Cost("unknown", "model", 2000, 1000)
	assert.True(t, cost.Equal(mustDecimal(t, "0.004")), "got %s", cost)
}

func TestPricingTableZeroRateIsFree(t *testing.T) {
	table := NewPricingTable(ModelRate{})
	table.Set("ollama", "llama3", ModelRate{})

	assert.True(t, table.Cost("ollama", "llama3", 100000, 100000).IsZero())
}
