package domain

import (
	"sync"

	"github.com/shopspring/decimal"
)

// ModelRate is the price of one model: USD per 1000 input tokens and
// USD per 1000 output tokens.
type ModelRate struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// PricingTable resolves (provider, model) to a ModelRate. Unknown pairs
// fall back to a default rate rather than erroring, because cost tracking
// must never block the request path.
type PricingTable struct {
	mu           sync.RWMutex
	rates        map[string]ModelRate
	fallbackRate ModelRate
}

// NewPricingTable creates a table with the given fallback rate.
func NewPricingTable(fallback ModelRate) *PricingTable {
	return &PricingTable{
		rates:        make(map[string]ModelRate),
		fallbackRate: fallback,
	}
}

func rateKey(provider, model string) string { return provider + "/" + model }

// Set registers the rate for a provider/model pair.
func (t *PricingTable) Set(provider, model string, rate ModelRate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[rateKey(provider, model)] = rate
}

// Rate returns the rate for a provider/model pair, falling back to the
// default when the pair is unknown.
func (t *PricingTable) Rate(provider, model string) ModelRate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rates[rateKey(provider, model)]; ok {
		return r
	}
	return t.fallbackRate
}

// Cost computes the exact USD cost of a call. All arithmetic is decimal;
// tokens/1000 is expressed as tokens × 10⁻³ so no division rounding can
// drift across repeated identical calls.
func (t *PricingTable) Cost(provider, model string, tokensIn, tokensOut int) decimal.Decimal {
	r := t.Rate(provider, model)
	in := r.InputPer1K.Mul(decimal.New(int64(tokensIn), -3))
	out := r.OutputPer1K.Mul(decimal.New(int64(tokensOut), -3))
	return in.Add(out)
}
