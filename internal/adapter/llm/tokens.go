package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts tokens for prompts. It prefers a real tiktoken
// encoding and falls back to a word/char blend when the encoding cannot be
// loaded (offline environments). Safe for concurrent use.
type TokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenEstimator returns a lazy estimator. The encoding is loaded on
// first use so construction never does I/O.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

// EstimateTokens returns the estimated token count of text.
func (e *TokenEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		// cl100k_base covers the GPT-4/3.5 family and is close enough
		// for cost estimation across providers.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	return blendEstimate(text)
}

// blendEstimate approximates GPT-style tokenization (~4 chars/token) with
// a word/char blend.
func blendEstimate(text string) int {
	words := len(strings.Fields(text))
	chars := len(text)
	n := (words + chars/4) / 2
	if n == 0 {
		n = 1
	}
	return n
}
