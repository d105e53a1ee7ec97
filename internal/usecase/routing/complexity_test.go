package routing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
)

// wordCounter is a deterministic TokenCounter for scorer tests: one token
// per word.
type wordCounter struct{}

func (wordCounter) EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

func testScorer() *Scorer {
	return NewScorer(config.ComplexityConfig{
		SimpleMaxTokens:  10,
		ComplexMinTokens: 50,
		Markers:          []string{"step by step", "analyze", "compare"},
	}, wordCounter{})
}

func TestScoreByLength(t *testing.T) {
	s := testScorer()

	tests := []struct {
		name   string
		prompt string
		want   domain.ComplexityClass
	}{
		{"short prompt is simple", "what time is it", domain.ComplexitySimple},
		{"mid-size prompt is medium", strings.Repeat("word ", 20), domain.ComplexityMedium},
		{"long prompt is complex", strings.Repeat("word ", 60), domain.ComplexityComplex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(domain.CompletionRequest{Prompt: tt.prompt})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScoreByMarkers(t *testing.T) {
	s := testScorer()

	// One marker promotes a short prompt to medium.
	got := s.Score(domain.CompletionRequest{Prompt: "analyze this log line"})
	assert.Equal(t, domain.ComplexityMedium, got)

	// Two markers promote to complex. Matching is case-insensitive.
	got = s.Score(domain.CompletionRequest{Prompt: "Analyze and COMPARE these two"})
	assert.Equal(t, domain.ComplexityComplex, got)
}

func TestScoreHigherSignalWins(t *testing.T) {
	s := testScorer()

	// Long prompt with a single marker: length says complex, markers say
	// medium; the higher class wins.
	prompt := "analyze " + strings.Repeat("word ", 60)
	assert.Equal(t, domain.ComplexityComplex, s.Score(domain.CompletionRequest{Prompt: prompt}))

	// Short prompt with markers: markers win over length.
	assert.Equal(t, domain.ComplexityMedium, s.Score(domain.CompletionRequest{Prompt: "compare a b"}))
}

func TestScoreHintOverridesHeuristic(t *testing.T) {
	s := testScorer()

	got := s.Score(domain.CompletionRequest{
		Prompt:         "hi",
		ComplexityHint: domain.ComplexityComplex,
	})
	assert.Equal(t, domain.ComplexityComplex, got)

	// Invalid hints fall back to the heuristic.
	got = s.Score(domain.CompletionRequest{
		Prompt:         "hi",
		ComplexityHint: domain.ComplexityClass("extreme"),
	})
	assert.Equal(t, domain.ComplexitySimple, got)
}
