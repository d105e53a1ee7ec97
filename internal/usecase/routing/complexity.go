package routing

import (
	"strings"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
)

// TokenCounter estimates a prompt's token count. Implemented by
// llm.TokenEstimator.
type TokenCounter interface {
	EstimateTokens(text string) int
}

// Scorer classifies prompts into complexity classes. Pure and fast: it
// runs on every smart-mode request before any I/O.
type Scorer struct {
	counter          TokenCounter
	simpleMaxTokens  int
	complexMinTokens int
	markers          []string
}

// NewScorer builds a scorer from the complexity config. Marker matching is
// case-insensitive.
func NewScorer(cfg config.ComplexityConfig, counter TokenCounter) *Scorer {
	markers := make([]string, 0, len(cfg.Markers))
	for _, m := range cfg.Markers {
		markers = append(markers, strings.ToLower(m))
	}
	return &Scorer{
		counter:          counter,
		simpleMaxTokens:  cfg.SimpleMaxTokens,
		complexMinTokens: cfg.ComplexMinTokens,
		markers:          markers,
	}
}

// Score returns the request's complexity class. An explicit caller hint
// always wins over the heuristic. Between the length estimate and the
// marker count, the higher class wins: when ambiguous, prefer quality
// over cost.
func (s *Scorer) Score(req domain.CompletionRequest) domain.ComplexityClass {
	if req.ComplexityHint.Valid() {
		return req.ComplexityHint
	}

	byLength := s.classifyLength(s.counter.EstimateTokens(req.Prompt))
	byMarkers := s.classifyMarkers(req.Prompt)

	if byMarkers.AtLeast(byLength) {
		return byMarkers
	}
	return byLength
}

func (s *Scorer) classifyLength(tokens int) domain.ComplexityClass {
	switch {
	case tokens >= s.complexMinTokens:
		return domain.ComplexityComplex
	case tokens <= s.simpleMaxTokens:
		return domain.ComplexitySimple
	default:
		return domain.ComplexityMedium
	}
}

// classifyMarkers counts distinct reasoning markers: one promotes to
// medium, two or more to complex.
func (s *Scorer) classifyMarkers(prompt string) domain.ComplexityClass {
	lower := strings.ToLower(prompt)
	found := 0
	for _, m := range s.markers {
		if strings.Contains(lower, m) {
			found++
			if found >= 2 {
				return domain.ComplexityComplex
			}
		}
	}
	if found == 1 {
		return domain.ComplexityMedium
	}
	return domain.ComplexitySimple
}
