package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
)

// Default Ollama timeouts: short connect (local), long response (model loading).
const (
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second
)

// OllamaProvider wraps OpenAIProvider to work with a local Ollama daemon.
// Ollama exposes an OpenAI-compatible endpoint at /v1, so completion is
// delegated to the inner adapter. Usually configured as the zero-cost tier.
type OllamaProvider struct {
	inner *OpenAIProvider
}

// NewOllamaProvider creates an Ollama provider delegating to the
// OpenAI-compatible /v1 endpoint.
func NewOllamaProvider(cfg config.ProviderConfig, estimator *TokenEstimator, logger *slog.Logger) *OllamaProvider {
	ollamaCfg := cfg
	if ollamaCfg.ConnTimeout == 0 {
		ollamaCfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if ollamaCfg.RespTimeout == 0 {
		ollamaCfg.RespTimeout = ollamaDefaultRespTimeout
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	ollamaCfg.BaseURL = baseURL + "/v1"
	ollamaCfg.APIKey = "" // no auth on the local daemon

	return &OllamaProvider{
		inner: NewOpenAIProvider(ollamaCfg, estimator, logger),
	}
}

// Complete implements domain.ModelProvider.
func (p *OllamaProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.ProviderResult, error) {
	return p.inner.Complete(ctx, req)
}

// Name implements domain.ModelProvider.
func (p *OllamaProvider) Name() string { return p.inner.Name() }

// Model implements domain.ModelProvider.
func (p *OllamaProvider) Model() string { return p.inner.Model() }

// Compile-time interface check.
var _ domain.ModelProvider = (*OllamaProvider)(nil)
