package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
	"github.com/ScientiaCapital/llmgateway/internal/infra/tracer"
)

// OpenAIProvider implements domain.ModelProvider for any OpenAI-compatible
// chat completions API. Several tiers can be served by distinct instances
// of this adapter pointed at different base URLs/models.
type OpenAIProvider struct {
	name      string
	model     string
	apiKey    string
	baseURL   string
	client    *http.Client
	estimator *TokenEstimator
	logger    *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, estimator *TokenEstimator, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIProvider{
		name:      cfg.Name,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		client:    NewHTTPClient(cfg),
		estimator: estimator,
		logger:    logger,
	}
}

// Complete implements domain.ModelProvider.
func (p *OpenAIProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.ProviderResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.complete",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.model),
		),
	)
	defer span.End()

	body, err := json.Marshal(p.toWireRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}

	result := p.fromWireResponse(req, oaiResp)
	span.SetAttributes(
		tracer.IntAttr("llm.tokens_in", result.TokensIn),
		tracer.IntAttr("llm.tokens_out", result.TokensOut),
	)
	p.logger.Debug("completion finished",
		"provider", p.name, "model", result.Model,
		"tokens_in", result.TokensIn, "tokens_out", result.TokensOut)

	return result, nil
}

// Name implements domain.ModelProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Model implements domain.ModelProvider.
func (p *OpenAIProvider) Model() string { return p.model }

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (p *OpenAIProvider) toWireRequest(req domain.CompletionRequest) openaiRequest {
	oaiReq := openaiRequest{
		Model:    p.model,
		Messages: []openaiMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.MaxOutputTokens > 0 {
		oaiReq.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature > 0 {
		oaiReq.Temperature = &req.Temperature
	}
	return oaiReq
}

func (p *OpenAIProvider) fromWireResponse(req domain.CompletionRequest, resp openaiResponse) *domain.ProviderResult {
	result := &domain.ProviderResult{
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}
	if result.Model == "" {
		result.Model = p.model
	}
	if len(resp.Choices) > 0 {
		result.Text = resp.Choices[0].Message.Content
	}
	// Some OpenAI-compatible servers omit usage; estimate so cost
	// tracking never records zero tokens for a paid call.
	if resp.Usage.TotalTokens == 0 {
		result.TokensIn = p.estimator.EstimateTokens(req.Prompt)
		result.TokensOut = p.estimator.EstimateTokens(result.Text)
	}
	return result
}

// Compile-time interface check.
var _ domain.ModelProvider = (*OpenAIProvider)(nil)
