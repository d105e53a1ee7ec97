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

const anthropicVersion = "2023-06-01"

// anthropicDefaultMaxTokens is used when the caller sets no output cap;
// the Messages API requires max_tokens.
const anthropicDefaultMaxTokens = 1024

// AnthropicProvider implements domain.ModelProvider for the Anthropic
// Messages API. Typically configured as the premium-quality tier.
type AnthropicProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Complete implements domain.ModelProvider.
func (p *AnthropicProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.ProviderResult, error) {
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

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/v1/messages", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var antResp anthropicResponse
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}

	result := p.fromWireResponse(antResp)
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
func (p *AnthropicProvider) Name() string { return p.name }

// Model implements domain.ModelProvider.
func (p *AnthropicProvider) Model() string { return p.model }

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *AnthropicProvider) toWireRequest(req domain.CompletionRequest) anthropicRequest {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	antReq := anthropicRequest{
		Model:     p.model,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		antReq.Temperature = &req.Temperature
	}
	return antReq
}

func (p *AnthropicProvider) fromWireResponse(resp anthropicResponse) *domain.ProviderResult {
	result := &domain.ProviderResult{
		Model:     resp.Model,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
	}
	if result.Model == "" {
		result.Model = p.model
	}
	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	result.Text = sb.String()
	return result
}

// Compile-time interface check.
var _ domain.ModelProvider = (*AnthropicProvider)(nil)
