// Package openaicompat provides a generic OpenAI-compatible LLM provider.
// Use it for any service that implements the OpenAI chat completions API
// (xAI, Groq, DeepSeek, Together AI, Perplexity, Cerebras, OpenRouter,
// Portkey, Fireworks, DeepInfra, Novita, Nebius, and many others). Most of
// the gateway's provider roster is built on this one type, parameterized by
// name/key/base-URL, rather than bespoke SDK bindings per upstream.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3/option"
	"github.com/relaypoint/gateway/internal/providers"

	openaiSDK "github.com/openai/openai-go/v3"
)

// Provider is a configurable OpenAI-compatible LLM provider.
type Provider struct {
	name            string
	apiKey          string
	baseURL         string
	aggregatorHint  string // upstream_provider value; empty for non-aggregating upstreams
	supportsListing bool   // false disables the live Models.List catalog fetch
	client          openaiSDK.Client
}

// Option configures optional Provider behavior at construction time.
type Option func(*Provider)

// WithAggregatorHint sets the upstream_provider hint some aggregators
// (DeepInfra-fronting gateways in particular) require in the request body
// to route correctly. Omitting it for those upstreams is the documented
// cause of the observed 502s.
func WithAggregatorHint(hint string) Option {
	return func(p *Provider) { p.aggregatorHint = hint }
}

// WithoutModelListing disables the live Models.List catalog fetch for
// upstreams that don't expose one (or expose one with pricing-free,
// low-value output); ListModels then returns the static alias table.
func WithoutModelListing() Option {
	return func(p *Provider) { p.supportsListing = false }
}

// New creates a new OpenAI-compatible Provider.
//
//   - name    — unique provider identifier used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:            name,
		apiKey:          apiKey,
		baseURL:         baseURL,
		supportsListing: true,
	}
	for _, o := range opts {
		o(p)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	}
	if p.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(sdkOpts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	params := p.buildParams(req)
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}
	if p.aggregatorHint != "" {
		// Some aggregating upstreams (DeepInfra-fronting gateways in
		// particular) silently 502 without this hint in the request body.
		opts = append(opts, option.WithJSONSet("upstream_provider", p.aggregatorHint))
	}
	if req.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, req, params, opts...)
}

func (p *Provider) buildParams(req *providers.ProxyRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func (p *Provider) handleResponse(
	ctx context.Context,
	req *providers.ProxyRequest,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	usage := providers.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		var prompt strings.Builder
		for _, m := range req.Messages {
			prompt.WriteString(m.Content)
		}
		usage.InputTokens = providers.EstimateTokens(prompt.String())
		usage.OutputTokens = providers.EstimateTokens(content)
		usage.Estimated = true
	}

	return &providers.ProxyResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage:   usage,
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				ch <- providers.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
				continue
			}
			if c.FinishReason != "" {
				ch <- providers.StreamChunk{FinishReason: c.FinishReason}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

// ListModels fetches the live catalog listing when the upstream supports
// one; it otherwise falls back to the compiled-in alias table for this
// provider name. A live-fetch failure also falls back rather than erroring
// the whole catalog refresh for one upstream.
func (p *Provider) ListModels(ctx context.Context) ([]providers.CatalogEntry, error) {
	if !p.supportsListing {
		return providers.StaticCatalogFor(p.name), nil
	}

	page, err := p.client.Models.List(ctx)
	if err != nil || len(page.Data) == 0 {
		return providers.StaticCatalogFor(p.name), nil
	}

	entries := make([]providers.CatalogEntry, 0, len(page.Data))
	for _, m := range page.Data {
		entries = append(entries, providers.CatalogEntry{
			ID:            p.name + "/" + m.ID,
			SourceGateway: p.name,
			DisplayName:   m.ID,
			Modality:      providers.Modality{Input: []string{"text"}, Output: []string{"text"}},
		})
	}
	return entries, nil
}

// Embed implements providers.EmbeddingProvider for OpenAI-compatible
// upstreams that expose an /embeddings endpoint (Together, DeepInfra,
// Fireworks, Nebius, and others commonly do).
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	}
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Embeddings.New(ctx, params, opts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{Index: int(d.Index), Embedding: f32}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

// ProviderError is a structured error returned by an OpenAI-compatible API.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// Classification sniffs the error body for the two cases ClassifyHTTPStatus
// cannot distinguish from a generic BadRequest: content filtering and
// context-length overflow. Both are reported by most upstreams as 400s with
// a distinguishing substring in the message.
func (e *ProviderError) Classification() providers.Classification {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "context") && (strings.Contains(msg, "too long") || strings.Contains(msg, "maximum context") || strings.Contains(msg, "exceeds")):
		return providers.ClassContextTooLong
	case strings.Contains(msg, "content") && (strings.Contains(msg, "filter") || strings.Contains(msg, "flagged") || strings.Contains(msg, "policy")):
		return providers.ClassContentFilter
	default:
		return providers.ClassifyHTTPStatus(e.StatusCode)
	}
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Name:       p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("%s: no API key configured", p.name)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
