// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Gemini, Mistral, and others).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider. Every provider also contributes its slice of the unified
// model catalog through ListModels; see internal/catalog for the cache layer
// that sits above this.
package providers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type (
	// StreamChunk is a single delta chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats. Estimated is set when the upstream omitted
	// usage and the gateway filled it in with the character/4 heuristic.
	Usage struct {
		InputTokens  int
		OutputTokens int
		Estimated    bool
	}

	// ProxyRequest — normalized client request passed to a provider adapter.
	// GatewayHint is the gateway name the router selected for this attempt,
	// set per attempt in internal/proxy. No adapter in this module reads it;
	// openaicompat takes its upstream_provider hint from WithAggregatorHint.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		TopP        float64
		MaxTokens   int
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
		GatewayHint string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model       string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}

	// Pricing is the per-unit USD cost triple for a catalog entry. Zero value
	// means "unknown" — Accounting flags the resulting usage record
	// cost_unknown rather than guessing.
	Pricing struct {
		PromptPerToken     decimal.Decimal
		CompletionPerToken decimal.Decimal
		PerRequest         decimal.Decimal
	}

	// Modality describes which content kinds a model accepts and produces.
	Modality struct {
		Input  []string
		Output []string
	}

	// CatalogEntry is one normalized row in the unified model catalog. It is
	// immutable once constructed; a catalog refresh builds a fresh slice and
	// swaps it in atomically rather than mutating entries in place.
	CatalogEntry struct {
		ID              string // canonical "provider_slug/model_name"
		SourceGateway   string
		DisplayName     string
		ContextLength   int
		Pricing         Pricing
		Modality        Modality
		HFLikes         int64
		HFDownloads     int64
		RawUpstream     []byte // opaque, for debugging only — never parsed on the core path
	}
)

// Provider — LLM provider interface implemented by every upstream adapter.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	ListModels(ctx context.Context) ([]CatalogEntry, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// Classification is the error taxonomy every adapter must map its failures
// into. The router's retry/fallback policy (requestWithFailover in
// internal/proxy/failover.go) is driven entirely off this value — see the truth table in the gateway design notes.
type Classification string

const (
	ClassAuth           Classification = "auth"
	ClassNotFound       Classification = "not_found"
	ClassRateLimited    Classification = "rate_limited"
	ClassBadRequest     Classification = "bad_request"
	ClassUpstream5xx    Classification = "upstream_5xx"
	ClassTimeout        Classification = "timeout"
	ClassNetwork        Classification = "network"
	ClassContentFilter  Classification = "content_filter"
	ClassContextTooLong Classification = "context_too_long"
	ClassOK             Classification = "ok"
	ClassUnknown        Classification = "unknown"
)

// ClassifyHTTPStatus maps a raw upstream HTTP status code to a Classification.
// Adapters call this as the default path; a few upstreams additionally
// inspect the response body (e.g. to distinguish ContextTooLong from a
// generic BadRequest) before falling back to this table.
func ClassifyHTTPStatus(status int) Classification {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 404:
		return ClassNotFound
	case status == 429:
		return ClassRateLimited
	case status == 400 || status == 422:
		return ClassBadRequest
	case status >= 500 && status < 600:
		return ClassUpstream5xx
	case status == 0:
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// StatusCoder is implemented by adapter error types that carry an upstream
// HTTP status code, letting shared helpers classify without a type switch
// per provider package.
type StatusCoder interface {
	HTTPStatus() int
}

// ClassifiedError is implemented by adapter errors that have already
// determined their own Classification (e.g. by sniffing the response body
// for a context-length complaint). Errors that only implement StatusCoder
// fall back to ClassifyHTTPStatus.
type ClassifiedError interface {
	Classification() Classification
}

// Classify derives a Classification from an arbitrary adapter error,
// preferring an explicit ClassifiedError, then a StatusCoder, then Unknown.
func Classify(err error) Classification {
	if err == nil {
		return ClassOK
	}
	if ce, ok := err.(ClassifiedError); ok {
		return ce.Classification()
	}
	if sc, ok := err.(StatusCoder); ok {
		return ClassifyHTTPStatus(sc.HTTPStatus())
	}
	return ClassUnknown
}

// Attempt is one try against a gateway made while satisfying a single
// inbound request, recorded in arrival order into an AttemptTrace.
type Attempt struct {
	Gateway        string         `json:"gateway"`
	Classification Classification `json:"classification"`
	LatencyMs      int64          `json:"latency_ms"`
}

// AttemptTrace is the ordered sequence of attempts the router made for one
// request, persisted alongside the usage record that bills it so a support
// engineer can see exactly which gateways were tried and why each failed.
type AttemptTrace []Attempt

// EstimateTokens applies the character/4 heuristic used when an upstream
// omits usage accounting. Callers set Usage.Estimated=true alongside it.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EmbeddingModelAliases maps embedding model names to provider names.
// Used by the proxy to route POST /v1/embeddings requests.
var EmbeddingModelAliases = map[string]string{
	// OpenAI
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",
	// Mistral
	"mistral-embed": "mistral",
	// Google Gemini
	"text-embedding-004": "gemini",
	"embedding-001":      "gemini",
}

// ModelAliases maps bare model names to their owning gateway. This is the
// fallback resolution path used when a request carries no explicit
// "gateway/model" prefix — see resolveProvider and resolvePlan in
// internal/proxy/routing.go. The unified
// catalog (internal/catalog) is the primary resolution path; this map only
// matters for the aliases baked in at compile time.
var ModelAliases = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":                  "openai",
	"gpt-4-0613":             "openai",
	"gpt-4o":                 "openai",
	"gpt-4o-2024-11-20":      "openai",
	"gpt-4o-2024-08-06":      "openai",
	"gpt-4o-2024-05-13":      "openai",
	"gpt-4o-mini":            "openai",
	"gpt-4o-mini-2024-07-18": "openai",
	"gpt-4-turbo":            "openai",
	"gpt-4-turbo-2024-04-09": "openai",
	"gpt-4-turbo-preview":    "openai",
	"gpt-3.5-turbo":          "openai",
	"gpt-3.5-turbo-0125":     "openai",
	"gpt-3.5-turbo-1106":     "openai",
	"o1":                     "openai",
	"o1-mini":                "openai",
	"o1-preview":             "openai",
	"o3":                     "openai",
	"o3-mini":                "openai",
	"o4-mini":                "openai",
	"gpt-4.1":                "openai",
	"gpt-4.1-mini":           "openai",
	"gpt-4.1-nano":           "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-3-7-sonnet":          "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-1.5-pro":       "gemini",
	"gemini-1.5-flash":     "gemini",
	"gemini-2.0-flash":     "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":       "gemini",
	"gemini-2.5-flash":     "gemini",

	// ─── Mistral AI ───────────────────────────────────────────────────────────
	"mistral-large-latest": "mistral",
	"mistral-small-latest": "mistral",
	"open-mistral-nemo":    "mistral",
	"codestral-latest":     "mistral",
	"ministral-8b-latest":  "mistral",

	// ─── xAI (Grok) — via openaicompat ─────────────────────────────────────────
	"grok-3":        "xai",
	"grok-3-mini":   "xai",
	"grok-2":        "xai",
	"grok-2-vision": "xai",
	"grok-beta":     "xai",

	// ─── DeepSeek — via openaicompat ────────────────────────────────────────────
	"deepseek-chat":     "deepseek",
	"deepseek-reasoner": "deepseek",

	// ─── Groq — via openaicompat ────────────────────────────────────────────────
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",
	"gemma2-9b-it":            "groq",

	// ─── Together AI — via openaicompat ─────────────────────────────────────────
	"meta-llama/Llama-3.3-70B-Instruct-Turbo": "together",
	"Qwen/Qwen2.5-72B-Instruct-Turbo":         "together",
	"deepseek-ai/DeepSeek-R1":                 "together",

	// ─── Cerebras — via openaicompat ────────────────────────────────────────────
	"llama3.1-8b":  "cerebras",
	"llama3.1-70b": "cerebras",
	"llama3.3-70b": "cerebras",

	// ─── Fireworks — via openaicompat ───────────────────────────────────────────
	"accounts/fireworks/models/llama-v3p1-70b-instruct": "fireworks",
	"accounts/fireworks/models/qwen2p5-72b-instruct":    "fireworks",

	// ─── DeepInfra — via openaicompat ────────────────────────────────────────────
	// The deepinfra provider sends upstream_provider="deepinfra" (set with
	// openaicompat.WithAggregatorHint in internal/app) so the upstream
	// aggregator routes correctly — omitting it is the documented cause of
	// observed 502s.
	"meta-llama/Meta-Llama-3.1-70B-Instruct": "deepinfra",
	"Qwen/Qwen2.5-72B-Instruct":               "deepinfra",

	// ─── Novita — via openaicompat ───────────────────────────────────────────────
	"meta-llama/llama-3.1-8b-instruct":  "novita",
	"meta-llama/llama-3.3-70b-instruct": "novita",

	// ─── Nebius — via openaicompat ───────────────────────────────────────────────
	"meta-llama/Meta-Llama-3.3-70B-Instruct-nebius": "nebius",

	// ─── Moonshot / MiniMax / Qwen / ByteDance / Z AI — via openaicompat ────────
	"moonshot-v1-8k":  "moonshot",
	"MiniMax-Text-01": "minimax",
	"qwen-plus":       "qwen",
	"doubao-pro-32k":  "bytedance",
	"glm-4-plus":      "zai",

	// ─── OpenRouter ───────────────────────────────────────────────────────────
	"openrouter/auto": "openrouter",

	// ─── Vercel AI Gateway ────────────────────────────────────────────────────
	"vercel/auto": "vercelai",

	// ─── Portkey aggregator ───────────────────────────────────────────────────
	"@deepinfra/meta-llama/Meta-Llama-3.1-70B-Instruct": "portkey",

	// ─── HuggingFace Inference Providers ──────────────────────────────────────
	"meta-llama/Llama-3.1-8B-Instruct": "huggingface",

	// ─── Fal.ai / Chutes / Featherless / Near / AIMO — static catalogs ──────────
	"fal-ai/flux/dev":         "fal",
	"chutes-llama-3.1-8b":     "chutes",
	"featherless-qwen2.5-72b": "featherless",
	"near-ai-default":         "near",
	"aimo-default":            "aimo",

	// ─── AWS Bedrock ──────────────────────────────────────────────────────────
	"anthropic.claude-3-5-sonnet-20241022-v2:0": "bedrock",
	"meta.llama3-70b-instruct-v1:0":             "bedrock",
	"amazon.nova-pro-v1:0":                      "bedrock",

	// ─── Azure OpenAI ─────────────────────────────────────────────────────────
	"azure-gpt-4o":      "azure",
	"azure-gpt-4.1-mini": "azure",

	// ─── Google Vertex AI ─────────────────────────────────────────────────────
	"vertexai-gemini-2.5-pro":   "vertexai",
	"vertexai-gemini-2.5-flash": "vertexai",
}

// DefaultFallbackOrder is the static priority tuple used when the catalog
// resolves multiple candidate gateways for a bare model id and the caller's
// policy does not pin or forbid any of them: direct providers and
// first-class aggregators first, then secondary aggregators.
var DefaultFallbackOrder = []string{
	"openrouter",
	"vercelai",
	"openai",
	"anthropic",
	"gemini",
	"mistral",
	"xai",
	"groq",
	"together",
	"fireworks",
	"cerebras",
	"deepinfra",
	"novita",
	"nebius",
	"moonshot",
	"minimax",
	"qwen",
	"bytedance",
	"zai",
	"azure",
	"vertexai",
	"bedrock",
	"portkey",
	"huggingface",
	"fal",
	"chutes",
	"featherless",
	"near",
	"aimo",
}

// StaticCatalogFor builds a minimal CatalogEntry slice for gateway from the
// compiled-in ModelAliases table. Adapters whose upstream SDK has no cheap
// "list models" call (Anthropic, Gemini, Vertex AI, Bedrock, Azure) use this
// as their ListModels implementation instead of a live fetch; pricing stays
// zero-valued and the resulting entries are flagged cost_unknown downstream
// until Accounting is configured with an explicit price sheet for them.
func StaticCatalogFor(gateway string) []CatalogEntry {
	var out []CatalogEntry
	for modelName, gw := range ModelAliases {
		if gw != gateway {
			continue
		}
		out = append(out, CatalogEntry{
			ID:            gateway + "/" + modelName,
			SourceGateway: gateway,
			DisplayName:   modelName,
			Modality:      Modality{Input: []string{"text"}, Output: []string{"text"}},
		})
	}
	return out
}

// Default circuit breaker and failover constants.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 3
	ProviderTimeout   = 30 * time.Second
)
