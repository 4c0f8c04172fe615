// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra  — external connections (Redis when needed)
//  2. initProviders — LLM provider clients
//  3. initServices — cache, metrics registry
//  4. initBilling  — store, analytics, catalog, gate, accounting
//  5. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaypoint/gateway/internal/accounting"
	"github.com/relaypoint/gateway/internal/analytics"
	npCache "github.com/relaypoint/gateway/internal/cache"
	"github.com/relaypoint/gateway/internal/catalog"
	"github.com/relaypoint/gateway/internal/config"
	"github.com/relaypoint/gateway/internal/gate"
	"github.com/relaypoint/gateway/internal/logger"
	"github.com/relaypoint/gateway/internal/metrics"
	"github.com/relaypoint/gateway/internal/providers"
	anthropicprov "github.com/relaypoint/gateway/internal/providers/anthropic"
	azureprov "github.com/relaypoint/gateway/internal/providers/azure"
	bedrockprov "github.com/relaypoint/gateway/internal/providers/bedrock"
	geminiprov "github.com/relaypoint/gateway/internal/providers/gemini"
	huggingfaceprov "github.com/relaypoint/gateway/internal/providers/huggingface"
	mistralprov "github.com/relaypoint/gateway/internal/providers/mistral"
	openaiprov "github.com/relaypoint/gateway/internal/providers/openai"
	openaicompatprov "github.com/relaypoint/gateway/internal/providers/openaicompat"
	vertexaiprov "github.com/relaypoint/gateway/internal/providers/vertexai"
	"github.com/relaypoint/gateway/internal/proxy"
	"github.com/relaypoint/gateway/internal/ratelimit"
	"github.com/relaypoint/gateway/internal/store/postgres"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	memCache  *npCache.MemoryCache

	prom *metrics.Registry

	provs map[string]providers.Provider
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway

	// Optional billing/admission stack — nil when Postgres is not configured.
	store      *postgres.Store
	sink       *analytics.Sink
	cat        *catalog.Catalog
	keyLimiter *ratelimit.KeyLimiter
	gt         *gate.Gate
	acct       *accounting.Accountant
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"billing", a.initBilling},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call more than
// once in sequence; concurrent calls are not synchronized.
func (a *App) Close() {
	if a.sink != nil {
		a.sink.Close()
		a.sink = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProviders creates a provider map from non-empty API keys / credentials.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	// ── Original four ─────────────────────────────────────────────────────────
	if cfg.OpenAI.APIKey != "" {
		var openaiOpts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs["openai"] = openaiprov.New(cfg.OpenAI.APIKey, openaiOpts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var anthropicOpts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, anthropicOpts...)
	}
	if cfg.Gemini.APIKey != "" {
		var geminiOpts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		provs["gemini"] = geminiprov.New(ctx, cfg.Gemini.APIKey, geminiOpts...)
	}
	if cfg.Mistral.APIKey != "" {
		var mistralOpts []mistralprov.Option
		if cfg.Mistral.BaseURL != "" {
			mistralOpts = append(mistralOpts, mistralprov.WithBaseURL(cfg.Mistral.BaseURL))
		}
		provs["mistral"] = mistralprov.New(cfg.Mistral.APIKey, mistralOpts...)
	}

	// ── OpenAI-compatible providers ───────────────────────────────────────────
	type ocEntry struct {
		key     string
		name    string
		baseURL string
	}
	ocProviders := []ocEntry{
		{cfg.XAI.APIKey, "xai", "https://api.x.ai/v1"},
		{cfg.DeepSeek.APIKey, "deepseek", "https://api.deepseek.com/v1"},
		{cfg.Groq.APIKey, "groq", "https://api.groq.com/openai/v1"},
		{cfg.Together.APIKey, "together", "https://api.together.xyz/v1"},
		{cfg.Perplexity.APIKey, "perplexity", "https://api.perplexity.ai"},
		{cfg.Cerebras.APIKey, "cerebras", "https://api.cerebras.ai/v1"},
		{cfg.Moonshot.APIKey, "moonshot", "https://api.moonshot.cn/v1"},
		{cfg.MiniMax.APIKey, "minimax", "https://api.minimax.chat/v1"},
		{cfg.Qwen.APIKey, "qwen", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"},
		{cfg.Nebius.APIKey, "nebius", "https://api.studio.nebius.ai/v1"},
		{cfg.NovitaAI.APIKey, "novita", "https://api.novita.ai/v3/openai"},
		{cfg.ByteDance.APIKey, "bytedance", "https://ark.cn-beijing.volces.com/api/v3"},
		{cfg.ZAI.APIKey, "zai", "https://api.z.ai/api/openai/v1"},
		{cfg.CanopyWave.APIKey, "canopywave", "https://api.canopywave.com/v1"},
		{cfg.Inference.APIKey, "inference", "https://api.inference.net/v1"},
		{cfg.NanoGPT.APIKey, "nanogpt", "https://nano-gpt.com/api/v1"},
	}
	for _, e := range ocProviders {
		if e.key != "" {
			provs[e.name] = openaicompatprov.New(e.name, e.key, e.baseURL)
		}
	}

	// ── Aggregators and gateway-of-gateways ───────────────────────────────────
	// These front many upstreams behind one key; DefaultFallbackOrder tries
	// them before most direct providers precisely because one key routes to
	// whichever direct upstream is healthy and cheapest.
	if cfg.OpenRouter.APIKey != "" {
		provs["openrouter"] = openaicompatprov.New("openrouter", cfg.OpenRouter.APIKey, firstNonEmpty(cfg.OpenRouter.BaseURL, "https://openrouter.ai/api/v1"))
	}
	if cfg.Portkey.APIKey != "" {
		provs["portkey"] = openaicompatprov.New("portkey", cfg.Portkey.APIKey, firstNonEmpty(cfg.Portkey.BaseURL, "https://api.portkey.ai/v1"))
	}
	if cfg.VercelAI.APIKey != "" {
		provs["vercelai"] = openaicompatprov.New("vercelai", cfg.VercelAI.APIKey, "https://gateway.ai.vercel.app/v1")
	}
	if cfg.Fireworks.APIKey != "" {
		provs["fireworks"] = openaicompatprov.New("fireworks", cfg.Fireworks.APIKey, "https://api.fireworks.ai/inference/v1")
	}
	if cfg.DeepInfra.APIKey != "" {
		provs["deepinfra"] = openaicompatprov.New(
			"deepinfra", cfg.DeepInfra.APIKey, "https://api.deepinfra.com/v1/openai",
			openaicompatprov.WithAggregatorHint("deepinfra"),
		)
	}
	if cfg.Chutes.APIKey != "" {
		provs["chutes"] = openaicompatprov.New(
			"chutes", cfg.Chutes.APIKey, "https://llm.chutes.ai/v1",
			openaicompatprov.WithoutModelListing(),
		)
	}
	if cfg.Featherless.APIKey != "" {
		provs["featherless"] = openaicompatprov.New(
			"featherless", cfg.Featherless.APIKey, "https://api.featherless.ai/v1",
			openaicompatprov.WithoutModelListing(),
		)
	}
	if cfg.Fal.APIKey != "" {
		provs["fal"] = openaicompatprov.New(
			"fal", cfg.Fal.APIKey, "https://fal.run/v1",
			openaicompatprov.WithoutModelListing(),
		)
	}
	if cfg.Near.APIKey != "" {
		provs["near"] = openaicompatprov.New(
			"near", cfg.Near.APIKey, "https://cloud-api.near.ai/v1",
			openaicompatprov.WithoutModelListing(),
		)
	}
	if cfg.AIMO.APIKey != "" {
		provs["aimo"] = openaicompatprov.New(
			"aimo", cfg.AIMO.APIKey, "https://api.aimo.ai/v1",
			openaicompatprov.WithoutModelListing(),
		)
	}
	if cfg.HuggingFace.APIKey != "" || len(cfg.HuggingFace.FetchSorts) > 0 {
		provs["huggingface"] = huggingfaceprov.New(cfg.HuggingFace.APIKey, cfg.HuggingFace.FetchSorts)
	}

	// ── Google Vertex AI ──────────────────────────────────────────────────────
	if cfg.VertexAI.Project != "" {
		loc := cfg.VertexAI.Location
		var opts []vertexaiprov.Option
		if loc != "" {
			opts = append(opts, vertexaiprov.WithLocation(loc))
		}
		if p, err := vertexaiprov.New(ctx, cfg.VertexAI.Project, opts...); err == nil {
			provs["vertexai"] = p
		}
	}

	// ── AWS Bedrock ───────────────────────────────────────────────────────────
	if cfg.Bedrock.AccessKey != "" && cfg.Bedrock.SecretKey != "" && cfg.Bedrock.Region != "" {
		var opts []bedrockprov.Option
		if cfg.Bedrock.SessionToken != "" {
			opts = append(opts, bedrockprov.WithSessionToken(cfg.Bedrock.SessionToken))
		}
		if cfg.Bedrock.EndpointURL != "" {
			opts = append(opts, bedrockprov.WithEndpointURL(cfg.Bedrock.EndpointURL))
		}
		provs["bedrock"] = bedrockprov.New(
			cfg.Bedrock.AccessKey, cfg.Bedrock.SecretKey, cfg.Bedrock.Region, opts...,
		)
	}

	// ── Azure OpenAI ──────────────────────────────────────────────────────────
	if cfg.Azure.APIKey != "" && cfg.Azure.Endpoint != "" {
		apiVersion := cfg.Azure.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-12-01-preview"
		}
		provs["azure"] = azureprov.New(cfg.Azure.Endpoint, cfg.Azure.APIKey, apiVersion)
	}

	return provs
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
