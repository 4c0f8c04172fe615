// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// OpenAI-compatible providers.
	XAI        ProviderConfig
	DeepSeek   ProviderConfig
	Groq       ProviderConfig
	Together   ProviderConfig
	Perplexity ProviderConfig
	Cerebras   ProviderConfig
	Moonshot   ProviderConfig
	MiniMax    ProviderConfig
	Qwen       ProviderConfig
	Nebius     ProviderConfig
	NovitaAI   ProviderConfig
	ByteDance  ProviderConfig
	ZAI        ProviderConfig
	CanopyWave ProviderConfig
	Inference  ProviderConfig
	NanoGPT    ProviderConfig

	// Aggregators and gateway-of-gateways providers.
	OpenRouter  ProviderConfig
	Portkey     ProviderConfig
	Fireworks   ProviderConfig
	Chutes      ProviderConfig
	Featherless ProviderConfig
	DeepInfra   ProviderConfig
	HuggingFace HuggingFaceConfig
	VercelAI    ProviderConfig
	Fal         ProviderConfig
	Near        ProviderConfig
	AIMO        ProviderConfig

	// Google Vertex AI (uses ADC instead of an API key).
	VertexAI VertexAIConfig

	// AWS Bedrock.
	Bedrock BedrockConfig

	// Azure OpenAI.
	Azure AzureConfig

	// Redis holds the connection URL for the Redis-backed response cache,
	// the global RPM limiter, and the gate's per-key rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Postgres is the primary relational store: users, api keys, credit
	// transactions, usage records, trials, coupons, referrals, sessions.
	Postgres PostgresConfig

	// ClickHouse is the append-only analytics sink for usage records and
	// attempt traces. Empty DSN disables analytics shipping.
	ClickHouse ClickHouseConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// Router controls the routing & failover engine's resolution and
	// execution budgets.
	Router RouterConfig

	// Catalog controls the unified model catalog's cache windows.
	Catalog CatalogConfig

	// Gate controls API-key hashing/encryption and the deployment
	// environment tag checked against key prefixes.
	Gate GateConfig

	// Trial controls the default grant sizing for new users.
	Trial TrialConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs (e.g. in webhook callbacks).
	AppBaseURL string

	// AllowClientAPIKeys enables forwarding client-supplied Authorization headers
	// directly to the upstream provider. When false (default) the gateway only
	// uses the API keys configured in this file/.env.
	AllowClientAPIKeys bool
}

// HuggingFaceConfig holds HuggingFace Inference Providers configuration.
type HuggingFaceConfig struct {
	// APIKey is optional — unauthenticated requests work but are slower
	// (multi-sort harvesting inserts an inter-batch delay without one).
	APIKey string
	// FetchSorts is the ordered list of sort keys used for multi-sort
	// catalog harvesting, e.g. ["likes", "downloads"].
	FetchSorts []string
}

// PostgresConfig holds the primary relational store connection.
type PostgresConfig struct {
	// DSN is a postgres:// connection string. Required for the gate,
	// accounting, and auth endpoints to function; the gateway can still
	// serve /health and unauthenticated catalog reads without one.
	DSN string
	// MaxConns bounds the pgxpool connection pool size. Default: 10.
	MaxConns int32
}

// ClickHouseConfig holds the analytics sink connection.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// connection string (CLICKHOUSE_URL). Empty
	// disables shipping.
	DSN string
	// Database is the target database name. Default: "gateway_analytics".
	Database string
}

// RouterConfig controls the routing & failover engine.
type RouterConfig struct {
	// MaxAttempts caps the AttemptPlan length. Default: 4.
	MaxAttempts int
	// PerGatewayConcurrency bounds the in-flight semaphore per gateway.
	// Default: 64.
	PerGatewayConcurrency int
	// RequestTimeout is the total wall-clock budget per request. Default: 60s.
	RequestTimeout time.Duration
	// AttemptTimeout is the per-attempt dial deadline. Default: 30s.
	AttemptTimeout time.Duration
	// StreamIdleTimeout is the chunk-idle timeout for streaming attempts.
	// Default: 20s.
	StreamIdleTimeout time.Duration
}

// CatalogConfig controls the unified model catalog cache windows.
type CatalogConfig struct {
	// TTL bounds "fresh". Default: 300s.
	TTL time.Duration
	// StaleTTL bounds "serve stale while revalidating". Default: 1800s.
	StaleTTL time.Duration
	// FetchTimeout bounds a single gateway's catalog fetch. Default: 20s.
	FetchTimeout time.Duration
}

// GateConfig controls API-key hashing/encryption and environment checks.
type GateConfig struct {
	// HashSalt is mixed into the HMAC-SHA256 used for the api-key lookup
	// hash. Changing it invalidates every existing key's lookup index.
	HashSalt string
	// KeyVersion selects which KEYRING_<n> entry encrypts new keys at rest.
	KeyVersion int
	// Keyring maps version -> symmetric key material for at-rest API-key
	// encryption, keyed by version number parsed from KEYRING_<n>.
	Keyring map[int]string
	// DeploymentEnv is this process's environment tag, checked against
	// every admitted key's prefix. One of: live, test, staging, development.
	DeploymentEnv string
	// DefaultRateLimitMinute/_Hour/_Day/_Concurrent are the per-user
	// defaults applied when an api key has no explicit override.
	DefaultRateLimitMinute     int
	DefaultRateLimitHour       int
	DefaultRateLimitDay        int
	DefaultRateLimitConcurrent int
	// PerimeterAllowlist, when non-empty, restricts every admitted request
	// gateway-wide to these client addresses regardless of per-key allowlists.
	PerimeterAllowlist []string
}

// TrialConfig sizes the grant given to a newly registered user.
type TrialConfig struct {
	DefaultCredits  string // decimal string, parsed with decimal.NewFromString
	DefaultTokens   int
	DefaultRequests int
	DefaultDays     int
	// ReferralRewardCredits is granted to a referrer once the user they
	// referred completes their first billable request.
	ReferralRewardCredits string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// VertexAIConfig holds Google Vertex AI configuration.
// Auth is resolved via Application Default Credentials (ADC).
type VertexAIConfig struct {
	// Project is the Google Cloud project ID. Required.
	Project string
	// Location is the Vertex AI region. Default: "us-central1".
	Location string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID.
	AccessKey string
	// SecretKey is the AWS secret access key.
	SecretKey string
	// SessionToken is the optional STS session token for temporary credentials.
	SessionToken string
	// Region is the AWS region, e.g. "us-east-1".
	Region string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local mocks.
	EndpointURL string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource URL,
	// e.g. "https://myresource.openai.azure.com".
	Endpoint string
	// APIKey is the Azure OpenAI resource key.
	APIKey string
	// APIVersion is the API version string, e.g. "2024-12-01-preview".
	APIVersion string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	// Example: ["gpt-4o-realtime", "claude-3-haiku"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Client API key mode disabled by default.
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// Router defaults.
	v.SetDefault("ROUTER_MAX_ATTEMPTS", 4)
	v.SetDefault("ROUTER_PER_GATEWAY_CONCURRENCY", 64)
	v.SetDefault("ROUTER_REQUEST_TIMEOUT", "60s")
	v.SetDefault("ROUTER_ATTEMPT_TIMEOUT", "30s")
	v.SetDefault("ROUTER_STREAM_IDLE_TIMEOUT", "20s")

	// Catalog defaults.
	v.SetDefault("CATALOG_TTL", "300s")
	v.SetDefault("CATALOG_STALE_TTL", "1800s")
	v.SetDefault("CATALOG_FETCH_TIMEOUT", "20s")

	// Gate defaults.
	v.SetDefault("GATE_KEY_VERSION", 1)
	v.SetDefault("DEPLOYMENT_ENV", "development")
	v.SetDefault("RATE_LIMIT_DEFAULT_MINUTE", 60)
	v.SetDefault("RATE_LIMIT_DEFAULT_HOUR", 1000)
	v.SetDefault("RATE_LIMIT_DEFAULT_DAY", 10000)
	v.SetDefault("RATE_LIMIT_DEFAULT_CONCURRENT", 10)

	// Trial defaults.
	v.SetDefault("TRIAL_DEFAULT_CREDITS", "5.00")
	v.SetDefault("TRIAL_DEFAULT_TOKENS", 1000000)
	v.SetDefault("TRIAL_DEFAULT_REQUESTS", 1000)
	v.SetDefault("TRIAL_DEFAULT_DAYS", 14)
	v.SetDefault("REFERRAL_REWARD_CREDITS", "2.00")

	// Postgres defaults.
	v.SetDefault("POSTGRES_MAX_CONNS", 10)

	// ClickHouse defaults.
	v.SetDefault("CLICKHOUSE_DATABASE", "gateway_analytics")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:   ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},

		// OpenAI-compatible providers
		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY")},
		DeepSeek:   ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY")},
		Groq:       ProviderConfig{APIKey: v.GetString("GROQ_API_KEY")},
		Together:   ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY")},
		Perplexity: ProviderConfig{APIKey: v.GetString("PERPLEXITY_API_KEY")},
		Cerebras:   ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY")},
		Moonshot:   ProviderConfig{APIKey: v.GetString("MOONSHOT_API_KEY")},
		MiniMax:    ProviderConfig{APIKey: v.GetString("MINIMAX_API_KEY")},
		Qwen:       ProviderConfig{APIKey: v.GetString("QWEN_API_KEY")},
		Nebius:     ProviderConfig{APIKey: v.GetString("NEBIUS_API_KEY")},
		NovitaAI:   ProviderConfig{APIKey: v.GetString("NOVITA_API_KEY")},
		ByteDance:  ProviderConfig{APIKey: v.GetString("BYTEDANCE_API_KEY")},
		ZAI:        ProviderConfig{APIKey: v.GetString("ZAI_API_KEY")},
		CanopyWave: ProviderConfig{APIKey: v.GetString("CANOPYWAVE_API_KEY")},
		Inference:  ProviderConfig{APIKey: v.GetString("INFERENCE_API_KEY")},
		NanoGPT:    ProviderConfig{APIKey: v.GetString("NANOGPT_API_KEY")},

		// Aggregators and gateway-of-gateways.
		OpenRouter:  ProviderConfig{APIKey: v.GetString("OPENROUTER_API_KEY"), BaseURL: v.GetString("OPENROUTER_BASE_URL")},
		Portkey:     ProviderConfig{APIKey: v.GetString("PORTKEY_API_KEY"), BaseURL: v.GetString("PORTKEY_BASE_URL")},
		Fireworks:   ProviderConfig{APIKey: v.GetString("FIREWORKS_API_KEY")},
		Chutes:      ProviderConfig{APIKey: v.GetString("CHUTES_API_KEY")},
		Featherless: ProviderConfig{APIKey: v.GetString("FEATHERLESS_API_KEY")},
		DeepInfra:   ProviderConfig{APIKey: v.GetString("DEEPINFRA_API_KEY")},
		HuggingFace: HuggingFaceConfig{
			APIKey:     v.GetString("HUGGINGFACE_API_KEY"),
			FetchSorts: v.GetStringSlice("HUGGINGFACE_FETCH_SORTS"),
		},
		VercelAI: ProviderConfig{APIKey: v.GetString("VERCEL_AI_API_KEY")},
		Fal:      ProviderConfig{APIKey: v.GetString("FAL_API_KEY")},
		Near:     ProviderConfig{APIKey: v.GetString("NEAR_API_KEY")},
		AIMO:     ProviderConfig{APIKey: v.GetString("AIMO_API_KEY")},

		// Google Vertex AI
		VertexAI: VertexAIConfig{
			Project:  v.GetString("VERTEX_PROJECT"),
			Location: v.GetString("VERTEX_LOCATION"),
		},

		// AWS Bedrock
		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		// Azure OpenAI
		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Postgres: PostgresConfig{
			DSN:      v.GetString("POSTGRES_DSN"),
			MaxConns: int32(v.GetInt("POSTGRES_MAX_CONNS")),
		},

		ClickHouse: ClickHouseConfig{
			DSN:      v.GetString("CLICKHOUSE_URL"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
		},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Router: RouterConfig{
			MaxAttempts:           v.GetInt("ROUTER_MAX_ATTEMPTS"),
			PerGatewayConcurrency: v.GetInt("ROUTER_PER_GATEWAY_CONCURRENCY"),
			RequestTimeout:        v.GetDuration("ROUTER_REQUEST_TIMEOUT"),
			AttemptTimeout:        v.GetDuration("ROUTER_ATTEMPT_TIMEOUT"),
			StreamIdleTimeout:     v.GetDuration("ROUTER_STREAM_IDLE_TIMEOUT"),
		},

		Catalog: CatalogConfig{
			TTL:          v.GetDuration("CATALOG_TTL"),
			StaleTTL:     v.GetDuration("CATALOG_STALE_TTL"),
			FetchTimeout: v.GetDuration("CATALOG_FETCH_TIMEOUT"),
		},

		Gate: GateConfig{
			HashSalt:                   v.GetString("GATE_HASH_SALT"),
			KeyVersion:                 v.GetInt("GATE_KEY_VERSION"),
			Keyring:                    parseKeyring(v),
			DeploymentEnv:              v.GetString("DEPLOYMENT_ENV"),
			DefaultRateLimitMinute:     v.GetInt("RATE_LIMIT_DEFAULT_MINUTE"),
			DefaultRateLimitHour:       v.GetInt("RATE_LIMIT_DEFAULT_HOUR"),
			DefaultRateLimitDay:        v.GetInt("RATE_LIMIT_DEFAULT_DAY"),
			DefaultRateLimitConcurrent: v.GetInt("RATE_LIMIT_DEFAULT_CONCURRENT"),
			PerimeterAllowlist:         v.GetStringSlice("GATE_PERIMETER_ALLOWLIST"),
		},

		Trial: TrialConfig{
			DefaultCredits:        v.GetString("TRIAL_DEFAULT_CREDITS"),
			DefaultTokens:         v.GetInt("TRIAL_DEFAULT_TOKENS"),
			DefaultRequests:       v.GetInt("TRIAL_DEFAULT_REQUESTS"),
			DefaultDays:           v.GetInt("TRIAL_DEFAULT_DAYS"),
			ReferralRewardCredits: v.GetString("REFERRAL_REWARD_CREDITS"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured unless client-supplied keys are enabled.
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, " +
				"PERPLEXITY_API_KEY, CEREBRAS_API_KEY, MOONSHOT_API_KEY, MINIMAX_API_KEY, " +
				"QWEN_API_KEY, NEBIUS_API_KEY, NOVITA_API_KEY, BYTEDANCE_API_KEY, " +
				"ZAI_API_KEY, CANOPYWAVE_API_KEY, INFERENCE_API_KEY, NANOGPT_API_KEY, " +
				"VERTEX_PROJECT, AWS_ACCESS_KEY_ID, or AZURE_OPENAI_API_KEY). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Perplexity.APIKey != "" ||
		c.Cerebras.APIKey != "" ||
		c.Moonshot.APIKey != "" ||
		c.MiniMax.APIKey != "" ||
		c.Qwen.APIKey != "" ||
		c.Nebius.APIKey != "" ||
		c.NovitaAI.APIKey != "" ||
		c.ByteDance.APIKey != "" ||
		c.ZAI.APIKey != "" ||
		c.CanopyWave.APIKey != "" ||
		c.Inference.APIKey != "" ||
		c.NanoGPT.APIKey != "" ||
		c.OpenRouter.APIKey != "" ||
		c.Portkey.APIKey != "" ||
		c.Fireworks.APIKey != "" ||
		c.Chutes.APIKey != "" ||
		c.Featherless.APIKey != "" ||
		c.DeepInfra.APIKey != "" ||
		c.HuggingFace.APIKey != "" ||
		c.VercelAI.APIKey != "" ||
		c.Fal.APIKey != "" ||
		c.Near.APIKey != "" ||
		c.AIMO.APIKey != "" ||
		c.VertexAI.Project != "" ||
		c.Bedrock.AccessKey != "" ||
		c.Azure.APIKey != ""
}

// parseKeyring collects KEYRING_<n> env vars into a version->key map. Only
// versions actually set are present; GATE_KEY_VERSION selects which one
// encrypts newly issued keys, but any present version can still decrypt.
func parseKeyring(v *viper.Viper) map[int]string {
	keyring := make(map[int]string)
	for i := 1; i <= 8; i++ {
		key := v.GetString(fmt.Sprintf("KEYRING_%d", i))
		if key != "" {
			keyring[i] = key
		}
	}
	return keyring
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
