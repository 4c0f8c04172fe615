package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/relaypoint/gateway/internal/accounting"
	"github.com/relaypoint/gateway/internal/analytics"
	npCache "github.com/relaypoint/gateway/internal/cache"
	"github.com/relaypoint/gateway/internal/catalog"
	"github.com/relaypoint/gateway/internal/gate"
	"github.com/relaypoint/gateway/internal/metrics"
	"github.com/relaypoint/gateway/internal/proxy"
	"github.com/relaypoint/gateway/internal/ratelimit"
	"github.com/relaypoint/gateway/internal/store/postgres"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured; config.validate() checks this unless ALLOW_CLIENT_API_KEYS is
// set, and an empty provider map is rejected here in every case.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initBilling builds the catalog, and — when Postgres is configured — the
// store, rate-limit gate, and accountant that together admit and bill
// requests. Every piece is optional: a deployment with no POSTGRES_DSN set
// serves catalog reads and (per AllowClientAPIKeys) proxies requests without
// admission or billing at all.
func (a *App) initBilling(ctx context.Context) error {
	a.cat = catalog.New(a.provs, a.cfg.Catalog.TTL, a.cfg.Catalog.StaleTTL, a.cfg.Catalog.FetchTimeout, a.log)

	if a.cfg.Postgres.DSN == "" {
		a.log.Info("postgres not configured — admission and billing disabled")
		return nil
	}

	store, err := postgres.Open(ctx, a.cfg.Postgres.DSN, a.cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return fmt.Errorf("postgres migrate: %w", err)
	}
	a.store = store
	a.log.Info("postgres connected")

	sink, err := analytics.Open(ctx, a.cfg.ClickHouse.DSN, a.cfg.ClickHouse.Database)
	if err != nil {
		a.log.Error("clickhouse disabled", slog.String("error", err.Error()))
	} else {
		a.sink = sink
		if sink != nil {
			a.log.Info("clickhouse analytics enabled")
		}
	}

	if a.rdb != nil {
		a.keyLimiter = ratelimit.NewKeyLimiter(a.rdb)
	}

	gt := gate.New(a.store, a.keyLimiter, gate.Config{
		HashSalt:      a.cfg.Gate.HashSalt,
		DeploymentEnv: a.cfg.Gate.DeploymentEnv,
		DefaultLimits: ratelimit.Limits{
			PerMinute:  a.cfg.Gate.DefaultRateLimitMinute,
			PerHour:    a.cfg.Gate.DefaultRateLimitHour,
			PerDay:     a.cfg.Gate.DefaultRateLimitDay,
			Concurrent: a.cfg.Gate.DefaultRateLimitConcurrent,
		},
		PerimeterAllowlist: a.cfg.Gate.PerimeterAllowlist,
		KeyVersion:         a.cfg.Gate.KeyVersion,
		Keyring:            a.cfg.Gate.Keyring,
	})

	acct := accounting.New(a.store, a.cat, a.sink)

	a.gt = gt
	a.acct = acct

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:                      a.log,
		MaxRetries:                  a.cfg.Failover.MaxRetries,
		ProviderTimeout:             a.cfg.Failover.ProviderTimeout,
		CacheTTL:                    a.cfg.Cache.TTL,
		Metrics:                     a.prom,
		AllowClientAPIKeys:          a.cfg.AllowClientAPIKeys,
		RouterMaxAttempts:           a.cfg.Router.MaxAttempts,
		RouterPerGatewayConcurrency: a.cfg.Router.PerGatewayConcurrency,
		RouterRequestTimeout:        a.cfg.Router.RequestTimeout,
		RouterAttemptTimeout:        a.cfg.Router.AttemptTimeout,
		RouterStreamIdleTimeout:     a.cfg.Router.StreamIdleTimeout,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Billing/admission stack — every argument is nil-safe.
	gw.SetBillingStack(a.gt, a.acct, a.cat, a.store)

	trialCredits, err := decimal.NewFromString(a.cfg.Trial.DefaultCredits)
	if err != nil {
		return fmt.Errorf("trial default credits: %w", err)
	}
	gw.SetTrialDefaults(trialCredits, int64(a.cfg.Trial.DefaultTokens), a.cfg.Trial.DefaultRequests, a.cfg.Trial.DefaultDays)

	referralReward, err := decimal.NewFromString(a.cfg.Trial.ReferralRewardCredits)
	if err != nil {
		return fmt.Errorf("referral reward credits: %w", err)
	}
	gw.SetReferralReward(referralReward)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
