// Package gate is the request admission perimeter: it resolves a raw API
// key to its owning account, checks scopes and an optional IP/referrer
// allowlist, enforces per-key rate limits, and verifies the account has
// either a live trial allowance or a sufficient paid balance before a
// request is allowed to reach the router.
package gate

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaypoint/gateway/internal/ratelimit"
	"github.com/relaypoint/gateway/internal/store/postgres"
)

// keyEnvPrefix is the fixed literal every issued key begins with, followed
// by the issuing process's environment tag: gw_{env}_{opaque}.
const keyEnvPrefix = "gw"

// Reason codes returned by Admit's error, distinguishing why a request was
// rejected so the HTTP layer can map to the right status/code without
// re-deriving the classification.
var (
	ErrUnauthenticated   = errors.New("gate: unauthenticated")
	ErrForbidden         = errors.New("gate: forbidden")
	ErrRateLimited       = errors.New("gate: rate limited")
	ErrTrialExhausted    = errors.New("gate: trial exhausted")
	ErrInsufficientFunds = errors.New("gate: insufficient funds")
	ErrKeyExpired        = errors.New("gate: key expired")
	ErrKeyExhausted      = errors.New("gate: key request cap exhausted")
)

// RateLimitError wraps ErrRateLimited with the Retry-After duration the HTTP
// layer should advertise, derived from the rejecting window's remainder.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return ErrRateLimited.Error() }

// Is lets errors.Is(err, ErrRateLimited) succeed against a *RateLimitError,
// so callers that only care about the reason code don't need to know about
// this type.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Scope is a capability an API key can be granted, checked against the
// route being accessed.
type Scope string

const (
	ScopeInference Scope = "inference"
	ScopeModels    Scope = "models"
	ScopeAdmin     Scope = "admin"
)

// Config carries the deployment-wide settings Admit needs: the hash salt
// used to derive lookup hashes, this process's environment tag, and the
// default rate-limit ceilings applied when a key has no explicit override.
type Config struct {
	HashSalt      string
	DeploymentEnv string
	DefaultLimits ratelimit.Limits
	// PerimeterAllowlist, when non-empty, restricts requests to these
	// client addresses gate-wide. Empty means no restriction. A key's
	// own IPAllowlist/ReferrerAllowlist, if set, is checked in addition.
	PerimeterAllowlist []string
	// KeyVersion is the keyring entry used to encrypt newly issued keys.
	// Keyring maps version -> passphrase; version 0 is reserved for
	// plaintext storage (no encryption configured).
	KeyVersion int
	Keyring    map[int]string
}

// RequestMeta carries the per-request perimeter facts Admit checks against
// a key's allowlists: the client's address and the Referer header, if any.
type RequestMeta struct {
	ClientAddr string
	Referrer   string
}

// Permit is the admitted-request handle returned by Admit. Callers MUST
// call Release when the request completes, to free the concurrency slot
// acquired during admission.
type Permit struct {
	UserID   int64
	APIKeyID int64
	Scopes   []string
	IsTrial  bool

	keyID string
}

// Gate ties together the Postgres store (identity/billing truth) and the
// Redis-backed KeyLimiter (rate/concurrency enforcement).
type Gate struct {
	store   *postgres.Store
	limiter *ratelimit.KeyLimiter
	cfg     Config
}

// New builds a Gate. limiter may be nil — in that case rate/concurrency
// checks are skipped entirely (e.g. local development with CACHE_MODE=memory
// and no Redis configured).
func New(store *postgres.Store, limiter *ratelimit.KeyLimiter, cfg Config) *Gate {
	return &Gate{store: store, limiter: limiter, cfg: cfg}
}

// GenerateAPIKey mints a new raw key of the form gw_{env}_{opaque}, where
// {env} is this Gate's configured DeploymentEnv. Admit rejects a key whose
// env segment doesn't match the serving process's own tag, so a key minted
// against production is refused by a staging deployment and vice versa.
func (g *Gate) GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%s", keyEnvPrefix, g.cfg.DeploymentEnv, hex.EncodeToString(buf)), nil
}

// validEnvironment checks the gw_{env}_ prefix of a presented raw key
// against this Gate's DeploymentEnv. An empty DeploymentEnv disables the
// check (single-environment deployments need not tag their keys).
func (g *Gate) validEnvironment(rawKey string) bool {
	if g.cfg.DeploymentEnv == "" {
		return true
	}
	parts := strings.SplitN(rawKey, "_", 3)
	return len(parts) == 3 && parts[0] == keyEnvPrefix && parts[1] == g.cfg.DeploymentEnv
}

// HashKey derives the deterministic lookup hash for a raw API key. The same
// function is used at issuance time (api_keys.lookup_hash) and at admission
// time, so a byte-identical raw key always resolves to the same row without
// ever needing to decrypt anything to find it.
func (g *Gate) HashKey(rawKey string) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.HashSalt))
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// Admit runs the full admission pipeline for one inbound request: check key
// environment → resolve credential → check scope → check expiry → check
// perimeter → check request cap → check rate limit → acquire a concurrency
// slot → check trial/credit (a rejection here releases the slot again).
// On success it returns a Permit; the caller must call Release(permit) once
// the request finishes, win or lose.
func (g *Gate) Admit(ctx context.Context, rawKey string, required Scope, meta RequestMeta) (*Permit, error) {
	if rawKey == "" {
		return nil, ErrUnauthenticated
	}
	if !g.validEnvironment(rawKey) {
		return nil, ErrForbidden
	}

	key, err := g.store.GetAPIKeyByLookupHash(ctx, g.HashKey(rawKey))
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("gate: resolve key: %w", err)
	}

	if !hasScope(key.Scopes, required) {
		return nil, ErrForbidden
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	if !g.perimeterAllowed(meta, key) {
		return nil, ErrForbidden
	}

	if key.MaxRequests != nil {
		if err := g.store.ReserveKeyRequest(ctx, key.ID); err != nil {
			if errors.Is(err, postgres.ErrKeyExhausted) {
				return nil, ErrKeyExhausted
			}
			return nil, fmt.Errorf("gate: reserve key request: %w", err)
		}
	}

	limits := g.effectiveLimits(key)
	if g.limiter != nil {
		keyID := fmt.Sprintf("%d", key.ID)

		verdict, err := g.limiter.CheckWindows(ctx, keyID, limits)
		if err == nil && !verdict.Allowed {
			return nil, &RateLimitError{RetryAfter: verdict.RetryAfter}
		}

		ok, err := g.limiter.AcquireConcurrency(ctx, keyID, limits.Concurrent)
		if err == nil && !ok {
			return nil, &RateLimitError{RetryAfter: time.Second}
		}
	}

	user, err := g.store.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("gate: load user: %w", err)
	}

	if user.IsTrial {
		grant, err := g.store.GetTrialGrant(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("gate: load trial grant: %w", err)
		}
		if grant.Exhausted(time.Now()) {
			g.releaseConcurrency(ctx, key.ID)
			return nil, ErrTrialExhausted
		}
	} else if user.Balance.Sign() <= 0 {
		g.releaseConcurrency(ctx, key.ID)
		return nil, ErrInsufficientFunds
	}

	return &Permit{
		UserID:   user.ID,
		APIKeyID: key.ID,
		Scopes:   key.Scopes,
		IsTrial:  user.IsTrial,
		keyID:    fmt.Sprintf("%d", key.ID),
	}, nil
}

// Release frees the concurrency slot acquired by Admit. Safe to call once
// per successful Admit call; a nil permit is a no-op.
func (g *Gate) Release(ctx context.Context, p *Permit) {
	if p == nil || g.limiter == nil {
		return
	}
	_ = g.limiter.ReleaseConcurrency(ctx, p.keyID)
}

func (g *Gate) releaseConcurrency(ctx context.Context, keyID int64) {
	if g.limiter == nil {
		return
	}
	_ = g.limiter.ReleaseConcurrency(ctx, fmt.Sprintf("%d", keyID))
}

func (g *Gate) effectiveLimits(key *postgres.APIKey) ratelimit.Limits {
	limits := g.cfg.DefaultLimits
	if key.RateLimitMinute != nil {
		limits.PerMinute = *key.RateLimitMinute
	}
	if key.RateLimitHour != nil {
		limits.PerHour = *key.RateLimitHour
	}
	if key.RateLimitDay != nil {
		limits.PerDay = *key.RateLimitDay
	}
	if key.RateLimitConcurrent != nil {
		limits.Concurrent = *key.RateLimitConcurrent
	}
	return limits
}

// perimeterAllowed checks the gate-wide allowlist first (empty means
// unrestricted), then the key's own IP and referrer allowlists, if it has
// any (empty means unrestricted for that dimension too). A key's allowlist
// narrows access further than the gate-wide one; it never widens it.
func (g *Gate) perimeterAllowed(meta RequestMeta, key *postgres.APIKey) bool {
	if !matchesAllowlist(g.cfg.PerimeterAllowlist, meta.ClientAddr) {
		return false
	}
	if !matchesAllowlist(key.IPAllowlist, meta.ClientAddr) {
		return false
	}
	if !matchesAllowlist(key.ReferrerAllowlist, meta.Referrer) {
		return false
	}
	return true
}

func matchesAllowlist(allowlist []string, value string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, allowed := range allowlist {
		if allowed == value {
			return true
		}
	}
	return false
}

func hasScope(granted []string, required Scope) bool {
	for _, s := range granted {
		if s == string(required) || s == string(ScopeAdmin) {
			return true
		}
	}
	return false
}
