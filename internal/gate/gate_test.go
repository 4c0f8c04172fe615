package gate

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/relaypoint/gateway/internal/ratelimit"
	"github.com/relaypoint/gateway/internal/store/postgres"
)

func TestHashKey_Deterministic(t *testing.T) {
	g := &Gate{cfg: Config{HashSalt: "salt-1"}}
	a := g.HashKey("rp-abc123")
	b := g.HashKey("rp-abc123")
	if a != b {
		t.Fatalf("HashKey must be deterministic: %q != %q", a, b)
	}
}

func TestHashKey_DifferentSaltDifferentHash(t *testing.T) {
	a := (&Gate{cfg: Config{HashSalt: "salt-1"}}).HashKey("rp-abc123")
	b := (&Gate{cfg: Config{HashSalt: "salt-2"}}).HashKey("rp-abc123")
	if a == b {
		t.Error("different salts must produce different lookup hashes")
	}
}

func TestHashKey_DifferentKeyDifferentHash(t *testing.T) {
	g := &Gate{cfg: Config{HashSalt: "salt-1"}}
	if g.HashKey("rp-one") == g.HashKey("rp-two") {
		t.Error("different raw keys must hash to different values")
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required Scope
		want     bool
	}{
		{"exact match", []string{"inference"}, ScopeInference, true},
		{"missing scope", []string{"models"}, ScopeInference, false},
		{"admin grants everything", []string{"admin"}, ScopeInference, true},
		{"empty grant", nil, ScopeInference, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := hasScope(tc.granted, tc.required); got != tc.want {
				t.Errorf("hasScope(%v, %q) = %v, want %v", tc.granted, tc.required, got, tc.want)
			}
		})
	}
}

func TestPerimeterAllowed_EmptyAllowlistAllowsAll(t *testing.T) {
	g := &Gate{cfg: Config{}}
	if !g.perimeterAllowed(RequestMeta{ClientAddr: "1.2.3.4"}, &postgres.APIKey{}) {
		t.Error("an empty allowlist must allow every client")
	}
}

func TestPerimeterAllowed_RestrictsToList(t *testing.T) {
	g := &Gate{cfg: Config{PerimeterAllowlist: []string{"10.0.0.1"}}}
	if !g.perimeterAllowed(RequestMeta{ClientAddr: "10.0.0.1"}, &postgres.APIKey{}) {
		t.Error("an allowlisted address must be allowed")
	}
	if g.perimeterAllowed(RequestMeta{ClientAddr: "10.0.0.2"}, &postgres.APIKey{}) {
		t.Error("a non-allowlisted address must be rejected")
	}
}

func TestPerimeterAllowed_PerKeyAllowlistNarrows(t *testing.T) {
	g := &Gate{cfg: Config{}}
	key := &postgres.APIKey{IPAllowlist: []string{"10.0.0.1"}}
	if !g.perimeterAllowed(RequestMeta{ClientAddr: "10.0.0.1"}, key) {
		t.Error("an address on the key's own allowlist must be allowed")
	}
	if g.perimeterAllowed(RequestMeta{ClientAddr: "10.0.0.2"}, key) {
		t.Error("an address off the key's own allowlist must be rejected")
	}
}

func TestEffectiveLimits_DefaultsWhenNoOverride(t *testing.T) {
	g := &Gate{cfg: Config{DefaultLimits: ratelimit.Limits{PerMinute: 60, PerHour: 1000, PerDay: 10000, Concurrent: 4}}}
	limits := g.effectiveLimits(&postgres.APIKey{})
	if limits.PerMinute != 60 || limits.Concurrent != 4 {
		t.Errorf("expected defaults to apply, got %+v", limits)
	}
}

func TestEffectiveLimits_PerKeyOverride(t *testing.T) {
	g := &Gate{cfg: Config{DefaultLimits: ratelimit.Limits{PerMinute: 60, Concurrent: 4}}}
	override := 5
	limits := g.effectiveLimits(&postgres.APIKey{RateLimitMinute: &override})
	if limits.PerMinute != 5 {
		t.Errorf("want per-key override 5, got %d", limits.PerMinute)
	}
	if limits.Concurrent != 4 {
		t.Errorf("want unoverridden default to survive, got %d", limits.Concurrent)
	}
}

func TestAdmit_EmptyKeyIsUnauthenticated(t *testing.T) {
	g := New(nil, nil, Config{})
	_, err := g.Admit(nil, "", ScopeInference, RequestMeta{ClientAddr: "127.0.0.1"})
	if err != ErrUnauthenticated {
		t.Errorf("want ErrUnauthenticated, got %v", err)
	}
}

func TestGenerateAPIKey_EmbedsDeploymentEnv(t *testing.T) {
	g := &Gate{cfg: Config{DeploymentEnv: "prod"}}
	key, err := g.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(key, "gw_prod_") {
		t.Errorf("want a gw_prod_ prefixed key, got %q", key)
	}
}

func TestValidEnvironment(t *testing.T) {
	g := &Gate{cfg: Config{DeploymentEnv: "prod"}}
	if !g.validEnvironment("gw_prod_abc123") {
		t.Error("a key tagged with the matching environment must be valid")
	}
	if g.validEnvironment("gw_staging_abc123") {
		t.Error("a key tagged with a different environment must be rejected")
	}
	if g.validEnvironment("not-a-gw-key") {
		t.Error("a malformed key must be rejected")
	}
}

func TestValidEnvironment_EmptyDeploymentEnvDisablesCheck(t *testing.T) {
	g := &Gate{cfg: Config{}}
	if !g.validEnvironment("anything-at-all") {
		t.Error("an unset DeploymentEnv must disable the environment check entirely")
	}
}

func TestAdmit_RejectsMismatchedEnvironment(t *testing.T) {
	g := New(nil, nil, Config{DeploymentEnv: "prod"})
	_, err := g.Admit(nil, "gw_staging_abc123", ScopeInference, RequestMeta{ClientAddr: "127.0.0.1"})
	if err != ErrForbidden {
		t.Errorf("want ErrForbidden for a mismatched environment, got %v", err)
	}
}

func TestRateLimitError_MatchesSentinelViaErrorsIs(t *testing.T) {
	var err error = &RateLimitError{RetryAfter: 12 * time.Second}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("expected errors.Is(err, ErrRateLimited) to hold for a *RateLimitError")
	}

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatal("expected errors.As to unwrap the RetryAfter duration")
	}
	if rle.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", rle.RetryAfter)
	}
}
