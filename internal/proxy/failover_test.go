package proxy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaypoint/gateway/internal/providers"
)

func TestRequestWithFailover_PrimarySuccess(t *testing.T) {
	var callCount int32
	primary := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return &providers.ProxyResponse{
				ID: "ok", Model: req.Model, Content: "response",
			}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": primary,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-primary",
	}

	resp, usedProv, trace, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai"}}, "chat_completions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usedProv != "openai" {
		t.Errorf("expected provider=openai, got %s", usedProv)
	}
	if resp.Content != "response" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("primary should be called exactly once, got %d", callCount)
	}
	if len(trace) != 1 || trace[0].Classification != providers.ClassOK {
		t.Errorf("expected single ok attempt in trace, got %+v", trace)
	}
}

func TestRequestWithFailover_FallbackOnFailure(t *testing.T) {
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: 500, msg: "internal error"}
		},
	}
	fallback := &funcProvider{
		name: "anthropic",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{
				ID: "fallback", Model: req.Model, Content: "from anthropic",
			}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai":    failing,
		"anthropic": fallback,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-fallback",
	}

	resp, usedProv, _, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai", "anthropic"}}, "chat_completions")
	if err != nil {
		t.Fatalf("expected successful failover, got: %v", err)
	}
	if usedProv != "anthropic" {
		t.Errorf("expected provider=anthropic, got %s", usedProv)
	}
	if resp.Content != "from anthropic" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
}

func TestRequestWithFailover_AllProvidersFail(t *testing.T) {
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: 500, msg: "down"}
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": failing,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-allfail",
	}

	_, _, _, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai"}}, "chat_completions")
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
}

// A 401 carries no information a different gateway can fix on its own, but
// it also isn't evidence the request itself is malformed — so the engine
// still tries the next gateway in the plan rather than aborting outright.
func TestRequestWithFailover_AuthFallsOverToNextGateway(t *testing.T) {
	var callCount int32
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return nil, &providerError{status: 401, msg: "unauthorized"}
		},
	}
	fallback := &funcProvider{
		name: "anthropic",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return &providers.ProxyResponse{ID: "x", Model: "x", Content: "x"}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai":    failing,
		"anthropic": fallback,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-auth",
	}

	resp, usedProv, trace, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai", "anthropic"}}, "chat_completions")
	if err != nil {
		t.Fatalf("expected fallback past auth failure, got: %v", err)
	}
	if usedProv != "anthropic" {
		t.Errorf("expected fallback to anthropic, got %s", usedProv)
	}
	if resp == nil {
		t.Fatal("expected non-nil response")
	}
	if atomic.LoadInt32(&callCount) != 2 {
		t.Errorf("expected both gateways attempted, got %d calls", callCount)
	}
	if len(trace) != 2 || trace[0].Classification != providers.ClassAuth {
		t.Errorf("expected trace[0]=auth, got %+v", trace)
	}
}

// bad_request/content_filter/context_too_long are surfaced immediately: no
// same-gateway retry, and no fallback to a gateway that would see the exact
// same malformed request.
func TestRequestWithFailover_BadRequestSurfacesImmediately(t *testing.T) {
	var callCount int32
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return nil, &providerError{status: 400, msg: "bad request"}
		},
	}
	shouldNotBeCalled := &funcProvider{
		name: "anthropic",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return &providers.ProxyResponse{ID: "x", Model: "x", Content: "x"}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai":    failing,
		"anthropic": shouldNotBeCalled,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-badreq",
	}

	_, _, _, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai", "anthropic"}}, "chat_completions")
	if err == nil {
		t.Fatal("expected error for bad request")
	}
	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("expected exactly 1 call (no retry, no fallback), got %d", callCount)
	}
}

// rate_limited retries the same gateway up to rateLimitedRetries times
// before giving up on it.
func TestRequestWithFailover_RateLimitedRetriesSameGateway(t *testing.T) {
	var callCount int32
	limited := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			n := atomic.AddInt32(&callCount, 1)
			if n == 3 {
				return &providers.ProxyResponse{ID: "ok", Model: "gpt-4o", Content: "recovered"}, nil
			}
			return nil, &providerError{status: 429, msg: "rate limited"}
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": limited,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-ratelimit",
	}

	start := time.Now()
	resp, usedProv, trace, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai"}}, "chat_completions")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected eventual success after retries, got: %v", err)
	}
	if usedProv != "openai" {
		t.Errorf("expected provider=openai, got %s", usedProv)
	}
	if resp.Content != "recovered" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if atomic.LoadInt32(&callCount) != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", callCount)
	}
	if len(trace) != 3 {
		t.Errorf("expected 3 trace entries, got %d", len(trace))
	}
	// First retry backs off ~500ms; a tight loop here would indicate the
	// backoff schedule isn't being honored.
	if elapsed < rateLimitedBackoff0/2 {
		t.Errorf("expected retries to back off, elapsed=%v", elapsed)
	}
}

// Exhausting rate-limited retries on one gateway still falls over to the
// next gateway in the plan.
func TestRequestWithFailover_RateLimitedExhaustsToNextGateway(t *testing.T) {
	limited := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: 429, msg: "rate limited"}
		},
	}
	fallback := &funcProvider{
		name: "anthropic",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{ID: "fallback", Model: req.Model, Content: "from anthropic"}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai":    limited,
		"anthropic": fallback,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-ratelimit-exhaust",
	}

	resp, usedProv, trace, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai", "anthropic"}}, "chat_completions")
	if err != nil {
		t.Fatalf("expected fallback after exhausting retries, got: %v", err)
	}
	if usedProv != "anthropic" {
		t.Errorf("expected fallback to anthropic, got %s", usedProv)
	}
	if resp.Content != "from anthropic" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	// 1 initial + rateLimitedRetries same-gateway attempts on openai, then 1 on anthropic.
	if len(trace) != 1+rateLimitedRetries+1 {
		t.Errorf("expected %d trace entries, got %d: %+v", 1+rateLimitedRetries+1, len(trace), trace)
	}
}

func TestRequestWithFailover_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": &funcProvider{
			name: "openai",
			requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
				return nil, &providerError{status: 500, msg: "down"}
			},
		},
		"anthropic": okProvider("anthropic"),
	}, nil)

	// Trip the circuit breaker for openai.
	for i := 0; i < providers.CBErrorThreshold; i++ {
		gw.cb.RecordFailure("openai")
	}

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-cb-skip",
	}

	resp, usedProv, _, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai", "anthropic"}}, "chat_completions")
	if err != nil {
		t.Fatalf("should fallback past open circuit: %v", err)
	}
	if usedProv != "anthropic" {
		t.Errorf("expected anthropic (openai breaker open), got %s", usedProv)
	}
	if resp == nil {
		t.Fatal("expected non-nil response")
	}
}

// upstream_5xx/network/timeout grant exactly one same-gateway retry for
// non-streaming requests.
func TestRequestWithFailover_Upstream5xxRetriesOnceThenSucceeds(t *testing.T) {
	var callCount int32
	flaky := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			n := atomic.AddInt32(&callCount, 1)
			if n == 1 {
				return nil, &providerError{status: 503, msg: "unavailable"}
			}
			return &providers.ProxyResponse{ID: "ok", Model: req.Model, Content: "recovered"}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": flaky,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-5xx-retry",
		Stream:    false,
	}

	resp, usedProv, _, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai"}}, "chat_completions")
	if err != nil {
		t.Fatalf("expected recovery on same-gateway retry, got: %v", err)
	}
	if usedProv != "openai" {
		t.Errorf("expected provider=openai, got %s", usedProv)
	}
	if resp.Content != "recovered" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if atomic.LoadInt32(&callCount) != 2 {
		t.Errorf("expected exactly 2 attempts (1 + 1 retry), got %d", callCount)
	}
}

// A streaming request gets no same-gateway retry for upstream_5xx — it
// falls over to the next gateway immediately.
func TestRequestWithFailover_Upstream5xxStreamingSkipsRetry(t *testing.T) {
	var callCount int32
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return nil, &providerError{status: 503, msg: "unavailable"}
		},
	}
	fallback := &funcProvider{
		name: "anthropic",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{ID: "fallback", Model: req.Model, Content: "from anthropic"}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai":    failing,
		"anthropic": fallback,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-5xx-stream",
		Stream:    true,
	}

	resp, usedProv, _, err := gw.requestWithFailover(context.Background(), req, routePlan{Gateways: []string{"openai", "anthropic"}}, "chat_completions")
	if err != nil {
		t.Fatalf("expected fallback, got: %v", err)
	}
	if usedProv != "anthropic" {
		t.Errorf("expected fallback to anthropic, got %s", usedProv)
	}
	if resp.Content != "from anthropic" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("expected exactly 1 call to openai (no retry while streaming), got %d", callCount)
	}
}
