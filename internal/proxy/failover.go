package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/relaypoint/gateway/internal/providers"
)

const (
	// rateLimitedRetries is the number of additional same-gateway attempts
	// made after a 429, before falling back to the next gateway.
	rateLimitedRetries = 2
	rateLimitedBackoff0 = 500 * time.Millisecond
	rateLimitedBackoff1 = time.Second
	// rateLimitedJitter is the fractional +/- jitter applied to each backoff.
	rateLimitedJitter = 0.25

	// upstreamRetryBackoff is the fixed pause before the one same-gateway
	// retry granted to a non-streaming 5xx/timeout/network failure.
	upstreamRetryBackoff = 200 * time.Millisecond
)

// requestWithFailover walks plan.Gateways, applying the classification-driven
// retry/fallback policy:
//
//	auth / not_found                    -> no same-gateway retry, try next gateway
//	rate_limited                        -> same-gateway retry up to rateLimitedRetries
//	                                        times with backoff+jitter, then next gateway
//	bad_request / context_too_long /
//	content_filter                      -> surfaced immediately, no retry at all
//	upstream_5xx / network / timeout    -> one same-gateway retry unless streaming,
//	                                        then next gateway
//	unknown                             -> no same-gateway retry, try next gateway
//
// It returns the successful response, the gateway that served it, and the
// full AttemptTrace for billing/observability — or a nil response and error
// once every gateway in the plan is exhausted. That error wraps the most
// informative failure seen (rate_limited > upstream_5xx > timeout > network),
// or the last failure when none of those occurred.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ProxyRequest,
	plan routePlan,
	route string,
) (*providers.ProxyResponse, string, providers.AttemptTrace, error) {
	primary := ""
	if len(plan.Gateways) > 0 {
		primary = plan.Gateways[0]
	}

	var trace providers.AttemptTrace
	var lastErr error
	errByClass := map[providers.Classification]error{}
	prevGateway := ""

	for _, name := range plan.Gateways {
		prov, ok := g.providers[name]
		if !ok {
			continue // gateway not configured, skip
		}

		if g.cb != nil && !g.cb.Allow(name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
			}
			continue
		}

		if prevGateway != "" && prevGateway != name && g.metrics != nil {
			g.metrics.RecordFailover(primary, prevGateway, name, string(lastClass(trace)))
		}

		resp, class, latencyMs, err := g.attemptGateway(ctx, prov, name, req, route)
		trace = append(trace, providers.Attempt{Gateway: name, Classification: class, LatencyMs: latencyMs})

		if err == nil {
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", name),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess(primary, name)
				}
			}
			return resp, name, trace, nil
		}

		lastErr = err
		errByClass[class] = err
		prevGateway = name

		switch class {
		case providers.ClassBadRequest, providers.ClassContextTooLong, providers.ClassContentFilter:
			// Surfaced immediately — a different gateway won't change a
			// malformed request or a policy rejection.
			if g.metrics != nil {
				g.metrics.RecordFailoverExhausted(primary)
			}
			return nil, "", trace, err

		case providers.ClassRateLimited:
			resp, retryErr, retryClass, retryLatency := g.retrySameGateway(ctx, prov, name, req, route, rateLimitedRetries, rateLimitedBackoffSchedule)
			trace = append(trace, retryLatency...)
			if retryErr == nil {
				return resp, name, trace, nil
			}
			lastErr = retryErr
			errByClass[retryClass] = retryErr

		case providers.ClassUpstream5xx, providers.ClassNetwork, providers.ClassTimeout:
			if !req.Stream {
				resp, retryErr, retryClass, retryLatency := g.retrySameGateway(ctx, prov, name, req, route, 1, func(int) time.Duration { return upstreamRetryBackoff })
				trace = append(trace, retryLatency...)
				if retryErr == nil {
					return resp, name, trace, nil
				}
				lastErr = retryErr
				errByClass[retryClass] = retryErr
			}
		}
	}

	for _, c := range []providers.Classification{providers.ClassRateLimited, providers.ClassUpstream5xx, providers.ClassTimeout, providers.ClassNetwork} {
		if e := errByClass[c]; e != nil {
			lastErr = e
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no gateways available")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, "", trace, fmt.Errorf("failover: all gateways failed after %d attempt(s): %w", len(trace), lastErr)
}

// retrySameGateway retries prov up to maxRetries additional times, sleeping
// backoff(attemptIndex) (already jittered by the caller's schedule function)
// between tries. Returns the first success, or the last error alongside the
// attempts made so the caller can fold them into the trace.
func (g *Gateway) retrySameGateway(
	ctx context.Context,
	prov providers.Provider,
	name string,
	req *providers.ProxyRequest,
	route string,
	maxRetries int,
	backoff func(attempt int) time.Duration,
) (*providers.ProxyResponse, error, providers.Classification, providers.AttemptTrace) {
	var trace providers.AttemptTrace
	var lastErr error
	var lastClass providers.Classification

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err(), providers.ClassTimeout, trace
		case <-time.After(backoff(attempt)):
		}

		resp, class, latencyMs, err := g.attemptGateway(ctx, prov, name, req, route)
		trace = append(trace, providers.Attempt{Gateway: name, Classification: class, LatencyMs: latencyMs})
		if err == nil {
			return resp, nil, providers.ClassOK, trace
		}
		lastErr = err
		lastClass = class
	}
	return nil, lastErr, lastClass, trace
}

// attemptGateway makes one bounded attempt against prov, acquiring the
// per-gateway concurrency slot first so a single gateway can't be
// overwhelmed by a burst of failovers converging on it.
func (g *Gateway) attemptGateway(
	ctx context.Context,
	prov providers.Provider,
	name string,
	req *providers.ProxyRequest,
	route string,
) (*providers.ProxyResponse, providers.Classification, int64, error) {
	release, err := g.acquireGatewaySlot(ctx, name)
	if err != nil {
		return nil, providers.ClassTimeout, 0, err
	}
	defer release()

	attemptReq := *req
	attemptReq.GatewayHint = name

	attemptCtx := ctx
	if g.routerAttemptTimeout > 0 && !req.Stream {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.routerAttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := prov.Request(attemptCtx, &attemptReq)
	latencyMs := time.Since(start).Milliseconds()

	class := classifyAttempt(err)

	if g.metrics != nil {
		if err == nil {
			g.metrics.ObserveUpstreamAttempt(name, route, "success", time.Since(start))
		} else {
			g.metrics.ObserveUpstreamAttempt(name, route, string(class), time.Since(start))
			g.metrics.RecordError(name, string(class))
		}
	}

	if g.cb != nil {
		if err == nil {
			g.cb.RecordSuccess(name)
		} else {
			g.cb.RecordFailure(name)
		}
		if g.metrics != nil {
			g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
		}
	}

	if err != nil {
		g.log.WarnContext(ctx, "gateway_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("gateway", name),
			slog.String("classification", string(class)),
			slog.Int64("latency_ms", latencyMs),
			slog.String("error", err.Error()),
		)
	}

	return resp, class, latencyMs, err
}

// acquireGatewaySlot blocks until a per-gateway concurrency slot is free or
// ctx is done. Gateways with no configured semaphore (PerGatewayConcurrency
// disabled) always succeed immediately.
func (g *Gateway) acquireGatewaySlot(ctx context.Context, name string) (func(), error) {
	sem := g.gwSem[name]
	if sem == nil {
		return func() {}, nil
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// rateLimitedBackoffSchedule returns the jittered backoff for the attempt-th
// (0-indexed) same-gateway retry after a 429: 500ms, then 1s, +/-25% jitter.
func rateLimitedBackoffSchedule(attempt int) time.Duration {
	base := rateLimitedBackoff1
	if attempt == 0 {
		base = rateLimitedBackoff0
	}
	jitter := 1 + rateLimitedJitter*(2*rand.Float64()-1)
	return time.Duration(float64(base) * jitter)
}

// classifyAttempt derives a Classification for one gateway attempt's error,
// special-casing context.DeadlineExceeded (which carries no HTTP status) as
// a timeout rather than falling through to Unknown.
func classifyAttempt(err error) providers.Classification {
	if err == nil {
		return providers.ClassOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.ClassTimeout
	}
	// Look through wrapping (e.g. the failover summary error) for an
	// adapter error that carries its own classification or status.
	var ce providers.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Classification()
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return providers.ClassifyHTTPStatus(sc.HTTPStatus())
	}
	return providers.Classify(err)
}

func lastClass(trace providers.AttemptTrace) providers.Classification {
	if len(trace) == 0 {
		return providers.ClassUnknown
	}
	return trace[len(trace)-1].Classification
}
