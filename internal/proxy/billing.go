package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaypoint/gateway/internal/gate"
	"github.com/relaypoint/gateway/internal/providers"
	"github.com/relaypoint/gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// gateAdmitPermit aliases gate.Permit so callers elsewhere in this package
// don't need to import internal/gate directly.
type gateAdmitPermit = gate.Permit

// admitRequest runs the gate's admission pipeline for a chat/embeddings
// request, requiring the inference scope.
func (g *Gateway) admitRequest(ctx *fasthttp.RequestCtx, rawKey string) (*gateAdmitPermit, error) {
	meta := gate.RequestMeta{
		ClientAddr: ctx.RemoteIP().String(),
		Referrer:   string(ctx.Request.Header.Peek("Referer")),
	}
	return g.gate.Admit(ctx, rawKey, gate.ScopeInference, meta)
}

func (g *Gateway) releasePermit(ctx *fasthttp.RequestCtx, p *gateAdmitPermit) {
	if p == nil {
		return
	}
	g.gate.Release(context.WithoutCancel(ctx), p)
}

// writeAdmitError maps a gate admission error to the client-facing HTTP
// response.
func writeAdmitError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, gate.ErrUnauthenticated):
		apierr.WriteUnauthenticated(ctx, "invalid or missing API key")
	case errors.Is(err, gate.ErrForbidden):
		apierr.WriteForbidden(ctx, "key lacks required scope or origin is not allowed")
	case errors.Is(err, gate.ErrRateLimited):
		retryAfter := 60
		var rle *gate.RateLimitError
		if errors.As(err, &rle) {
			retryAfter = int(rle.RetryAfter.Round(time.Second).Seconds())
		}
		apierr.WriteRateLimit(ctx, retryAfter)
	case errors.Is(err, gate.ErrTrialExhausted):
		apierr.WriteTrialExhausted(ctx)
	case errors.Is(err, gate.ErrInsufficientFunds):
		apierr.WriteInsufficientCredits(ctx)
	case errors.Is(err, gate.ErrKeyExpired), errors.Is(err, gate.ErrKeyExhausted):
		apierr.WriteForbidden(ctx, "key expired or has reached its request cap")
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "admission check failed",
			apierr.TypeServerError, apierr.CodeInternalError)
	}
}

// billUsage commits the cost of one completed call against the admitted
// user's account. Billing failures are logged, never surfaced to the
// client — the response has already been served by the time this runs.
func (g *Gateway) billUsage(ctx context.Context, p *gateAdmitPermit, gateway, model string, usage providers.Usage, requestID string, trace providers.AttemptTrace, outcome string) {
	if _, err := g.accountant.Bill(ctx, p.UserID, p.APIKeyID, gateway, model, usage, requestID, trace, outcome); err != nil {
		g.log.ErrorContext(ctx, "billing_failed",
			slog.String("request_id", requestID),
			slog.Int64("user_id", p.UserID),
			slog.String("error", err.Error()),
		)
		return
	}

	if g.store == nil {
		return
	}
	if _, err := g.store.CreditReferral(ctx, p.UserID); err != nil {
		g.log.ErrorContext(ctx, "referral_credit_failed",
			slog.String("request_id", requestID),
			slog.Int64("user_id", p.UserID),
			slog.String("error", err.Error()),
		)
	}
}
