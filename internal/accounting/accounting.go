// Package accounting computes the cost of a completed inference call from
// catalog pricing and commits it against the user's balance (or trial
// allowance) via the Postgres store, mirroring it best-effort to the
// analytics sink. Nothing in the request path blocks on analytics; only the
// Postgres debit is authoritative.
package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/relaypoint/gateway/internal/analytics"
	"github.com/relaypoint/gateway/internal/catalog"
	"github.com/relaypoint/gateway/internal/providers"
	"github.com/relaypoint/gateway/internal/store/postgres"
)

// Accountant ties pricing lookup, transactional billing, and analytics
// shipping together into one call per completed request.
type Accountant struct {
	store   *postgres.Store
	catalog *catalog.Catalog
	sink    *analytics.Sink
}

// New builds an Accountant. sink may be nil (analytics disabled).
func New(store *postgres.Store, cat *catalog.Catalog, sink *analytics.Sink) *Accountant {
	return &Accountant{store: store, catalog: cat, sink: sink}
}

// Bill computes the cost of one completed request and debits it from the
// user's account, returning the computed cost. On ErrInsufficientBalance
// from the store the caller has already served the response (billing
// happens after the upstream call completes) — the bill still attempts a
// best-effort commit and surfaces the error so the caller can log/alert,
// per the "produced tokens are billed even on a disconnect" policy: a
// mid-stream disconnect must not let the gateway eat the cost.
func (a *Accountant) Bill(ctx context.Context, userID, apiKeyID int64, gateway, model string, usage providers.Usage, requestID string, trace providers.AttemptTrace, outcome string) (decimal.Decimal, error) {
	cost := a.computeCost(gateway, model, usage)

	if trace == nil {
		trace = providers.AttemptTrace{}
	}
	if outcome == "" {
		outcome = postgres.OutcomeOK
	}

	rec := postgres.UsageRecord{
		UserID:       userID,
		APIKeyID:     apiKeyID,
		Gateway:      gateway,
		Model:        model,
		InputTokens:  int64(usage.InputTokens),
		OutputTokens: int64(usage.OutputTokens),
		Cost:         cost,
		Estimated:    usage.Estimated,
		RequestID:    requestID,
		AttemptTrace: trace,
		Outcome:      outcome,
	}

	err := a.store.DeductForUsage(ctx, rec)

	if a.sink != nil {
		reqUUID, parseErr := uuid.Parse(requestID)
		if parseErr != nil {
			reqUUID = uuid.New()
		}
		a.sink.RecordUsage(analytics.UsageEvent{
			RequestID:    reqUUID,
			UserID:       userID,
			Gateway:      gateway,
			Model:        model,
			InputTokens:  uint32(usage.InputTokens),
			OutputTokens: uint32(usage.OutputTokens),
			CostMicros:   cost.Mul(decimal.NewFromInt(1_000_000)).IntPart(),
			Estimated:    usage.Estimated,
			CreatedAt:    time.Now(),
		})
	}

	if err != nil {
		return cost, fmt.Errorf("accounting: bill: %w", err)
	}
	return cost, nil
}

// Refund reverses a prior debit — used when a streamed response is billed
// optimistically and the final token count settles lower, or a partially
// processed request needs to be made whole.
func (a *Accountant) Refund(ctx context.Context, userID int64, amount decimal.Decimal, requestID string) error {
	if amount.Sign() <= 0 {
		return nil
	}
	return a.store.RefundUsage(ctx, userID, amount, requestID)
}

// EstimateCost previews the cost of a request before it is sent upstream.
// The gate does not call it; its balance check only requires a positive
// balance. It is deliberately conservative: token counts are
// the caller's own estimate (providers.EstimateTokens), so the real bill
// may differ once usage comes back from the upstream.
func (a *Accountant) EstimateCost(gateway, model string, estimatedInputTokens, estimatedOutputTokens int) decimal.Decimal {
	return a.computeCost(gateway, model, providers.Usage{
		InputTokens:  estimatedInputTokens,
		OutputTokens: estimatedOutputTokens,
		Estimated:    true,
	})
}

func (a *Accountant) computeCost(gateway, model string, usage providers.Usage) decimal.Decimal {
	pricing, ok := a.lookupPricing(gateway, model)
	if !ok {
		return decimal.Zero
	}

	cost := pricing.PerRequest
	cost = cost.Add(pricing.PromptPerToken.Mul(decimal.NewFromInt(int64(usage.InputTokens))))
	cost = cost.Add(pricing.CompletionPerToken.Mul(decimal.NewFromInt(int64(usage.OutputTokens))))
	return cost
}

func (a *Accountant) lookupPricing(gateway, model string) (providers.Pricing, bool) {
	if a.catalog == nil {
		return providers.Pricing{}, false
	}
	entries, err := a.catalog.GetModels(context.Background(), gateway)
	if err != nil {
		return providers.Pricing{}, false
	}
	for _, e := range entries {
		if e.DisplayName == model || e.ID == model {
			return e.Pricing, true
		}
	}
	return providers.Pricing{}, false
}
