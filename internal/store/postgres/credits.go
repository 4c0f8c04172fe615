package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned by DeductForUsage when the
// user's balance cannot cover the requested amount.
var ErrInsufficientBalance = errors.New("postgres: insufficient balance")

// GrantCredits adds amount (must be positive) to a user's balance and
// records the ledger entry, in one transaction. A grant with reason
// ReasonPurchase also ends the user's trial (is_trial = false).
func (s *Store) GrantCredits(ctx context.Context, userID int64, amount decimal.Decimal, reason, reference string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("postgres: grant amount must be positive, got %s", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1`,
		userID, amount,
	); err != nil {
		return fmt.Errorf("postgres: grant credits: %w", err)
	}

	if reason == ReasonPurchase {
		if _, err := tx.Exec(ctx, `UPDATE users SET is_trial = false WHERE id = $1`, userID); err != nil {
			return fmt.Errorf("postgres: grant credits: end trial: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, delta, reason, reference) VALUES ($1, $2, $3, $4)`,
		userID, amount, reason, reference,
	); err != nil {
		return fmt.Errorf("postgres: grant credits: insert ledger: %w", err)
	}

	return tx.Commit(ctx)
}

// DeductForUsage is the billing path invoked once per completed request. It
// locks the user row with SELECT ... FOR UPDATE to serialize concurrent
// deductions against the same account, verifies the balance (or trial
// allowance) can cover cost, then atomically: debits the balance, inserts
// the ledger entry, inserts the usage record, and — when the user is on a
// trial — advances the trial grant's used counters. All four writes commit
// or roll back together.
func (s *Store) DeductForUsage(ctx context.Context, rec UsageRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance decimal.Decimal
	var isTrial bool
	err = tx.QueryRow(ctx,
		`SELECT balance, is_trial FROM users WHERE id = $1 FOR UPDATE`,
		rec.UserID,
	).Scan(&balance, &isTrial)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: lock user: %w", err)
	}

	if isTrial {
		var grant TrialGrant
		err = tx.QueryRow(ctx,
			`SELECT credits_total, credits_used, tokens_total, tokens_used, requests_total, requests_used, expires_at
			 FROM trial_grants WHERE user_id = $1 FOR UPDATE`,
			rec.UserID,
		).Scan(&grant.CreditsTotal, &grant.CreditsUsed, &grant.TokensTotal, &grant.TokensUsed,
			&grant.RequestsTotal, &grant.RequestsUsed, &grant.ExpiresAt)
		if err != nil {
			return fmt.Errorf("postgres: lock trial grant: %w", err)
		}
		if grant.CreditsUsed.Add(rec.Cost).GreaterThan(grant.CreditsTotal) {
			return ErrInsufficientBalance
		}
		if err := debitTrialGrant(ctx, tx, rec.UserID, rec.Cost, rec.InputTokens+rec.OutputTokens); err != nil {
			return fmt.Errorf("postgres: debit trial grant: %w", err)
		}
	} else if balance.LessThan(rec.Cost) {
		return ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2 WHERE id = $1`,
		rec.UserID, rec.Cost,
	); err != nil {
		return fmt.Errorf("postgres: debit balance: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, delta, reason, reference) VALUES ($1, $2, $3, $4)`,
		rec.UserID, rec.Cost.Neg(), ReasonUsage, rec.RequestID,
	); err != nil {
		return fmt.Errorf("postgres: insert ledger: %w", err)
	}

	outcome := rec.Outcome
	if outcome == "" {
		outcome = OutcomeOK
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO usage_records
			(user_id, api_key_id, gateway, model, input_tokens, output_tokens, cost, estimated,
			 request_id, attempt_trace, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.UserID, rec.APIKeyID, rec.Gateway, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.Cost, rec.Estimated, rec.RequestID, rec.AttemptTrace, outcome,
	); err != nil {
		return fmt.Errorf("postgres: insert usage record: %w", err)
	}

	return tx.Commit(ctx)
}

// RefundUsage reverses a prior debit — used when a streamed request is
// billed optimistically up front and the actual token count comes in lower,
// or when an upstream fails after partial billing.
func (s *Store) RefundUsage(ctx context.Context, userID int64, amount decimal.Decimal, requestID string) error {
	return s.GrantCredits(ctx, userID, amount, ReasonRefund, requestID)
}

// ListCreditTransactions returns a user's ledger, newest first, capped at limit.
func (s *Store) ListCreditTransactions(ctx context.Context, userID int64, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, delta, reason, reference, created_at
		 FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Delta, &t.Reason, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan credit transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// RedeemCoupon atomically increments a coupon's redemption count (rejecting
// once MaxRedemptions is reached) and grants its credits to the user.
func (s *Store) RedeemCoupon(ctx context.Context, userID int64, code string) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var c Coupon
	err = tx.QueryRow(ctx,
		`SELECT id, code, credits, max_redemptions, redemptions, expires_at
		 FROM coupons WHERE code = $1 FOR UPDATE`,
		code,
	).Scan(&c.ID, &c.Code, &c.Credits, &c.MaxRedemptions, &c.Redemptions, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: lock coupon: %w", err)
	}
	if c.Redemptions >= c.MaxRedemptions {
		return decimal.Zero, fmt.Errorf("postgres: coupon %q exhausted", code)
	}

	if _, err := tx.Exec(ctx, `UPDATE coupons SET redemptions = redemptions + 1 WHERE id = $1`, c.ID); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: redeem coupon: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1`,
		userID, c.Credits,
	); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: redeem coupon: credit user: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, delta, reason, reference) VALUES ($1, $2, $3, $4)`,
		userID, c.Credits, ReasonCoupon, code,
	); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: redeem coupon: insert ledger: %w", err)
	}

	return c.Credits, tx.Commit(ctx)
}
