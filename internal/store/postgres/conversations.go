package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// GetOrCreateSession fetches a session by ID, creating it (owned by userID)
// if it doesn't exist yet. sessionID is caller-supplied (the session_id
// query parameter), so creation is an upsert rather than a generated ID.
func (s *Store) GetOrCreateSession(ctx context.Context, sessionID string, userID int64) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET id = sessions.id
		 RETURNING id, user_id, created_at`,
		sessionID, userID,
	).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: get or create session: %w", err)
	}
	return &sess, nil
}

// AppendTurn records one role+content entry against an existing session.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (session_id, role, content) VALUES ($1, $2, $3)`,
		sessionID, role, content,
	)
	if err != nil {
		return fmt.Errorf("postgres: append turn: %w", err)
	}
	return nil
}

// ListTurns returns a session's turns in arrival order, so a caller can
// replay prior context ahead of a new request's messages.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]ConversationTurn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at FROM turns
		 WHERE session_id = $1 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list turns: %w", err)
	}
	defer rows.Close()

	var turns []ConversationTurn
	for rows.Next() {
		var t ConversationTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CreateReferral links a newly registered user to the referrer whose code
// they signed up with. The reward isn't credited yet — CreditReferral does
// that once the referred user's first billable request completes.
func (s *Store) CreateReferral(ctx context.Context, referrerID, referredID int64, rewardCredits decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO referrals (referrer_id, referred_id, reward_credits) VALUES ($1, $2, $3)`,
		referrerID, referredID, rewardCredits,
	)
	if err != nil {
		return fmt.Errorf("postgres: create referral: %w", err)
	}
	return nil
}

// CreditReferral grants the referrer their reward the first time the
// referred user's usage successfully debits, and marks the referral
// rewarded so the grant never fires twice. A no-op (ok=false) when the
// referred user has no pending referral or it was already rewarded.
func (s *Store) CreditReferral(ctx context.Context, referredID int64) (ok bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var ref Referral
	err = tx.QueryRow(ctx,
		`SELECT id, referrer_id, referred_id, reward_credits, rewarded_at
		 FROM referrals WHERE referred_id = $1 AND rewarded_at IS NULL FOR UPDATE`,
		referredID,
	).Scan(&ref.ID, &ref.ReferrerID, &ref.ReferredID, &ref.RewardCredits, &ref.RewardedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: lock referral: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE referrals SET rewarded_at = now() WHERE id = $1`, ref.ID); err != nil {
		return false, fmt.Errorf("postgres: credit referral: mark rewarded: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1`,
		ref.ReferrerID, ref.RewardCredits,
	); err != nil {
		return false, fmt.Errorf("postgres: credit referral: credit referrer: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, delta, reason, reference) VALUES ($1, $2, $3, $4)`,
		ref.ReferrerID, ref.RewardCredits, ReasonReferral, fmt.Sprintf("referral:%d", referredID),
	); err != nil {
		return false, fmt.Errorf("postgres: credit referral: insert ledger: %w", err)
	}

	return true, tx.Commit(ctx)
}
