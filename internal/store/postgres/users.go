package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("postgres: not found")

// CreateUser inserts a new user row and returns its generated ID.
func (s *Store) CreateUser(ctx context.Context, email string, referredBy *int64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, referred_by) VALUES ($1, $2) RETURNING id`,
		email, referredBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create user: %w", err)
	}
	return id, nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, balance, is_trial, referred_by, created_at FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.Balance, &u.IsTrial, &u.ReferredBy, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}
	return &u, nil
}

// GetUserByEmail fetches a user by email, used by the registration flow to
// reject duplicate sign-ups.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, balance, is_trial, referred_by, created_at FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.Balance, &u.IsTrial, &u.ReferredBy, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user by email: %w", err)
	}
	return &u, nil
}

// CreateAPIKey inserts a new API key row owned by userID. The first active
// key a user ever gets becomes their primary key automatically; every
// subsequent key is secondary unless promoted later via SetPrimaryAPIKey.
// Locking the user row serializes concurrent CreateAPIKey calls for the same
// user, so two simultaneous issuances can't both see zero active keys and
// both claim primary.
func (s *Store) CreateAPIKey(ctx context.Context, k APIKey) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, k.UserID); err != nil {
		return 0, fmt.Errorf("postgres: lock user: %w", err)
	}

	var activeCount int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM api_keys WHERE user_id = $1 AND revoked_at IS NULL`,
		k.UserID,
	).Scan(&activeCount); err != nil {
		return 0, fmt.Errorf("postgres: count active keys: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO api_keys
			(user_id, lookup_hash, encrypted_key, key_version, prefix, scopes,
			 rate_limit_minute, rate_limit_hour, rate_limit_day, rate_limit_concurrent,
			 expires_at, max_requests, ip_allowlist, referrer_allowlist, is_primary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id`,
		k.UserID, k.LookupHash, k.EncryptedKey, k.KeyVersion, k.Prefix, k.Scopes,
		k.RateLimitMinute, k.RateLimitHour, k.RateLimitDay, k.RateLimitConcurrent,
		k.ExpiresAt, k.MaxRequests, k.IPAllowlist, k.ReferrerAllowlist, activeCount == 0,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create api key: %w", err)
	}

	return id, tx.Commit(ctx)
}

// GetAPIKeyByLookupHash resolves an API key by its lookup hash — the path
// every inbound request takes through the gate. Revoked keys are excluded.
func (s *Store) GetAPIKeyByLookupHash(ctx context.Context, lookupHash string) (*APIKey, error) {
	var k APIKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, lookup_hash, encrypted_key, key_version, prefix, scopes,
		        rate_limit_minute, rate_limit_hour, rate_limit_day, rate_limit_concurrent,
		        expires_at, max_requests, request_count, ip_allowlist, referrer_allowlist,
		        is_primary, revoked_at, created_at
		 FROM api_keys WHERE lookup_hash = $1 AND revoked_at IS NULL`,
		lookupHash,
	).Scan(
		&k.ID, &k.UserID, &k.LookupHash, &k.EncryptedKey, &k.KeyVersion, &k.Prefix, &k.Scopes,
		&k.RateLimitMinute, &k.RateLimitHour, &k.RateLimitDay, &k.RateLimitConcurrent,
		&k.ExpiresAt, &k.MaxRequests, &k.RequestCount, &k.IPAllowlist, &k.ReferrerAllowlist,
		&k.IsPrimary, &k.RevokedAt, &k.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get api key: %w", err)
	}
	return &k, nil
}

// ListAPIKeys returns every key (including revoked) owned by userID, newest
// first, for the key-management endpoints.
func (s *Store) ListAPIKeys(ctx context.Context, userID int64) ([]APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, lookup_hash, encrypted_key, key_version, prefix, scopes,
		        rate_limit_minute, rate_limit_hour, rate_limit_day, rate_limit_concurrent,
		        expires_at, max_requests, request_count, ip_allowlist, referrer_allowlist,
		        is_primary, revoked_at, created_at
		 FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(
			&k.ID, &k.UserID, &k.LookupHash, &k.EncryptedKey, &k.KeyVersion, &k.Prefix, &k.Scopes,
			&k.RateLimitMinute, &k.RateLimitHour, &k.RateLimitDay, &k.RateLimitConcurrent,
			&k.ExpiresAt, &k.MaxRequests, &k.RequestCount, &k.IPAllowlist, &k.ReferrerAllowlist,
			&k.IsPrimary, &k.RevokedAt, &k.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Idempotent. If the revoked key was the
// user's primary key, the oldest remaining active key is promoted in the
// same transaction, so an active user never ends up with zero primary keys
// while they still hold at least one active one.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID int64
	var wasPrimary bool
	err = tx.QueryRow(ctx,
		`UPDATE api_keys SET revoked_at = now()
		 WHERE id = $1 AND revoked_at IS NULL
		 RETURNING user_id, is_primary`,
		keyID,
	).Scan(&userID, &wasPrimary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // already revoked or never existed: idempotent no-op
	}
	if err != nil {
		return fmt.Errorf("postgres: revoke api key: %w", err)
	}

	if wasPrimary {
		if _, err := tx.Exec(ctx,
			`UPDATE api_keys SET is_primary = true
			 WHERE id = (
			   SELECT id FROM api_keys
			   WHERE user_id = $1 AND revoked_at IS NULL
			   ORDER BY created_at ASC LIMIT 1
			 )`,
			userID,
		); err != nil {
			return fmt.Errorf("postgres: promote successor primary key: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ErrKeyExhausted is returned by ReserveKeyRequest when the key has already
// reached its configured MaxRequests cap.
var ErrKeyExhausted = errors.New("postgres: api key request cap exhausted")

// ReserveKeyRequest atomically checks a key's request_count against its
// max_requests cap and increments it in the same statement, so concurrent
// requests against the same key can't both observe room under the cap and
// both proceed. Keys with no cap configured always succeed.
func (s *Store) ReserveKeyRequest(ctx context.Context, keyID int64) error {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`UPDATE api_keys SET request_count = request_count + 1
		 WHERE id = $1 AND (max_requests IS NULL OR request_count < max_requests)
		 RETURNING true`,
		keyID,
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrKeyExhausted
	}
	if err != nil {
		return fmt.Errorf("postgres: reserve key request: %w", err)
	}
	return nil
}

// CreateTrialGrant inserts the trial allowance for a newly registered user.
func (s *Store) CreateTrialGrant(ctx context.Context, g TrialGrant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trial_grants (user_id, credits_total, tokens_total, requests_total, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		g.UserID, g.CreditsTotal, g.TokensTotal, g.RequestsTotal, g.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create trial grant: %w", err)
	}
	return nil
}

// GetTrialGrant fetches a user's trial grant, if any.
func (s *Store) GetTrialGrant(ctx context.Context, userID int64) (*TrialGrant, error) {
	var g TrialGrant
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, credits_total, credits_used, tokens_total, tokens_used,
		        requests_total, requests_used, expires_at, created_at
		 FROM trial_grants WHERE user_id = $1`,
		userID,
	).Scan(
		&g.ID, &g.UserID, &g.CreditsTotal, &g.CreditsUsed, &g.TokensTotal, &g.TokensUsed,
		&g.RequestsTotal, &g.RequestsUsed, &g.ExpiresAt, &g.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get trial grant: %w", err)
	}
	return &g, nil
}

// debitTrialGrant advances a trial grant's used counters inside the same
// transaction as the usage record insert — see DeductForUsage.
func debitTrialGrant(ctx context.Context, tx pgx.Tx, userID int64, credits decimal.Decimal, tokens int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE trial_grants
		 SET credits_used = credits_used + $2, tokens_used = tokens_used + $3, requests_used = requests_used + 1
		 WHERE user_id = $1`,
		userID, credits, tokens,
	)
	return err
}
