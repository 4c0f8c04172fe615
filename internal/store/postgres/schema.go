package postgres

// ddlStatements is the gateway's schema, applied in order by Migrate.
// BIGSERIAL identities and JSONB metadata columns follow the same pattern
// the example corpus uses for its own append-mostly relational stores.
var ddlStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGSERIAL PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		balance       NUMERIC(18,6) NOT NULL DEFAULT 0,
		is_trial      BOOLEAN NOT NULL DEFAULT true,
		referred_by   BIGINT REFERENCES users(id),
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id              BIGSERIAL PRIMARY KEY,
		user_id         BIGINT NOT NULL REFERENCES users(id),
		lookup_hash     TEXT NOT NULL UNIQUE,
		encrypted_key   TEXT NOT NULL,
		key_version     INT NOT NULL,
		prefix          TEXT NOT NULL,
		scopes          JSONB NOT NULL DEFAULT '[]',
		rate_limit_minute     INT,
		rate_limit_hour       INT,
		rate_limit_day        INT,
		rate_limit_concurrent INT,
		expires_at      TIMESTAMPTZ,
		max_requests    BIGINT,
		request_count   BIGINT NOT NULL DEFAULT 0,
		ip_allowlist    JSONB NOT NULL DEFAULT '[]',
		referrer_allowlist JSONB NOT NULL DEFAULT '[]',
		is_primary      BOOLEAN NOT NULL DEFAULT false,
		revoked_at      TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_one_primary_per_user
		ON api_keys(user_id) WHERE is_primary AND revoked_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id          BIGSERIAL PRIMARY KEY,
		user_id     BIGINT NOT NULL REFERENCES users(id),
		delta       NUMERIC(18,6) NOT NULL,
		reason      TEXT NOT NULL,
		reference   TEXT,
		metadata    JSONB NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_tx_user_id ON credit_transactions(user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS usage_records (
		id               BIGSERIAL PRIMARY KEY,
		user_id          BIGINT NOT NULL REFERENCES users(id),
		api_key_id       BIGINT NOT NULL REFERENCES api_keys(id),
		gateway          TEXT NOT NULL,
		model            TEXT NOT NULL,
		input_tokens     BIGINT NOT NULL,
		output_tokens    BIGINT NOT NULL,
		cost             NUMERIC(18,6) NOT NULL,
		estimated        BOOLEAN NOT NULL DEFAULT false,
		request_id       TEXT NOT NULL,
		attempt_trace    JSONB NOT NULL DEFAULT '[]',
		outcome          TEXT NOT NULL DEFAULT 'ok',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_user_id ON usage_records(user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS trial_grants (
		id              BIGSERIAL PRIMARY KEY,
		user_id         BIGINT NOT NULL REFERENCES users(id) UNIQUE,
		credits_total   NUMERIC(18,6) NOT NULL,
		credits_used    NUMERIC(18,6) NOT NULL DEFAULT 0,
		tokens_total    BIGINT NOT NULL,
		tokens_used     BIGINT NOT NULL DEFAULT 0,
		requests_total  INT NOT NULL,
		requests_used   INT NOT NULL DEFAULT 0,
		expires_at      TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS coupons (
		id          BIGSERIAL PRIMARY KEY,
		code        TEXT NOT NULL UNIQUE,
		credits     NUMERIC(18,6) NOT NULL,
		max_redemptions INT NOT NULL DEFAULT 1,
		redemptions     INT NOT NULL DEFAULT 0,
		expires_at  TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS referrals (
		id              BIGSERIAL PRIMARY KEY,
		referrer_id     BIGINT NOT NULL REFERENCES users(id),
		referred_id     BIGINT NOT NULL REFERENCES users(id) UNIQUE,
		reward_credits  NUMERIC(18,6) NOT NULL,
		rewarded_at     TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		user_id         BIGINT NOT NULL REFERENCES users(id),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS turns (
		id              BIGSERIAL PRIMARY KEY,
		session_id      TEXT NOT NULL REFERENCES sessions(id),
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id, created_at)`,
}
