package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/relaypoint/gateway/internal/store/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if GATEWAY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("GATEWAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GATEWAY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore opens a fresh Store against a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	dropSchema(t, ctx, pool)
	pool.Close()

	store, err := postgres.Open(ctx, dsn, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS turns CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
		"DROP TABLE IF EXISTS referrals CASCADE",
		"DROP TABLE IF EXISTS coupons CASCADE",
		"DROP TABLE IF EXISTS trial_grants CASCADE",
		"DROP TABLE IF EXISTS usage_records CASCADE",
		"DROP TABLE IF EXISTS credit_transactions CASCADE",
		"DROP TABLE IF EXISTS api_keys CASCADE",
		"DROP TABLE IF EXISTS users CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func mustCreateUser(t *testing.T, ctx context.Context, store *postgres.Store, email string) int64 {
	t.Helper()
	id, err := store.CreateUser(ctx, email, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func TestUsers_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := mustCreateUser(t, ctx, store, "alice@example.com")

	u, err := store.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("Email: want alice@example.com, got %q", u.Email)
	}
	if !u.IsTrial {
		t.Error("a new user should start on trial")
	}
	if !u.Balance.IsZero() {
		t.Errorf("Balance: want 0, got %s", u.Balance)
	}

	byEmail, err := store.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if byEmail.ID != id {
		t.Errorf("GetUserByEmail: want id %d, got %d", id, byEmail.ID)
	}

	if _, err := store.GetUser(ctx, id+999999); err != postgres.ErrNotFound {
		t.Errorf("want ErrNotFound for a missing user, got %v", err)
	}
}

func TestUsers_DuplicateEmailRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, ctx, store, "dup@example.com")
	if _, err := store.CreateUser(ctx, "dup@example.com", nil); err == nil {
		t.Error("expected a duplicate email to be rejected")
	}
}

func TestAPIKeys_CreateListRevoke(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, store, "keys@example.com")

	id, err := store.CreateAPIKey(ctx, postgres.APIKey{
		UserID:     userID,
		LookupHash: "hash-1",
		Prefix:     "rp-abcdefghij",
		KeyVersion: 1,
		Scopes:     []string{"inference", "models"},
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	fetched, err := store.GetAPIKeyByLookupHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAPIKeyByLookupHash: %v", err)
	}
	if fetched.ID != id || fetched.UserID != userID {
		t.Errorf("fetched key mismatch: %+v", fetched)
	}

	keys, err := store.ListAPIKeys(ctx, userID)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("want 1 key, got %d", len(keys))
	}

	if err := store.RevokeAPIKey(ctx, id); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if _, err := store.GetAPIKeyByLookupHash(ctx, "hash-1"); err != postgres.ErrNotFound {
		t.Errorf("want ErrNotFound for a revoked key, got %v", err)
	}

	// Revoking twice is idempotent.
	if err := store.RevokeAPIKey(ctx, id); err != nil {
		t.Errorf("double revoke should not error, got %v", err)
	}
}

func TestAPIKeys_PrimaryPromotedOnRevoke(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, store, "primary@example.com")

	firstID, err := store.CreateAPIKey(ctx, postgres.APIKey{
		UserID: userID, LookupHash: "hash-primary-1", Prefix: "rp-one", KeyVersion: 1,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	secondID, err := store.CreateAPIKey(ctx, postgres.APIKey{
		UserID: userID, LookupHash: "hash-primary-2", Prefix: "rp-two", KeyVersion: 1,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	keys, err := store.ListAPIKeys(ctx, userID)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	var primaryCount int
	for _, k := range keys {
		if k.IsPrimary {
			primaryCount++
			if k.ID != firstID {
				t.Errorf("want the first-issued key primary, got key %d primary", k.ID)
			}
		}
	}
	if primaryCount != 1 {
		t.Fatalf("want exactly 1 primary key after 2 issuances, got %d", primaryCount)
	}

	if err := store.RevokeAPIKey(ctx, firstID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}

	keys, err = store.ListAPIKeys(ctx, userID)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	primaryCount = 0
	for _, k := range keys {
		if k.IsPrimary {
			primaryCount++
			if k.ID != secondID {
				t.Errorf("want the surviving key promoted to primary, got key %d primary", k.ID)
			}
		}
	}
	if primaryCount != 1 {
		t.Fatalf("want exactly 1 primary key after promoting a successor, got %d", primaryCount)
	}
}

func TestCredits_GrantAndDeduct(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, store, "credits@example.com")
	keyID, err := store.CreateAPIKey(ctx, postgres.APIKey{UserID: userID, LookupHash: "hash-credits", Prefix: "rp-abc", KeyVersion: 1})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	if err := store.GrantCredits(ctx, userID, decimal.NewFromInt(10), postgres.ReasonPurchase, "tx-1"); err != nil {
		t.Fatalf("GrantCredits: %v", err)
	}

	u, err := store.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Balance after grant: want 10, got %s", u.Balance)
	}

	err = store.DeductForUsage(ctx, postgres.UsageRecord{
		UserID: userID, APIKeyID: keyID, Gateway: "openai", Model: "gpt-4",
		InputTokens: 100, OutputTokens: 50, Cost: decimal.NewFromFloat(2.5), RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("DeductForUsage: %v", err)
	}

	u, err = store.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("GetUser after deduct: %v", err)
	}
	if !u.Balance.Equal(decimal.NewFromFloat(7.5)) {
		t.Errorf("Balance after deduct: want 7.5, got %s", u.Balance)
	}

	txs, err := store.ListCreditTransactions(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ListCreditTransactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("want 2 ledger entries, got %d", len(txs))
	}
}

func TestCredits_DeductForUsage_InsufficientBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, store, "broke@example.com")
	keyID, err := store.CreateAPIKey(ctx, postgres.APIKey{UserID: userID, LookupHash: "hash-broke", Prefix: "rp-abc", KeyVersion: 1})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	// A trial user with no trial grant row on file is not on the balance
	// path, so disable trial to exercise the plain-balance branch.
	if err := store.GrantCredits(ctx, userID, decimal.NewFromFloat(0.01), postgres.ReasonPurchase, "seed"); err != nil {
		t.Fatalf("GrantCredits: %v", err)
	}

	err = store.DeductForUsage(ctx, postgres.UsageRecord{
		UserID: userID, APIKeyID: keyID, Gateway: "openai", Model: "gpt-4",
		InputTokens: 1000, OutputTokens: 1000, Cost: decimal.NewFromInt(100), RequestID: "req-broke",
	})
	if err != postgres.ErrInsufficientBalance {
		t.Errorf("want ErrInsufficientBalance, got %v", err)
	}
}

func TestTrialGrant_ExhaustionDimensions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, store, "trial@example.com")
	keyID, err := store.CreateAPIKey(ctx, postgres.APIKey{UserID: userID, LookupHash: "hash-trial", Prefix: "rp-abc", KeyVersion: 1})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	err = store.CreateTrialGrant(ctx, postgres.TrialGrant{
		UserID: userID, CreditsTotal: decimal.NewFromInt(5), TokensTotal: 1000,
		RequestsTotal: 10, ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateTrialGrant: %v", err)
	}

	grant, err := store.GetTrialGrant(ctx, userID)
	if err != nil {
		t.Fatalf("GetTrialGrant: %v", err)
	}
	if grant.Exhausted(time.Now()) {
		t.Error("a fresh trial grant must not be exhausted")
	}

	err = store.DeductForUsage(ctx, postgres.UsageRecord{
		UserID: userID, APIKeyID: keyID, Gateway: "openai", Model: "gpt-4",
		InputTokens: 100, OutputTokens: 50, Cost: decimal.NewFromInt(4), RequestID: "trial-req-1",
	})
	if err != nil {
		t.Fatalf("DeductForUsage within trial: %v", err)
	}

	grant, err = store.GetTrialGrant(ctx, userID)
	if err != nil {
		t.Fatalf("GetTrialGrant after usage: %v", err)
	}
	if !grant.CreditsUsed.Equal(decimal.NewFromInt(4)) {
		t.Errorf("CreditsUsed: want 4, got %s", grant.CreditsUsed)
	}
	if grant.TokensUsed != 150 {
		t.Errorf("TokensUsed: want 150, got %d", grant.TokensUsed)
	}

	// A second request exceeding the remaining credit allowance is rejected.
	err = store.DeductForUsage(ctx, postgres.UsageRecord{
		UserID: userID, APIKeyID: keyID, Gateway: "openai", Model: "gpt-4",
		InputTokens: 10, OutputTokens: 10, Cost: decimal.NewFromInt(2), RequestID: "trial-req-2",
	})
	if err != postgres.ErrInsufficientBalance {
		t.Errorf("want ErrInsufficientBalance once trial credits are exhausted, got %v", err)
	}
}

func TestCoupons_RedeemOnceThenExhausted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, store, "coupon@example.com")

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx,
		`INSERT INTO coupons (code, credits, max_redemptions) VALUES ($1, $2, $3)`,
		"WELCOME10", decimal.NewFromInt(10), 1,
	); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	credited, err := store.RedeemCoupon(ctx, userID, "WELCOME10")
	if err != nil {
		t.Fatalf("RedeemCoupon: %v", err)
	}
	if !credited.Equal(decimal.NewFromInt(10)) {
		t.Errorf("credited: want 10, got %s", credited)
	}

	other := mustCreateUser(t, ctx, store, "coupon2@example.com")
	if _, err := store.RedeemCoupon(ctx, other, "WELCOME10"); err == nil {
		t.Error("expected redeeming an exhausted coupon to fail")
	}

	if _, err := store.RedeemCoupon(ctx, other, "NO-SUCH-CODE"); err != postgres.ErrNotFound {
		t.Errorf("want ErrNotFound for an unknown coupon code, got %v", err)
	}
}

func TestSessions_GetOrCreateAndAppendTurns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := mustCreateUser(t, ctx, store, "session@example.com")

	sess, err := store.GetOrCreateSession(ctx, "sess-1", userID)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if sess.UserID != userID {
		t.Errorf("UserID: want %d, got %d", userID, sess.UserID)
	}

	// Fetching the same session ID again must not fail or duplicate it.
	if _, err := store.GetOrCreateSession(ctx, "sess-1", userID); err != nil {
		t.Fatalf("GetOrCreateSession (idempotent): %v", err)
	}

	if err := store.AppendTurn(ctx, "sess-1", "user", "hello"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := store.AppendTurn(ctx, "sess-1", "assistant", "hi there"); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	turns, err := store.ListTurns(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("want 2 turns, got %d", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("turns out of order: %+v", turns)
	}
}

func TestReferral_CreditedOnceOnFirstUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	referrer := mustCreateUser(t, ctx, store, "referrer@example.com")
	referred := mustCreateUser(t, ctx, store, "referred@example.com")

	if err := store.CreateReferral(ctx, referrer, referred, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("CreateReferral: %v", err)
	}

	ok, err := store.CreditReferral(ctx, referred)
	if err != nil {
		t.Fatalf("CreditReferral: %v", err)
	}
	if !ok {
		t.Fatal("expected the first CreditReferral call to credit the referrer")
	}

	u, err := store.GetUser(ctx, referrer)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.Balance.Equal(decimal.NewFromInt(2)) {
		t.Errorf("referrer balance: want 2, got %s", u.Balance)
	}

	ok, err = store.CreditReferral(ctx, referred)
	if err != nil {
		t.Fatalf("CreditReferral (second call): %v", err)
	}
	if ok {
		t.Error("a referral must only be credited once")
	}
}

func TestReferral_NoOpWithoutPendingReferral(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lone := mustCreateUser(t, ctx, store, "lone@example.com")

	ok, err := store.CreditReferral(ctx, lone)
	if err != nil {
		t.Fatalf("CreditReferral: %v", err)
	}
	if ok {
		t.Error("a user with no referral record must not be credited")
	}
}
