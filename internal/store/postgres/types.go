package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/relaypoint/gateway/internal/providers"
)

// User is a gateway account. Balance is the available paid credit; IsTrial
// stays true until the first credit transaction with reason "purchase".
type User struct {
	ID         int64
	Email      string
	Balance    decimal.Decimal
	IsTrial    bool
	ReferredBy *int64
	CreatedAt  time.Time
}

// APIKey is one credential issued to a User. LookupHash is the salted
// HMAC-SHA256 of the raw key, used for O(1) lookup without ever storing the
// key itself in a directly-queryable form; EncryptedKey holds the
// keyring-encrypted raw key for display-once-at-issuance flows (KeyVersion 0
// means it was stored in the clear because no keyring material was
// configured at issuance time).
//
// ExpiresAt, MaxRequests, IPAllowlist, and ReferrerAllowlist are all
// optional per-key restrictions layered on top of the gate-wide defaults;
// nil/empty means unrestricted.
type APIKey struct {
	ID                  int64
	UserID              int64
	LookupHash          string
	EncryptedKey        string
	KeyVersion          int
	Prefix              string
	Scopes              []string
	RateLimitMinute     *int
	RateLimitHour       *int
	RateLimitDay        *int
	RateLimitConcurrent *int
	ExpiresAt           *time.Time
	MaxRequests         *int64
	RequestCount        int64
	IPAllowlist         []string
	ReferrerAllowlist   []string
	IsPrimary           bool
	RevokedAt           *time.Time
	CreatedAt           time.Time
}

// CreditTransaction is one ledger entry against a user's balance. Delta is
// signed: positive for grants/refunds/purchases, negative for usage debits.
type CreditTransaction struct {
	ID        int64
	UserID    int64
	Delta     decimal.Decimal
	Reason    string
	Reference string
	CreatedAt time.Time
}

// Ledger reasons.
const (
	ReasonPurchase = "purchase"
	ReasonUsage    = "usage"
	ReasonRefund   = "refund"
	ReasonCoupon   = "coupon"
	ReasonReferral = "referral"
	ReasonTrial    = "trial_grant"
)

// UsageRecord is one billed inference call, persisted for balance history
// and mirrored (best-effort) to the analytics sink. AttemptTrace is the
// full ordered record of every gateway tried to satisfy the request, so a
// support engineer can see exactly why a given upstream was (or wasn't)
// used without reconstructing it from logs.
type UsageRecord struct {
	ID           int64
	UserID       int64
	APIKeyID     int64
	Gateway      string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         decimal.Decimal
	Estimated    bool
	RequestID    string
	AttemptTrace providers.AttemptTrace
	Outcome      string
	CreatedAt    time.Time
}

// Outcome values for UsageRecord, the terminal state of the routing
// attempt that produced it.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// TrialGrant tracks a new user's free allowance across all three exhaustion
// dimensions: credits, tokens, and request count, whichever is hit first.
type TrialGrant struct {
	ID             int64
	UserID         int64
	CreditsTotal   decimal.Decimal
	CreditsUsed    decimal.Decimal
	TokensTotal    int64
	TokensUsed     int64
	RequestsTotal  int
	RequestsUsed   int
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Exhausted reports whether any dimension of the trial has been used up.
func (t TrialGrant) Exhausted(now time.Time) bool {
	return now.After(t.ExpiresAt) ||
		t.CreditsUsed.GreaterThanOrEqual(t.CreditsTotal) ||
		t.TokensUsed >= t.TokensTotal ||
		t.RequestsUsed >= t.RequestsTotal
}

// Coupon is a redeemable credit code with a bounded redemption count.
type Coupon struct {
	ID             int64
	Code           string
	Credits        decimal.Decimal
	MaxRedemptions int
	Redemptions    int
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// Referral links a referrer to one referred user and the reward credited
// the first time the referred user's usage successfully debits.
type Referral struct {
	ID             int64
	ReferrerID     int64
	ReferredID     int64
	RewardCredits  decimal.Decimal
	RewardedAt     *time.Time
	CreatedAt      time.Time
}

// Session owns an ordered sequence of ConversationTurn rows, addressed by
// the optional session_id query parameter on chat completions. Not part of
// the routing/accounting core — a caller that never sends session_id never
// touches this table.
type Session struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
}

// ConversationTurn is one role+content entry in a Session, in arrival order.
type ConversationTurn struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}
