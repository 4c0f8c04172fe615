package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/gateway/internal/gate"
	"github.com/relaypoint/gateway/internal/store/postgres"
	"github.com/relaypoint/gateway/pkg/apierr"
)

// handleResponses is a thin alias for the chat-completions path: the
// Responses API and Chat Completions API describe the same turn-taking
// request/response shape for text models, so the gateway serves both
// through one dispatcher rather than maintaining two parallel pipelines.
func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleImageGenerations returns 501 — no image-capable provider adapter is
// wired yet. Left as a named, addressable route (rather than a 404) so
// clients get an explicit "not implemented" rather than "route doesn't
// exist", and so wiring a future image provider only needs a new case here.
func (g *Gateway) handleImageGenerations(ctx *fasthttp.RequestCtx) {
	apierr.Write(ctx, fasthttp.StatusNotImplemented,
		"image generation is not yet supported by any configured provider",
		apierr.TypeInvalidRequest, apierr.CodeNotImplemented)
}

// handleListModels returns the merged catalog across every configured
// gateway in an OpenAI-compatible {"object":"list","data":[...]} envelope.
func (g *Gateway) handleListModels(ctx *fasthttp.RequestCtx) {
	if g.catalog == nil {
		writeJSON(ctx, map[string]any{"object": "list", "data": []any{}})
		return
	}
	entries := g.catalog.GetAll(ctx)
	data := make([]map[string]any, len(entries))
	for i, e := range entries {
		data[i] = map[string]any{
			"id":       e.ID,
			"object":   "model",
			"owned_by": e.SourceGateway,
		}
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleCatalogModels is the gateway-native richer listing: full pricing,
// context length, and modality per entry, grouped by gateway.
func (g *Gateway) handleCatalogModels(ctx *fasthttp.RequestCtx) {
	if g.catalog == nil {
		writeJSON(ctx, map[string]any{"models": []any{}})
		return
	}
	entries := g.catalog.GetAll(ctx)
	writeJSON(ctx, map[string]any{"models": entries})
}

// handleModelDetail returns one model's catalog entry, addressed by
// {provider}/{model} path segments.
func (g *Gateway) handleModelDetail(ctx *fasthttp.RequestCtx) {
	provider, _ := ctx.UserValue("provider").(string)
	model, _ := ctx.UserValue("model").(string)
	if g.catalog == nil {
		apierr.WriteModelNotFound(ctx, provider+"/"+model)
		return
	}
	entries, err := g.catalog.GetModels(ctx, provider)
	if err != nil {
		apierr.WriteModelNotFound(ctx, provider+"/"+model)
		return
	}
	for _, e := range entries {
		if e.DisplayName == model || e.ID == provider+"/"+model {
			writeJSON(ctx, e)
			return
		}
	}
	apierr.WriteModelNotFound(ctx, provider+"/"+model)
}

type registerRequest struct {
	Email        string `json:"email"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type registerResponse struct {
	UserID int64  `json:"user_id"`
	APIKey string `json:"api_key"`
}

// handleRegister creates a new account, its trial grant, and a first API
// key, returning the raw key exactly once — what is persisted is its lookup
// hash, its keyring-encrypted form and its first 10 characters as a
// display prefix.
func (g *Gateway) handleRegister(ctx *fasthttp.RequestCtx) {
	if g.store == nil || g.gate == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"account registration requires Postgres to be configured",
			apierr.TypeServerError, apierr.CodeUpstreamUnavailable)
		return
	}

	var req registerRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Email == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'email' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if existing, err := g.store.GetUserByEmail(ctx, req.Email); err == nil && existing != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "an account with this email already exists",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// A referral code is the referrer's own user ID. An unresolvable or
	// empty code is silently ignored — referral is an optional bonus, not
	// a precondition for registering.
	var referredBy *int64
	if req.ReferralCode != "" {
		if referrerID, err := strconv.ParseInt(req.ReferralCode, 10, 64); err == nil {
			if _, err := g.store.GetUser(ctx, referrerID); err == nil {
				referredBy = &referrerID
			}
		}
	}

	userID, err := g.store.CreateUser(ctx, req.Email, referredBy)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to create account",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if referredBy != nil {
		if err := g.store.CreateReferral(ctx, *referredBy, userID, g.referralRewardCredits); err != nil {
			g.log.ErrorContext(ctx, "referral_create_failed",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := g.store.CreateTrialGrant(ctx, postgres.TrialGrant{
		UserID:        userID,
		CreditsTotal:  g.trialDefaultCredits,
		TokensTotal:   g.trialDefaultTokens,
		RequestsTotal: g.trialDefaultRequests,
		ExpiresAt:     time.Now().Add(time.Duration(g.trialDefaultDays) * 24 * time.Hour),
	}); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to grant trial allowance",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	rawKey, err := g.gate.GenerateAPIKey()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to generate api key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	encryptedKey, keyVersion, err := g.gate.EncryptKey(rawKey)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to issue api key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if _, err := g.store.CreateAPIKey(ctx, postgres.APIKey{
		UserID:       userID,
		LookupHash:   g.gate.HashKey(rawKey),
		EncryptedKey: encryptedKey,
		KeyVersion:   keyVersion,
		Prefix:       keyPrefix(rawKey),
		Scopes:       []string{string(gate.ScopeInference), string(gate.ScopeModels)},
	}); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to issue api key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, registerResponse{UserID: userID, APIKey: rawKey})
}

// handlePasswordReset always responds 501: the gateway authenticates by API
// key, not password, so the response points the client at
// DELETE /user/keys/{id} and POST /user/keys to rotate a credential. It
// revokes and issues no keys itself.
func (g *Gateway) handlePasswordReset(ctx *fasthttp.RequestCtx) {
	apierr.Write(ctx, fasthttp.StatusNotImplemented,
		"use DELETE /user/keys/{id} and POST /user/keys to rotate a credential",
		apierr.TypeInvalidRequest, apierr.CodeNotImplemented)
}

// handleBalance reports the authenticated user's balance or trial standing.
func (g *Gateway) handleBalance(ctx *fasthttp.RequestCtx) {
	permit, ok := g.requireAdmin(ctx, gate.ScopeModels)
	if !ok {
		return
	}
	user, err := g.store.GetUser(ctx, permit.UserID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to load account",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{
		"balance":  user.Balance.StringFixed(6),
		"is_trial": user.IsTrial,
	})
}

// handleCreditTransactions lists the authenticated user's ledger.
func (g *Gateway) handleCreditTransactions(ctx *fasthttp.RequestCtx) {
	permit, ok := g.requireAdmin(ctx, gate.ScopeModels)
	if !ok {
		return
	}
	txs, err := g.store.ListCreditTransactions(ctx, permit.UserID, 100)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to load transactions",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"transactions": txs})
}

// handleListKeys lists the authenticated user's API keys (never the raw
// key material — only prefix, scopes, and limits).
func (g *Gateway) handleListKeys(ctx *fasthttp.RequestCtx) {
	permit, ok := g.requireAdmin(ctx, gate.ScopeModels)
	if !ok {
		return
	}
	keys, err := g.store.ListAPIKeys(ctx, permit.UserID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to load api keys",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	type summary struct {
		ID        int64      `json:"id"`
		Prefix    string     `json:"prefix"`
		Scopes    []string   `json:"scopes"`
		Primary   bool       `json:"primary"`
		RevokedAt *time.Time `json:"revoked_at,omitempty"`
		CreatedAt time.Time  `json:"created_at"`
	}
	out := make([]summary, len(keys))
	for i, k := range keys {
		out[i] = summary{ID: k.ID, Prefix: k.Prefix, Scopes: k.Scopes, Primary: k.IsPrimary, RevokedAt: k.RevokedAt, CreatedAt: k.CreatedAt}
	}
	writeJSON(ctx, map[string]any{"keys": out})
}

// handleCreateKey issues a new API key for the authenticated user.
func (g *Gateway) handleCreateKey(ctx *fasthttp.RequestCtx) {
	permit, ok := g.requireAdmin(ctx, gate.ScopeModels)
	if !ok {
		return
	}
	rawKey, err := g.gate.GenerateAPIKey()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to generate api key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	encryptedKey, keyVersion, err := g.gate.EncryptKey(rawKey)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to issue api key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	id, err := g.store.CreateAPIKey(ctx, postgres.APIKey{
		UserID:       permit.UserID,
		LookupHash:   g.gate.HashKey(rawKey),
		EncryptedKey: encryptedKey,
		KeyVersion:   keyVersion,
		Prefix:       keyPrefix(rawKey),
		Scopes:       []string{string(gate.ScopeInference), string(gate.ScopeModels)},
	})
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to issue api key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "api_key": rawKey})
}

// handleRevokeKey revokes one of the authenticated user's API keys.
func (g *Gateway) handleRevokeKey(ctx *fasthttp.RequestCtx) {
	permit, ok := g.requireAdmin(ctx, gate.ScopeModels)
	if !ok {
		return
	}
	idStr, _ := ctx.UserValue("id").(string)
	var keyID int64
	if _, err := fmt.Sscanf(idStr, "%d", &keyID); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid key id",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	owned, err := g.store.ListAPIKeys(ctx, permit.UserID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to verify key ownership",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	var found bool
	for _, k := range owned {
		if k.ID == keyID {
			found = true
			break
		}
	}
	if !found {
		apierr.WriteForbidden(ctx, "key does not belong to this account")
		return
	}

	if err := g.store.RevokeAPIKey(ctx, keyID); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to revoke key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// requireAdmin resolves and admits the bearer key found on ctx for one of
// the account-management endpoints, which always require ScopeModels at a
// minimum. Writes the error response and returns ok=false on failure.
func (g *Gateway) requireAdmin(ctx *fasthttp.RequestCtx, scope gate.Scope) (*gate.Permit, bool) {
	if g.gate == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"account endpoints require Postgres to be configured",
			apierr.TypeServerError, apierr.CodeUpstreamUnavailable)
		return nil, false
	}
	raw := bearerToken(ctx)
	meta := gate.RequestMeta{
		ClientAddr: ctx.RemoteIP().String(),
		Referrer:   string(ctx.Request.Header.Peek("Referer")),
	}
	permit, err := g.gate.Admit(ctx, raw, scope, meta)
	if err != nil {
		writeAdmitError(ctx, err)
		return nil, false
	}
	g.gate.Release(ctx, permit) // account endpoints don't hold a concurrency slot
	return permit, true
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	return strings.TrimPrefix(raw, "Bearer ")
}

func keyPrefix(rawKey string) string {
	if len(rawKey) <= 10 {
		return rawKey
	}
	return rawKey[:10]
}
