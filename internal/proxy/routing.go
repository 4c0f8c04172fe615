package proxy

import (
	"context"
	"errors"
	"strings"

	"github.com/relaypoint/gateway/internal/catalog"
	"github.com/relaypoint/gateway/internal/providers"
)

// ErrNoRoute is returned by resolvePlan when the catalog has zero gateways
// carrying the requested model — the caller surfaces this as 404 before any
// upstream call is attempted.
var ErrNoRoute = errors.New("proxy: no gateway serves this model")

// routePlan is the ordered list of gateways requestWithFailover will try for
// one request, built once by resolvePlan.
type routePlan struct {
	Gateways []string
}

// resolvePlan builds the attempt order for one chat/completion request.
//
// A "gateway/model" prefix on the model name, or an explicit pinnedGateway
// (the optional request body "gateway" field), always goes first. The
// remaining candidates come from the unified catalog, filtered to gateways
// that actually list the model and ordered by providers.DefaultFallbackOrder
// (OpenRouter and Vercel AI Gateway ahead of direct providers, Portkey and
// HuggingFace behind them). When no catalog is configured, resolvePlan falls
// back to the static ModelAliases map so compile-time-known models still
// route. The plan is capped at maxAttempts entries.
func resolvePlan(ctx context.Context, cat *catalog.Catalog, provs map[string]providers.Provider, model, pinnedGateway string, maxAttempts int) (routePlan, string, error) {
	gatewayPrefix, bareModel := splitGatewayPrefix(model)
	if gatewayPrefix != "" {
		pinnedGateway = gatewayPrefix
		model = bareModel
	}

	var candidates []string
	if cat != nil {
		candidates = candidateGateways(ctx, cat, provs, model)
		if len(candidates) == 0 {
			return routePlan{}, model, ErrNoRoute
		}
	} else if name := resolveProvider(model); name != "" {
		candidates = []string{name}
	}

	if pinnedGateway != "" {
		candidates = pinFirst(candidates, pinnedGateway)
	}
	if len(candidates) == 0 {
		return routePlan{}, model, ErrNoRoute
	}
	if maxAttempts > 0 && len(candidates) > maxAttempts {
		candidates = candidates[:maxAttempts]
	}
	return routePlan{Gateways: candidates}, model, nil
}

// candidateGateways intersects the unified catalog's entries for model
// against the configured providers, returning the matches in
// providers.DefaultFallbackOrder priority.
func candidateGateways(ctx context.Context, cat *catalog.Catalog, provs map[string]providers.Provider, model string) []string {
	entries := cat.GetAll(ctx)
	matched := make(map[string]bool)
	for _, e := range entries {
		if e.DisplayName == model || e.ID == model {
			matched[e.SourceGateway] = true
		}
	}
	if len(matched) == 0 {
		return nil
	}
	var out []string
	for _, name := range providers.DefaultFallbackOrder {
		if matched[name] {
			if _, ok := provs[name]; ok {
				out = append(out, name)
			}
		}
	}
	return out
}

// splitGatewayPrefix splits a "gateway/model" request model into its
// gateway and bare-model parts, but only when the segment before the first
// "/" names a known gateway — HuggingFace-style model IDs like
// "meta-llama/Llama-3.3-70B-Instruct-Turbo" are left untouched.
func splitGatewayPrefix(model string) (string, string) {
	idx := strings.IndexByte(model, '/')
	if idx < 0 {
		return "", model
	}
	prefix := model[:idx]
	if !isKnownGateway(prefix) {
		return "", model
	}
	return prefix, model[idx+1:]
}

func isKnownGateway(name string) bool {
	for _, g := range providers.DefaultFallbackOrder {
		if g == name {
			return true
		}
	}
	return false
}

// pinFirst moves (or prepends) pinned to the front of candidates. A pinned
// gateway/model prefix or request-level gateway hint is allowed to attempt
// even when the catalog doesn't currently list the model under it.
func pinFirst(candidates []string, pinned string) []string {
	out := make([]string, 0, len(candidates)+1)
	out = append(out, pinned)
	for _, c := range candidates {
		if c != pinned {
			out = append(out, c)
		}
	}
	return out
}

// resolveProvider returns the provider name for the given chat/completion model.
// Falls back to "openai" if the model is unknown.
func resolveProvider(model string) string {
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}

// resolveEmbeddingProvider returns the provider name for the given embedding model.
// It checks EmbeddingModelAliases first, then ModelAliases for provider detection,
// and falls back to "openai".
func resolveEmbeddingProvider(model string) string {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	// A user might pass a chat model name; resolve to its provider so it can
	// attempt the embedding call (the provider API will return a clear error).
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}
