// Package huggingface implements the providers.Provider interface for
// HuggingFace Inference Providers. Inference requests are delegated to
// HuggingFace's OpenAI-compatible router; catalog listing instead hits
// HuggingFace's own models API with multi-sort harvesting, since no single
// sort order surfaces the full Inference-Providers-eligible roster.
package huggingface

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaypoint/gateway/internal/providers"
	"github.com/relaypoint/gateway/internal/providers/openaicompat"
)

const (
	providerName  = "huggingface"
	routerBaseURL = "https://router.huggingface.co/v1"
	maxHarvest    = 50000
	pageSize      = 100
	unauthDelay   = 500 * time.Millisecond
)

// modelsAPIURL is a var, not a const, so tests can redirect harvesting at an
// httptest server instead of the real HuggingFace API.
var modelsAPIURL = "https://huggingface.co/api/models"

// Provider embeds openaicompat.Provider for inference (chat/embeddings) and
// overrides ListModels with HuggingFace-specific harvesting.
type Provider struct {
	*openaicompat.Provider
	apiKey     string
	fetchSorts []string
	httpClient *http.Client
}

// New creates a new HuggingFace Provider. fetchSorts is the ordered list of
// sort keys to harvest; an empty slice falls back to a reasonable default.
func New(apiKey string, fetchSorts []string, opts ...openaicompat.Option) *Provider {
	if len(fetchSorts) == 0 {
		fetchSorts = []string{"likes", "downloads", "trending"}
	}
	allOpts := append([]openaicompat.Option{openaicompat.WithoutModelListing()}, opts...)
	return &Provider{
		Provider:   openaicompat.New(providerName, apiKey, routerBaseURL, allOpts...),
		apiKey:     apiKey,
		fetchSorts: fetchSorts,
		httpClient: &http.Client{Timeout: providers.ProviderTimeout},
	}
}

type hfModel struct {
	ID        string `json:"id"`
	Likes     int64  `json:"likes"`
	Downloads int64  `json:"downloads"`
}

// ListModels harvests the catalog by issuing one request per configured
// sort key and deduping by model id, preserving first-seen order. One bad
// sort doesn't blank the whole catalog — it's skipped and harvesting
// continues with the next. Unauthenticated requests are throttled harder
// by HuggingFace, so an inter-batch delay is inserted when no API key is
// configured.
func (p *Provider) ListModels(ctx context.Context) ([]providers.CatalogEntry, error) {
	seen := make(map[string]bool)
	var entries []providers.CatalogEntry

	for i, sort := range p.fetchSorts {
		if i > 0 && p.apiKey == "" {
			select {
			case <-ctx.Done():
				return entries, ctx.Err()
			case <-time.After(unauthDelay):
			}
		}

		batch, err := p.fetchSorted(ctx, sort)
		if err != nil {
			continue
		}

		for _, m := range batch {
			if seen[m.ID] || len(entries) >= maxHarvest {
				continue
			}
			seen[m.ID] = true
			entries = append(entries, providers.CatalogEntry{
				ID:            providerName + "/" + m.ID,
				SourceGateway: providerName,
				DisplayName:   m.ID,
				HFLikes:       m.Likes,
				HFDownloads:   m.Downloads,
				Modality:      providers.Modality{Input: []string{"text"}, Output: []string{"text"}},
			})
		}
	}

	if len(entries) == 0 {
		return providers.StaticCatalogFor(providerName), nil
	}
	return entries, nil
}

func (p *Provider) fetchSorted(ctx context.Context, sort string) ([]hfModel, error) {
	url := fmt.Sprintf("%s?pipeline_tag=text-generation&inference_provider=all&sort=%s&limit=%d",
		modelsAPIURL, sort, pageSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("huggingface: list models (sort=%s): status %d", sort, resp.StatusCode)
	}

	var models []hfModel
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("huggingface: decode models (sort=%s): %w", sort, err)
	}
	return models, nil
}
