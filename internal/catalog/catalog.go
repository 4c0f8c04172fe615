// Package catalog maintains the gateway's unified model listing: one
// provider.ListModels call per configured gateway, merged into a single
// queryable snapshot with a TTL/stale-while-revalidate refresh policy and
// singleflight-deduped concurrent refreshes.
package catalog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaypoint/gateway/internal/providers"
)

// cell holds one gateway's cached listing plus the bookkeeping needed to
// decide fresh / stale-but-servable / expired.
type cell struct {
	entries   []providers.CatalogEntry
	fetchedAt time.Time
	err       error
}

func (c *cell) fresh(ttl time.Duration) bool {
	return c != nil && c.err == nil && time.Since(c.fetchedAt) < ttl
}

func (c *cell) servable(staleTTL time.Duration) bool {
	return c != nil && len(c.entries) > 0 && time.Since(c.fetchedAt) < staleTTL
}

// Catalog is the unified model listing across every configured gateway.
type Catalog struct {
	provs        map[string]providers.Provider
	ttl          time.Duration
	staleTTL     time.Duration
	fetchTimeout time.Duration
	log          *slog.Logger

	mu      sync.RWMutex
	cells   map[string]*cell
	sf      singleflight.Group
	refresh int64 // count of live fetches performed, for metrics/tests
}

// New builds a Catalog over the given provider set.
func New(provs map[string]providers.Provider, ttl, staleTTL, fetchTimeout time.Duration, log *slog.Logger) *Catalog {
	return &Catalog{
		provs:        provs,
		ttl:          ttl,
		staleTTL:     staleTTL,
		fetchTimeout: fetchTimeout,
		log:          log,
		cells:        make(map[string]*cell),
	}
}

// RefreshCount returns the number of live (non-singleflight-deduped,
// non-cache-hit) fetches performed so far. Exposed for tests and metrics.
func (c *Catalog) RefreshCount() int64 {
	return atomic.LoadInt64(&c.refresh)
}

// GetModels returns gateway's catalog entries. Fresh entries are returned
// immediately. Stale-but-within-staleTTL entries are returned immediately
// too, with a background refresh kicked off (stale-while-revalidate).
// Beyond staleTTL (or with no cached entries at all), the caller blocks on
// a synchronous refresh.
func (c *Catalog) GetModels(ctx context.Context, gateway string) ([]providers.CatalogEntry, error) {
	c.mu.RLock()
	cur := c.cells[gateway]
	c.mu.RUnlock()

	if cur.fresh(c.ttl) {
		return cur.entries, nil
	}

	if cur.servable(c.staleTTL) {
		go c.refreshOne(context.WithoutCancel(ctx), gateway)
		return cur.entries, nil
	}

	entries, err := c.refreshOne(ctx, gateway)
	if err != nil && cur.servable(c.staleTTL*4) {
		// Refresh failed but we still have something from a while back —
		// degrade to stale data rather than a hard error.
		return cur.entries, nil
	}
	return entries, err
}

// GetAll returns the merged catalog across every gateway, resolved per the
// gateway's own TTL/stale rules. Aggregator gateways (e.g. "portkey") whose
// entries overlap a direct provider's are only included when no direct
// provider exposes a model with the same DisplayName — a direct integration always wins over
// the same model reached through an aggregator, since it avoids a hop.
func (c *Catalog) GetAll(ctx context.Context) []providers.CatalogEntry {
	type result struct {
		gateway string
		entries []providers.CatalogEntry
	}

	results := make([]result, 0, len(c.provs))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for gw := range c.provs {
		wg.Add(1)
		go func(gateway string) {
			defer wg.Done()
			entries, _ := c.GetModels(ctx, gateway)
			mu.Lock()
			results = append(results, result{gateway: gateway, entries: entries})
			mu.Unlock()
		}(gw)
	}
	wg.Wait()

	direct := make(map[string]bool)
	for _, r := range results {
		if !isAggregator(r.gateway) {
			for _, e := range r.entries {
				direct[e.DisplayName] = true
			}
		}
	}

	var merged []providers.CatalogEntry
	for _, r := range results {
		for _, e := range r.entries {
			if isAggregator(r.gateway) && direct[e.DisplayName] {
				continue
			}
			merged = append(merged, e)
		}
	}
	return merged
}

// isAggregator reports whether gateway is a multi-upstream aggregator whose
// listings should yield to a direct provider's entry for the same model.
func isAggregator(gateway string) bool {
	switch gateway {
	case "openrouter", "portkey", "vercelai":
		return true
	default:
		return false
	}
}

// Invalidate drops gateway's cached entries, forcing the next GetModels
// call to fetch synchronously.
func (c *Catalog) Invalidate(gateway string) {
	c.mu.Lock()
	delete(c.cells, gateway)
	c.mu.Unlock()
}

func (c *Catalog) refreshOne(ctx context.Context, gateway string) ([]providers.CatalogEntry, error) {
	v, err, _ := c.sf.Do(gateway, func() (any, error) {
		atomic.AddInt64(&c.refresh, 1)

		prov, ok := c.provs[gateway]
		if !ok {
			return nil, errUnknownGateway(gateway)
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()

		entries, err := prov.ListModels(fetchCtx)
		next := &cell{entries: entries, fetchedAt: time.Now(), err: err}

		c.mu.Lock()
		if err == nil || c.cells[gateway] == nil {
			c.cells[gateway] = next
		} else {
			// Keep the old entries (so staleness rules still apply) but
			// record the failure so GetModels can decide to degrade.
			prev := *c.cells[gateway]
			prev.err = err
			c.cells[gateway] = &prev
		}
		c.mu.Unlock()

		if err != nil {
			c.log.WarnContext(ctx, "catalog_refresh_failed",
				slog.String("gateway", gateway), slog.String("error", err.Error()))
			return nil, err
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]providers.CatalogEntry), nil
}

type errUnknownGateway string

func (e errUnknownGateway) Error() string { return "catalog: unknown gateway: " + string(e) }
