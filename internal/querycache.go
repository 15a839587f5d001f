package internal

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/marginalia-hq/marginalia"
)

type cacheEntry struct {
	payload   any
	fetchedAt time.Time
}

// QueryCache is the time-boxed cache of server reads (lists, facets,
// suggestions). Entries are fresh until their view's staleness window
// elapses or a mutation of the same entity family invalidates them
// explicitly; explicit invalidation is the only path that marks entries
// stale early. Concurrent reads of the same key share one fetch.
type QueryCache struct {
	cfg     marginalia.CacheConfig
	metrics *Metrics
	clock   func() time.Time

	flight singleflight.Group
	lru    *expirable.LRU[string, cacheEntry]

	// mu guards gens and keys together. A family's generation advances on
	// every invalidation; an in-flight fetch started before the bump must
	// not repopulate the cache with pre-mutation data. Keys are registered
	// before the fetch starts and the gen check and the LRU add happen
	// under the same lock as the bump-and-scan, so an invalidation can
	// never slip between them.
	mu   sync.Mutex
	gens map[marginalia.Family]uint64
	// keys maps cache keys to their structured form for invalidation
	// scans. It may briefly hold keys with no LRU entry (in-flight or
	// failed fetches, TTL evictions); invalidation prunes those.
	keys map[string]marginalia.QueryKey
}

// NewQueryCache creates a cache bounded by cfg.Capacity with the longest
// staleness window as the hard expiry backstop.
func NewQueryCache(cfg marginalia.CacheConfig, metrics *Metrics) *QueryCache {
	return &QueryCache{
		cfg:     cfg,
		metrics: metrics,
		clock:   time.Now,
		keys:    make(map[string]marginalia.QueryKey),
		gens:    make(map[marginalia.Family]uint64),
		lru:     expirable.NewLRU[string, cacheEntry](cfg.Capacity, nil, cfg.MaxStaleness()),
	}
}

// Read returns the cached payload when it is fresher than the view's
// staleness window; otherwise it awaits the fetcher and stores the result.
// Abandonment through ctx leaves the shared fetch and the cache untouched.
func (c *QueryCache) Read(ctx context.Context, key marginalia.QueryKey, fetch marginalia.FetchFunc) (any, error) {
	if fetch == nil {
		return nil, marginalia.NewValidationError("fetch function cannot be nil")
	}
	staleness := c.cfg.StalenessFor(key.View)
	ck := key.String()

	if ent, ok := c.lru.Get(ck); ok && c.clock().Sub(ent.fetchedAt) < staleness {
		c.metrics.observeCacheRead(key.View, true)
		return ent.payload, nil
	}
	c.metrics.observeCacheRead(key.View, false)

	// Registering before the fetch makes the in-flight key visible to
	// invalidation scans, so even a predicate invalidation issued while the
	// fetch is running advances the generation it will be checked against.
	c.mu.Lock()
	startGen := c.gens[key.Family]
	c.keys[ck] = key
	c.mu.Unlock()

	// The shared flight runs detached from the first caller's context so an
	// abandoned read cannot fail the fetch for everyone behind it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(ck, func() (any, error) {
		payload, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.store(key, ck, payload, startGen)
		return payload, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *QueryCache) store(key marginalia.QueryKey, ck string, payload any, startGen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key.Family] != startGen {
		zap.S().Debugw("dropping fetch result invalidated mid-flight", "key", ck)
		return
	}
	c.lru.Add(ck, cacheEntry{payload: payload, fetchedAt: c.clock()})
	c.keys[ck] = key
}

// Invalidate drops every entry matching the predicate and returns how many
// were dropped. Matching keys whose fetch is still in flight have no entry
// to drop, but their family generation advances so the fetch result is
// discarded on arrival.
func (c *QueryCache) Invalidate(pred func(marginalia.QueryKey) bool) int {
	if pred == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	families := make(map[marginalia.Family]bool)
	for ck, key := range c.keys {
		if !pred(key) {
			continue
		}
		families[key.Family] = true
		delete(c.keys, ck)
		if c.lru.Remove(ck) {
			dropped++
		}
	}
	for f := range families {
		c.gens[f]++
	}
	return dropped
}

// InvalidateFamily drops every entry for one entity family. Mutation commit
// calls this for each family it touched, which keeps list views from
// showing data contradicted by a just-committed mutation. The generation
// bump covers fetches still in flight, registered or not.
func (c *QueryCache) InvalidateFamily(f marginalia.Family) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[f]++
	dropped := 0
	for ck, key := range c.keys {
		if key.Family != f {
			continue
		}
		delete(c.keys, ck)
		if c.lru.Remove(ck) {
			dropped++
		}
	}
	c.metrics.observeInvalidation(f, dropped)
	return dropped
}

// Len reports the number of live cache entries.
func (c *QueryCache) Len() int {
	return c.lru.Len()
}
