// Package fetch orchestrates tile fetches across the cache tiers and
// upstream sources: in-process cache, shared local store, per-tile service,
// region service, with single-flight coalescing and neighbor prefetch.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shadowmap/datalayer/internal/cache/keys"
	"github.com/shadowmap/datalayer/internal/cache/memcache"
	"github.com/shadowmap/datalayer/internal/featureset"
	"github.com/shadowmap/datalayer/internal/model"
	"github.com/shadowmap/datalayer/internal/observability"
	"github.com/shadowmap/datalayer/internal/tile"
	"github.com/shadowmap/datalayer/internal/upstream"
)

// LocalStore is the shared (usually Redis-backed) tier consulted before any
// network fetch. A nil store disables the tier.
type LocalStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// FeatureSource is the upstream pair of services features are fetched from.
type FeatureSource interface {
	FetchRegion(ctx context.Context, bounds model.BoundingBox) ([]model.Feature, error)
	FetchTile(ctx context.Context, k tile.Key) ([]model.Feature, error)
}

type Config struct {
	MaxTiles        int
	TileConcurrency int
	TileTimeout     time.Duration
	LocalTTL        time.Duration

	MemoryMaxItems  int
	MemoryMaxBytes  int64
	MemoryTTL       time.Duration
	JanitorInterval time.Duration

	PrefetchEnabled bool
}

func (c *Config) applyDefaults() {
	if c.MaxTiles <= 0 {
		c.MaxTiles = tile.DefaultMaxTiles
	}
	if c.TileConcurrency <= 0 {
		c.TileConcurrency = 4
	}
	if c.TileTimeout <= 0 {
		c.TileTimeout = 8 * time.Second
	}
	if c.LocalTTL <= 0 {
		c.LocalTTL = 10 * time.Minute
	}
}

type regionInfo struct {
	bounds model.BoundingBox
	zoom   float64
}

// Coordinator answers region queries with bounded fan-out and at most one
// logical upstream fetch per cache key at a time.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	cache  *memcache.Cache[[]model.Feature]
	local  LocalStore
	source FeatureSource
	store  *featureset.Store

	sf singleflight.Group

	mu         sync.Mutex
	regions    map[string]regionInfo
	maxTracked int
}

func New(cfg Config, logger *slog.Logger, local LocalStore, source FeatureSource, store *featureset.Store) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	trackItems := cfg.MemoryMaxItems
	if trackItems <= 0 {
		trackItems = memcache.DefaultMaxItems
	}
	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		local:  local,
		source: source,
		store:  store,
		// Tracking room for a few generations of evicted regions keeps
		// invalidation effective without letting a long pan session leak.
		maxTracked: 8 * trackItems,
		regions:    make(map[string]regionInfo),
	}

	mc := memcache.Config{
		MaxItems:        cfg.MemoryMaxItems,
		MaxBytes:        cfg.MemoryMaxBytes,
		TTL:             cfg.MemoryTTL,
		JanitorInterval: cfg.JanitorInterval,
	}
	if cfg.PrefetchEnabled {
		mc.Prefetch = &memcache.Prefetch{
			Neighbors: c.neighborKeys,
			Load:      c.prefetchLoad,
		}
	}
	c.cache = memcache.New[[]model.Feature](mc)
	return c
}

// Start launches the cache janitor; Stop releases it.
func (c *Coordinator) Start() { c.cache.StartJanitor() }
func (c *Coordinator) Stop()  { c.cache.StopJanitor() }

// GetFeatures returns the features for bounds at zoom, fetching on miss.
// Concurrent calls for the same cache key share one underlying fetch; a
// caller whose context expires stops waiting, but the shared fetch runs to
// completion so later callers can still use its result.
func (c *Coordinator) GetFeatures(ctx context.Context, bounds model.BoundingBox, zoom float64) ([]model.Feature, error) {
	if !bounds.Valid() {
		return []model.Feature{}, nil
	}
	key := keys.Region(bounds, zoom)
	c.trackRegion(key, bounds, zoom)

	if feats, ok := c.cache.Get(key); ok {
		observability.IncCacheHit("memory")
		return feats, nil
	}
	observability.IncCacheMiss("memory")

	ch := c.sf.DoChan(key, func() (any, error) {
		return c.fill(context.WithoutCancel(ctx), bounds, zoom, key)
	})

	select {
	case res := <-ch:
		if res.Shared {
			observability.IncCoalescedFetch()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]model.Feature), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Features returns the accumulated deduplicated feature set, in insertion
// order. This is what the shadow consumer renders from.
func (c *Coordinator) Features() []model.Feature {
	return c.store.Snapshot()
}

// Stats reports the in-process cache counters and the accumulated store size.
type Stats struct {
	Memory       memcache.Stats `json:"memory"`
	StoreSize    int            `json:"storeSize"`
	StoreBytes   int64          `json:"storeBytes"`
	TrackedBoxes int            `json:"trackedRegions"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	tracked := len(c.regions)
	c.mu.Unlock()
	return Stats{
		Memory:       c.cache.Stats(),
		StoreSize:    c.store.Size(),
		StoreBytes:   c.store.EstimatedBytes(),
		TrackedBoxes: tracked,
	}
}

// InvalidateRegion drops every cached region overlapping bounds, plus the
// intersecting tile keys in the local store at the zoom levels seen so far.
func (c *Coordinator) InvalidateRegion(ctx context.Context, bounds model.BoundingBox) (int, error) {
	c.mu.Lock()
	var regionKeys []string
	zooms := map[int]struct{}{}
	for k, info := range c.regions {
		zooms[int(math.Floor(info.zoom))] = struct{}{}
		if info.bounds.Intersects(bounds) {
			regionKeys = append(regionKeys, k)
			delete(c.regions, k)
		}
	}
	c.mu.Unlock()

	for _, k := range regionKeys {
		c.cache.Delete(k)
	}

	if c.local == nil {
		return len(regionKeys), nil
	}

	del := make([]string, 0, len(regionKeys))
	del = append(del, regionKeys...)
	for z := range zooms {
		for _, tk := range tile.TilesFor(bounds, z, 64) {
			del = append(del, keys.Tile(tk))
		}
	}
	if err := c.local.Del(ctx, del...); err != nil {
		return len(regionKeys), fmt.Errorf("invalidate local store: %w", err)
	}
	return len(regionKeys), nil
}

// fill is the single-flight body: local store, then per-tile fan-out, then
// the region service, then (on exhaustion) neighbor prefetch scheduling.
func (c *Coordinator) fill(ctx context.Context, bounds model.BoundingBox, zoom float64, key string) ([]model.Feature, error) {
	start := time.Now()

	if c.local != nil {
		blob, ok, err := c.local.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("local store read failed, continuing to fetch", "key", key, "err", err)
		case ok:
			feats, derr := decodeCollection(blob)
			if derr == nil {
				c.finish(key, feats, false)
				return feats, nil
			}
			c.logger.Warn("local store payload undecodable, refetching", "key", key, "err", derr)
		}
	}

	feats, err := c.fetchTiles(ctx, bounds, zoom)
	if err != nil {
		return nil, err
	}

	if len(feats) == 0 {
		regionFeats, rerr := c.source.FetchRegion(ctx, bounds)
		switch {
		case rerr == nil:
			feats = regionFeats
		case errors.Is(rerr, upstream.ErrMalformedPayload):
			return nil, rerr
		default:
			// Exhausted sources degrade to an empty result, never an error.
			c.logger.Warn("region service fallback failed", "bounds", bounds.String(), "err", rerr)
		}
	}

	if len(feats) == 0 && c.cfg.PrefetchEnabled {
		// Sparse coverage here often means the user is panning toward data;
		// warm the adjacent regions without blocking this response.
		c.schedulePrefetch(bounds, zoom)
	}
	if feats == nil {
		feats = []model.Feature{}
	}

	c.finish(key, feats, true)
	c.logger.Debug("region fill complete",
		"key", key, "features", len(feats), "dur", time.Since(start).String())
	return feats, nil
}

// finish merges results into the identity store and populates the cache
// tiers. writeLocal is false when the payload just came from the local store.
func (c *Coordinator) finish(key string, feats []model.Feature, writeLocal bool) {
	added := c.store.Add(feats)
	if added > 0 {
		c.logger.Debug("feature store merged", "key", key, "new", added)
	}
	c.cache.Set(key, feats, estimateSize(feats))

	if writeLocal && c.local != nil {
		blob, err := json.Marshal(model.NewFeatureCollection(feats))
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if serr := c.local.Set(ctx, key, blob, c.cfg.LocalTTL); serr != nil {
				c.logger.Warn("local store write failed", "key", key, "err", serr)
			}
		}
	}
}

type tileResult struct {
	key   tile.Key
	feats []model.Feature
	err   error
}

func (c *Coordinator) fetchTiles(ctx context.Context, bounds model.BoundingBox, zoom float64) ([]model.Feature, error) {
	tiles := tile.TilesFor(bounds, int(math.Floor(zoom)), c.cfg.MaxTiles)
	if len(tiles) == 0 {
		return []model.Feature{}, nil
	}

	jobs := make(chan tile.Key, len(tiles))
	results := make(chan tileResult, len(tiles))

	workerN := c.cfg.TileConcurrency
	if workerN > len(tiles) {
		workerN = len(tiles)
	}

	var wg sync.WaitGroup
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for k := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				results <- c.fetchOneTile(ctx, k)
			}
		}()
	}

	for _, k := range tiles {
		jobs <- k
	}
	close(jobs)
	wg.Wait()
	close(results)

	var (
		feats       []model.Feature
		contractErr error
		failed      int
	)
	for r := range results {
		if r.err != nil {
			if errors.Is(r.err, upstream.ErrMalformedPayload) {
				contractErr = r.err
			} else {
				// A failed tile contributes zero features; partial results
				// beat total failure.
				failed++
				c.logger.Warn("tile fetch failed", "tile", r.key.String(), "err", r.err)
			}
			continue
		}
		feats = append(feats, r.feats...)
	}
	if contractErr != nil {
		return nil, contractErr
	}
	if failed > 0 {
		c.logger.Info("partial tile coverage", "tiles", len(tiles), "failed", failed)
	}
	if feats == nil {
		feats = []model.Feature{}
	}
	return feats, nil
}

func (c *Coordinator) fetchOneTile(ctx context.Context, k tile.Key) tileResult {
	cacheKey := keys.Tile(k)

	if c.local != nil {
		blob, ok, err := c.local.Get(ctx, cacheKey)
		if err == nil && ok {
			if feats, derr := decodeCollection(blob); derr == nil {
				return tileResult{key: k, feats: feats}
			}
		}
	}

	ctxTile, cancel := context.WithTimeout(ctx, c.cfg.TileTimeout)
	defer cancel()

	feats, err := c.source.FetchTile(ctxTile, k)
	if err != nil {
		return tileResult{key: k, err: err}
	}

	if c.local != nil {
		if blob, merr := json.Marshal(model.NewFeatureCollection(feats)); merr == nil {
			if serr := c.local.Set(ctx, cacheKey, blob, c.cfg.LocalTTL); serr != nil {
				c.logger.Warn("tile store write failed", "key", cacheKey, "err", serr)
			}
		}
	}
	return tileResult{key: k, feats: feats}
}

func (c *Coordinator) trackRegion(key string, bounds model.BoundingBox, zoom float64) {
	c.mu.Lock()
	if _, ok := c.regions[key]; !ok && len(c.regions) >= c.maxTracked {
		c.pruneRegionsLocked()
	}
	c.regions[key] = regionInfo{bounds: bounds, zoom: zoom}
	c.mu.Unlock()
}

// pruneRegionsLocked drops tracked regions whose cache entry is gone. The
// cache holds at most MemoryMaxItems entries, so this always brings the map
// well under maxTracked.
func (c *Coordinator) pruneRegionsLocked() {
	for k := range c.regions {
		if !c.cache.Contains(k) {
			delete(c.regions, k)
		}
	}
}

// neighborKeys synthesizes the cache keys adjacent to a key that just hit,
// registering their boxes so a later prefetch can resolve them.
func (c *Coordinator) neighborKeys(key string) []string {
	c.mu.Lock()
	info, ok := c.regions[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	neighbors := keys.RegionNeighbors(info.bounds, info.zoom)
	out := make([]string, 0, len(neighbors))
	for nk, nb := range neighbors {
		c.trackRegion(nk, nb, info.zoom)
		out = append(out, nk)
	}
	return out
}

// prefetchLoad resolves and fills one neighbor key in the background.
// Failures are swallowed; the result silently populates the cache.
func (c *Coordinator) prefetchLoad(key string) {
	c.mu.Lock()
	info, ok := c.regions[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	_, err, _ := c.sf.Do(key, func() (any, error) {
		return c.fill(context.Background(), info.bounds, info.zoom, key)
	})
	if err != nil {
		observability.IncPrefetch("error")
		c.logger.Debug("prefetch failed", "key", key, "err", err)
		return
	}
	observability.IncPrefetch("ok")
}

func (c *Coordinator) schedulePrefetch(bounds model.BoundingBox, zoom float64) {
	for nk, nb := range keys.RegionNeighbors(bounds, zoom) {
		if c.cache.Contains(nk) {
			continue
		}
		c.trackRegion(nk, nb, zoom)
		go c.prefetchLoad(nk)
	}
}

func decodeCollection(blob []byte) ([]model.Feature, error) {
	var fc model.FeatureCollection
	if err := json.Unmarshal(blob, &fc); err != nil {
		return nil, fmt.Errorf("decode cached collection: %w", err)
	}
	if fc.Features == nil {
		fc.Features = []model.Feature{}
	}
	return fc.Features, nil
}

func estimateSize(feats []model.Feature) int64 {
	var n int64
	for _, f := range feats {
		n += int64(len(f.Geometry)) + 64
		for k, v := range f.Properties {
			n += int64(len(k)) + 16
			if s, ok := v.(string); ok {
				n += int64(len(s))
			}
		}
	}
	return n
}
