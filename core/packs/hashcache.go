package packs

import (
	"context"
	"sync"

	"github.com/packgrant/packgrant/core/infra/logging"
	"golang.org/x/sync/singleflight"
)

// HashCache memoises content hashes per asset key and version. A hash is computed at
// most once per version: concurrent callers for the same uncached version
// share one fetch and digest.
type HashCache struct {
	store    AssetStore
	registry HashRegistry
	metrics  Metrics

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]HashRecord
}

// NewHashCache builds a cache computing through store. registry may be nil,
// in which case hashes only live in-process.
func NewHashCache(store AssetStore, registry HashRegistry, metrics Metrics) *HashCache {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &HashCache{
		store:    store,
		registry: registry,
		metrics:  metrics,
		entries:  make(map[string]HashRecord),
	}
}

// GetOrCompute returns the hash of the asset's current version.
//
// The computation runs detached from the caller's context so that a caller
// going away does not cancel it for others waiting on the same asset; the
// caller itself stops waiting when ctx ends.
func (c *HashCache) GetOrCompute(ctx context.Context, asset Asset) (AssetHash, error) {
	if h, ok := c.lookup(asset); ok {
		c.metrics.IncHashCacheHit(asset.Name, "memory")
		return h, nil
	}
	if h, ok := c.lookupPersisted(ctx, asset); ok {
		c.metrics.IncHashCacheHit(asset.Name, "persisted")
		return h, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey(asset), func() (any, error) {
		if h, ok := c.lookup(asset); ok {
			return h, nil
		}
		return c.compute(detached, asset)
	})
	select {
	case <-ctx.Done():
		return AssetHash{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return AssetHash{}, res.Err
		}
		return res.Val.(AssetHash), nil
	}
}

// Invalidate forgets the in-process hash of the named asset. A persisted
// record is still honoured when its key and version match.
func (c *HashCache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// Cached returns the in-process record for the named asset.
func (c *HashCache) Cached(name string) (HashRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.entries[name]
	return rec, ok
}

func (c *HashCache) lookup(asset Asset) (AssetHash, bool) {
	c.mu.RLock()
	rec, ok := c.entries[asset.Name]
	c.mu.RUnlock()
	if !ok || !rec.Matches(asset) {
		return AssetHash{}, false
	}
	return rec.Hash, true
}

func (c *HashCache) lookupPersisted(ctx context.Context, asset Asset) (AssetHash, bool) {
	if c.registry == nil {
		return AssetHash{}, false
	}
	rec, ok, err := c.registry.LookupPersistedHash(ctx, asset.Name)
	if err != nil {
		logging.Warn("hashcache", "persisted hash lookup failed", "asset", asset.Name, "error", err)
		return AssetHash{}, false
	}
	if !ok || !rec.Matches(asset) {
		return AssetHash{}, false
	}
	c.remember(asset.Name, rec)
	return rec.Hash, true
}

func (c *HashCache) compute(ctx context.Context, asset Asset) (AssetHash, error) {
	rc, err := c.store.Fetch(ctx, asset)
	if err != nil {
		c.metrics.IncHashComputed(asset.Name, resultLabel(err))
		return AssetHash{}, &HashError{Asset: asset.Name, Err: err}
	}
	defer rc.Close()

	h, err := DigestReader(rc)
	if err != nil {
		err = FaultError("read", asset.Key, err)
		c.metrics.IncHashComputed(asset.Name, resultLabel(err))
		return AssetHash{}, &HashError{Asset: asset.Name, Err: err}
	}
	rec := HashRecord{Hash: h, Key: asset.Key, Version: asset.Version}
	c.remember(asset.Name, rec)
	c.metrics.IncHashComputed(asset.Name, "ok")
	logging.Info("hashcache", "hash computed", "asset", asset.Name, "version", asset.Version, "hash", h.String())

	if c.registry != nil {
		if err := c.registry.PersistHash(ctx, asset.Name, rec); err != nil {
			logging.Error("hashcache", "persist hash failed", "asset", asset.Name, "error", err)
		}
	}
	return h, nil
}

func (c *HashCache) remember(name string, rec HashRecord) {
	c.mu.Lock()
	c.entries[name] = rec
	c.mu.Unlock()
}

func flightKey(asset Asset) string {
	return asset.Name + "\x00" + asset.Key + "\x00" + asset.Version
}

func resultLabel(err error) string {
	if IsLimited(err) {
		return "limited"
	}
	return "error"
}
