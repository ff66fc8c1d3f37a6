// Package catalog exposes the pack catalog file to the resolution engine.
package catalog

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/packgrant/packgrant/core/infra/config"
	"github.com/packgrant/packgrant/core/infra/logging"
	"github.com/packgrant/packgrant/core/packs"
)

// Catalog serves pack descriptors and per-server pack lists from the YAML
// catalog and delegates hash persistence to a registry.
type Catalog struct {
	path string

	mu     sync.RWMutex
	cfg    *config.PacksConfig
	digest [sha256.Size]byte

	hashes packs.HashRegistry

	listenersMu sync.Mutex
	listeners   []func(changed []string)
}

var _ packs.Catalog = (*Catalog)(nil)

// Open loads the catalog at path. Hashes are written back into the same
// file unless another registry is installed with UseHashes.
func Open(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	cfg, digest, err := load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.digest = digest
	c.hashes = &FileHashes{catalog: c}
	return c, nil
}

// UseHashes replaces the hash registry.
func (c *Catalog) UseHashes(registry packs.HashRegistry) {
	c.mu.Lock()
	c.hashes = registry
	c.mu.Unlock()
}

// Config returns the current parsed catalog. Callers must not mutate it.
func (c *Catalog) Config() *config.PacksConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Catalog) Path() string { return c.path }

// Asset returns the descriptor for a pack name.
func (c *Catalog) Asset(name string) (packs.Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cfg.Packs[name]
	if !ok {
		return packs.Asset{}, false
	}
	return toAsset(name, entry), true
}

// Assets returns every pack in name order.
func (c *Catalog) Assets() []packs.Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := c.cfg.PackNames()
	out := make([]packs.Asset, 0, len(names))
	for _, name := range names {
		out = append(out, toAsset(name, c.cfg.Packs[name]))
	}
	return out
}

// Resolve maps names to descriptors, failing on the first unknown name.
func (c *Catalog) Resolve(names []string) ([]packs.Asset, error) {
	out := make([]packs.Asset, 0, len(names))
	for _, name := range names {
		a, ok := c.Asset(name)
		if !ok {
			return nil, fmt.Errorf("pack %q: %w", name, packs.ErrUnknownAsset)
		}
		out = append(out, a)
	}
	return out, nil
}

// LookupAssetsForContext returns the ordered packs of a server, falling back
// to server_default.
func (c *Catalog) LookupAssetsForContext(_ context.Context, contextName string) (packs.ContextPacks, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	server, ok := c.cfg.Server(contextName)
	if !ok {
		return packs.ContextPacks{}, fmt.Errorf("server %q: %w", contextName, packs.ErrUnknownAsset)
	}
	assets := make([]packs.Asset, 0, len(server.Packs))
	for _, name := range server.Packs {
		entry, ok := c.cfg.Packs[name]
		if !ok {
			return packs.ContextPacks{}, fmt.Errorf("server %q pack %q: %w", contextName, name, packs.ErrUnknownAsset)
		}
		assets = append(assets, toAsset(name, entry))
	}
	return packs.ContextPacks{
		Context: contextName,
		Assets:  assets,
		Prompt:  server.Prompt,
		Force:   server.Force,
	}, nil
}

func (c *Catalog) LookupPersistedHash(ctx context.Context, name string) (packs.HashRecord, bool, error) {
	return c.registry().LookupPersistedHash(ctx, name)
}

func (c *Catalog) PersistHash(ctx context.Context, name string, rec packs.HashRecord) error {
	return c.registry().PersistHash(ctx, name, rec)
}

func (c *Catalog) registry() packs.HashRegistry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hashes
}

// OnChange registers fn to receive the names of packs whose descriptor
// changed (or disappeared) on reload.
func (c *Catalog) OnChange(fn func(changed []string)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// Reload re-reads the file. A file that fails validation leaves the current
// catalog in place.
func (c *Catalog) Reload() ([]string, error) {
	cfg, digest, err := load(c.path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if digest == c.digest {
		c.mu.Unlock()
		return nil, nil
	}
	changed := diffPacks(c.cfg, cfg)
	c.cfg = cfg
	c.digest = digest
	c.mu.Unlock()

	logging.Info("catalog", "reloaded", "path", c.path, "packs", len(cfg.Packs), "changed", len(changed))
	if len(changed) > 0 {
		c.listenersMu.Lock()
		listeners := append([]func([]string){}, c.listeners...)
		c.listenersMu.Unlock()
		for _, fn := range listeners {
			fn(changed)
		}
	}
	return changed, nil
}

// Watch polls the file every interval and reloads it when its content changes.
func (c *Catalog) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Reload(); err != nil {
				logging.Error("catalog", "reload failed", "path", c.path, "error", err)
			}
		}
	}
}

// setEntry updates one pack in memory after a hash write-back, keeping the
// digest in step with the file so the write does not look like an edit.
func (c *Catalog) setEntry(name string, entry config.PackEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	packsCopy := make(map[string]config.PackEntry, len(c.cfg.Packs))
	for k, v := range c.cfg.Packs {
		packsCopy[k] = v
	}
	packsCopy[name] = entry
	next := *c.cfg
	next.Packs = packsCopy
	c.cfg = &next
	if data, err := os.ReadFile(c.path); err == nil {
		c.digest = sha256.Sum256(data)
	}
}

func load(path string) (*config.PacksConfig, [sha256.Size]byte, error) {
	// #nosec G304 -- catalog path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("read catalog %s: %w", path, err)
	}
	cfg, err := config.ParsePacksConfig(data)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return cfg, sha256.Sum256(data), nil
}

func toAsset(name string, entry config.PackEntry) packs.Asset {
	return packs.Asset{
		Name:    name,
		Key:     entry.Key,
		Store:   entry.Store,
		Version: entry.Version,
	}
}

// diffPacks lists packs whose key, store or version changed, plus removed packs.
func diffPacks(prev, next *config.PacksConfig) []string {
	var changed []string
	for name, old := range prev.Packs {
		cur, ok := next.Packs[name]
		if !ok || cur.Key != old.Key || cur.Store != old.Store || cur.Version != old.Version {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}
