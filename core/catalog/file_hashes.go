package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/packgrant/packgrant/core/infra/config"
	"github.com/packgrant/packgrant/core/infra/logging"
	"github.com/packgrant/packgrant/core/packs"
)

// FileHashes keeps computed hashes in the catalog file itself, next to the
// pack they belong to.
type FileHashes struct {
	catalog *Catalog
	mu      sync.Mutex
}

var _ packs.HashRegistry = (*FileHashes)(nil)

// LookupPersistedHash returns the written-back hash with the key and version
// it was computed for, which may differ from the pack's current descriptor.
func (f *FileHashes) LookupPersistedHash(_ context.Context, name string) (packs.HashRecord, bool, error) {
	entry, ok := f.catalog.Config().Packs[name]
	if !ok || entry.Hash == "" {
		return packs.HashRecord{}, false, nil
	}
	hash, err := packs.ParseAssetHash(entry.Hash)
	if err != nil {
		return packs.HashRecord{}, false, fmt.Errorf("pack %q hash: %w", name, err)
	}
	return packs.HashRecord{Hash: hash, Key: entry.HashKey, Version: entry.HashVersion}, true, nil
}

// PersistHash skips records computed for a key or version the catalog no
// longer holds, so a write-back never reverts an operator edit.
func (f *FileHashes) PersistHash(_ context.Context, name string, rec packs.HashRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.catalog.Config().Packs[name]
	if !ok {
		return fmt.Errorf("pack %q: %w", name, packs.ErrUnknownAsset)
	}
	if entry.Key != rec.Key || entry.Version != rec.Version {
		logging.Info("catalog", "skip stale hash write-back", "pack", name,
			"key", rec.Key, "version", rec.Version, "current_key", entry.Key, "current", entry.Version)
		return nil
	}
	hash := rec.Hash.String()
	if entry.Hash == hash && entry.HashKey == rec.Key && entry.HashVersion == rec.Version {
		return nil
	}
	if err := config.SavePackHash(f.catalog.Path(), name, hash, rec.Key, rec.Version); err != nil {
		return err
	}
	entry.Hash = hash
	entry.HashKey = rec.Key
	entry.HashVersion = rec.Version
	f.catalog.setEntry(name, entry)
	return nil
}
