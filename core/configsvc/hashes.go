package configsvc

import (
	"context"
	"errors"
	"fmt"

	"github.com/packgrant/packgrant/core/packs"
)

// HashStore adapts Service to the engine's hash registry.
type HashStore struct {
	svc *Service
}

var _ packs.HashRegistry = (*HashStore)(nil)

func NewHashStore(svc *Service) *HashStore {
	return &HashStore{svc: svc}
}

func (h *HashStore) LookupPersistedHash(ctx context.Context, name string) (packs.HashRecord, bool, error) {
	doc, err := h.svc.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return packs.HashRecord{}, false, nil
	}
	if err != nil {
		return packs.HashRecord{}, false, err
	}
	hash, err := packs.ParseAssetHash(doc.Hash)
	if err != nil {
		return packs.HashRecord{}, false, fmt.Errorf("hash document %s: %w", name, err)
	}
	return packs.HashRecord{Hash: hash, Key: doc.Key, Version: doc.Version}, true, nil
}

func (h *HashStore) PersistHash(ctx context.Context, name string, rec packs.HashRecord) error {
	return h.svc.Set(ctx, &Document{
		Pack:    name,
		Hash:    rec.Hash.String(),
		Key:     rec.Key,
		Version: rec.Version,
	})
}
