// Package storage routes asset operations to the store an asset names.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/packgrant/packgrant/core/packs"
)

// DefaultStore is used for assets that do not name a store.
const DefaultStore = "oss"

// Router implements packs.AssetStore by dispatching on Asset.Store.
type Router struct {
	stores map[string]packs.AssetStore
}

var _ packs.AssetStore = (*Router)(nil)

func NewRouter() *Router {
	return &Router{stores: map[string]packs.AssetStore{}}
}

// Register installs store under name, replacing any previous one.
func (r *Router) Register(name string, store packs.AssetStore) *Router {
	r.stores[strings.ToLower(strings.TrimSpace(name))] = store
	return r
}

// Names lists registered stores.
func (r *Router) Names() []string {
	out := make([]string, 0, len(r.stores))
	for name := range r.stores {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) ResolveDownloadURI(ctx context.Context, asset packs.Asset) (string, error) {
	store, err := r.route(asset)
	if err != nil {
		return "", err
	}
	return store.ResolveDownloadURI(ctx, asset)
}

func (r *Router) Fetch(ctx context.Context, asset packs.Asset) (io.ReadCloser, error) {
	store, err := r.route(asset)
	if err != nil {
		return nil, err
	}
	return store.Fetch(ctx, asset)
}

func (r *Router) route(asset packs.Asset) (packs.AssetStore, error) {
	name := strings.ToLower(strings.TrimSpace(asset.Store))
	if name == "" {
		name = DefaultStore
	}
	store, ok := r.stores[name]
	if !ok || store == nil {
		return nil, fmt.Errorf("%w: asset %q names unavailable store %q", packs.ErrMalformedDescriptor, asset.Name, name)
	}
	return store, nil
}
