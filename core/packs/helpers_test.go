package packs

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

type fakeStore struct {
	mu       sync.Mutex
	content  map[string][]byte
	fetchErr map[string]error
	uriErr   map[string]error
	uriIDs   []Identity

	fetches atomic.Int64
	uris    atomic.Int64
	gate    chan struct{}
	started chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		content:  make(map[string][]byte),
		fetchErr: make(map[string]error),
		uriErr:   make(map[string]error),
	}
}

func (s *fakeStore) put(key string, data []byte) {
	s.mu.Lock()
	s.content[key] = data
	s.mu.Unlock()
}

func (s *fakeStore) ResolveDownloadURI(ctx context.Context, asset Asset) (string, error) {
	s.uris.Add(1)
	s.mu.Lock()
	if id, ok := IdentityFromContext(ctx); ok {
		s.uriIDs = append(s.uriIDs, id)
	}
	err := s.uriErr[asset.Key]
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "https://packs.example.com/" + asset.Key + "?sig=1", nil
}

func (s *fakeStore) Fetch(ctx context.Context, asset Asset) (io.ReadCloser, error) {
	s.fetches.Add(1)
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, FaultError("get", asset.Key, ctx.Err())
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fetchErr[asset.Key]; err != nil {
		return nil, err
	}
	data, ok := s.content[asset.Key]
	if !ok {
		return nil, FaultError("get", asset.Key, errors.New("no such key"))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeRegistry struct {
	mu       sync.Mutex
	records  map[string]HashRecord
	persists int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[string]HashRecord)}
}

func (r *fakeRegistry) LookupPersistedHash(_ context.Context, name string) (HashRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	return rec, ok, nil
}

func (r *fakeRegistry) PersistHash(_ context.Context, name string, rec HashRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[name] = rec
	r.persists++
	return nil
}

func (r *fakeRegistry) get(name string) (HashRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	return rec, ok
}

type fakeCatalog struct {
	*fakeRegistry
	contexts map[string]ContextPacks
}

func (c *fakeCatalog) LookupAssetsForContext(_ context.Context, name string) (ContextPacks, error) {
	cp, ok := c.contexts[name]
	if !ok {
		return ContextPacks{}, ErrUnknownAsset
	}
	return cp, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(evt Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func sha1Of(data []byte) AssetHash {
	return AssetHash(sha1.Sum(data))
}

func testAsset(name string) Asset {
	return Asset{Name: name, Key: "packs/" + name + ".zip"}
}

func newTestResolver(store *fakeStore, registry HashRegistry) *Resolver {
	hashes := NewHashCache(store, registry, nil)
	r, err := NewResolver(Options{
		Store:   store,
		Limiter: NewLimiter(NewMemoryAttemptStore(), LimiterConfig{Window: DefaultAttemptWindow}),
		Hashes:  hashes,
	})
	if err != nil {
		panic(err)
	}
	return r
}
