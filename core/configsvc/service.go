package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/packgrant/packgrant/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	docPrefix = "packgrant:hash:"
	indexKey  = "packgrant:hashes"
)

// ErrNotFound is returned when no document exists for a pack.
var ErrNotFound = errors.New("hash document not found")

// Document is the stored hash of one pack version.
type Document struct {
	Pack     string            `json:"pack"`
	Hash     string            `json:"hash"`
	Key      string            `json:"key,omitempty"`
	Version  string            `json:"version,omitempty"`
	Revision int64             `json:"revision"`
	Updated  time.Time         `json:"updated_at"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Service persists hash documents in Redis so replicas share computed hashes.
type Service struct {
	client redis.UniversalClient
	owned  bool
}

// Snapshot summarises every stored document.
type Snapshot struct {
	Version string         `json:"version"`
	Hash    string         `json:"hash"`
	Data    map[string]any `json:"data"`
}

// New creates a service backed by Redis at url.
func New(ctx context.Context, url string) (*Service, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Service{client: client, owned: true}, nil
}

// NewWithClient shares an existing client.
func NewWithClient(client redis.UniversalClient) *Service {
	return &Service{client: client}
}

func (s *Service) Close() error {
	if s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

// Set stores the document and bumps its revision atomically. The stored
// revision and timestamp are written back into doc.
func (s *Service) Set(ctx context.Context, doc *Document) error {
	if doc == nil || strings.TrimSpace(doc.Pack) == "" {
		return fmt.Errorf("pack required")
	}
	if doc.Hash == "" {
		return fmt.Errorf("hash required")
	}
	updated := time.Now().UTC()
	meta, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	rev, err := s.client.Eval(ctx, setScript, []string{docKey(doc.Pack)},
		doc.Hash,
		doc.Key,
		doc.Version,
		updated.UnixMilli(),
		string(meta),
	).Int64()
	if err != nil {
		return fmt.Errorf("set hash document %s: %w", doc.Pack, err)
	}
	if err := s.client.SAdd(ctx, indexKey, doc.Pack).Err(); err != nil {
		return fmt.Errorf("index hash document %s: %w", doc.Pack, err)
	}
	doc.Revision = rev
	doc.Updated = time.UnixMilli(updated.UnixMilli()).UTC()
	return nil
}

// Get fetches the document for pack.
func (s *Service) Get(ctx context.Context, pack string) (*Document, error) {
	if strings.TrimSpace(pack) == "" {
		return nil, fmt.Errorf("pack required")
	}
	fields, err := s.client.HGetAll(ctx, docKey(pack)).Result()
	if err != nil {
		return nil, fmt.Errorf("get hash document %s: %w", pack, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeDocument(pack, fields)
}

// Delete removes the document for pack.
func (s *Service) Delete(ctx context.Context, pack string) error {
	if err := s.client.Del(ctx, docKey(pack)).Err(); err != nil {
		return fmt.Errorf("delete hash document %s: %w", pack, err)
	}
	return s.client.SRem(ctx, indexKey, pack).Err()
}

// List returns every indexed document.
func (s *Service) List(ctx context.Context) ([]*Document, error) {
	names, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list hash documents: %w", err)
	}
	out := make([]*Document, 0, len(names))
	for _, name := range names {
		doc, err := s.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Snapshot returns a digest over all stored hashes, and a version string
// built from their revisions, so operators can compare replicas.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	docs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	data := make(map[string]any, len(docs))
	revisions := make(map[string]int64, len(docs))
	for _, doc := range docs {
		data[doc.Pack] = map[string]any{"hash": doc.Hash, "key": doc.Key, "version": doc.Version}
		revisions[doc.Pack] = doc.Revision
	}
	hash, err := snapshotHash(data)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Version: snapshotVersion(revisions), Hash: hash, Data: data}, nil
}

func decodeDocument(pack string, fields map[string]string) (*Document, error) {
	doc := &Document{
		Pack:    pack,
		Hash:    fields["hash"],
		Key:     fields["key"],
		Version: fields["version"],
	}
	if _, err := fmt.Sscan(fields["revision"], &doc.Revision); err != nil {
		return nil, fmt.Errorf("decode hash document %s: revision: %w", pack, err)
	}
	var ms int64
	if _, err := fmt.Sscan(fields["updated_at"], &ms); err == nil && ms > 0 {
		doc.Updated = time.UnixMilli(ms).UTC()
	}
	if raw := fields["meta"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &doc.Meta); err != nil {
			return nil, fmt.Errorf("decode hash document %s: meta: %w", pack, err)
		}
	}
	return doc, nil
}

func docKey(pack string) string {
	return docPrefix + pack
}

const setScript = `
local key = KEYS[1]
redis.call("HSET", key, "hash", ARGV[1], "key", ARGV[2], "version", ARGV[3], "updated_at", ARGV[4], "meta", ARGV[5])
return redis.call("HINCRBY", key, "revision", 1)
`
