// Package oss issues presigned download URLs for, and streams packs from, an
// Aliyun OSS compatible bucket.
package oss

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/packgrant/packgrant/core/infra/logging"
	"github.com/packgrant/packgrant/core/packs"
)

const (
	zipContentType = "application/zip"
	userAgent      = "packgrant"

	defaultPresignExpiry = time.Hour
	defaultPresignReuse  = 30 * time.Minute
	defaultHeadTimeout   = 10 * time.Second
	defaultFetchTimeout  = 10 * time.Minute
)

// Config describes the bucket and URL issuance policy.
type Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string

	// PathStyle puts the bucket in the path instead of the host name.
	PathStyle bool

	PresignExpiry time.Duration
	PresignReuse  time.Duration
	RequireZip    bool

	HeadTimeout  time.Duration
	FetchTimeout time.Duration
	HTTPClient   *http.Client
}

// Store implements packs.AssetStore over OSS.
type Store struct {
	cfg      Config
	endpoint *url.URL
	client   *http.Client
	urls     *bigcache.BigCache
	now      func() time.Time

	// generations bumps per object on Invalidate so every identity's cached
	// URL for it stops matching.
	genMu       sync.Mutex
	generations map[string]uint64
}

var _ packs.AssetStore = (*Store)(nil)

// New validates cfg and prepares the presigned URL cache.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("oss bucket required")
	}
	endpoint, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("oss endpoint %q must be an absolute url", cfg.Endpoint)
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = defaultPresignExpiry
	}
	if cfg.PresignReuse <= 0 {
		cfg.PresignReuse = defaultPresignReuse
	}
	if cfg.PresignReuse >= cfg.PresignExpiry {
		return nil, fmt.Errorf("oss presign reuse %s must be shorter than expiry %s", cfg.PresignReuse, cfg.PresignExpiry)
	}
	if cfg.HeadTimeout <= 0 {
		cfg.HeadTimeout = defaultHeadTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	cacheCfg := bigcache.DefaultConfig(cfg.PresignReuse)
	cacheCfg.Shards = 64
	cacheCfg.MaxEntriesInWindow = 4096
	cacheCfg.MaxEntrySize = 1024
	cacheCfg.CleanWindow = time.Minute
	cacheCfg.Verbose = false
	urls, err := bigcache.New(ctx, cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("oss url cache: %w", err)
	}
	return &Store{
		cfg:         cfg,
		endpoint:    endpoint,
		client:      client,
		urls:        urls,
		now:         time.Now,
		generations: make(map[string]uint64),
	}, nil
}

// Close releases the URL cache.
func (s *Store) Close() error {
	if s == nil || s.urls == nil {
		return nil
	}
	return s.urls.Close()
}

// ResolveDownloadURI returns a presigned GET URL for the asset. A URL is
// reused for PresignReuse after it was issued to the same player, address and
// pack, so a client retrying a download gets the link it already has until it
// is close to expiry. The identity comes from packs.WithIdentity.
func (s *Store) ResolveDownloadURI(ctx context.Context, asset packs.Asset) (string, error) {
	key, err := objectKey(asset.Key)
	if err != nil {
		return "", err
	}
	id, _ := packs.IdentityFromContext(ctx)
	cacheKey := s.urlCacheKey(id, asset.Name, key)
	now := s.now()
	if uri, ok := s.cachedURL(cacheKey, now); ok {
		return uri, nil
	}
	if err := s.head(ctx, key); err != nil {
		return "", err
	}
	uri := s.presign(http.MethodGet, key, now.Add(s.cfg.PresignExpiry))
	s.rememberURL(cacheKey, uri, now)
	return uri, nil
}

// Fetch streams the object through a short lived presigned URL.
func (s *Store) Fetch(ctx context.Context, asset packs.Asset) (io.ReadCloser, error) {
	key, err := objectKey(asset.Key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	uri := s.presign(http.MethodGet, key, s.now().Add(s.cfg.FetchTimeout))
	resp, err := s.do(ctx, http.MethodGet, uri)
	if err != nil {
		cancel()
		return nil, packs.FaultError("get", key, err)
	}
	if err := s.check("get", key, resp); err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Invalidate forgets every cached URL of an asset.
func (s *Store) Invalidate(asset packs.Asset) {
	if key, err := objectKey(asset.Key); err == nil {
		s.genMu.Lock()
		s.generations[key]++
		s.genMu.Unlock()
	}
}

func (s *Store) urlCacheKey(id packs.Identity, pack, key string) string {
	s.genMu.Lock()
	gen := s.generations[key]
	s.genMu.Unlock()
	return strings.Join([]string{id.PlayerID, id.Address, pack, key, strconv.FormatUint(gen, 10)}, "\x00")
}

func (s *Store) head(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HeadTimeout)
	defer cancel()
	uri := s.presign(http.MethodHead, key, s.now().Add(s.cfg.HeadTimeout))
	resp, err := s.do(ctx, http.MethodHead, uri)
	if err != nil {
		return packs.FaultError("head", key, err)
	}
	defer resp.Body.Close()
	return s.check("head", key, resp)
}

func (s *Store) do(ctx context.Context, method, uri string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return s.client.Do(req)
}

// check classifies the response: 403 and 429 mean the access window is
// exhausted, other non-2xx statuses are faults.
func (s *Store) check(op, key string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return packs.LimitedError(op, key, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return packs.FaultError(op, key, fmt.Errorf("status %d", resp.StatusCode))
	}
	if s.cfg.RequireZip {
		ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if ct != zipContentType {
			return fmt.Errorf("%w: object %s has content type %q, want %s",
				packs.ErrMalformedDescriptor, key, resp.Header.Get("Content-Type"), zipContentType)
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" && op == "head" {
		logging.Info("oss", "object checked", "key", key, "last_modified", lm)
	}
	return nil
}

// presign builds a V1 query-string signed URL.
func (s *Store) presign(method, key string, expires time.Time) string {
	exp := strconv.FormatInt(expires.Unix(), 10)
	canonical := method + "\n\n\n" + exp + "\n/" + s.cfg.Bucket + "/" + key
	mac := hmac.New(sha1.New, []byte(s.cfg.AccessKeySecret))
	_, _ = mac.Write([]byte(canonical))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	u := *s.endpoint
	if s.cfg.PathStyle {
		u.Path = "/" + s.cfg.Bucket + "/" + key
	} else {
		u.Host = s.cfg.Bucket + "." + s.endpoint.Host
		u.Path = "/" + key
	}
	q := url.Values{}
	q.Set("Expires", exp)
	q.Set("OSSAccessKeyId", s.cfg.AccessKeyID)
	q.Set("Signature", signature)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Store) cachedURL(key string, now time.Time) (string, bool) {
	entry, err := s.urls.Get(key)
	if err != nil || len(entry) <= 8 {
		return "", false
	}
	issued := time.UnixMilli(int64(binary.BigEndian.Uint64(entry[:8])))
	if now.Sub(issued) >= s.cfg.PresignReuse {
		return "", false
	}
	return string(entry[8:]), true
}

func (s *Store) rememberURL(key, uri string, now time.Time) {
	entry := make([]byte, 8+len(uri))
	binary.BigEndian.PutUint64(entry[:8], uint64(now.UnixMilli()))
	copy(entry[8:], uri)
	if err := s.urls.Set(key, entry); err != nil {
		logging.Warn("oss", "url cache set failed", "key", key, "error", err)
	}
}

// objectKey rejects keys that cannot name an object inside the bucket.
func objectKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	switch {
	case key == "":
		return "", fmt.Errorf("%w: empty object key", packs.ErrMalformedDescriptor)
	case strings.HasPrefix(key, "/"):
		return "", fmt.Errorf("%w: object key %q must be relative", packs.ErrMalformedDescriptor, raw)
	case strings.Contains(key, "\\"), strings.ContainsAny(key, "\r\n"):
		return "", fmt.Errorf("%w: object key %q has invalid characters", packs.ErrMalformedDescriptor, raw)
	}
	return key, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
