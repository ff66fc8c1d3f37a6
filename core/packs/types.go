package packs

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is the requester a grant is bound to. Both fields take part in
// the limiting key.
type Identity struct {
	PlayerID string `json:"player_id"`
	Address  string `json:"address"`
}

func (id Identity) String() string {
	return id.PlayerID + "@" + id.Address
}

// Valid reports whether both identity fields are set.
func (id Identity) Valid() bool {
	return strings.TrimSpace(id.PlayerID) != "" && strings.TrimSpace(id.Address) != ""
}

// Asset describes a pack as known to configuration. Assets are identified by Name.
type Asset struct {
	Name    string `json:"name"`
	Key     string `json:"key"`
	Store   string `json:"store,omitempty"`
	Version string `json:"version,omitempty"`
	Force   bool   `json:"force,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// ID returns the externally visible id of the asset.
func (a Asset) ID() uuid.UUID {
	return AssetID(a.Key)
}

// AssetID derives a version 3 name-based UUID from the storage key: the MD5
// of the raw key bytes with the version and variant bits set.
func AssetID(key string) uuid.UUID {
	sum := md5.Sum([]byte(key))
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	return uuid.UUID(sum)
}

// AssetHash is the SHA-1 content digest a client uses to verify a pack.
type AssetHash [sha1.Size]byte

// IsZero reports whether the hash is unset.
func (h AssetHash) IsZero() bool {
	return h == AssetHash{}
}

func (h AssetHash) String() string {
	return hex.EncodeToString(h[:])
}

func (h AssetHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *AssetHash) UnmarshalText(text []byte) error {
	parsed, err := ParseAssetHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseAssetHash parses a hex encoded SHA-1 digest.
func ParseAssetHash(s string) (AssetHash, error) {
	var h AssetHash
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return h, fmt.Errorf("parse asset hash: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("parse asset hash: want %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// DigestReader hashes everything readable from r.
func DigestReader(r io.Reader) (AssetHash, error) {
	var h AssetHash
	digest := sha1.New()
	if _, err := io.Copy(digest, r); err != nil {
		return h, err
	}
	copy(h[:], digest.Sum(nil))
	return h, nil
}

// HashRecord is the persisted form of a computed hash. Key and Version are
// the descriptor the hash was computed from.
type HashRecord struct {
	Hash    AssetHash `json:"hash"`
	Key     string    `json:"key,omitempty"`
	Version string    `json:"version,omitempty"`
}

// Matches reports whether the record was computed for the asset's current
// key and version.
func (r HashRecord) Matches(asset Asset) bool {
	return !r.Hash.IsZero() && r.Key == asset.Key && r.Version == asset.Version
}

// Grant is a resolved, ready to send download reference.
type Grant struct {
	AssetID     uuid.UUID `json:"asset_id"`
	Asset       string    `json:"asset"`
	DownloadURI string    `json:"download_uri"`
	Hash        AssetHash `json:"hash"`
}

// Outcome is a terminal status reported by the host for an attempt.
type Outcome string

const (
	OutcomeAccepted       Outcome = "ACCEPTED"
	OutcomeDownloaded     Outcome = "DOWNLOADED"
	OutcomeSuccessful     Outcome = "SUCCESSFUL"
	OutcomeFailedDownload Outcome = "FAILED_DOWNLOAD"
	OutcomeFailedReload   Outcome = "FAILED_RELOAD"
	OutcomeDeclined       Outcome = "DECLINED"
	OutcomeInvalidURL     Outcome = "INVALID_URL"
	OutcomeDiscarded      Outcome = "DISCARDED"
)

var successOutcomes = map[Outcome]bool{
	OutcomeAccepted:   true,
	OutcomeDownloaded: true,
	OutcomeSuccessful: true,
}

var failureOutcomes = map[Outcome]bool{
	OutcomeFailedDownload: true,
	OutcomeFailedReload:   true,
	OutcomeDeclined:       true,
	OutcomeInvalidURL:     true,
	OutcomeDiscarded:      true,
}

// ParseOutcome accepts the canonical names case-insensitively.
func ParseOutcome(raw string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(raw)))
	if !o.Valid() {
		return "", fmt.Errorf("unknown outcome %q", raw)
	}
	return o, nil
}

func (o Outcome) Valid() bool {
	return successOutcomes[o] || failureOutcomes[o]
}

// Success reports whether the outcome releases the slot and resets failures.
func (o Outcome) Success() bool {
	return successOutcomes[o]
}

// Failure reports whether the outcome releases the slot and counts a failure.
func (o Outcome) Failure() bool {
	return failureOutcomes[o]
}

// AttemptKey identifies an attempt record.
type AttemptKey struct {
	PlayerID string
	Address  string
	Asset    string
}

func KeyFor(id Identity, asset string) AttemptKey {
	return AttemptKey{PlayerID: id.PlayerID, Address: id.Address, Asset: asset}
}

func (k AttemptKey) Identity() Identity {
	return Identity{PlayerID: k.PlayerID, Address: k.Address}
}

// AttemptRecord is the limiter state for one key.
type AttemptRecord struct {
	Outstanding  bool      `json:"outstanding"`
	FailureCount int       `json:"failure_count"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// RejectReason explains why a resolution was not granted.
type RejectReason string

const (
	ReasonNone           RejectReason = ""
	ReasonOutstanding    RejectReason = "outstanding"
	ReasonFailureCeiling RejectReason = "failure_ceiling"
	ReasonStorageLimited RejectReason = "storage_limited"
	ReasonShutdown       RejectReason = "shutdown"
)

// Admission is the result of an acquire.
type Admission struct {
	Admitted bool
	Reason   RejectReason
	Record   AttemptRecord
}

// AssetStore fetches pack bytes and issues download URIs from object storage.
// Errors should be *StorageError so the engine can tell an exhausted access
// window from a fault.
type AssetStore interface {
	ResolveDownloadURI(ctx context.Context, asset Asset) (string, error)
	Fetch(ctx context.Context, asset Asset) (io.ReadCloser, error)
}

// HashRegistry persists computed hashes across restarts.
type HashRegistry interface {
	LookupPersistedHash(ctx context.Context, name string) (HashRecord, bool, error)
	PersistHash(ctx context.Context, name string, rec HashRecord) error
}

// ContextPacks is the ordered pack list configured for a context (a backend
// server in the host's terms) and the request options that go with it.
type ContextPacks struct {
	Context string  `json:"context"`
	Assets  []Asset `json:"assets"`
	Prompt  string  `json:"prompt,omitempty"`
	Force   bool    `json:"force,omitempty"`
}

// Catalog is the configuration collaborator.
type Catalog interface {
	HashRegistry
	LookupAssetsForContext(ctx context.Context, contextName string) (ContextPacks, error)
}

// AttemptStore holds attempt records. Every method must be atomic per key.
type AttemptStore interface {
	Acquire(ctx context.Context, key AttemptKey, maxFailures int, window time.Duration) (Admission, error)
	Release(ctx context.Context, key AttemptKey, outcome Outcome) (AttemptRecord, error)
	Abandon(ctx context.Context, key AttemptKey) error
	Get(ctx context.Context, key AttemptKey) (AttemptRecord, bool, error)
	Flush(ctx context.Context, id Identity) (int, error)
	FlushAll(ctx context.Context) error
}

// Metrics captures engine counters.
type Metrics interface {
	IncGranted(asset string)
	IncRejected(asset, reason string)
	IncFailed(asset, kind string)
	IncHashComputed(asset, result string)
	IncHashCacheHit(asset, source string)
	IncOutcome(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) IncGranted(string)              {}
func (noopMetrics) IncRejected(string, string)     {}
func (noopMetrics) IncFailed(string, string)       {}
func (noopMetrics) IncHashComputed(string, string) {}
func (noopMetrics) IncHashCacheHit(string, string) {}
func (noopMetrics) IncOutcome(string)              {}
