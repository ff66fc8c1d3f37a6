package attempts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/packgrant/packgrant/core/infra/redisutil"
	"github.com/packgrant/packgrant/core/packs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "packgrant:attempt:"
	indexPrefix    = "packgrant:attempts:"
	identitiesKey  = "packgrant:attempts:identities"
	fieldOut       = "outstanding"
	fieldFailures  = "failures"
	fieldExpiresAt = "expires_at"
)

var errStoreUnavailable = errors.New("attempt store unavailable")

// RedisStore keeps attempt records in Redis hashes so that several engine
// replicas share one limiter. Every transition runs as a single script on
// the record key.
type RedisStore struct {
	client redis.UniversalClient
	owned  bool
	now    func() time.Time
}

var _ packs.AttemptStore = (*RedisStore)(nil)

// NewRedisStore connects to url and returns a store that owns the client.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, owned: true, now: time.Now}, nil
}

// NewRedisStoreWithClient shares an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Close shuts down the Redis client if the store created it.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Acquire(ctx context.Context, key packs.AttemptKey, maxFailures int, window time.Duration) (packs.Admission, error) {
	if s == nil || s.client == nil {
		return packs.Admission{}, errStoreUnavailable
	}
	if window < 0 {
		window = 0
	}
	res, err := s.client.Eval(ctx, acquireScript,
		[]string{recordKey(key), indexKey(key.Identity())},
		s.now().UnixMilli(),
		window.Milliseconds(),
		maxFailures,
	).Result()
	if err != nil {
		return packs.Admission{}, fmt.Errorf("acquire %s: %w", recordKey(key), err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 5 {
		return packs.Admission{}, fmt.Errorf("acquire %s: unexpected reply %v", recordKey(key), res)
	}
	adm := packs.Admission{
		Admitted: toInt64(vals[0]) == 1,
		Reason:   packs.RejectReason(toString(vals[1])),
		Record:   recordFrom(vals[2], vals[3], vals[4]),
	}
	if adm.Admitted {
		if err := s.client.SAdd(ctx, identitiesKey, identityTag(key.Identity())).Err(); err != nil {
			return adm, fmt.Errorf("index identity %s: %w", key.Identity(), err)
		}
	}
	return adm, nil
}

func (s *RedisStore) Release(ctx context.Context, key packs.AttemptKey, outcome packs.Outcome) (packs.AttemptRecord, error) {
	if s == nil || s.client == nil {
		return packs.AttemptRecord{}, errStoreUnavailable
	}
	success := "0"
	if outcome.Success() {
		success = "1"
	}
	res, err := s.client.Eval(ctx, releaseScript,
		[]string{recordKey(key), indexKey(key.Identity())},
		s.now().UnixMilli(),
		success,
	).Result()
	if err != nil {
		return packs.AttemptRecord{}, fmt.Errorf("release %s: %w", recordKey(key), err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return packs.AttemptRecord{}, fmt.Errorf("release %s: unexpected reply %v", recordKey(key), res)
	}
	return recordFrom(vals[0], vals[1], vals[2]), nil
}

func (s *RedisStore) Abandon(ctx context.Context, key packs.AttemptKey) error {
	if s == nil || s.client == nil {
		return errStoreUnavailable
	}
	if err := s.client.Eval(ctx, abandonScript, []string{recordKey(key)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("abandon %s: %w", recordKey(key), err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key packs.AttemptKey) (packs.AttemptRecord, bool, error) {
	if s == nil || s.client == nil {
		return packs.AttemptRecord{}, false, errStoreUnavailable
	}
	fields, err := s.client.HGetAll(ctx, recordKey(key)).Result()
	if err != nil {
		return packs.AttemptRecord{}, false, fmt.Errorf("get %s: %w", recordKey(key), err)
	}
	if len(fields) == 0 {
		return packs.AttemptRecord{}, false, nil
	}
	rec := recordFrom(fields[fieldOut], fields[fieldFailures], fields[fieldExpiresAt])
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		return packs.AttemptRecord{}, false, nil
	}
	return rec, true, nil
}

// Flush drops every record indexed under the identity.
func (s *RedisStore) Flush(ctx context.Context, id packs.Identity) (int, error) {
	if s == nil || s.client == nil {
		return 0, errStoreUnavailable
	}
	n, err := s.flushIndex(ctx, identityTag(id))
	if err != nil {
		return 0, fmt.Errorf("flush %s: %w", id, err)
	}
	return n, nil
}

// FlushAll visits every identity that ever acquired through this store.
func (s *RedisStore) FlushAll(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errStoreUnavailable
	}
	tags, err := s.client.SMembers(ctx, identitiesKey).Result()
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}
	for _, tag := range tags {
		if _, err := s.flushIndex(ctx, tag); err != nil {
			return fmt.Errorf("flush all: %w", err)
		}
	}
	return s.client.Del(ctx, identitiesKey).Err()
}

func (s *RedisStore) flushIndex(ctx context.Context, tag string) (int, error) {
	n, err := s.client.Eval(ctx, flushScript, []string{indexPrefix + "{" + tag + "}"}).Int()
	if err != nil {
		return 0, err
	}
	if err := s.client.SRem(ctx, identitiesKey, tag).Err(); err != nil {
		return n, err
	}
	return n, nil
}

// identityTag is the Redis Cluster hash tag shared by an identity's record
// keys and its index, so the flush script only touches one slot.
func identityTag(id packs.Identity) string {
	return url.QueryEscape(id.PlayerID) + "|" + url.QueryEscape(id.Address)
}

func recordKey(key packs.AttemptKey) string {
	return keyPrefix + "{" + identityTag(key.Identity()) + "}:" + url.QueryEscape(key.Asset)
}

func indexKey(id packs.Identity) string {
	return indexPrefix + "{" + identityTag(id) + "}"
}

func recordFrom(outstanding, failures, expiresAt interface{}) packs.AttemptRecord {
	rec := packs.AttemptRecord{
		Outstanding:  toInt64(outstanding) == 1,
		FailureCount: int(toInt64(failures)),
	}
	if ms := toInt64(expiresAt); ms > 0 {
		rec.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	return rec
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Replies are {admitted, reason, outstanding, failures, expires_at_ms}.
const acquireScript = `
local key = KEYS[1]
local index = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local maxFailures = tonumber(ARGV[3])
local outstanding = tonumber(redis.call("HGET", key, "outstanding") or "0")
local failures = tonumber(redis.call("HGET", key, "failures") or "0")
local expires = tonumber(redis.call("HGET", key, "expires_at") or "0")
if expires > 0 and expires <= now then
  redis.call("DEL", key)
  outstanding = 0
  failures = 0
  expires = 0
end
if outstanding == 1 then
  return {0, "outstanding", outstanding, failures, expires}
end
if maxFailures > 0 and failures >= maxFailures then
  return {0, "failure_ceiling", outstanding, failures, expires}
end
if window > 0 then
  expires = now + window
else
  expires = 0
end
redis.call("HSET", key, "outstanding", 1, "failures", failures, "expires_at", expires)
if window > 0 then
  redis.call("PEXPIRE", key, window)
else
  redis.call("PERSIST", key)
end
redis.call("SADD", index, key)
return {1, "", 1, failures, expires}
`

// Replies are {outstanding, failures, expires_at_ms} after the release.
const releaseScript = `
local key = KEYS[1]
local index = KEYS[2]
local now = tonumber(ARGV[1])
local success = ARGV[2]
if redis.call("EXISTS", key) == 0 then
  return {0, 0, 0}
end
local expires = tonumber(redis.call("HGET", key, "expires_at") or "0")
if success == "1" then
  redis.call("DEL", key)
  redis.call("SREM", index, key)
  return {0, 0, 0}
end
if redis.call("HGET", key, "outstanding") ~= "1" then
  return {0, tonumber(redis.call("HGET", key, "failures") or "0"), expires}
end
redis.call("HSET", key, "outstanding", 0)
local failures = redis.call("HINCRBY", key, "failures", 1)
return {0, failures, expires}
`

const abandonScript = `
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
  redis.call("HSET", key, "outstanding", 0)
end
return 1
`

const flushScript = `
local index = KEYS[1]
local members = redis.call("SMEMBERS", index)
local removed = 0
for _, key in ipairs(members) do
  removed = removed + redis.call("DEL", key)
end
redis.call("DEL", index)
return removed
`
