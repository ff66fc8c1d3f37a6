package packs

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 64

// MemoryAttemptStore keeps attempt records in-process. Keys are striped over
// shards with their own locks so unrelated identities never contend on one mutex.
type MemoryAttemptStore struct {
	shards [memoryShards]attemptShard
	now    func() time.Time
}

type attemptShard struct {
	mu      sync.Mutex
	records map[AttemptKey]*AttemptRecord
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	s := &MemoryAttemptStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].records = make(map[AttemptKey]*AttemptRecord)
	}
	return s
}

func (s *MemoryAttemptStore) shard(key AttemptKey) *attemptShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.PlayerID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Address))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Asset))
	return &s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryAttemptStore) Acquire(_ context.Context, key AttemptKey, maxFailures int, window time.Duration) (Admission, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	rec, ok := sh.records[key]
	if ok && expired(rec, now) {
		delete(sh.records, key)
		ok = false
	}
	if !ok {
		rec = &AttemptRecord{}
		sh.records[key] = rec
	}
	if rec.Outstanding {
		return Admission{Reason: ReasonOutstanding, Record: *rec}, nil
	}
	if maxFailures > 0 && rec.FailureCount >= maxFailures {
		return Admission{Reason: ReasonFailureCeiling, Record: *rec}, nil
	}
	rec.Outstanding = true
	if window > 0 {
		rec.ExpiresAt = now.Add(window)
	} else {
		rec.ExpiresAt = time.Time{}
	}
	return Admission{Admitted: true, Record: *rec}, nil
}

func (s *MemoryAttemptStore) Release(_ context.Context, key AttemptKey, outcome Outcome) (AttemptRecord, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return AttemptRecord{}, nil
	}
	if outcome.Success() {
		delete(sh.records, key)
		return AttemptRecord{}, nil
	}
	if !rec.Outstanding {
		// Duplicate or redelivered report: the attempt was already settled.
		return *rec, nil
	}
	rec.Outstanding = false
	rec.FailureCount++
	return *rec, nil
}

func (s *MemoryAttemptStore) Abandon(_ context.Context, key AttemptKey) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rec, ok := sh.records[key]; ok {
		rec.Outstanding = false
	}
	return nil
}

func (s *MemoryAttemptStore) Get(_ context.Context, key AttemptKey) (AttemptRecord, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[key]
	if !ok || expired(rec, s.now()) {
		return AttemptRecord{}, false, nil
	}
	return *rec, true, nil
}

// Flush drops every record of the identity. Shards are visited one at a time.
func (s *MemoryAttemptStore) Flush(_ context.Context, id Identity) (int, error) {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key := range sh.records {
			if key.PlayerID == id.PlayerID && key.Address == id.Address {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryAttemptStore) FlushAll(_ context.Context) error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.records = make(map[AttemptKey]*AttemptRecord)
		sh.mu.Unlock()
	}
	return nil
}

func expired(rec *AttemptRecord, now time.Time) bool {
	return !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)
}
