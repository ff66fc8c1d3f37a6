package packs

import (
	"context"
	"fmt"
	"time"

	"github.com/packgrant/packgrant/core/infra/logging"
)

const (
	// DefaultAttemptWindow bounds how long an unreported attempt holds its slot.
	DefaultAttemptWindow = 10 * time.Minute
)

// LimiterConfig tunes the attempt limiter.
type LimiterConfig struct {
	// MaxFailures rejects a key once it has failed this many times within the
	// window. Zero disables the ceiling.
	MaxFailures int
	Window      time.Duration
}

// Limiter enforces at most one outstanding download attempt per
// (identity, asset) and an optional failure ceiling.
type Limiter struct {
	store AttemptStore
	cfg   LimiterConfig
}

func NewLimiter(store AttemptStore, cfg LimiterConfig) *Limiter {
	if store == nil {
		store = NewMemoryAttemptStore()
	}
	if cfg.Window < 0 {
		cfg.Window = 0
	}
	if cfg.MaxFailures < 0 {
		cfg.MaxFailures = 0
	}
	return &Limiter{store: store, cfg: cfg}
}

// TryAcquire admits or rejects an attempt for the identity and asset.
func (l *Limiter) TryAcquire(ctx context.Context, id Identity, asset string) (Admission, error) {
	adm, err := l.store.Acquire(ctx, KeyFor(id, asset), l.cfg.MaxFailures, l.cfg.Window)
	if err != nil {
		return Admission{}, fmt.Errorf("acquire attempt %s/%s: %w", id, asset, err)
	}
	if !adm.Admitted {
		logging.Info("limiter", "attempt rejected",
			"player_id", id.PlayerID,
			"address", id.Address,
			"asset", asset,
			"reason", adm.Reason,
			"failures", adm.Record.FailureCount,
		)
	}
	return adm, nil
}

// Release records a terminal outcome for the attempt.
func (l *Limiter) Release(ctx context.Context, id Identity, asset string, outcome Outcome) (AttemptRecord, error) {
	if !outcome.Valid() {
		return AttemptRecord{}, fmt.Errorf("release attempt %s/%s: unknown outcome %q", id, asset, outcome)
	}
	rec, err := l.store.Release(ctx, KeyFor(id, asset), outcome)
	if err != nil {
		return AttemptRecord{}, fmt.Errorf("release attempt %s/%s: %w", id, asset, err)
	}
	return rec, nil
}

// Abandon frees the slot without counting a failure.
func (l *Limiter) Abandon(ctx context.Context, id Identity, asset string) error {
	if err := l.store.Abandon(ctx, KeyFor(id, asset)); err != nil {
		return fmt.Errorf("abandon attempt %s/%s: %w", id, asset, err)
	}
	return nil
}

// Record returns the current record for the key, if any.
func (l *Limiter) Record(ctx context.Context, id Identity, asset string) (AttemptRecord, bool, error) {
	return l.store.Get(ctx, KeyFor(id, asset))
}

func (l *Limiter) Flush(ctx context.Context, id Identity) (int, error) {
	n, err := l.store.Flush(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("flush attempts for %s: %w", id, err)
	}
	return n, nil
}

func (l *Limiter) FlushAll(ctx context.Context) error {
	if err := l.store.FlushAll(ctx); err != nil {
		return fmt.Errorf("flush all attempts: %w", err)
	}
	return nil
}
