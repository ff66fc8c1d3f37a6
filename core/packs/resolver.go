package packs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/packgrant/packgrant/core/infra/logging"
	"golang.org/x/sync/errgroup"
)

const defaultParallelism = 8

// Status is the outcome of resolving one asset.
type Status string

const (
	StatusGranted  Status = "GRANTED"
	StatusRejected Status = "REJECTED"
	StatusFailed   Status = "FAILED"
)

// Result is the answer for one requested asset.
type Result struct {
	Asset  string       `json:"asset"`
	Status Status       `json:"status"`
	Grant  *Grant       `json:"grant,omitempty"`
	Reason RejectReason `json:"reason,omitempty"`
	Err    error        `json:"-"`
}

// Request is the answer for a whole context: results in configured order plus
// the context's request options.
type Request struct {
	Context string   `json:"context"`
	Prompt  string   `json:"prompt,omitempty"`
	Force   bool     `json:"force,omitempty"`
	Results []Result `json:"results"`
}

// Options configures a Resolver. Store and Limiter are required.
type Options struct {
	Store       AssetStore
	Limiter     *Limiter
	Hashes      *HashCache
	Catalog     Catalog
	Metrics     Metrics
	Events      EventSink
	Parallelism int
}

// Resolver decides whether an identity gets a grant for an asset and keeps
// the attempt slot outstanding until the host reports an outcome.
type Resolver struct {
	store       AssetStore
	limiter     *Limiter
	hashes      *HashCache
	catalog     Catalog
	metrics     Metrics
	events      EventSink
	parallelism int

	// gate orders the closed flag against inflight.Add so Shutdown never
	// flushes while a resolution can still acquire a slot.
	gate     sync.Mutex
	inflight sync.WaitGroup
	closed   atomic.Bool
	now      func() time.Time
}

func NewResolver(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, errors.New("asset store required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("limiter required")
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Events == nil {
		opts.Events = noopSink{}
	}
	if opts.Hashes == nil {
		var registry HashRegistry
		if opts.Catalog != nil {
			registry = opts.Catalog
		}
		opts.Hashes = NewHashCache(opts.Store, registry, opts.Metrics)
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Resolver{
		store:       opts.Store,
		limiter:     opts.Limiter,
		hashes:      opts.Hashes,
		catalog:     opts.Catalog,
		metrics:     opts.Metrics,
		events:      opts.Events,
		parallelism: opts.Parallelism,
		now:         time.Now,
	}, nil
}

// Hashes exposes the hash cache so callers can invalidate changed assets.
func (r *Resolver) Hashes() *HashCache {
	return r.hashes
}

// Resolve produces a grant, a rejection or a failure for one asset.
func (r *Resolver) Resolve(ctx context.Context, id Identity, asset Asset) Result {
	if !r.enter() {
		return r.reject(id, asset, ReasonShutdown)
	}
	defer r.inflight.Done()
	if !id.Valid() {
		return r.fail(ctx, id, asset, fmt.Errorf("%w: identity requires player id and address", ErrMalformedDescriptor), false)
	}
	if strings.TrimSpace(asset.Name) == "" || strings.TrimSpace(asset.Key) == "" {
		return r.fail(ctx, id, asset, fmt.Errorf("%w: asset requires name and key", ErrMalformedDescriptor), false)
	}

	adm, err := r.limiter.TryAcquire(ctx, id, asset.Name)
	if err != nil {
		return r.fail(ctx, id, asset, err, false)
	}
	if !adm.Admitted {
		return r.reject(id, asset, adm.Reason)
	}

	hash, err := r.hashes.GetOrCompute(ctx, asset)
	if err != nil {
		return r.settle(ctx, id, asset, err)
	}
	uri, err := r.store.ResolveDownloadURI(WithIdentity(ctx, id), asset)
	if err != nil {
		return r.settle(ctx, id, asset, err)
	}

	grant := &Grant{
		AssetID:     asset.ID(),
		Asset:       asset.Name,
		DownloadURI: uri,
		Hash:        hash,
	}
	r.metrics.IncGranted(asset.Name)
	r.publish(Event{Type: EventGranted, PlayerID: id.PlayerID, Address: id.Address, Asset: asset.Name})
	return Result{Asset: asset.Name, Status: StatusGranted, Grant: grant}
}

// ResolveAll resolves every asset independently and returns the results in
// the order the assets were given.
func (r *Resolver) ResolveAll(ctx context.Context, id Identity, assets []Asset) []Result {
	results := make([]Result, len(assets))
	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for i, asset := range assets {
		g.Go(func() error {
			results[i] = r.Resolve(ctx, id, asset)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ResolveContext resolves the pack list configured for contextName.
func (r *Resolver) ResolveContext(ctx context.Context, id Identity, contextName string) (Request, error) {
	if r.catalog == nil {
		return Request{}, errors.New("no catalog configured")
	}
	cp, err := r.catalog.LookupAssetsForContext(ctx, contextName)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Context: cp.Context,
		Prompt:  cp.Prompt,
		Force:   cp.Force,
		Results: r.ResolveAll(ctx, id, cp.Assets),
	}, nil
}

// ReportOutcome forwards a terminal status from the host to the limiter.
func (r *Resolver) ReportOutcome(ctx context.Context, id Identity, asset string, outcome Outcome) (AttemptRecord, error) {
	rec, err := r.limiter.Release(ctx, id, asset, outcome)
	if err != nil {
		return AttemptRecord{}, err
	}
	r.metrics.IncOutcome(string(outcome))
	logging.Info("resolver", "outcome reported",
		"player_id", id.PlayerID,
		"address", id.Address,
		"asset", asset,
		"outcome", outcome,
		"failures", rec.FailureCount,
	)
	r.publish(Event{Type: EventOutcome, PlayerID: id.PlayerID, Address: id.Address, Asset: asset, Outcome: outcome})
	return rec, nil
}

// Flush discards every attempt record of the identity, e.g. on disconnect.
func (r *Resolver) Flush(ctx context.Context, id Identity) (int, error) {
	n, err := r.limiter.Flush(ctx, id)
	if err != nil {
		return 0, err
	}
	r.publish(Event{Type: EventFlushed, PlayerID: id.PlayerID, Address: id.Address})
	return n, nil
}

// Shutdown stops accepting resolutions, waits for the running ones and then
// flushes all attempt records. If ctx expires first the records are flushed
// anyway and the drain error is returned alongside any flush error.
func (r *Resolver) Shutdown(ctx context.Context) error {
	r.gate.Lock()
	r.closed.Store(true)
	r.gate.Unlock()

	drained := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(drained)
	}()
	var drainErr error
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = fmt.Errorf("drain resolutions: %w", ctx.Err())
		logging.Warn("resolver", "shutdown before resolutions drained", "error", ctx.Err())
		ctx = context.WithoutCancel(ctx)
	}
	return errors.Join(drainErr, r.limiter.FlushAll(ctx))
}

// enter registers a resolution unless Shutdown has started.
func (r *Resolver) enter() bool {
	r.gate.Lock()
	defer r.gate.Unlock()
	if r.closed.Load() {
		return false
	}
	r.inflight.Add(1)
	return true
}

// Closed reports whether Shutdown was called.
func (r *Resolver) Closed() bool {
	return r.closed.Load()
}

// settle classifies an error raised after the slot was acquired.
func (r *Resolver) settle(ctx context.Context, id Identity, asset Asset, err error) Result {
	switch {
	case IsLimited(err):
		r.abandon(ctx, id, asset)
		return r.reject(id, asset, ReasonStorageLimited)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// The caller went away; its slot is freed, nothing failed.
		r.abandon(ctx, id, asset)
		return Result{Asset: asset.Name, Status: StatusFailed, Err: err}
	default:
		return r.fail(ctx, id, asset, err, true)
	}
}

func (r *Resolver) abandon(ctx context.Context, id Identity, asset Asset) {
	if err := r.limiter.Abandon(context.WithoutCancel(ctx), id, asset.Name); err != nil {
		logging.Error("resolver", "abandon attempt failed", "asset", asset.Name, "player_id", id.PlayerID, "error", err)
	}
}

func (r *Resolver) reject(id Identity, asset Asset, reason RejectReason) Result {
	r.metrics.IncRejected(asset.Name, string(reason))
	r.publish(Event{Type: EventRejected, PlayerID: id.PlayerID, Address: id.Address, Asset: asset.Name, Reason: reason})
	return Result{Asset: asset.Name, Status: StatusRejected, Reason: reason}
}

func (r *Resolver) fail(ctx context.Context, id Identity, asset Asset, err error, release bool) Result {
	if release {
		if _, rerr := r.limiter.Release(context.WithoutCancel(ctx), id, asset.Name, OutcomeFailedDownload); rerr != nil {
			logging.Error("resolver", "release after failure failed", "asset", asset.Name, "player_id", id.PlayerID, "error", rerr)
		}
	}
	r.metrics.IncFailed(asset.Name, FailureKind(err))
	r.publish(Event{Type: EventFailed, PlayerID: id.PlayerID, Address: id.Address, Asset: asset.Name, Error: err.Error()})
	return Result{Asset: asset.Name, Status: StatusFailed, Err: err}
}

func (r *Resolver) publish(evt Event) {
	evt.At = r.now().UTC()
	r.events.Publish(evt)
}
