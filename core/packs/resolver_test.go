package packs

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	playerP = Identity{PlayerID: "6a1f0c34-7d5e-4c43-9d0e-0d3a9b1c2f11", Address: "203.0.113.7"}
	playerQ = Identity{PlayerID: "b7c2de51-1111-4a0b-8c77-6e2f4f2d8a90", Address: "198.51.100.23"}
)

func TestResolveComputesAndPersistsHash(t *testing.T) {
	store := newFakeStore()
	data := []byte("pack A contents")
	asset := testAsset("a")
	store.put(asset.Key, data)
	registry := newFakeRegistry()
	r := newTestResolver(store, registry)
	ctx := context.Background()

	res := r.Resolve(ctx, playerP, asset)
	if res.Status != StatusGranted || res.Grant == nil {
		t.Fatalf("expected grant, got %+v", res)
	}
	want := sha1Of(data)
	if res.Grant.Hash != want {
		t.Fatalf("unexpected hash %s", res.Grant.Hash)
	}
	if res.Grant.AssetID != AssetID(asset.Key) {
		t.Fatalf("unexpected asset id %s", res.Grant.AssetID)
	}
	rec, ok := registry.get("a")
	if !ok || rec.Hash != want {
		t.Fatalf("expected persisted hash, got %+v ok=%v", rec, ok)
	}

	res = r.Resolve(ctx, playerQ, asset)
	if res.Status != StatusGranted || res.Grant.Hash != want {
		t.Fatalf("expected grant with same hash for second identity, got %+v", res)
	}
	if got := store.fetches.Load(); got != 1 {
		t.Fatalf("expected single fetch, got %d", got)
	}
}

func TestResolvePassesIdentityToStore(t *testing.T) {
	store := newFakeStore()
	asset := testAsset("a")
	store.put(asset.Key, []byte("x"))
	r := newTestResolver(store, nil)

	if res := r.Resolve(context.Background(), playerP, asset); res.Status != StatusGranted {
		t.Fatalf("expected grant, got %+v", res)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.uriIDs) != 1 || store.uriIDs[0] != playerP {
		t.Fatalf("expected store to see identity %+v, got %+v", playerP, store.uriIDs)
	}
}

func TestPersistedHashSkipsFetch(t *testing.T) {
	store := newFakeStore()
	asset := testAsset("a")
	registry := newFakeRegistry()
	registry.records["a"] = HashRecord{Hash: sha1Of([]byte("known")), Key: asset.Key}
	r := newTestResolver(store, registry)
	ctx := context.Background()

	for i, id := range []Identity{playerP, playerQ, {PlayerID: "c", Address: "192.0.2.1"}} {
		res := r.Resolve(ctx, id, asset)
		if res.Status != StatusGranted {
			t.Fatalf("resolve %d: expected grant, got %+v", i, res)
		}
	}
	if got := store.fetches.Load(); got != 0 {
		t.Fatalf("expected no fetch, got %d", got)
	}
	if got := store.uris.Load(); got != 3 {
		t.Fatalf("expected 3 uri resolutions, got %d", got)
	}
}

func TestOutstandingAttemptRejectsSecondResolve(t *testing.T) {
	store := newFakeStore()
	asset := testAsset("a")
	store.put(asset.Key, []byte("x"))
	r := newTestResolver(store, nil)
	ctx := context.Background()

	if res := r.Resolve(ctx, playerP, asset); res.Status != StatusGranted {
		t.Fatalf("expected grant, got %+v", res)
	}
	res := r.Resolve(ctx, playerP, asset)
	if res.Status != StatusRejected || res.Reason != ReasonOutstanding {
		t.Fatalf("expected outstanding rejection, got %+v", res)
	}
	if got := store.uris.Load(); got != 1 {
		t.Fatalf("rejected resolve must not touch storage, uris=%d", got)
	}
}

func TestFailedOutcomeAllowsRetry(t *testing.T) {
	store := newFakeStore()
	asset := testAsset("a")
	store.put(asset.Key, []byte("x"))
	r := newTestResolver(store, nil)
	ctx := context.Background()

	if res := r.Resolve(ctx, playerP, asset); res.Status != StatusGranted {
		t.Fatalf("expected grant, got %+v", res)
	}
	rec, ok, err := r.limiter.Record(ctx, playerP, asset.Name)
	if err != nil || !ok || !rec.Outstanding {
		t.Fatalf("expected outstanding record, got %+v ok=%v err=%v", rec, ok, err)
	}
	rec, err = r.ReportOutcome(ctx, playerP, asset.Name, OutcomeFailedDownload)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rec.Outstanding || rec.FailureCount != 1 {
		t.Fatalf("unexpected record after failure: %+v", rec)
	}
	if res := r.Resolve(ctx, playerP, asset); res.Status != StatusGranted {
		t.Fatalf("expected retry to be admitted, got %+v", res)
	}
}

func TestEveryFailureOutcomeAllowsRetry(t *testing.T) {
	ctx := context.Background()
	for _, outcome := range []Outcome{OutcomeFailedDownload, OutcomeFailedReload, OutcomeDeclined, OutcomeInvalidURL, OutcomeDiscarded} {
		store := newFakeStore()
		asset := testAsset("a")
		store.put(asset.Key, []byte("x"))
		r := newTestResolver(store, nil)
		if res := r.Resolve(ctx, playerP, asset); res.Status != StatusGranted {
			t.Fatalf("%s: expected grant, got %+v", outcome, res)
		}
		if _, err := r.ReportOutcome(ctx, playerP, asset.Name, outcome); err != nil {
			t.Fatalf("%s: report: %v", outcome, err)
		}
		if res := r.Resolve(ctx, playerP, asset); res.Status != StatusGranted {
			t.Fatalf("%s: expected retry admitted, got %+v", outcome, res)
		}
	}
}

func TestSuccessOutcomeResetsFailures(t *testing.T) {
	store := newFakeStore()
	asset := testAsset("a")
	store.put(asset.Key, []byte("x"))
	r := newTestResolver(store, nil)
	ctx := context.Background()

	r.Resolve(ctx, playerP, asset)
	if _, err := r.ReportOutcome(ctx, playerP, asset.Name, OutcomeDeclined); err != nil {
		t.Fatalf("report: %v", err)
	}
	r.Resolve(ctx, playerP, asset)
	if _, err := r.ReportOutcome(ctx, playerP, asset.Name, OutcomeSuccessful); err != nil {
		t.Fatalf("report: %v", err)
	}
	if rec, ok, _ := r.limiter.Record(ctx, playerP, asset.Name); ok && (rec.Outstanding || rec.FailureCount != 0) {
		t.Fatalf("expected reset record, got %+v", rec)
	}
}

func TestFlushAdmitsOutstanding(t *testing.T) {
	store := newFakeStore()
	a, b := testAsset("a"), testAsset("b")
	store.put(a.Key, []byte("a"))
	store.put(b.Key, []byte("b"))
	r := newTestResolver(store, nil)
	ctx := context.Background()

	r.ResolveAll(ctx, playerP, []Asset{a, b})
	r.Resolve(ctx, playerQ, a)
	n, err := r.Flush(ctx, playerP)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records flushed, got %d", n)
	}
	for _, asset := range []Asset{a, b} {
		if res := r.Resolve(ctx, playerP, asset); res.Status != StatusGranted {
			t.Fatalf("expected %s admitted after flush, got %+v", asset.Name, res)
		}
	}
	if res := r.Resolve(ctx, playerQ, a); res.Status != StatusRejected {
		t.Fatalf("flush of P must not touch Q, got %+v", res)
	}
}

func TestStorageLimitedIsRejectionNotFailure(t *testing.T) {
	store := newFakeStore()
	asset := testAsset("a")
	store.fetchErr[asset.Key] = LimitedError("get", asset.Key, errors.New("403 Forbidden"))
	sink := &recordingSink{}
	r := newTestResolver(store, nil)
	r.events = sink
	ctx := context.Background()

	res := r.Resolve(ctx, playerP, asset)
	if res.Status != StatusRejected || res.Reason != ReasonStorageLimited {
		t.Fatalf("expected storage-limited rejection, got %+v", res)
	}
	if res.Err != nil {
		t.Fatalf("rejection must not carry an error: %v", res.Err)
	}
	rec, _, _ := r.limiter.Record(ctx, playerP, asset.Name)
	if rec.Outstanding || rec.FailureCount != 0 {
		t.Fatalf("expected slot freed without failure, got %+v", rec)
	}
	if types := sink.types(); len(types) != 1 || types[0] != EventRejected {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestStorageFaultReleasesSlotAsFailure(t *testing.T) {
	store := newFakeStore()
	asset := testAsset("a")
	store.fetchErr[asset.Key] = FaultError("get", asset.Key, errors.New("connection reset"))
	r := newTestResolver(store, nil)
	ctx := context.Background()

	res := r.Resolve(ctx, playerP, asset)
	if res.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !errors.Is(res.Err, ErrHashComputation) || !errors.Is(res.Err, ErrStorageFault) {
		t.Fatalf("expected hash computation wrapping storage fault, got %v", res.Err)
	}
	if errors.Is(res.Err, ErrRejectedByLimiter) {
		t.Fatalf("fault must not classify as limiter rejection")
	}
	rec, _, _ := r.limiter.Record(ctx, playerP, asset.Name)
	if rec.Outstanding || rec.FailureCount != 1 {
		t.Fatalf("expected released failed slot, got %+v", rec)
	}

	delete(store.fetchErr, asset.Key)
	store.put(asset.Key, []byte("fixed"))
	if res := r.Resolve(ctx, playerP, asset); res.Status != StatusGranted {
		t.Fatalf("expected grant after storage recovers, got %+v", res)
	}
}

func TestURIErrorAfterHash(t *testing.T) {
	store := newFakeStore()
	asset := testAsset("a")
	store.put(asset.Key, []byte("x"))
	store.uriErr[asset.Key] = FaultError("presign", asset.Key, ErrMalformedDescriptor)
	r := newTestResolver(store, nil)

	res := r.Resolve(context.Background(), playerP, asset)
	if res.Status != StatusFailed || !errors.Is(res.Err, ErrMalformedDescriptor) {
		t.Fatalf("expected malformed descriptor failure, got %+v", res)
	}
	if FailureKind(res.Err) != "malformed_descriptor" {
		t.Fatalf("unexpected failure kind %q", FailureKind(res.Err))
	}
}

func TestMalformedAssetNotAdmitted(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(store, nil)
	res := r.Resolve(context.Background(), playerP, Asset{Name: "broken"})
	if res.Status != StatusFailed || !errors.Is(res.Err, ErrMalformedDescriptor) {
		t.Fatalf("expected malformed failure, got %+v", res)
	}
	if _, ok, _ := r.limiter.Record(context.Background(), playerP, "broken"); ok {
		t.Fatalf("malformed asset must not create an attempt record")
	}
}

func TestResolveAllKeepsOrder(t *testing.T) {
	store := newFakeStore()
	var assets []Asset
	for _, name := range []string{"e", "d", "c", "b", "a", "f", "g", "h", "i", "j"} {
		a := testAsset(name)
		store.put(a.Key, []byte(name))
		assets = append(assets, a)
	}
	r := newTestResolver(store, nil)
	results := r.ResolveAll(context.Background(), playerP, assets)
	if len(results) != len(assets) {
		t.Fatalf("expected %d results, got %d", len(assets), len(results))
	}
	for i, res := range results {
		if res.Asset != assets[i].Name {
			t.Fatalf("result %d out of order: %s", i, res.Asset)
		}
		if res.Grant == nil || res.Grant.Hash != sha1Of([]byte(assets[i].Name)) {
			t.Fatalf("result %d has wrong grant %+v", i, res.Grant)
		}
	}
}

func TestResolveContextUsesCatalogOrderAndOptions(t *testing.T) {
	store := newFakeStore()
	a, b := testAsset("a"), testAsset("b")
	store.put(a.Key, []byte("a"))
	store.put(b.Key, []byte("b"))
	catalog := &fakeCatalog{
		fakeRegistry: newFakeRegistry(),
		contexts: map[string]ContextPacks{
			"lobby": {Context: "lobby", Assets: []Asset{b, a}, Prompt: "please", Force: true},
		},
	}
	r, err := NewResolver(Options{
		Store:   store,
		Limiter: NewLimiter(nil, LimiterConfig{}),
		Catalog: catalog,
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	req, err := r.ResolveContext(context.Background(), playerP, "lobby")
	if err != nil {
		t.Fatalf("resolve context: %v", err)
	}
	if !req.Force || req.Prompt != "please" {
		t.Fatalf("unexpected options %+v", req)
	}
	if req.Results[0].Asset != "b" || req.Results[1].Asset != "a" {
		t.Fatalf("unexpected order %+v", req.Results)
	}
	if _, ok := catalog.get("a"); !ok {
		t.Fatalf("expected catalog to receive persisted hash")
	}
	if _, err := r.ResolveContext(context.Background(), playerP, "missing"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown context error, got %v", err)
	}
}

func TestShutdownRejectsAndFlushes(t *testing.T) {
	store := newFakeStore()
	asset := testAsset("a")
	store.put(asset.Key, []byte("x"))
	r := newTestResolver(store, nil)
	ctx := context.Background()

	r.Resolve(ctx, playerP, asset)
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, ok, _ := r.limiter.Record(ctx, playerP, asset.Name); ok {
		t.Fatalf("expected records flushed on shutdown")
	}
	res := r.Resolve(ctx, playerP, asset)
	if res.Status != StatusRejected || res.Reason != ReasonShutdown {
		t.Fatalf("expected shutdown rejection, got %+v", res)
	}
}

func TestShutdownWaitsForInflightResolution(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	store.started = make(chan struct{}, 1)
	asset := testAsset("a")
	store.put(asset.Key, []byte("x"))
	r := newTestResolver(store, nil)
	ctx := context.Background()

	resolved := make(chan Result, 1)
	go func() { resolved <- r.Resolve(ctx, playerP, asset) }()
	<-store.started

	shutdown := make(chan error, 1)
	go func() { shutdown <- r.Shutdown(ctx) }()
	for !r.Closed() {
		time.Sleep(time.Millisecond)
	}
	if res := r.Resolve(ctx, playerQ, asset); res.Reason != ReasonShutdown {
		t.Fatalf("expected shutdown rejection while draining, got %+v", res)
	}
	select {
	case err := <-shutdown:
		t.Fatalf("shutdown returned before resolution finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.gate)
	if res := <-resolved; res.Status != StatusGranted {
		t.Fatalf("expected in-flight resolution to finish, got %+v", res)
	}
	if err := <-shutdown; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, ok, _ := r.limiter.Record(ctx, playerP, asset.Name); ok {
		t.Fatalf("expected record of drained resolution flushed")
	}
}

func TestShutdownDrainDeadline(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	store.started = make(chan struct{}, 1)
	defer close(store.gate)
	asset := testAsset("a")
	store.put(asset.Key, []byte("x"))
	r := newTestResolver(store, nil)

	go r.Resolve(context.Background(), playerP, asset)
	<-store.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain deadline error, got %v", err)
	}
}

func TestNewResolverRequiresCollaborators(t *testing.T) {
	if _, err := NewResolver(Options{}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := NewResolver(Options{Store: newFakeStore()}); err == nil {
		t.Fatalf("expected error without limiter")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink(a, nil, b)
	sink.Publish(Event{Type: EventFlushed})
	if len(a.types()) != 1 || len(b.types()) != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
}
