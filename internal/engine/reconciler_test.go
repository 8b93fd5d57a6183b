package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
)

// fakeFetcher serves canned snapshots and records fetch calls. An optional
// gate channel holds a fetch open so tests can race it against live updates.
type fakeFetcher struct {
	mu    sync.Mutex
	snap  domain.BookSnapshot
	err   error
	calls int
	gate  chan struct{}
}

func (f *fakeFetcher) Book(ctx context.Context, tokenID string) (*domain.BookSnapshot, error) {
	f.mu.Lock()
	f.calls++
	snap, err, gate := f.snap, f.err, f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	cp := snap
	cp.AssetID = tokenID
	return &cp, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestReconciler(f BookFetcher, opts ReconcilerOptions) *Reconciler {
	return NewReconciler(f, opts, slog.Default())
}

func priceChange(assetID, side string, price, size float64, seq int64, hash string) domain.StreamUpdate {
	return domain.StreamUpdate{
		AssetID:    assetID,
		EventType:  domain.EventPriceChange,
		Side:       side,
		Price:      price,
		Size:       size,
		Sequence:   seq,
		Hash:       hash,
		ReceivedAt: time.Now(),
	}
}

func TestApplyUpdateInsertsIntoEmptyBook(t *testing.T) {
	r := newTestReconciler(&fakeFetcher{}, ReconcilerOptions{})
	defer r.Close()

	changed := r.ApplyUpdate(context.Background(), priceChange("tok-1", domain.SideBuy, 0.42, 50, 0, "h1"))
	if !changed {
		t.Fatal("update reported no change")
	}

	book := r.Snapshot("tok-1")
	if book == nil {
		t.Fatal("no book after first delta")
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != 0.42 || book.Bids[0].Size != 50 {
		t.Errorf("bids = %+v, want single 0.42/50", book.Bids)
	}
	if got := r.State("tok-1"); got != StateSynced {
		t.Errorf("state = %v, want synced", got)
	}
}

func TestApplyUpdateDuplicateHashIsIdempotent(t *testing.T) {
	r := newTestReconciler(&fakeFetcher{}, ReconcilerOptions{})
	defer r.Close()

	u := priceChange("tok-1", domain.SideBuy, 0.42, 50, 0, "same-hash")
	if !r.ApplyUpdate(context.Background(), u) {
		t.Fatal("first apply reported no change")
	}
	before := r.Snapshot("tok-1")

	// Redelivery of the same message must be a no-op.
	u.Size = 9999
	if r.ApplyUpdate(context.Background(), u) {
		t.Error("duplicate hash reported a change")
	}
	after := r.Snapshot("tok-1")
	if after.Bids[0].Size != before.Bids[0].Size {
		t.Errorf("book mutated by duplicate: %+v", after.Bids)
	}
}

func TestApplyUpdateSellSideAndRemoval(t *testing.T) {
	r := newTestReconciler(&fakeFetcher{}, ReconcilerOptions{})
	defer r.Close()

	ctx := context.Background()
	r.ApplyUpdate(ctx, priceChange("tok-1", domain.SideSell, 0.44, 30, 0, "h1"))
	r.ApplyUpdate(ctx, priceChange("tok-1", domain.SideSell, 0.45, 10, 0, "h2"))
	r.ApplyUpdate(ctx, priceChange("tok-1", domain.SideSell, 0.44, 0, 0, "h3"))

	book := r.Snapshot("tok-1")
	if len(book.Asks) != 1 || book.Asks[0].Price != 0.45 {
		t.Errorf("asks = %+v, want single 0.45", book.Asks)
	}
	if len(book.Bids) != 0 {
		t.Errorf("bids = %+v, want empty", book.Bids)
	}
}

func TestApplyBookReplacesState(t *testing.T) {
	r := newTestReconciler(&fakeFetcher{}, ReconcilerOptions{})
	defer r.Close()

	r.ApplyUpdate(context.Background(), priceChange("tok-1", domain.SideBuy, 0.10, 1, 0, "old"))
	r.ApplyBook(domain.BookSnapshot{
		AssetID: "tok-1",
		Bids:    []domain.PriceLevel{{Price: 0.40, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.44, Size: 80}},
		Hash:    "snap-hash",
	})

	book := r.Snapshot("tok-1")
	if len(book.Bids) != 1 || book.Bids[0].Price != 0.40 {
		t.Errorf("bids = %+v, want snapshot contents only", book.Bids)
	}
	if got := r.State("tok-1"); got != StateSynced {
		t.Errorf("state = %v", got)
	}
}

func TestSequenceGapSchedulesOneResync(t *testing.T) {
	f := &fakeFetcher{snap: domain.BookSnapshot{
		Bids: []domain.PriceLevel{{Price: 0.40, Size: 100}},
		Asks: []domain.PriceLevel{{Price: 0.44, Size: 80}},
	}}
	r := newTestReconciler(f, ReconcilerOptions{
		ResyncCooldown: time.Second,
		ResyncDelay:    10 * time.Millisecond,
	})
	defer r.Close()

	ctx := context.Background()
	r.ApplyUpdate(ctx, priceChange("tok-1", domain.SideBuy, 0.42, 50, 5, "h5"))

	// Sequence jumps 5 -> 8: the intermediate deltas are lost.
	if r.ApplyUpdate(ctx, priceChange("tok-1", domain.SideBuy, 0.43, 10, 8, "h8")) {
		t.Error("gapped update must not be applied")
	}
	if got := r.State("tok-1"); got != StateResyncing {
		t.Fatalf("state = %v, want resyncing", got)
	}

	// A second gap inside the cooldown window schedules nothing extra.
	r.ApplyUpdate(ctx, priceChange("tok-1", domain.SideBuy, 0.43, 10, 12, "h12"))

	deadline := time.Now().Add(2 * time.Second)
	for r.State("tok-1") != StateSynced {
		if time.Now().After(deadline) {
			t.Fatal("resync never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := f.callCount(); got != 1 {
		t.Errorf("fetches = %d, want exactly 1 (debounced)", got)
	}
	book := r.Snapshot("tok-1")
	if book.BestBid() != 0.40 || book.BestAsk() != 0.44 {
		t.Errorf("book after resync = %v/%v", book.BestBid(), book.BestAsk())
	}
}

func TestTimestampReorderTriggersResync(t *testing.T) {
	f := &fakeFetcher{}
	r := newTestReconciler(f, ReconcilerOptions{
		ResyncDelay: 10 * time.Millisecond,
	})
	defer r.Close()

	ctx := context.Background()
	u1 := priceChange("tok-1", domain.SideBuy, 0.42, 50, 0, "h1")
	u1.Timestamp = 2000
	r.ApplyUpdate(ctx, u1)

	u2 := priceChange("tok-1", domain.SideBuy, 0.43, 10, 0, "h2")
	u2.Timestamp = 1000
	if r.ApplyUpdate(ctx, u2) {
		t.Error("reordered update must not be applied")
	}
	if got := r.State("tok-1"); got != StateResyncing {
		t.Errorf("state = %v, want resyncing", got)
	}
}

func TestStaleResyncResultIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{
		snap: domain.BookSnapshot{Bids: []domain.PriceLevel{{Price: 0.11, Size: 1}}},
		gate: gate,
	}
	r := newTestReconciler(f, ReconcilerOptions{
		ResyncDelay: time.Millisecond,
	})
	defer r.Close()

	ctx := context.Background()
	r.ApplyUpdate(ctx, priceChange("tok-1", domain.SideBuy, 0.42, 50, 5, "h5"))
	r.ApplyUpdate(ctx, priceChange("tok-1", domain.SideBuy, 0.43, 10, 9, "h9")) // gap

	// Wait for the debounce timer to start the fetch.
	deadline := time.Now().Add(2 * time.Second)
	for f.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("resync fetch never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A fresher stream snapshot lands while the fetch is held open.
	r.ApplyBook(domain.BookSnapshot{
		AssetID: "tok-1",
		Bids:    []domain.PriceLevel{{Price: 0.40, Size: 100}},
	})
	close(gate)

	// The stale result must never overwrite the newer snapshot.
	time.Sleep(50 * time.Millisecond)
	book := r.Snapshot("tok-1")
	if book.BestBid() != 0.40 {
		t.Errorf("best bid = %v, want the fresher snapshot's 0.40", book.BestBid())
	}
}

func TestDropDiscardsState(t *testing.T) {
	r := newTestReconciler(&fakeFetcher{}, ReconcilerOptions{})
	defer r.Close()

	r.ApplyUpdate(context.Background(), priceChange("tok-1", domain.SideBuy, 0.42, 50, 0, "h1"))
	r.Drop("tok-1")

	if r.Snapshot("tok-1") != nil {
		t.Error("snapshot survived Drop")
	}
	if got := r.State("tok-1"); got != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", got)
	}
}

func TestTickSizeChangeUpdatesMetadataOnly(t *testing.T) {
	r := newTestReconciler(&fakeFetcher{}, ReconcilerOptions{})
	defer r.Close()

	ctx := context.Background()
	r.ApplyUpdate(ctx, priceChange("tok-1", domain.SideBuy, 0.42, 50, 0, "h1"))
	changed := r.ApplyUpdate(ctx, domain.StreamUpdate{
		AssetID:   "tok-1",
		EventType: domain.EventTickSizeChange,
		TickSize:  0.001,
	})
	if changed {
		t.Error("tick size change reported level mutation")
	}
	book := r.Snapshot("tok-1")
	if book.TickSize != 0.001 {
		t.Errorf("tick size = %v", book.TickSize)
	}
	if len(book.Bids) != 1 {
		t.Errorf("levels mutated: %+v", book.Bids)
	}
}
