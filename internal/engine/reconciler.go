package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
	"github.com/mneves75/polymarket-analyzer-sub002/internal/httpx"
)

// SyncState is the per-asset reconciliation state.
type SyncState string

const (
	StateUninitialized SyncState = "uninitialized"
	StateSynced        SyncState = "synced"
	StateResyncing     SyncState = "resyncing"
)

const (
	// defaultMaxDepth caps stored levels per side (5x a 10-row display).
	defaultMaxDepth = 50

	// defaultResyncCooldown suppresses repeat resyncs for an asset.
	defaultResyncCooldown = 15 * time.Second

	// defaultResyncDelay coalesces a burst of gap signals into one fetch.
	defaultResyncDelay = 1200 * time.Millisecond
)

// BookFetcher fetches a full snapshot for resync. *polymarket.DataClient
// satisfies it.
type BookFetcher interface {
	Book(ctx context.Context, tokenID string) (*domain.BookSnapshot, error)
}

// assetState is everything the reconciler tracks for one asset. Mutated only
// under Reconciler.mu, which makes the per-asset writer single-logical-owner
// even though resync completions arrive from timer goroutines.
type assetState struct {
	state SyncState
	book  *domain.Orderbook

	lastHash   string
	lastSeq    int64
	lastWireTS int64

	lastResyncAt time.Time
	// generation advances on every full snapshot replace; a resync result
	// captured under an older generation is stale and discarded.
	generation uint64
}

// ReconcilerOptions tunes the reconciler; zero values use defaults.
type ReconcilerOptions struct {
	MaxDepth       int
	ResyncCooldown time.Duration
	ResyncDelay    time.Duration
}

// Reconciler owns the per-asset orderbook state machines: it applies deltas,
// suppresses duplicates by hash, detects sequence/timestamp gaps, and
// schedules debounced resyncs through the rate-limited REST layer.
type Reconciler struct {
	fetcher BookFetcher
	logger  *slog.Logger

	maxDepth       int
	resyncCooldown time.Duration
	resyncDelay    time.Duration

	mu     sync.Mutex
	assets map[string]*assetState
	timers map[string]*time.Timer

	resyncs atomic.Uint64
	closed  bool
}

// NewReconciler creates a Reconciler that resyncs through fetcher.
func NewReconciler(fetcher BookFetcher, opts ReconcilerOptions, logger *slog.Logger) *Reconciler {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.ResyncCooldown <= 0 {
		opts.ResyncCooldown = defaultResyncCooldown
	}
	if opts.ResyncDelay <= 0 {
		opts.ResyncDelay = defaultResyncDelay
	}
	return &Reconciler{
		fetcher:        fetcher,
		logger:         logger.With(slog.String("component", "reconciler")),
		maxDepth:       opts.MaxDepth,
		resyncCooldown: opts.ResyncCooldown,
		resyncDelay:    opts.ResyncDelay,
		assets:         make(map[string]*assetState),
		timers:         make(map[string]*time.Timer),
	}
}

// ApplyBook replaces an asset's state with a full snapshot and returns the
// asset to Synced. Any queued resync result from before this snapshot is
// invalidated via the generation counter.
func (r *Reconciler) ApplyBook(snap domain.BookSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(r.stateFor(snap.AssetID), snap)
}

// ApplyUpdate applies one stream update to the asset's book. Only
// price_change mutates levels; tick_size_change updates metadata; other
// event types pass through untouched. Returns true when the book changed.
//
// ctx governs any resync fetch this update triggers, so cancelling the
// caller's focus epoch also cancels in-flight resyncs.
func (r *Reconciler) ApplyUpdate(ctx context.Context, u domain.StreamUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateFor(u.AssetID)

	switch u.EventType {
	case domain.EventTickSizeChange:
		if st.book != nil && u.TickSize > 0 {
			st.book.TickSize = u.TickSize
		}
		return false

	case domain.EventPriceChange:
		// Duplicate delivery: identical hash is a no-op, which makes delta
		// application idempotent under at-least-once delivery.
		if u.Hash != "" && u.Hash == st.lastHash {
			return false
		}

		if reason := st.gapReason(u); reason != "" {
			st.state = StateResyncing
			r.scheduleResyncLocked(ctx, u.AssetID, st, reason)
			return false
		}

		if st.book == nil {
			st.book = &domain.Orderbook{AssetID: u.AssetID}
			st.state = StateSynced
		}
		if u.Side == domain.SideSell {
			st.book.Asks = updateLevels(st.book.Asks, u.Price, u.Size, false, r.maxDepth)
		} else {
			st.book.Bids = updateLevels(st.book.Bids, u.Price, u.Size, true, r.maxDepth)
		}
		st.book.UpdatedAt = u.ReceivedAt

		// Bookkeeping advances only after successful application.
		if u.Hash != "" {
			st.lastHash = u.Hash
		}
		if u.Sequence > 0 {
			st.lastSeq = u.Sequence
		}
		if u.Timestamp > 0 {
			st.lastWireTS = u.Timestamp
		}
		return true
	}
	return false
}

// gapReason reports why u breaks the expected chain, or "" when it fits.
func (st *assetState) gapReason(u domain.StreamUpdate) string {
	if u.Sequence > 0 && st.lastSeq > 0 && u.Sequence != st.lastSeq+1 {
		return "sequence gap"
	}
	if u.Timestamp > 0 && st.lastWireTS > 0 && u.Timestamp < st.lastWireTS {
		return "timestamp reorder"
	}
	return ""
}

// scheduleResyncLocked debounces resync requests: within the cooldown window
// the call is a no-op; otherwise a fetch fires after the coalescing delay.
// The gap is logged here, at most once per cooldown window.
func (r *Reconciler) scheduleResyncLocked(ctx context.Context, assetID string, st *assetState, reason string) {
	if r.closed || time.Since(st.lastResyncAt) < r.resyncCooldown {
		return
	}
	st.lastResyncAt = time.Now()
	gen := st.generation

	r.logger.Warn("gap detected, scheduling resync",
		slog.String("asset_id", assetID),
		slog.String("reason", reason),
		slog.Duration("delay", r.resyncDelay),
	)

	r.timers[assetID] = time.AfterFunc(r.resyncDelay, func() {
		r.resync(ctx, assetID, gen)
	})
}

// resync fetches a fresh snapshot and installs it unless a newer snapshot
// landed while the fetch was in flight.
func (r *Reconciler) resync(ctx context.Context, assetID string, gen uint64) {
	r.resyncs.Add(1)

	snap, err := r.fetcher.Book(ctx, assetID)
	if err != nil {
		if httpx.IsNoOrderbook(err) || ctx.Err() != nil {
			return // steady state or cancelled epoch; stay Resyncing
		}
		r.logger.Warn("resync fetch failed",
			slog.String("asset_id", assetID),
			slog.String("error", err.Error()),
		)
		return // remain Resyncing; the next gap retries
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.assets[assetID]
	if !ok {
		return // interest dropped while fetching
	}
	if st.generation != gen {
		return // a newer snapshot won the race; discard
	}
	r.replaceLocked(st, *snap)
}

// replaceLocked installs a full snapshot. Caller must hold r.mu.
func (r *Reconciler) replaceLocked(st *assetState, snap domain.BookSnapshot) {
	st.book = normalizeBook(&snap, r.maxDepth)
	st.state = StateSynced
	st.lastHash = snap.Hash
	st.lastSeq = 0 // snapshots carry no sequence; the next delta re-seeds it
	st.lastWireTS = snap.Timestamp
	st.generation++
}

// Snapshot returns a deep copy of an asset's book, or nil when unknown.
func (r *Reconciler) Snapshot(assetID string) *domain.Orderbook {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.assets[assetID]
	if !ok || st.book == nil {
		return nil
	}
	return st.book.Clone()
}

// State returns the sync state for an asset.
func (r *Reconciler) State(assetID string) SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.assets[assetID]
	if !ok {
		return StateUninitialized
	}
	return st.state
}

// Drop discards all state for an asset (consumer switched focus).
func (r *Reconciler) Drop(assetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assets, assetID)
	if t, ok := r.timers[assetID]; ok {
		t.Stop()
		delete(r.timers, assetID)
	}
}

// Resyncs returns how many resync fetches have been attempted.
func (r *Reconciler) Resyncs() uint64 { return r.resyncs.Load() }

// Close stops pending resync timers.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// stateFor lazily creates per-asset state on first touch. Caller holds r.mu.
func (r *Reconciler) stateFor(assetID string) *assetState {
	st, ok := r.assets[assetID]
	if !ok {
		st = &assetState{state: StateUninitialized}
		r.assets[assetID] = st
	}
	return st
}
