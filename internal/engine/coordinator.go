package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
	"github.com/mneves75/polymarket-analyzer-sub002/internal/httpx"
)

const (
	// defaultRefreshInterval paces the REST baseline poll per asset.
	defaultRefreshInterval = 30 * time.Second

	// Consumer-facing channel capacities. Sends never block the apply
	// loop; a lagging consumer loses intermediate frames, not the stream.
	outUpdateBuffer = 1024
	outBookBuffer   = 128
	outStatusBuffer = 16
)

// Stream is the coordinator's view of the stream client.
// *polymarket.StreamClient satisfies it.
type Stream interface {
	Run(ctx context.Context) error
	Updates() <-chan domain.StreamUpdate
	Books() <-chan domain.BookSnapshot
	Status() <-chan domain.ConnState
	Healthy() bool
	Subscribe(ids []string) error
	Unsubscribe(ids []string) error
	Dropped() uint64
	Reconnects() uint64
	Close() error
}

// DataAPI is the coordinator's view of the REST market-data client.
// *polymarket.DataClient satisfies it.
type DataAPI interface {
	Book(ctx context.Context, tokenID string) (*domain.BookSnapshot, error)
	Price(ctx context.Context, tokenID, side string) (float64, error)
	Midpoint(ctx context.Context, tokenID string) (float64, error)
}

// CoordinatorOptions tunes the coordinator; zero values use defaults.
type CoordinatorOptions struct {
	RefreshInterval time.Duration
}

// Stats is a point-in-time snapshot of engine counters for the consumer's
// status line.
type Stats struct {
	Dropped    uint64
	Reconnects uint64
	Resyncs    uint64
}

// Coordinator orchestrates the stream client, the periodic REST baseline
// refresh, and the reconciler, and is the only object the consumer sees. A
// single apply goroutine is the logical writer for all per-asset state;
// consumers read via the output channels and Snapshot.
type Coordinator struct {
	stream Stream
	data   DataAPI
	rec    *Reconciler
	logger *slog.Logger

	refreshInterval time.Duration

	updates chan domain.StreamUpdate
	books   chan *domain.Orderbook
	status  chan string

	mu          sync.Mutex
	focus       []string
	epochCancel context.CancelFunc
	epochCtx    context.Context
}

// NewCoordinator wires the engine together. assetIDs is the initial focus
// set; an empty list is a configuration error.
func NewCoordinator(stream Stream, data DataAPI, rec *Reconciler, assetIDs []string, opts CoordinatorOptions, logger *slog.Logger) (*Coordinator, error) {
	if len(assetIDs) == 0 {
		return nil, fmt.Errorf("engine: %w", domain.ErrNoAssets)
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	return &Coordinator{
		stream:          stream,
		data:            data,
		rec:             rec,
		logger:          logger.With(slog.String("component", "coordinator")),
		refreshInterval: opts.RefreshInterval,
		updates:         make(chan domain.StreamUpdate, outUpdateBuffer),
		books:           make(chan *domain.Orderbook, outBookBuffer),
		status:          make(chan string, outStatusBuffer),
		focus:           append([]string(nil), assetIDs...),
	}, nil
}

// Updates delivers every normalized stream update to the consumer.
func (c *Coordinator) Updates() <-chan domain.StreamUpdate { return c.updates }

// Books delivers a reconciled book copy after each change.
func (c *Coordinator) Books() <-chan *domain.Orderbook { return c.books }

// Status delivers connection state strings for the consumer's status line.
func (c *Coordinator) Status() <-chan string { return c.status }

// Snapshot returns a copy of the reconciled book for an asset, or nil.
func (c *Coordinator) Snapshot(assetID string) *domain.Orderbook {
	return c.rec.Snapshot(assetID)
}

// Stats returns current engine counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Dropped:    c.stream.Dropped(),
		Reconnects: c.stream.Reconnects(),
		Resyncs:    c.rec.Resyncs(),
	}
}

// Run drives the engine until ctx is cancelled. It owns the stream client's
// lifetime and the apply/poll loops.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.epochCtx, c.epochCancel = context.WithCancel(ctx)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.stream.Run(gctx) })
	g.Go(func() error { return c.applyLoop(gctx) })
	g.Go(func() error { return c.pollLoop(gctx) })

	err := g.Wait()
	c.stream.Close()
	c.rec.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}

// applyLoop is the single writer for per-asset state: it serializes stream
// updates, stream snapshots, and (via the reconciler's locking) resync
// results.
func (c *Coordinator) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case u := <-c.stream.Updates():
			changed := c.rec.ApplyUpdate(c.epoch(), u)
			c.send(u)
			if changed {
				c.sendBook(c.rec.Snapshot(u.AssetID))
			}

		case snap := <-c.stream.Books():
			c.rec.ApplyBook(snap)
			c.sendBook(c.rec.Snapshot(snap.AssetID))

		case state := <-c.stream.Status():
			c.sendStatus(string(state))
		}
	}
}

// pollLoop refreshes the REST baseline per focused asset. While the stream
// is healthy the pass is a cheap no-op that spends no request quota.
func (c *Coordinator) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if c.stream.Healthy() {
			continue
		}

		epoch := c.epoch()
		for _, assetID := range c.Focus() {
			if epoch.Err() != nil {
				break // focus switched mid-pass
			}
			c.refreshAsset(epoch, assetID)
		}
	}
}

// refreshAsset re-fetches one asset's baseline over REST: the full book,
// the best price on each side, and the midpoint.
func (c *Coordinator) refreshAsset(ctx context.Context, assetID string) {
	snap, err := c.data.Book(ctx, assetID)
	if err != nil {
		if httpx.IsNoOrderbook(err) {
			return // unopened market; a steady state, not an alert
		}
		if ctx.Err() == nil {
			c.logger.Warn("baseline refresh failed",
				slog.String("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	c.rec.ApplyBook(*snap)
	c.sendBook(c.rec.Snapshot(assetID))

	bid, bidErr := c.data.Price(ctx, assetID, domain.SideBuy)
	ask, askErr := c.data.Price(ctx, assetID, domain.SideSell)
	if bidErr == nil && askErr == nil {
		c.send(domain.StreamUpdate{
			AssetID:    assetID,
			EventType:  domain.EventBestBidAsk,
			BestBid:    bid,
			BestAsk:    ask,
			ReceivedAt: time.Now(),
		})
	}

	if mid, err := c.data.Midpoint(ctx, assetID); err == nil {
		c.logger.Debug("baseline midpoint",
			slog.String("asset_id", assetID),
			slog.Float64("mid", mid),
		)
	}
}

// Midpoint returns the market midpoint for an asset. A 404 "no orderbook"
// falls back to the local BBO midpoint; with no bid/ask known either, the
// NaN no-data sentinel is returned and nothing is logged.
func (c *Coordinator) Midpoint(ctx context.Context, assetID string) (float64, error) {
	mid, err := c.data.Midpoint(ctx, assetID)
	if err == nil {
		return mid, nil
	}
	if !httpx.IsNoOrderbook(err) {
		return math.NaN(), err
	}
	if book := c.rec.Snapshot(assetID); book != nil {
		return book.Midpoint(), nil
	}
	return math.NaN(), nil
}

// Focus returns the currently focused asset IDs.
func (c *Coordinator) Focus() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.focus...)
}

// SetFocus switches the focused instrument set: subscriptions follow the
// diff, state for abandoned assets is dropped, and the previous epoch's
// in-flight REST calls are cancelled so they cannot overwrite fresher state.
func (c *Coordinator) SetFocus(ctx context.Context, assetIDs []string) error {
	if len(assetIDs) == 0 {
		return fmt.Errorf("engine: set focus: %w", domain.ErrNoAssets)
	}

	c.mu.Lock()
	old := c.focus
	added, removed := diff(old, assetIDs)
	c.focus = append([]string(nil), assetIDs...)
	if c.epochCancel != nil {
		c.epochCancel()
	}
	c.epochCtx, c.epochCancel = context.WithCancel(ctx)
	c.mu.Unlock()

	epochID := uuid.NewString()[:8]
	c.logger.Info("focus switched",
		slog.String("epoch", epochID),
		slog.Int("added", len(added)),
		slog.Int("removed", len(removed)),
	)

	for _, id := range removed {
		c.rec.Drop(id)
	}
	if err := c.stream.Unsubscribe(removed); err != nil {
		return err
	}
	return c.stream.Subscribe(added)
}

// epoch returns the context tied to the current focus set.
func (c *Coordinator) epoch() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochCtx == nil {
		return context.Background()
	}
	return c.epochCtx
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Coordinator) send(u domain.StreamUpdate) {
	select {
	case c.updates <- u:
	default:
	}
}

func (c *Coordinator) sendBook(book *domain.Orderbook) {
	if book == nil {
		return
	}
	select {
	case c.books <- book:
	default:
	}
}

func (c *Coordinator) sendStatus(s string) {
	select {
	case c.status <- s:
	default:
	}
}

// diff returns the IDs present only in next (added) and only in prev
// (removed).
func diff(prev, next []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, id := range prev {
		prevSet[id] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next))
	for _, id := range next {
		nextSet[id] = struct{}{}
		if _, ok := prevSet[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range prev {
		if _, ok := nextSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
