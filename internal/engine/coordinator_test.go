package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
	"github.com/mneves75/polymarket-analyzer-sub002/internal/httpx"
)

// fakeStream satisfies Stream for coordinator tests. Run blocks until ctx is
// cancelled; subscription calls are recorded.
type fakeStream struct {
	updates chan domain.StreamUpdate
	books   chan domain.BookSnapshot
	status  chan domain.ConnState
	healthy bool

	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		updates: make(chan domain.StreamUpdate, 16),
		books:   make(chan domain.BookSnapshot, 16),
		status:  make(chan domain.ConnState, 16),
		healthy: true,
	}
}

func (f *fakeStream) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeStream) Updates() <-chan domain.StreamUpdate { return f.updates }
func (f *fakeStream) Books() <-chan domain.BookSnapshot   { return f.books }
func (f *fakeStream) Status() <-chan domain.ConnState     { return f.status }
func (f *fakeStream) Healthy() bool                       { return f.healthy }
func (f *fakeStream) Dropped() uint64                     { return 0 }
func (f *fakeStream) Reconnects() uint64                  { return 0 }
func (f *fakeStream) Close() error                        { return nil }

func (f *fakeStream) Subscribe(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, ids...)
	return nil
}

func (f *fakeStream) Unsubscribe(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, ids...)
	return nil
}

// fakeData satisfies DataAPI with canned responses.
type fakeData struct {
	book        *domain.BookSnapshot
	bookErr     error
	price       float64
	priceErr    error
	midpoint    float64
	midpointErr error
}

func (f *fakeData) Price(ctx context.Context, tokenID, side string) (float64, error) {
	return f.price, f.priceErr
}

func (f *fakeData) Book(ctx context.Context, tokenID string) (*domain.BookSnapshot, error) {
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	cp := *f.book
	cp.AssetID = tokenID
	return &cp, nil
}

func (f *fakeData) Midpoint(ctx context.Context, tokenID string) (float64, error) {
	return f.midpoint, f.midpointErr
}

func noOrderbookErr() error {
	return &httpx.Error{Status: 404, Message: "no orderbook exists for the requested token"}
}

func newTestCoordinator(t *testing.T, stream Stream, data DataAPI, assets []string) *Coordinator {
	t.Helper()
	rec := NewReconciler(data.(BookFetcher), ReconcilerOptions{}, slog.Default())
	t.Cleanup(rec.Close)
	c, err := NewCoordinator(stream, data, rec, assets, CoordinatorOptions{}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewCoordinatorRequiresAssets(t *testing.T) {
	rec := NewReconciler(&fakeData{}, ReconcilerOptions{}, slog.Default())
	defer rec.Close()
	_, err := NewCoordinator(newFakeStream(), &fakeData{}, rec, nil, CoordinatorOptions{}, slog.Default())
	if !errors.Is(err, domain.ErrNoAssets) {
		t.Fatalf("err = %v, want ErrNoAssets", err)
	}
}

func TestMidpointFromAPI(t *testing.T) {
	c := newTestCoordinator(t, newFakeStream(), &fakeData{midpoint: 0.42}, []string{"tok-1"})

	mid, err := c.Midpoint(context.Background(), "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if mid != 0.42 {
		t.Errorf("mid = %v, want 0.42", mid)
	}
}

func TestMidpointFallsBackToLocalBook(t *testing.T) {
	data := &fakeData{midpointErr: noOrderbookErr()}
	c := newTestCoordinator(t, newFakeStream(), data, []string{"tok-1"})

	c.rec.ApplyBook(domain.BookSnapshot{
		AssetID: "tok-1",
		Bids:    []domain.PriceLevel{{Price: 0.40, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.44, Size: 80}},
	})

	mid, err := c.Midpoint(context.Background(), "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if mid != 0.42 {
		t.Errorf("mid = %v, want local BBO midpoint 0.42", mid)
	}
}

func TestMidpointNoDataSentinel(t *testing.T) {
	data := &fakeData{midpointErr: noOrderbookErr()}
	c := newTestCoordinator(t, newFakeStream(), data, []string{"tok-1"})

	mid, err := c.Midpoint(context.Background(), "tok-1")
	if err != nil {
		t.Fatal("unopened market must not surface an error")
	}
	if !math.IsNaN(mid) {
		t.Errorf("mid = %v, want NaN sentinel", mid)
	}
}

func TestMidpointOtherErrorsSurface(t *testing.T) {
	data := &fakeData{midpointErr: &httpx.Error{Status: 503, Message: "unavailable"}}
	c := newTestCoordinator(t, newFakeStream(), data, []string{"tok-1"})

	if _, err := c.Midpoint(context.Background(), "tok-1"); err == nil {
		t.Fatal("want error for non-404 failure")
	}
}

func TestApplyLoopForwardsStreamTraffic(t *testing.T) {
	stream := newFakeStream()
	data := &fakeData{book: &domain.BookSnapshot{}}
	c := newTestCoordinator(t, stream, data, []string{"tok-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	stream.books <- domain.BookSnapshot{
		AssetID: "tok-1",
		Bids:    []domain.PriceLevel{{Price: 0.40, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.44, Size: 80}},
	}

	select {
	case book := <-c.Books():
		if book.AssetID != "tok-1" || book.BestBid() != 0.40 {
			t.Errorf("forwarded book = %+v", book)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no book forwarded")
	}

	stream.updates <- domain.StreamUpdate{
		AssetID:   "tok-1",
		EventType: domain.EventPriceChange,
		Side:      domain.SideBuy,
		Price:     0.41,
		Size:      5,
	}

	select {
	case u := <-c.Updates():
		if u.Price != 0.41 {
			t.Errorf("forwarded update = %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update forwarded")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v after cancel, want nil", err)
	}
}

func TestSetFocusDiffsSubscriptions(t *testing.T) {
	stream := newFakeStream()
	c := newTestCoordinator(t, stream, &fakeData{}, []string{"tok-1", "tok-2"})

	c.rec.ApplyBook(domain.BookSnapshot{
		AssetID: "tok-1",
		Bids:    []domain.PriceLevel{{Price: 0.40, Size: 100}},
	})

	if err := c.SetFocus(context.Background(), []string{"tok-2", "tok-3"}); err != nil {
		t.Fatal(err)
	}

	stream.mu.Lock()
	subscribed, unsubscribed := stream.subscribed, stream.unsubscribed
	stream.mu.Unlock()

	if len(subscribed) != 1 || subscribed[0] != "tok-3" {
		t.Errorf("subscribed = %v, want [tok-3]", subscribed)
	}
	if len(unsubscribed) != 1 || unsubscribed[0] != "tok-1" {
		t.Errorf("unsubscribed = %v, want [tok-1]", unsubscribed)
	}
	if c.Snapshot("tok-1") != nil {
		t.Error("abandoned asset's book survived the focus switch")
	}

	focus := c.Focus()
	if len(focus) != 2 || focus[0] != "tok-2" || focus[1] != "tok-3" {
		t.Errorf("focus = %v", focus)
	}
}

func TestSetFocusRejectsEmptySet(t *testing.T) {
	c := newTestCoordinator(t, newFakeStream(), &fakeData{}, []string{"tok-1"})
	if err := c.SetFocus(context.Background(), nil); !errors.Is(err, domain.ErrNoAssets) {
		t.Fatalf("err = %v, want ErrNoAssets", err)
	}
}
