package domain

import (
	"math"
	"time"
)

// PriceLevel is a single price+size entry in an orderbook. Levels with
// Size <= 0 are removed on application and never stored.
type PriceLevel struct {
	Price float64
	Size  float64
}

// Orderbook is the locally reconciled view of one asset's book. Bids are
// strictly descending by price, asks strictly ascending, at most one level
// per price, depth capped by the reconciler.
type Orderbook struct {
	AssetID      string
	Bids         []PriceLevel
	Asks         []PriceLevel
	TickSize     float64
	MinOrderSize float64
	NegRisk      bool
	UpdatedAt    time.Time
}

// BestBid returns the highest bid price, or 0 when the bid side is empty.
func (b *Orderbook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when the ask side is empty.
func (b *Orderbook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Midpoint returns (bestBid+bestAsk)/2, or NaN when either side is empty.
// NaN is the "no data" sentinel the consumer renders as a placeholder.
func (b *Orderbook) Midpoint() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid <= 0 || ask <= 0 {
		return math.NaN()
	}
	return (bid + ask) / 2
}

// Spread returns bestAsk-bestBid, or NaN when either side is empty.
func (b *Orderbook) Spread() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid <= 0 || ask <= 0 {
		return math.NaN()
	}
	return ask - bid
}

// Clone returns a deep copy so consumers can read a book without racing the
// reconciler's writer goroutine.
func (b *Orderbook) Clone() *Orderbook {
	cp := *b
	cp.Bids = append([]PriceLevel(nil), b.Bids...)
	cp.Asks = append([]PriceLevel(nil), b.Asks...)
	return &cp
}
