package domain

import "time"

// Event types carried by StreamUpdate.EventType, matching the CLOB
// WebSocket event_type discriminator.
const (
	EventBook           = "book"
	EventPriceChange    = "price_change"
	EventBestBidAsk     = "best_bid_ask"
	EventLastTradePrice = "last_trade_price"
	EventTickSizeChange = "tick_size_change"
)

// Order sides as they appear on the wire after normalization.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// StreamUpdate is the normalized output of the message parser: one typed
// update derived from a raw WebSocket frame. Numeric fields are zero when
// the wire message did not carry them; ReceivedAt is always populated.
type StreamUpdate struct {
	AssetID    string
	EventType  string
	Side       string // BUY or SELL, only for price_change
	Price      float64
	Size       float64
	BestBid    float64
	BestAsk    float64
	LastTrade  float64
	TickSize   float64
	Hash       string
	Sequence   int64
	Timestamp  int64 // wire-provided, milliseconds; 0 when absent
	ReceivedAt time.Time
}

// BookSnapshot is a full orderbook snapshot as delivered on the stream or
// fetched over REST, before the reconciler normalizes it.
type BookSnapshot struct {
	AssetID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Hash      string
	Timestamp int64 // wire-provided, milliseconds; 0 when absent
}

// ConnState describes the stream connection lifecycle. The coordinator
// forwards transitions to the consumer as status strings.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateStale        ConnState = "stale"
	StateClosed       ConnState = "closed"
)
