package polymarket

import (
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
)

// --------------------------------------------------------------------------
// Flexible wire decoding
//
// The CLOB feed has drifted over time: numbers arrive as JSON strings or
// numbers, book sides are spelled bids/asks or buys/sells, and levels are
// encoded as {price,size} objects or [price,size] pairs. These types absorb
// all spellings without erroring so the parser stays total.
// --------------------------------------------------------------------------

// flexFloat unmarshals from a JSON number or numeric string. Valid is false
// when the field was absent or not numeric.
type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		f.Value, f.Valid = n, true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			f.Value, f.Valid = n, true
		}
	}
	// Non-numeric input leaves the zero value; never an error.
	return nil
}

// flexInt unmarshals from a JSON integer or numeric string (the feed sends
// millisecond timestamps and sequence numbers both ways).
type flexInt struct {
	Value int64
	Valid bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		f.Value, f.Valid = n, true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			f.Value, f.Valid = n, true
		}
	}
	return nil
}

// flexLevel is one book level in either object or pair encoding.
type flexLevel struct {
	Price flexFloat
	Size  flexFloat
}

func (l *flexLevel) UnmarshalJSON(data []byte) error {
	var obj struct {
		Price flexFloat `json:"price"`
		Size  flexFloat `json:"size"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		l.Price, l.Size = obj.Price, obj.Size
		return nil
	}
	var pair []flexFloat
	if err := json.Unmarshal(data, &pair); err == nil && len(pair) >= 2 {
		l.Price, l.Size = pair[0], pair[1]
	}
	return nil
}

// toLevels converts wire levels to domain levels, dropping entries without a
// numeric price.
func toLevels(in []flexLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		if !l.Price.Valid {
			continue
		}
		out = append(out, domain.PriceLevel{Price: l.Price.Value, Size: l.Size.Value})
	}
	return out
}

// --------------------------------------------------------------------------
// Wire frames
// --------------------------------------------------------------------------

// wsFrame is the envelope of every inbound WebSocket message. Fields for all
// event types live side by side; the parser dispatches on EventType/Type.
type wsFrame struct {
	EventType string          `json:"event_type"`
	Type      string          `json:"type"`
	ID        json.RawMessage `json:"id,omitempty"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Timestamp flexInt         `json:"timestamp"`
	Hash      string          `json:"hash"`
	Sequence  flexInt         `json:"sequence"`

	// book: both key spellings occur in the wild.
	Bids  []flexLevel `json:"bids"`
	Asks  []flexLevel `json:"asks"`
	Buys  []flexLevel `json:"buys"`
	Sells []flexLevel `json:"sells"`

	// price_change: either a flat delta or a batch of per-level changes.
	Side         string        `json:"side"`
	Price        flexFloat     `json:"price"`
	Size         flexFloat     `json:"size"`
	PriceChanges []priceChange `json:"price_changes"`
	Changes      []priceChange `json:"changes"`

	// best_bid_ask
	BestBid flexFloat `json:"best_bid"`
	BestAsk flexFloat `json:"best_ask"`

	// tick_size_change
	OldTickSize flexFloat `json:"old_tick_size"`
	NewTickSize flexFloat `json:"new_tick_size"`
}

// eventType returns the discriminator, tolerating both field spellings.
func (f *wsFrame) eventType() string {
	if f.EventType != "" {
		return f.EventType
	}
	return f.Type
}

// priceChange is one per-level entry inside a batched price_change frame.
// Absent hash/sequence/best-bid-ask inherit the parent frame's values.
type priceChange struct {
	AssetID  string    `json:"asset_id"`
	Price    flexFloat `json:"price"`
	Size     flexFloat `json:"size"`
	Side     string    `json:"side"`
	Hash     string    `json:"hash"`
	Sequence flexInt   `json:"sequence"`
	BestBid  flexFloat `json:"best_bid"`
	BestAsk  flexFloat `json:"best_ask"`
}

// subscribeFrame is the initial MARKET subscription sent on open.
type subscribeFrame struct {
	Type          string   `json:"type"`
	AssetsIDs     []string `json:"assets_ids"`
	CustomFeature bool     `json:"custom_feature_enabled"`
}

// operationFrame is an incremental subscribe/unsubscribe sent on a live
// connection.
type operationFrame struct {
	AssetsIDs     []string `json:"assets_ids"`
	Operation     string   `json:"operation"`
	CustomFeature bool     `json:"custom_feature_enabled"`
}

// controlReply answers ping/heartbeat frames in-kind, preserving any id.
type controlReply struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
}

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// apiBook is the GET /book response.
type apiBook struct {
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Hash         string      `json:"hash"`
	Timestamp    flexInt     `json:"timestamp"`
	Bids         []flexLevel `json:"bids"`
	Asks         []flexLevel `json:"asks"`
	MinOrderSize flexFloat   `json:"min_order_size"`
	TickSize     flexFloat   `json:"tick_size"`
	NegRisk      bool        `json:"neg_risk"`
}

func (b *apiBook) toSnapshot() *domain.BookSnapshot {
	return &domain.BookSnapshot{
		AssetID:   b.AssetID,
		Bids:      toLevels(b.Bids),
		Asks:      toLevels(b.Asks),
		Hash:      b.Hash,
		Timestamp: b.Timestamp.Value,
	}
}

// PricePoint is one sample from the prices-history endpoint.
type PricePoint struct {
	Timestamp int64   `json:"t"`
	Price     float64 `json:"p"`
}

// apiHistory is the GET /prices-history response.
type apiHistory struct {
	History []PricePoint `json:"history"`
}
