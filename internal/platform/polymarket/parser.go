package polymarket

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
)

// Parsed is the normalized output of one raw frame: zero or more typed
// updates plus zero or more full book snapshots.
type Parsed struct {
	Updates []domain.StreamUpdate
	Books   []domain.BookSnapshot
}

// ParseFrame maps one raw WebSocket frame to normalized output. It is pure
// and total: malformed or unknown input yields empty output, never an error
// or panic. The feed delivers both single objects and top-level arrays of
// objects; both are accepted.
func ParseFrame(raw []byte) Parsed {
	now := time.Now()

	var frames []wsFrame
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &frames); err != nil {
			return Parsed{}
		}
	} else {
		var f wsFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return Parsed{}
		}
		frames = []wsFrame{f}
	}

	var out Parsed
	for i := range frames {
		parseOne(&frames[i], now, &out)
	}
	return out
}

func parseOne(f *wsFrame, now time.Time, out *Parsed) {
	switch f.eventType() {
	case domain.EventBook:
		bids := f.Bids
		if len(bids) == 0 {
			bids = f.Buys
		}
		asks := f.Asks
		if len(asks) == 0 {
			asks = f.Sells
		}
		out.Books = append(out.Books, domain.BookSnapshot{
			AssetID:   f.AssetID,
			Bids:      toLevels(bids),
			Asks:      toLevels(asks),
			Hash:      f.Hash,
			Timestamp: f.Timestamp.Value,
		})

	case domain.EventBestBidAsk:
		out.Updates = append(out.Updates, domain.StreamUpdate{
			AssetID:    f.AssetID,
			EventType:  domain.EventBestBidAsk,
			BestBid:    f.BestBid.Value,
			BestAsk:    f.BestAsk.Value,
			Hash:       f.Hash,
			Sequence:   f.Sequence.Value,
			Timestamp:  f.Timestamp.Value,
			ReceivedAt: now,
		})

	case domain.EventLastTradePrice:
		if !f.Price.Valid {
			return // a trade without a price is noise
		}
		out.Updates = append(out.Updates, domain.StreamUpdate{
			AssetID:    f.AssetID,
			EventType:  domain.EventLastTradePrice,
			LastTrade:  f.Price.Value,
			Size:       f.Size.Value,
			Timestamp:  f.Timestamp.Value,
			ReceivedAt: now,
		})

	case domain.EventPriceChange:
		changes := f.PriceChanges
		if len(changes) == 0 {
			changes = f.Changes
		}
		if len(changes) == 0 {
			// Flat delta on the frame itself.
			if !f.Price.Valid {
				return
			}
			out.Updates = append(out.Updates, domain.StreamUpdate{
				AssetID:    f.AssetID,
				EventType:  domain.EventPriceChange,
				Side:       normalizeSide(f.Side),
				Price:      f.Price.Value,
				Size:       f.Size.Value,
				BestBid:    f.BestBid.Value,
				BestAsk:    f.BestAsk.Value,
				Hash:       f.Hash,
				Sequence:   f.Sequence.Value,
				Timestamp:  f.Timestamp.Value,
				ReceivedAt: now,
			})
			return
		}
		for _, ch := range changes {
			if !ch.Price.Valid {
				continue
			}
			u := domain.StreamUpdate{
				AssetID:    ch.AssetID,
				EventType:  domain.EventPriceChange,
				Side:       normalizeSide(ch.Side),
				Price:      ch.Price.Value,
				Size:       ch.Size.Value,
				Hash:       ch.Hash,
				Sequence:   ch.Sequence.Value,
				BestBid:    ch.BestBid.Value,
				BestAsk:    ch.BestAsk.Value,
				Timestamp:  f.Timestamp.Value,
				ReceivedAt: now,
			}
			// Per-change fields inherit the parent frame when absent.
			if u.AssetID == "" {
				u.AssetID = f.AssetID
			}
			if u.Hash == "" {
				u.Hash = f.Hash
			}
			if !ch.Sequence.Valid {
				u.Sequence = f.Sequence.Value
			}
			if !ch.BestBid.Valid {
				u.BestBid = f.BestBid.Value
			}
			if !ch.BestAsk.Valid {
				u.BestAsk = f.BestAsk.Value
			}
			out.Updates = append(out.Updates, u)
		}

	case domain.EventTickSizeChange:
		out.Updates = append(out.Updates, domain.StreamUpdate{
			AssetID:    f.AssetID,
			EventType:  domain.EventTickSizeChange,
			TickSize:   f.NewTickSize.Value,
			Timestamp:  f.Timestamp.Value,
			ReceivedAt: now,
		})
	}
	// Unknown event types fall through to empty output.
}

// normalizeSide uppercases the wire side and defaults unrecognized values
// to BUY.
func normalizeSide(side string) string {
	switch strings.ToUpper(side) {
	case domain.SideSell:
		return domain.SideSell
	default:
		return domain.SideBuy
	}
}
