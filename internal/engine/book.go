// Package engine reconciles per-asset orderbook state from stream deltas and
// REST snapshots, and coordinates the stream client, the baseline pollers,
// and the consumer-facing channels.
package engine

import (
	"sort"
	"time"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
)

// normalizeBook builds a clean Orderbook from a raw snapshot: zero-size
// levels dropped, one level per price (last occurrence wins), bids sorted
// descending, asks ascending, depth capped.
func normalizeBook(snap *domain.BookSnapshot, maxDepth int) *domain.Orderbook {
	book := &domain.Orderbook{
		AssetID:   snap.AssetID,
		Bids:      normalizeSide(snap.Bids, true, maxDepth),
		Asks:      normalizeSide(snap.Asks, false, maxDepth),
		UpdatedAt: time.Now(),
	}
	return book
}

func normalizeSide(levels []domain.PriceLevel, descending bool, maxDepth int) []domain.PriceLevel {
	byPrice := make(map[float64]float64, len(levels))
	for _, l := range levels {
		if l.Size <= 0 {
			delete(byPrice, l.Price)
			continue
		}
		byPrice[l.Price] = l.Size
	}

	out := make([]domain.PriceLevel, 0, len(byPrice))
	for p, s := range byPrice {
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	sortSide(out, descending)
	return truncate(out, maxDepth)
}

// updateLevels applies one delta to a side: size <= 0 removes the price
// level, anything else upserts it. The side is re-sorted and truncated to
// the depth cap.
func updateLevels(side []domain.PriceLevel, price, size float64, descending bool, maxDepth int) []domain.PriceLevel {
	found := false
	out := side[:0]
	for _, l := range side {
		if l.Price == price {
			found = true
			if size <= 0 {
				continue
			}
			l.Size = size
		}
		out = append(out, l)
	}
	if !found && size > 0 {
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	sortSide(out, descending)
	return truncate(out, maxDepth)
}

func sortSide(levels []domain.PriceLevel, descending bool) {
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
}

func truncate(levels []domain.PriceLevel, maxDepth int) []domain.PriceLevel {
	if maxDepth > 0 && len(levels) > maxDepth {
		return levels[:maxDepth]
	}
	return levels
}
