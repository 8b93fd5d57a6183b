package polymarket

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
	"github.com/mneves75/polymarket-analyzer-sub002/internal/httpx"
)

// DataClient is the REST client for the CLOB market-data endpoints used for
// snapshots, resync, and fallback polling. All calls go through the shared
// rate-limited httpx.Client.
type DataClient struct {
	baseURL string
	http    *httpx.Client
}

// NewDataClient creates a market-data client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
func NewDataClient(baseURL string, http *httpx.Client) *DataClient {
	return &DataClient{baseURL: baseURL, http: http}
}

// Book fetches the full orderbook snapshot for a token. A 404 "no orderbook
// exists" surfaces unchanged so callers can branch via httpx.IsNoOrderbook.
func (c *DataClient) Book(ctx context.Context, tokenID string) (*domain.BookSnapshot, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	var book apiBook
	if err := c.http.GetJSON(ctx, c.baseURL+"/book?"+params.Encode(), &book); err != nil {
		if httpx.IsNoOrderbook(err) {
			return nil, err
		}
		return nil, fmt.Errorf("polymarket/data: get book %s: %w", tokenID, err)
	}
	snap := book.toSnapshot()
	if snap.AssetID == "" {
		snap.AssetID = tokenID
	}
	return snap, nil
}

// Price fetches the current best price for one side of a token's book.
// side is "BUY" or "SELL".
func (c *DataClient) Price(ctx context.Context, tokenID, side string) (float64, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)
	params.Set("side", side)

	var resp struct {
		Price flexFloat `json:"price"`
	}
	if err := c.http.GetJSON(ctx, c.baseURL+"/price?"+params.Encode(), &resp); err != nil {
		if httpx.IsNoOrderbook(err) {
			return 0, err
		}
		return 0, fmt.Errorf("polymarket/data: get price %s %s: %w", tokenID, side, err)
	}
	return resp.Price.Value, nil
}

// Midpoint fetches the midpoint price for a token. The 404 "no orderbook"
// case surfaces unchanged; the coordinator falls back to its local BBO.
func (c *DataClient) Midpoint(ctx context.Context, tokenID string) (float64, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	var resp struct {
		Mid flexFloat `json:"mid"`
	}
	if err := c.http.GetJSON(ctx, c.baseURL+"/midpoint?"+params.Encode(), &resp); err != nil {
		if httpx.IsNoOrderbook(err) {
			return 0, err
		}
		return 0, fmt.Errorf("polymarket/data: get midpoint %s: %w", tokenID, err)
	}
	return resp.Mid.Value, nil
}

// PricesHistory fetches historical price samples for a market. Deployments
// that predate the rename still serve the legacy /price_history path, so a
// 404 on the primary path retries there once.
func (c *DataClient) PricesHistory(ctx context.Context, market, interval string, fidelity int) ([]PricePoint, error) {
	params := url.Values{}
	params.Set("market", market)
	if interval != "" {
		params.Set("interval", interval)
	}
	if fidelity > 0 {
		params.Set("fidelity", strconv.Itoa(fidelity))
	}
	query := params.Encode()

	var hist apiHistory
	err := c.http.GetJSON(ctx, c.baseURL+"/prices-history?"+query, &hist)
	if err != nil && httpx.StatusOf(err) == 404 && !httpx.IsNoOrderbook(err) {
		err = c.http.GetJSON(ctx, c.baseURL+"/price_history?"+query, &hist)
	}
	if err != nil {
		if httpx.IsNoOrderbook(err) {
			return nil, err
		}
		return nil, fmt.Errorf("polymarket/data: get prices history %s: %w", market, err)
	}
	return hist.History, nil
}
