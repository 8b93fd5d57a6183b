package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrNoOrderbook  = errors.New("no orderbook exists")
	ErrRateLimited  = errors.New("rate limited")
	ErrStreamClosed = errors.New("stream closed")
	ErrNoAssets     = errors.New("no asset ids configured")
)
