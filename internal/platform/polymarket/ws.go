package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the WebSocket dial.
	handshakeTimeout = 15 * time.Second

	// heartbeatInterval is how often the staleness check runs.
	heartbeatInterval = 2 * time.Second

	// defaultStaleAfter is how long without an inbound message before the
	// connection is considered dead and forcibly recycled.
	defaultStaleAfter = 15 * time.Second

	// reconnectBase seeds the reconnect backoff.
	reconnectBase = 500 * time.Millisecond

	// maxReconnectDelay caps the reconnect backoff.
	maxReconnectDelay = 30 * time.Second

	// Output channel capacities. Sends never block the read loop; frames
	// beyond these are dropped and counted.
	updateBuffer = 1024
	bookBuffer   = 128
	statusBuffer = 16
)

// StreamClient owns one WebSocket connection to the CLOB market feed. It
// connects, subscribes, answers control frames, detects staleness, and
// reconnects with capped exponential backoff. Parsed updates are delivered
// on bounded channels so a slow consumer can never stall the read loop.
type StreamClient struct {
	wsURL      string
	staleAfter time.Duration
	logger     *slog.Logger

	updates chan domain.StreamUpdate
	books   chan domain.BookSnapshot
	status  chan domain.ConnState

	mu            sync.Mutex
	conn          *websocket.Conn
	state         domain.ConnState
	subscribed    map[string]struct{}
	lastMessageAt time.Time

	dropped    atomic.Uint64
	reconnects atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamClient creates a stream client that will subscribe to assetIDs on
// connect. An empty asset list is a configuration error and fails
// construction.
func NewStreamClient(wsURL string, assetIDs []string, staleAfter time.Duration, logger *slog.Logger) (*StreamClient, error) {
	if len(assetIDs) == 0 {
		return nil, fmt.Errorf("polymarket/ws: %w", domain.ErrNoAssets)
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	subscribed := make(map[string]struct{}, len(assetIDs))
	for _, id := range assetIDs {
		subscribed[id] = struct{}{}
	}

	return &StreamClient{
		wsURL:      wsURL,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("component", "polymarket_ws")),
		updates:    make(chan domain.StreamUpdate, updateBuffer),
		books:      make(chan domain.BookSnapshot, bookBuffer),
		status:     make(chan domain.ConnState, statusBuffer),
		state:      domain.StateDisconnected,
		subscribed: subscribed,
		done:       make(chan struct{}),
	}, nil
}

// Updates delivers parsed stream updates.
func (s *StreamClient) Updates() <-chan domain.StreamUpdate { return s.updates }

// Books delivers full book snapshots received on the stream.
func (s *StreamClient) Books() <-chan domain.BookSnapshot { return s.books }

// Status delivers connection state transitions.
func (s *StreamClient) Status() <-chan domain.ConnState { return s.status }

// State returns the current connection state.
func (s *StreamClient) State() domain.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastMessageAt returns when the last inbound frame arrived.
func (s *StreamClient) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageAt
}

// Healthy reports whether the stream is connected and has received a message
// within the staleness window.
func (s *StreamClient) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == domain.StateConnected && time.Since(s.lastMessageAt) <= s.staleAfter
}

// Dropped returns how many frames were discarded because a consumer lagged.
func (s *StreamClient) Dropped() uint64 { return s.dropped.Load() }

// Reconnects returns how many times the connection was re-established.
func (s *StreamClient) Reconnects() uint64 { return s.reconnects.Load() }

// Run connects and keeps the stream alive until ctx is cancelled or Close is
// called. Each failed connection schedules a reconnect with capped
// exponential backoff; attempts reset on every successful open.
func (s *StreamClient) Run(ctx context.Context) error {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		s.setState(domain.StateConnecting)
		opened, err := s.runConnection(ctx)
		if s.closed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			attempts = 0
			s.reconnects.Add(1)
		}
		attempts++

		delay := reconnectBackoff(attempts)
		s.logger.Warn("stream disconnected, reconnecting",
			slog.Int("attempt", attempts),
			slog.Duration("backoff", delay),
			slog.String("error", errString(err)),
		)
		s.setState(domain.StateDisconnected)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runConnection dials, subscribes, and reads until the connection dies.
// opened reports whether the dial succeeded (used to reset backoff).
func (s *StreamClient) runConnection(ctx context.Context) (opened bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	session := uuid.NewString()[:8]
	s.mu.Lock()
	s.conn = conn
	s.lastMessageAt = time.Now()
	assets := s.subscribedIDs()
	s.mu.Unlock()

	s.setState(domain.StateConnected)
	s.logger.Info("stream connected",
		slog.String("session", session),
		slog.Int("assets", len(assets)),
	)

	if err := s.writeJSON(subscribeFrame{
		Type:          "MARKET",
		AssetsIDs:     assets,
		CustomFeature: true,
	}); err != nil {
		conn.Close()
		return true, fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}

	// The heartbeat goroutine force-closes a stale connection, which makes
	// the blocked ReadMessage below return.
	hbStop := make(chan struct{})
	defer close(hbStop)
	go s.heartbeatLoop(conn, hbStop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return true, fmt.Errorf("polymarket/ws: read: %w", err)
		}

		s.mu.Lock()
		s.lastMessageAt = time.Now()
		s.mu.Unlock()

		if s.handleControl(raw) {
			continue
		}
		s.emit(ParseFrame(raw))
	}
}

// heartbeatLoop recycles the connection when no message has arrived within
// the staleness window.
func (s *StreamClient) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastMessageAt) > s.staleAfter
			s.mu.Unlock()
			if stale {
				s.setState(domain.StateStale)
				s.logger.Warn("stream stale, forcing reconnect",
					slog.Duration("stale_after", s.staleAfter))
				conn.Close()
				return
			}
		}
	}
}

// handleControl answers ping/heartbeat frames in-kind, preserving any id,
// and reports whether the frame was consumed.
func (s *StreamClient) handleControl(raw []byte) bool {
	var f wsFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return false // let the parser decide; it is total
	}
	switch f.eventType() {
	case "ping":
		_ = s.writeJSON(controlReply{Type: "pong", ID: f.ID})
		return true
	case "heartbeat":
		_ = s.writeJSON(controlReply{Type: "heartbeat", ID: f.ID})
		return true
	}
	return false
}

// Subscribe adds asset IDs to the subscription set and, when connected,
// sends an incremental subscribe frame without reconnecting.
func (s *StreamClient) Subscribe(ids []string) error {
	return s.operate("subscribe", ids)
}

// Unsubscribe removes asset IDs from the subscription set and, when
// connected, sends an incremental unsubscribe frame.
func (s *StreamClient) Unsubscribe(ids []string) error {
	return s.operate("unsubscribe", ids)
}

func (s *StreamClient) operate(op string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, id := range ids {
		if op == "subscribe" {
			s.subscribed[id] = struct{}{}
		} else {
			delete(s.subscribed, id)
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil // applied on next connect
	}
	if err := s.writeJSON(operationFrame{
		AssetsIDs:     ids,
		Operation:     op,
		CustomFeature: true,
	}); err != nil {
		return fmt.Errorf("polymarket/ws: %s: %w", op, err)
	}
	return nil
}

// Close shuts the client down. Idempotent; stops all timers and loops.
func (s *StreamClient) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}
		s.setState(domain.StateClosed)
	})
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (s *StreamClient) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// subscribedIDs returns the current subscription set. Caller must hold s.mu.
func (s *StreamClient) subscribedIDs() []string {
	ids := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	return ids
}

func (s *StreamClient) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return domain.ErrStreamClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *StreamClient) setState(state domain.ConnState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	select {
	case s.status <- state:
	default:
		s.dropped.Add(1)
	}
}

// emit forwards parsed output without ever blocking the read loop.
func (s *StreamClient) emit(p Parsed) {
	for _, u := range p.Updates {
		select {
		case s.updates <- u:
		default:
			s.dropped.Add(1)
		}
	}
	for _, b := range p.Books {
		select {
		case s.books <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

// reconnectBackoff returns min(30s, 500ms*2^(attempt-1)) plus up to 200ms of
// jitter. attempt is 1-based.
func reconnectBackoff(attempt int) time.Duration {
	d := maxReconnectDelay
	if attempt < 8 { // 500ms << 7 already exceeds the cap
		d = reconnectBase << (attempt - 1)
		if d > maxReconnectDelay {
			d = maxReconnectDelay
		}
	}
	return d + time.Duration(rand.Int63n(int64(200*time.Millisecond)))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
