package polymarket

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
)

func TestNewStreamClientRequiresAssets(t *testing.T) {
	_, err := NewStreamClient("wss://example.com/ws", nil, 0, slog.Default())
	if !errors.Is(err, domain.ErrNoAssets) {
		t.Fatalf("err = %v, want ErrNoAssets", err)
	}
}

func TestReconnectBackoffGrowsAndCaps(t *testing.T) {
	const maxJitter = 200 * time.Millisecond

	// Deterministic part doubles from 500ms up to the 30s cap.
	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, base := range want {
		got := reconnectBackoff(i + 1)
		if got < base || got > base+maxJitter {
			t.Errorf("reconnectBackoff(%d) = %v, want [%v, %v]", i+1, got, base, base+maxJitter)
		}
	}

	// Very late attempts stay at the cap.
	for _, attempt := range []int{20, 63, 100} {
		got := reconnectBackoff(attempt)
		if got < maxReconnectDelay || got > maxReconnectDelay+maxJitter {
			t.Errorf("reconnectBackoff(%d) = %v, want capped near %v", attempt, got, maxReconnectDelay)
		}
	}
}

func TestSubscribeFrameWireFormat(t *testing.T) {
	data, err := json.Marshal(subscribeFrame{
		Type:          "MARKET",
		AssetsIDs:     []string{"tok-1", "tok-2"},
		CustomFeature: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "MARKET" {
		t.Errorf("type = %v", got["type"])
	}
	if _, ok := got["assets_ids"]; !ok {
		t.Error("assets_ids key missing")
	}
	if got["custom_feature_enabled"] != true {
		t.Errorf("custom_feature_enabled = %v", got["custom_feature_enabled"])
	}
}

func TestOperateMutatesSubscriptionSetWhileDisconnected(t *testing.T) {
	s, err := NewStreamClient("wss://example.com/ws", []string{"tok-1"}, 0, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Subscribe([]string{"tok-2", "tok-3"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Unsubscribe([]string{"tok-1"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	s.mu.Lock()
	ids := s.subscribedIDs()
	s.mu.Unlock()

	if len(ids) != 2 {
		t.Fatalf("subscribed = %v, want tok-2 and tok-3", ids)
	}
	for _, id := range ids {
		if id == "tok-1" {
			t.Errorf("tok-1 still subscribed after unsubscribe")
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := NewStreamClient("wss://example.com/ws", []string{"tok-1"}, 0, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := s.State(); got != domain.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}
