package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "escrow.funded", Timestamp: time.Now()}
	if !shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []string{"dispute.*", "escrow.released"},
	}}

	tests := []struct {
		eventType string
		want      bool
	}{
		{"dispute.created", true},
		{"dispute.resolved", true},
		{"escrow.released", true},
		{"escrow.funded", false},
		{"disputes", false},
	}
	for _, tt := range tests {
		if got := shouldSend(client, &Event{Type: tt.eventType}); got != tt.want {
			t.Errorf("shouldSend(%s) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}

func TestShouldSend_ContractFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		ContractIDs: []string{"c-1"},
	}}

	if !shouldSend(client, &Event{Type: "escrow.funded", ContractID: "c-1"}) {
		t.Error("Should match subscribed contract")
	}
	if shouldSend(client, &Event{Type: "escrow.funded", ContractID: "c-2"}) {
		t.Error("Should NOT match other contracts")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes:  []string{"dispute.*"},
		ContractIDs: []string{"c-1"},
	}}

	if !shouldSend(client, &Event{Type: "dispute.created", ContractID: "c-1"}) {
		t.Error("Should match type and contract")
	}
	if shouldSend(client, &Event{Type: "escrow.funded", ContractID: "c-1"}) {
		t.Error("Should NOT match other types on the contract")
	}
	if shouldSend(client, &Event{Type: "dispute.created", ContractID: "c-2"}) {
		t.Error("Should NOT match the type on other contracts")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	client := &Client{sub: Subscription{}}

	if !shouldSend(client, &Event{Type: "escrow.created"}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish("escrow.funded", "c-1", map[string]string{"txHash": "0x1"})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish("dispute.created", "c-1", map[string]string{"disputeId": "dsp_1"})

	select {
	case msg := <-client.send:
		var e Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatal(err)
		}
		if e.Type != "dispute.created" || e.ContractID != "c-1" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"dispute.*"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish("escrow.funded", "c-1", nil)
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive escrow events")
	default:
	}

	h.Publish("dispute.resolved", "c-1", nil)

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute events")
	}
}

func TestHub_WebSocketStream(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?contractId=c-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish("escrow.funded", "c-2", nil)
	h.Publish("escrow.funded", "c-1", map[string]string{"txHash": "0x1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.ContractID != "c-1" {
		t.Errorf("received event for %s, want c-1 only", e.ContractID)
	}
}
