package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PlayraLive/h-ai-sub005/internal/retry"
)

func TestUrgency_SLA(t *testing.T) {
	tests := []struct {
		urgency Urgency
		want    time.Duration
	}{
		{UrgencyCritical, time.Hour},
		{UrgencyHigh, 4 * time.Hour},
		{UrgencyMedium, 24 * time.Hour},
		{UrgencyLow, 72 * time.Hour},
	}
	for _, tt := range tests {
		if !tt.urgency.Valid() {
			t.Errorf("%s should be valid", tt.urgency)
		}
		if got := tt.urgency.SLA(); got != tt.want {
			t.Errorf("%s SLA = %v, want %v", tt.urgency, got, tt.want)
		}
	}
	if Urgency("urgent").Valid() {
		t.Error("unknown urgency must be invalid")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	sink.Escalate(context.Background(), Event{DisputeID: "dsp_1", Reason: "stalled", Urgency: UrgencyHigh})

	out := buf.String()
	if !strings.Contains(out, `"dispute_id":"dsp_1"`) || !strings.Contains(out, `"urgency":"high"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}

type countingSink struct{ n atomic.Int32 }

func (c *countingSink) Escalate(context.Context, Event) { c.n.Add(1) }

func TestMulti(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	Multi{a, b}.Escalate(context.Background(), Event{DisputeID: "dsp_1"})
	if a.n.Load() != 1 || b.n.Load() != 1 {
		t.Errorf("fan-out = %d/%d", a.n.Load(), b.n.Load())
	}
}

func newTestSink(t *testing.T, url string) *WebhookSink {
	t.Helper()
	sink, err := NewWebhookSink(WebhookConfig{
		URL:          url,
		Secret:       "s3cret",
		Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		AllowPrivate: true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return sink
}

func TestWebhookSink_DeliversSigned(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sink.Run(ctx) }()

	calledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.Escalate(ctx, Event{DisputeID: "dsp_1", ContractID: "c-1", Reason: "stalled", Urgency: UrgencyCritical, CalledAt: calledAt})

	select {
	case r := <-received:
		body := <-bodies
		if got := r.Header.Get(HeaderSignature); got != Sign(body, "s3cret") {
			t.Errorf("signature = %q", got)
		}
		if r.Header.Get(HeaderEvent) != "dispute.admin_call" {
			t.Errorf("event header = %q", r.Header.Get(HeaderEvent))
		}
		var e Event
		if err := json.Unmarshal(body, &e); err != nil {
			t.Fatal(err)
		}
		if e.DisputeID != "dsp_1" || e.Urgency != UrgencyCritical || !e.CalledAt.Equal(calledAt) {
			t.Errorf("payload = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("escalation was not delivered")
	}
}

func TestWebhookSink_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sink.Run(ctx) }()

	sink.Escalate(ctx, Event{DisputeID: "dsp_1"})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery did not succeed, hits = %d", hits.Load())
	}
}

func TestWebhookSink_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := newTestSink(t, srv.URL)
	sink.deliver(context.Background(), Event{DisputeID: "dsp_1"})
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestWebhookSink_EscalateDoesNotBlock(t *testing.T) {
	sink, err := NewWebhookSink(WebhookConfig{URL: "http://127.0.0.1:1", QueueSize: 1, AllowPrivate: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sink.Escalate(context.Background(), Event{DisputeID: "dsp_1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Escalate blocked with a full queue")
	}
}

func TestNewWebhookSink_RejectsPrivateURL(t *testing.T) {
	if _, err := NewWebhookSink(WebhookConfig{URL: "http://127.0.0.1/hook"}, nil); err == nil {
		t.Error("expected loopback URL to be rejected")
	}
}
