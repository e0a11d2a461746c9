package escalation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/PlayraLive/h-ai-sub005/internal/logging"
	"github.com/PlayraLive/h-ai-sub005/internal/metrics"
	"github.com/PlayraLive/h-ai-sub005/internal/retry"
	"github.com/PlayraLive/h-ai-sub005/internal/security"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Escrow-Event"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"

	eventName = "dispute.admin_call"
)

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	URL    string
	Secret string

	Timeout   time.Duration
	QueueSize int
	Retry     retry.Policy

	// AllowPrivate skips the outbound address check (tests, local dev).
	AllowPrivate bool
}

// WebhookSink POSTs escalations as signed JSON from a background worker.
// Escalate never blocks: when the queue is full the event is dropped and
// counted.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	queue  chan Event
	logger *slog.Logger
}

// NewWebhookSink validates the endpoint and creates a sink. Call Run to
// start delivering.
func NewWebhookSink(cfg WebhookConfig, logger *slog.Logger) (*WebhookSink, error) {
	if !cfg.AllowPrivate {
		if err := security.ValidateEndpointURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("admin webhook: %w", err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
	}, nil
}

func (s *WebhookSink) Escalate(_ context.Context, e Event) {
	select {
	case s.queue <- e:
	default:
		metrics.EscalationDeliveriesTotal.WithLabelValues("dropped").Inc()
		s.logger.Error("admin escalation dropped: queue full", logging.DisputeID(e.DisputeID))
	}
}

// Run delivers queued escalations until ctx is cancelled.
func (s *WebhookSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-s.queue:
			s.deliver(ctx, e)
		}
	}
}

func (s *WebhookSink) deliver(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		metrics.EscalationDeliveriesTotal.WithLabelValues("failed").Inc()
		s.logger.Error("failed to marshal escalation", logging.DisputeID(e.DisputeID), logging.Err(err))
		return
	}

	err = retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.post(ctx, payload)
	})
	if err != nil {
		metrics.EscalationDeliveriesTotal.WithLabelValues("failed").Inc()
		s.logger.Error("admin escalation delivery failed",
			logging.DisputeID(e.DisputeID), "url", s.cfg.URL, logging.Err(err))
		return
	}
	metrics.EscalationDeliveriesTotal.WithLabelValues("delivered").Inc()
	s.logger.Info("admin escalation delivered",
		logging.DisputeID(e.DisputeID), "sla_breached", e.SLABreached)
}

var errServer = errors.New("admin webhook returned a server error")

func (s *WebhookSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventName)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if s.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", errServer, resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("admin webhook rejected escalation: status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
