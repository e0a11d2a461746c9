// Package escalation delivers admin escalations raised by the dispute
// manager. The core only guarantees that an escalation is produced; sinks
// decide how (and whether) it reaches a human.
package escalation

import (
	"context"
	"log/slog"
	"time"
)

// Urgency of an admin call. It determines the SLA deadline.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// SLA returns how long an admin has to pick up a call of this urgency.
func (u Urgency) SLA() time.Duration {
	switch u {
	case UrgencyCritical:
		return time.Hour
	case UrgencyHigh:
		return 4 * time.Hour
	case UrgencyMedium:
		return 24 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// Event is one admin escalation.
type Event struct {
	DisputeID   string    `json:"disputeId"`
	ContractID  string    `json:"contractId"`
	Reason      string    `json:"reason"`
	Urgency     Urgency   `json:"urgency"`
	CalledAt    time.Time `json:"calledAt"`
	SLABreached bool      `json:"slaBreached"`
}

// Sink accepts escalations. Escalate must not block on delivery.
type Sink interface {
	Escalate(ctx context.Context, e Event)
}

// LogSink writes escalations to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at warn level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Escalate(_ context.Context, e Event) {
	s.logger.Warn("admin escalation",
		"dispute_id", e.DisputeID,
		"contract_id", e.ContractID,
		"reason", e.Reason,
		"urgency", string(e.Urgency),
		"called_at", e.CalledAt,
		"sla_breached", e.SLABreached,
	)
}

// Multi fans an escalation out to several sinks.
type Multi []Sink

func (m Multi) Escalate(ctx context.Context, e Event) {
	for _, s := range m {
		s.Escalate(ctx, e)
	}
}
