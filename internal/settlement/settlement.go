// Package settlement computes fund splits and drives the chain to pay out
// an escrow exactly once.
//
// Every payout attempt is keyed by an idempotency key and persisted before
// the chain is called:
//
//	submitting → pending_confirmation → confirmed
//	     ↘              ↘
//	      failed        failed
//
// At most one settlement per contract may be in flight or confirmed.
package settlement

import (
	"context"
	"time"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
	"github.com/PlayraLive/h-ai-sub005/internal/money"
)

var (
	ErrInvalidPercentageSum = apperrors.Invariant("invalid_percentage_sum", "split percentages must sum to exactly 100")
	ErrUnbalancedSplit      = apperrors.Invariant("unbalanced_split", "split does not sum to the distributable amount")
	ErrInvalidOutcome       = apperrors.Validation("invalid_outcome", "outcome must be client_wins, freelancer_wins or split")
	ErrInvalidAmount        = apperrors.Validation("invalid_amount", "invalid amount")
	ErrMissingKey           = apperrors.Validation("invalid_idempotency_key", "idempotency key is required")
	ErrSettlementNotFound   = apperrors.NotFound("settlement_not_found", "settlement not found")
	ErrAlreadySettled       = apperrors.StateConflict("already_settled", "escrow has already been settled")
	ErrSettlementInFlight   = apperrors.StateConflict("settlement_in_flight", "another settlement for this escrow is awaiting confirmation")
	ErrNotSettleable        = apperrors.StateConflict("escrow_not_settleable", "escrow is not in a settleable state")
	ErrDuplicateKey         = apperrors.StateConflict("duplicate_settlement_key", "settlement key already exists")
	ErrTransactionFailed    = apperrors.ChainAdapter("chain_tx_failed", "distribution transaction failed on chain")
	ErrChainUnavailable     = apperrors.ChainAdapter("chain_unavailable", "chain adapter circuit is open")
)

// Outcome is how a settlement divides the distributable amount.
type Outcome string

const (
	OutcomeClientWins     Outcome = "client_wins"
	OutcomeFreelancerWins Outcome = "freelancer_wins"
	OutcomeSplit          Outcome = "split"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeClientWins, OutcomeFreelancerWins, OutcomeSplit:
		return true
	}
	return false
}

// Kind is what triggered the settlement.
type Kind string

const (
	KindDispute    Kind = "dispute"
	KindCompletion Kind = "completion"
)

// Status is the lifecycle state of a settlement attempt.
type Status string

const (
	StatusSubmitting          Status = "submitting"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
	StatusFailed              Status = "failed"
)

// IsLive reports whether s blocks other settlements for the same contract.
func (s Status) IsLive() bool {
	return s == StatusSubmitting || s == StatusPendingConfirmation || s == StatusConfirmed
}

// ResultStatus is what Settle reports back to callers.
type ResultStatus string

const (
	ResultSettled             ResultStatus = "settled"
	ResultPendingConfirmation ResultStatus = "pending_confirmation"
)

// Settlement is one idempotent payout attempt.
type Settlement struct {
	Key              string     `json:"key"`
	ContractID       string     `json:"contractId"`
	DisputeID        string     `json:"disputeId,omitempty"`
	Kind             Kind       `json:"kind"`
	Resolution       Outcome    `json:"resolution"`
	ClientAmount     string     `json:"clientAmount"`
	FreelancerAmount string     `json:"freelancerAmount"`
	Status           Status     `json:"status"`
	TxHash           string     `json:"txHash,omitempty"`
	Attempts         int        `json:"attempts"`
	LastError        string     `json:"lastError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ConfirmedAt      *time.Time `json:"confirmedAt,omitempty"`
}

// Split returns the stored amounts in base units.
func (s *Settlement) Split() money.Split {
	c, _ := money.Parse(s.ClientAmount)
	f, _ := money.Parse(s.FreelancerAmount)
	return money.Split{Client: c, Freelancer: f}
}

func (s *Settlement) clone() *Settlement {
	cp := *s
	if s.ConfirmedAt != nil {
		t := *s.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// Request asks the engine to pay out a contract.
type Request struct {
	Key        string
	ContractID string
	DisputeID  string
	Kind       Kind
	Outcome    Outcome
	Split      money.Split
}

// Result is the outcome of Settle, Confirm or CheckPending.
type Result struct {
	Status     ResultStatus `json:"status"`
	Settlement *Settlement  `json:"settlement"`
}

// Store persists settlements.
//
// Create fails with ErrDuplicateKey when the key exists and with
// ErrSettlementInFlight when another live settlement exists for the
// contract. Update fails with ErrSettlementInFlight if it would make a
// second settlement live for the contract.
type Store interface {
	Create(ctx context.Context, s *Settlement) error
	Get(ctx context.Context, key string) (*Settlement, error)
	Update(ctx context.Context, s *Settlement) error
	GetLive(ctx context.Context, contractID string) (*Settlement, error)
	ListByContract(ctx context.Context, contractID string) ([]*Settlement, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Settlement, error)
}

// DisputeKey derives the idempotency key of a dispute resolution from the
// dispute id, the outcome and the exact amounts.
func DisputeKey(disputeID string, outcome Outcome, split money.Split) string {
	return "dispute:" + disputeID + ":" + string(outcome) + ":" +
		money.Format(split.Client) + ":" + money.Format(split.Freelancer)
}

// CompletionKey is the idempotency key of a completion payout.
func CompletionKey(contractID string) string {
	return "completion:" + contractID
}
