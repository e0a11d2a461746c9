// Package dispute runs the multi-party dispute lifecycle for escrowed jobs.
//
//	pending ──assign──▶ in_review ──resolve──▶ resolved
//	   │                   │  ▲
//	   │                   └──┘ reassign
//	   ├──callAdmin──▶ admin_review ──resolve──▶ resolved
//	   └──cancel──▶ cancelled   (also from in_review)
//
// At most one non-terminal dispute exists per contract. Opening a dispute
// freezes the escrow record; cancelling unfreezes it and resolving pays it
// out through the settlement engine.
package dispute

import (
	"context"
	"math/big"
	"time"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
	"github.com/PlayraLive/h-ai-sub005/internal/escalation"
	"github.com/PlayraLive/h-ai-sub005/internal/money"
	"github.com/PlayraLive/h-ai-sub005/internal/pagination"
	"github.com/PlayraLive/h-ai-sub005/internal/settlement"
	"github.com/PlayraLive/h-ai-sub005/internal/validation"
)

var (
	ErrDisputeNotFound     = apperrors.NotFound("dispute_not_found", "dispute not found")
	ErrDuplicateDispute    = apperrors.StateConflict("duplicate_dispute", "an active dispute already exists for this contract")
	ErrInvalidTransition   = apperrors.StateConflict("invalid_transition", "operation not allowed in the current dispute status")
	ErrDisputeClosed       = apperrors.StateConflict("dispute_closed", "dispute is already resolved or cancelled")
	ErrNotDisputable       = apperrors.StateConflict("escrow_not_disputable", "escrow must be funded or in progress to open a dispute")
	ErrSettlementPending   = apperrors.StateConflict("settlement_pending", "a settlement for this dispute is awaiting confirmation")
	ErrNoAdminCall         = apperrors.StateConflict("no_admin_call", "dispute has no admin call")
	ErrAdminCallResolved   = apperrors.StateConflict("admin_call_resolved", "admin call is already resolved")
	ErrVersionConflict     = apperrors.StateConflict("version_conflict", "dispute was modified concurrently")
	ErrNotAssignedArbiter  = apperrors.Validation("invalid_resolved_by", "only the assigned arbitrator may resolve this dispute")
	ErrInvalidSplitRequest = apperrors.Validation("invalid_split", "a split needs either both percentages or both amounts")
	ErrEvidenceLimit       = apperrors.StateConflict("evidence_limit", "dispute has reached the evidence limit")
	ErrNoPendingSettlement = apperrors.StateConflict("no_pending_settlement", "dispute has no settlement awaiting confirmation")

	errInvalidArbitrator = apperrors.Validation("invalid_arbitratorId", "arbitratorId is required")
	errInvalidNotes      = apperrors.Validation("invalid_adminNotes", "admin notes are too long")
)

// Limits on dispute input.
const (
	MaxReasonLength      = 200
	MaxDescriptionLength = 10000
	MaxEvidenceItems     = 50
	MaxEvidenceLength    = 2000
	MaxEvidenceTotal     = 500
)

// Status of a dispute.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInReview    Status = "in_review"
	StatusAdminReview Status = "admin_review"
	StatusResolved    Status = "resolved"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// InitiatorType is the party that opened the dispute.
type InitiatorType string

const (
	InitiatorClient     InitiatorType = "client"
	InitiatorFreelancer InitiatorType = "freelancer"
)

// AdminCallStatus tracks an admin escalation independently of the dispute.
type AdminCallStatus string

const (
	AdminCallPending    AdminCallStatus = "pending"
	AdminCallInProgress AdminCallStatus = "in_progress"
	AdminCallResolved   AdminCallStatus = "resolved"
)

// Evidence is one append-only submission.
type Evidence struct {
	ID          string    `json:"id"`
	SubmittedBy string    `json:"submittedBy"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// AdminCall is an SLA-tracked escalation to the platform admins.
type AdminCall struct {
	Reason         string             `json:"reason"`
	Urgency        escalation.Urgency `json:"urgency"`
	Status         AdminCallStatus    `json:"status"`
	AdminID        string             `json:"adminId,omitempty"`
	AdminNotes     string             `json:"adminNotes,omitempty"`
	CalledAt       time.Time          `json:"calledAt"`
	DueBy          time.Time          `json:"dueBy"`
	BreachNotified bool               `json:"breachNotified"`
	ResolvedAt     *time.Time         `json:"resolvedAt,omitempty"`
}

// Overdue reports whether the call is still open past its deadline.
func (a *AdminCall) Overdue(now time.Time) bool {
	return a.Status != AdminCallResolved && now.After(a.DueBy)
}

// PendingSettlement is a resolution submitted to the chain whose receipt
// has not been confirmed yet.
type PendingSettlement struct {
	Resolution       settlement.Outcome `json:"resolution"`
	ClientAmount     string             `json:"clientAmount"`
	FreelancerAmount string             `json:"freelancerAmount"`
	TxHash           string             `json:"txHash"`
	IdempotencyKey   string             `json:"idempotencyKey"`
	ResolvedBy       string             `json:"resolvedBy"`
	SubmittedAt      time.Time          `json:"submittedAt"`
}

// Dispute is a disagreement over one escrow contract.
type Dispute struct {
	ID            string        `json:"id"`
	JobID         string        `json:"jobId"`
	ContractID    string        `json:"contractId"`
	InitiatorID   string        `json:"initiatorId"`
	InitiatorType InitiatorType `json:"initiatorType"`
	Reason        string        `json:"reason"`
	Description   string        `json:"description"`
	Evidence      []Evidence    `json:"evidence"`
	Status        Status        `json:"status"`
	ArbitratorID  string        `json:"arbitratorId,omitempty"`

	Resolution       settlement.Outcome `json:"resolution,omitempty"`
	ClientAmount     string             `json:"clientAmount,omitempty"`
	FreelancerAmount string             `json:"freelancerAmount,omitempty"`
	BlockchainTxHash string             `json:"blockchainTxHash,omitempty"`
	ResolvedBy       string             `json:"resolvedBy,omitempty"`

	AdminCall         *AdminCall         `json:"adminCall,omitempty"`
	PendingSettlement *PendingSettlement `json:"pendingSettlement,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// SettlementKey is the idempotency key of the stored resolution.
func (d *Dispute) SettlementKey() string {
	if d.Status != StatusResolved {
		return ""
	}
	c, _ := money.Parse(d.ClientAmount)
	f, _ := money.Parse(d.FreelancerAmount)
	return settlement.DisputeKey(d.ID, d.Resolution, money.Split{Client: c, Freelancer: f})
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.Evidence = append([]Evidence(nil), d.Evidence...)
	if d.AdminCall != nil {
		ac := *d.AdminCall
		if d.AdminCall.ResolvedAt != nil {
			t := *d.AdminCall.ResolvedAt
			ac.ResolvedAt = &t
		}
		cp.AdminCall = &ac
	}
	if d.PendingSettlement != nil {
		ps := *d.PendingSettlement
		cp.PendingSettlement = &ps
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	if d.CancelledAt != nil {
		t := *d.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor returns items listed after the cursor position. A nil cursor
// starts from the first item.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) {
		o.cursor = c
	}
}

// after reports whether d sorts after the cursor (created_at, id ascending).
func (o listOpts) after(d *Dispute) bool {
	return o.cursor.Precedes(d.PageKey())
}

// PageKey returns the keyset position of d in dispute listings.
func (d *Dispute) PageKey() (time.Time, string) {
	return d.CreatedAt, d.ID
}

// Store persists disputes.
//
// Create fails with ErrDuplicateDispute when a non-terminal dispute exists
// for the contract. Update is a compare-and-swap on Version that never
// touches evidence; on success d.Version holds the new version.
// AppendEvidence appends atomically and fails with ErrDisputeClosed once
// the dispute is terminal.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	AppendEvidence(ctx context.Context, disputeID string, items ...Evidence) error
	GetActiveByContract(ctx context.Context, contractID string) (*Dispute, error)
	ListByContract(ctx context.Context, contractID string, limit int, opts ...ListOption) ([]*Dispute, error)
	ListByJob(ctx context.Context, jobID string, limit int, opts ...ListOption) ([]*Dispute, error)
	ListAwaitingConfirmation(ctx context.Context, limit int) ([]*Dispute, error)
	ListOpenAdminCalls(ctx context.Context, limit int) ([]*Dispute, error)
}

// CreateRequest opens a dispute.
type CreateRequest struct {
	ContractID    string        `json:"contractId"`
	InitiatorID   string        `json:"initiatorId"`
	InitiatorType InitiatorType `json:"initiatorType"`
	Reason        string        `json:"reason"`
	Description   string        `json:"description"`
	Evidence      []string      `json:"evidence"`
}

// Validate checks dispute creation input.
func (req *CreateRequest) Validate() error {
	validators := []func() *validation.ValidationError{
		validation.Required("contractId", req.ContractID),
		validation.Required("initiatorId", req.InitiatorID),
		validation.MaxLength("initiatorId", req.InitiatorID, 128),
		validation.OneOf("initiatorType", string(req.InitiatorType), string(InitiatorClient), string(InitiatorFreelancer)),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, MaxReasonLength),
		validation.MaxLength("description", req.Description, MaxDescriptionLength),
	}
	validators = append(validators, evidenceItems(req.Evidence)...)
	if errs := validation.Validate(validators...); len(errs) > 0 {
		return errs.Err()
	}
	return nil
}

func evidenceItems(items []string) []func() *validation.ValidationError {
	if len(items) > MaxEvidenceItems {
		return []func() *validation.ValidationError{func() *validation.ValidationError {
			return &validation.ValidationError{Field: "evidence", Message: "too many evidence items"}
		}}
	}
	var out []func() *validation.ValidationError
	for _, item := range items {
		out = append(out,
			validation.Required("evidence", item),
			validation.MaxLength("evidence", item, MaxEvidenceLength))
	}
	return out
}

// EvidenceRequest adds one evidence item.
type EvidenceRequest struct {
	SubmittedBy string `json:"submittedBy"`
	Content     string `json:"content"`
}

// Validate checks an evidence submission.
func (req *EvidenceRequest) Validate() error {
	if errs := validation.Validate(
		validation.Required("submittedBy", req.SubmittedBy),
		validation.Required("content", req.Content),
		validation.MaxLength("content", req.Content, MaxEvidenceLength),
	); len(errs) > 0 {
		return errs.Err()
	}
	return nil
}

// AdminCallRequest escalates a dispute to the admins.
type AdminCallRequest struct {
	Reason  string             `json:"reason"`
	Urgency escalation.Urgency `json:"urgency"`
}

// Validate checks an admin call.
func (req *AdminCallRequest) Validate() error {
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, MaxReasonLength),
		validation.OneOf("urgency", string(req.Urgency),
			string(escalation.UrgencyLow), string(escalation.UrgencyMedium),
			string(escalation.UrgencyHigh), string(escalation.UrgencyCritical)),
	); len(errs) > 0 {
		return errs.Err()
	}
	return nil
}

// ResolveRequest is an arbitration decision. A split takes either both
// percentages or both explicit amounts.
type ResolveRequest struct {
	Outcome           settlement.Outcome `json:"outcome"`
	ClientPercent     *int64             `json:"clientPercent,omitempty"`
	FreelancerPercent *int64             `json:"freelancerPercent,omitempty"`
	ClientAmount      string             `json:"clientAmount,omitempty"`
	FreelancerAmount  string             `json:"freelancerAmount,omitempty"`
	ResolvedBy        string             `json:"resolvedBy"`
}

// Validate checks the shape of a resolution. Amounts are checked against
// the escrow later.
func (req *ResolveRequest) Validate() error {
	if !req.Outcome.Valid() {
		return settlement.ErrInvalidOutcome
	}
	if errs := validation.Validate(
		validation.Required("resolvedBy", req.ResolvedBy),
		validation.MaxLength("resolvedBy", req.ResolvedBy, 128),
	); len(errs) > 0 {
		return errs.Err()
	}
	if req.Outcome != settlement.OutcomeSplit {
		return nil
	}
	hasPct := req.ClientPercent != nil || req.FreelancerPercent != nil
	hasAmt := req.ClientAmount != "" || req.FreelancerAmount != ""
	switch {
	case hasPct && hasAmt:
		return ErrInvalidSplitRequest
	case hasPct:
		if req.ClientPercent == nil || req.FreelancerPercent == nil {
			return ErrInvalidSplitRequest
		}
	case hasAmt:
		if req.ClientAmount == "" || req.FreelancerAmount == "" {
			return ErrInvalidSplitRequest
		}
	default:
		return ErrInvalidSplitRequest
	}
	return nil
}

// split computes the payout for a distributable amount.
func (req *ResolveRequest) split(distributable *big.Int) (money.Split, error) {
	if req.Outcome == settlement.OutcomeSplit && req.ClientAmount != "" {
		s, err := settlement.ParseSplit(req.ClientAmount, req.FreelancerAmount)
		if err != nil {
			return money.Split{}, err
		}
		return s, settlement.ValidateSplit(s, distributable)
	}
	var pct *settlement.Percentages
	if req.ClientPercent != nil && req.FreelancerPercent != nil {
		pct = &settlement.Percentages{Client: *req.ClientPercent, Freelancer: *req.FreelancerPercent}
	}
	return settlement.ComputeSplit(req.Outcome, distributable, pct)
}

// ResolveResult reports a resolution attempt. Status is settled once the
// payout is confirmed, pending_confirmation while the receipt is awaited.
type ResolveResult struct {
	Status     settlement.ResultStatus `json:"status"`
	Dispute    *Dispute                `json:"dispute"`
	Settlement *settlement.Settlement  `json:"settlement,omitempty"`
}
