// Package escrow keeps the off-chain mirror of on-chain escrow contracts.
//
// Flow:
//  1. Client registers the contract → record created
//  2. Client funds the contract on chain → funded
//  3. Freelancer completes milestones → in_progress
//  4. A party opens a dispute → disputed (frozen until resolved or cancelled)
//  5. Settlement distributes funds on chain → released (terminal)
//
// Every change appends to the record's event log; events are never
// rewritten or removed.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
	"github.com/PlayraLive/h-ai-sub005/internal/chain"
	"github.com/PlayraLive/h-ai-sub005/internal/logging"
	"github.com/PlayraLive/h-ai-sub005/internal/metrics"
	"github.com/PlayraLive/h-ai-sub005/internal/money"
	"github.com/PlayraLive/h-ai-sub005/internal/syncutil"
	"github.com/PlayraLive/h-ai-sub005/internal/traces"
	"github.com/PlayraLive/h-ai-sub005/internal/validation"
)

var (
	ErrRecordNotFound      = apperrors.NotFound("escrow_not_found", "escrow record not found")
	ErrDuplicateContract   = apperrors.StateConflict("duplicate_contract", "contract id is already registered")
	ErrAlreadyCompleted    = apperrors.StateConflict("milestone_already_completed", "milestone is already completed")
	ErrRecordFrozen        = apperrors.StateConflict("escrow_disputed", "escrow is frozen by an active dispute")
	ErrNotFunded           = apperrors.StateConflict("escrow_not_funded", "escrow has not been funded")
	ErrAlreadyReleased     = apperrors.StateConflict("escrow_released", "escrow funds were already released")
	ErrVersionConflict     = apperrors.StateConflict("version_conflict", "escrow record was modified concurrently")
	ErrUnbalancedSplit     = apperrors.Invariant("unbalanced_split", "split does not sum to the distributable amount")
	ErrMilestoneOutOfRange = apperrors.Validation("invalid_milestone_index", "milestone index is out of range")
	ErrMissingTxHash       = apperrors.Validation("invalid_tx_hash", "transaction hash is required")
)

// Status represents the state of an escrow record.
type Status string

const (
	StatusCreated    Status = "created"
	StatusFunded     Status = "funded"
	StatusInProgress Status = "in_progress"
	StatusDisputed   Status = "disputed"
	StatusReleased   Status = "released"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusInProgress, StatusDisputed, StatusReleased:
		return true
	}
	return false
}

// EventType names an entry in a record's event log.
type EventType string

const (
	EventCreated            EventType = "created"
	EventFunded             EventType = "funded"
	EventMilestoneCompleted EventType = "milestone_completed"
	EventDisputeLocked      EventType = "dispute_locked"
	EventDisputeUnlocked    EventType = "dispute_unlocked"
	EventReleased           EventType = "released"
)

// MaxMilestones caps milestoneCount on creation.
const MaxMilestones = 100

// maxCASRetries bounds re-reads after a version conflict from another writer.
const maxCASRetries = 3

// Event is one entry of the append-only log. Seq is 1-based and contiguous.
type Event struct {
	Seq       int               `json:"seq"`
	Type      EventType         `json:"type"`
	TxHash    string            `json:"txHash,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Record mirrors one on-chain escrow contract.
type Record struct {
	ContractID          string     `json:"contractId"`
	JobID               string     `json:"jobId"`
	ClientAddress       string     `json:"clientAddress"`
	FreelancerAddress   string     `json:"freelancerAddress"`
	Token               string     `json:"token"`
	Amount              string     `json:"amount"`
	PlatformFee         string     `json:"platformFee"`
	MilestoneCount      int        `json:"milestoneCount"`
	CompletedMilestones int        `json:"completedMilestones"`
	CompletedIndexes    []int      `json:"completedIndexes"`
	Status              Status     `json:"status"`
	PreDisputeStatus    Status     `json:"preDisputeStatus,omitempty"`
	Events              []Event    `json:"events"`
	ReleasedAt          *time.Time `json:"releasedAt,omitempty"`
	ReleaseTxHash       string     `json:"releaseTxHash,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Distributable returns amount − platformFee in base units.
func (r *Record) Distributable() *big.Int {
	amount, _ := money.Parse(r.Amount)
	fee, ok := money.Parse(r.PlatformFee)
	if amount == nil {
		return new(big.Int)
	}
	if !ok {
		return amount
	}
	return money.Sub(amount, fee)
}

// IsTerminal returns true once funds have been released.
func (r *Record) IsTerminal() bool {
	return r.Status == StatusReleased
}

// IsDisputable reports whether a dispute may be opened against the record.
func (r *Record) IsDisputable() bool {
	return r.Status == StatusFunded || r.Status == StatusInProgress
}

// MilestoneCompleted reports whether milestone index has been completed.
func (r *Record) MilestoneCompleted(index int) bool {
	for _, i := range r.CompletedIndexes {
		if i == index {
			return true
		}
	}
	return false
}

// AllMilestonesCompleted reports whether every milestone has been completed.
func (r *Record) AllMilestonesCompleted() bool {
	return r.CompletedMilestones >= r.MilestoneCount
}

func (r *Record) clone() *Record {
	cp := *r
	cp.CompletedIndexes = append([]int(nil), r.CompletedIndexes...)
	cp.Events = make([]Event, len(r.Events))
	for i, e := range r.Events {
		cp.Events[i] = e.clone()
	}
	if r.ReleasedAt != nil {
		t := *r.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

func (e Event) clone() Event {
	if e.Data != nil {
		data := make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			data[k] = v
		}
		e.Data = data
	}
	return e
}

// Store persists escrow records and their event logs.
//
// Update is a compare-and-swap on r.Version: it fails with
// ErrVersionConflict when the stored version differs, and on success
// appends newEvents to the log and sets r.Version to the stored version.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, contractID string) (*Record, error)
	Update(ctx context.Context, r *Record, newEvents ...Event) error
	ListByJob(ctx context.Context, jobID string, limit int) ([]*Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
}

// ChainWriter is the subset of the chain adapter the escrow service drives.
type ChainWriter interface {
	FundContract(ctx context.Context, contractID string) (string, error)
	CompleteMilestone(ctx context.Context, contractID string, index int) (string, error)
}

// EventPublisher receives record changes for the realtime feed.
type EventPublisher interface {
	Publish(eventType, contractID string, data interface{})
}

// CreateRequest contains the parameters for registering an escrow contract.
type CreateRequest struct {
	ContractID        string `json:"contractId"`
	JobID             string `json:"jobId"`
	ClientAddress     string `json:"clientAddress"`
	FreelancerAddress string `json:"freelancerAddress"`
	Token             string `json:"token"`
	Amount            string `json:"amount"`
	PlatformFee       string `json:"platformFee"`
	MilestoneCount    int    `json:"milestoneCount"`
}

// Validate checks creation input.
func (req *CreateRequest) Validate() error {
	if errs := validation.Validate(
		validation.Required("contractId", req.ContractID),
		validation.MaxLength("contractId", req.ContractID, 128),
		validation.Required("jobId", req.JobID),
		validation.MaxLength("jobId", req.JobID, 128),
		validation.Required("clientAddress", req.ClientAddress),
		validation.ValidAddress("clientAddress", req.ClientAddress),
		validation.Required("freelancerAddress", req.FreelancerAddress),
		validation.ValidAddress("freelancerAddress", req.FreelancerAddress),
		validation.ValidToken("token", req.Token),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Min("milestoneCount", req.MilestoneCount, 1),
		maxMilestones(req.MilestoneCount),
		platformFee(req.PlatformFee, req.Amount),
	); len(errs) > 0 {
		return errs.Err()
	}
	if strings.EqualFold(req.ClientAddress, req.FreelancerAddress) {
		return apperrors.Validation("invalid_parties", "client and freelancer cannot be the same address")
	}
	return nil
}

func maxMilestones(n int) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if n > MaxMilestones {
			return &validation.ValidationError{Field: "milestoneCount", Message: "exceeds maximum of " + strconv.Itoa(MaxMilestones)}
		}
		return nil
	}
}

func platformFee(fee, amount string) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if fee == "" {
			return nil
		}
		f, ok := money.Parse(fee)
		if !ok {
			return &validation.ValidationError{Field: "platformFee", Message: "invalid amount format"}
		}
		if a, ok := money.Parse(amount); ok && f.Cmp(a) >= 0 {
			return &validation.ValidationError{Field: "platformFee", Message: "must be less than amount"}
		}
		return nil
	}
}

// Service implements escrow record business logic.
type Service struct {
	store  Store
	chain  ChainWriter
	events EventPublisher
	logger *slog.Logger
	locks  *syncutil.KeyedMutex
	now    func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: slog.Default(),
		locks:  syncutil.NewKeyedMutex(),
		now:    time.Now,
	}
}

// WithChain makes Fund and CompleteMilestone drive the chain before
// mirroring the result.
func (s *Service) WithChain(c ChainWriter) *Service {
	s.chain = c
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithEventPublisher adds a realtime publisher.
func (s *Service) WithEventPublisher(p EventPublisher) *Service {
	s.events = p
	return s
}

// CreateRecord registers a new escrow contract in status created.
func (s *Service) CreateRecord(ctx context.Context, req CreateRequest) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateRecord", traces.ContractID(req.ContractID))
	defer func() { traces.End(span, err) }()

	req.ClientAddress = validation.SanitizeAddress(req.ClientAddress)
	req.FreelancerAddress = validation.SanitizeAddress(req.FreelancerAddress)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	amount, _ := money.Normalize(req.Amount)
	fee := "0.000000"
	if req.PlatformFee != "" {
		fee, _ = money.Normalize(req.PlatformFee)
	}

	now := s.now()
	r := &Record{
		ContractID:        strings.TrimSpace(req.ContractID),
		JobID:             strings.TrimSpace(req.JobID),
		ClientAddress:     strings.ToLower(req.ClientAddress),
		FreelancerAddress: strings.ToLower(req.FreelancerAddress),
		Token:             req.Token,
		Amount:            amount,
		PlatformFee:       fee,
		MilestoneCount:    req.MilestoneCount,
		CompletedIndexes:  []int{},
		Status:            StatusCreated,
		Events: []Event{{
			Seq:       1,
			Type:      EventCreated,
			Data:      map[string]string{"amount": amount, "platformFee": fee},
			CreatedAt: now,
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.observe(ctx, r, r.Events)
	return r, nil
}

// Get returns a record by contract id.
func (s *Service) Get(ctx context.Context, contractID string) (*Record, error) {
	return s.store.Get(ctx, contractID)
}

// ListByJob returns the records of a job, oldest first.
func (s *Service) ListByJob(ctx context.Context, jobID string, limit int) ([]*Record, error) {
	return s.store.ListByJob(ctx, jobID, clampLimit(limit))
}

// ListByStatus returns records in status, least recently updated first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	if !status.Valid() {
		return nil, apperrors.Validation("invalid_status", "unknown escrow status "+string(status))
	}
	return s.store.ListByStatus(ctx, status, clampLimit(limit))
}

// RecordFunded mirrors an on-chain funding: created → funded. Idempotent
// once the record is funded or beyond.
func (s *Service) RecordFunded(ctx context.Context, contractID, txHash string) (*Record, error) {
	return s.mutate(ctx, contractID, func(r *Record) ([]Event, error) {
		return applyFunded(r, txHash)
	})
}

// Fund funds the contract on chain (when a chain is configured) and mirrors
// the result.
func (s *Service) Fund(ctx context.Context, contractID string) (_ *Record, err error) {
	if s.chain == nil {
		return s.RecordFunded(ctx, contractID, "")
	}
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.ContractID(contractID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusCreated {
		return r, nil
	}

	start := time.Now()
	txHash, err := s.chain.FundContract(ctx, contractID)
	metrics.ObserveChainCall(chain.OpFund, start, err)
	if err != nil {
		return nil, chain.AppError(err)
	}
	return s.mutateLocked(ctx, contractID, func(r *Record) ([]Event, error) {
		return applyFunded(r, txHash)
	})
}

// RecordMilestoneCompletion mirrors completion of milestone index.
func (s *Service) RecordMilestoneCompletion(ctx context.Context, contractID string, index int) (*Record, error) {
	return s.mutate(ctx, contractID, func(r *Record) ([]Event, error) {
		return applyMilestone(r, index, "")
	})
}

// CompleteMilestone completes milestone index on chain (when a chain is
// configured) and mirrors the result.
func (s *Service) CompleteMilestone(ctx context.Context, contractID string, index int) (_ *Record, err error) {
	if s.chain == nil {
		return s.RecordMilestoneCompletion(ctx, contractID, index)
	}
	ctx, span := traces.StartSpan(ctx, "escrow.CompleteMilestone", traces.ContractID(contractID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := checkMilestone(r, index); err != nil {
		return nil, err
	}

	start := time.Now()
	txHash, err := s.chain.CompleteMilestone(ctx, contractID, index)
	metrics.ObserveChainCall(chain.OpMilestone, start, err)
	if err != nil {
		return nil, chain.AppError(err)
	}
	return s.mutateLocked(ctx, contractID, func(r *Record) ([]Event, error) {
		return applyMilestone(r, index, txHash)
	})
}

// LockForDispute freezes the record while a dispute is open. A record that
// is already disputed is returned unchanged.
func (s *Service) LockForDispute(ctx context.Context, contractID string) (*Record, error) {
	return s.mutate(ctx, contractID, func(r *Record) ([]Event, error) {
		switch r.Status {
		case StatusDisputed:
			return nil, nil
		case StatusReleased:
			return nil, ErrAlreadyReleased
		case StatusCreated:
			return nil, ErrNotFunded
		}
		r.PreDisputeStatus = r.Status
		r.Status = StatusDisputed
		return []Event{{Type: EventDisputeLocked, Data: map[string]string{"from": string(r.PreDisputeStatus)}}}, nil
	})
}

// UnlockFromDispute restores the status the record had before it was
// locked. A record that is not disputed is returned unchanged.
func (s *Service) UnlockFromDispute(ctx context.Context, contractID string) (*Record, error) {
	return s.mutate(ctx, contractID, func(r *Record) ([]Event, error) {
		switch r.Status {
		case StatusReleased:
			return nil, ErrAlreadyReleased
		case StatusDisputed:
		default:
			return nil, nil
		}
		restored := r.PreDisputeStatus
		if restored == "" {
			restored = StatusFunded
		}
		r.Status = restored
		r.PreDisputeStatus = ""
		return []Event{{Type: EventDisputeUnlocked, Data: map[string]string{"to": string(restored)}}}, nil
	})
}

// ReleaseFunds records the terminal distribution of funds. If the record is
// already released the stored record is returned and nothing is written.
// The split must balance against the distributable amount exactly.
func (s *Service) ReleaseFunds(ctx context.Context, contractID string, split money.Split, txHash string) (_ *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseFunds",
		traces.ContractID(contractID), traces.TxHash(txHash))
	defer func() { traces.End(span, err) }()

	return s.mutate(ctx, contractID, func(r *Record) ([]Event, error) {
		if r.Status == StatusReleased {
			return nil, nil
		}
		if r.Status == StatusCreated {
			return nil, ErrNotFunded
		}
		if !split.Balances(r.Distributable()) {
			return nil, ErrUnbalancedSplit.WithMessage(fmt.Sprintf(
				"split %s + %s does not equal distributable %s",
				money.Format(split.Client), money.Format(split.Freelancer), money.Format(r.Distributable())))
		}
		if txHash == "" {
			return nil, ErrMissingTxHash
		}
		now := s.now()
		r.Status = StatusReleased
		r.PreDisputeStatus = ""
		r.ReleasedAt = &now
		r.ReleaseTxHash = txHash
		return []Event{{
			Type:   EventReleased,
			TxHash: txHash,
			Data: map[string]string{
				"clientAmount":     money.Format(split.Client),
				"freelancerAmount": money.Format(split.Freelancer),
			},
		}}, nil
	})
}

func applyFunded(r *Record, txHash string) ([]Event, error) {
	if r.Status != StatusCreated {
		return nil, nil
	}
	r.Status = StatusFunded
	return []Event{{Type: EventFunded, TxHash: txHash}}, nil
}

func checkMilestone(r *Record, index int) error {
	if index < 0 || index >= r.MilestoneCount {
		return ErrMilestoneOutOfRange.WithMessage(fmt.Sprintf(
			"milestone index %d is outside [0, %d)", index, r.MilestoneCount))
	}
	switch r.Status {
	case StatusReleased:
		return ErrAlreadyReleased
	case StatusDisputed:
		return ErrRecordFrozen
	case StatusCreated:
		return ErrNotFunded
	}
	if r.MilestoneCompleted(index) {
		return ErrAlreadyCompleted.WithMessage(fmt.Sprintf("milestone %d is already completed", index))
	}
	return nil
}

func applyMilestone(r *Record, index int, txHash string) ([]Event, error) {
	if err := checkMilestone(r, index); err != nil {
		return nil, err
	}
	r.CompletedIndexes = append(r.CompletedIndexes, index)
	r.CompletedMilestones++
	if r.Status == StatusFunded {
		r.Status = StatusInProgress
	}
	return []Event{{
		Type:   EventMilestoneCompleted,
		TxHash: txHash,
		Data:   map[string]string{"index": strconv.Itoa(index)},
	}}, nil
}

// mutate applies fn to a fresh copy of the record under the contract lock
// and persists it with the events fn returns. No events means no write.
func (s *Service) mutate(ctx context.Context, contractID string, fn func(r *Record) ([]Event, error)) (*Record, error) {
	unlock, err := s.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.mutateLocked(ctx, contractID, fn)
}

func (s *Service) mutateLocked(ctx context.Context, contractID string, fn func(r *Record) ([]Event, error)) (*Record, error) {
	for attempt := 0; ; attempt++ {
		r, err := s.store.Get(ctx, contractID)
		if err != nil {
			return nil, err
		}
		events, err := fn(r)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return r, nil
		}

		now := s.now()
		for i := range events {
			events[i].Seq = len(r.Events) + 1
			events[i].CreatedAt = now
			r.Events = append(r.Events, events[i])
		}
		r.UpdatedAt = now

		err = s.store.Update(ctx, r, events...)
		if err == nil {
			s.observe(ctx, r, events)
			return r, nil
		}
		if errors.Is(err, ErrVersionConflict) && attempt < maxCASRetries {
			logging.L(ctx).Warn("escrow version conflict, retrying",
				logging.ContractID(contractID), "attempt", attempt+1)
			continue
		}
		if events[len(events)-1].Type == EventReleased {
			// The chain has already paid out; the mirror is now stale.
			s.logger.Error("CRITICAL: escrow funds distributed on chain but release was not recorded",
				logging.ContractID(contractID), logging.TxHash(r.ReleaseTxHash), logging.Err(err))
		}
		return nil, err
	}
}

func (s *Service) observe(ctx context.Context, r *Record, events []Event) {
	for _, e := range events {
		metrics.EscrowEventsTotal.WithLabelValues(string(e.Type)).Inc()
		s.logger.Info("escrow "+string(e.Type),
			logging.ContractID(r.ContractID),
			slog.String("status", string(r.Status)),
			slog.Int("seq", e.Seq),
			slog.String("request_id", logging.RequestID(ctx)),
		)
		if s.events != nil {
			s.events.Publish("escrow."+string(e.Type), r.ContractID, r.clone())
		}
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
