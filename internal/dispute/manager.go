package dispute

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PlayraLive/h-ai-sub005/internal/escalation"
	"github.com/PlayraLive/h-ai-sub005/internal/escrow"
	"github.com/PlayraLive/h-ai-sub005/internal/idgen"
	"github.com/PlayraLive/h-ai-sub005/internal/logging"
	"github.com/PlayraLive/h-ai-sub005/internal/metrics"
	"github.com/PlayraLive/h-ai-sub005/internal/money"
	"github.com/PlayraLive/h-ai-sub005/internal/settlement"
	"github.com/PlayraLive/h-ai-sub005/internal/syncutil"
	"github.com/PlayraLive/h-ai-sub005/internal/traces"
	"github.com/PlayraLive/h-ai-sub005/internal/validation"
)

// EscrowService is the slice of the escrow service the manager needs.
type EscrowService interface {
	Get(ctx context.Context, contractID string) (*escrow.Record, error)
	UnlockFromDispute(ctx context.Context, contractID string) (*escrow.Record, error)
}

// Settler executes payouts and freezes records for disputes under the
// same per-contract lock.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error)
	CheckPending(ctx context.Context, key string) (*settlement.Result, error)
	FreezeForDispute(ctx context.Context, contractID string) (*escrow.Record, error)
}

// EventPublisher receives dispute changes for the realtime feed.
type EventPublisher interface {
	Publish(eventType, contractID string, data interface{})
}

// Manager implements the dispute state machine.
//
// Transitions for a contract are serialized by a per-contract lock held
// across the settlement call. Evidence appends skip the lock and rely on
// the store's atomic append.
type Manager struct {
	store     Store
	escrow    EscrowService
	settler   Settler
	sink      escalation.Sink
	events    EventPublisher
	logger    *slog.Logger
	locks     *syncutil.KeyedMutex
	resolving singleflight.Group
	now       func() time.Time
}

// NewManager creates a dispute manager.
func NewManager(store Store, escrows EscrowService, settler Settler) *Manager {
	return &Manager{
		store:   store,
		escrow:  escrows,
		settler: settler,
		logger:  slog.Default(),
		locks:   syncutil.NewKeyedMutex(),
		now:     time.Now,
	}
}

// WithEscalationSink sets where admin calls are sent.
func (m *Manager) WithEscalationSink(s escalation.Sink) *Manager {
	m.sink = s
	return m
}

// WithEventPublisher sets the realtime publisher.
func (m *Manager) WithEventPublisher(p EventPublisher) *Manager {
	m.events = p
	return m
}

// WithLogger sets the manager logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// Get returns a dispute by id.
func (m *Manager) Get(ctx context.Context, id string) (*Dispute, error) {
	return m.store.Get(ctx, id)
}

// ListByContract returns disputes for a contract, oldest first.
func (m *Manager) ListByContract(ctx context.Context, contractID string, limit int, opts ...ListOption) ([]*Dispute, error) {
	return m.store.ListByContract(ctx, contractID, limit, opts...)
}

// ListByJob returns disputes for a job, oldest first.
func (m *Manager) ListByJob(ctx context.Context, jobID string, limit int, opts ...ListOption) ([]*Dispute, error) {
	return m.store.ListByJob(ctx, jobID, limit, opts...)
}

// ListAwaitingConfirmation returns disputes whose payout receipt is
// still pending.
func (m *Manager) ListAwaitingConfirmation(ctx context.Context, limit int) ([]*Dispute, error) {
	return m.store.ListAwaitingConfirmation(ctx, limit)
}

// CreateDispute opens a dispute and freezes the escrow record.
func (m *Manager) CreateDispute(ctx context.Context, req CreateRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.CreateDispute", traces.ContractID(req.ContractID))
	defer func() { traces.End(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock, err := m.locks.LockContext(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := m.store.GetActiveByContract(ctx, req.ContractID); err == nil {
		return nil, ErrDuplicateDispute
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	record, err := m.escrow.Get(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}
	if record.Status != escrow.StatusFunded && record.Status != escrow.StatusInProgress {
		return nil, ErrNotDisputable.WithMessage("escrow is " + string(record.Status) + "; only funded or in-progress escrows can be disputed")
	}

	now := m.now()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		JobID:         record.JobID,
		ContractID:    req.ContractID,
		InitiatorID:   req.InitiatorID,
		InitiatorType: req.InitiatorType,
		Reason:        req.Reason,
		Description:   req.Description,
		Status:        StatusPending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, content := range req.Evidence {
		d.Evidence = append(d.Evidence, Evidence{
			ID:          idgen.WithPrefix("evd_"),
			SubmittedBy: req.InitiatorID,
			Content:     validation.SanitizeString(content),
			SubmittedAt: now,
		})
	}

	if _, err := m.settler.FreezeForDispute(ctx, req.ContractID); err != nil {
		return nil, err
	}
	if err := m.store.Create(ctx, d); err != nil {
		// Another process won the race and holds the lock for its dispute.
		if !errors.Is(err, ErrDuplicateDispute) {
			m.unlockEscrow(ctx, req.ContractID)
		}
		return nil, err
	}

	m.observe(ctx, d, "", "created", map[string]string{
		"initiatorId":   d.InitiatorID,
		"initiatorType": string(d.InitiatorType),
		"reason":        d.Reason,
	})
	return d, nil
}

// AssignArbitrator assigns (or reassigns) the arbitrator and moves the
// dispute into review.
func (m *Manager) AssignArbitrator(ctx context.Context, id, arbitratorID string) (*Dispute, error) {
	if arbitratorID == "" {
		return nil, errInvalidArbitrator
	}
	return m.transition(ctx, id, "arbitrator_assigned", func(d *Dispute) error {
		if d.Status != StatusPending && d.Status != StatusInReview {
			return m.illegal(d)
		}
		d.ArbitratorID = arbitratorID
		d.Status = StatusInReview
		return nil
	})
}

// AddEvidence appends an evidence item. It is safe to call concurrently
// with any other operation.
func (m *Manager) AddEvidence(ctx context.Context, id string, req EvidenceRequest) (*Evidence, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	item := Evidence{
		ID:          idgen.WithPrefix("evd_"),
		SubmittedBy: req.SubmittedBy,
		Content:     validation.SanitizeString(req.Content),
		SubmittedAt: m.now(),
	}
	if err := m.store.AppendEvidence(ctx, id, item); err != nil {
		return nil, err
	}
	if d, err := m.store.Get(ctx, id); err == nil {
		m.publish("evidence_added", d, map[string]string{"evidenceId": item.ID, "submittedBy": item.SubmittedBy})
	}
	return &item, nil
}

// CallAdmin escalates a dispute to the admins and emits an escalation.
func (m *Manager) CallAdmin(ctx context.Context, id string, req AdminCallRequest) (*Dispute, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d, err := m.transition(ctx, id, "admin_called", func(d *Dispute) error {
		if d.Status != StatusPending && d.Status != StatusInReview {
			return m.illegal(d)
		}
		now := m.now()
		d.Status = StatusAdminReview
		d.AdminCall = &AdminCall{
			Reason:   req.Reason,
			Urgency:  req.Urgency,
			Status:   AdminCallPending,
			CalledAt: now,
			DueBy:    now.Add(req.Urgency.SLA()),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.escalate(ctx, d, false)
	return d, nil
}

// AcknowledgeAdminCall records that an admin picked up the call.
func (m *Manager) AcknowledgeAdminCall(ctx context.Context, id, adminID string) (*Dispute, error) {
	return m.transition(ctx, id, "admin_call_acknowledged", func(d *Dispute) error {
		if err := openAdminCall(d); err != nil {
			return err
		}
		d.AdminCall.Status = AdminCallInProgress
		d.AdminCall.AdminID = adminID
		return nil
	})
}

// ResolveAdminCall closes the admin call. The dispute itself stays in
// admin_review until it is resolved with a payout.
func (m *Manager) ResolveAdminCall(ctx context.Context, id, adminID, notes string) (*Dispute, error) {
	if len(notes) > MaxDescriptionLength {
		return nil, errInvalidNotes
	}
	return m.transition(ctx, id, "admin_call_resolved", func(d *Dispute) error {
		if err := openAdminCall(d); err != nil {
			return err
		}
		now := m.now()
		d.AdminCall.Status = AdminCallResolved
		d.AdminCall.AdminID = adminID
		d.AdminCall.AdminNotes = notes
		d.AdminCall.ResolvedAt = &now
		return nil
	})
}

// CancelDispute withdraws a dispute before resolution and unfreezes the
// escrow. Cancelling an already cancelled dispute retries the unfreeze.
func (m *Manager) CancelDispute(ctx context.Context, id string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.CancelDispute", traces.DisputeID(id))
	defer func() { traces.End(span, err) }()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locks.LockContext(ctx, d.ContractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d, err = m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	switch {
	case d.Status == StatusCancelled:
		if _, err := m.escrow.UnlockFromDispute(ctx, d.ContractID); err != nil {
			return nil, err
		}
		return d, nil
	case d.Status == StatusResolved:
		return nil, ErrDisputeClosed
	case d.PendingSettlement != nil:
		return nil, ErrSettlementPending
	case d.Status != StatusPending && d.Status != StatusInReview:
		return nil, m.illegal(d)
	}

	// Unfreeze first: a failed unlock leaves the dispute untouched.
	if _, err := m.escrow.UnlockFromDispute(ctx, d.ContractID); err != nil {
		return nil, err
	}
	from := d.Status
	now := m.now()
	d.Status = StatusCancelled
	d.CancelledAt = &now
	d.UpdatedAt = now
	if err := m.store.Update(context.WithoutCancel(ctx), d); err != nil {
		if _, lockErr := m.settler.FreezeForDispute(context.WithoutCancel(ctx), d.ContractID); lockErr != nil {
			m.logger.Error("CRITICAL: escrow unfrozen but dispute still open",
				logging.DisputeID(d.ID), logging.ContractID(d.ContractID), logging.Err(lockErr))
		}
		return nil, err
	}
	m.observe(ctx, d, from, "cancelled", nil)
	return d, nil
}

// ResolveDispute decides a dispute and pays out through the settlement
// engine.
//
// A confirmed payout resolves the dispute. If the receipt is not confirmed
// within the engine's window the dispute keeps its status, records the
// pending settlement and ResultPendingConfirmation is returned. Any
// validation or chain failure leaves the dispute untouched. Retrying with
// the same decision is safe; concurrent identical requests share one
// execution.
func (m *Manager) ResolveDispute(ctx context.Context, id string, req ResolveRequest) (_ *ResolveResult, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.ResolveDispute",
		traces.DisputeID(id), traces.Outcome(string(req.Outcome)))
	defer func() { traces.End(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	record, err := m.escrow.Get(ctx, d.ContractID)
	if err != nil {
		return nil, err
	}
	split, err := req.split(record.Distributable())
	if err != nil {
		return nil, err
	}
	key := settlement.DisputeKey(id, req.Outcome, split)

	v, err, _ := m.resolving.Do(key, func() (interface{}, error) {
		return m.resolve(ctx, d.ContractID, id, req, split, key)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*ResolveResult)
	return &ResolveResult{Status: res.Status, Dispute: res.Dispute.clone(), Settlement: res.Settlement}, nil
}

func (m *Manager) resolve(ctx context.Context, contractID, id string, req ResolveRequest, split money.Split, key string) (*ResolveResult, error) {
	unlock, err := m.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case d.Status == StatusResolved && d.SettlementKey() == key:
		return &ResolveResult{Status: settlement.ResultSettled, Dispute: d}, nil
	case d.Status.IsTerminal():
		return nil, ErrDisputeClosed
	case d.Status != StatusInReview && d.Status != StatusAdminReview:
		return nil, m.illegal(d)
	case d.Status == StatusInReview && d.ArbitratorID != "" && req.ResolvedBy != d.ArbitratorID:
		return nil, ErrNotAssignedArbiter
	case d.PendingSettlement != nil && d.PendingSettlement.IdempotencyKey != key:
		return nil, ErrSettlementPending
	}

	result, err := m.settler.Settle(ctx, settlement.Request{
		Key:        key,
		ContractID: contractID,
		DisputeID:  id,
		Kind:       settlement.KindDispute,
		Outcome:    req.Outcome,
		Split:      split,
	})
	if err != nil {
		if d.PendingSettlement != nil && errors.Is(err, settlement.ErrTransactionFailed) {
			m.clearPending(ctx, d)
		}
		return nil, err
	}

	if result.Status == settlement.ResultPendingConfirmation {
		if err := m.recordPending(ctx, d, result.Settlement, req.ResolvedBy); err != nil {
			return nil, err
		}
		return &ResolveResult{Status: result.Status, Dispute: d, Settlement: result.Settlement}, nil
	}
	if err := m.applyResolved(ctx, d, result.Settlement, req.ResolvedBy); err != nil {
		return nil, err
	}
	return &ResolveResult{Status: result.Status, Dispute: d, Settlement: result.Settlement}, nil
}

// ReconcileSettlement checks the receipt of a pending payout once and
// resolves the dispute when it is confirmed. A failed transaction clears
// the pending settlement so the dispute can be resolved again.
func (m *Manager) ReconcileSettlement(ctx context.Context, id string) (*ResolveResult, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locks.LockContext(ctx, d.ContractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d, err = m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if d.PendingSettlement == nil {
		if d.Status == StatusResolved {
			return &ResolveResult{Status: settlement.ResultSettled, Dispute: d}, nil
		}
		return nil, ErrNoPendingSettlement
	}

	pending := d.PendingSettlement
	result, err := m.settler.CheckPending(ctx, pending.IdempotencyKey)
	if err != nil {
		if errors.Is(err, settlement.ErrTransactionFailed) {
			m.clearPending(ctx, d)
		}
		return nil, err
	}
	if result.Status == settlement.ResultPendingConfirmation {
		return &ResolveResult{Status: result.Status, Dispute: d, Settlement: result.Settlement}, nil
	}
	if err := m.applyResolved(ctx, d, result.Settlement, pending.ResolvedBy); err != nil {
		return nil, err
	}
	return &ResolveResult{Status: result.Status, Dispute: d, Settlement: result.Settlement}, nil
}

// EscalateOverdue re-escalates open admin calls past their SLA deadline,
// once per call. It returns how many calls are overdue.
func (m *Manager) EscalateOverdue(ctx context.Context) (int, error) {
	open, err := m.store.ListOpenAdminCalls(ctx, 500)
	if err != nil {
		return 0, err
	}
	now := m.now()
	overdue := 0
	for _, d := range open {
		if !d.AdminCall.Overdue(now) {
			continue
		}
		overdue++
		if d.AdminCall.BreachNotified {
			continue
		}
		updated, err := m.transition(ctx, d.ID, "admin_call_sla_breached", func(d *Dispute) error {
			if d.Status != StatusAdminReview || d.AdminCall == nil || !d.AdminCall.Overdue(now) || d.AdminCall.BreachNotified {
				return errSkip
			}
			d.AdminCall.BreachNotified = true
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			m.logger.Warn("failed to flag SLA breach", logging.DisputeID(d.ID), logging.Err(err))
			continue
		}
		m.escalate(ctx, updated, true)
	}
	return overdue, nil
}

var errSkip = errors.New("dispute: transition skipped")

// transition applies fn to the current dispute under the contract lock
// and persists the result.
func (m *Manager) transition(ctx context.Context, id, event string, fn func(d *Dispute) error) (*Dispute, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := m.locks.LockContext(ctx, d.ContractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d, err = m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	from := d.Status
	if err := fn(d); err != nil {
		return nil, err
	}
	d.UpdatedAt = m.now()
	if err := m.store.Update(ctx, d); err != nil {
		return nil, err
	}
	m.observe(ctx, d, from, event, nil)
	return d, nil
}

func (m *Manager) recordPending(ctx context.Context, d *Dispute, s *settlement.Settlement, resolvedBy string) error {
	d.PendingSettlement = &PendingSettlement{
		Resolution:       s.Resolution,
		ClientAmount:     s.ClientAmount,
		FreelancerAmount: s.FreelancerAmount,
		TxHash:           s.TxHash,
		IdempotencyKey:   s.Key,
		ResolvedBy:       resolvedBy,
		SubmittedAt:      m.now(),
	}
	d.UpdatedAt = m.now()
	if err := m.store.Update(context.WithoutCancel(ctx), d); err != nil {
		m.logger.Error("settlement submitted but dispute not marked pending",
			logging.DisputeID(d.ID), logging.TxHash(s.TxHash), logging.Err(err))
		return err
	}
	m.observe(ctx, d, d.Status, "settlement_pending", map[string]string{"txHash": s.TxHash})
	return nil
}

func (m *Manager) applyResolved(ctx context.Context, d *Dispute, s *settlement.Settlement, resolvedBy string) error {
	from := d.Status
	now := m.now()
	d.Status = StatusResolved
	d.Resolution = s.Resolution
	d.ClientAmount = s.ClientAmount
	d.FreelancerAmount = s.FreelancerAmount
	d.BlockchainTxHash = s.TxHash
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now
	d.UpdatedAt = now
	d.PendingSettlement = nil
	if d.AdminCall != nil && d.AdminCall.Status != AdminCallResolved {
		d.AdminCall.Status = AdminCallResolved
		d.AdminCall.ResolvedAt = &now
	}
	if err := m.store.Update(context.WithoutCancel(ctx), d); err != nil {
		m.logger.Error("CRITICAL: funds distributed but dispute not marked resolved",
			logging.DisputeID(d.ID), logging.TxHash(s.TxHash), logging.Err(err))
		return err
	}
	metrics.DisputeResolutionDuration.WithLabelValues(string(d.Resolution)).Observe(now.Sub(d.CreatedAt).Seconds())
	m.observe(ctx, d, from, "resolved", map[string]string{
		"resolution":       string(d.Resolution),
		"clientAmount":     d.ClientAmount,
		"freelancerAmount": d.FreelancerAmount,
		"txHash":           d.BlockchainTxHash,
	})
	return nil
}

func (m *Manager) clearPending(ctx context.Context, d *Dispute) {
	txHash := d.PendingSettlement.TxHash
	d.PendingSettlement = nil
	d.UpdatedAt = m.now()
	if err := m.store.Update(context.WithoutCancel(ctx), d); err != nil {
		m.logger.Error("failed to clear pending settlement", logging.DisputeID(d.ID), logging.Err(err))
		return
	}
	m.observe(ctx, d, d.Status, "settlement_failed", map[string]string{"txHash": txHash})
}

func (m *Manager) unlockEscrow(ctx context.Context, contractID string) {
	if _, err := m.escrow.UnlockFromDispute(context.WithoutCancel(ctx), contractID); err != nil {
		m.logger.Error("failed to unfreeze escrow after aborted dispute",
			logging.ContractID(contractID), logging.Err(err))
	}
}

func (m *Manager) escalate(ctx context.Context, d *Dispute, breached bool) {
	if m.sink == nil || d.AdminCall == nil {
		return
	}
	m.sink.Escalate(ctx, escalation.Event{
		DisputeID:   d.ID,
		ContractID:  d.ContractID,
		Reason:      d.AdminCall.Reason,
		Urgency:     d.AdminCall.Urgency,
		CalledAt:    d.AdminCall.CalledAt,
		SLABreached: breached,
	})
}

func (m *Manager) illegal(d *Dispute) error {
	if d.Status.IsTerminal() {
		return ErrDisputeClosed
	}
	return ErrInvalidTransition.WithMessage("operation not allowed while dispute is " + string(d.Status))
}

func openAdminCall(d *Dispute) error {
	switch {
	case d.Status.IsTerminal():
		return ErrDisputeClosed
	case d.AdminCall == nil:
		return ErrNoAdminCall
	case d.AdminCall.Status == AdminCallResolved:
		return ErrAdminCallResolved
	}
	return nil
}

// observe counts status changes, logs and publishes event.
func (m *Manager) observe(ctx context.Context, d *Dispute, from Status, event string, data map[string]string) {
	if d.Status != from {
		metrics.DisputeTransitionsTotal.WithLabelValues(string(d.Status)).Inc()
	}
	m.logger.Info("dispute "+event,
		logging.DisputeID(d.ID),
		logging.ContractID(d.ContractID),
		slog.String("status", string(d.Status)),
		slog.String("request_id", logging.RequestID(ctx)),
	)
	m.publish(event, d, data)
}

func (m *Manager) publish(event string, d *Dispute, data map[string]string) {
	if m.events == nil {
		return
	}
	payload := map[string]interface{}{
		"disputeId": d.ID,
		"status":    d.Status,
	}
	for k, v := range data {
		payload[k] = v
	}
	m.events.Publish("dispute."+event, d.ContractID, payload)
}
