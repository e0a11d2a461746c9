package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/PlayraLive/h-ai-sub005/internal/chain"
	"github.com/PlayraLive/h-ai-sub005/internal/circuitbreaker"
	"github.com/PlayraLive/h-ai-sub005/internal/escrow"
	"github.com/PlayraLive/h-ai-sub005/internal/logging"
	"github.com/PlayraLive/h-ai-sub005/internal/metrics"
	"github.com/PlayraLive/h-ai-sub005/internal/money"
	"github.com/PlayraLive/h-ai-sub005/internal/retry"
	"github.com/PlayraLive/h-ai-sub005/internal/syncutil"
	"github.com/PlayraLive/h-ai-sub005/internal/traces"
)

// EscrowLedger is the slice of the escrow service the engine needs.
type EscrowLedger interface {
	Get(ctx context.Context, contractID string) (*escrow.Record, error)
	LockForDispute(ctx context.Context, contractID string) (*escrow.Record, error)
	ReleaseFunds(ctx context.Context, contractID string, split money.Split, txHash string) (*escrow.Record, error)
}

// ChainClient is the slice of the chain adapter the engine needs.
type ChainClient interface {
	GetContractStatus(ctx context.Context, contractID string) (*chain.ContractState, error)
	DistributeFunds(ctx context.Context, contractID string, clientAmount, freelancerAmount *big.Int) (string, error)
	CheckReceipt(ctx context.Context, txHash string) (chain.ReceiptStatus, error)
}

// Config bounds chain interaction.
type Config struct {
	// ChainTimeout bounds each DistributeFunds call.
	ChainTimeout time.Duration
	// ConfirmWindow bounds receipt polling before reporting pending_confirmation.
	ConfirmWindow time.Duration
	PollInterval  time.Duration
	// PendingMaxAge is how long a submitted transaction may stay unmined
	// before ExpireStale gives up on it.
	PendingMaxAge time.Duration
	Retry         retry.Policy

	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ChainTimeout:     30 * time.Second,
		ConfirmWindow:    60 * time.Second,
		PollInterval:     2 * time.Second,
		PendingMaxAge:    24 * time.Hour,
		Retry:            retry.DefaultPolicy,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Engine executes settlements. It holds its own per-contract lock; callers
// holding a dispute lock may call in, and the engine calls into the escrow
// service, never the other way round.
type Engine struct {
	store   Store
	ledger  EscrowLedger
	chain   ChainClient
	cfg     Config
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	locks   *syncutil.KeyedMutex
	now     func() time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(store Store, ledger EscrowLedger, c ChainClient, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = def.ChainTimeout
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = def.ConfirmWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = def.PendingMaxAge
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	cfg.Retry.Retryable = chain.IsRetryable

	return &Engine{
		store:   store,
		ledger:  ledger,
		chain:   c,
		cfg:     cfg,
		breaker: circuitbreaker.New("chain_distribute", cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  slog.Default(),
		locks:   syncutil.NewKeyedMutex(),
		now:     time.Now,
	}
}

// WithLogger sets the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Get returns a settlement by key.
func (e *Engine) Get(ctx context.Context, key string) (*Settlement, error) {
	return e.store.Get(ctx, key)
}

// ListByContract returns every settlement attempt for a contract.
func (e *Engine) ListByContract(ctx context.Context, contractID string) ([]*Settlement, error) {
	return e.store.ListByContract(ctx, contractID)
}

// ListPending returns settlements awaiting receipt confirmation.
func (e *Engine) ListPending(ctx context.Context, limit int) ([]*Settlement, error) {
	return e.store.ListByStatus(ctx, StatusPendingConfirmation, limit)
}

// Settle pays out a contract. Repeating a request with the same key
// returns the stored outcome (or resumes it) without paying twice.
//
// The split is validated against the record before anything is written.
// A confirmed receipt releases the escrow record and yields
// ResultSettled; if the confirmation window elapses first the settlement
// stays pending and ResultPendingConfirmation is returned. Chain failures
// mark the settlement failed and return a chain adapter error.
func (e *Engine) Settle(ctx context.Context, req Request) (_ *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.ContractID(req.ContractID), traces.Outcome(string(req.Outcome)))
	defer func() { traces.End(span, err) }()

	if req.Key == "" {
		return nil, ErrMissingKey
	}
	if !req.Outcome.Valid() {
		return nil, ErrInvalidOutcome
	}

	unlock, err := e.locks.LockContext(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := e.store.Get(ctx, req.Key)
	switch {
	case err == nil:
		if s.ContractID != req.ContractID {
			return nil, ErrDuplicateKey
		}
		return e.resume(ctx, s)
	case !errors.Is(err, ErrSettlementNotFound):
		return nil, err
	}

	if err := e.checkNoOtherLive(ctx, req.ContractID, req.Key); err != nil {
		return nil, err
	}
	if err := e.checkRecord(ctx, req.ContractID, req.Kind, req.Split); err != nil {
		return nil, err
	}

	now := e.now()
	s = &Settlement{
		Key:              req.Key,
		ContractID:       req.ContractID,
		DisputeID:        req.DisputeID,
		Kind:             req.Kind,
		Resolution:       req.Outcome,
		ClientAmount:     money.Format(req.Split.Client),
		FreelancerAmount: money.Format(req.Split.Freelancer),
		Status:           StatusSubmitting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return e.submit(ctx, s)
}

// SettleCompletion pays the full distributable amount to the freelancer
// once every milestone is completed and no dispute is open.
func (e *Engine) SettleCompletion(ctx context.Context, contractID string) (*Result, error) {
	record, err := e.ledger.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	split, err := ComputeSplit(OutcomeFreelancerWins, record.Distributable(), nil)
	if err != nil {
		return nil, err
	}
	return e.Settle(ctx, Request{
		Key:        CompletionKey(contractID),
		ContractID: contractID,
		Kind:       KindCompletion,
		Outcome:    OutcomeFreelancerWins,
		Split:      split,
	})
}

// FreezeForDispute locks the escrow record for a dispute. It runs under the
// engine's contract lock, so no payout can start in between, and it is
// refused while a payout for the contract is live or already confirmed.
func (e *Engine) FreezeForDispute(ctx context.Context, contractID string) (*escrow.Record, error) {
	unlock, err := e.locks.LockContext(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.checkNoOtherLive(ctx, contractID, ""); err != nil {
		return nil, err
	}
	return e.ledger.LockForDispute(ctx, contractID)
}

// Confirm waits up to the confirmation window for a submitted settlement
// and finalizes it when its receipt confirms.
func (e *Engine) Confirm(ctx context.Context, key string) (*Result, error) {
	return e.advanceByKey(ctx, key, true)
}

// CheckPending checks the receipt of a submitted settlement once and
// finalizes or fails it accordingly.
func (e *Engine) CheckPending(ctx context.Context, key string) (*Result, error) {
	return e.advanceByKey(ctx, key, false)
}

// ExpireStale resolves settlements stuck in submitting for longer than
// olderThan, which happens when a process dies mid-call, and transactions
// left unmined for longer than the configured PendingMaxAge. Returns how
// many were moved on.
func (e *Engine) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	submitting, err := e.store.ListByStatus(ctx, StatusSubmitting, 100)
	if err != nil {
		return 0, err
	}
	pending, err := e.store.ListByStatus(ctx, StatusPendingConfirmation, 100)
	if err != nil {
		return 0, err
	}

	moved := 0
	sweep := func(items []*Settlement, maxAge time.Duration, expire func(ctx context.Context, contractID, key string) (bool, error)) {
		cutoff := e.now().Add(-maxAge)
		for _, item := range items {
			if item.UpdatedAt.After(cutoff) {
				continue
			}
			ok, err := expire(ctx, item.ContractID, item.Key)
			if err != nil {
				e.logger.Warn("failed to expire stale settlement", "key", item.Key, logging.Err(err))
				continue
			}
			if ok {
				moved++
			}
		}
	}
	sweep(submitting, olderThan, e.expireOne)
	sweep(pending, e.cfg.PendingMaxAge, e.expirePending)
	return moved, nil
}

func (e *Engine) expireOne(ctx context.Context, contractID, key string) (bool, error) {
	unlock, err := e.locks.LockContext(ctx, contractID)
	if err != nil {
		return false, err
	}
	defer unlock()

	s, err := e.store.Get(ctx, key)
	if err != nil || s.Status != StatusSubmitting {
		return false, err
	}
	if s.TxHash != "" {
		s.Status = StatusPendingConfirmation
		s.UpdatedAt = e.now()
		return true, e.store.Update(ctx, s)
	}

	state, err := e.chain.GetContractStatus(ctx, contractID)
	if err != nil {
		return false, err
	}
	if state.Status == "distributed" {
		e.logger.Error("CRITICAL: contract distributed on chain but settlement has no tx hash",
			logging.ContractID(contractID), "key", key)
		return false, nil
	}
	e.fail(ctx, s, errors.New("submission abandoned before a transaction was sent"))
	return true, nil
}

// expirePending settles an old pending transaction from its receipt, or
// fails it when it was never mined and the contract still holds the funds.
func (e *Engine) expirePending(ctx context.Context, contractID, key string) (bool, error) {
	unlock, err := e.locks.LockContext(ctx, contractID)
	if err != nil {
		return false, err
	}
	defer unlock()

	s, err := e.store.Get(ctx, key)
	if err != nil || s.Status != StatusPendingConfirmation {
		return false, err
	}
	status, err := e.checkReceipt(ctx, s.TxHash)
	if err != nil {
		return false, err
	}
	switch status {
	case chain.ReceiptConfirmed:
		if _, err := e.finalize(ctx, s); err != nil {
			return false, err
		}
		return true, nil
	case chain.ReceiptFailed:
		_ = e.failOnChain(ctx, s)
		return true, nil
	}

	state, err := e.chain.GetContractStatus(ctx, contractID)
	if err != nil {
		return false, err
	}
	if state.Status == "distributed" {
		e.logger.Error("CRITICAL: contract distributed on chain but receipt still pending",
			logging.ContractID(contractID), logging.TxHash(s.TxHash), "key", key)
		return false, nil
	}
	e.fail(ctx, s, errors.New("transaction "+s.TxHash+" was never mined"))
	return true, nil
}

func (e *Engine) advanceByKey(ctx context.Context, key string, wait bool) (*Result, error) {
	s, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	unlock, err := e.locks.LockContext(ctx, s.ContractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under lock.
	if s, err = e.store.Get(ctx, key); err != nil {
		return nil, err
	}
	switch s.Status {
	case StatusConfirmed:
		return e.finalize(ctx, s)
	case StatusFailed:
		return nil, ErrTransactionFailed.WithMessage("settlement failed: " + s.LastError)
	case StatusSubmitting:
		if s.TxHash == "" {
			return nil, ErrSettlementInFlight
		}
	}
	if wait {
		return e.await(ctx, s)
	}
	return e.checkOnce(ctx, s)
}

// resume continues an existing settlement found by key.
func (e *Engine) resume(ctx context.Context, s *Settlement) (*Result, error) {
	switch s.Status {
	case StatusConfirmed:
		return e.finalize(ctx, s)
	case StatusPendingConfirmation:
		return e.await(ctx, s)
	case StatusSubmitting:
		if s.TxHash != "" {
			return e.await(ctx, s)
		}
		return nil, ErrSettlementInFlight
	}

	// Failed: a retry with the same key may submit again.
	if err := e.checkNoOtherLive(ctx, s.ContractID, s.Key); err != nil {
		return nil, err
	}
	if err := e.checkRecord(ctx, s.ContractID, s.Kind, s.Split()); err != nil {
		return nil, err
	}
	s.Status = StatusSubmitting
	s.TxHash = ""
	s.LastError = ""
	s.UpdatedAt = e.now()
	if err := e.store.Update(ctx, s); err != nil {
		return nil, err
	}
	return e.submit(ctx, s)
}

func (e *Engine) checkNoOtherLive(ctx context.Context, contractID, key string) error {
	live, err := e.store.GetLive(ctx, contractID)
	if errors.Is(err, ErrSettlementNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if live.Key == key {
		return nil
	}
	if live.Status == StatusConfirmed {
		return ErrAlreadySettled
	}
	return ErrSettlementInFlight
}

func (e *Engine) checkRecord(ctx context.Context, contractID string, kind Kind, split money.Split) error {
	record, err := e.ledger.Get(ctx, contractID)
	if err != nil {
		return err
	}
	if record.Status == escrow.StatusReleased {
		return ErrAlreadySettled
	}
	switch kind {
	case KindDispute:
		if record.Status != escrow.StatusDisputed {
			return ErrNotSettleable.WithMessage("escrow must be locked by a dispute")
		}
	case KindCompletion:
		if record.Status != escrow.StatusInProgress || !record.AllMilestonesCompleted() {
			return ErrNotSettleable.WithMessage("all milestones must be completed and no dispute open")
		}
	default:
		return ErrNotSettleable.WithMessage("unknown settlement kind " + string(kind))
	}
	return ValidateSplit(split, record.Distributable())
}

// submit calls DistributeFunds with retry and the circuit breaker, then
// waits for the receipt.
func (e *Engine) submit(ctx context.Context, s *Settlement) (*Result, error) {
	split := s.Split()
	var txHash string

	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		return e.breaker.Execute(s.ContractID, chain.IsRetryable, func() error {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.ChainTimeout)
			defer cancel()

			s.Attempts++
			start := time.Now()
			h, err := e.chain.DistributeFunds(callCtx, s.ContractID, split.Client, split.Freelancer)
			metrics.ObserveChainCall(chain.OpDistribute, start, err)
			if err != nil {
				var ce *chain.Error
				if errors.As(err, &ce) && ce.TxHash != "" {
					// Sent but outcome unknown; the receipt decides.
					txHash = ce.TxHash
					return retry.Permanent(err)
				}
				e.logger.Warn("distribution attempt failed",
					logging.ContractID(s.ContractID), "attempt", s.Attempts, logging.Err(err))
				return err
			}
			txHash = h
			return nil
		})
	})

	if err != nil && txHash == "" {
		e.fail(ctx, s, err)
		return nil, chainError(err)
	}

	s.TxHash = txHash
	s.Status = StatusPendingConfirmation
	s.UpdatedAt = e.now()
	if err := e.store.Update(context.WithoutCancel(ctx), s); err != nil {
		e.logger.Error("CRITICAL: distribution submitted but settlement not persisted",
			logging.ContractID(s.ContractID), logging.TxHash(txHash), logging.Err(err))
		return nil, err
	}
	e.logger.Info("distribution submitted",
		logging.ContractID(s.ContractID), logging.TxHash(txHash), "key", s.Key)
	return e.await(ctx, s)
}

// await polls the receipt until it settles or the confirmation window
// elapses.
func (e *Engine) await(ctx context.Context, s *Settlement) (*Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmWindow)
	defer cancel()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := e.checkReceipt(waitCtx, s.TxHash)
		if err == nil {
			switch status {
			case chain.ReceiptConfirmed:
				return e.finalize(ctx, s)
			case chain.ReceiptFailed:
				return nil, e.failOnChain(ctx, s)
			}
		} else if waitCtx.Err() == nil {
			e.logger.Warn("receipt check failed", logging.TxHash(s.TxHash), logging.Err(err))
		}

		select {
		case <-waitCtx.Done():
			return e.pending(ctx, s), nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) checkOnce(ctx context.Context, s *Settlement) (*Result, error) {
	status, err := e.checkReceipt(ctx, s.TxHash)
	if err != nil {
		return nil, chain.AppError(err)
	}
	switch status {
	case chain.ReceiptConfirmed:
		return e.finalize(ctx, s)
	case chain.ReceiptFailed:
		return nil, e.failOnChain(ctx, s)
	}
	return &Result{Status: ResultPendingConfirmation, Settlement: s.clone()}, nil
}

func (e *Engine) checkReceipt(ctx context.Context, txHash string) (chain.ReceiptStatus, error) {
	start := time.Now()
	status, err := e.chain.CheckReceipt(ctx, txHash)
	metrics.ObserveChainCall(chain.OpReceipt, start, err)
	return status, err
}

// finalize releases the escrow record and marks the settlement confirmed.
// Both steps are idempotent, so finalize doubles as repair after a crash.
func (e *Engine) finalize(ctx context.Context, s *Settlement) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	if s.Kind == KindCompletion {
		if r, err := e.ledger.Get(ctx, s.ContractID); err == nil && r.Status == escrow.StatusDisputed {
			e.logger.Error("CRITICAL: completion payout confirmed on a disputed escrow",
				logging.ContractID(s.ContractID), logging.TxHash(s.TxHash), "key", s.Key)
		}
	}
	if _, err := e.ledger.ReleaseFunds(ctx, s.ContractID, s.Split(), s.TxHash); err != nil {
		e.logger.Error("CRITICAL: distribution confirmed on chain but escrow release failed",
			logging.ContractID(s.ContractID), logging.TxHash(s.TxHash), logging.Err(err))
		return nil, err
	}
	if s.Status != StatusConfirmed {
		now := e.now()
		s.Status = StatusConfirmed
		s.ConfirmedAt = &now
		s.UpdatedAt = now
		s.LastError = ""
		if err := e.store.Update(ctx, s); err != nil {
			e.logger.Error("CRITICAL: escrow released but settlement not marked confirmed",
				logging.ContractID(s.ContractID), logging.TxHash(s.TxHash), logging.Err(err))
			return nil, err
		}
		metrics.SettlementsTotal.WithLabelValues(string(s.Kind), string(ResultSettled)).Inc()
		e.logger.Info("settlement confirmed",
			logging.ContractID(s.ContractID), logging.TxHash(s.TxHash), "key", s.Key,
			"client_amount", s.ClientAmount, "freelancer_amount", s.FreelancerAmount)
	}
	return &Result{Status: ResultSettled, Settlement: s.clone()}, nil
}

func (e *Engine) pending(ctx context.Context, s *Settlement) *Result {
	metrics.SettlementsTotal.WithLabelValues(string(s.Kind), string(ResultPendingConfirmation)).Inc()
	e.logger.Info("settlement awaiting confirmation",
		logging.ContractID(s.ContractID), logging.TxHash(s.TxHash), "key", s.Key,
		slog.String("request_id", logging.RequestID(ctx)))
	return &Result{Status: ResultPendingConfirmation, Settlement: s.clone()}
}

func (e *Engine) failOnChain(ctx context.Context, s *Settlement) error {
	err := ErrTransactionFailed.WithMessage("distribution transaction " + s.TxHash + " failed on chain")
	e.fail(ctx, s, err)
	return err
}

func (e *Engine) fail(ctx context.Context, s *Settlement, cause error) {
	s.Status = StatusFailed
	s.LastError = cause.Error()
	s.UpdatedAt = e.now()
	if err := e.store.Update(context.WithoutCancel(ctx), s); err != nil {
		e.logger.Error("failed to mark settlement failed", "key", s.Key, logging.Err(err))
	}
	metrics.SettlementsTotal.WithLabelValues(string(s.Kind), "failed").Inc()
	e.logger.Warn("settlement failed",
		logging.ContractID(s.ContractID), "key", s.Key, logging.Err(cause))
}

func chainError(err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrChainUnavailable.WithCause(err)
	}
	return chain.AppError(err)
}
