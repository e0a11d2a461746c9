// Package reconciliation drives payouts whose chain receipt was not
// confirmed inside the request that submitted them.
//
// Each run expires settlements abandoned mid-submission, checks every
// pending receipt once, and then lets the dispute manager close disputes
// whose payout has confirmed (or reopen them when it failed).
package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PlayraLive/h-ai-sub005/internal/dispute"
	"github.com/PlayraLive/h-ai-sub005/internal/logging"
	"github.com/PlayraLive/h-ai-sub005/internal/settlement"
)

// Settlements is the slice of the settlement engine the reconciler drives.
type Settlements interface {
	ListPending(ctx context.Context, limit int) ([]*settlement.Settlement, error)
	CheckPending(ctx context.Context, key string) (*settlement.Result, error)
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Disputes is the slice of the dispute manager the reconciler drives.
type Disputes interface {
	ListAwaitingConfirmation(ctx context.Context, limit int) ([]*dispute.Dispute, error)
	ReconcileSettlement(ctx context.Context, id string) (*dispute.ResolveResult, error)
}

// Config tunes a reconciliation run.
type Config struct {
	// StaleAfter is how long a settlement may sit in submitting before it
	// is treated as abandoned.
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:  10 * time.Minute,
		BatchSize:   200,
		Concurrency: 4,
	}
}

// Report summarizes one run.
type Report struct {
	Expired          int           `json:"expired"`
	Checked          int           `json:"checked"`
	Confirmed        int           `json:"confirmed"`
	Failed           int           `json:"failed"`
	StillPending     int           `json:"stillPending"`
	DisputesResolved int           `json:"disputesResolved"`
	DisputesReopened int           `json:"disputesReopened"`
	Errors           int           `json:"errors"`
	Duration         time.Duration `json:"duration"`
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	settlements Settlements
	disputes    Disputes
	cfg         Config
	logger      *slog.Logger
}

// NewReconciler creates a reconciler. disputes may be nil when only
// completion payouts are in use.
func NewReconciler(settlements Settlements, disputes Disputes, cfg Config, logger *slog.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{settlements: settlements, disputes: disputes, cfg: cfg, logger: logger}
}

// RunAll performs one full pass. Per-item failures are counted in the
// report; only listing failures abort the run.
func (r *Reconciler) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}
	defer func() {
		report.Duration = time.Since(start)
		reconcileDuration.Observe(report.Duration.Seconds())
	}()

	expired, err := r.settlements.ExpireStale(ctx, r.cfg.StaleAfter)
	if err != nil {
		reconcileErrors.Inc()
		return report, err
	}
	report.Expired = expired
	reconcileExpiredSettlements.Add(float64(expired))

	if err := r.checkSettlements(ctx, report); err != nil {
		reconcileErrors.Inc()
		return report, err
	}
	if r.disputes != nil {
		if err := r.checkDisputes(ctx, report); err != nil {
			reconcileErrors.Inc()
			return report, err
		}
	}

	if report.Errors > 0 {
		reconcileErrors.Add(float64(report.Errors))
	}
	r.logger.Info("reconciliation run complete",
		slog.Int("expired", report.Expired),
		slog.Int("checked", report.Checked),
		slog.Int("confirmed", report.Confirmed),
		slog.Int("failed", report.Failed),
		slog.Int("still_pending", report.StillPending),
		slog.Int("disputes_resolved", report.DisputesResolved),
		slog.Int("errors", report.Errors),
	)
	return report, nil
}

func (r *Reconciler) checkSettlements(ctx context.Context, report *Report) error {
	pending, err := r.settlements.ListPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	report.Checked = len(pending)

	var confirmed, failed, still, errs atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, s := range pending {
		g.Go(func() error {
			result, err := r.settlements.CheckPending(gctx, s.Key)
			switch {
			case errors.Is(err, settlement.ErrTransactionFailed):
				failed.Add(1)
			case err != nil:
				errs.Add(1)
				r.logger.Warn("receipt check failed", "key", s.Key, logging.ContractID(s.ContractID), logging.Err(err))
			case result.Status == settlement.ResultSettled:
				confirmed.Add(1)
			default:
				still.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Confirmed = int(confirmed.Load())
	report.Failed = int(failed.Load())
	report.StillPending = int(still.Load())
	report.Errors += int(errs.Load())
	reconcilePendingSettlements.Set(float64(report.StillPending))
	return nil
}

func (r *Reconciler) checkDisputes(ctx context.Context, report *Report) error {
	awaiting, err := r.disputes.ListAwaitingConfirmation(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	var resolved, reopened, still, errs atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, d := range awaiting {
		g.Go(func() error {
			result, err := r.disputes.ReconcileSettlement(gctx, d.ID)
			switch {
			case errors.Is(err, settlement.ErrTransactionFailed):
				reopened.Add(1)
			case err != nil:
				errs.Add(1)
				r.logger.Warn("dispute reconciliation failed", logging.DisputeID(d.ID), logging.Err(err))
			case result.Status == settlement.ResultSettled:
				resolved.Add(1)
			default:
				still.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.DisputesResolved = int(resolved.Load())
	report.DisputesReopened = int(reopened.Load())
	report.Errors += int(errs.Load())
	reconcileAwaitingDisputes.Set(float64(still.Load()))
	return nil
}
