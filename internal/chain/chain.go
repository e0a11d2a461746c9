// Package chain abstracts the external ledger that holds escrowed funds.
//
// The core never talks to a node directly; it goes through Adapter, which
// has an in-memory implementation for development and tests and a
// go-ethereum implementation for real deployments.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
)

// ReceiptStatus is the outcome of a submitted transaction.
type ReceiptStatus string

const (
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptFailed    ReceiptStatus = "failed"
)

// ContractState is the on-chain view of one escrow contract.
type ContractState struct {
	ContractID          string `json:"contractId"`
	Status              string `json:"status"` // none, created, funded, in_progress, distributed
	CompletedMilestones int    `json:"completedMilestones"`
}

// Adapter executes escrow operations on the ledger. Every method honours
// ctx for cancellation and deadlines, and returns *Error on failure.
type Adapter interface {
	GetContractStatus(ctx context.Context, contractID string) (*ContractState, error)
	FundContract(ctx context.Context, contractID string) (txHash string, err error)
	CompleteMilestone(ctx context.Context, contractID string, index int) (txHash string, err error)
	DistributeFunds(ctx context.Context, contractID string, clientAmount, freelancerAmount *big.Int) (txHash string, err error)
	CheckReceipt(ctx context.Context, txHash string) (ReceiptStatus, error)
}

// ErrorKind classifies chain failures.
type ErrorKind string

const (
	KindTimeout  ErrorKind = "timeout"
	KindRejected ErrorKind = "rejected_by_chain"
	KindUnknown  ErrorKind = "unknown"
)

// Sentinels for errors.Is matching on *Error kinds.
var (
	ErrTimeout  = errors.New("chain: timeout")
	ErrRejected = errors.New("chain: rejected by chain")
	ErrUnknown  = errors.New("chain: unknown failure")
)

// Error is returned by every Adapter method.
type Error struct {
	Kind   ErrorKind
	Op     string // fund, complete_milestone, distribute, status, receipt
	TxHash string // set when a transaction was built before the failure
	Err    error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s %s (tx: %s): %v", e.Op, e.Kind, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrUnknown:
		return e.Kind == KindUnknown
	}
	return false
}

// IsRetryable reports whether the failed call may be retried. A rejection
// is definitive; timeouts and unknown failures are not.
func IsRetryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind != KindRejected
}

// KindOf returns the kind of a chain error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// wrap classifies a raw failure from op.
func wrap(op, txHash string, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, TxHash: txHash, Err: err}
}

// Rejected builds a rejected-by-chain error (used by adapters and tests).
func Rejected(op string, err error) *Error {
	return &Error{Kind: KindRejected, Op: op, Err: err}
}

// Timeout builds a timeout error.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Unknown builds an unknown-failure error.
func Unknown(op string, err error) *Error {
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}

// AppError converts a chain failure into the shared chain-adapter error so
// HTTP callers see a 502 with a stable code. Non-chain errors pass through.
func AppError(err error) error {
	var ce *Error
	if err == nil || !errors.As(err, &ce) {
		return err
	}
	code := "chain_" + string(ce.Kind)
	if ce.Kind == KindRejected {
		code = "chain_rejected"
	}
	return apperrors.ChainAdapter(code, ce.Error()).WithCause(err)
}
