package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Operation names used for failure injection and error reporting.
const (
	OpStatus     = "status"
	OpFund       = "fund"
	OpMilestone  = "complete_milestone"
	OpDistribute = "distribute"
	OpReceipt    = "receipt"
)

// Distribution is one executed payout recorded by MemoryAdapter.
type Distribution struct {
	ContractID       string
	ClientAmount     *big.Int
	FreelancerAmount *big.Int
	TxHash           string
}

type memContract struct {
	status      string
	milestones  map[int]bool
	distributed *Distribution
}

// MemoryAdapter is an in-process ledger. Like the real escrow contract it
// pays out at most once per contract. Failures and receipt outcomes can be
// scripted for tests.
type MemoryAdapter struct {
	mu            sync.Mutex
	contracts     map[string]*memContract
	receipts      map[string]ReceiptStatus
	failures      map[string][]error
	receiptStatus ReceiptStatus
	latency       time.Duration
	seq           int
	calls         map[string]int
}

var _ Adapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter returns an adapter whose transactions confirm immediately.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		contracts:     make(map[string]*memContract),
		receipts:      make(map[string]ReceiptStatus),
		failures:      make(map[string][]error),
		receiptStatus: ReceiptConfirmed,
		calls:         make(map[string]int),
	}
}

// FailNext queues err to be returned by the next call to op.
func (m *MemoryAdapter) FailNext(op string, err error) {
	m.mu.Lock()
	m.failures[op] = append(m.failures[op], err)
	m.mu.Unlock()
}

// SetReceiptStatus sets the receipt status assigned to future transactions.
func (m *MemoryAdapter) SetReceiptStatus(s ReceiptStatus) {
	m.mu.Lock()
	m.receiptStatus = s
	m.mu.Unlock()
}

// SetReceipt overrides the receipt of an existing transaction.
func (m *MemoryAdapter) SetReceipt(txHash string, s ReceiptStatus) {
	m.mu.Lock()
	m.receipts[txHash] = s
	m.mu.Unlock()
}

// SetLatency delays every call by d (bounded by the caller's context).
func (m *MemoryAdapter) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (m *MemoryAdapter) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Distribution returns the payout executed for contractID, if any.
func (m *MemoryAdapter) Distribution(contractID string) (Distribution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok || c.distributed == nil {
		return Distribution{}, false
	}
	return *c.distributed, true
}

func (m *MemoryAdapter) GetContractStatus(ctx context.Context, contractID string) (*ContractState, error) {
	if err := m.enter(ctx, OpStatus); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return &ContractState{ContractID: contractID, Status: "none"}, nil
	}
	return &ContractState{ContractID: contractID, Status: c.status, CompletedMilestones: len(c.milestones)}, nil
}

func (m *MemoryAdapter) FundContract(ctx context.Context, contractID string) (string, error) {
	if err := m.enter(ctx, OpFund); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.contract(contractID)
	if c.status != "created" {
		return "", Rejected(OpFund, fmt.Errorf("contract %s is %s", contractID, c.status))
	}
	c.status = "funded"
	return m.newTx(contractID, OpFund), nil
}

func (m *MemoryAdapter) CompleteMilestone(ctx context.Context, contractID string, index int) (string, error) {
	if err := m.enter(ctx, OpMilestone); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.contract(contractID)
	switch {
	case c.status == "created" || c.status == "distributed":
		return "", Rejected(OpMilestone, fmt.Errorf("contract %s is %s", contractID, c.status))
	case c.milestones[index]:
		return "", Rejected(OpMilestone, fmt.Errorf("milestone %d already completed", index))
	}
	c.milestones[index] = true
	c.status = "in_progress"
	return m.newTx(contractID, OpMilestone+":"+strconv.Itoa(index)), nil
}

// DistributeFunds pays out once. A second distribution for the same
// contract is rejected, mirroring the on-chain contract.
func (m *MemoryAdapter) DistributeFunds(ctx context.Context, contractID string, clientAmount, freelancerAmount *big.Int) (string, error) {
	if err := m.enter(ctx, OpDistribute); err != nil {
		return "", err
	}
	if clientAmount.Sign() < 0 || freelancerAmount.Sign() < 0 {
		return "", Rejected(OpDistribute, errors.New("negative amount"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.contract(contractID)
	if c.distributed != nil {
		return "", Rejected(OpDistribute, fmt.Errorf("contract %s already distributed", contractID))
	}
	tx := m.newTx(contractID, OpDistribute)
	c.distributed = &Distribution{
		ContractID:       contractID,
		ClientAmount:     new(big.Int).Set(clientAmount),
		FreelancerAmount: new(big.Int).Set(freelancerAmount),
		TxHash:           tx,
	}
	c.status = "distributed"
	return tx, nil
}

func (m *MemoryAdapter) CheckReceipt(ctx context.Context, txHash string) (ReceiptStatus, error) {
	if err := m.enter(ctx, OpReceipt); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.receipts[txHash]
	if !ok {
		return ReceiptPending, nil
	}
	return s, nil
}

// Ping satisfies the health probe signature.
func (m *MemoryAdapter) Ping(ctx context.Context) error { return ctx.Err() }

// enter counts the call, applies latency and pops an injected failure.
func (m *MemoryAdapter) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	latency := m.latency
	var injected error
	if q := m.failures[op]; len(q) > 0 {
		injected = q[0]
		m.failures[op] = q[1:]
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return wrap(op, "", ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return wrap(op, "", err)
	}
	if injected != nil {
		return wrap(op, "", injected)
	}
	return nil
}

// Unknown contracts are treated as funded so tests and development runs
// can settle records that were never funded through this adapter.
// caller holds m.mu
func (m *MemoryAdapter) contract(id string) *memContract {
	c, ok := m.contracts[id]
	if !ok {
		c = &memContract{status: "funded", milestones: make(map[int]bool)}
		m.contracts[id] = c
	}
	return c
}

// Register records a contract in the created state so FundContract applies.
func (m *MemoryAdapter) Register(contractID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[contractID]; !ok {
		m.contracts[contractID] = &memContract{status: "created", milestones: make(map[int]bool)}
	}
}

// caller holds m.mu
func (m *MemoryAdapter) newTx(contractID, op string) string {
	m.seq++
	h := crypto.Keccak256Hash([]byte(contractID), []byte(op), []byte(strconv.Itoa(m.seq))).Hex()
	m.receipts[h] = m.receiptStatus
	return h
}
