package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
	"github.com/PlayraLive/h-ai-sub005/internal/chain"
	"github.com/PlayraLive/h-ai-sub005/internal/escrow"
	"github.com/PlayraLive/h-ai-sub005/internal/money"
	"github.com/PlayraLive/h-ai-sub005/internal/retry"
)

type testEnv struct {
	escrow *escrow.Service
	chain  *chain.MemoryAdapter
	store  *MemoryStore
	engine *Engine
}

func testConfig() Config {
	return Config{
		ChainTimeout:     200 * time.Millisecond,
		ConfirmWindow:    40 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		Retry:            retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		BreakerThreshold: 10,
		BreakerCooldown:  time.Minute,
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		escrow: escrow.NewService(escrow.NewMemoryStore()),
		chain:  chain.NewMemoryAdapter(),
		store:  NewMemoryStore(),
	}
	env.engine = NewEngine(env.store, env.escrow, env.chain, cfg)
	return env
}

// disputed creates a funded record (amount 1000, fee 100) locked for dispute.
func (env *testEnv) disputed(t *testing.T, contractID string) {
	t.Helper()
	env.funded(t, contractID)
	_, err := env.escrow.LockForDispute(context.Background(), contractID)
	require.NoError(t, err)
}

func (env *testEnv) funded(t *testing.T, contractID string) {
	t.Helper()
	ctx := context.Background()
	_, err := env.escrow.CreateRecord(ctx, escrow.CreateRequest{
		ContractID:        contractID,
		JobID:             "job-1",
		ClientAddress:     "0xaaaa000000000000000000000000000000000001",
		FreelancerAddress: "0xbbbb000000000000000000000000000000000002",
		Token:             "USDC",
		Amount:            "1000",
		PlatformFee:       "100",
		MilestoneCount:    2,
	})
	require.NoError(t, err)
	_, err = env.escrow.RecordFunded(ctx, contractID, "0xfund")
	require.NoError(t, err)
}

func disputeRequest(contractID, disputeID string, client, freelancer string) Request {
	split := money.Split{Client: money.MustParse(client), Freelancer: money.MustParse(freelancer)}
	return Request{
		Key:        DisputeKey(disputeID, OutcomeSplit, split),
		ContractID: contractID,
		DisputeID:  disputeID,
		Kind:       KindDispute,
		Outcome:    OutcomeSplit,
		Split:      split,
	}
}

func TestSettle_Confirmed(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	ctx := context.Background()

	result, err := env.engine.Settle(ctx, disputeRequest("c-1", "d-1", "540", "360"))
	require.NoError(t, err)
	assert.Equal(t, ResultSettled, result.Status)
	assert.Equal(t, StatusConfirmed, result.Settlement.Status)
	assert.NotEmpty(t, result.Settlement.TxHash)
	assert.NotNil(t, result.Settlement.ConfirmedAt)

	record, err := env.escrow.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, record.Status)
	assert.Equal(t, result.Settlement.TxHash, record.ReleaseTxHash)

	dist, ok := env.chain.Distribution("c-1")
	require.True(t, ok)
	assert.Equal(t, "540.000000", money.Format(dist.ClientAmount))
	assert.Equal(t, "360.000000", money.Format(dist.FreelancerAmount))
}

func TestSettle_SameKeyIsIdempotent(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	ctx := context.Background()
	req := disputeRequest("c-1", "d-1", "540", "360")

	first, err := env.engine.Settle(ctx, req)
	require.NoError(t, err)
	second, err := env.engine.Settle(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, ResultSettled, second.Status)
	assert.Equal(t, first.Settlement.TxHash, second.Settlement.TxHash)
	assert.Equal(t, 1, env.chain.Calls(chain.OpDistribute))
}

func TestSettle_OtherKeyAfterConfirmed(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	ctx := context.Background()

	_, err := env.engine.Settle(ctx, disputeRequest("c-1", "d-1", "540", "360"))
	require.NoError(t, err)

	_, err = env.engine.Settle(ctx, disputeRequest("c-1", "d-1", "900", "0"))
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict)
	assert.Equal(t, 1, env.chain.Calls(chain.OpDistribute))
}

func TestSettle_UnbalancedWritesNothing(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	ctx := context.Background()

	req := disputeRequest("c-1", "d-1", "500", "399.999999")
	_, err := env.engine.Settle(ctx, req)
	assert.ErrorIs(t, err, ErrUnbalancedSplit)
	assert.Equal(t, 0, env.chain.Calls(chain.OpDistribute))

	_, err = env.store.Get(ctx, req.Key)
	assert.ErrorIs(t, err, ErrSettlementNotFound)
}

func TestSettle_RequiresDisputedRecord(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.funded(t, "c-1")

	_, err := env.engine.Settle(context.Background(), disputeRequest("c-1", "d-1", "540", "360"))
	assert.ErrorIs(t, err, ErrNotSettleable)
}

func TestSettle_RetryableFailureExhausted(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.chain.FailNext(chain.OpDistribute, chain.Timeout(chain.OpDistribute, context.DeadlineExceeded))
	}

	req := disputeRequest("c-1", "d-1", "540", "360")
	_, err := env.engine.Settle(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrChainAdapter)
	assert.ErrorIs(t, err, chain.ErrTimeout)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 3, env.chain.Calls(chain.OpDistribute))

	s, err := env.store.Get(ctx, req.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 3, s.Attempts)

	record, _ := env.escrow.Get(ctx, "c-1")
	assert.Equal(t, escrow.StatusDisputed, record.Status)

	// A later retry with the same key goes through.
	result, err := env.engine.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ResultSettled, result.Status)
	assert.Equal(t, 4, result.Settlement.Attempts)
}

func TestSettle_TransientFailureRecovers(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	env.chain.FailNext(chain.OpDistribute, chain.Unknown(chain.OpDistribute, errors.New("connection reset")))

	result, err := env.engine.Settle(context.Background(), disputeRequest("c-1", "d-1", "540", "360"))
	require.NoError(t, err)
	assert.Equal(t, ResultSettled, result.Status)
	assert.Equal(t, 2, env.chain.Calls(chain.OpDistribute))
}

func TestSettle_RejectionIsNotRetried(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	env.chain.FailNext(chain.OpDistribute, chain.Rejected(chain.OpDistribute, errors.New("execution reverted")))

	_, err := env.engine.Settle(context.Background(), disputeRequest("c-1", "d-1", "540", "360"))
	assert.ErrorIs(t, err, chain.ErrRejected)
	assert.Equal(t, "chain_rejected", apperrors.Code(err))
	assert.Equal(t, 1, env.chain.Calls(chain.OpDistribute))
}

func TestSettle_ChainTimeoutBoundsEachCall(t *testing.T) {
	cfg := testConfig()
	cfg.ChainTimeout = 10 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.disputed(t, "c-1")
	env.chain.SetLatency(time.Second)

	start := time.Now()
	_, err := env.engine.Settle(context.Background(), disputeRequest("c-1", "d-1", "540", "360"))
	assert.ErrorIs(t, err, chain.ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSettle_PendingConfirmationThenReconciled(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	env.chain.SetReceiptStatus(chain.ReceiptPending)
	ctx := context.Background()

	req := disputeRequest("c-1", "d-1", "540", "360")
	result, err := env.engine.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ResultPendingConfirmation, result.Status)
	assert.Equal(t, StatusPendingConfirmation, result.Settlement.Status)

	record, _ := env.escrow.Get(ctx, "c-1")
	assert.Equal(t, escrow.StatusDisputed, record.Status, "record stays disputed while pending")

	_, err = env.engine.Settle(ctx, disputeRequest("c-1", "d-1", "900", "0"))
	assert.ErrorIs(t, err, ErrSettlementInFlight)

	pending, err := env.engine.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	result, err = env.engine.CheckPending(ctx, req.Key)
	require.NoError(t, err)
	assert.Equal(t, ResultPendingConfirmation, result.Status)

	env.chain.SetReceipt(result.Settlement.TxHash, chain.ReceiptConfirmed)
	result, err = env.engine.CheckPending(ctx, req.Key)
	require.NoError(t, err)
	assert.Equal(t, ResultSettled, result.Status)

	record, _ = env.escrow.Get(ctx, "c-1")
	assert.Equal(t, escrow.StatusReleased, record.Status)
	assert.Equal(t, 1, env.chain.Calls(chain.OpDistribute))
}

func TestConfirm_WaitsForReceipt(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	env.chain.SetReceiptStatus(chain.ReceiptPending)
	ctx := context.Background()

	req := disputeRequest("c-1", "d-1", "540", "360")
	result, err := env.engine.Settle(ctx, req)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		env.chain.SetReceipt(result.Settlement.TxHash, chain.ReceiptConfirmed)
	}()

	result, err = env.engine.Confirm(ctx, req.Key)
	require.NoError(t, err)
	assert.Equal(t, ResultSettled, result.Status)
}

func TestSettle_FailedReceipt(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	env.chain.SetReceiptStatus(chain.ReceiptFailed)
	ctx := context.Background()

	req := disputeRequest("c-1", "d-1", "540", "360")
	_, err := env.engine.Settle(ctx, req)
	assert.ErrorIs(t, err, ErrTransactionFailed)

	s, _ := env.store.Get(ctx, req.Key)
	assert.Equal(t, StatusFailed, s.Status)
	record, _ := env.escrow.Get(ctx, "c-1")
	assert.Equal(t, escrow.StatusDisputed, record.Status)

	_, err = env.engine.CheckPending(ctx, req.Key)
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestSettle_AmbiguousSendAwaitsReceipt(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	env.chain.FailNext(chain.OpDistribute, &chain.Error{
		Kind:   chain.KindUnknown,
		Op:     chain.OpDistribute,
		TxHash: "0xsent",
		Err:    errors.New("connection closed after send"),
	})
	env.chain.SetReceipt("0xsent", chain.ReceiptConfirmed)

	result, err := env.engine.Settle(context.Background(), disputeRequest("c-1", "d-1", "540", "360"))
	require.NoError(t, err)
	assert.Equal(t, ResultSettled, result.Status)
	assert.Equal(t, "0xsent", result.Settlement.TxHash)
	assert.Equal(t, 1, env.chain.Calls(chain.OpDistribute), "an ambiguous send must not be retried")
}

func TestSettle_BreakerOpens(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 2
	cfg.Retry.MaxAttempts = 1
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	env.disputed(t, "c-1")

	for i := 0; i < 2; i++ {
		env.chain.FailNext(chain.OpDistribute, chain.Unknown(chain.OpDistribute, errors.New("node down")))
		_, err := env.engine.Settle(ctx, disputeRequest("c-1", "d-1", "540", "360"))
		require.ErrorIs(t, err, chain.ErrUnknown)
	}

	_, err := env.engine.Settle(ctx, disputeRequest("c-1", "d-1", "540", "360"))
	assert.ErrorIs(t, err, ErrChainUnavailable)
	assert.Equal(t, 2, env.chain.Calls(chain.OpDistribute))
}

func TestSettleCompletion(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.funded(t, "c-1")
	ctx := context.Background()

	_, err := env.engine.SettleCompletion(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotSettleable)

	for i := 0; i < 2; i++ {
		_, err := env.escrow.RecordMilestoneCompletion(ctx, "c-1", i)
		require.NoError(t, err)
	}

	result, err := env.engine.SettleCompletion(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSettled, result.Status)
	assert.Equal(t, KindCompletion, result.Settlement.Kind)
	assert.Equal(t, "0.000000", result.Settlement.ClientAmount)
	assert.Equal(t, "900.000000", result.Settlement.FreelancerAmount)
	assert.Equal(t, CompletionKey("c-1"), result.Settlement.Key)

	again, err := env.engine.SettleCompletion(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSettled, again.Status)
	assert.Equal(t, 1, env.chain.Calls(chain.OpDistribute))
}

func TestSettleCompletion_BlockedByDispute(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.funded(t, "c-1")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := env.escrow.RecordMilestoneCompletion(ctx, "c-1", i)
		require.NoError(t, err)
	}
	_, err := env.escrow.LockForDispute(ctx, "c-1")
	require.NoError(t, err)

	_, err = env.engine.SettleCompletion(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotSettleable)
	assert.Equal(t, 0, env.chain.Calls(chain.OpDistribute))
}

func TestSettle_ConcurrentSameKey(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	req := disputeRequest("c-1", "d-1", "540", "360")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.Settle(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, env.chain.Calls(chain.OpDistribute))
}

func TestSettle_ConcurrentDifferentKeys(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := fmt.Sprintf("%d", 100*i)
			freelancer := fmt.Sprintf("%d", 900-100*i)
			_, err := env.engine.Settle(context.Background(), disputeRequest("c-1", "d-1", client, freelancer))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrStateConflict)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, env.chain.Calls(chain.OpDistribute))
}

func TestExpireStale(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	env.disputed(t, "c-2")
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	require.NoError(t, env.store.Create(ctx, &Settlement{
		Key: "k-1", ContractID: "c-1", Kind: KindDispute, Resolution: OutcomeClientWins,
		ClientAmount: "900.000000", FreelancerAmount: "0.000000",
		Status: StatusSubmitting, CreatedAt: old, UpdatedAt: old,
	}))
	require.NoError(t, env.store.Create(ctx, &Settlement{
		Key: "k-2", ContractID: "c-2", Kind: KindDispute, Resolution: OutcomeClientWins,
		ClientAmount: "900.000000", FreelancerAmount: "0.000000",
		Status: StatusSubmitting, TxHash: "0xknown", CreatedAt: old, UpdatedAt: old,
	}))

	moved, err := env.engine.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	s1, _ := env.store.Get(ctx, "k-1")
	assert.Equal(t, StatusFailed, s1.Status)
	s2, _ := env.store.Get(ctx, "k-2")
	assert.Equal(t, StatusPendingConfirmation, s2.Status)
}

func TestExpireStale_LeavesDistributedForOperator(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	_, err := env.chain.DistributeFunds(ctx, "c-1", money.MustParse("900"), money.MustParse("0"))
	require.NoError(t, err)
	require.NoError(t, env.store.Create(ctx, &Settlement{
		Key: "k-1", ContractID: "c-1", Kind: KindDispute, Resolution: OutcomeClientWins,
		ClientAmount: "900.000000", FreelancerAmount: "0.000000",
		Status: StatusSubmitting, CreatedAt: old, UpdatedAt: old,
	}))

	moved, err := env.engine.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	s, _ := env.store.Get(ctx, "k-1")
	assert.Equal(t, StatusSubmitting, s.Status)
}

func TestMemoryStore_SingleLivePerContract(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Settlement{Key: "a", ContractID: "c-1", Status: StatusPendingConfirmation}))
	assert.ErrorIs(t, store.Create(ctx, &Settlement{Key: "b", ContractID: "c-1", Status: StatusSubmitting}), ErrSettlementInFlight)
	assert.ErrorIs(t, store.Create(ctx, &Settlement{Key: "a", ContractID: "c-2", Status: StatusFailed}), ErrDuplicateKey)

	require.NoError(t, store.Create(ctx, &Settlement{Key: "c", ContractID: "c-1", Status: StatusFailed}))
	assert.ErrorIs(t, store.Update(ctx, &Settlement{Key: "c", ContractID: "c-1", Status: StatusSubmitting}), ErrSettlementInFlight)
}

func (env *testEnv) completed(t *testing.T, contractID string) {
	t.Helper()
	env.funded(t, contractID)
	for i := 0; i < 2; i++ {
		_, err := env.escrow.RecordMilestoneCompletion(context.Background(), contractID, i)
		require.NoError(t, err)
	}
}

func TestFreezeForDispute_RefusedWhilePayoutLive(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.completed(t, "c-1")
	env.chain.SetReceiptStatus(chain.ReceiptPending)
	ctx := context.Background()

	result, err := env.engine.SettleCompletion(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, ResultPendingConfirmation, result.Status)

	_, err = env.engine.FreezeForDispute(ctx, "c-1")
	assert.ErrorIs(t, err, ErrSettlementInFlight)
	record, _ := env.escrow.Get(ctx, "c-1")
	assert.Equal(t, escrow.StatusInProgress, record.Status)

	env.chain.SetReceipt(result.Settlement.TxHash, chain.ReceiptConfirmed)
	_, err = env.engine.CheckPending(ctx, result.Settlement.Key)
	require.NoError(t, err)

	_, err = env.engine.FreezeForDispute(ctx, "c-1")
	assert.ErrorIs(t, err, ErrAlreadySettled)
	record, _ = env.escrow.Get(ctx, "c-1")
	assert.Equal(t, escrow.StatusReleased, record.Status)
}

func TestFreezeForDispute_AfterFailedPayout(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.completed(t, "c-1")
	env.chain.FailNext(chain.OpDistribute, chain.Rejected(chain.OpDistribute, errors.New("execution reverted")))
	ctx := context.Background()

	_, err := env.engine.SettleCompletion(ctx, "c-1")
	require.ErrorIs(t, err, apperrors.ErrChainAdapter)

	record, err := env.engine.FreezeForDispute(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, record.Status)

	_, err = env.engine.SettleCompletion(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotSettleable)
	assert.Equal(t, 1, env.chain.Calls(chain.OpDistribute))
}

func pendingRow(key, contractID, txHash string, at time.Time) *Settlement {
	return &Settlement{
		Key: key, ContractID: contractID, Kind: KindDispute, Resolution: OutcomeClientWins,
		ClientAmount: "900.000000", FreelancerAmount: "0.000000",
		Status: StatusPendingConfirmation, TxHash: txHash, CreatedAt: at, UpdatedAt: at,
	}
}

func TestExpireStale_UnminedTransactionFails(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	env.disputed(t, "c-2")
	ctx := context.Background()

	require.NoError(t, env.store.Create(ctx, pendingRow("k-1", "c-1", "0xlost", time.Now().Add(-48*time.Hour))))
	require.NoError(t, env.store.Create(ctx, pendingRow("k-2", "c-2", "0xrecent", time.Now())))

	moved, err := env.engine.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	s1, _ := env.store.Get(ctx, "k-1")
	assert.Equal(t, StatusFailed, s1.Status)
	assert.Contains(t, s1.LastError, "never mined")
	s2, _ := env.store.Get(ctx, "k-2")
	assert.Equal(t, StatusPendingConfirmation, s2.Status)

	record, _ := env.escrow.Get(ctx, "c-1")
	assert.Equal(t, escrow.StatusDisputed, record.Status)

	_, err = env.engine.CheckPending(ctx, "k-1")
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestExpireStale_OldPendingConfirmedIsFinalized(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	ctx := context.Background()

	require.NoError(t, env.store.Create(ctx, pendingRow("k-1", "c-1", "0xmined", time.Now().Add(-48*time.Hour))))
	env.chain.SetReceipt("0xmined", chain.ReceiptConfirmed)

	moved, err := env.engine.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	s, _ := env.store.Get(ctx, "k-1")
	assert.Equal(t, StatusConfirmed, s.Status)
	record, _ := env.escrow.Get(ctx, "c-1")
	assert.Equal(t, escrow.StatusReleased, record.Status)
	assert.Equal(t, "0xmined", record.ReleaseTxHash)
}

func TestExpireStale_PendingOnDistributedContractLeftForOperator(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.disputed(t, "c-1")
	ctx := context.Background()

	_, err := env.chain.DistributeFunds(ctx, "c-1", money.MustParse("900"), money.MustParse("0"))
	require.NoError(t, err)
	require.NoError(t, env.store.Create(ctx, pendingRow("k-1", "c-1", "0xunknown", time.Now().Add(-48*time.Hour))))

	moved, err := env.engine.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	s, _ := env.store.Get(ctx, "k-1")
	assert.Equal(t, StatusPendingConfirmation, s.Status)
}
