package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAdapter_DistributeOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter()

	tx, err := m.DistributeFunds(ctx, "ctr_1", big.NewInt(540), big.NewInt(360))
	require.NoError(t, err)
	assert.Len(t, tx, 66)

	status, err := m.CheckReceipt(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, ReceiptConfirmed, status)

	_, err = m.DistributeFunds(ctx, "ctr_1", big.NewInt(900), big.NewInt(0))
	assert.ErrorIs(t, err, ErrRejected)

	d, ok := m.Distribution("ctr_1")
	require.True(t, ok)
	assert.Equal(t, int64(540), d.ClientAmount.Int64())
	assert.Equal(t, tx, d.TxHash)
}

func TestMemoryAdapter_ConcurrentDistributeOnlyOneWins(t *testing.T) {
	m := NewMemoryAdapter()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.DistributeFunds(context.Background(), "ctr_race", big.NewInt(1), big.NewInt(1)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 20, m.Calls(OpDistribute))
}

func TestMemoryAdapter_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter()
	m.FailNext(OpDistribute, Timeout(OpDistribute, errors.New("rpc timeout")))

	_, err := m.DistributeFunds(ctx, "ctr_1", big.NewInt(1), big.NewInt(1))
	assert.ErrorIs(t, err, ErrTimeout)
	_, ok := m.Distribution("ctr_1")
	assert.False(t, ok, "failed call must not distribute")

	_, err = m.DistributeFunds(ctx, "ctr_1", big.NewInt(1), big.NewInt(1))
	assert.NoError(t, err, "injected failure is consumed once")
}

func TestMemoryAdapter_PlainInjectedErrorIsUnknown(t *testing.T) {
	m := NewMemoryAdapter()
	m.FailNext(OpReceipt, errors.New("connection reset"))
	_, err := m.CheckReceipt(context.Background(), "0x01")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestMemoryAdapter_ReceiptScripting(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter()
	m.SetReceiptStatus(ReceiptPending)

	tx, err := m.DistributeFunds(ctx, "ctr_1", big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)

	status, _ := m.CheckReceipt(ctx, tx)
	assert.Equal(t, ReceiptPending, status)

	m.SetReceipt(tx, ReceiptConfirmed)
	status, _ = m.CheckReceipt(ctx, tx)
	assert.Equal(t, ReceiptConfirmed, status)

	status, _ = m.CheckReceipt(ctx, "0xunknown")
	assert.Equal(t, ReceiptPending, status)
}

func TestMemoryAdapter_LatencyHonoursDeadline(t *testing.T) {
	m := NewMemoryAdapter()
	m.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.DistributeFunds(ctx, "ctr_1", big.NewInt(1), big.NewInt(1))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMemoryAdapter_FundAndMilestones(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter()
	m.Register("ctr_1")

	st, err := m.GetContractStatus(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, "created", st.Status)

	_, err = m.CompleteMilestone(ctx, "ctr_1", 0)
	assert.ErrorIs(t, err, ErrRejected, "cannot complete before funding")

	_, err = m.FundContract(ctx, "ctr_1")
	require.NoError(t, err)
	_, err = m.FundContract(ctx, "ctr_1")
	assert.ErrorIs(t, err, ErrRejected)

	_, err = m.CompleteMilestone(ctx, "ctr_1", 0)
	require.NoError(t, err)
	_, err = m.CompleteMilestone(ctx, "ctr_1", 0)
	assert.ErrorIs(t, err, ErrRejected)

	st, _ = m.GetContractStatus(ctx, "ctr_1")
	assert.Equal(t, "in_progress", st.Status)
	assert.Equal(t, 1, st.CompletedMilestones)

	st, _ = m.GetContractStatus(ctx, "ctr_missing")
	assert.Equal(t, "none", st.Status)
}
