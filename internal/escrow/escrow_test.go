package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
	"github.com/PlayraLive/h-ai-sub005/internal/chain"
	"github.com/PlayraLive/h-ai-sub005/internal/money"
)

const (
	clientAddr     = "0xaaaa000000000000000000000000000000000001"
	freelancerAddr = "0xbbbb000000000000000000000000000000000002"
)

func validRequest(contractID string) CreateRequest {
	return CreateRequest{
		ContractID:        contractID,
		JobID:             "job-1",
		ClientAddress:     clientAddr,
		FreelancerAddress: freelancerAddr,
		Token:             "USDC",
		Amount:            "1000",
		PlatformFee:       "100",
		MilestoneCount:    3,
	}
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType, contractID string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType+":"+contractID)
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store), store
}

func createFunded(t *testing.T, svc *Service, contractID string) *Record {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.CreateRecord(ctx, validRequest(contractID)); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	r, err := svc.RecordFunded(ctx, contractID, "0xfund")
	if err != nil {
		t.Fatalf("RecordFunded: %v", err)
	}
	return r
}

func TestCreateRecord(t *testing.T) {
	svc, _ := newTestService()

	r, err := svc.CreateRecord(context.Background(), validRequest("c-1"))
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if r.Status != StatusCreated {
		t.Errorf("status = %s, want created", r.Status)
	}
	if r.Amount != "1000.000000" || r.PlatformFee != "100.000000" {
		t.Errorf("amounts not normalized: %s / %s", r.Amount, r.PlatformFee)
	}
	if len(r.Events) != 1 || r.Events[0].Type != EventCreated || r.Events[0].Seq != 1 {
		t.Errorf("events = %+v, want single created event", r.Events)
	}
	if got := money.Format(r.Distributable()); got != "900.000000" {
		t.Errorf("Distributable = %s, want 900.000000", got)
	}
}

func TestCreateRecord_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"zero amount", func(r *CreateRequest) { r.Amount = "0" }},
		{"negative amount", func(r *CreateRequest) { r.Amount = "-5" }},
		{"bad client address", func(r *CreateRequest) { r.ClientAddress = "0x123" }},
		{"bad freelancer address", func(r *CreateRequest) { r.FreelancerAddress = "not-an-address" }},
		{"no milestones", func(r *CreateRequest) { r.MilestoneCount = 0 }},
		{"too many milestones", func(r *CreateRequest) { r.MilestoneCount = MaxMilestones + 1 }},
		{"lowercase token", func(r *CreateRequest) { r.Token = "usdc" }},
		{"long token", func(r *CreateRequest) { r.Token = "ABCDEFGHIJKL" }},
		{"empty job", func(r *CreateRequest) { r.JobID = "" }},
		{"empty contract", func(r *CreateRequest) { r.ContractID = "" }},
		{"fee equals amount", func(r *CreateRequest) { r.PlatformFee = "1000" }},
		{"fee above amount", func(r *CreateRequest) { r.PlatformFee = "1500" }},
		{"negative fee", func(r *CreateRequest) { r.PlatformFee = "-1" }},
		{"same parties", func(r *CreateRequest) { r.FreelancerAddress = "0xAAAA000000000000000000000000000000000001" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService()
			req := validRequest("c-1")
			tt.mutate(&req)

			_, err := svc.CreateRecord(context.Background(), req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, err := store.Get(context.Background(), "c-1"); !errors.Is(err, ErrRecordNotFound) {
				t.Error("invalid request must not be stored")
			}
		})
	}
}

func TestCreateRecord_ZeroFeeDefault(t *testing.T) {
	svc, _ := newTestService()
	req := validRequest("c-1")
	req.PlatformFee = ""

	r, err := svc.CreateRecord(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if r.PlatformFee != "0.000000" {
		t.Errorf("PlatformFee = %s, want 0.000000", r.PlatformFee)
	}
}

func TestCreateRecord_Duplicate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateRecord(ctx, validRequest("c-1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.CreateRecord(ctx, validRequest("c-1"))
	if !errors.Is(err, ErrDuplicateContract) || !errors.Is(err, apperrors.ErrStateConflict) {
		t.Errorf("expected ErrDuplicateContract, got %v", err)
	}
}

func TestRecordFunded_Idempotent(t *testing.T) {
	svc, _ := newTestService()
	createFunded(t, svc, "c-1")

	r, err := svc.RecordFunded(context.Background(), "c-1", "0xother")
	if err != nil {
		t.Fatalf("second RecordFunded: %v", err)
	}
	if r.Status != StatusFunded || len(r.Events) != 2 {
		t.Errorf("expected unchanged funded record, got status=%s events=%d", r.Status, len(r.Events))
	}
}

func TestRecordMilestoneCompletion(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	createFunded(t, svc, "c-1")

	r, err := svc.RecordMilestoneCompletion(ctx, "c-1", 1)
	if err != nil {
		t.Fatalf("RecordMilestoneCompletion: %v", err)
	}
	if r.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", r.Status)
	}
	if r.CompletedMilestones != 1 || !r.MilestoneCompleted(1) {
		t.Errorf("completed = %d %v", r.CompletedMilestones, r.CompletedIndexes)
	}
	last := r.Events[len(r.Events)-1]
	if last.Type != EventMilestoneCompleted || last.Data["index"] != "1" {
		t.Errorf("last event = %+v", last)
	}

	_, err = svc.RecordMilestoneCompletion(ctx, "c-1", 1)
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}

	for _, idx := range []int{-1, 3, 99} {
		_, err = svc.RecordMilestoneCompletion(ctx, "c-1", idx)
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("index %d: expected validation error, got %v", idx, err)
		}
	}
}

func TestRecordMilestoneCompletion_StateConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("not funded", func(t *testing.T) {
		svc, _ := newTestService()
		if _, err := svc.CreateRecord(ctx, validRequest("c-1")); err != nil {
			t.Fatal(err)
		}
		_, err := svc.RecordMilestoneCompletion(ctx, "c-1", 0)
		if !errors.Is(err, ErrNotFunded) {
			t.Errorf("expected ErrNotFunded, got %v", err)
		}
	})

	t.Run("frozen by dispute", func(t *testing.T) {
		svc, _ := newTestService()
		createFunded(t, svc, "c-1")
		if _, err := svc.LockForDispute(ctx, "c-1"); err != nil {
			t.Fatal(err)
		}
		_, err := svc.RecordMilestoneCompletion(ctx, "c-1", 0)
		if !errors.Is(err, ErrRecordFrozen) {
			t.Errorf("expected ErrRecordFrozen, got %v", err)
		}
	})

	t.Run("released", func(t *testing.T) {
		svc, _ := newTestService()
		createFunded(t, svc, "c-1")
		split := money.Split{Client: big.NewInt(0), Freelancer: money.MustParse("900")}
		if _, err := svc.ReleaseFunds(ctx, "c-1", split, "0xtx"); err != nil {
			t.Fatal(err)
		}
		_, err := svc.RecordMilestoneCompletion(ctx, "c-1", 0)
		if !errors.Is(err, ErrAlreadyReleased) {
			t.Errorf("expected ErrAlreadyReleased, got %v", err)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		svc, _ := newTestService()
		_, err := svc.RecordMilestoneCompletion(ctx, "nope", 0)
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestLockAndUnlockForDispute(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	createFunded(t, svc, "c-1")
	if _, err := svc.RecordMilestoneCompletion(ctx, "c-1", 0); err != nil {
		t.Fatal(err)
	}

	r, err := svc.LockForDispute(ctx, "c-1")
	if err != nil {
		t.Fatalf("LockForDispute: %v", err)
	}
	if r.Status != StatusDisputed || r.PreDisputeStatus != StatusInProgress {
		t.Errorf("status=%s pre=%s", r.Status, r.PreDisputeStatus)
	}
	events := len(r.Events)

	r, err = svc.LockForDispute(ctx, "c-1")
	if err != nil {
		t.Fatalf("second LockForDispute: %v", err)
	}
	if len(r.Events) != events {
		t.Error("locking an already disputed record must not append events")
	}

	r, err = svc.UnlockFromDispute(ctx, "c-1")
	if err != nil {
		t.Fatalf("UnlockFromDispute: %v", err)
	}
	if r.Status != StatusInProgress || r.PreDisputeStatus != "" {
		t.Errorf("after unlock status=%s pre=%s", r.Status, r.PreDisputeStatus)
	}
	if r.Events[len(r.Events)-1].Type != EventDisputeUnlocked {
		t.Errorf("last event = %s", r.Events[len(r.Events)-1].Type)
	}

	r, err = svc.UnlockFromDispute(ctx, "c-1")
	if err != nil || len(r.Events) != events+1 {
		t.Errorf("unlocking a non-disputed record must be a no-op: err=%v events=%d", err, len(r.Events))
	}
}

func TestLockForDispute_Rejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.CreateRecord(ctx, validRequest("c-1")); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.LockForDispute(ctx, "c-1"); !errors.Is(err, ErrNotFunded) {
		t.Errorf("expected ErrNotFunded, got %v", err)
	}

	createFunded(t, svc, "c-2")
	split := money.Split{Client: money.MustParse("900"), Freelancer: big.NewInt(0)}
	if _, err := svc.ReleaseFunds(ctx, "c-2", split, "0xtx"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.LockForDispute(ctx, "c-2"); !errors.Is(err, ErrAlreadyReleased) {
		t.Errorf("expected ErrAlreadyReleased, got %v", err)
	}
}

func TestReleaseFunds_UnbalancedWritesNothing(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	before := createFunded(t, svc, "c-1")

	split := money.Split{Client: money.MustParse("500"), Freelancer: money.MustParse("399.999999")}
	_, err := svc.ReleaseFunds(ctx, "c-1", split, "0xtx")
	if !errors.Is(err, ErrUnbalancedSplit) || !errors.Is(err, apperrors.ErrInvariant) {
		t.Fatalf("expected ErrUnbalancedSplit, got %v", err)
	}

	after, _ := store.Get(ctx, "c-1")
	if after.Version != before.Version || len(after.Events) != len(before.Events) || after.Status != StatusFunded {
		t.Error("unbalanced release must not write")
	}
}

func TestReleaseFunds_Idempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	createFunded(t, svc, "c-1")
	if _, err := svc.LockForDispute(ctx, "c-1"); err != nil {
		t.Fatal(err)
	}

	split := money.Split{Client: money.MustParse("540"), Freelancer: money.MustParse("360")}
	r, err := svc.ReleaseFunds(ctx, "c-1", split, "0xabc")
	if err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}
	if r.Status != StatusReleased || r.ReleaseTxHash != "0xabc" || r.ReleasedAt == nil {
		t.Errorf("release not recorded: %+v", r)
	}
	last := r.Events[len(r.Events)-1]
	if last.Type != EventReleased || last.Data["clientAmount"] != "540.000000" || last.Data["freelancerAmount"] != "360.000000" {
		t.Errorf("released event = %+v", last)
	}

	again, err := svc.ReleaseFunds(ctx, "c-1", money.Split{Client: money.MustParse("900"), Freelancer: big.NewInt(0)}, "0xdef")
	if err != nil {
		t.Fatalf("second ReleaseFunds: %v", err)
	}
	if again.ReleaseTxHash != "0xabc" || len(again.Events) != len(r.Events) || again.Version != r.Version {
		t.Error("second release must return the stored record unchanged")
	}
}

func TestReleaseFunds_RequiresTxHash(t *testing.T) {
	svc, _ := newTestService()
	createFunded(t, svc, "c-1")

	split := money.Split{Client: big.NewInt(0), Freelancer: money.MustParse("900")}
	_, err := svc.ReleaseFunds(context.Background(), "c-1", split, "")
	if !errors.Is(err, ErrMissingTxHash) {
		t.Errorf("expected ErrMissingTxHash, got %v", err)
	}
}

func TestEventLog_SequenceContiguous(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	createFunded(t, svc, "c-1")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _ = svc.RecordMilestoneCompletion(ctx, "c-1", idx)
		}(i)
	}
	wg.Wait()

	r, err := svc.Get(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.CompletedMilestones != 3 || !r.AllMilestonesCompleted() {
		t.Errorf("completed = %d, want 3", r.CompletedMilestones)
	}
	for i, e := range r.Events {
		if e.Seq != i+1 {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
	if len(r.Events) != 5 {
		t.Errorf("events = %d, want 5 (created, funded, 3 milestones)", len(r.Events))
	}
}

func TestConcurrentDuplicateMilestone_OnlyOneWins(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	createFunded(t, svc, "c-1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RecordMilestoneCompletion(ctx, "c-1", 0); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
}

func TestFund_WithChain(t *testing.T) {
	adapter := chain.NewMemoryAdapter()
	adapter.Register("c-1")
	svc, _ := newTestService()
	svc.WithChain(adapter)
	ctx := context.Background()

	if _, err := svc.CreateRecord(ctx, validRequest("c-1")); err != nil {
		t.Fatal(err)
	}

	adapter.FailNext(chain.OpFund, chain.Timeout(chain.OpFund, context.DeadlineExceeded))
	_, err := svc.Fund(ctx, "c-1")
	if !errors.Is(err, apperrors.ErrChainAdapter) || !errors.Is(err, chain.ErrTimeout) {
		t.Fatalf("expected chain timeout, got %v", err)
	}
	r, _ := svc.Get(ctx, "c-1")
	if r.Status != StatusCreated {
		t.Fatalf("failed chain call must not write, status = %s", r.Status)
	}

	r, err = svc.Fund(ctx, "c-1")
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if r.Status != StatusFunded || r.Events[len(r.Events)-1].TxHash == "" {
		t.Errorf("fund not mirrored with tx hash: %+v", r.Events)
	}

	r, err = svc.CompleteMilestone(ctx, "c-1", 2)
	if err != nil {
		t.Fatalf("CompleteMilestone: %v", err)
	}
	if r.Status != StatusInProgress || r.Events[len(r.Events)-1].TxHash == "" {
		t.Errorf("milestone not mirrored: %+v", r)
	}
	if adapter.Calls(chain.OpFund) != 2 || adapter.Calls(chain.OpMilestone) != 1 {
		t.Errorf("chain calls fund=%d milestone=%d", adapter.Calls(chain.OpFund), adapter.Calls(chain.OpMilestone))
	}

	// Validation happens before the chain is touched.
	if _, err := svc.CompleteMilestone(ctx, "c-1", 2); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
	if adapter.Calls(chain.OpMilestone) != 1 {
		t.Error("duplicate milestone must not reach the chain")
	}
}

func TestEventPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTestService()
	svc.WithEventPublisher(pub)

	createFunded(t, svc, "c-1")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	want := []string{"escrow.created:c-1", "escrow.funded:c-1"}
	if fmt.Sprint(pub.events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", pub.events, want)
	}
}

// conflictingStore fails the first n updates with a version conflict.
type conflictingStore struct {
	*MemoryStore
	mu        sync.Mutex
	remaining int
}

func (s *conflictingStore) Update(ctx context.Context, r *Record, events ...Event) error {
	s.mu.Lock()
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return ErrVersionConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, r, events...)
}

func TestMutate_RetriesVersionConflict(t *testing.T) {
	ctx := context.Background()

	store := &conflictingStore{MemoryStore: NewMemoryStore(), remaining: 2}
	svc := NewService(store)
	if _, err := svc.CreateRecord(ctx, validRequest("c-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordFunded(ctx, "c-1", ""); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	store.remaining = maxCASRetries + 1
	if _, err := svc.LockForDispute(ctx, "c-1"); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict after retries, got %v", err)
	}
}

func TestMemoryStore_VersionCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	svc := NewService(store)
	createFunded(t, svc, "c-1")

	a, _ := store.Get(ctx, "c-1")
	b, _ := store.Get(ctx, "c-1")

	a.Status = StatusDisputed
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != b.Version+1 {
		t.Errorf("version = %d, want %d", a.Version, b.Version+1)
	}

	b.Status = StatusReleased
	if err := store.Update(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update: expected ErrVersionConflict, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	svc := NewService(store)
	createFunded(t, svc, "c-1")

	r, _ := store.Get(ctx, "c-1")
	r.Events[0].Data["amount"] = "tampered"
	r.CompletedIndexes = append(r.CompletedIndexes, 7)

	fresh, _ := store.Get(ctx, "c-1")
	if fresh.Events[0].Data["amount"] == "tampered" || len(fresh.CompletedIndexes) != 0 {
		t.Error("store must not share memory with callers")
	}
}

func TestListByJobAndStatus(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	createFunded(t, svc, "c-1")
	createFunded(t, svc, "c-2")
	other := validRequest("c-3")
	other.JobID = "job-2"
	if _, err := svc.CreateRecord(ctx, other); err != nil {
		t.Fatal(err)
	}

	byJob, err := svc.ListByJob(ctx, "job-1", 0)
	if err != nil || len(byJob) != 2 {
		t.Fatalf("ListByJob = %d records, err %v", len(byJob), err)
	}

	funded, err := svc.ListByStatus(ctx, StatusFunded, 1)
	if err != nil || len(funded) != 1 {
		t.Fatalf("ListByStatus limit 1 = %d records, err %v", len(funded), err)
	}

	if _, err := svc.ListByStatus(ctx, Status("bogus"), 10); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for unknown status, got %v", err)
	}
}
