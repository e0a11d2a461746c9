//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/PlayraLive/h-ai-sub005/internal/money"
	"github.com/PlayraLive/h-ai-sub005/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	svc := NewService(store)
	ctx := context.Background()

	if _, err := svc.CreateRecord(ctx, validRequest("c-1")); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if _, err := svc.CreateRecord(ctx, validRequest("c-1")); !errors.Is(err, ErrDuplicateContract) {
		t.Fatalf("expected ErrDuplicateContract, got %v", err)
	}
	if _, err := svc.RecordFunded(ctx, "c-1", "0xfund"); err != nil {
		t.Fatalf("RecordFunded: %v", err)
	}
	if _, err := svc.RecordMilestoneCompletion(ctx, "c-1", 2); err != nil {
		t.Fatalf("RecordMilestoneCompletion: %v", err)
	}
	if _, err := svc.LockForDispute(ctx, "c-1"); err != nil {
		t.Fatalf("LockForDispute: %v", err)
	}

	split := money.Split{Client: money.MustParse("540"), Freelancer: money.MustParse("360")}
	if _, err := svc.ReleaseFunds(ctx, "c-1", split, "0xrelease"); err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}

	r, err := store.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != StatusReleased || r.ReleaseTxHash != "0xrelease" || r.ReleasedAt == nil {
		t.Errorf("unexpected record: %+v", r)
	}
	if r.Amount != "1000.000000" || r.PlatformFee != "100.000000" {
		t.Errorf("amounts = %s / %s", r.Amount, r.PlatformFee)
	}
	if len(r.CompletedIndexes) != 1 || r.CompletedIndexes[0] != 2 {
		t.Errorf("completed indexes = %v", r.CompletedIndexes)
	}
	if len(r.Events) != 5 {
		t.Fatalf("events = %d, want 5", len(r.Events))
	}
	for i, e := range r.Events {
		if e.Seq != i+1 {
			t.Errorf("event %d seq = %d", i, e.Seq)
		}
	}
	if r.Events[4].Data["clientAmount"] != "540.000000" {
		t.Errorf("released event data = %v", r.Events[4].Data)
	}
}

func TestPostgresStore_VersionConflict(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	svc := NewService(store)
	ctx := context.Background()
	if _, err := svc.CreateRecord(ctx, validRequest("c-1")); err != nil {
		t.Fatal(err)
	}

	a, _ := store.Get(ctx, "c-1")
	b, _ := store.Get(ctx, "c-1")

	a.Status = StatusFunded
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	b.Status = StatusFunded
	if err := store.Update(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	missing := &Record{ContractID: "nope", Version: 1}
	if err := store.Update(ctx, missing); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestPostgresStore_Lists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	svc := NewService(store)
	ctx := context.Background()
	for _, id := range []string{"c-1", "c-2", "c-3"} {
		if _, err := svc.CreateRecord(ctx, validRequest(id)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.RecordFunded(ctx, "c-2", ""); err != nil {
		t.Fatal(err)
	}

	byJob, err := store.ListByJob(ctx, "job-1", 10)
	if err != nil || len(byJob) != 3 {
		t.Fatalf("ListByJob = %d, err %v", len(byJob), err)
	}
	if len(byJob[0].Events) == 0 {
		t.Error("listed records must carry their events")
	}

	funded, err := store.ListByStatus(ctx, StatusFunded, 10)
	if err != nil || len(funded) != 1 || funded[0].ContractID != "c-2" {
		t.Fatalf("ListByStatus = %v, err %v", funded, err)
	}
}
