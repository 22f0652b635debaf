package budget

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/iambrandonn/lorch/internal/eventstore"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewTracker(store)
}

func TestCreateAndReserve(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.CreateBudget(ctx, "b1", 1000, nil); err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}

	result, err := tracker.Reserve(ctx, "b1", 100, "corr-1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !result.Success || result.ReservationID == "" {
		t.Fatalf("unexpected reserve result: %+v", result)
	}

	snap, err := tracker.Snapshot(ctx, "b1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Reserved != 100 {
		t.Errorf("Reserved = %d, want 100", snap.Reserved)
	}
}

func TestReserve_FailsWhenOverAvailable(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	if err := tracker.CreateBudget(ctx, "b1", 100, nil); err != nil {
		t.Fatal(err)
	}

	result, err := tracker.Reserve(ctx, "b1", 200, "")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if result.Success {
		t.Fatal("expected reserve failure")
	}
	if result.Status != DecisionEmergencyStop && result.Status != DecisionBlocked {
		t.Errorf("unexpected status: %v", result.Status)
	}
}

func TestCommit_IncreasesUsedAndReleasesReservation(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	if err := tracker.CreateBudget(ctx, "b1", 1000, nil); err != nil {
		t.Fatal(err)
	}

	result, err := tracker.Reserve(ctx, "b1", 300, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := tracker.Commit(ctx, "b1", result.ReservationID, 250); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, err := tracker.Snapshot(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Used != 250 {
		t.Errorf("Used = %d, want 250", snap.Used)
	}
	if snap.Reserved != 0 {
		t.Errorf("Reserved = %d, want 0", snap.Reserved)
	}
}

func TestCommit_MissingReservationRaises(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	if err := tracker.CreateBudget(ctx, "b1", 1000, nil); err != nil {
		t.Fatal(err)
	}

	err := tracker.Commit(ctx, "b1", "nonexistent", 10)
	var nferr *ReservationNotFoundError
	if !errors.As(err, &nferr) {
		t.Fatalf("expected ReservationNotFoundError, got %v", err)
	}
}

func TestRollback_IsIdempotent(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	if err := tracker.CreateBudget(ctx, "b1", 1000, nil); err != nil {
		t.Fatal(err)
	}

	result, err := tracker.Reserve(ctx, "b1", 100, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := tracker.Rollback(ctx, "b1", result.ReservationID, "cancelled"); err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	if err := tracker.Rollback(ctx, "b1", result.ReservationID, "cancelled"); err != nil {
		t.Fatalf("second rollback should be a no-op, got: %v", err)
	}

	snap, err := tracker.Snapshot(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Reserved != 0 {
		t.Errorf("Reserved = %d, want 0", snap.Reserved)
	}
}

func TestPreCheck_Decisions(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	if err := tracker.CreateBudget(ctx, "b1", 1000, nil); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		estimated int64
		want      Decision
	}{
		{100, DecisionOK},
		{850, DecisionWarning},
		{1050, DecisionBlocked},
		{1300, DecisionEmergencyStop},
	}
	for _, c := range cases {
		decision, err := tracker.PreCheck(ctx, "b1", c.estimated)
		if err != nil {
			t.Fatalf("PreCheck(%d): %v", c.estimated, err)
		}
		if decision != c.want {
			t.Errorf("PreCheck(%d) = %v, want %v", c.estimated, decision, c.want)
		}
	}
}

func TestReserve_SweepsExpiredReservations(t *testing.T) {
	tracker := newTestTracker(t)
	tracker.reservationTimeout = 10 * time.Millisecond
	ctx := context.Background()
	if err := tracker.CreateBudget(ctx, "b1", 100, nil); err != nil {
		t.Fatal(err)
	}

	first, err := tracker.Reserve(ctx, "b1", 90, "")
	if err != nil || !first.Success {
		t.Fatalf("first reserve: %+v, %v", first, err)
	}

	time.Sleep(20 * time.Millisecond)

	second, err := tracker.Reserve(ctx, "b1", 90, "")
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if !second.Success {
		t.Fatalf("expected second reserve to succeed after sweep, got %+v", second)
	}
}

func TestBudgetExhausted_EmittedWhenUsedReachesLimit(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	if err := tracker.CreateBudget(ctx, "b1", 100, nil); err != nil {
		t.Fatal(err)
	}

	result, err := tracker.Reserve(ctx, "b1", 100, "")
	if err != nil || !result.Success {
		t.Fatalf("reserve: %+v, %v", result, err)
	}
	if err := tracker.Commit(ctx, "b1", result.ReservationID, 100); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, err := tracker.Snapshot(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Used != 100 {
		t.Errorf("Used = %d, want 100", snap.Used)
	}

	events, err := tracker.store.Read(ctx, streamID("b1"), 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Type != "budget_exhausted" {
		t.Errorf("expected last event on the budget stream to be budget_exhausted, got %+v", events)
	}
}
