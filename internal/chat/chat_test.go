package chat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/iambrandonn/lorch/internal/budget"
	"github.com/iambrandonn/lorch/internal/eventstore"
	"github.com/iambrandonn/lorch/internal/llm"
)

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestBudget(t *testing.T, store *eventstore.Store, budgetID string, limit int64) *budget.Tracker {
	t.Helper()
	tracker := budget.NewTracker(store)
	if err := tracker.CreateBudget(context.Background(), budgetID, limit, nil); err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}
	return tracker
}

type fakeCaller struct {
	reply string
	calls int
}

func (f *fakeCaller) Call(_ context.Context, _ llm.Request) (llm.Response, error) {
	f.calls++
	return llm.Response{Content: f.reply, Usage: llm.Usage{InputTokens: 5, OutputTokens: 5}}, nil
}

func newTestSession(t *testing.T, id string, store *eventstore.Store, tracker *budget.Tracker, caller *fakeCaller) *Session {
	t.Helper()
	return NewSession(id, store, tracker, caller, llm.DefaultTokenCounter{}, Config{MaxTokens: 4000}, nil)
}

func TestTurn_PlainMessageCallsModelAndAppendsBothMessages(t *testing.T) {
	store := openTestStore(t)
	tracker := newTestBudget(t, store, "sess-1", 100_000)
	caller := &fakeCaller{reply: "hello back"}
	session := newTestSession(t, "sess-1", store, tracker, caller)

	result, err := session.Turn(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if result.Kind != "reply" || result.Reply != "hello back" {
		t.Errorf("result = %+v", result)
	}
	if caller.calls != 1 {
		t.Errorf("calls = %d, want 1", caller.calls)
	}
	if len(session.Messages()) != 2 {
		t.Fatalf("len(Messages()) = %d, want 2", len(session.Messages()))
	}
}

func TestTurn_BudgetExhaustedSkipsModelCall(t *testing.T) {
	store := openTestStore(t)
	tracker := newTestBudget(t, store, "sess-2", 10)
	ctx := context.Background()
	reserved, err := tracker.Reserve(ctx, "sess-2", 10, "seed")
	if err != nil || !reserved.Success {
		t.Fatalf("Reserve: %+v, %v", reserved, err)
	}
	if err := tracker.Commit(ctx, "sess-2", reserved.ReservationID, 10); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	caller := &fakeCaller{reply: "should not be seen"}
	session := newTestSession(t, "sess-2", store, tracker, caller)

	result, err := session.Turn(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if result.Kind != "budget_exhausted" {
		t.Errorf("Kind = %q, want budget_exhausted", result.Kind)
	}
	if caller.calls != 0 {
		t.Error("expected the model to never be called once the budget is exhausted")
	}
}

func TestTurn_MetaCommandNeverCallsModel(t *testing.T) {
	store := openTestStore(t)
	tracker := newTestBudget(t, store, "sess-3", 100_000)
	caller := &fakeCaller{reply: "unused"}
	session := newTestSession(t, "sess-3", store, tracker, caller)

	result, err := session.Turn(context.Background(), "/status")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if result.Kind != "meta_status" {
		t.Errorf("Kind = %q, want meta_status", result.Kind)
	}
	if caller.calls != 0 {
		t.Error("expected no model call for a meta-command")
	}
}

func TestPinAndHistory(t *testing.T) {
	store := openTestStore(t)
	tracker := newTestBudget(t, store, "sess-4", 100_000)
	caller := &fakeCaller{reply: "ok"}
	session := newTestSession(t, "sess-4", store, tracker, caller)

	if _, err := session.Turn(context.Background(), "first message"); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	firstID := session.Messages()[0].ID

	pinCmd := "/pin " + firstID
	result, err := session.Turn(context.Background(), pinCmd)
	if err != nil {
		t.Fatalf("Turn (pin): %v", err)
	}
	if result.Kind != "meta_pin" {
		t.Fatalf("Kind = %q, want meta_pin", result.Kind)
	}
	if !session.pinnedIDs[firstID] {
		t.Error("expected message to be pinned")
	}

	historyResult, err := session.Turn(context.Background(), "/history 2")
	if err != nil {
		t.Fatalf("Turn (history): %v", err)
	}
	if len(historyResult.HistoryMessages) != 2 {
		t.Errorf("len(HistoryMessages) = %d, want 2", len(historyResult.HistoryMessages))
	}
}

func TestPin_RejectsUnknownMessageID(t *testing.T) {
	store := openTestStore(t)
	tracker := newTestBudget(t, store, "sess-5", 100_000)
	caller := &fakeCaller{reply: "ok"}
	session := newTestSession(t, "sess-5", store, tracker, caller)

	_, err := session.Turn(context.Background(), "/pin does-not-exist")
	if err == nil {
		t.Fatal("expected an error pinning an unknown message id")
	}
}

func TestCheckpointAndRestore(t *testing.T) {
	store := openTestStore(t)
	tracker := newTestBudget(t, store, "sess-6", 100_000)
	caller := &fakeCaller{reply: "ok"}
	session := newTestSession(t, "sess-6", store, tracker, caller)

	if _, err := session.Turn(context.Background(), "first message"); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	result, err := session.Turn(context.Background(), "/checkpoint before more changes")
	if err != nil {
		t.Fatalf("Turn (checkpoint): %v", err)
	}
	if result.CheckpointID == "" {
		t.Fatal("expected a checkpoint id")
	}

	if _, err := session.Turn(context.Background(), "second message"); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if len(session.Messages()) != 4 {
		t.Fatalf("len(Messages()) = %d, want 4", len(session.Messages()))
	}

	restoreResult, err := session.Turn(context.Background(), "/restore "+result.CheckpointID)
	if err != nil {
		t.Fatalf("Turn (restore): %v", err)
	}
	if restoreResult.RestoredFromID != result.CheckpointID {
		t.Errorf("RestoredFromID = %q, want %q", restoreResult.RestoredFromID, result.CheckpointID)
	}
	if len(session.Messages()) != 2 {
		t.Errorf("len(Messages()) after restore = %d, want 2", len(session.Messages()))
	}
}

func TestRecover_ReplaysPersistedHistory(t *testing.T) {
	store := openTestStore(t)
	tracker := newTestBudget(t, store, "sess-7", 100_000)
	caller := &fakeCaller{reply: "ok"}
	session := newTestSession(t, "sess-7", store, tracker, caller)

	if _, err := session.Turn(context.Background(), "first message"); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if _, err := session.Turn(context.Background(), "second message"); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	fresh := newTestSession(t, "sess-7", store, tracker, caller)
	if err := fresh.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(fresh.Messages()) != len(session.Messages()) {
		t.Errorf("recovered %d messages, want %d", len(fresh.Messages()), len(session.Messages()))
	}
}
