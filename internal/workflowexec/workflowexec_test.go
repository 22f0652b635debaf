package workflowexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/iambrandonn/lorch/internal/gate"
	"github.com/iambrandonn/lorch/internal/secexec"
	"github.com/iambrandonn/lorch/internal/workflowspec"
	"github.com/iambrandonn/lorch/internal/workflowstate"
)

const twoPhaseYAML = `
name: demo
first_phase_id: plan
phases:
  - id: plan
    name: Plan
    next_phase_id: implement
    gates:
      - type: file_exists
        path: PLAN.md
  - id: implement
    name: Implement
    max_attempts: 2
    gates:
      - type: file_exists
        path: DONE.md
`

type fakeRunner struct {
	calls int
	fn    func(call int, input PhaseInput) (PhaseOutput, error)
}

func (r *fakeRunner) RunPhase(ctx context.Context, input PhaseInput) (PhaseOutput, error) {
	r.calls++
	return r.fn(r.calls, input)
}

func newTestExecutor(t *testing.T, runner Runner) (*Executor, string) {
	t.Helper()
	dir := t.TempDir()
	states, err := workflowstate.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	engine := gate.NewEngine(dir, secexec.NewExecutor(nil, nil))
	return NewExecutor(states, engine, runner, nil), dir
}

func TestExecute_CompletesAllPhasesWhenGatesSatisfied(t *testing.T) {
	wf, err := workflowspec.Parse([]byte(twoPhaseYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	runner := &fakeRunner{}
	executor, dir := newTestExecutor(t, runner)

	// runner "produces" the artifact each gate checks for, as a real phase would.
	runner.fn = func(call int, input PhaseInput) (PhaseOutput, error) {
		name := "PLAN.md"
		if call > 1 {
			name = "DONE.md"
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		return PhaseOutput{}, nil
	}

	if err := executor.Execute(context.Background(), wf, "wf-1", "build a thing"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	state, err := executor.States.Load("wf-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.Status != workflowstate.StatusCompleted {
		t.Errorf("Status = %v, want completed", state.Status)
	}
	if len(state.PhasesCompleted) != 2 {
		t.Errorf("PhasesCompleted = %v, want 2 entries", state.PhasesCompleted)
	}
}

func TestExecute_FailsWorkflowAfterExhaustingAttempts(t *testing.T) {
	wf, err := workflowspec.Parse([]byte(twoPhaseYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	runner := &fakeRunner{fn: func(call int, input PhaseInput) (PhaseOutput, error) {
		return PhaseOutput{}, nil // never writes PLAN.md, so the gate always fails
	}}
	executor, _ := newTestExecutor(t, runner)

	err = executor.Execute(context.Background(), wf, "wf-2", "build a thing")
	if err == nil {
		t.Fatal("expected failure")
	}
	var failed *FailedError
	if !asFailedError(err, &failed) {
		t.Fatalf("expected FailedError, got %v (%T)", err, err)
	}
	if failed.PhaseID != "plan" {
		t.Errorf("PhaseID = %q, want plan", failed.PhaseID)
	}

	state, loadErr := executor.States.Load("wf-2")
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if state.Status != workflowstate.StatusFailed {
		t.Errorf("Status = %v, want failed", state.Status)
	}
}

func TestExecute_RetriesRunnerFailureThenSucceeds(t *testing.T) {
	wf, err := workflowspec.Parse([]byte(twoPhaseYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	runner := &fakeRunner{}
	executor, dir := newTestExecutor(t, runner)

	runner.fn = func(call int, input PhaseInput) (PhaseOutput, error) {
		if err := os.WriteFile(filepath.Join(dir, "PLAN.md"), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		if call == 1 {
			return PhaseOutput{Failed: true, Reason: "not ready"}, nil
		}
		if err := os.WriteFile(filepath.Join(dir, "DONE.md"), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		return PhaseOutput{}, nil
	}

	if err := executor.Execute(context.Background(), wf, "wf-3", "build a thing"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if runner.calls < 2 {
		t.Errorf("expected at least 2 runner calls, got %d", runner.calls)
	}
}

func TestResume_ContinuesFromCurrentPhase(t *testing.T) {
	wf, err := workflowspec.Parse([]byte(twoPhaseYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	runner := &fakeRunner{}
	executor, dir := newTestExecutor(t, runner)

	state := workflowstate.NewState("wf-4", wf.Name, "task")
	state.CurrentPhaseID = "implement"
	state.PhasesCompleted = []string{"plan"}
	if err := executor.States.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	runner.fn = func(call int, input PhaseInput) (PhaseOutput, error) {
		if input.PhaseDescription != "" {
			t.Fatalf("unexpected phase description: %q", input.PhaseDescription)
		}
		if len(input.PriorCompleted) != 1 || input.PriorCompleted[0] != "plan" {
			t.Fatalf("expected prior completed [plan], got %v", input.PriorCompleted)
		}
		if err := os.WriteFile(filepath.Join(dir, "DONE.md"), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		return PhaseOutput{}, nil
	}

	if err := executor.Resume(context.Background(), wf, "wf-4"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	loaded, err := executor.States.Load("wf-4")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != workflowstate.StatusCompleted {
		t.Errorf("Status = %v, want completed", loaded.Status)
	}
}

func asFailedError(err error, target **FailedError) bool {
	fe, ok := err.(*FailedError)
	if !ok {
		return false
	}
	*target = fe
	return true
}
