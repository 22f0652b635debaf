package agentproc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/iambrandonn/lorch/internal/workflowexec"
)

func buildFixtureAgent(t *testing.T) string {
	t.Helper()
	binPath := filepath.Join(t.TempDir(), "fixtureagent")
	cmd := exec.Command("go", "build", "-o", binPath, "../../cmd/fixtureagent")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to build fixtureagent: %v\n%s", err, out)
	}
	return binPath
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcess_StartCallStop(t *testing.T) {
	bin := buildFixtureAgent(t)
	proc := New("builder", []string{bin}, nil, testLogger())

	ctx := context.Background()
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !proc.IsRunning() {
		t.Fatal("expected process to be running after Start")
	}

	resp, err := proc.Call(ctx, Request{WorkflowID: "wf-1", PhaseDescription: "implement thing", Attempt: 1})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Failed {
		t.Errorf("expected Failed=false, got Reason=%q", resp.Reason)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if proc.IsRunning() {
		t.Error("expected process to have stopped")
	}
}

func TestProcess_ReportsFailure(t *testing.T) {
	bin := buildFixtureAgent(t)
	proc := New("reviewer", []string{bin, "-fail", "-fail-reason", "deliberately broken"}, nil, testLogger())

	ctx := context.Background()
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer proc.Stop(context.Background())

	resp, err := proc.Call(ctx, Request{WorkflowID: "wf-2", PhaseDescription: "review thing"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Failed || resp.Reason != "deliberately broken" {
		t.Errorf("resp = %+v, want Failed=true Reason=deliberately broken", resp)
	}
}

func TestProcess_MultipleSequentialCalls(t *testing.T) {
	bin := buildFixtureAgent(t)
	proc := New("builder", []string{bin, "-fail-until-attempt", "3"}, nil, testLogger())

	ctx := context.Background()
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer proc.Stop(context.Background())

	first, err := proc.Call(ctx, Request{WorkflowID: "wf-3", Attempt: 1})
	if err != nil {
		t.Fatalf("Call 1: %v", err)
	}
	if !first.Failed {
		t.Error("expected attempt 1 to fail")
	}

	third, err := proc.Call(ctx, Request{WorkflowID: "wf-3", Attempt: 3})
	if err != nil {
		t.Fatalf("Call 2: %v", err)
	}
	if third.Failed {
		t.Errorf("expected attempt 3 to succeed, got Reason=%q", third.Reason)
	}
}

func TestProcess_CallAfterExitReturnsRunnerError(t *testing.T) {
	bin := buildFixtureAgent(t)
	proc := New("builder", []string{bin, "-crash-after", "1"}, nil, testLogger())

	ctx := context.Background()
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer proc.Stop(context.Background())

	if _, err := proc.Call(ctx, Request{WorkflowID: "wf-4", Attempt: 1}); err != nil {
		t.Fatalf("first call should succeed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	_, err := proc.Call(ctx, Request{WorkflowID: "wf-4", Attempt: 2})
	if err == nil {
		t.Fatal("expected second call to fail after process crashed")
	}
	var rerr *RunnerError
	if !errors.As(err, &rerr) {
		t.Errorf("expected a *RunnerError, got %T: %v", err, err)
	}
}

func TestRunner_ImplementsWorkflowexecRunner(t *testing.T) {
	bin := buildFixtureAgent(t)
	proc := New("builder", []string{bin}, nil, testLogger())

	ctx := context.Background()
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer proc.Stop(context.Background())

	var runner workflowexec.Runner = &Runner{Process: proc}
	out, err := runner.RunPhase(ctx, workflowexec.PhaseInput{
		WorkflowID:       "wf-5",
		PhaseDescription: "do the thing",
		Attempt:          1,
	})
	if err != nil {
		t.Fatalf("RunPhase: %v", err)
	}
	if out.Failed {
		t.Errorf("expected success, got Reason=%q", out.Reason)
	}
}
