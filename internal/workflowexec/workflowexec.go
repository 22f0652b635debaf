// Package workflowexec drives a workflow's phases one at a time in a single
// thread of control, invoking an external runner per phase and validating
// its exit conditions through the gate engine rather than trusting the
// runner's self-report. It is grounded on the teacher's
// internal/scheduler.Scheduler phase loop (attempt counting, retry
// feedback threading, resume-from-state), generalized from the teacher's
// fixed Builder → Reviewer → SpecMaintainer pipeline to an arbitrary
// YAML-defined phase graph.
package workflowexec

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iambrandonn/lorch/internal/gate"
	"github.com/iambrandonn/lorch/internal/workflowspec"
	"github.com/iambrandonn/lorch/internal/workflowstate"
)

// PhaseInput is handed to the runner for each phase attempt.
type PhaseInput struct {
	WorkflowID       string
	TaskDescription  string
	PhaseDescription string
	PriorCompleted   []string
	Attempt          int
	IsRetry          bool
	RetryFeedback    []string
}

// PhaseOutput is the runner's self-reported result. Failed phases are
// retried; gate validation, not this struct, decides whether a phase that
// reports success actually passed.
type PhaseOutput struct {
	Failed bool
	Reason string
}

// Runner executes one phase attempt against the workflow's actual agent or
// tooling. It is the only external collaborator the executor calls.
type Runner interface {
	RunPhase(ctx context.Context, input PhaseInput) (PhaseOutput, error)
}

// FailedError is returned by Execute/Resume when the workflow ends in a
// failed state.
type FailedError struct {
	WorkflowID string
	PhaseID    string
	Reason     string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("workflow %q failed at phase %q: %s", e.WorkflowID, e.PhaseID, e.Reason)
}

// LockContendedError is returned when another process already holds the
// workflow's state lock.
type LockContendedError struct {
	WorkflowID string
}

func (e *LockContendedError) Error() string {
	return fmt.Sprintf("workflow %q is locked by another process", e.WorkflowID)
}

// Executor drives phases for one workflow definition.
type Executor struct {
	States *workflowstate.Store
	Gates  *gate.Engine
	Runner Runner
	Logger *slog.Logger
}

// NewExecutor builds an Executor.
func NewExecutor(states *workflowstate.Store, gates *gate.Engine, runner Runner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{States: states, Gates: gates, Runner: runner, Logger: logger}
}

// Execute initializes fresh state for workflowID and runs workflow to
// completion or failure. Once the phase loop has started, mark_complete
// is invoked before return, including when the runner or gate engine
// errors out; it is not invoked when the lock cannot be acquired or the
// initial state cannot be saved.
func (e *Executor) Execute(ctx context.Context, workflow *workflowspec.Workflow, workflowID, taskDescription string) error {
	lock, acquired, err := e.States.AcquireLock(workflowID)
	if err != nil {
		return fmt.Errorf("failed to acquire workflow lock: %w", err)
	}
	if !acquired {
		return &LockContendedError{WorkflowID: workflowID}
	}
	defer lock.Release()

	state := workflowstate.NewState(workflowID, workflow.Name, taskDescription)
	state.Status = workflowstate.StatusRunning
	state.CurrentPhaseID = workflow.FirstPhaseID
	if err := e.States.Save(state); err != nil {
		return fmt.Errorf("failed to save initial workflow state: %w", err)
	}

	return e.run(ctx, workflow, state)
}

// Resume reloads persisted state for workflowID and continues the phase
// loop from current_phase_id.
func (e *Executor) Resume(ctx context.Context, workflow *workflowspec.Workflow, workflowID string) error {
	lock, acquired, err := e.States.AcquireLock(workflowID)
	if err != nil {
		return fmt.Errorf("failed to acquire workflow lock: %w", err)
	}
	if !acquired {
		return &LockContendedError{WorkflowID: workflowID}
	}
	defer lock.Release()

	state, err := e.States.Load(workflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow state: %w", err)
	}
	state.Status = workflowstate.StatusRunning

	return e.run(ctx, workflow, state)
}

// run is the phase loop shared by Execute and Resume. It always calls
// mark_complete (via state.MarkComplete + save) before returning, on every
// exit path.
func (e *Executor) run(ctx context.Context, workflow *workflowspec.Workflow, state *workflowstate.State) (err error) {
	var failure *FailedError

	defer func() {
		success := failure == nil && err == nil
		state.MarkComplete(success)
		if saveErr := e.States.Save(state); saveErr != nil {
			e.Logger.Error("failed to persist terminal workflow state", "workflow_id", state.WorkflowID, "error", saveErr)
		}
		if failure != nil && err == nil {
			err = failure
		}
	}()

	currentID := state.CurrentPhaseID
	for currentID != "" {
		phase, ok := workflow.Phase(currentID)
		if !ok {
			failure = &FailedError{WorkflowID: state.WorkflowID, PhaseID: currentID, Reason: "unknown phase id"}
			return nil
		}

		passed, retryFeedback, attemptErr := e.runPhaseAttempts(ctx, workflow, state, phase)
		if attemptErr != nil {
			return attemptErr
		}
		if !passed {
			failure = &FailedError{WorkflowID: state.WorkflowID, PhaseID: phase.ID, Reason: lastFeedback(retryFeedback)}
			return nil
		}

		state.PhasesCompleted = append(state.PhasesCompleted, phase.ID)
		state.CurrentPhaseID = phase.NextPhaseID
		state.CurrentAttempt = 0
		if err := e.States.Save(state); err != nil {
			return fmt.Errorf("failed to save workflow state after phase %q: %w", phase.ID, err)
		}

		currentID = phase.NextPhaseID
	}

	return nil
}

func lastFeedback(feedback []string) string {
	if len(feedback) == 0 {
		return "exhausted max attempts"
	}
	return feedback[len(feedback)-1]
}

// runPhaseAttempts runs one phase up to MaxAttempts times, invoking the
// runner then validating gates, threading retry feedback between attempts.
func (e *Executor) runPhaseAttempts(ctx context.Context, workflow *workflowspec.Workflow, state *workflowstate.State, phase workflowspec.Phase) (passed bool, retryFeedback []string, err error) {
	for attempt := 1; attempt <= phase.MaxAttempts; attempt++ {
		state.CurrentAttempt = attempt
		if err := e.States.Save(state); err != nil {
			return false, retryFeedback, fmt.Errorf("failed to save attempt state: %w", err)
		}

		execution := workflowstate.PhaseExecution{PhaseID: phase.ID, Attempt: attempt}

		input := PhaseInput{
			WorkflowID:       state.WorkflowID,
			TaskDescription:  state.TaskDescription,
			PhaseDescription: phase.Description,
			PriorCompleted:   append([]string(nil), state.PhasesCompleted...),
			Attempt:          attempt,
			IsRetry:          attempt > 1,
			RetryFeedback:    append([]string(nil), retryFeedback...),
		}

		runCtx := ctx
		if phase.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, phase.Timeout)
			defer cancel()
		}

		output, runErr := e.Runner.RunPhase(runCtx, input)
		if runErr != nil {
			execution.Passed = false
			execution.Reason = runErr.Error()
			state.PhaseExecutions = append(state.PhaseExecutions, execution)
			retryFeedback = append(retryFeedback, runErr.Error())
			continue
		}
		if output.Failed {
			execution.Passed = false
			execution.Reason = output.Reason
			state.PhaseExecutions = append(state.PhaseExecutions, execution)
			retryFeedback = append(retryFeedback, output.Reason)
			continue
		}

		results := e.Gates.ValidateAll(runCtx, phase.Gates)
		if gate.AllPassed(results) {
			execution.Passed = true
			state.PhaseExecutions = append(state.PhaseExecutions, execution)
			return true, nil, nil
		}

		reasons := failedGateReasons(results)
		execution.Passed = false
		execution.Reason = fmt.Sprintf("gates failed: %v", reasons)
		state.PhaseExecutions = append(state.PhaseExecutions, execution)
		retryFeedback = append(retryFeedback, reasons...)
	}

	return false, retryFeedback, nil
}

func failedGateReasons(results []gate.Result) []string {
	var reasons []string
	for _, r := range results {
		if r.Status != gate.StatusPassed {
			reasons = append(reasons, fmt.Sprintf("%s: %s", r.GateType, r.Reason))
		}
	}
	return reasons
}
