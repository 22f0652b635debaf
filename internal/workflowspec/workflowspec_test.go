package workflowspec

import "testing"

const sampleYAML = `
name: demo
first_phase_id: plan
phases:
  - id: plan
    name: Plan
    description: draft an approach
    next_phase_id: implement
    gates:
      - type: file_exists
        path: PLAN.md
  - id: implement
    name: Implement
    max_attempts: 5
    on_failure: abort
    gates:
      - type: command_exit
        cmd: "go build ./..."
        expected_exit: 0
        timeout_seconds: 30
      - type: no_regex_match
        pattern: "TODO"
        glob_paths: ["**/*.go"]
`

func TestParse_ValidWorkflow(t *testing.T) {
	wf, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.Name != "demo" || wf.FirstPhaseID != "plan" {
		t.Fatalf("unexpected workflow: %+v", wf)
	}

	plan, ok := wf.Phase("plan")
	if !ok {
		t.Fatal("expected plan phase")
	}
	if plan.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", plan.MaxAttempts, defaultMaxAttempts)
	}
	if plan.OnFailure != OnFailureRetry {
		t.Errorf("OnFailure = %v, want default retry", plan.OnFailure)
	}
	if plan.NextPhaseID != "implement" {
		t.Errorf("NextPhaseID = %q", plan.NextPhaseID)
	}
	if len(plan.Gates) != 1 {
		t.Fatalf("expected 1 gate, got %d", len(plan.Gates))
	}

	impl, ok := wf.Phase("implement")
	if !ok {
		t.Fatal("expected implement phase")
	}
	if impl.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", impl.MaxAttempts)
	}
	if impl.OnFailure != OnFailureAbort {
		t.Errorf("OnFailure = %v, want abort", impl.OnFailure)
	}
	if len(impl.Gates) != 2 {
		t.Fatalf("expected 2 gates, got %d", len(impl.Gates))
	}
}

func TestParse_MissingName(t *testing.T) {
	_, err := Parse([]byte("first_phase_id: plan\nphases:\n  - id: plan\n"))
	if err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestParse_UnknownFirstPhase(t *testing.T) {
	_, err := Parse([]byte("name: demo\nfirst_phase_id: nope\nphases:\n  - id: plan\n"))
	if err == nil {
		t.Fatal("expected error for unknown first_phase_id")
	}
}

func TestParse_UnknownGateType(t *testing.T) {
	_, err := Parse([]byte("name: demo\nfirst_phase_id: plan\nphases:\n  - id: plan\n    gates:\n      - type: not_a_gate\n"))
	if err == nil {
		t.Fatal("expected error for unknown gate type")
	}
}

func TestParse_MissingPhaseID(t *testing.T) {
	_, err := Parse([]byte("name: demo\nfirst_phase_id: plan\nphases:\n  - name: Plan\n"))
	if err == nil {
		t.Fatal("expected error for missing phase id")
	}
}
