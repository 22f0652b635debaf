// Package workflowspec parses the YAML workflow definitions that drive
// internal/workflowexec: an ordered list of phases, each with its gates,
// retry budget, and failure policy. YAML-as-config is the teacher's own
// choice for its mockagent scripting and release tooling, generalized here
// from ad hoc structs to gopkg.in/yaml.v3 unmarshaling into the data
// model's Phase/GateSpec shape.
package workflowspec

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/lorch/internal/gate"
)

// PhaseType labels a phase as strict or guided. It is parsed and stored
// with the phase; workflowexec runs both kinds the same way and enforces
// every gate.
type PhaseType string

const (
	PhaseStrict  PhaseType = "strict"
	PhaseGuided  PhaseType = "guided"
)

// OnFailure names an action for a phase that exhausts its attempts. It is
// parsed and stored with the phase; workflowexec does not read it and
// fails the workflow whichever value is set.
type OnFailure string

const (
	OnFailureRetry OnFailure = "retry"
	OnFailureAbort OnFailure = "abort"
)

// rawGate is the YAML surface form of a gate.GateSpec; exactly one of its
// variant-specific fields should be set, selected by Type.
type rawGate struct {
	Type              string   `yaml:"type"`
	Path              string   `yaml:"path,omitempty"`
	Cmd               string   `yaml:"cmd,omitempty"`
	ExpectedExit      int      `yaml:"expected_exit,omitempty"`
	TimeoutSeconds    int      `yaml:"timeout_seconds,omitempty"`
	ExpectEmptyStdout bool     `yaml:"expect_empty_stdout,omitempty"`
	Pattern           string   `yaml:"pattern,omitempty"`
	GlobPaths         []string `yaml:"glob_paths,omitempty"`
}

func (g rawGate) toGateSpec() (gate.GateSpec, error) {
	switch g.Type {
	case "file_exists":
		return gate.NewFileExists(g.Path), nil
	case "command_exit":
		return gate.NewCommandExit(g.Cmd, g.ExpectedExit, time.Duration(g.TimeoutSeconds)*time.Second, g.ExpectEmptyStdout), nil
	case "no_regex_match":
		return gate.NewNoRegexMatch(g.Pattern, g.GlobPaths), nil
	case "valid_json":
		return gate.NewValidJSON(g.Path), nil
	default:
		return gate.GateSpec{}, fmt.Errorf("unknown gate type %q", g.Type)
	}
}

type rawPhase struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	PhaseType      PhaseType `yaml:"phase_type"`
	Description    string    `yaml:"description"`
	Gates          []rawGate `yaml:"gates"`
	NextPhaseID    string    `yaml:"next_phase_id,omitempty"`
	MaxAttempts    int       `yaml:"max_attempts,omitempty"`
	TimeoutSeconds int       `yaml:"timeout_seconds,omitempty"`
	OnFailure      OnFailure `yaml:"on_failure,omitempty"`
}

type rawWorkflow struct {
	Name         string     `yaml:"name"`
	FirstPhaseID string     `yaml:"first_phase_id"`
	Phases       []rawPhase `yaml:"phases"`
}

// Phase is one immutable step of a workflow.
type Phase struct {
	ID             string
	Name           string
	PhaseType      PhaseType
	Description    string
	Gates          []gate.GateSpec
	NextPhaseID    string
	MaxAttempts    int
	Timeout        time.Duration
	OnFailure      OnFailure
}

const defaultMaxAttempts = 3

// Workflow is an ordered, named sequence of phases.
type Workflow struct {
	Name         string
	FirstPhaseID string
	phases       map[string]Phase
}

// Phase looks up a phase by id.
func (w *Workflow) Phase(id string) (Phase, bool) {
	p, ok := w.phases[id]
	return p, ok
}

// Parse decodes a YAML workflow definition.
func Parse(data []byte) (*Workflow, error) {
	var raw rawWorkflow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("workflow is missing a name")
	}
	if raw.FirstPhaseID == "" {
		return nil, fmt.Errorf("workflow is missing first_phase_id")
	}

	phases := make(map[string]Phase, len(raw.Phases))
	for _, rp := range raw.Phases {
		if rp.ID == "" {
			return nil, fmt.Errorf("phase is missing an id")
		}
		gates := make([]gate.GateSpec, 0, len(rp.Gates))
		for _, rg := range rp.Gates {
			gs, err := rg.toGateSpec()
			if err != nil {
				return nil, fmt.Errorf("phase %q: %w", rp.ID, err)
			}
			gates = append(gates, gs)
		}

		maxAttempts := rp.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}
		onFailure := rp.OnFailure
		if onFailure == "" {
			onFailure = OnFailureRetry
		}
		phaseType := rp.PhaseType
		if phaseType == "" {
			phaseType = PhaseStrict
		}

		phases[rp.ID] = Phase{
			ID:          rp.ID,
			Name:        rp.Name,
			PhaseType:   phaseType,
			Description: rp.Description,
			Gates:       gates,
			NextPhaseID: rp.NextPhaseID,
			MaxAttempts: maxAttempts,
			Timeout:     time.Duration(rp.TimeoutSeconds) * time.Second,
			OnFailure:   onFailure,
		}
	}

	if _, ok := phases[raw.FirstPhaseID]; !ok {
		return nil, fmt.Errorf("first_phase_id %q does not match any phase", raw.FirstPhaseID)
	}

	return &Workflow{Name: raw.Name, FirstPhaseID: raw.FirstPhaseID, phases: phases}, nil
}
