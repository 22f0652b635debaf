// Package workflowstate persists one JSON state file per workflow under an
// exclusive, non-blocking cross-process file lock. It is grounded on the
// teacher's internal/runstate (the RunState shape and
// fsutil.AtomicWriteJSON persistence), generalized from a single fixed-path
// run.json to one state file per workflow id, and on
// tim-coutinho-agentops's ratchet.Chain.withLockedFile for the
// syscall.Flock locking pattern, switched from a blocking LOCK_EX to a
// non-blocking LOCK_EX|LOCK_NB so a caller can detect contention instead of
// stalling.
package workflowstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/iambrandonn/lorch/internal/fsutil"
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// PhaseExecution records one attempt at one phase.
type PhaseExecution struct {
	PhaseID   string    `json:"phase_id"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Passed    bool      `json:"passed"`
	Reason    string    `json:"reason,omitempty"`
}

// State is the persisted shape of one workflow's execution state.
type State struct {
	WorkflowID      string           `json:"workflow_id"`
	WorkflowName    string           `json:"workflow_name"`
	TaskDescription string           `json:"task_description"`
	Status          Status           `json:"status"`
	CurrentPhaseID  string           `json:"current_phase_id,omitempty"`
	CurrentAttempt  int              `json:"current_attempt"`
	PhasesCompleted []string         `json:"phases_completed"`
	PhaseExecutions []PhaseExecution `json:"phase_executions"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// NewState creates a fresh, initialized workflow state.
func NewState(workflowID, workflowName, taskDescription string) *State {
	now := time.Now().UTC()
	return &State{
		WorkflowID:      workflowID,
		WorkflowName:    workflowName,
		TaskDescription: taskDescription,
		Status:          StatusInitialized,
		PhasesCompleted: []string{},
		PhaseExecutions: []PhaseExecution{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// MarkComplete sets a terminal status and completion timestamp.
func (s *State) MarkComplete(success bool) {
	if success {
		s.Status = StatusCompleted
	} else {
		s.Status = StatusFailed
	}
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// Store manages state files and their sibling lock files under root,
// following the fixed layout "<root>/.orchestrator/v4/state_<id>.json".
type Store struct {
	root string
}

// NewStore builds a Store rooted at workingDir, creating
// "<workingDir>/.orchestrator/v4" (and a .gitignore within it) if absent.
func NewStore(workingDir string) (*Store, error) {
	dir := filepath.Join(workingDir, ".orchestrator", "v4")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	gitignorePath := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(gitignorePath, []byte("*\n"), 0600); err != nil {
			return nil, fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}
	return &Store{root: dir}, nil
}

func (s *Store) statePath(workflowID string) string {
	return filepath.Join(s.root, fmt.Sprintf("state_%s.json", workflowID))
}

func (s *Store) lockPath(workflowID string) string {
	return filepath.Join(s.root, fmt.Sprintf("state_%s.lock", workflowID))
}

// Lock is an acquired exclusive, non-blocking advisory lock on one
// workflow's state. Release must be called to unlock and close the
// underlying file handle.
type Lock struct {
	file *os.File
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	return l.file.Close()
}

// AcquireLock attempts to take an exclusive, non-blocking lock for
// workflowID. If another process already holds it, acquired is false and
// err is nil — the caller may retry with its own timeout/backoff.
func (s *Store) AcquireLock(workflowID string) (lock *Lock, acquired bool, err error) {
	path := s.lockPath(workflowID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to lock: %w", err)
	}

	return &Lock{file: f}, true, nil
}

// Save bumps UpdatedAt and atomically writes state to its JSON file.
func (s *Store) Save(state *State) error {
	state.UpdatedAt = time.Now().UTC()
	return fsutil.AtomicWriteJSON(s.statePath(state.WorkflowID), state)
}

// Load reads the persisted state for workflowID.
func (s *Store) Load(workflowID string) (*State, error) {
	data, err := os.ReadFile(s.statePath(workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow state: %w", err)
	}
	return &state, nil
}

// Exists reports whether a state file has been saved for workflowID.
func (s *Store) Exists(workflowID string) bool {
	_, err := os.Stat(s.statePath(workflowID))
	return err == nil
}
