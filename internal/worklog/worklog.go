// Package worklog writes the conflict-resolution narrative to
// .workflow_log.jsonl: one append-only NDJSON record per notable event
// (a resolution auto-applied, a conflict escalated to a human, and so
// on), distinct from the durable event-sourced state in
// internal/eventstore. Grounded on internal/eventlog, generalized from
// protocol.Command/Event/Heartbeat/Log envelopes to a single flat
// record shape and reusing internal/ndjson's encoder verbatim.
package worklog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/lorch/internal/ndjson"
)

// Record is one line of .workflow_log.jsonl.
type Record struct {
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

const (
	TypeConflictResolved   = "conflict_resolved"
	TypeConflictEscalated  = "conflict_escalated"
	TypeCandidateGenerated = "candidate_generated"
	TypeCandidateRejected  = "candidate_rejected"
	TypeApprovalGranted    = "approval_granted"
	TypeApprovalDenied     = "approval_denied"
)

// Log appends Records to .workflow_log.jsonl in a working directory.
type Log struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// Open opens (creating if necessary) .workflow_log.jsonl under dir for
// appending.
func Open(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	path := filepath.Join(dir, ".workflow_log.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow log: %w", err)
	}

	return &Log{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Append writes one record, stamping Timestamp if the caller left it
// zero.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return l.encoder.Encode(rec)
}

// ConflictResolved is a convenience wrapper for the common
// auto-resolution case.
func (l *Log) ConflictResolved(workflowID, message string, details map[string]any) error {
	return l.Append(Record{Type: TypeConflictResolved, WorkflowID: workflowID, Message: message, Details: details})
}

// ConflictEscalated is a convenience wrapper for the common
// escalate-to-human case.
func (l *Log) ConflictEscalated(workflowID, message string, details map[string]any) error {
	return l.Append(Record{Type: TypeConflictEscalated, WorkflowID: workflowID, Message: message, Details: details})
}

// ApprovalGranted is a convenience wrapper for a successfully validated
// human approval unblocking an escalated gate or resolution.
func (l *Log) ApprovalGranted(workflowID, message string, details map[string]any) error {
	return l.Append(Record{Type: TypeApprovalGranted, WorkflowID: workflowID, Message: message, Details: details})
}

// ApprovalDenied is a convenience wrapper for an approval attempt that
// failed authentication (bad signature, unauthorized approver, or a
// replayed nonce).
func (l *Log) ApprovalDenied(workflowID, message string, details map[string]any) error {
	return l.Append(Record{Type: TypeApprovalDenied, WorkflowID: workflowID, Message: message, Details: details})
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
