// Package chat implements the event-sourced conversation session: every
// external state transition is persisted as an event on a
// "chat:<session_id>" stream before it is applied to the in-memory
// message log, following the same persist-then-apply discipline as
// internal/budget and internal/workflowstate. Grounded on
// internal/eventstore for storage and on internal/llm.Interceptor for the
// only path to a model.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/lorch/internal/budget"
	"github.com/iambrandonn/lorch/internal/compress"
	"github.com/iambrandonn/lorch/internal/eventstore"
	"github.com/iambrandonn/lorch/internal/llm"
	"github.com/iambrandonn/lorch/internal/metacmd"
)

const (
	eventMessageAdded     = "message_added"
	eventCheckpointCreated = "checkpoint_created"
	eventSessionRestored  = "session_restored"
	eventMessagePinned    = "message_pinned"
)

// Message is one turn of the conversation; an alias so callers never need
// to import internal/compress just to build one.
type Message = compress.Message

type messageAddedPayload struct {
	ID         string       `json:"id"`
	Role       compress.Role `json:"role"`
	Content    string       `json:"content"`
	TokenCount int64        `json:"token_count"`
	Timestamp  time.Time    `json:"timestamp"`
	Usage      *llm.Usage   `json:"usage,omitempty"`
}

type checkpointCreatedPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	Label        string `json:"label,omitempty"`
}

type sessionSnapshot struct {
	Messages  []compress.Message `json:"messages"`
	PinnedIDs []string           `json:"pinned_ids"`
}

type sessionRestoredPayload struct {
	CheckpointID string          `json:"checkpoint_id"`
	Snapshot     sessionSnapshot `json:"snapshot"`
}

type messagePinnedPayload struct {
	MessageID string `json:"message_id"`
}

const (
	defaultCheckpointEveryMessages = 10
	defaultCheckpointEveryInterval = 5 * time.Minute
)

// Config controls one Session's policy knobs.
type Config struct {
	BudgetID                string // defaults to the session id
	Model                   string
	MaxTokens               int64
	CheckpointEveryMessages int
	CheckpointEveryInterval time.Duration
	Compress                compress.Config
}

func (c Config) withDefaults(sessionID string) Config {
	if c.BudgetID == "" {
		c.BudgetID = sessionID
	}
	if c.CheckpointEveryMessages == 0 {
		c.CheckpointEveryMessages = defaultCheckpointEveryMessages
	}
	if c.CheckpointEveryInterval == 0 {
		c.CheckpointEveryInterval = defaultCheckpointEveryInterval
	}
	return c
}

// Session is one event-sourced chat conversation.
type Session struct {
	ID      string
	Store   *eventstore.Store
	Budget  *budget.Tracker
	Caller  compress.Caller
	Counter llm.TokenCounter
	Cfg     Config
	Logger  *slog.Logger

	mu                      sync.Mutex
	messages                []compress.Message
	pinnedIDs               map[string]bool
	version                 int64
	messagesSinceCheckpoint int
	lastCheckpointAt        time.Time
}

// NewSession builds a fresh session; call Recover afterward to replay any
// prior history for an existing id.
func NewSession(id string, store *eventstore.Store, budgetTracker *budget.Tracker, caller compress.Caller, counter llm.TokenCounter, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if counter == nil {
		counter = llm.DefaultTokenCounter{}
	}
	return &Session{
		ID:               id,
		Store:            store,
		Budget:           budgetTracker,
		Caller:           caller,
		Counter:          counter,
		Cfg:              cfg.withDefaults(id),
		Logger:           logger,
		pinnedIDs:        make(map[string]bool),
		lastCheckpointAt: time.Now().UTC(),
	}
}

func (s *Session) streamID() string { return "chat:" + s.ID }

// TurnResult is the outcome of one Turn call.
type TurnResult struct {
	Kind            string // "reply", "meta_status", "meta_checkpoint", "meta_restore", "meta_pin", "meta_history", "budget_exhausted"
	Reply           string
	StatusSnapshot  budget.Snapshot
	CheckpointID    string
	RestoredFromID  string
	HistoryMessages []compress.Message
	Usage           llm.Usage
}

// Turn runs one full chat interaction: parse meta-commands first (never
// invoking the model for those), otherwise append the user message, check
// budget status, prepare context, call the model, append the assistant
// message, and fire a checkpoint if due.
func (s *Session) Turn(ctx context.Context, rawInput string) (TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, err := metacmd.Parse(rawInput)
	if err != nil {
		return TurnResult{}, err
	}
	if cmd != nil {
		return s.runMetaCommand(ctx, *cmd)
	}

	userMsg := compress.Message{
		ID:         uuid.NewString(),
		Role:       compress.RoleUser,
		Content:    rawInput,
		TokenCount: s.Counter.CountTokens(rawInput),
		Timestamp:  time.Now().UTC(),
	}
	if err := s.appendMessage(ctx, userMsg, nil); err != nil {
		return TurnResult{}, fmt.Errorf("failed to persist user message: %w", err)
	}

	decision, err := s.Budget.PreCheck(ctx, s.Cfg.BudgetID, 0)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to check budget status: %w", err)
	}
	if decision == budget.DecisionBlocked || decision == budget.DecisionEmergencyStop {
		return TurnResult{Kind: "budget_exhausted", Reply: "the token budget for this session is exhausted; the request was not sent to the model"}, nil
	}

	prepared, err := compress.PrepareContext(ctx, s.Caller, s.Counter, s.messages, s.pinnedIDs, s.Cfg.Compress)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to prepare context: %w", err)
	}

	resp, err := s.Caller.Call(ctx, llm.Request{
		BudgetID:      s.Cfg.BudgetID,
		CorrelationID: userMsg.ID,
		Model:         s.Cfg.Model,
		Prompt:        renderPrompt(prepared.Messages),
		MaxTokens:     s.Cfg.MaxTokens,
	})
	if err != nil {
		var budgetErr *llm.BudgetExhaustedError
		if asBudgetExhausted(err, &budgetErr) {
			return TurnResult{Kind: "budget_exhausted", Reply: budgetErr.Error()}, nil
		}
		return TurnResult{}, err
	}

	assistantMsg := compress.Message{
		ID:      uuid.NewString(),
		Role:    compress.RoleAssistant,
		Content: resp.Content,
		Timestamp: time.Now().UTC(),
	}
	if !usageIsZero(resp.Usage) {
		assistantMsg.TokenCount = resp.Usage.InputTokens + resp.Usage.OutputTokens
	} else {
		assistantMsg.TokenCount = s.Counter.CountTokens(resp.Content)
	}
	usage := resp.Usage
	if err := s.appendMessage(ctx, assistantMsg, &usage); err != nil {
		return TurnResult{}, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	if s.checkpointDue() {
		if _, err := s.fireCheckpoint(ctx, ""); err != nil {
			s.Logger.Error("failed to fire checkpoint", "error", err, "session_id", s.ID)
		}
	}

	return TurnResult{Kind: "reply", Reply: resp.Content, Usage: resp.Usage}, nil
}

func usageIsZero(u llm.Usage) bool { return u.InputTokens == 0 && u.OutputTokens == 0 }

func asBudgetExhausted(err error, target **llm.BudgetExhaustedError) bool {
	if be, ok := err.(*llm.BudgetExhaustedError); ok {
		*target = be
		return true
	}
	return false
}

func renderPrompt(messages []compress.Message) string {
	var out string
	for _, m := range messages {
		out += fmt.Sprintf("[%s] %s\n", m.Role, m.Content)
	}
	return out
}

func (s *Session) runMetaCommand(ctx context.Context, cmd metacmd.Command) (TurnResult, error) {
	switch cmd.Kind {
	case metacmd.KindStatus:
		snap, err := s.Budget.Snapshot(ctx, s.Cfg.BudgetID)
		if err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Kind: "meta_status", StatusSnapshot: snap}, nil

	case metacmd.KindCheckpoint:
		id, err := s.fireCheckpoint(ctx, cmd.Label)
		if err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Kind: "meta_checkpoint", CheckpointID: id}, nil

	case metacmd.KindRestore:
		id, err := s.restore(ctx, cmd.CheckpointID)
		if err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Kind: "meta_restore", RestoredFromID: id}, nil

	case metacmd.KindPin:
		if err := s.pin(ctx, cmd.MessageID); err != nil {
			return TurnResult{}, err
		}
		return TurnResult{Kind: "meta_pin"}, nil

	case metacmd.KindHistory:
		return TurnResult{Kind: "meta_history", HistoryMessages: s.lastN(cmd.Count)}, nil

	default:
		return TurnResult{}, fmt.Errorf("unhandled meta-command kind %q", cmd.Kind)
	}
}

func (s *Session) lastN(n int) []compress.Message {
	if n >= len(s.messages) {
		return append([]compress.Message{}, s.messages...)
	}
	return append([]compress.Message{}, s.messages[len(s.messages)-n:]...)
}

func (s *Session) nextVersion() int64 { return s.version + 1 }

func (s *Session) appendMessage(ctx context.Context, msg compress.Message, usage *llm.Usage) error {
	payload := messageAddedPayload{ID: msg.ID, Role: msg.Role, Content: msg.Content, TokenCount: msg.TokenCount, Timestamp: msg.Timestamp, Usage: usage}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	expected := s.version
	events, err := s.Store.Append(ctx, s.streamID(), []eventstore.NewEvent{{
		Type: eventMessageAdded, Version: s.nextVersion(), Data: data,
	}}, &expected)
	if err != nil {
		return err
	}

	s.messages = append(s.messages, msg)
	s.version = events[len(events)-1].Version
	s.messagesSinceCheckpoint++
	return nil
}

func (s *Session) pin(ctx context.Context, messageID string) error {
	found := false
	for _, m := range s.messages {
		if m.ID == messageID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("cannot pin unknown message id %q", messageID)
	}

	data, err := json.Marshal(messagePinnedPayload{MessageID: messageID})
	if err != nil {
		return err
	}
	expected := s.version
	events, err := s.Store.Append(ctx, s.streamID(), []eventstore.NewEvent{{
		Type: eventMessagePinned, Version: s.nextVersion(), Data: data,
	}}, &expected)
	if err != nil {
		return err
	}

	s.pinnedIDs[messageID] = true
	s.version = events[len(events)-1].Version
	return nil
}

func (s *Session) checkpointDue() bool {
	return s.messagesSinceCheckpoint >= s.Cfg.CheckpointEveryMessages ||
		time.Since(s.lastCheckpointAt) >= s.Cfg.CheckpointEveryInterval
}

func (s *Session) snapshot() sessionSnapshot {
	pinned := make([]string, 0, len(s.pinnedIDs))
	for id := range s.pinnedIDs {
		pinned = append(pinned, id)
	}
	return sessionSnapshot{Messages: append([]compress.Message{}, s.messages...), PinnedIDs: pinned}
}

// fireCheckpoint persists a full snapshot of the in-memory state via the
// store's checkpoint table, and records a checkpoint_created event on the
// stream so recovery knows one happened.
func (s *Session) fireCheckpoint(ctx context.Context, label string) (string, error) {
	snap := s.snapshot()
	state, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}

	checkpointID := uuid.NewString()
	if err := s.Store.SaveCheckpoint(ctx, eventstore.Checkpoint{
		ID: checkpointID, StreamID: s.streamID(), Version: s.version, State: state,
	}); err != nil {
		return "", err
	}

	data, err := json.Marshal(checkpointCreatedPayload{CheckpointID: checkpointID, Label: label})
	if err != nil {
		return "", err
	}
	expected := s.version
	events, err := s.Store.Append(ctx, s.streamID(), []eventstore.NewEvent{{
		Type: eventCheckpointCreated, Version: s.nextVersion(), Data: data,
	}}, &expected)
	if err != nil {
		return "", err
	}

	s.version = events[len(events)-1].Version
	s.messagesSinceCheckpoint = 0
	s.lastCheckpointAt = time.Now().UTC()
	return checkpointID, nil
}

// restore jumps to an explicit (or, if empty, the latest) checkpoint and
// records a session_restored event at the new head, embedding the
// checkpoint's full snapshot so a later Recover does not need to consult
// the checkpoint table again to replay this event.
func (s *Session) restore(ctx context.Context, checkpointID string) (string, error) {
	var cp *eventstore.Checkpoint
	var err error
	if checkpointID == "" {
		cp, err = s.Store.LoadLatestCheckpoint(ctx, s.streamID())
	} else {
		cp, err = s.Store.LoadCheckpointByID(ctx, s.streamID(), checkpointID)
	}
	if err != nil {
		return "", err
	}
	if cp == nil {
		return "", fmt.Errorf("no checkpoint found for session %q", s.ID)
	}

	var snap sessionSnapshot
	if err := json.Unmarshal(cp.State, &snap); err != nil {
		return "", fmt.Errorf("failed to unmarshal checkpoint snapshot: %w", err)
	}

	data, err := json.Marshal(sessionRestoredPayload{CheckpointID: cp.ID, Snapshot: snap})
	if err != nil {
		return "", err
	}
	expected := s.version
	events, err := s.Store.Append(ctx, s.streamID(), []eventstore.NewEvent{{
		Type: eventSessionRestored, Version: s.nextVersion(), Data: data,
	}}, &expected)
	if err != nil {
		return "", err
	}

	s.applySnapshot(snap)
	s.version = events[len(events)-1].Version
	return cp.ID, nil
}

func (s *Session) applySnapshot(snap sessionSnapshot) {
	s.messages = append([]compress.Message{}, snap.Messages...)
	s.pinnedIDs = make(map[string]bool, len(snap.PinnedIDs))
	for _, id := range snap.PinnedIDs {
		s.pinnedIDs[id] = true
	}
}

// Recover loads the session's latest checkpoint (if any) and replays
// every subsequent event onto the in-memory state, in order. Unlike
// internal/eventstore.Recover's generic callback, this needs the
// checkpoint's own state payload to seed the initial message log before
// replay begins, so it drives Load+Read directly instead.
func (s *Session) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.Store.LoadLatestCheckpoint(ctx, s.streamID())
	if err != nil {
		return err
	}
	fromVersion := int64(0)
	if cp != nil {
		var snap sessionSnapshot
		if err := json.Unmarshal(cp.State, &snap); err != nil {
			return fmt.Errorf("failed to unmarshal checkpoint snapshot: %w", err)
		}
		s.applySnapshot(snap)
		fromVersion = cp.Version
	}

	events, err := s.Store.Read(ctx, s.streamID(), fromVersion)
	if err != nil {
		return err
	}

	version := fromVersion
	for _, ev := range events {
		if err := s.apply(ev); err != nil {
			return err
		}
		version = ev.Version
	}
	s.version = version
	return nil
}

func (s *Session) apply(ev eventstore.Event) error {
	switch ev.Type {
	case eventMessageAdded:
		var payload messageAddedPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return err
		}
		s.messages = append(s.messages, compress.Message{
			ID: payload.ID, Role: payload.Role, Content: payload.Content,
			TokenCount: payload.TokenCount, Timestamp: payload.Timestamp,
		})
		s.messagesSinceCheckpoint++
		return nil

	case eventMessagePinned:
		var payload messagePinnedPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return err
		}
		s.pinnedIDs[payload.MessageID] = true
		return nil

	case eventCheckpointCreated:
		s.messagesSinceCheckpoint = 0
		s.lastCheckpointAt = ev.Timestamp
		return nil

	case eventSessionRestored:
		var payload sessionRestoredPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return err
		}
		s.applySnapshot(payload.Snapshot)
		s.messagesSinceCheckpoint = 0
		return nil

	default:
		return fmt.Errorf("unknown chat event type %q", ev.Type)
	}
}

// Messages returns a copy of the current in-memory message log.
func (s *Session) Messages() []compress.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]compress.Message{}, s.messages...)
}
