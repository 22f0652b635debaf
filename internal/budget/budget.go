// Package budget implements atomic reserve/commit/rollback token budgeting
// on top of eventstore: every mutation is persisted as an event on the
// budget's own stream, and the in-memory state held here is a derived
// projection rebuilt by replaying that stream. The reserve/commit/rollback
// shape mirrors the teacher's idempotency package's id-generation habits
// (random ids via google/uuid) and its insistence on explicit,
// atomic state transitions.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/lorch/internal/eventstore"
)

// Decision classifies how close a budget is to its limits.
type Decision string

const (
	DecisionOK            Decision = "OK"
	DecisionWarning       Decision = "WARNING"
	DecisionBlocked       Decision = "BLOCKED"
	DecisionEmergencyStop Decision = "EMERGENCY_STOP"
)

// Thresholds are fractions of Limit at which Decision escalates.
type Thresholds struct {
	Soft      float64 // default 0.8
	Hard      float64 // default 1.0
	Emergency float64 // default 1.2
}

func defaultThresholds() Thresholds {
	return Thresholds{Soft: 0.8, Hard: 1.0, Emergency: 1.2}
}

func (t Thresholds) decide(projectedRatio float64) Decision {
	switch {
	case projectedRatio >= t.Emergency:
		return DecisionEmergencyStop
	case projectedRatio >= t.Hard:
		return DecisionBlocked
	case projectedRatio >= t.Soft:
		return DecisionWarning
	default:
		return DecisionOK
	}
}

const defaultReservationTimeout = 5 * time.Minute

// ReservationNotFoundError is raised by Commit when no live reservation
// matches the given id. Rollback treats the same condition as a silent
// no-op instead.
type ReservationNotFoundError struct {
	ReservationID string
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("reservation %q not found", e.ReservationID)
}

// ReserveResult is the outcome of a reserve call.
type ReserveResult struct {
	Success       bool
	ReservationID string
	Reason        string
	Status        Decision
}

type reservation struct {
	ID            string
	BudgetID      string
	Tokens        int64
	CorrelationID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

type budgetState struct {
	Limit        int64
	Used         int64
	Reserved     int64
	Thresholds   Thresholds
	Reservations map[string]*reservation
	version      int64
}

func newBudgetState(limit int64, thresholds Thresholds) *budgetState {
	return &budgetState{
		Limit:        limit,
		Thresholds:   thresholds,
		Reservations: make(map[string]*reservation),
	}
}

type eventPayload struct {
	ReservationID string     `json:"reservation_id,omitempty"`
	Tokens        int64      `json:"tokens,omitempty"`
	ActualTokens  int64      `json:"actual_tokens,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Limit         int64      `json:"limit,omitempty"`
	Thresholds    Thresholds `json:"thresholds,omitempty"`
}

// Tracker is the atomic reserve/commit/rollback token budget service. All
// mutating operations persist an event on the budget's stream before the
// in-memory projection is updated, and a per-tracker mutex serializes
// projection updates so the invariant used+reserved == Σcommitted+Σlive
// always holds between calls.
type Tracker struct {
	store              *eventstore.Store
	reservationTimeout time.Duration

	mu      sync.Mutex
	budgets map[string]*budgetState
}

// NewTracker builds a Tracker backed by store.
func NewTracker(store *eventstore.Store) *Tracker {
	return &Tracker{
		store:              store,
		reservationTimeout: defaultReservationTimeout,
		budgets:            make(map[string]*budgetState),
	}
}

func streamID(budgetID string) string {
	return "budget:" + budgetID
}

// CreateBudget records a budget_created event at version 1 and seeds the
// in-memory projection.
func (t *Tracker) CreateBudget(ctx context.Context, budgetID string, limit int64, thresholds *Thresholds) error {
	th := defaultThresholds()
	if thresholds != nil {
		th = *thresholds
	}

	data, err := json.Marshal(eventPayload{Limit: limit, Thresholds: th})
	if err != nil {
		return fmt.Errorf("failed to marshal budget_created payload: %w", err)
	}

	if _, err := t.store.Append(ctx, streamID(budgetID), []eventstore.NewEvent{
		{Type: "budget_created", Version: 1, Data: data},
	}, nil); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	state := newBudgetState(limit, th)
	state.version = 1
	t.budgets[budgetID] = state
	return nil
}

// load returns the cached projection for budgetID, hydrating it from the
// event log on first access.
func (t *Tracker) load(ctx context.Context, budgetID string) (*budgetState, error) {
	if state, ok := t.budgets[budgetID]; ok {
		return state, nil
	}

	state := newBudgetState(0, defaultThresholds())
	version, err := t.store.Recover(ctx, streamID(budgetID), func(ev eventstore.Event) error {
		return applyEvent(state, ev)
	})
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fmt.Errorf("budget %q does not exist", budgetID)
	}
	state.version = version
	t.budgets[budgetID] = state
	return state, nil
}

func applyEvent(state *budgetState, ev eventstore.Event) error {
	var payload eventPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", ev.Type, err)
	}

	switch ev.Type {
	case "budget_created":
		state.Limit = payload.Limit
		state.Thresholds = payload.Thresholds
	case "tokens_reserved":
		state.Reserved += payload.Tokens
		state.Reservations[payload.ReservationID] = &reservation{
			ID:            payload.ReservationID,
			Tokens:        payload.Tokens,
			CorrelationID: payload.CorrelationID,
			CreatedAt:     ev.Timestamp,
			ExpiresAt:     payload.ExpiresAt,
		}
	case "tokens_committed":
		// On replay the earlier tokens_reserved event has re-added the
		// reservation, so it is released here exactly as Commit does live
		// before the actual tokens are added to used.
		if r, ok := state.Reservations[payload.ReservationID]; ok {
			state.Reserved -= r.Tokens
			delete(state.Reservations, payload.ReservationID)
		}
		state.Used += payload.ActualTokens
	case "tokens_released":
		if r, ok := state.Reservations[payload.ReservationID]; ok {
			state.Reserved -= r.Tokens
			delete(state.Reservations, payload.ReservationID)
		}
	case "budget_exhausted":
		// Informational; no state change beyond what tokens_committed applied.
	}
	return nil
}

func (t *Tracker) nextVersion(state *budgetState) int64 {
	state.version++
	return state.version
}

// sweepExpired removes reservations whose expiry has passed, persisting a
// tokens_released event (reason "expired") for each and releasing their
// tokens back to the budget.
func (t *Tracker) sweepExpired(ctx context.Context, budgetID string, state *budgetState, now time.Time) error {
	for id, r := range state.Reservations {
		if !now.After(r.ExpiresAt) {
			continue
		}
		data, err := json.Marshal(eventPayload{ReservationID: id, Reason: "expired"})
		if err != nil {
			return fmt.Errorf("failed to marshal tokens_released payload: %w", err)
		}
		if _, err := t.store.Append(ctx, streamID(budgetID), []eventstore.NewEvent{
			{Type: "tokens_released", Version: t.nextVersion(state), Data: data},
		}, nil); err != nil {
			state.version-- // undo speculative bump on failed append
			return err
		}
		state.Reserved -= r.Tokens
		delete(state.Reservations, id)
	}
	return nil
}

// Reserve sweeps expired reservations, then attempts to reserve tokens
// against budgetID. On success a tokens_reserved event is emitted and the
// reservation expires after the tracker's reservation timeout.
func (t *Tracker) Reserve(ctx context.Context, budgetID string, tokens int64, correlationID string) (ReserveResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx, budgetID)
	if err != nil {
		return ReserveResult{}, err
	}

	now := time.Now().UTC()
	if err := t.sweepExpired(ctx, budgetID, state, now); err != nil {
		return ReserveResult{}, err
	}

	available := state.Limit - state.Used - state.Reserved
	if tokens > available {
		projected := float64(state.Used+state.Reserved+tokens) / float64(state.Limit)
		return ReserveResult{
			Success: false,
			Reason:  "insufficient budget",
			Status:  state.Thresholds.decide(projected),
		}, nil
	}

	reservationID := uuid.NewString()
	expiresAt := now.Add(t.reservationTimeout)

	data, err := json.Marshal(eventPayload{
		ReservationID: reservationID,
		Tokens:        tokens,
		CorrelationID: correlationID,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return ReserveResult{}, fmt.Errorf("failed to marshal tokens_reserved payload: %w", err)
	}

	if _, err := t.store.Append(ctx, streamID(budgetID), []eventstore.NewEvent{
		{Type: "tokens_reserved", Version: t.nextVersion(state), CorrelationID: correlationID, Data: data},
	}, nil); err != nil {
		state.version--
		return ReserveResult{}, err
	}

	state.Reserved += tokens
	state.Reservations[reservationID] = &reservation{
		ID:            reservationID,
		BudgetID:      budgetID,
		Tokens:        tokens,
		CorrelationID: correlationID,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}

	return ReserveResult{Success: true, ReservationID: reservationID}, nil
}

// Commit finalizes a reservation: used increases by actualTokens, reserved
// decreases by the original reservation amount, and a tokens_committed
// event is emitted. If the new used total reaches the limit, a
// budget_exhausted event is also emitted. A reservation that cannot be
// found raises ReservationNotFoundError.
func (t *Tracker) Commit(ctx context.Context, budgetID, reservationID string, actualTokens int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx, budgetID)
	if err != nil {
		return err
	}

	r, ok := state.Reservations[reservationID]
	if !ok {
		return &ReservationNotFoundError{ReservationID: reservationID}
	}

	data, err := json.Marshal(eventPayload{ReservationID: reservationID, ActualTokens: actualTokens})
	if err != nil {
		return fmt.Errorf("failed to marshal tokens_committed payload: %w", err)
	}

	events := []eventstore.NewEvent{
		{Type: "tokens_committed", Version: t.nextVersion(state), Data: data},
	}

	newUsed := state.Used + actualTokens
	if newUsed >= state.Limit {
		exhaustedData, err := json.Marshal(eventPayload{Limit: state.Limit})
		if err != nil {
			return fmt.Errorf("failed to marshal budget_exhausted payload: %w", err)
		}
		events = append(events, eventstore.NewEvent{Type: "budget_exhausted", Version: t.nextVersion(state), Data: exhaustedData})
	}

	if _, err := t.store.Append(ctx, streamID(budgetID), events, nil); err != nil {
		state.version -= int64(len(events))
		return err
	}

	state.Used = newUsed
	state.Reserved -= r.Tokens
	delete(state.Reservations, reservationID)
	return nil
}

// Rollback releases a reservation without counting its tokens as used. A
// reservation that no longer exists is treated as already rolled back and
// Rollback returns nil.
func (t *Tracker) Rollback(ctx context.Context, budgetID, reservationID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx, budgetID)
	if err != nil {
		return err
	}

	r, ok := state.Reservations[reservationID]
	if !ok {
		return nil
	}

	data, err := json.Marshal(eventPayload{ReservationID: reservationID, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to marshal tokens_released payload: %w", err)
	}

	if _, err := t.store.Append(ctx, streamID(budgetID), []eventstore.NewEvent{
		{Type: "tokens_released", Version: t.nextVersion(state), Data: data},
	}, nil); err != nil {
		state.version--
		return err
	}

	state.Reserved -= r.Tokens
	delete(state.Reservations, reservationID)
	return nil
}

// PreCheck projects used+reserved+estimated against budgetID's limit and
// returns the resulting Decision without reserving anything.
func (t *Tracker) PreCheck(ctx context.Context, budgetID string, estimated int64) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx, budgetID)
	if err != nil {
		return "", err
	}

	projected := float64(state.Used+state.Reserved+estimated) / float64(state.Limit)
	return state.Thresholds.decide(projected), nil
}

// Snapshot is a read-only view of a budget's current projection, useful for
// diagnostics and tests.
type Snapshot struct {
	Limit    int64
	Used     int64
	Reserved int64
}

// Snapshot returns the current projection for budgetID.
func (t *Tracker) Snapshot(ctx context.Context, budgetID string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx, budgetID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Limit: state.Limit, Used: state.Used, Reserved: state.Reserved}, nil
}
