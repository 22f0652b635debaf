// Package eventstore is the append-only event log and checkpoint store
// every other component persists its state through. It is grounded on the
// teacher's internal/eventlog (append semantics) and internal/ledger
// (replay/checkpoint semantics), generalized from a single JSONL-per-run log
// to a SQLite-backed multi-stream store with optimistic concurrency and a
// monotonic cross-stream global position, per the data model's Event and
// Checkpoint types. Migrations follow the embedded-iofs pattern used
// elsewhere in the pack for schema-managed SQL stores.
package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Event is the immutable envelope persisted for every stream append.
type Event struct {
	ID             string
	StreamID       string
	Type           string
	Version        int64
	Timestamp      time.Time
	CorrelationID  string
	CausationID    string
	Data           json.RawMessage
	Metadata       json.RawMessage
	GlobalPosition int64
}

// NewEvent is the caller-supplied shape for one event being appended; ID,
// Timestamp, and GlobalPosition are assigned by the store.
type NewEvent struct {
	Type          string
	Version       int64
	CorrelationID string
	CausationID   string
	Data          json.RawMessage
	Metadata      json.RawMessage
}

// Checkpoint is a point-in-time snapshot of a stream's derived state.
type Checkpoint struct {
	ID        string
	StreamID  string
	Version   int64
	State     json.RawMessage
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// ConcurrencyError is raised when an append's expected version, or the
// version sequence within the batch, does not match the stream's current
// version.
type ConcurrencyError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: expected version %d, got %d", e.StreamID, e.Expected, e.Actual)
}

// DatabaseError wraps a persistent storage failure that survived retry.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// Store is the SQLite-backed event log and checkpoint store.
type Store struct {
	db *sql.DB
}

// Config controls retry behavior for transient lock contention.
type Config struct {
	MaxRetryElapsed time.Duration
}

func defaultConfig() Config {
	return Config{MaxRetryElapsed: 5 * time.Second}
}

// Open opens (and creates, if absent) a SQLite database at path, applies WAL
// mode and busy-timeout pragmas, and runs pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; serialize through one connection.

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// isTransient reports whether err represents a retriable SQLite lock
// contention error.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// withRetry runs fn, retrying on transient lock errors with bounded
// exponential backoff, and wraps a persistent failure in DatabaseError.
func withRetry(ctx context.Context, op string, fn func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = defaultConfig().MaxRetryElapsed
	policy := backoff.WithContext(expBackoff, ctx)
	err := backoff.Retry(func() error {
		err := fn()
		if err != nil && isTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)

	if err == nil {
		return nil
	}
	var perr *backoff.PermanentError
	if errors.As(err, &perr) {
		return perr.Err
	}
	return &DatabaseError{Op: op, Err: err}
}

// currentVersion returns the highest version recorded for streamID within
// tx, or 0 if the stream has no events yet.
func currentVersion(tx *sql.Tx, streamID string) (int64, error) {
	var version sql.NullInt64
	err := tx.QueryRow(`SELECT MAX(version) FROM events WHERE stream_id = ?`, streamID).Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return version.Int64, nil
}

func nextGlobalPosition(tx *sql.Tx) (int64, error) {
	var next int64
	if err := tx.QueryRow(`SELECT next FROM global_position_seq WHERE id = 1`).Scan(&next); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE global_position_seq SET next = ? WHERE id = 1`, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// Append inserts events onto streamID inside an IMMEDIATE transaction,
// enforcing that each event's version is exactly one past the previous
// (current version + i + 1), and that expectedVersion, when supplied,
// matches the stream's current version. Any mismatch raises
// ConcurrencyError and the transaction is rolled back.
func (s *Store) Append(ctx context.Context, streamID string, events []NewEvent, expectedVersion *int64) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var result []Event
	err := withRetry(ctx, "append", func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		current, err := currentVersion(tx, streamID)
		if err != nil {
			return err
		}

		if expectedVersion != nil && *expectedVersion != current {
			return &ConcurrencyError{StreamID: streamID, Expected: *expectedVersion, Actual: current}
		}

		now := time.Now().UTC()
		for i, ne := range events {
			wantVersion := current + int64(i) + 1
			if ne.Version != wantVersion {
				return &ConcurrencyError{StreamID: streamID, Expected: wantVersion, Actual: ne.Version}
			}

			pos, err := nextGlobalPosition(tx)
			if err != nil {
				return err
			}

			id := uuid.NewString()
			data := ne.Data
			if data == nil {
				data = json.RawMessage("{}")
			}
			metadata := ne.Metadata
			if metadata == nil {
				metadata = json.RawMessage("{}")
			}

			_, err = tx.Exec(
				`INSERT INTO events (id, stream_id, type, version, timestamp, correlation_id, causation_id, data, metadata, global_position)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, streamID, ne.Type, ne.Version, now.Format(time.RFC3339Nano), ne.CorrelationID, ne.CausationID, []byte(data), []byte(metadata), pos,
			)
			if err != nil {
				return err
			}

			result = append(result, Event{
				ID:             id,
				StreamID:       streamID,
				Type:           ne.Type,
				Version:        ne.Version,
				Timestamp:      now,
				CorrelationID:  ne.CorrelationID,
				CausationID:    ne.CausationID,
				Data:           data,
				Metadata:       metadata,
				GlobalPosition: pos,
			})
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Read yields events for streamID with version > fromVersion, in strictly
// increasing version order.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	var events []Event
	err := withRetry(ctx, "read", func() error {
		events = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, stream_id, type, version, timestamp, correlation_id, causation_id, data, metadata, global_position
			 FROM events WHERE stream_id = ? AND version > ? ORDER BY version ASC`,
			streamID, fromVersion,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	return events, err
}

// ReadAll yields events across all streams with global_position >
// fromGlobalPosition, in strictly increasing global position, optionally
// filtered to the given event types.
func (s *Store) ReadAll(ctx context.Context, fromGlobalPosition int64, types []string) ([]Event, error) {
	var events []Event
	err := withRetry(ctx, "read_all", func() error {
		events = nil
		query := `SELECT id, stream_id, type, version, timestamp, correlation_id, causation_id, data, metadata, global_position
			 FROM events WHERE global_position > ?`
		args := []interface{}{fromGlobalPosition}
		if len(types) > 0 {
			placeholders := make([]string, len(types))
			for i, t := range types {
				placeholders[i] = "?"
				args = append(args, t)
			}
			query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
		}
		query += " ORDER BY global_position ASC"

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	return events, err
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var ev Event
	var timestamp string
	var data, metadata []byte
	if err := rows.Scan(&ev.ID, &ev.StreamID, &ev.Type, &ev.Version, &timestamp, &ev.CorrelationID, &ev.CausationID, &data, &metadata, &ev.GlobalPosition); err != nil {
		return Event{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("failed to parse event timestamp: %w", err)
	}
	ev.Timestamp = ts
	ev.Data = data
	ev.Metadata = metadata
	return ev, nil
}

// SaveCheckpoint persists cp, indexed by (stream_id, version).
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	state := cp.State
	if state == nil {
		state = json.RawMessage("{}")
	}
	metadata := cp.Metadata
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	return withRetry(ctx, "save_checkpoint", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (id, stream_id, version, state, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.StreamID, cp.Version, []byte(state), []byte(metadata), now.Format(time.RFC3339Nano),
		)
		return err
	})
}

// LoadLatestCheckpoint returns the highest-version checkpoint for streamID,
// or nil if none exists.
func (s *Store) LoadLatestCheckpoint(ctx context.Context, streamID string) (*Checkpoint, error) {
	return s.loadCheckpoint(ctx,
		`SELECT id, stream_id, version, state, metadata, created_at FROM checkpoints
		 WHERE stream_id = ? ORDER BY version DESC LIMIT 1`,
		streamID,
	)
}

// LoadCheckpointAtVersion returns the latest checkpoint for streamID with
// version <= v, or nil if none exists.
func (s *Store) LoadCheckpointAtVersion(ctx context.Context, streamID string, v int64) (*Checkpoint, error) {
	return s.loadCheckpoint(ctx,
		`SELECT id, stream_id, version, state, metadata, created_at FROM checkpoints
		 WHERE stream_id = ? AND version <= ? ORDER BY version DESC LIMIT 1`,
		streamID, v,
	)
}

// LoadCheckpointByID returns the checkpoint with the given id on streamID,
// or nil if none exists. Used by callers that need to restore to a
// specific labeled checkpoint rather than the latest one.
func (s *Store) LoadCheckpointByID(ctx context.Context, streamID, id string) (*Checkpoint, error) {
	return s.loadCheckpoint(ctx,
		`SELECT id, stream_id, version, state, metadata, created_at FROM checkpoints
		 WHERE stream_id = ? AND id = ? LIMIT 1`,
		streamID, id,
	)
}

func (s *Store) loadCheckpoint(ctx context.Context, query string, args ...interface{}) (*Checkpoint, error) {
	var cp *Checkpoint
	err := withRetry(ctx, "load_checkpoint", func() error {
		cp = nil
		row := s.db.QueryRowContext(ctx, query, args...)
		var c Checkpoint
		var createdAt string
		var state, metadata []byte
		err := row.Scan(&c.ID, &c.StreamID, &c.Version, &state, &metadata, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return err
		}
		c.CreatedAt = ts
		c.State = state
		c.Metadata = metadata
		cp = &c
		return nil
	})
	return cp, err
}

// Recover reconstructs stream state by loading the latest checkpoint (if
// any), then replaying every event with version greater than the
// checkpoint's. apply is invoked once per replayed event, in order. It
// returns the version the stream is at after recovery.
func (s *Store) Recover(ctx context.Context, streamID string, apply func(Event) error) (int64, error) {
	fromVersion := int64(0)

	checkpoint, err := s.LoadLatestCheckpoint(ctx, streamID)
	if err != nil {
		return 0, err
	}
	if checkpoint != nil {
		fromVersion = checkpoint.Version
	}

	events, err := s.Read(ctx, streamID, fromVersion)
	if err != nil {
		return 0, err
	}

	version := fromVersion
	for _, ev := range events {
		if err := apply(ev); err != nil {
			return version, err
		}
		version = ev.Version
	}
	return version, nil
}
