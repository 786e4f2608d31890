package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
	"github.com/plaenen/waitqueue/pkg/projection"
	"github.com/plaenen/waitqueue/pkg/sqlite/migrate"
)

// ReadModelStore implements projection.Context on SQLite. It can share
// the pipeline database (pass store.DB()) or live in its own file for
// independent scaling of reads.
type ReadModelStore struct {
	db    *sql.DB
	clock eventsourcing.Clock
	mu    sync.Mutex // serializes view writers; readers hit the pool directly
}

type readModelConfig struct {
	autoMigrate bool
	clock       eventsourcing.Clock
}

// ReadModelOption configures a ReadModelStore.
type ReadModelOption func(*readModelConfig)

// WithReadModelAutoMigrate runs pending read-model migrations on startup.
func WithReadModelAutoMigrate(enabled bool) ReadModelOption {
	return func(c *readModelConfig) { c.autoMigrate = enabled }
}

// WithReadModelClock sets the clock used for bookkeeping timestamps.
func WithReadModelClock(clock eventsourcing.Clock) ReadModelOption {
	return func(c *readModelConfig) { c.clock = clock }
}

// NewReadModelStore creates a read-model store on the given database.
func NewReadModelStore(db *sql.DB, opts ...ReadModelOption) (*ReadModelStore, error) {
	config := readModelConfig{autoMigrate: true, clock: eventsourcing.SystemClock()}
	for _, opt := range opts {
		opt(&config)
	}

	store := &ReadModelStore{db: db, clock: config.clock}

	if config.autoMigrate {
		m := migrate.New(db, "readmodel_schema_migrations")
		if err := m.LoadFromFS(readModelMigrationsFS, "readmodel_migrations"); err != nil {
			return nil, fmt.Errorf("failed to load read model migrations: %w", err)
		}
		if err := m.Up(); err != nil {
			return nil, fmt.Errorf("failed to run read model migrations: %w", err)
		}
	}

	return store, nil
}

// DB returns the underlying database handle.
func (s *ReadModelStore) DB() *sql.DB {
	return s.db
}

// AlreadyProcessed reports whether the idempotency key was applied.
func (s *ReadModelStore) AlreadyProcessed(ctx context.Context, projectionID, idempotencyKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM projection_processed_keys
		WHERE projection_id = ? AND idempotency_key = ?
	`, projectionID, idempotencyKey).Scan(&one)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed key: %w", err)
	}
	return true, nil
}

// MarkProcessed records an idempotency key as applied.
func (s *ReadModelStore) MarkProcessed(ctx context.Context, projectionID, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_processed_keys (projection_id, idempotency_key, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(projection_id, idempotency_key) DO NOTHING
	`, projectionID, idempotencyKey, s.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to mark key processed: %w", err)
	}
	return nil
}

// GetCheckpoint loads the projection's checkpoint, nil when none exists.
func (s *ReadModelStore) GetCheckpoint(ctx context.Context, projectionID string) (*projection.Checkpoint, error) {
	var (
		cp             projection.Checkpoint
		checkpointedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT projection_id, last_event_version, checkpointed_at, idempotency_key, status
		FROM projection_checkpoints
		WHERE projection_id = ?
	`, projectionID).Scan(&cp.ProjectionID, &cp.LastEventVersion, &checkpointedAt, &cp.IdempotencyKey, &cp.Status)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.CheckpointedAt = time.Unix(0, checkpointedAt).UTC()
	return &cp, nil
}

// SaveCheckpoint upserts the checkpoint, last-writer-wins.
func (s *ReadModelStore) SaveCheckpoint(ctx context.Context, cp *projection.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_id, last_event_version, checkpointed_at, idempotency_key, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(projection_id) DO UPDATE SET
			last_event_version = excluded.last_event_version,
			checkpointed_at = excluded.checkpointed_at,
			idempotency_key = excluded.idempotency_key,
			status = excluded.status
	`, cp.ProjectionID, cp.LastEventVersion, cp.CheckpointedAt.UnixNano(), cp.IdempotencyKey, cp.Status)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Clear removes the projection's processed keys, checkpoint and all view
// rows. First step of a rebuild.
//
// The queue view tables belong to a single projection: a rebuild
// truncates them wholesale, so projections must not share a read model
// database. Processed keys and checkpoints are scoped per projection
// and survive a rebuild of another one.
func (s *ReadModelStore) Clear(ctx context.Context, projectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM projection_processed_keys WHERE projection_id = ?`, []any{projectionID}},
		{`DELETE FROM projection_checkpoints WHERE projection_id = ?`, []any{projectionID}},
		{`DELETE FROM queue_entries`, nil},
		{`DELETE FROM queue_monitor`, nil},
		{`DELETE FROM queue_next_turn`, nil},
		{`DELETE FROM queue_history`, nil},
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return fmt.Errorf("failed to clear projection %s: %w", projectionID, err)
		}
	}

	return tx.Commit()
}

// AddWaitingEntry upserts a patient into the queue view.
func (s *ReadModelStore) AddWaitingEntry(ctx context.Context, entry *projection.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (queue_id, patient_id, patient_name, priority, priority_rank, checked_in_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(queue_id, patient_id) DO UPDATE SET
			patient_name = excluded.patient_name,
			priority = excluded.priority,
			priority_rank = excluded.priority_rank,
			checked_in_at = excluded.checked_in_at
	`, entry.QueueID, entry.PatientID, entry.PatientName, entry.Priority,
		projection.PriorityRank(entry.Priority), entry.CheckedInAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to add waiting entry: %w", err)
	}
	return nil
}

// RemoveWaitingEntry deletes a patient from the queue view, returning
// the removed entry or nil when the patient was not waiting.
func (s *ReadModelStore) RemoveWaitingEntry(ctx context.Context, queueID, patientID string) (*projection.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		entry       projection.QueueEntry
		checkedInAt int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT queue_id, patient_id, patient_name, priority, checked_in_at
		FROM queue_entries
		WHERE queue_id = ? AND patient_id = ?
	`, queueID, patientID).Scan(&entry.QueueID, &entry.PatientID, &entry.PatientName, &entry.Priority, &checkedInAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read waiting entry: %w", err)
	}
	entry.CheckedInAt = time.Unix(0, checkedInAt).UTC()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE queue_id = ? AND patient_id = ?
	`, queueID, patientID); err != nil {
		return nil, fmt.Errorf("failed to remove waiting entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &entry, nil
}

// AdjustCounters shifts the monitor counters for one priority bucket,
// clamping at zero. Unrecognized buckets only move the total.
func (s *ReadModelStore) AdjustCounters(ctx context.Context, queueID, priority string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bucket string
	switch priority {
	case projection.PriorityHigh:
		bucket = "high_priority"
	case projection.PriorityNormal:
		bucket = "normal_priority"
	case projection.PriorityLow:
		bucket = "low_priority"
	}

	query := `
		INSERT INTO queue_monitor (queue_id, total_waiting) VALUES (?, 0)
		ON CONFLICT(queue_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, queueID); err != nil {
		return fmt.Errorf("failed to ensure monitor row: %w", err)
	}

	update := `UPDATE queue_monitor SET total_waiting = MAX(0, total_waiting + ?)`
	args := []any{delta}
	if bucket != "" {
		update += fmt.Sprintf(`, %s = MAX(0, %s + ?)`, bucket, bucket)
		args = append(args, delta)
	}
	update += ` WHERE queue_id = ?`
	args = append(args, queueID)

	if _, err := s.db.ExecContext(ctx, update, args...); err != nil {
		return fmt.Errorf("failed to adjust counters: %w", err)
	}
	return nil
}

// UpsertNextTurn replaces the "now serving" view for the queue.
func (s *ReadModelStore) UpsertNextTurn(ctx context.Context, turn *projection.NextTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_next_turn (queue_id, patient_id, patient_name, room, called_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(queue_id) DO UPDATE SET
			patient_id = excluded.patient_id,
			patient_name = excluded.patient_name,
			room = excluded.room,
			called_at = excluded.called_at
	`, turn.QueueID, turn.PatientID, turn.PatientName, turn.Room, turn.CalledAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert next turn: %w", err)
	}
	return nil
}

// ClearNextTurn removes the "now serving" view when it names the patient.
func (s *ReadModelStore) ClearNextTurn(ctx context.Context, queueID, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_next_turn WHERE queue_id = ? AND patient_id = ?
	`, queueID, patientID)
	if err != nil {
		return fmt.Errorf("failed to clear next turn: %w", err)
	}
	return nil
}

// PushHistory appends a history line, trimming to projection.HistoryCap
// entries per queue.
func (s *ReadModelStore) PushHistory(ctx context.Context, entry *projection.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_history (queue_id, entry_type, patient_id, occurred_at)
		VALUES (?, ?, ?, ?)
	`, entry.QueueID, entry.EntryType, entry.PatientID, entry.OccurredAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to push history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queue_history
		WHERE queue_id = ? AND seq NOT IN (
			SELECT seq FROM queue_history WHERE queue_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, entry.QueueID, entry.QueueID, projection.HistoryCap); err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}

	return tx.Commit()
}

// WaitingEntries reads the queue view: high before normal before low,
// ties by check-in time.
func (s *ReadModelStore) WaitingEntries(ctx context.Context, queueID string) ([]*projection.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, patient_id, patient_name, priority, checked_in_at
		FROM queue_entries
		WHERE queue_id = ?
		ORDER BY priority_rank ASC, checked_in_at ASC, patient_id ASC
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to read waiting entries: %w", err)
	}
	defer rows.Close()

	var entries []*projection.QueueEntry
	for rows.Next() {
		var (
			entry       projection.QueueEntry
			checkedInAt int64
		)
		if err := rows.Scan(&entry.QueueID, &entry.PatientID, &entry.PatientName, &entry.Priority, &checkedInAt); err != nil {
			return nil, fmt.Errorf("failed to scan waiting entry: %w", err)
		}
		entry.CheckedInAt = time.Unix(0, checkedInAt).UTC()
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Monitor reads the counters view; zero counters when absent.
func (s *ReadModelStore) Monitor(ctx context.Context, queueID string) (*projection.MonitorCounters, error) {
	counters := &projection.MonitorCounters{QueueID: queueID}

	err := s.db.QueryRowContext(ctx, `
		SELECT total_waiting, high_priority, normal_priority, low_priority
		FROM queue_monitor
		WHERE queue_id = ?
	`, queueID).Scan(&counters.TotalWaiting, &counters.HighPriority, &counters.NormalPriority, &counters.LowPriority)

	if err == sql.ErrNoRows {
		return counters, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read monitor counters: %w", err)
	}
	return counters, nil
}

// CurrentTurn reads the "now serving" view, nil when absent.
func (s *ReadModelStore) CurrentTurn(ctx context.Context, queueID string) (*projection.NextTurn, error) {
	var (
		turn     projection.NextTurn
		calledAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT queue_id, patient_id, patient_name, room, called_at
		FROM queue_next_turn
		WHERE queue_id = ?
	`, queueID).Scan(&turn.QueueID, &turn.PatientID, &turn.PatientName, &turn.Room, &calledAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read next turn: %w", err)
	}

	turn.CalledAt = time.Unix(0, calledAt).UTC()
	return &turn, nil
}

// History reads the rolling history, most recent first.
func (s *ReadModelStore) History(ctx context.Context, queueID string) ([]*projection.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, entry_type, patient_id, occurred_at
		FROM queue_history
		WHERE queue_id = ?
		ORDER BY seq DESC
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var entries []*projection.HistoryEntry
	for rows.Next() {
		var (
			entry      projection.HistoryEntry
			occurredAt int64
		)
		if err := rows.Scan(&entry.QueueID, &entry.EntryType, &entry.PatientID, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.OccurredAt = time.Unix(0, occurredAt).UTC()
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

var _ projection.Context = (*ReadModelStore)(nil)
