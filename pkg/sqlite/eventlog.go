package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

const eventColumns = `event_id, aggregate_id, version, occurred_at, correlation_id,
	causation_id, actor, idempotency_key, schema_version, event_name, payload`

// ReadByAggregate returns an aggregate's events ordered by version.
func (s *Store) ReadByAggregate(ctx context.Context, aggregateID string) ([]*eventsourcing.Event, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM events
		WHERE aggregate_id = ?
		ORDER BY version ASC
	`, eventColumns), aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregate %s: %w", aggregateID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReadAll returns every event ordered by (occurred_at, aggregate_id,
// version). Per-aggregate version order is guaranteed; the cross-aggregate
// order is stable across calls but otherwise an implementation detail.
func (s *Store) ReadAll(ctx context.Context) ([]*eventsourcing.Event, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM events
		ORDER BY occurred_at ASC, aggregate_id ASC, version ASC
	`, eventColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// MaxVersion returns the aggregate's current version, 0 when absent.
func (s *Store) MaxVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?
	`, aggregateID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read max version for %s: %w", aggregateID, err)
	}
	return version, nil
}

// maxVersionTx reads the current version under the caller's transaction.
func maxVersionTx(ctx context.Context, tx *sql.Tx, aggregateID string) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?
	`, aggregateID).Scan(&version)
	return version, err
}

// insertEventTx inserts one event within the caller's transaction.
// Returns false without error when the idempotency key already exists.
// A (aggregate_id, version) unique violation means another writer won
// the race after our version check and surfaces as a version conflict.
func insertEventTx(ctx context.Context, tx *sql.Tx, event *eventsourcing.Event) (bool, error) {
	meta := event.Metadata
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, aggregate_id, version, occurred_at, correlation_id,
			causation_id, actor, idempotency_key, schema_version, event_name, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		meta.EventID, meta.AggregateID, meta.Version, meta.OccurredAt.UnixNano(),
		meta.CorrelationID, meta.CausationID, meta.Actor, meta.IdempotencyKey,
		meta.SchemaVersion, meta.EventName, string(event.Payload),
	)
	if err != nil {
		if isVersionUniqueViolation(err) {
			return false, eventsourcing.NewVersionConflictError(meta.AggregateID, meta.Version-1, meta.Version)
		}
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func isVersionUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: events.aggregate_id")
}

func scanEvents(rows *sql.Rows) ([]*eventsourcing.Event, error) {
	var events []*eventsourcing.Event

	for rows.Next() {
		var (
			meta       eventsourcing.Metadata
			occurredAt int64
			payload    string
		)
		if err := rows.Scan(
			&meta.EventID, &meta.AggregateID, &meta.Version, &occurredAt,
			&meta.CorrelationID, &meta.CausationID, &meta.Actor,
			&meta.IdempotencyKey, &meta.SchemaVersion, &meta.EventName, &payload,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		meta.OccurredAt = time.Unix(0, occurredAt).UTC()

		events = append(events, &eventsourcing.Event{
			Metadata: meta,
			Payload:  []byte(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}
