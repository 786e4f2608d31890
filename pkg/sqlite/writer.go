package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

// Save appends uncommitted events to the aggregate's stream and enqueues
// one outbox row per newly inserted event, all in a single transaction.
//
// Versions are assigned expectedVersion+1..+n. When the aggregate has
// moved past expectedVersion the whole save aborts with a
// VersionConflictError. Events whose idempotency key is already in the
// log are skipped silently, and no outbox row is written for them, so
// replaying a suspected partial commit is safe.
func (s *Store) Save(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := maxVersionTx(ctx, tx, aggregateID)
	if err != nil {
		return fmt.Errorf("failed to check current version: %w", err)
	}
	if current != expectedVersion {
		return eventsourcing.NewVersionConflictError(aggregateID, expectedVersion, current)
	}

	var outboxRows []*eventsourcing.OutboxMessage

	for i, event := range events {
		// Stamp the final version; identity fields are preserved.
		event.Metadata.AggregateID = aggregateID
		event.Metadata.Version = expectedVersion + int64(i) + 1

		inserted, err := insertEventTx(ctx, tx, event)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", event.Metadata.EventID, err)
		}
		if !inserted {
			// Already persisted under this idempotency key; its outbox
			// row was written by the original save.
			continue
		}

		payload, err := serializeEvent(event)
		if err != nil {
			return err
		}

		outboxRows = append(outboxRows, &eventsourcing.OutboxMessage{
			OutboxID:      uuid.NewString(),
			EventID:       event.Metadata.EventID,
			EventName:     event.Metadata.EventName,
			OccurredAt:    event.Metadata.OccurredAt,
			CorrelationID: event.Metadata.CorrelationID,
			CausationID:   event.Metadata.CausationID,
			Payload:       payload,
		})
	}

	if err := AddOutboxTx(ctx, tx, outboxRows); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// serializeEvent renders the full event (metadata + payload) as the
// outbox row payload, so the dispatcher can publish without touching the
// event log again.
func serializeEvent(event *eventsourcing.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event %s: %w", event.Metadata.EventID, err)
	}
	return data, nil
}
