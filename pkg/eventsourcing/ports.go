package eventsourcing

import (
	"context"
	"fmt"
)

// EventLog is the read surface of the append-only event log.
type EventLog interface {
	// ReadByAggregate returns an aggregate's events ordered by version
	// ascending. An unknown aggregate yields an empty slice.
	ReadByAggregate(ctx context.Context, aggregateID string) ([]*Event, error)

	// ReadAll returns every event in the log. Events are ordered by
	// (occurred_at, aggregate_id, version): per-aggregate version order
	// is guaranteed, cross-aggregate order is stable across calls but
	// otherwise unspecified.
	ReadAll(ctx context.Context) ([]*Event, error)

	// MaxVersion returns the current version of an aggregate, 0 if the
	// aggregate has no events.
	MaxVersion(ctx context.Context, aggregateID string) (int64, error)
}

// Writer persists uncommitted events under optimistic concurrency,
// enqueueing one outbox row per newly appended event in the same
// transaction.
type Writer interface {
	// Save appends events with versions expectedVersion+1..+n. Returns
	// ErrVersionConflict if the aggregate has moved past expectedVersion.
	// Re-saving events whose idempotency keys are already persisted is a
	// no-op for those events.
	Save(ctx context.Context, aggregateID string, expectedVersion int64, events []*Event) error
}

// AggregateStream is an aggregate's full history plus its current version.
type AggregateStream struct {
	AggregateID string
	Events      []*Event
	Version     int64
}

// LoadAggregate replays an aggregate's events from the log. Returns
// ErrAggregateNotFound when the aggregate has no events.
func LoadAggregate(ctx context.Context, log EventLog, aggregateID string) (*AggregateStream, error) {
	events, err := log.ReadByAggregate(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrAggregateNotFound
	}

	return &AggregateStream{
		AggregateID: aggregateID,
		Events:      events,
		Version:     events[len(events)-1].Metadata.Version,
	}, nil
}
