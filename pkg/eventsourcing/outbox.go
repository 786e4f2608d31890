package eventsourcing

import (
	"context"
	"time"
)

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	// OutboxPending marks a row awaiting its first publish attempt.
	OutboxPending OutboxStatus = "pending"

	// OutboxDispatched marks a row successfully published to the broker.
	OutboxDispatched OutboxStatus = "dispatched"

	// OutboxFailed marks a row whose last publish attempt failed. Failed
	// is not terminal: the row is re-polled once NextAttemptAt elapses.
	OutboxFailed OutboxStatus = "failed"
)

// OutboxMessage records one event for reliable asynchronous fan-out.
// Rows are created pending, atomically with their event.
type OutboxMessage struct {
	OutboxID      string
	EventID       string
	EventName     string
	OccurredAt    time.Time
	CorrelationID string
	CausationID   string

	// Payload is the serialized event (metadata + payload).
	Payload []byte

	Status        OutboxStatus
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
}

// Outbox is the store of pending fan-out work. Inserts happen only
// through the transactional writer; status transitions only through the
// dispatcher.
type Outbox interface {
	// GetPending returns up to batchSize rows that are due: pending, or
	// failed with NextAttemptAt elapsed. Ordered by OccurredAt ascending.
	GetPending(ctx context.Context, batchSize int) ([]*OutboxMessage, error)

	// MarkDispatched transitions rows to dispatched, incrementing
	// Attempts and clearing NextAttemptAt and LastError.
	MarkDispatched(ctx context.Context, eventIDs []string) error

	// MarkFailed transitions rows to failed, incrementing Attempts,
	// recording cause and scheduling the next attempt at now+retryAfter.
	MarkFailed(ctx context.Context, eventIDs []string, cause string, retryAfter time.Duration) error
}
