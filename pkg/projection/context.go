// Package projection materializes waiting-queue read views as a pure
// fold of the event history. Views are idempotent under replay and can
// always be rebuilt from the log.
package projection

import (
	"context"
	"time"
)

// Checkpoint tracks how far a projection has advanced. One checkpoint
// exists per projection; saving is last-writer-wins.
type Checkpoint struct {
	ProjectionID     string
	LastEventVersion int64
	CheckpointedAt   time.Time
	IdempotencyKey   string
	Status           string
}

// QueueEntry is one waiting patient in the queue view. Entries are read
// back in priority-then-arrival order.
type QueueEntry struct {
	QueueID     string
	PatientID   string
	PatientName string
	Priority    string // normalized: high, normal, low
	CheckedInAt time.Time
}

// MonitorCounters is the dashboard view of one queue.
type MonitorCounters struct {
	QueueID        string
	TotalWaiting   int
	HighPriority   int
	NormalPriority int
	LowPriority    int
}

// NextTurn is the "now serving" view of one queue.
type NextTurn struct {
	QueueID     string
	PatientID   string
	PatientName string
	Room        string
	CalledAt    time.Time
}

// HistoryEntry is one line of the bounded rolling queue history.
type HistoryEntry struct {
	QueueID    string
	EntryType  string
	PatientID  string
	OccurredAt time.Time
}

// HistoryCap bounds the rolling history per queue.
const HistoryCap = 100

// Context is the capability set handlers mutate views through. Every
// mutator is a pure function of current view state plus its arguments:
// handlers never read the wall clock, event timestamps are the only
// clock. Implementations must be safe for concurrent readers.
type Context interface {
	// AlreadyProcessed reports whether the projection has applied this
	// idempotency key before.
	AlreadyProcessed(ctx context.Context, projectionID, idempotencyKey string) (bool, error)

	// MarkProcessed records an idempotency key as applied.
	MarkProcessed(ctx context.Context, projectionID, idempotencyKey string) error

	// GetCheckpoint returns the projection's checkpoint, nil when none
	// has been written yet.
	GetCheckpoint(ctx context.Context, projectionID string) (*Checkpoint, error)

	// SaveCheckpoint upserts the projection's checkpoint.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// Clear removes the projection's processed keys and checkpoint along
	// with all view rows. First step of a rebuild.
	Clear(ctx context.Context, projectionID string) error

	// AddWaitingEntry inserts a patient into the queue view.
	AddWaitingEntry(ctx context.Context, entry *QueueEntry) error

	// RemoveWaitingEntry deletes a patient from the queue view and
	// returns the removed entry, nil when the patient was not waiting.
	RemoveWaitingEntry(ctx context.Context, queueID, patientID string) (*QueueEntry, error)

	// AdjustCounters shifts the monitor counters for one priority bucket
	// by delta, clamping at zero.
	AdjustCounters(ctx context.Context, queueID, priority string, delta int) error

	// UpsertNextTurn replaces the queue's "now serving" view.
	UpsertNextTurn(ctx context.Context, turn *NextTurn) error

	// ClearNextTurn removes the "now serving" view when it names the
	// given patient.
	ClearNextTurn(ctx context.Context, queueID, patientID string) error

	// PushHistory appends a history line, trimming the queue's history
	// to HistoryCap entries.
	PushHistory(ctx context.Context, entry *HistoryEntry) error

	// WaitingEntries reads the queue view in priority-then-arrival order.
	WaitingEntries(ctx context.Context, queueID string) ([]*QueueEntry, error)

	// Monitor reads the counters view; zero counters when absent.
	Monitor(ctx context.Context, queueID string) (*MonitorCounters, error)

	// CurrentTurn reads the "now serving" view, nil when absent.
	CurrentTurn(ctx context.Context, queueID string) (*NextTurn, error)

	// History reads the rolling history, most recent first.
	History(ctx context.Context, queueID string) ([]*HistoryEntry, error)
}
