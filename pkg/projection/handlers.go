package projection

import (
	"context"
	"fmt"

	"github.com/plaenen/waitqueue/pkg/events"
	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

// Handler applies one event kind to the read views. Handlers contain no
// queue domain logic; they only translate event data into view mutations.
type Handler interface {
	// EventName returns the event name this handler consumes.
	EventName() string

	// Handle applies the event. Implementations derive an idempotency
	// key, return early when it was already applied, mutate the views,
	// then mark the key processed.
	Handle(ctx context.Context, env *eventsourcing.Envelope, pc Context) error
}

// idempotencyKey builds the deterministic per-handler dedup key.
func idempotencyKey(tag string, env *eventsourcing.Envelope) string {
	return fmt.Sprintf("%s:%s:%s", tag, env.Metadata.AggregateID, env.Metadata.EventID)
}

// CheckedInHandler adds the patient to the waiting list, bumps the
// monitor counters and records history.
type CheckedInHandler struct {
	ProjectionID string
}

func (CheckedInHandler) EventName() string { return events.PatientCheckedInName }

func (h CheckedInHandler) Handle(ctx context.Context, env *eventsourcing.Envelope, pc Context) error {
	key := idempotencyKey("checked-in", env)
	done, err := pc.AlreadyProcessed(ctx, h.ProjectionID, key)
	if err != nil || done {
		return err
	}

	payload := env.Decoded.(*events.PatientCheckedIn)
	priority := NormalizePriority(payload.Priority)
	queueID := env.Metadata.AggregateID

	if err := pc.AddWaitingEntry(ctx, &QueueEntry{
		QueueID:     queueID,
		PatientID:   payload.PatientID,
		PatientName: payload.PatientName,
		Priority:    priority,
		CheckedInAt: env.Metadata.OccurredAt,
	}); err != nil {
		return err
	}
	if err := pc.AdjustCounters(ctx, queueID, priority, +1); err != nil {
		return err
	}
	if err := pc.PushHistory(ctx, &HistoryEntry{
		QueueID:    queueID,
		EntryType:  "checked_in",
		PatientID:  payload.PatientID,
		OccurredAt: env.Metadata.OccurredAt,
	}); err != nil {
		return err
	}

	return pc.MarkProcessed(ctx, h.ProjectionID, key)
}

// CalledHandler moves the patient from the waiting list to the
// "now serving" view.
type CalledHandler struct {
	ProjectionID string
}

func (CalledHandler) EventName() string { return events.PatientCalledName }

func (h CalledHandler) Handle(ctx context.Context, env *eventsourcing.Envelope, pc Context) error {
	key := idempotencyKey("called", env)
	done, err := pc.AlreadyProcessed(ctx, h.ProjectionID, key)
	if err != nil || done {
		return err
	}

	payload := env.Decoded.(*events.PatientCalled)
	queueID := env.Metadata.AggregateID

	// Out-of-order tolerance: the check-in may not have arrived yet, in
	// which case there is nothing to remove and no counter to release.
	removed, err := pc.RemoveWaitingEntry(ctx, queueID, payload.PatientID)
	if err != nil {
		return err
	}

	turn := &NextTurn{
		QueueID:   queueID,
		PatientID: payload.PatientID,
		Room:      payload.Room,
		CalledAt:  env.Metadata.OccurredAt,
	}
	if removed != nil {
		turn.PatientName = removed.PatientName
		if err := pc.AdjustCounters(ctx, queueID, removed.Priority, -1); err != nil {
			return err
		}
	}
	if err := pc.UpsertNextTurn(ctx, turn); err != nil {
		return err
	}
	if err := pc.PushHistory(ctx, &HistoryEntry{
		QueueID:    queueID,
		EntryType:  "called",
		PatientID:  payload.PatientID,
		OccurredAt: env.Metadata.OccurredAt,
	}); err != nil {
		return err
	}

	return pc.MarkProcessed(ctx, h.ProjectionID, key)
}

// CancelledHandler drops the patient from the waiting list.
type CancelledHandler struct {
	ProjectionID string
}

func (CancelledHandler) EventName() string { return events.CheckInCancelledName }

func (h CancelledHandler) Handle(ctx context.Context, env *eventsourcing.Envelope, pc Context) error {
	key := idempotencyKey("cancelled", env)
	done, err := pc.AlreadyProcessed(ctx, h.ProjectionID, key)
	if err != nil || done {
		return err
	}

	payload := env.Decoded.(*events.CheckInCancelled)
	queueID := env.Metadata.AggregateID

	removed, err := pc.RemoveWaitingEntry(ctx, queueID, payload.PatientID)
	if err != nil {
		return err
	}
	if removed != nil {
		if err := pc.AdjustCounters(ctx, queueID, removed.Priority, -1); err != nil {
			return err
		}
	}
	if err := pc.PushHistory(ctx, &HistoryEntry{
		QueueID:    queueID,
		EntryType:  "cancelled",
		PatientID:  payload.PatientID,
		OccurredAt: env.Metadata.OccurredAt,
	}); err != nil {
		return err
	}

	return pc.MarkProcessed(ctx, h.ProjectionID, key)
}

// CompletedHandler clears the "now serving" view when the visit ends.
type CompletedHandler struct {
	ProjectionID string
}

func (CompletedHandler) EventName() string { return events.VisitCompletedName }

func (h CompletedHandler) Handle(ctx context.Context, env *eventsourcing.Envelope, pc Context) error {
	key := idempotencyKey("completed", env)
	done, err := pc.AlreadyProcessed(ctx, h.ProjectionID, key)
	if err != nil || done {
		return err
	}

	payload := env.Decoded.(*events.VisitCompleted)
	queueID := env.Metadata.AggregateID

	if err := pc.ClearNextTurn(ctx, queueID, payload.PatientID); err != nil {
		return err
	}
	if err := pc.PushHistory(ctx, &HistoryEntry{
		QueueID:    queueID,
		EntryType:  "completed",
		PatientID:  payload.PatientID,
		OccurredAt: env.Metadata.OccurredAt,
	}); err != nil {
		return err
	}

	return pc.MarkProcessed(ctx, h.ProjectionID, key)
}

// QueueHandlers returns the full handler set for the waiting-queue
// projection.
func QueueHandlers(projectionID string) []Handler {
	return []Handler{
		CheckedInHandler{ProjectionID: projectionID},
		CalledHandler{ProjectionID: projectionID},
		CancelledHandler{ProjectionID: projectionID},
		CompletedHandler{ProjectionID: projectionID},
	}
}
