package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/waitqueue/pkg/events"
	"github.com/plaenen/waitqueue/pkg/eventsourcing"
	"github.com/plaenen/waitqueue/pkg/sqlite"
)

func newTestStore(t *testing.T, clock eventsourcing.Clock) *sqlite.Store {
	t.Helper()

	store, err := sqlite.NewStore(
		sqlite.WithMemoryDatabase(),
		sqlite.WithClock(clock),
	)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newCheckIn(t *testing.T, builder *eventsourcing.Builder, queueID, patientID, priority string) *eventsourcing.Event {
	t.Helper()

	event, err := builder.New(queueID, &events.PatientCheckedIn{
		PatientID:   patientID,
		PatientName: "Patient " + patientID,
		Priority:    priority,
	}, events.NewRegistry())
	if err != nil {
		t.Fatalf("failed to build event: %v", err)
	}
	return event
}

func TestStore_SaveAppendsEventsAndOutboxAtomically(t *testing.T) {
	ctx := context.Background()
	clock := eventsourcing.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	builder := eventsourcing.NewBuilder(clock)

	batch := []*eventsourcing.Event{
		newCheckIn(t, builder, "clinic-a", "p1", "high"),
		newCheckIn(t, builder, "clinic-a", "p2", "normal"),
	}

	if err := store.Save(ctx, "clinic-a", 0, batch); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	stored, err := store.ReadByAggregate(ctx, "clinic-a")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 events, got %d", len(stored))
	}
	for i, event := range stored {
		if event.Metadata.Version != int64(i+1) {
			t.Errorf("expected version %d, got %d", i+1, event.Metadata.Version)
		}
	}

	// One pending outbox row per event, written in the same transaction.
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts[eventsourcing.OutboxPending] != 2 {
		t.Errorf("expected 2 pending outbox rows, got %d", counts[eventsourcing.OutboxPending])
	}

	version, err := store.MaxVersion(ctx, "clinic-a")
	if err != nil {
		t.Fatalf("max version failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected max version 2, got %d", version)
	}
}

func TestStore_SaveEmptyBatchIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, eventsourcing.SystemClock())

	if err := store.Save(ctx, "clinic-a", 0, nil); err != nil {
		t.Fatalf("empty save failed: %v", err)
	}

	version, err := store.MaxVersion(ctx, "clinic-a")
	if err != nil {
		t.Fatalf("max version failed: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}

func TestStore_SaveVersionConflict(t *testing.T) {
	ctx := context.Background()
	clock := eventsourcing.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	builder := eventsourcing.NewBuilder(clock)

	first := newCheckIn(t, builder, "clinic-a", "p1", "high")
	if err := store.Save(ctx, "clinic-a", 0, []*eventsourcing.Event{first}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// A second writer that loaded version 0 must be rejected.
	stale := newCheckIn(t, builder, "clinic-a", "p2", "low")
	err := store.Save(ctx, "clinic-a", 0, []*eventsourcing.Event{stale})
	if !errors.Is(err, eventsourcing.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	var conflict *eventsourcing.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatal("expected VersionConflictError")
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Errorf("expected 0/1, got %d/%d", conflict.Expected, conflict.Actual)
	}

	// Nothing from the rejected save leaked into the log or outbox.
	stored, err := store.ReadByAggregate(ctx, "clinic-a")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("expected 1 event, got %d", len(stored))
	}
	counts, _ := store.CountByStatus(ctx)
	if counts[eventsourcing.OutboxPending] != 1 {
		t.Errorf("expected 1 pending outbox row, got %d", counts[eventsourcing.OutboxPending])
	}
}

func TestStore_SaveSkipsDuplicateIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	clock := eventsourcing.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	builder := eventsourcing.NewBuilder(clock)

	event := newCheckIn(t, builder, "clinic-a", "p1", "high")
	duplicate := &eventsourcing.Event{Metadata: event.Metadata, Payload: event.Payload}

	// Same idempotency key twice in one batch: second insert is a no-op
	// and produces no second outbox row.
	if err := store.Save(ctx, "clinic-a", 0, []*eventsourcing.Event{event, duplicate}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	stored, err := store.ReadByAggregate(ctx, "clinic-a")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 event, got %d", len(stored))
	}

	counts, _ := store.CountByStatus(ctx)
	if counts[eventsourcing.OutboxPending] != 1 {
		t.Errorf("expected 1 pending outbox row, got %d", counts[eventsourcing.OutboxPending])
	}
}

func TestStore_ReadAllIsStableAndVersionOrdered(t *testing.T) {
	ctx := context.Background()
	clock := eventsourcing.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	builder := eventsourcing.NewBuilder(clock)

	if err := store.Save(ctx, "clinic-a", 0, []*eventsourcing.Event{
		newCheckIn(t, builder, "clinic-a", "p1", "high"),
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	clock.Advance(time.Minute)
	if err := store.Save(ctx, "clinic-b", 0, []*eventsourcing.Event{
		newCheckIn(t, builder, "clinic-b", "p2", "low"),
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	clock.Advance(time.Minute)
	if err := store.Save(ctx, "clinic-a", 1, []*eventsourcing.Event{
		newCheckIn(t, builder, "clinic-a", "p3", "normal"),
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	all, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	// Per-aggregate version order holds within the total order.
	lastVersion := map[string]int64{}
	for _, event := range all {
		if event.Metadata.Version <= lastVersion[event.Metadata.AggregateID] {
			t.Errorf("version order violated for aggregate %s", event.Metadata.AggregateID)
		}
		lastVersion[event.Metadata.AggregateID] = event.Metadata.Version
	}

	// Stable across calls.
	again, err := store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all failed: %v", err)
	}
	for i := range all {
		if all[i].Metadata.EventID != again[i].Metadata.EventID {
			t.Fatalf("read all order changed between calls at index %d", i)
		}
	}
}

func TestStore_OutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := eventsourcing.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	builder := eventsourcing.NewBuilder(clock)

	event := newCheckIn(t, builder, "clinic-a", "p1", "high")
	if err := store.Save(ctx, "clinic-a", 0, []*eventsourcing.Event{event}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	t.Run("PendingIsDue", func(t *testing.T) {
		due, err := store.GetPending(ctx, 10)
		if err != nil {
			t.Fatalf("get pending failed: %v", err)
		}
		if len(due) != 1 {
			t.Fatalf("expected 1 due row, got %d", len(due))
		}
		if due[0].EventID != event.Metadata.EventID {
			t.Errorf("unexpected event id %s", due[0].EventID)
		}
		if due[0].Status != eventsourcing.OutboxPending || due[0].Attempts != 0 {
			t.Errorf("unexpected row state: %s/%d", due[0].Status, due[0].Attempts)
		}
	})

	t.Run("FailedRowWaitsForBackoff", func(t *testing.T) {
		err := store.MarkFailed(ctx, []string{event.Metadata.EventID}, "broker down", 30*time.Second)
		if err != nil {
			t.Fatalf("mark failed errored: %v", err)
		}

		due, err := store.GetPending(ctx, 10)
		if err != nil {
			t.Fatalf("get pending failed: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("expected no due rows before backoff elapses, got %d", len(due))
		}

		clock.Advance(30 * time.Second)
		due, err = store.GetPending(ctx, 10)
		if err != nil {
			t.Fatalf("get pending failed: %v", err)
		}
		if len(due) != 1 {
			t.Fatalf("expected failed row to become due, got %d rows", len(due))
		}
		if due[0].Attempts != 1 || due[0].LastError != "broker down" {
			t.Errorf("unexpected row state: attempts=%d last_error=%q", due[0].Attempts, due[0].LastError)
		}
	})

	t.Run("DispatchedIsTerminal", func(t *testing.T) {
		if err := store.MarkDispatched(ctx, []string{event.Metadata.EventID}); err != nil {
			t.Fatalf("mark dispatched failed: %v", err)
		}

		due, err := store.GetPending(ctx, 10)
		if err != nil {
			t.Fatalf("get pending failed: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("expected no due rows after dispatch, got %d", len(due))
		}

		counts, _ := store.CountByStatus(ctx)
		if counts[eventsourcing.OutboxDispatched] != 1 {
			t.Errorf("expected 1 dispatched row, got %d", counts[eventsourcing.OutboxDispatched])
		}
	})
}

func TestStore_RequeueReleasesQuarantinedRows(t *testing.T) {
	ctx := context.Background()
	clock := eventsourcing.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	builder := eventsourcing.NewBuilder(clock)

	event := newCheckIn(t, builder, "clinic-a", "p1", "high")
	if err := store.Save(ctx, "clinic-a", 0, []*eventsourcing.Event{event}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Quarantine far into the future, the poison case.
	quarantine := 365 * 24 * time.Hour
	if err := store.MarkFailed(ctx, []string{event.Metadata.EventID}, "bad payload", quarantine); err != nil {
		t.Fatalf("mark failed errored: %v", err)
	}

	clock.Advance(48 * time.Hour)
	due, err := store.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("get pending failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("quarantined row must not be due, got %d rows", len(due))
	}

	// Operator releases the row with a fresh retry budget.
	if err := store.Requeue(ctx, []string{event.Metadata.EventID}); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}

	due, err = store.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("get pending failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected requeued row to be due, got %d rows", len(due))
	}
	if due[0].Attempts != 0 || due[0].LastError != "" {
		t.Errorf("expected reset retry budget, got attempts=%d last_error=%q", due[0].Attempts, due[0].LastError)
	}
}
