package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

func raceEvent(eventID, aggregateID string, version int64, idempotencyKey string) *eventsourcing.Event {
	return &eventsourcing.Event{
		Metadata: eventsourcing.Metadata{
			EventID:        eventID,
			AggregateID:    aggregateID,
			Version:        version,
			OccurredAt:     time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
			IdempotencyKey: idempotencyKey,
			SchemaVersion:  1,
			EventName:      "waitqueue.patient_checked_in",
		},
		Payload: []byte(`{"patient_id":"p1","priority":"normal"}`),
	}
}

// A second process can commit the same version between our version check
// and the insert; the unique constraint loser must surface as a version
// conflict rather than a raw driver error.
func TestInsertEventTx_VersionRaceSurfacesAsConflict(t *testing.T) {
	ctx := context.Background()

	store, err := NewStore(WithMemoryDatabase())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	inserted, err := insertEventTx(ctx, tx, raceEvent("evt-1", "clinic-a", 1, "key-1"))
	if err != nil || !inserted {
		t.Fatalf("first insert failed: inserted=%v err=%v", inserted, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// Different event, different idempotency key, same slot in the stream.
	tx, err = store.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	_, err = insertEventTx(ctx, tx, raceEvent("evt-2", "clinic-a", 1, "key-2"))
	if !errors.Is(err, eventsourcing.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	var conflict *eventsourcing.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %T", err)
	}
	if conflict.AggregateID != "clinic-a" {
		t.Errorf("expected aggregate clinic-a, got %s", conflict.AggregateID)
	}
}
