package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/waitqueue/pkg/events"
	"github.com/plaenen/waitqueue/pkg/eventsourcing"
	"github.com/plaenen/waitqueue/pkg/projection"
	"github.com/plaenen/waitqueue/pkg/sqlite"
)

const projectionID = "waiting-queue"

type fixture struct {
	store     *sqlite.Store
	readModel *sqlite.ReadModelStore
	engine    *projection.Engine
	builder   *eventsourcing.Builder
	clock     *eventsourcing.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := eventsourcing.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	store, err := sqlite.NewStore(
		sqlite.WithMemoryDatabase(),
		sqlite.WithClock(clock),
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	readModel, err := sqlite.NewReadModelStore(store.DB(), sqlite.WithReadModelClock(clock))
	require.NoError(t, err)

	engine := projection.NewEngine(
		projectionID,
		readModel,
		store,
		events.NewRegistry(),
		projection.QueueHandlers(projectionID),
		projection.WithClock(clock),
	)

	return &fixture{
		store:     store,
		readModel: readModel,
		engine:    engine,
		builder:   eventsourcing.NewBuilder(clock),
		clock:     clock,
	}
}

// checkIn appends a check-in event and returns it with its stamped version.
func (f *fixture) checkIn(t *testing.T, queueID string, version int64, patientID, priority string) *eventsourcing.Event {
	t.Helper()

	event, err := f.builder.New(queueID, &events.PatientCheckedIn{
		PatientID:   patientID,
		PatientName: "Patient " + patientID,
		Priority:    priority,
	}, events.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, f.store.Save(context.Background(), queueID, version, []*eventsourcing.Event{event}))
	return event
}

func (f *fixture) append(t *testing.T, queueID string, version int64, payload eventsourcing.Payload) *eventsourcing.Event {
	t.Helper()

	event, err := f.builder.New(queueID, payload, events.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, f.store.Save(context.Background(), queueID, version, []*eventsourcing.Event{event}))
	return event
}

func TestEngine_ProcessEventIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	event := f.checkIn(t, "clinic-a", 0, "p1", "high")

	// At-least-once delivery: the same event arrives twice.
	require.NoError(t, f.engine.ProcessEvent(ctx, event))
	require.NoError(t, f.engine.ProcessEvent(ctx, event))

	entries, err := f.readModel.WaitingEntries(ctx, "clinic-a")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	counters, err := f.readModel.Monitor(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 1, counters.TotalWaiting)
	assert.Equal(t, 1, counters.HighPriority)

	history, err := f.readModel.History(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEngine_QueueFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	checkIn := f.checkIn(t, "clinic-a", 0, "p1", "urgent")
	require.NoError(t, f.engine.ProcessEvent(ctx, checkIn))

	f.clock.Advance(time.Minute)
	called := f.append(t, "clinic-a", 1, &events.PatientCalled{PatientID: "p1", Room: "room-2"})
	require.NoError(t, f.engine.ProcessEvent(ctx, called))

	// The patient moved from waiting to "now serving", carrying the name
	// from the check-in, and the high bucket was released.
	entries, err := f.readModel.WaitingEntries(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Empty(t, entries)

	turn, err := f.readModel.CurrentTurn(ctx, "clinic-a")
	require.NoError(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, "p1", turn.PatientID)
	assert.Equal(t, "Patient p1", turn.PatientName)
	assert.Equal(t, "room-2", turn.Room)

	counters, err := f.readModel.Monitor(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 0, counters.TotalWaiting)
	assert.Equal(t, 0, counters.HighPriority)

	f.clock.Advance(time.Minute)
	completed := f.append(t, "clinic-a", 2, &events.VisitCompleted{PatientID: "p1"})
	require.NoError(t, f.engine.ProcessEvent(ctx, completed))

	turn, err = f.readModel.CurrentTurn(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Nil(t, turn)

	history, err := f.readModel.History(ctx, "clinic-a")
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Most recent first.
	assert.Equal(t, "completed", history[0].EntryType)
	assert.Equal(t, "called", history[1].EntryType)
	assert.Equal(t, "checked_in", history[2].EntryType)

	cp, err := f.readModel.GetCheckpoint(ctx, projectionID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(3), cp.LastEventVersion)
}

func TestEngine_CancelledReleasesWaitingEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	checkIn := f.checkIn(t, "clinic-a", 0, "p1", "low")
	require.NoError(t, f.engine.ProcessEvent(ctx, checkIn))

	cancelled := f.append(t, "clinic-a", 1, &events.CheckInCancelled{PatientID: "p1", Reason: "left"})
	require.NoError(t, f.engine.ProcessEvent(ctx, cancelled))

	entries, err := f.readModel.WaitingEntries(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Empty(t, entries)

	counters, err := f.readModel.Monitor(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 0, counters.TotalWaiting)
	assert.Equal(t, 0, counters.LowPriority)

	// Cancelling an unknown patient is tolerated.
	orphan := f.append(t, "clinic-a", 2, &events.CheckInCancelled{PatientID: "p9"})
	require.NoError(t, f.engine.ProcessEvent(ctx, orphan))
}

func TestEngine_SkipsUnknownEventTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	unknown := &eventsourcing.Event{
		Metadata: eventsourcing.Metadata{
			EventID:     "e-legacy",
			AggregateID: "clinic-a",
			Version:     1,
			OccurredAt:  f.clock.Now(),
			EventName:   "waitqueue.legacy_event",
		},
		Payload: []byte(`{}`),
	}

	// Skipped events advance nothing but do not fail the stream.
	require.NoError(t, f.engine.ProcessEvent(ctx, unknown))

	cp, err := f.readModel.GetCheckpoint(ctx, projectionID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestEngine_RebuildMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Five check-ins across the priority spellings: urgent and high fold
	// into high, medium and normal into normal.
	f.checkIn(t, "clinic-a", 0, "p1", "urgent")
	f.clock.Advance(time.Minute)
	f.checkIn(t, "clinic-a", 1, "p2", "medium")
	f.clock.Advance(time.Minute)
	f.checkIn(t, "clinic-a", 2, "p3", "low")
	f.clock.Advance(time.Minute)
	f.checkIn(t, "clinic-a", 3, "p4", "high")
	f.clock.Advance(time.Minute)
	f.checkIn(t, "clinic-a", 4, "p5", "normal")

	history, err := f.store.ReadAll(ctx)
	require.NoError(t, err)
	require.NoError(t, f.engine.ProcessEvents(ctx, history))

	incrementalEntries, err := f.readModel.WaitingEntries(ctx, "clinic-a")
	require.NoError(t, err)
	incrementalCounters, err := f.readModel.Monitor(ctx, "clinic-a")
	require.NoError(t, err)

	assert.Equal(t, 5, incrementalCounters.TotalWaiting)
	assert.Equal(t, 2, incrementalCounters.HighPriority)
	assert.Equal(t, 2, incrementalCounters.NormalPriority)
	assert.Equal(t, 1, incrementalCounters.LowPriority)

	// Rebuild from scratch and compare.
	require.NoError(t, f.engine.Rebuild(ctx))

	rebuiltEntries, err := f.readModel.WaitingEntries(ctx, "clinic-a")
	require.NoError(t, err)
	rebuiltCounters, err := f.readModel.Monitor(ctx, "clinic-a")
	require.NoError(t, err)

	assert.Equal(t, incrementalCounters, rebuiltCounters)
	require.Len(t, rebuiltEntries, len(incrementalEntries))
	for i := range incrementalEntries {
		assert.Equal(t, incrementalEntries[i].PatientID, rebuiltEntries[i].PatientID)
		assert.Equal(t, incrementalEntries[i].Priority, rebuiltEntries[i].Priority)
	}

	// High before normal before low, FIFO within a bucket.
	var order []string
	for _, entry := range rebuiltEntries {
		order = append(order, entry.PatientID)
	}
	assert.Equal(t, []string{"p1", "p4", "p2", "p5", "p3"}, order)

	cp, err := f.readModel.GetCheckpoint(ctx, projectionID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(5), cp.LastEventVersion)
	assert.Equal(t, projection.StatusRebuildComplete, cp.Status)
}

func TestEngine_RebuildEmptyLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.Rebuild(ctx))

	cp, err := f.readModel.GetCheckpoint(ctx, projectionID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(0), cp.LastEventVersion)
	assert.Equal(t, projection.StatusRebuildComplete, cp.Status)
}
