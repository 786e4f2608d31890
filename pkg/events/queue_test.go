package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/waitqueue/pkg/events"
	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

func TestNewRegistry_KnowsAllQueueEvents(t *testing.T) {
	reg := events.NewRegistry()

	for _, name := range []string{
		events.PatientCheckedInName,
		events.PatientCalledName,
		events.CheckInCancelledName,
		events.VisitCompletedName,
	} {
		assert.True(t, reg.Known(name), "registry must know %s", name)
	}
	assert.False(t, reg.Known("waitqueue.unknown"))
}

func TestPatientCheckedIn_Validation(t *testing.T) {
	reg := events.NewRegistry()

	_, err := reg.Unmarshal(events.PatientCheckedInName, []byte(`{"priority":"high"}`))
	assert.ErrorIs(t, err, eventsourcing.ErrMalformedPayload)

	_, err = reg.Unmarshal(events.PatientCheckedInName, []byte(`{"patient_id":"p1"}`))
	assert.ErrorIs(t, err, eventsourcing.ErrMalformedPayload)

	payload, err := reg.Unmarshal(events.PatientCheckedInName, []byte(`{"patient_id":"p1","priority":"high"}`))
	require.NoError(t, err)
	assert.Equal(t, "p1", payload.(*events.PatientCheckedIn).PatientID)
}

func TestQueueEvents_RequirePatientID(t *testing.T) {
	reg := events.NewRegistry()

	for _, name := range []string{
		events.PatientCalledName,
		events.CheckInCancelledName,
		events.VisitCompletedName,
	} {
		_, err := reg.Unmarshal(name, []byte(`{}`))
		assert.ErrorIs(t, err, eventsourcing.ErrMalformedPayload, name)
	}
}
