package nats_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsclient "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
	"github.com/plaenen/waitqueue/pkg/nats"
)

func testMessage(eventID string) *eventsourcing.OutboxMessage {
	event := &eventsourcing.Event{
		Metadata: eventsourcing.Metadata{
			EventID:     eventID,
			AggregateID: "clinic-a",
			Version:     1,
			OccurredAt:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
			EventName:   "waitqueue.patient_checked_in",
		},
		Payload: []byte(`{"patient_id":"p1","priority":"high"}`),
	}
	payload, _ := json.Marshal(event)

	return &eventsourcing.OutboxMessage{
		OutboxID:      "ob-" + eventID,
		EventID:       eventID,
		EventName:     event.Metadata.EventName,
		OccurredAt:    event.Metadata.OccurredAt,
		CorrelationID: "corr-1",
		Payload:       payload,
	}
}

func TestPublisher_PublishAndConsume(t *testing.T) {
	srv, err := nats.StartEmbeddedServer()
	require.NoError(t, err)
	defer srv.Shutdown()

	config := nats.DefaultConfig()
	config.URL = srv.URL()

	publisher, err := nats.NewPublisher(config)
	require.NoError(t, err)
	defer publisher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := testMessage("e1")
	require.NoError(t, publisher.Publish(ctx, msg))

	// Publishing the same event again collapses on the broker message ID.
	require.NoError(t, publisher.Publish(ctx, msg))

	nc, err := nats.ConnectToEmbedded(srv)
	require.NoError(t, err)
	defer nc.Close()

	js, err := nc.JetStream()
	require.NoError(t, err)

	received := make(chan *natsclient.Msg, 4)
	sub, err := js.Subscribe(config.SubjectPrefix+".>", func(m *natsclient.Msg) {
		received <- m
		m.Ack()
	}, natsclient.AckExplicit())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var first *natsclient.Msg
	select {
	case first = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	assert.Equal(t, config.SubjectPrefix+".waitqueue.patient_checked_in", first.Subject)
	assert.Equal(t, "waitqueue.patient_checked_in", first.Header.Get(nats.HeaderType))
	assert.Equal(t, nats.ContentTypeJSON, first.Header.Get(nats.HeaderContentType))
	assert.Equal(t, "corr-1", first.Header.Get(nats.HeaderCorrelationID))
	assert.NotEmpty(t, first.Header.Get(nats.HeaderTimestamp))

	var event eventsourcing.Event
	require.NoError(t, json.Unmarshal(first.Data, &event))
	assert.Equal(t, "e1", event.Metadata.EventID)

	// The duplicate publish must not surface a second delivery.
	select {
	case dup := <-received:
		t.Fatalf("unexpected duplicate delivery: %s", dup.Header.Get(natsclient.MsgIdHdr))
	case <-time.After(500 * time.Millisecond):
	}
}

func TestConsumer_DeliversEvents(t *testing.T) {
	srv, err := nats.StartEmbeddedServer()
	require.NoError(t, err)
	defer srv.Shutdown()

	config := nats.DefaultConfig()
	config.URL = srv.URL()

	publisher, err := nats.NewPublisher(config)
	require.NoError(t, err)
	defer publisher.Close()

	consumer, err := nats.NewConsumer(config, "test-projection")
	require.NoError(t, err)
	defer consumer.Close()

	received := make(chan *eventsourcing.Event, 1)
	require.NoError(t, consumer.Subscribe(func(ctx context.Context, event *eventsourcing.Event) error {
		received <- event
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, publisher.Publish(ctx, testMessage("e2")))

	select {
	case event := <-received:
		assert.Equal(t, "e2", event.Metadata.EventID)
		assert.Equal(t, "clinic-a", event.Metadata.AggregateID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublisher_HealthCheck(t *testing.T) {
	srv, err := nats.StartEmbeddedServer()
	require.NoError(t, err)
	defer srv.Shutdown()

	config := nats.DefaultConfig()
	config.URL = srv.URL()

	publisher, err := nats.NewPublisher(config)
	require.NoError(t, err)

	require.NoError(t, publisher.HealthCheck(context.Background()))

	publisher.Close()
	assert.Error(t, publisher.HealthCheck(context.Background()))
}
