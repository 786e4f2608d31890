package eventsourcing

import (
	"encoding/json"
	"time"

	"github.com/plaenen/waitqueue/pkg/idgen"
)

// Metadata carries the identity and causation context of an event.
// Every field is stamped once, when the event is created; the writer
// only rewrites Version on append.
type Metadata struct {
	// EventID is the unique identifier for this event.
	EventID string `json:"event_id"`

	// AggregateID is the identifier of the stream this event belongs to.
	AggregateID string `json:"aggregate_id"`

	// Version is the per-aggregate sequence number, starting at 1.
	Version int64 `json:"version"`

	// OccurredAt is when the event was created (UTC).
	OccurredAt time.Time `json:"occurred_at"`

	// CorrelationID traces related events across aggregates.
	CorrelationID string `json:"correlation_id"`

	// CausationID is the ID of the command or event that caused this event.
	CausationID string `json:"causation_id"`

	// Actor is the principal (user, service, system) that triggered this event.
	Actor string `json:"actor"`

	// IdempotencyKey is globally unique; duplicate appends with the same
	// key are no-ops at the event log.
	IdempotencyKey string `json:"idempotency_key"`

	// SchemaVersion versions the payload shape.
	SchemaVersion int `json:"schema_version"`

	// EventName is the stable registry name of the payload type.
	EventName string `json:"event_name"`
}

// Event is an immutable fact: a serialized payload plus its metadata.
type Event struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Envelope pairs a stored event with its decoded payload.
type Envelope struct {
	Event
	Decoded Payload
}

// Builder stamps new events with identity and causation metadata.
// Command handlers construct one per command and create the uncommitted
// events through it; the transactional writer assigns final versions.
type Builder struct {
	clock         Clock
	correlationID string
	causationID   string
	actor         string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithCorrelationID sets the correlation ID stamped on new events.
func WithCorrelationID(id string) BuilderOption {
	return func(b *Builder) { b.correlationID = id }
}

// WithCausationID sets the causation ID stamped on new events.
func WithCausationID(id string) BuilderOption {
	return func(b *Builder) { b.causationID = id }
}

// WithActor sets the actor stamped on new events.
func WithActor(actor string) BuilderOption {
	return func(b *Builder) { b.actor = actor }
}

// NewBuilder creates a Builder using the given clock.
func NewBuilder(clock Clock, opts ...BuilderOption) *Builder {
	b := &Builder{clock: clock}
	for _, opt := range opts {
		opt(b)
	}
	if b.correlationID == "" {
		b.correlationID = idgen.New()
	}
	return b
}

// New creates an unversioned event for the given aggregate. Version is
// zero until the writer stamps it on append.
func (b *Builder) New(aggregateID string, p Payload, codec *Registry) (*Event, error) {
	data, err := codec.Marshal(p)
	if err != nil {
		return nil, err
	}

	return &Event{
		Metadata: Metadata{
			EventID:        idgen.New(),
			AggregateID:    aggregateID,
			OccurredAt:     b.clock.Now(),
			CorrelationID:  b.correlationID,
			CausationID:    b.causationID,
			Actor:          b.actor,
			IdempotencyKey: idgen.New(),
			SchemaVersion:  p.SchemaVersion(),
			EventName:      p.EventName(),
		},
		Payload: data,
	}, nil
}
