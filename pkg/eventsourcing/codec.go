package eventsourcing

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Payload is implemented by every event payload type known to the registry.
type Payload interface {
	// EventName returns the stable registry name of this payload type.
	EventName() string

	// SchemaVersion returns the version of the payload shape.
	SchemaVersion() int

	// Validate reports whether required fields are present.
	Validate() error
}

// Registry maps stable event names to payload types. It is populated at
// construction time and safe for concurrent readers afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Payload
}

// NewRegistry creates an empty payload registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Payload)}
}

// Register registers a payload factory under its event name. Registering
// the same name twice is a programming error and panics.
func (r *Registry) Register(factory func() Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := factory().EventName()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("event type %q already registered", name))
	}
	r.factories[name] = factory
}

// Known reports whether an event name has a registered payload type.
func (r *Registry) Known(eventName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[eventName]
	return ok
}

// Marshal serializes a payload to JSON.
func (r *Registry) Marshal(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %q: %w", p.EventName(), err)
	}
	return data, nil
}

// Unmarshal decodes a payload by event name. Unknown names fail with
// ErrUnknownEventType; undecodable or incomplete payloads fail with
// ErrMalformedPayload. Unknown JSON fields are ignored for forward
// compatibility.
func (r *Registry) Unmarshal(eventName string, data []byte) (Payload, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventName]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownEventTypeError{EventName: eventName}
	}

	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, &MalformedPayloadError{EventName: eventName, Cause: err}
	}
	if err := p.Validate(); err != nil {
		return nil, &MalformedPayloadError{EventName: eventName, Cause: err}
	}
	return p, nil
}

// Decode resolves an event into an envelope with its decoded payload.
func (r *Registry) Decode(event *Event) (*Envelope, error) {
	payload, err := r.Unmarshal(event.Metadata.EventName, event.Payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: *event, Decoded: payload}, nil
}
