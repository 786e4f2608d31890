package eventsourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrAggregateNotFound is returned when a load demands an aggregate
	// that has no events.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrVersionConflict is returned on an optimistic concurrency conflict.
	// The caller must reload the aggregate and retry.
	ErrVersionConflict = errors.New("version conflict: aggregate version mismatch")

	// ErrUnknownEventType is returned when deserializing an event name
	// that has no registered payload type.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMalformedPayload is returned when a payload cannot be decoded or
	// is missing required fields.
	ErrMalformedPayload = errors.New("malformed payload")
)

// VersionConflictError reports the expected and actual versions of a
// failed append so callers can log and retry.
type VersionConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on aggregate %s: expected %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// NewVersionConflictError creates a new version conflict error.
func NewVersionConflictError(aggregateID string, expected, actual int64) error {
	return &VersionConflictError{AggregateID: aggregateID, Expected: expected, Actual: actual}
}

// UnknownEventTypeError reports the unregistered event name.
type UnknownEventTypeError struct {
	EventName string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.EventName)
}

func (e *UnknownEventTypeError) Is(target error) bool {
	return target == ErrUnknownEventType
}

// MalformedPayloadError reports why a payload failed to decode.
type MalformedPayloadError struct {
	EventName string
	Cause     error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload for event %q: %v", e.EventName, e.Cause)
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Cause
}
