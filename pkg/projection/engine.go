package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
	"github.com/plaenen/waitqueue/pkg/observability"
)

// StatusRebuildComplete is the checkpoint status written after a full
// rebuild.
const StatusRebuildComplete = "rebuild-complete"

// Engine routes events to handlers and tracks projection progress.
// Dispatch is an explicit name-to-handler table registered at
// construction; events with no handler are logged and skipped so a
// single unknown event never blocks the stream.
type Engine struct {
	projectionID string
	handlers     map[string]Handler
	store        Context
	log          eventsourcing.EventLog
	codec        *eventsourcing.Registry
	clock        eventsourcing.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock sets the clock used for checkpoint timestamps.
func WithClock(clock eventsourcing.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithMetrics sets the engine's metric instruments.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine for one projection. The handler set is
// fixed at construction.
func NewEngine(
	projectionID string,
	store Context,
	log eventsourcing.EventLog,
	codec *eventsourcing.Registry,
	handlers []Handler,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		projectionID: projectionID,
		handlers:     make(map[string]Handler, len(handlers)),
		store:        store,
		log:          log,
		codec:        codec,
		clock:        eventsourcing.SystemClock(),
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics(),
	}
	for _, h := range handlers {
		e.handlers[h.EventName()] = h
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProjectionID returns the projection this engine advances.
func (e *Engine) ProjectionID() string {
	return e.projectionID
}

// ProcessEvent applies one event and checkpoints at its version.
// Unknown event types and undecodable payloads are logged and skipped;
// handler errors propagate so the subscriber can decide to stop or skip.
func (e *Engine) ProcessEvent(ctx context.Context, event *eventsourcing.Event) error {
	applied, err := e.apply(ctx, event)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	return e.checkpoint(ctx, event.Metadata.Version, "")
}

// ProcessEvents applies a batch and writes a single checkpoint at the
// highest version seen.
func (e *Engine) ProcessEvents(ctx context.Context, batch []*eventsourcing.Event) error {
	var maxVersion int64
	var anyApplied bool

	for _, event := range batch {
		applied, err := e.apply(ctx, event)
		if err != nil {
			return err
		}
		if applied && event.Metadata.Version > maxVersion {
			maxVersion = event.Metadata.Version
		}
		anyApplied = anyApplied || applied
	}

	if !anyApplied {
		return nil
	}
	return e.checkpoint(ctx, maxVersion, "")
}

// Rebuild clears the projection and folds the full event history back
// through the handlers. Aborts on the first handler error. Rebuilding an
// empty log succeeds and checkpoints at version 0.
func (e *Engine) Rebuild(ctx context.Context) error {
	start := e.clock.Now()

	e.logger.Info("rebuilding projection", "projection", e.projectionID)

	if err := e.store.Clear(ctx, e.projectionID); err != nil {
		return fmt.Errorf("failed to clear projection %s: %w", e.projectionID, err)
	}

	history, err := e.log.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to read event history: %w", err)
	}

	var maxVersion int64
	for _, event := range history {
		applied, err := e.apply(ctx, event)
		if err != nil {
			return fmt.Errorf("rebuild aborted at event %s: %w", event.Metadata.EventID, err)
		}
		if applied && event.Metadata.Version > maxVersion {
			maxVersion = event.Metadata.Version
		}
	}

	if err := e.checkpoint(ctx, maxVersion, StatusRebuildComplete); err != nil {
		return err
	}

	elapsed := e.clock.Now().Sub(start)
	e.metrics.RebuildDuration.Record(ctx, elapsed.Seconds())
	e.logger.Info("projection rebuilt",
		"projection", e.projectionID,
		"events", len(history),
		"duration", elapsed)

	return nil
}

// apply routes one event to its handler. Returns false when the event
// was skipped (no handler, unknown type, malformed payload).
func (e *Engine) apply(ctx context.Context, event *eventsourcing.Event) (bool, error) {
	handler, ok := e.handlers[event.Metadata.EventName]
	if !ok {
		e.logger.Warn("no handler registered, skipping event",
			"projection", e.projectionID,
			"event_name", event.Metadata.EventName,
			"event_id", event.Metadata.EventID)
		e.metrics.EventsSkipped.Add(ctx, 1)
		return false, nil
	}

	envelope, err := e.codec.Decode(event)
	if err != nil {
		if errors.Is(err, eventsourcing.ErrUnknownEventType) || errors.Is(err, eventsourcing.ErrMalformedPayload) {
			e.logger.Warn("undecodable event, skipping",
				"projection", e.projectionID,
				"event_id", event.Metadata.EventID,
				"error", err)
			e.metrics.EventsSkipped.Add(ctx, 1)
			return false, nil
		}
		return false, err
	}

	if err := handler.Handle(ctx, envelope, e.store); err != nil {
		return false, fmt.Errorf("handler %s failed on event %s: %w",
			event.Metadata.EventName, event.Metadata.EventID, err)
	}

	e.metrics.EventsProjected.Add(ctx, 1)
	return true, nil
}

func (e *Engine) checkpoint(ctx context.Context, version int64, status string) error {
	err := e.store.SaveCheckpoint(ctx, &Checkpoint{
		ProjectionID:     e.projectionID,
		LastEventVersion: version,
		CheckpointedAt:   e.clock.Now(),
		IdempotencyKey:   fmt.Sprintf("%s:%d", e.projectionID, version),
		Status:           status,
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
