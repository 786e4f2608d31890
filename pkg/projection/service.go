package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

// EventSource feeds events into the projection, typically a broker
// subscription.
type EventSource interface {
	Subscribe(handler func(ctx context.Context, event *eventsourcing.Event) error) error
	Close() error
}

// Service runs a projection engine as a managed service: optional
// rebuild on startup, then live consumption from the event source.
type Service struct {
	engine         *Engine
	source         EventSource
	rebuildOnStart bool
	logger         *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRebuildOnStart clears the views and refolds the full history
// before going live.
func WithRebuildOnStart(enabled bool) ServiceOption {
	return func(s *Service) { s.rebuildOnStart = enabled }
}

// WithServiceLogger sets the service's logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a projection service around the engine and source.
func NewService(engine *Engine, source EventSource, opts ...ServiceOption) *Service {
	s := &Service{
		engine: engine,
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements runner.Service.
func (s *Service) Name() string {
	return "projection-" + s.engine.ProjectionID()
}

// Start optionally rebuilds, then subscribes the engine to the source.
// Events applied twice across the rebuild/live boundary collapse on the
// projection's idempotency keys.
func (s *Service) Start(ctx context.Context) error {
	if s.rebuildOnStart {
		if err := s.engine.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild before start failed: %w", err)
		}
	}

	if err := s.source.Subscribe(s.engine.ProcessEvent); err != nil {
		return fmt.Errorf("failed to subscribe projection: %w", err)
	}

	s.logger.Info("projection service started", "projection", s.engine.ProjectionID())
	return nil
}

// Stop detaches from the event source.
func (s *Service) Stop(ctx context.Context) error {
	return s.source.Close()
}
