// Package outbox drains the transactional outbox into the message broker.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
	"github.com/plaenen/waitqueue/pkg/observability"
)

// Publisher sends one outbox message to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg *eventsourcing.OutboxMessage) error
}

// Dispatcher defaults.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultBatchSize        = 100
	DefaultMaxAttempts      = 5
	DefaultBaseRetryDelay   = 30 * time.Second
	DefaultMaxRetryDelay    = time.Hour
	DefaultPoisonQuarantine = 365 * 24 * time.Hour
)

// Dispatcher polls the outbox and publishes pending messages to the
// broker. Delivery is at-least-once: a message marked dispatched only
// after a successful publish may still be re-sent when the process dies
// between publish and mark, so consumers dedup on the event ID.
type Dispatcher struct {
	outbox    eventsourcing.Outbox
	publisher Publisher
	registry  *eventsourcing.Registry
	clock     eventsourcing.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer

	pollInterval     time.Duration
	batchSize        int
	maxAttempts      int
	baseRetryDelay   time.Duration
	maxRetryDelay    time.Duration
	poisonQuarantine time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPollInterval sets how often the outbox is polled.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

// WithBatchSize sets the maximum messages claimed per poll.
func WithBatchSize(size int) DispatcherOption {
	return func(d *Dispatcher) { d.batchSize = size }
}

// WithMaxAttempts sets the attempt count after which a message is
// quarantined.
func WithMaxAttempts(attempts int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = attempts }
}

// WithRetryDelays sets the exponential backoff base and ceiling.
func WithRetryDelays(base, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.baseRetryDelay = base
		d.maxRetryDelay = max
	}
}

// WithClock sets the clock used for backoff scheduling.
func WithClock(clock eventsourcing.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the dispatcher's metric instruments.
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher draining the given outbox into the
// given publisher. Every message is decoded through the registry before
// publish; rows that fail to decode are settled as publish failures and
// never reach the broker.
func NewDispatcher(ob eventsourcing.Outbox, publisher Publisher, registry *eventsourcing.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		outbox:           ob,
		publisher:        publisher,
		registry:         registry,
		clock:            eventsourcing.SystemClock(),
		logger:           slog.Default(),
		metrics:          observability.NoopMetrics(),
		tracer:           otel.Tracer("waitqueue/outbox"),
		pollInterval:     DefaultPollInterval,
		batchSize:        DefaultBatchSize,
		maxAttempts:      DefaultMaxAttempts,
		baseRetryDelay:   DefaultBaseRetryDelay,
		maxRetryDelay:    DefaultMaxRetryDelay,
		poisonQuarantine: DefaultPoisonQuarantine,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements runner.Service.
func (d *Dispatcher) Name() string {
	return "outbox-dispatcher"
}

// Start launches the polling loop. Non-blocking; the loop runs until
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != nil {
		return fmt.Errorf("dispatcher already started")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.run(loopCtx)

	d.logger.Info("outbox dispatcher started",
		"poll_interval", d.pollInterval,
		"batch_size", d.batchSize)
	return nil
}

// Stop cancels the polling loop and waits for it to drain.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		d.logger.Info("outbox dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stop timed out: %w", ctx.Err())
	}
}

// IsRunning reports whether the polling loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// HealthCheck reports broker health when the publisher exposes it.
func (d *Dispatcher) HealthCheck(ctx context.Context) error {
	if hc, ok := d.publisher.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()

	for {
		if err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			// Infrastructure failure, not message failure. Log and keep
			// polling; the next tick retries.
			d.logger.Error("outbox poll failed", "error", err)
		}

		timer.Reset(d.pollInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// DispatchOnce claims one batch of due messages and publishes them.
// Each message is settled independently so one bad payload does not
// hold back the rest of the batch.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	batch, err := d.outbox.GetPending(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch pending outbox messages: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "outbox.dispatch",
		trace.WithAttributes(attribute.Int("outbox.batch_size", len(batch))))
	defer span.End()

	var dispatched []string
	for _, msg := range batch {
		if err := d.decodeMessage(msg); err != nil {
			d.metrics.DispatchFailures.Add(ctx, 1)
			if settleErr := d.settleFailure(ctx, msg, err); settleErr != nil {
				return settleErr
			}
			continue
		}

		start := d.clock.Now()
		err := d.publisher.Publish(ctx, msg)
		d.metrics.PublishLatency.Record(ctx, d.clock.Now().Sub(start).Seconds())

		if err != nil {
			d.metrics.DispatchFailures.Add(ctx, 1)
			if settleErr := d.settleFailure(ctx, msg, err); settleErr != nil {
				return settleErr
			}
			continue
		}

		dispatched = append(dispatched, msg.EventID)
		d.metrics.EventsDispatched.Add(ctx, 1)
	}

	if len(dispatched) > 0 {
		if err := d.outbox.MarkDispatched(ctx, dispatched); err != nil {
			return fmt.Errorf("failed to mark messages dispatched: %w", err)
		}
		d.logger.Debug("outbox batch dispatched", "count", len(dispatched))
	}
	return nil
}

// decodeMessage checks the outbox payload is a well-formed event with a
// registered type. Rows that fail here take the same retry/quarantine
// path as broker failures instead of shipping undecodable bytes.
func (d *Dispatcher) decodeMessage(msg *eventsourcing.OutboxMessage) error {
	var event eventsourcing.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return &eventsourcing.MalformedPayloadError{EventName: msg.EventName, Cause: err}
	}
	if _, err := d.registry.Decode(&event); err != nil {
		return err
	}
	return nil
}

// settleFailure records a publish failure: exponential backoff while
// attempts remain, quarantine once they are exhausted.
func (d *Dispatcher) settleFailure(ctx context.Context, msg *eventsourcing.OutboxMessage, cause error) error {
	attempts := msg.Attempts + 1

	if attempts >= d.maxAttempts {
		d.logger.Error("outbox message quarantined",
			"outbox_id", msg.OutboxID,
			"event_id", msg.EventID,
			"event_name", msg.EventName,
			"attempts", attempts,
			"error", cause)
		d.metrics.PoisonedMessages.Add(ctx, 1)

		if err := d.outbox.MarkFailed(ctx, []string{msg.EventID}, cause.Error(), d.poisonQuarantine); err != nil {
			return fmt.Errorf("failed to quarantine message %s: %w", msg.OutboxID, err)
		}
		return nil
	}

	delay := d.backoffDelay(msg.Attempts)
	d.logger.Warn("outbox publish failed, scheduling retry",
		"outbox_id", msg.OutboxID,
		"event_id", msg.EventID,
		"attempts", attempts,
		"retry_in", delay,
		"error", cause)

	if err := d.outbox.MarkFailed(ctx, []string{msg.EventID}, cause.Error(), delay); err != nil {
		return fmt.Errorf("failed to mark message failed %s: %w", msg.OutboxID, err)
	}
	return nil
}

// backoffDelay doubles the base delay per prior attempt, capped at the
// configured ceiling.
func (d *Dispatcher) backoffDelay(priorAttempts int) time.Duration {
	delay := d.baseRetryDelay
	for i := 0; i < priorAttempts; i++ {
		delay *= 2
		if delay >= d.maxRetryDelay {
			return d.maxRetryDelay
		}
	}
	if delay > d.maxRetryDelay {
		return d.maxRetryDelay
	}
	return delay
}
