// Package nats publishes outbox messages to NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

// Message headers carried on every published event.
const (
	HeaderCorrelationID = "Correlation-Id"
	HeaderType          = "Type"
	HeaderContentType   = "Content-Type"
	HeaderTimestamp     = "Timestamp"
)

// ContentTypeJSON is the payload content type for all published events.
const ContentTypeJSON = "application/json"

// Publisher is a NATS JetStream publisher for outbox messages.
// The stream is durable so consumers can catch up after downtime, and
// the broker deduplicates on message ID within its dedup window.
type Publisher struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	streamName    string
	subjectPrefix string
	mu            sync.RWMutex
}

// Config holds configuration for the NATS publisher.
type Config struct {
	// URL is the NATS server URL
	URL string

	// Username and Password authenticate the connection when set
	Username string
	Password string

	// StreamName is the JetStream stream name for events
	StreamName string

	// SubjectPrefix is prepended to the event name to form the subject
	SubjectPrefix string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64
}

// DefaultConfig returns sensible defaults for the publisher.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "WAITQUEUE_EVENTS",
		SubjectPrefix: "waitqueue.events",
		MaxAge:        7 * 24 * time.Hour, // 7 days
		MaxBytes:      1024 * 1024 * 1024, // 1 GB
	}
}

// NewPublisher connects to NATS and ensures the event stream exists.
func NewPublisher(config Config) (*Publisher, error) {
	var connOpts []nats.Option
	if config.Username != "" {
		connOpts = append(connOpts, nats.UserInfo(config.Username, config.Password))
	}

	nc, err := nats.Connect(config.URL, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &Publisher{
		nc:            nc,
		js:            js,
		streamName:    config.StreamName,
		subjectPrefix: config.SubjectPrefix,
	}

	if err := p.ensureStream(config); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return p, nil
}

// ensureStream creates or updates the JetStream stream.
func (p *Publisher) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  []string{config.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := p.js.StreamInfo(config.StreamName)
	if err != nil {
		// Stream doesn't exist, create it
		_, err = p.js.AddStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		_, err = p.js.UpdateStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}

	return nil
}

// Publish sends one outbox message to the broker. The event ID doubles
// as the broker message ID so redelivered messages collapse to one.
func (p *Publisher) Publish(ctx context.Context, msg *eventsourcing.OutboxMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := nats.NewMsg(fmt.Sprintf("%s.%s", p.subjectPrefix, msg.EventName))
	m.Data = msg.Payload
	m.Header.Set(HeaderType, msg.EventName)
	m.Header.Set(HeaderContentType, ContentTypeJSON)
	m.Header.Set(HeaderTimestamp, strconv.FormatInt(msg.OccurredAt.Unix(), 10))
	if msg.CorrelationID != "" {
		m.Header.Set(HeaderCorrelationID, msg.CorrelationID)
	}

	_, err := p.js.PublishMsg(m, nats.MsgId(msg.EventID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", msg.EventID, err)
	}
	return nil
}

// HealthCheck verifies the broker connection is alive.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("not connected to NATS")
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nc.Close()
	return nil
}
