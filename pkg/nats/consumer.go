package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

// Consumer delivers events from the JetStream stream to a handler.
// The durable name pins the consumer's position so restarts resume
// where the previous process left off.
type Consumer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	durable string

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewConsumer connects to NATS for consuming the event stream.
func NewConsumer(config Config, durableName string) (*Consumer, error) {
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

	return &Consumer{
		nc:      nc,
		js:      js,
		subject: config.SubjectPrefix + ".>",
		durable: durableName,
	}, nil
}

// Subscribe starts delivering events to the handler. A handler error
// naks the message so JetStream redelivers it; undecodable messages are
// terminated since redelivery cannot fix them.
func (c *Consumer) Subscribe(handler func(ctx context.Context, event *eventsourcing.Event) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return fmt.Errorf("already subscribed")
	}

	sub, err := c.js.Subscribe(
		c.subject,
		func(msg *nats.Msg) {
			var event eventsourcing.Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				msg.Term()
				return
			}

			if err := handler(context.Background(), &event); err != nil {
				msg.Nak()
				return
			}
			msg.Ack()
		},
		nats.Durable(c.durable),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.sub = sub
	return nil
}

// Close drains the subscription and closes the connection.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.nc.Close()
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
		c.sub = nil
	}
	c.nc.Close()
	return nil
}
