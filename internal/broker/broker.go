// Package broker carries dispatch messages between the scheduler and the
// queue workers. Delivery is at-least-once: a message that is not
// acknowledged is redelivered by the backend.
package broker

import (
	"context"
	"errors"
)

var (
	// ErrBackpressure is returned by Publish when the broker refuses new
	// messages: flow control is active, the connection is blocked, the
	// broker negatively confirmed the publish or the queue is at capacity.
	ErrBackpressure = errors.New("broker: publish rejected by flow control")
	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("broker: closed")
	// ErrUnconfirmed is returned by Publish when the message was handed to
	// the broker but no confirm arrived before the deadline or the channel
	// closed. The message may or may not be queued.
	ErrUnconfirmed = errors.New("broker: publish outcome unknown")
)

// Delivery is one received dispatch message awaiting acknowledgement.
type Delivery interface {
	Body() []byte
	ID() string
	Redelivered() bool
	Ack(ctx context.Context) error
	// Nack rejects the delivery. With requeue the message is redelivered,
	// otherwise it is dropped.
	Nack(ctx context.Context, requeue bool) error
}

// Publisher sends dispatch messages persistently.
type Publisher interface {
	Publish(ctx context.Context, msg DispatchMessage) error
	Close() error
}

// Consumer subscribes to the dispatch queue. The returned channel is closed
// once ctx is cancelled and the subscription has been torn down.
type Consumer interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// QueueStats is a point-in-time view of the dispatch queue.
type QueueStats struct {
	Messages  int
	Consumers int
}

// Inspector reports queue depth for observability.
type Inspector interface {
	Inspect(ctx context.Context) (QueueStats, error)
}

// Broker is a full backend: publish, consume, inspect and health check.
type Broker interface {
	Publisher
	Consumer
	Inspector
	Ping(ctx context.Context) error
	Name() string
}
