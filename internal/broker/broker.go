// Package broker defines the message-broker contract the queue orchestrator
// speaks, plus the AMQP and in-memory transports that implement it.
package broker

import (
	"context"
)

const (
	// QueuePlaylistAdvanced carries "item advanced" events from the external
	// track selector to the orchestrator.
	QueuePlaylistAdvanced = "playlist-advanced"
	// QueuePlayerRequest carries advance requests from the orchestrator (and
	// viewer-triggered requests) to the external track selector.
	QueuePlayerRequest = "player-request"
)

// Delivery is one message taken off a named queue. ID is stable across
// redeliveries so consumers can deduplicate at-least-once delivery.
type Delivery struct {
	ID   string
	Body []byte
}

// Broker is a durable, at-least-once, ordered named-queue transport.
// Redelivery and retry are the transport's responsibility; callers never
// retry a failed Publish themselves.
type Broker interface {
	// Publish enqueues body onto the named queue.
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume returns a channel of deliveries from the named queue. The
	// channel closes when ctx is cancelled or the transport shuts down.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	Close() error
}
