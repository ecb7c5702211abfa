// Package bus abstracts the message transport between the orchestrator
// and the worker agents. Delivery is at-least-once: consumers must
// tolerate duplicates.
package bus

import (
	"context"
	"errors"
)

// ErrDispatchTimeout reports that a publish could not be confirmed
// within the configured flush deadline.
var ErrDispatchTimeout = errors.New("bus: dispatch flush timed out")

// ErrClosed reports an operation on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Handler processes one raw message delivered from a topic.
type Handler func(ctx context.Context, topic string, data []byte) error

// Subscription is a live topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport used for agent dispatch, agent responses and
// cross-instance push forwarding.
//
// The key orders messages that belong together: publishes carry it as
// metadata so all messages of one session can be processed in order by
// a partition-aware broker.
type Bus interface {
	// Publish sends data to a topic and confirms the handoff to the
	// broker within the flush deadline.
	Publish(ctx context.Context, topic, key string, data []byte) error

	// Subscribe delivers every message on the topic to the handler.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// QueueSubscribe joins a consumer group on the topic: each message
	// goes to exactly one member of the group.
	QueueSubscribe(topic, group string, handler Handler) (Subscription, error)

	// Connected reports whether the transport is currently usable.
	Connected() bool

	// Close drains in-flight messages and releases the transport.
	Close()
}
