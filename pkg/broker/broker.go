// Package broker decouples the event producer from WebSocket consumers that
// may live in other processes. Each response travels one named channel;
// delivery is at-most-once and best-effort ordered per channel, so
// subscribers must tolerate reconnection losing in-flight frames — no replay
// is provided.
//
// Subscriptions poll with a short timeout instead of blocking indefinitely,
// keeping listener goroutines responsive to cancellation.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by GetMessage once the subscription has been closed.
var ErrClosed = errors.New("broker: subscription closed")

// Publisher is the send side of the broker.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PubSub is the full broker surface consumed by the session manager.
type PubSub interface {
	Publisher
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one channel's receive handle.
type Subscription interface {
	// GetMessage waits up to timeout for the next payload. A nil payload
	// with nil error means the poll timed out or a control frame arrived;
	// ErrClosed means the subscription is gone and the caller should stop.
	GetMessage(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Unsubscribe stops delivery for the channel.
	Unsubscribe(ctx context.Context) error

	// Close releases the handle.
	Close() error
}
