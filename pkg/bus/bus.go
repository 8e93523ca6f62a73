package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMessage is returned by Receive when no message arrived within
	// the timeout. Callers treat it as "poll again", not a failure.
	ErrNoMessage = errors.New("bus: no message")

	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus: closed")
)

// Publisher publishes raw payloads to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscription is a live subscription to one channel. Close must run on
// every exit path; it is safe to call more than once.
type Subscription interface {
	// Receive blocks up to timeout for the next message. Returns
	// ErrNoMessage when the timeout elapses without one.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Close unsubscribes and releases the subscription.
	Close() error
}

// Bus combines publishing with per-channel subscriptions.
type Bus interface {
	Publisher

	// Subscribe opens a subscription to the channel. Multiple concurrent
	// subscribers each receive all messages.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
