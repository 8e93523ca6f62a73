package bus

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis pub/sub channels.
type RedisBus struct {
	client redis.UniversalClient
}

// NewRedis creates a bus on the shared Redis client.
func NewRedis(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends the payload to every current subscriber of the channel.
// Publication is fire-and-forget: no subscribers is not an error.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a Redis subscription to the channel. The initial
// subscription confirmation is awaited so messages published after
// Subscribe returns are guaranteed to be delivered.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Receive the subscription confirmation; an error here means the
	// subscription never became active.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	return &redisSubscription{pubsub: pubsub, channel: channel}, nil
}

type redisSubscription struct {
	pubsub  *redis.PubSub
	channel string
	closed  bool
}

func (s *redisSubscription) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}

	msg, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrNoMessage
		}
		return nil, err
	}

	switch m := msg.(type) {
	case *redis.Message:
		return []byte(m.Payload), nil
	default:
		// Subscription acks and pongs are not payloads.
		return nil, ErrNoMessage
	}
}

func (s *redisSubscription) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	// Best effort on both steps; cleanup must never raise.
	_ = s.pubsub.Unsubscribe(context.Background(), s.channel)
	return s.pubsub.Close()
}

var _ Bus = (*RedisBus)(nil)
