package bus

import (
	"context"
	"sync"
	"time"
)

const memoryBufferSize = 256

// Memory is an in-process Bus for tests and single-process deployments.
// Each subscriber owns a buffered queue; a subscriber that falls more than
// memoryBufferSize messages behind loses the oldest ones, mirroring Redis
// pub/sub's lack of retention for slow consumers.
type Memory struct {
	mu       sync.Mutex
	channels map[string][]*memorySubscription
	closed   bool
}

// NewMemory creates an in-memory bus.
func NewMemory() *Memory {
	return &Memory{channels: make(map[string][]*memorySubscription)}
}

// Publish delivers the payload to every current subscriber of the channel.
func (b *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.channels[channel] {
		select {
		case sub.queue <- payload:
		default:
			// Drop the oldest message to make room.
			select {
			case <-sub.queue:
			default:
			}
			sub.queue <- payload
		}
	}
	return nil
}

// Subscribe opens a subscription to the channel.
func (b *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		queue:   make(chan []byte, memoryBufferSize),
	}
	b.channels[channel] = append(b.channels[channel], sub)
	return sub, nil
}

// SubscriberCount reports how many subscriptions a channel currently has.
func (b *Memory) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

// Close shuts the bus down; subsequent operations return ErrClosed.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.channels = make(map[string][]*memorySubscription)
	return nil
}

type memorySubscription struct {
	bus     *Memory
	channel string
	queue   chan []byte
	once    sync.Once
}

func (s *memorySubscription) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-s.queue:
		return payload, nil
	case <-timer.C:
		return nil, ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		subs := s.bus.channels[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.bus.channels[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	})
	return nil
}

var _ Bus = (*Memory)(nil)
