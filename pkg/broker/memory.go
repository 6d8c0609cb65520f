package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// subscriberBuffer bounds the per-subscriber backlog. A subscriber that
// falls this far behind starts losing frames, consistent with the
// at-most-once contract.
const subscriberBuffer = 256

// Memory is an in-process PubSub for tests and single-node development.
type Memory struct {
	mu       sync.Mutex
	channels map[string]map[*memorySubscription]struct{}
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{channels: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers the payload to every current subscriber of the channel.
// Full subscriber buffers drop the frame rather than blocking the publisher.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := make([]*memorySubscription, 0, len(m.channels[channel]))
	for s := range m.channels[channel] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			slog.Warn("Dropped frame for slow subscriber", "channel", channel)
		}
	}
	return nil
}

// Subscribe registers a new subscriber on the channel.
func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &memorySubscription{
		broker:  m,
		channel: channel,
		ch:      make(chan []byte, subscriberBuffer),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[*memorySubscription]struct{})
	}
	m.channels[channel][s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

type memorySubscription struct {
	broker  *Memory
	channel string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) GetMessage(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-s.ch:
		return payload, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (s *memorySubscription) Unsubscribe(_ context.Context) error {
	s.detach()
	return nil
}

func (s *memorySubscription) Close() error {
	s.detach()
	return nil
}

func (s *memorySubscription) detach() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		if subs, ok := s.broker.channels[s.channel]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.broker.channels, s.channel)
			}
		}
		s.broker.mu.Unlock()
		close(s.done)
	})
}
