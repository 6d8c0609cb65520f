package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements PubSub over Redis pub/sub. The client is shared with the
// rest of the process and stays open after subscriptions close.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Publish sends one payload on a channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription and waits for the server to confirm it, so
// a publish issued after Subscribe returns is observable.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return &redisSubscription{ps: ps, channel: channel}, nil
}

// Ping checks broker connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

type redisSubscription struct {
	ps      *redis.PubSub
	channel string
}

func (s *redisSubscription) GetMessage(ctx context.Context, timeout time.Duration) ([]byte, error) {
	msg, err := s.ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		if isTimeout(err) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to receive on %s: %w", s.channel, err)
	}

	switch m := msg.(type) {
	case *redis.Message:
		return []byte(m.Payload), nil
	default:
		// Subscription confirmations and pongs carry no payload.
		return nil, nil
	}
}

func (s *redisSubscription) Unsubscribe(ctx context.Context) error {
	if err := s.ps.Unsubscribe(ctx, s.channel); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.channel, err)
	}
	return nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
