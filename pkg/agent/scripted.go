package agent

import (
	"context"
	"time"
)

// Scripted replays a fixed sequence of raw events, optionally pacing them.
// Used by tests and local development without a model backend.
type Scripted struct {
	Events []any
	Delay  time.Duration // pause between events; zero means none
}

// NewScripted creates a source replaying the given events.
func NewScripted(events ...any) *Scripted {
	return &Scripted{Events: events}
}

// Stream replays the scripted events. The channel closes after the last
// event or when ctx is cancelled mid-replay.
func (s *Scripted) Stream(ctx context.Context, _ Request) (<-chan any, error) {
	ch := make(chan any)
	go func() {
		defer close(ch)
		for _, e := range s.Events {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ Source = (*Scripted)(nil)
