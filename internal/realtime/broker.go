package realtime

import (
	"context"
	"sync"
)

const streamBuffer = 64

// Broker is an in-process Publisher and Source. It is the default for a
// single-process deployment.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*brokerStream]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*brokerStream]struct{})}
}

// Publish delivers ev to every open stream of its room without blocking.
// A stream whose buffer is full drops the event and is told it lagged.
func (b *Broker) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[ev.RoomID] {
		select {
		case s.events <- ev:
		default:
			select {
			case s.errs <- ErrLagged:
			default:
			}
		}
	}
	return nil
}

func (b *Broker) Open(ctx context.Context, roomID string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &brokerStream{
		broker: b,
		roomID: roomID,
		events: make(chan Event, streamBuffer),
		errs:   make(chan error, 1),
	}
	b.mu.Lock()
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[*brokerStream]struct{})
	}
	b.subs[roomID][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// StreamCount returns the number of open streams for a room.
func (b *Broker) StreamCount(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[roomID])
}

type brokerStream struct {
	broker *Broker
	roomID string
	events chan Event
	errs   chan error
	once   sync.Once
}

func (s *brokerStream) Events() <-chan Event { return s.events }
func (s *brokerStream) Errors() <-chan error { return s.errs }

// Close detaches the stream. Its Events channel is left open: Close is the
// caller's own doing, not a connection failure.
func (s *brokerStream) Close() error {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[s.roomID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.roomID)
			}
		}
	})
	return nil
}
