// Package eventbus fans typed events out to subscribers over bounded
// channels. Publish never blocks: when a subscriber's channel is full the
// event is dropped for that subscriber and counted.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrBusClosed          = errors.New("eventbus: bus is closed")
	ErrSubscriberNotFound = errors.New("eventbus: subscriber not found")
)

// DefaultBuffer is the channel capacity used when Subscribe is given a
// non-positive buffer.
const DefaultBuffer = 64

// Stats tracks delivery for one subscriber.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type subscriber[T any] struct {
	ch      chan T
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes values of type T to all current subscribers.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber[T]
	closed bool
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string]*subscriber[T])}
}

// Subscribe registers a new receiver and returns its id and channel. The
// channel is closed by Unsubscribe or Close.
func (b *Bus[T]) Subscribe(buffer int) (string, <-chan T, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", nil, ErrBusClosed
	}

	id := uuid.NewString()
	s := &subscriber[T]{ch: make(chan T, buffer)}
	b.subs[id] = s
	return id, s.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(b.subs, id)
	close(s.ch)
	return nil
}

// Publish delivers v to every subscriber before returning. Subscribers
// that are not keeping up lose the event.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		select {
		case s.ch <- v:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// Stats returns delivery counters for a subscriber.
func (b *Bus[T]) Stats(id string) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.subs[id]
	if !ok {
		return Stats{}, ErrSubscriberNotFound
	}
	return Stats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}, nil
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
