// Package events fans typed events out to any number of subscribers over
// bounded channels with an explicit backpressure policy.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Policy decides what Publish does when a subscriber's buffer is full.
type Policy string

const (
	// DropOldest discards the subscriber's oldest buffered event.
	DropOldest Policy = "drop_oldest"
	// Block waits for the subscriber, its unsubscription or the publish context.
	Block Policy = "block"
)

// ParsePolicy maps a configuration value to a Policy; "" means DropOldest.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(value) {
	case "", DropOldest:
		return DropOldest, nil
	case Block:
		return Block, nil
	default:
		return "", fmt.Errorf("events: unknown backpressure policy %q", value)
	}
}

// Bus is safe for concurrent use.
type Bus[T any] struct {
	buffer int
	policy Policy

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

func NewBus[T any](buffer int, policy Policy) *Bus[T] {
	if buffer <= 0 {
		buffer = 64
	}
	if policy == "" {
		policy = DropOldest
	}
	return &Bus[T]{buffer: buffer, policy: policy, subs: make(map[uint64]*Subscription[T])}
}

// Subscription receives events published after it was created. The channel
// closes on Unsubscribe or when the bus closes.
type Subscription[T any] struct {
	id      uint64
	bus     *Bus[T]
	ch      chan T
	done    chan struct{}
	once    sync.Once
	sendMu  sync.Mutex
	dropped atomic.Uint64
}

// Subscribe may be called any number of times, including after earlier
// subscriptions ended. On a closed bus the returned subscription is already
// finished.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		bus:  b,
		ch:   make(chan T, b.buffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.finish(false)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Publish delivers event to every current subscriber according to the policy.
func (b *Bus[T]) Publish(ctx context.Context, event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if b.policy == Block {
			sub.sendBlocking(ctx, event)
			continue
		}
		sub.sendDropOldest(event)
	}
}

// Subscribers counts live subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription[T])
	b.mu.Unlock()
	for _, sub := range subs {
		sub.finish(false)
	}
}

func (s *Subscription[T]) sendDropOldest(event T) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		select {
		case <-s.done:
			return
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription[T]) sendBlocking(ctx context.Context, event T) {
	select {
	case <-s.done:
	case s.ch <- event:
	case <-ctx.Done():
		s.dropped.Add(1)
	}
}

// C returns the receive channel.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Done closes when the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Dropped counts events this subscriber lost to backpressure.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe ends the subscription. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() { s.finish(true) }

func (s *Subscription[T]) finish(detach bool) {
	s.once.Do(func() {
		// Closing done first releases a publisher blocked on this subscriber,
		// which in turn releases the bus read lock needed below.
		close(s.done)
		if detach {
			s.bus.mu.Lock()
			delete(s.bus.subs, s.id)
			s.bus.mu.Unlock()
		}
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}
