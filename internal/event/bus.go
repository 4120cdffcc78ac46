// Package event provides a small typed publish/subscribe bus. Subscribers
// receive an explicit handle for unsubscribing, so components can detach
// their listeners on teardown without leaking handlers across sessions.
package event

import "sync"

// Bus fans events of type T out to all current subscribers. Publish never
// blocks on a subscriber: handlers run synchronously in the caller's
// goroutine, in subscription order.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(T)
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns a function that removes it.
// Unsubscribing twice is a no-op.
func (b *Bus[T]) Subscribe(fn func(T)) (off func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber registered at call time.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len reports the current subscriber count.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
