// Package eventbus provides typed publish/subscribe with predicate filters.
//
// Each subscriber owns a goroutine and an unbounded queue, so a slow handler
// never blocks publishers or other subscribers, and every subscriber sees
// events in publish order. Components publish while holding their per-entity
// lock, which gives per-entity ordering without a global lock.
package eventbus

import (
	"sync"
)

// Handle identifies a subscription.
type Handle uint64

// Bus distributes events of type T to subscribers.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[Handle]*subscriber[T]
	next   Handle
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[Handle]*subscriber[T])}
}

// Subscribe registers handler for events accepted by predicate. A nil
// predicate accepts everything. Subscribing to a closed bus returns 0 and
// the handler is never called.
func (b *Bus[T]) Subscribe(predicate func(T) bool, handler func(T)) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.next++
	s := newSubscriber(predicate, handler)
	b.subs[b.next] = s
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.run()
	}()
	return b.next
}

// Unsubscribe stops delivery to h. Events already queued are discarded; a
// handler call in progress completes. Unknown handles are ignored.
func (b *Bus[T]) Unsubscribe(h Handle) {
	b.mu.Lock()
	s, ok := b.subs[h]
	delete(b.subs, h)
	b.mu.Unlock()
	if ok {
		s.stop(true)
	}
}

// Publish queues ev for every matching subscriber. It never blocks on
// handlers.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.predicate == nil || s.predicate(ev) {
			s.enqueue(ev)
		}
	}
}

// Len returns the number of subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting events, lets subscribers drain their queues and waits
// for them to finish.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[Handle]*subscriber[T])
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(false)
	}
	b.wg.Wait()
}

type subscriber[T any] struct {
	predicate func(T) bool
	handler   func(T)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	stopped bool
}

func newSubscriber[T any](predicate func(T) bool, handler func(T)) *subscriber[T] {
	s := &subscriber[T]{predicate: predicate, handler: handler}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber[T]) enqueue(ev T) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// stop ends the delivery loop. With discard, queued events are dropped.
func (s *subscriber[T]) stop(discard bool) {
	s.mu.Lock()
	s.stopped = true
	if discard {
		s.queue = nil
	}
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber[T]) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(ev)
	}
}
