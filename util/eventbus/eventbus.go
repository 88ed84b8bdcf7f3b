// Copyright (c) The Switchback Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package eventbus provides an in-process event bus that distributes
// published events to interested subscribers.
//
// Events are routed by their concrete type: a [Subscriber] created with
// Subscribe[T] receives every value of type T published on the bus.
// Each subscriber has its own unbounded queue drained by a pump
// goroutine, so publishing never blocks on slow consumers.
package eventbus

import (
	"reflect"
	"sync"
)

// Bus distributes published events to subscribers.
// The zero value is not usable; use [New].
type Bus struct {
	mu     sync.Mutex
	subs   map[reflect.Type][]attachedSub
	closed bool
}

// attachedSub is a uniformly typed handle on a Subscriber[T], so the
// bus can route and shut down subscribers without knowing T.
type attachedSub interface {
	enqueue(any)
	closeFromBus()
}

// New returns a new, empty bus.
func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]attachedSub)}
}

// Close closes the bus and all subscribers attached to it.
// The bus is permanently unusable after closing.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()
	for _, list := range subs {
		for _, s := range list {
			s.closeFromBus()
		}
	}
}

// Publish delivers v to every subscriber for type T. It never blocks
// on subscribers; each subscriber's queue absorbs the event until its
// pump delivers it. Publishing on a closed bus is a no-op.
func Publish[T any](b *Bus, v T) {
	t := reflect.TypeFor[T]()
	b.mu.Lock()
	list := b.subs[t]
	b.mu.Unlock()
	for _, s := range list {
		s.enqueue(v)
	}
}

// A Subscriber receives events of type T from the bus it was created
// on. Events are delivered in publication order on the channel
// returned by [Subscriber.Events].
type Subscriber[T any] struct {
	bus *Bus
	out chan T

	mu    sync.Mutex
	queue []T

	wake chan struct{} // 1-buffered; signals the pump that queue is non-empty
	done chan struct{} // closed on Close

	closeOnce sync.Once
}

// Subscribe attaches a new subscriber for events of type T to b.
// The caller must Close the subscriber when done with it.
func Subscribe[T any](b *Bus) *Subscriber[T] {
	s := &Subscriber[T]{
		bus:  b,
		out:  make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	t := reflect.TypeFor[T]()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.done)
		return s
	}
	b.subs[t] = append(b.subs[t], s)
	go s.pump()
	return s
}

// Events returns the channel on which the subscriber's events are
// delivered. The channel is never closed; use [Subscriber.Done] to
// detect shutdown.
func (s *Subscriber[T]) Events() <-chan T { return s.out }

// Done returns a channel that is closed when the subscriber is closed.
func (s *Subscriber[T]) Done() <-chan struct{} { return s.done }

// Close detaches the subscriber from the bus and stops delivery.
// Queued events that were not yet received are discarded.
func (s *Subscriber[T]) Close() {
	s.bus.detach(reflect.TypeFor[T](), s)
	s.closeFromBus()
}

func (s *Subscriber[T]) closeFromBus() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscriber[T]) enqueue(v any) {
	s.mu.Lock()
	s.queue = append(s.queue, v.(T))
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber[T]) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- v:
			case <-s.done:
				return
			}
			continue
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (b *Bus) detach(t reflect.Type, sub attachedSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[t]
	for i, s := range list {
		if s == sub {
			b.subs[t] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
