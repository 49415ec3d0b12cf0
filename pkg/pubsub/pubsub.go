// Package pubsub is a small in-process topic fan-out used to push status
// transitions and snapshot notifications to the presentation boundary.
package pubsub

import (
	"sync"
)

type PubSub[T any] struct {
	mu   sync.Mutex
	subs map[string][]chan T
}

func NewPubSub[T any]() *PubSub[T] {
	return &PubSub[T]{
		subs: make(map[string][]chan T),
	}
}

// Subscribe registers a buffered channel for topic. Subscribers that fall
// behind lose messages rather than stalling the publisher.
func (ps *PubSub[T]) Subscribe(topic string) <-chan T {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ch := make(chan T, 16)
	ps.subs[topic] = append(ps.subs[topic], ch)
	return ch
}

// Publish delivers data to every subscriber of topic without blocking; the
// core loops must never stall on a slow consumer.
func (ps *PubSub[T]) Publish(topic string, data T) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, ch := range ps.subs[topic] {
		select {
		case ch <- data:
		default:
		}
	}
}
