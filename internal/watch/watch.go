// Package watch provides a small latest-value broadcast primitive.
//
// A Watch holds a single value. Writers replace it with Set; readers either
// poll with Get or receive updates through Subscribe. Subscriber channels
// hold at most one pending value: a newer Set replaces an unconsumed older
// value, so a slow subscriber always observes the most recent state rather
// than a backlog.
package watch

import "sync"

// Watch is a shared, last-write-wins value.
type Watch[T any] struct {
	mu   sync.Mutex
	val  T
	subs []chan T
}

// New returns a Watch holding initial.
func New[T any](initial T) *Watch[T] {
	return &Watch[T]{val: initial}
}

// Get returns the current value.
func (w *Watch[T]) Get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.val
}

// Set replaces the current value and notifies subscribers. Set never blocks:
// a subscriber that has not consumed the previous update loses it.
func (w *Watch[T]) Set(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.val = v
	for _, ch := range w.subs {
		select {
		case ch <- v:
		default:
			// Drop the stale pending value, then offer the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber and returns its update channel. The
// channel is never closed; callers stop reading when they shut down.
func (w *Watch[T]) Subscribe() <-chan T {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan T, 1)
	w.subs = append(w.subs, ch)
	return ch
}
