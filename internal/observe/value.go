// Package observe provides a small observable-value primitive so core state
// can be polled or watched without tying the library to a UI framework.
package observe

import "sync"

// Value holds the latest value of T plus a coalescing change notification
// channel. There is a single writer per Value; reads are safe from any
// goroutine. Watchers that fall behind see only the most recent value.
type Value[T any] struct {
	mu       sync.Mutex
	cur      T
	watchers []chan T
}

// NewValue returns a Value seeded with initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores the value and notifies watchers. A watcher channel that already
// holds an unread value is drained first so it always carries the latest.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.cur = val
	for _, ch := range v.watchers {
		select {
		case ch <- val:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- val:
			default:
			}
		}
	}
	v.mu.Unlock()
}

// Watch registers a new watcher channel with capacity one. The channel is
// never closed; callers stop reading when they no longer care.
func (v *Value[T]) Watch() <-chan T {
	ch := make(chan T, 1)
	v.mu.Lock()
	v.watchers = append(v.watchers, ch)
	ch <- v.cur
	v.mu.Unlock()
	return ch
}
