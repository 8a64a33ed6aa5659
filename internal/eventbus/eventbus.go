package eventbus

import (
	"slices"
	"sync"
)

// Guard serializes callback invocations against Close. Once Close returns, Do never runs fn again.
type Guard struct {
	mu     sync.Mutex
	closed bool
}

// Do runs fn unless the guard is closed. It reports whether fn ran.
func (g *Guard) Do(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	fn()
	return true
}

// Close waits for an in-flight Do and blocks all later ones.
// Calling Close from inside fn deadlocks.
func (g *Guard) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Closed reports whether Close has been called.
func (g *Guard) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

type entry[T any] struct {
	fn    func(T)
	guard *Guard
}

// Listeners is a registry of callbacks for one event class.
type Listeners[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]*entry[T]
}

// Add registers fn and returns its disposer. The disposer is idempotent and synchronous.
func (l *Listeners[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[uint64]*entry[T])
	}
	id := l.next
	l.next++
	e := &entry[T]{fn: fn, guard: &Guard{}}
	l.entries[id] = e
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.entries, id)
		l.mu.Unlock()
		e.guard.Close()
	}
}

// Emit delivers v to every registered listener in registration order.
func (l *Listeners[T]) Emit(v T) {
	for _, e := range l.snapshot() {
		e.guard.Do(func() { e.fn(v) })
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear disposes every listener.
func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()
	for _, e := range entries {
		e.guard.Close()
	}
}

func (l *Listeners[T]) snapshot() []*entry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint64, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*entry[T], 0, len(ids))
	for _, id := range ids {
		out = append(out, l.entries[id])
	}
	return out
}
