package agentclient

import (
	"log/slog"
	"sync"
)

// Emitter fans a single event type out to any number of independent subscribers.
// It is safe for concurrent use. Callbacks are invoked outside the internal lock,
// so they may subscribe or unsubscribe while an event is being delivered.
type Emitter[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription[T]
	logger *slog.Logger
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// NewEmitter creates an emitter. A nil logger discards panic reports.
func NewEmitter[T any](logger *slog.Logger) *Emitter[T] {
	return &Emitter[T]{logger: logger}
}

// Subscribe registers fn and returns a function that removes exactly this
// registration. The returned function may be called any number of times.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to every current subscriber in registration order.
// A panicking subscriber is recovered so the remaining subscribers still run.
func (e *Emitter[T]) Emit(ev T) {
	e.mu.Lock()
	subs := make([]subscription[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		e.call(s, ev)
	}
}

func (e *Emitter[T]) call(s subscription[T], ev T) {
	defer func() {
		if r := recover(); r != nil && e.logger != nil {
			e.logger.Warn("Subscriber panicked", "subscription", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}

// Clear drops all subscribers.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.subs = nil
	e.mu.Unlock()
}

// Len returns the number of registered subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
