package worker

import (
	"sync"
)

// EventEmitter gives a class local events that the parent can subscribe to.
// Embed it in the class struct:
//
//	type Downloader struct {
//		worker.EventEmitter
//		...
//	}
//
//	d.Emit("progress", done, total)
//
// Local listeners always fire. When the instance is served by a worker, an
// emission is also forwarded to the parent if the parent has subscribed to
// that event name.
type EventEmitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[string][]emitterListener
	forward   func(name string, args []any) bool
}

type emitterListener struct {
	id   uint64
	fn   func(args ...any)
	once bool
}

// On registers fn for name and returns a function that removes it.
func (e *EventEmitter) On(name string, fn func(args ...any)) func() {
	return e.add(name, fn, false)
}

// Once registers fn for the next emission of name only.
func (e *EventEmitter) Once(name string, fn func(args ...any)) func() {
	return e.add(name, fn, true)
}

func (e *EventEmitter) add(name string, fn func(args ...any), once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]emitterListener)
	}
	e.nextID++
	id := e.nextID
	e.listeners[name] = append(e.listeners[name], emitterListener{id: id, fn: fn, once: once})
	return func() { e.remove(name, id) }
}

func (e *EventEmitter) remove(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[name]
	for i, l := range ls {
		if l.id == id {
			e.listeners[name] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(e.listeners[name]) == 0 {
		delete(e.listeners, name)
	}
}

// ListenerCount returns the number of local listeners for name.
func (e *EventEmitter) ListenerCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[name])
}

// Emit calls the local listeners for name in registration order and forwards
// the event to a subscribed parent. It reports whether anything received it.
func (e *EventEmitter) Emit(name string, args ...any) bool {
	e.mu.Lock()
	ls := append([]emitterListener(nil), e.listeners[name]...)
	var kept []emitterListener
	for _, l := range e.listeners[name] {
		if !l.once {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(e.listeners, name)
	} else if len(kept) != len(ls) {
		e.listeners[name] = kept
	}
	forward := e.forward
	e.mu.Unlock()

	for _, l := range ls {
		l.fn(args...)
	}
	forwarded := forward != nil && forward(name, args)
	return len(ls) > 0 || forwarded
}

// bridge installs the forwarding hook. It is promoted to any type embedding
// EventEmitter, which is how the worker finds emitters.
func (e *EventEmitter) bridge(forward func(name string, args []any) bool) {
	e.mu.Lock()
	e.forward = forward
	e.mu.Unlock()
}

type emitter interface {
	bridge(forward func(name string, args []any) bool)
}
