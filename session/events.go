package session

import (
	"procxy/message"
)

type listener struct {
	id   uint64
	fn   func(args ...any)
	once bool
}

// delivery is one incoming event with the listeners it was addressed to.
type delivery struct {
	name string
	ls   []*listener
	args []any
}

// On registers fn for events called name and returns a function that removes
// it. The first listener for a name subscribes the worker to it; removing the
// last one unsubscribes.
//
// Listeners run on the session's event goroutine, one event at a time and in
// the order the worker emitted them. A listener may call back into the
// session; a slow one delays later events but never replies.
func (s *Session) On(name string, fn func(args ...any)) func() {
	return s.addListener(name, fn, false)
}

// Once is like On, but the listener is removed after its first delivery.
func (s *Session) Once(name string, fn func(args ...any)) func() {
	return s.addListener(name, fn, true)
}

// ListenerCount returns the number of listeners for name.
func (s *Session) ListenerCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[name])
}

func (s *Session) addListener(name string, fn func(args ...any), once bool) func() {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return func() {}
	}
	s.listenSeq++
	l := &listener{id: s.listenSeq, fn: fn, once: once}
	s.listeners[name] = append(s.listeners[name], l)
	if len(s.listeners[name]) == 1 {
		s.queueSubscription(message.TypeEventSubscribe, name)
	}
	s.mu.Unlock()

	s.flushSubscriptions()
	return func() { s.removeListener(name, l.id) }
}

func (s *Session) removeListener(name string, id uint64) {
	s.mu.Lock()
	ls := s.listeners[name]
	for i, l := range ls {
		if l.id == id {
			s.listeners[name] = append(ls[:i:i], ls[i+1:]...)
			s.dropIfEmpty(name)
			break
		}
	}
	s.mu.Unlock()

	s.flushSubscriptions()
}

// dropIfEmpty unsubscribes name once its last listener is gone. Called with
// s.mu held.
func (s *Session) dropIfEmpty(name string) {
	if len(s.listeners[name]) > 0 {
		return
	}
	delete(s.listeners, name)
	if s.state == Active {
		s.queueSubscription(message.TypeEventUnsubscribe, name)
	}
}

// queueSubscription records a subscription change. Called with s.mu held, so
// the outbox follows the order in which the listener set changed.
func (s *Session) queueSubscription(t message.Type, name string) {
	s.outbox = append(s.outbox, &message.Message{Type: t, Name: name})
}

// flushSubscriptions writes queued subscription changes in order. The socket
// write happens without s.mu; subMu keeps concurrent flushers from
// reordering batches.
func (s *Session) flushSubscriptions() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for {
		s.mu.Lock()
		batch := s.outbox
		s.outbox = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, msg := range batch {
			if err := s.conn.WriteMessage(s.cdc, msg); err != nil {
				s.log.Debug().Err(err).Str("event", msg.Name).Msg("subscription update not sent")
			}
		}
	}
}

// emit queues an incoming event for the event goroutine. It runs on recvLoop
// and never calls a listener itself. Once listeners are removed here, so a
// second event already in flight does not reach them.
func (s *Session) emit(name string, args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := append([]*listener(nil), s.listeners[name]...)
	if len(ls) == 0 {
		return
	}
	kept := s.listeners[name][:0:0]
	for _, l := range s.listeners[name] {
		if !l.once {
			kept = append(kept, l)
		}
	}
	s.listeners[name] = kept
	s.dropIfEmpty(name)

	s.events = append(s.events, delivery{name: name, ls: ls, args: args})
	select {
	case s.eventReady <- struct{}{}:
	default:
	}
}

// eventLoop delivers queued events until the session terminates.
func (s *Session) eventLoop() {
	for {
		select {
		case <-s.eventReady:
		case <-s.closed:
			return
		}
		s.flushSubscriptions()
		for {
			s.mu.Lock()
			if len(s.events) == 0 {
				s.mu.Unlock()
				break
			}
			d := s.events[0]
			s.events[0] = delivery{}
			s.events = s.events[1:]
			s.mu.Unlock()

			for _, l := range d.ls {
				s.deliver(d.name, l, d.args)
			}
		}
	}
}

func (s *Session) deliver(name string, l *listener, args []any) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", name).Msg("event listener panicked")
		}
	}()
	l.fn(args...)
}
