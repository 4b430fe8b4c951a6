package worker

import "sync"

// The dispatcher reads tracked properties before and after every call. How
// that is coordinated with the instance's own methods depends on the class:
//
//   - An instance implementing sync.Locker (typically by embedding a
//     sync.Mutex) guards its own state. The dispatcher holds the instance
//     lock only while it reads properties; calls run concurrently and must
//     take the lock themselves.
//   - Any other instance is exclusive: one call runs at a time. A call that
//     invokes a parent callback releases the instance until the callback
//     returns, so the parent may call back into the same instance.

// exclusive reports whether calls on the instance are serialized.
func (s *service) exclusive() bool { return s.locker == nil }

// observe runs fn while the instance's fields are stable. An exclusive call
// already holds the instance and must not use it.
func (s *service) observe(fn func()) {
	if s.locker != nil {
		s.locker.Lock()
		defer s.locker.Unlock()
	} else {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	fn()
}

// lease is one call's hold on an exclusive instance.
type lease struct {
	mu       sync.Mutex
	inst     *sync.Mutex
	waiting  int  // callbacks currently suspended
	active   bool // the method has not returned
	released bool
}

// acquire blocks until the instance is free.
func (s *service) acquire() *lease {
	s.mu.Lock()
	return &lease{inst: &s.mu, active: true}
}

// suspend hands the instance back while a callback waits for the parent. It
// reports whether resume must be called.
func (l *lease) suspend() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return false
	}
	if l.waiting == 0 {
		l.inst.Unlock()
	}
	l.waiting++
	return true
}

func (l *lease) resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiting--
	if l.waiting == 0 && l.active {
		l.inst.Lock()
	}
}

// settle marks the method as returned and makes sure the call holds the
// instance again, even if a callback started from another goroutine is still
// suspended.
func (l *lease) settle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleLocked()
}

func (l *lease) settleLocked() {
	if !l.active {
		return
	}
	l.active = false
	if l.waiting > 0 {
		l.inst.Lock()
	}
}

// release settles the lease and frees the instance. It is safe to call more
// than once, including from a deferred call after a panic.
func (l *lease) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleLocked()
	if !l.released {
		l.released = true
		l.inst.Unlock()
	}
}
