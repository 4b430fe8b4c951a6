// Package session implements the parent side of one worker channel with
// request multiplexing.
//
// A Session lets many goroutines call into one worker over a single channel.
// Each request gets a unique correlation id, and a background goroutine
// (recvLoop) reads every incoming message and routes replies to the waiting
// caller through its pending channel:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ socketpair ──→ worker
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop: ←── result(id=2) → pending[2] chan → goroutine-2 wakes up
//
// Events, callback invocations, property updates and handle acks travel on
// the same channel and are dispatched by recvLoop as well. Event listeners
// run on a separate goroutine (eventLoop) so they can call back into the
// session.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"procxy/codec"
	"procxy/errors"
	"procxy/logging"
	"procxy/message"
	"procxy/transport"
	"procxy/validate"
)

const (
	// disposeWait bounds the wait for dispose_complete during Terminate.
	disposeWait = time.Second
	// killGrace is how long a worker gets to exit after SIGTERM.
	killGrace = 5 * time.Second
	// exitWait is how long a channel EOF waits for the exit status.
	exitWait = 250 * time.Millisecond
)

// State is the termination state of a Session.
type State int32

const (
	Active State = iota
	Terminated
)

func (s State) String() string {
	if s == Terminated {
		return "terminated"
	}
	return "active"
}

// Process is the part of a worker process a Session controls.
// *transport.Process implements it.
type Process interface {
	Exited() <-chan struct{}
	ExitState() *os.ProcessState
	Terminate() error
	Kill() error
}

// Config configures a Session.
type Config struct {
	Conn *transport.Conn
	// Process may be nil when the worker is not a child process (tests).
	Process Process
	Mode    codec.Mode
	// Timeout bounds each attempt of a request. Zero disables the deadline.
	Timeout time.Duration
	// Retries is the number of times a timed-out call is resent.
	Retries        int
	SupportHandles bool
	Logger         *zerolog.Logger
}

// Session is the parent side of one worker channel.
type Session struct {
	conn    *transport.Conn
	proc    Process
	mode    codec.Mode
	cdc     codec.Codec
	timeout time.Duration
	retries int
	handles bool
	log     zerolog.Logger

	closing   atomic.Bool   // Terminate has started
	seq       atomic.Uint32 // correlation ids
	tokenSeq  atomic.Uint64 // callback tokens
	handleSeq atomic.Uint64 // handle ids

	mu        sync.Mutex
	state     State
	err       error // why the session terminated, set before closed is closed
	pending   map[uint32]chan *message.Message
	listeners map[string][]*listener
	listenSeq uint64
	callbacks map[string]*Callback
	props     map[string]any
	acks      map[string]chan *message.Message
	outbox    []*message.Message // subscription changes not yet written
	events    []delivery

	subMu sync.Mutex // serializes flushSubscriptions

	eventReady chan struct{}
	initCh     chan *message.Message
	disposeCh  chan *message.Message
	closed     chan struct{}

	terminateOnce sync.Once
	terminated    chan struct{}
}

// New creates a Session over cfg.Conn and starts reading from it.
func New(cfg Config) *Session {
	mode := cfg.Mode
	if !mode.Valid() {
		mode = codec.ModeBasic
	}
	s := &Session{
		conn:       cfg.Conn,
		proc:       cfg.Process,
		mode:       mode,
		cdc:        codec.ForMode(mode),
		timeout:    cfg.Timeout,
		retries:    cfg.Retries,
		handles:    cfg.SupportHandles,
		pending:    make(map[uint32]chan *message.Message),
		listeners:  make(map[string][]*listener),
		callbacks:  make(map[string]*Callback),
		props:      make(map[string]any),
		acks:       make(map[string]chan *message.Message),
		initCh:     make(chan *message.Message, 1),
		disposeCh:  make(chan *message.Message, 1),
		eventReady: make(chan struct{}, 1),
		closed:     make(chan struct{}),
		terminated: make(chan struct{}),
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = logging.For("session")
	}
	go s.recvLoop()
	go s.eventLoop()
	if s.proc != nil {
		go s.watchExit()
	}
	return s
}

// Mode returns the serialization mode of the session.
func (s *Session) Mode() codec.Mode { return s.mode }

// State returns the current termination state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is terminated for any reason.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns why the session terminated, or nil while it is active.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Init sends the init message and waits for init_success or init_failure.
// The worker's failure is returned as reconstructed from its ErrorInfo; an
// early exit is returned as a CrashError.
func (s *Session) Init(ctx context.Context, modulePath, className string, args []any) error {
	msg := &message.Message{
		Type:       message.TypeInit,
		ModulePath: modulePath,
		ClassName:  className,
		Mode:       string(s.mode),
		TimeoutMS:  s.timeout.Milliseconds(),
		Args:       args,
	}
	if err := s.write(msg); err != nil {
		return err
	}
	select {
	case reply := <-s.initCh:
		return initResult(reply)
	case <-s.closed:
		select {
		case reply := <-s.initCh:
			return initResult(reply)
		default:
		}
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func initResult(reply *message.Message) error {
	if reply.Type == message.TypeInitFailure {
		return errors.FromInfo(reply.Error)
	}
	return nil
}

// Call invokes member on the worker instance and returns its result. args
// must satisfy the session's mode; func values and *Callback handles are
// passed as callbacks.
func (s *Session) Call(ctx context.Context, member string, args ...any) (any, error) {
	wire, release, err := s.marshalArgs(args)
	if err != nil {
		return nil, err
	}
	defer release()
	reply, err := s.request(ctx, member, func(id uint32) *message.Message {
		return &message.Message{Type: message.TypeCall, ID: id, Member: member, Args: wire}
	})
	if err != nil {
		return nil, err
	}
	if reply.Type == message.TypeError {
		return nil, errors.FromInfo(reply.Error)
	}
	return reply.Value, nil
}

// FetchProperty asks the worker for the current value of a property. It does
// not update the local mirror.
func (s *Session) FetchProperty(ctx context.Context, name string) (any, error) {
	reply, err := s.request(ctx, name, func(id uint32) *message.Message {
		return &message.Message{Type: message.TypePropertyGet, ID: id, Name: name}
	})
	if err != nil {
		return nil, err
	}
	if reply.Type == message.TypeError {
		return nil, errors.FromInfo(reply.Error)
	}
	return reply.Value, nil
}

// Property returns the mirrored value of a tracked property.
func (s *Session) Property(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.props[name]
	return v, ok
}

// Properties returns a copy of the property mirror.
func (s *Session) Properties() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	props := make(map[string]any, len(s.props))
	for k, v := range s.props {
		props[k] = v
	}
	return props
}

var errAttemptTimeout = errors.New("attempt timed out")

// request sends the message built by build and waits for its reply, resending
// under a fresh id when an attempt times out.
func (s *Session) request(ctx context.Context, label string, build func(id uint32) *message.Message) (*message.Message, error) {
	attempts := s.retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		reply, err := s.roundTrip(ctx, build)
		if err != errAttemptTimeout {
			return reply, err
		}
		if attempt < attempts {
			s.log.Debug().Str("member", label).Int("attempt", attempt).Msg("request timed out, retrying")
		}
	}
	return nil, &errors.TimeoutError{Member: label, Timeout: s.timeout, Attempts: attempts}
}

func (s *Session) roundTrip(ctx context.Context, build func(id uint32) *message.Message) (*message.Message, error) {
	// Register the reply channel before sending so recvLoop cannot miss it.
	id := s.seq.Add(1)
	ch := make(chan *message.Message, 1)
	s.mu.Lock()
	if s.state == Terminated {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(build(id)); err != nil {
		s.unregister(id)
		return nil, err
	}

	var deadline <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-s.closed:
		select {
		case reply := <-ch:
			return reply, nil
		default:
		}
		return nil, s.Err()
	case <-deadline:
		s.unregister(id)
		return nil, errAttemptTimeout
	case <-ctx.Done():
		s.unregister(id)
		return nil, ctx.Err()
	}
}

func (s *Session) unregister(id uint32) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// write sends msg, reporting the termination cause instead of the socket
// error once the session is terminated.
func (s *Session) write(msg *message.Message) error {
	if err := s.conn.WriteMessage(s.cdc, msg); err != nil {
		if terr := s.Err(); terr != nil {
			return terr
		}
		return fmt.Errorf("session: send %s: %w", msg.Type, err)
	}
	return nil
}

// recvLoop reads every message from the worker and dispatches it. A read
// error means the worker is gone: every pending operation is rejected.
func (s *Session) recvLoop() {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(s.crash(err))
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *message.Message) {
	switch msg.Type {
	case message.TypeResult, message.TypeError, message.TypePropertyResult:
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.mu.Unlock()
		if !ok {
			s.log.Debug().Uint32("id", msg.ID).Str("type", string(msg.Type)).Msg("dropping late reply")
			return
		}
		ch <- msg
	case message.TypeInitSuccess, message.TypeInitFailure:
		offer(s.initCh, msg)
	case message.TypeDisposeComplete:
		offer(s.disposeCh, msg)
	case message.TypePropertySet:
		s.mu.Lock()
		s.props[msg.Name] = msg.Value
		s.mu.Unlock()
	case message.TypeEvent:
		s.emit(msg.Name, msg.Args)
	case message.TypeCallbackInvoke:
		go s.runCallback(msg)
	case message.TypeHandleAck:
		s.mu.Lock()
		ch, ok := s.acks[msg.HandleID]
		delete(s.acks, msg.HandleID)
		s.mu.Unlock()
		if ok {
			ch <- msg
		}
	default:
		s.log.Warn().Str("type", string(msg.Type)).Msg("unexpected message from worker")
	}
}

func offer(ch chan *message.Message, msg *message.Message) {
	select {
	case ch <- msg:
	default:
	}
}

// crash builds the rejection for a broken channel, waiting briefly for the
// worker's exit status.
func (s *Session) crash(readErr error) error {
	if s.closing.Load() {
		return errors.ErrTerminated
	}
	if s.proc == nil {
		return errors.Crash(readErr.Error(), nil)
	}
	select {
	case <-s.proc.Exited():
	case <-time.After(exitWait):
	}
	return errors.Crash("channel closed", s.proc.ExitState())
}

func (s *Session) watchExit() {
	select {
	case <-s.proc.Exited():
		if s.closing.Load() {
			s.fail(errors.ErrTerminated)
		} else {
			s.fail(errors.Crash("worker exited", s.proc.ExitState()))
		}
	case <-s.closed:
	}
}

// fail marks the session terminated with cause and releases everything
// waiting on it. Only the first call has an effect.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	s.state = Terminated
	s.err = cause
	n := len(s.pending)
	s.pending = make(map[uint32]chan *message.Message)
	s.acks = make(map[string]chan *message.Message)
	s.callbacks = make(map[string]*Callback)
	s.outbox = nil
	s.events = nil
	s.mu.Unlock()
	close(s.closed)

	ev := s.log.Debug()
	if errors.IsCrash(cause) {
		ev = s.log.Warn()
	}
	ev.Err(cause).Int("pending", n).Msg("session terminated")
}

// Terminate shuts the session down: it asks the worker to dispose (waiting at
// most a second), rejects anything still pending, closes the channel, sends
// SIGTERM and escalates to SIGKILL after a grace period or when ctx ends.
// Only the first call does the work; later calls wait for it.
func (s *Session) Terminate(ctx context.Context) {
	s.terminateOnce.Do(func() {
		defer close(s.terminated)
		s.terminate(ctx)
	})
	select {
	case <-s.terminated:
	case <-ctx.Done():
	}
}

func (s *Session) terminate(ctx context.Context) {
	s.closing.Store(true)
	if s.State() == Active {
		if err := s.write(&message.Message{Type: message.TypeDispose}); err == nil {
			timer := time.NewTimer(disposeWait)
			select {
			case reply := <-s.disposeCh:
				if reply.Error != nil {
					s.log.Debug().Err(errors.FromInfo(reply.Error)).Msg("dispose hook failed")
				}
			case <-timer.C:
				s.log.Debug().Msg("no dispose_complete, continuing")
			case <-s.closed:
			case <-ctx.Done():
			}
			timer.Stop()
		}
	}

	s.fail(errors.ErrTerminated)
	s.conn.Close()
	if s.proc == nil {
		return
	}

	select {
	case <-s.proc.Exited():
		return
	default:
	}
	if err := s.proc.Terminate(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Debug().Err(err).Msg("SIGTERM failed")
	}
	timer := time.NewTimer(killGrace)
	defer timer.Stop()
	select {
	case <-s.proc.Exited():
		return
	case <-timer.C:
	case <-ctx.Done():
	}
	s.log.Warn().Msg("worker ignored SIGTERM, killing")
	if err := s.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn().Err(err).Msg("SIGKILL failed")
	}
}

// marshalArgs validates args for the wire and replaces callbacks with their
// tokens. release unregisters the callbacks minted for bare func arguments.
func (s *Session) marshalArgs(args []any) (wire []any, release func(), err error) {
	wire = make([]any, len(args))
	copy(wire, args)
	for i, arg := range wire {
		if cb, ok := arg.(*Callback); ok {
			if cb == nil || cb.s != s {
				return nil, nil, errors.NewValidationError(fmt.Sprintf("args[%d]", i), "callback belongs to another session")
			}
			wire[i] = message.CallbackRef(cb.token)
		}
	}
	if err := validate.Args(wire, validate.Options{Mode: s.mode, AllowCallbacks: true}); err != nil {
		return nil, nil, err
	}
	var minted []*Callback
	release = func() {
		for _, cb := range minted {
			cb.Release()
		}
	}
	for i, arg := range wire {
		if isFunc(arg) {
			cb, err := s.NewCallback(arg)
			if err != nil {
				release()
				return nil, nil, err
			}
			minted = append(minted, cb)
			wire[i] = message.CallbackRef(cb.token)
		}
	}
	return wire, release, nil
}
