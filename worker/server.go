// Package worker runs inside the worker process. It constructs the requested
// class and serves the parent's messages against the instance.
//
// Request processing pipeline:
//
//	conn → loop (single goroutine reads frames)
//	  → call / property_get: go handleRequest (parallel processing)
//	    → Middleware Chain → dispatch (reflect.Call) → property_set… → reply
//	  → callback_result / callback_error: wake the waiting callback
//	  → event_subscribe / event_unsubscribe: update the forwarded set
//	  → handle: go receiveHandle → handle_ack
//	  → dispose: run the disposal hook → dispose_complete → stop
package worker

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"procxy/codec"
	"procxy/errors"
	"procxy/logging"
	"procxy/message"
	"procxy/middleware"
	"procxy/registry"
	"procxy/transport"
	"procxy/validate"
)

const (
	// shutdownGrace bounds the wait for in-flight requests once serving stops.
	shutdownGrace = time.Second
	// disposeTimeout bounds the context handed to DisposeContext.
	disposeTimeout = 5 * time.Second
	// defaultCallbackTimeout bounds a callback round trip when the parent
	// did not send its own timeout.
	defaultCallbackTimeout = 30 * time.Second
)

// Server serves one instance over one channel.
type Server struct {
	conn        *transport.Conn
	classes     *registry.Registry
	log         zerolog.Logger
	middlewares []middleware.Middleware

	// Set by init, read-only afterwards.
	mode    codec.Mode
	cdc     codec.Codec
	svc     *service
	handler middleware.HandlerFunc

	callbackTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // tracks in-flight requests

	seq        atomic.Uint32
	mu         sync.Mutex
	subscribed map[string]bool
	pending    map[uint32]chan *message.Message // outstanding callback invocations

	disposeOnce sync.Once
	disposeErr  error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMiddleware appends middlewares after the built-in logging and recovery.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mw...) }
}

// NewServer creates a server for conn that constructs classes from classes.
func NewServer(conn *transport.Conn, classes *registry.Registry, opts ...Option) *Server {
	s := &Server{
		conn:       conn,
		classes:    classes,
		log:        logging.For("worker"),
		subscribed: make(map[string]bool),
		pending:    make(map[uint32]chan *message.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs a Server until the parent disposes the instance, the channel
// closes or ctx ends.
func Serve(ctx context.Context, conn *transport.Conn, classes *registry.Registry, opts ...Option) error {
	return NewServer(conn, classes, opts...).Serve(ctx)
}

// Serve performs the init handshake and then serves messages. It returns an
// error if initialization fails; the init_failure reply has been sent by then.
func (s *Server) Serve(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()
	stop := context.AfterFunc(s.ctx, func() { s.conn.Close() })
	defer stop()

	if err := s.init(); err != nil {
		return err
	}
	chain := append([]middleware.Middleware{
		middleware.LoggingMiddleware(s.log),
		middleware.RecoveryMiddleware(),
	}, s.middlewares...)
	s.handler = middleware.Chain(chain...)(s.dispatch)

	err := s.loop()
	s.cancel()
	if derr := s.dispose(); derr != nil {
		s.log.Debug().Err(derr).Msg("dispose hook failed")
	}
	if werr := s.shutdown(shutdownGrace); werr != nil {
		s.log.Warn().Err(werr).Msg("abandoning in-flight requests")
	}
	return err
}

func (s *Server) init() error {
	msg, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("worker: waiting for init: %w", err)
	}
	if msg.Type != message.TypeInit {
		return fmt.Errorf("worker: expected init, got %s", msg.Type)
	}

	s.mode = codec.Mode(msg.Mode)
	if !s.mode.Valid() {
		s.mode = codec.ModeBasic
	}
	s.cdc = codec.ForMode(s.mode)
	s.callbackTimeout = defaultCallbackTimeout
	if msg.TimeoutMS > 0 {
		s.callbackTimeout = time.Duration(msg.TimeoutMS) * time.Millisecond
	}

	instance, err := s.construct(msg)
	if err != nil {
		s.send(&message.Message{Type: message.TypeInitFailure, Error: errors.ToInfo(err)})
		return err
	}
	s.svc = newService(msg.ClassName, instance)
	if em, ok := instance.(emitter); ok {
		em.bridge(s.forwardEvent)
	}

	// Initial properties go out first so the parent's mirror is populated by
	// the time it sees init_success.
	var initial map[string]propState
	s.svc.observe(func() { initial = s.svc.snapshot(s.mode) })
	names := make([]string, 0, len(initial))
	for name := range initial {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.send(&message.Message{Type: message.TypePropertySet, Name: name, Value: initial[name].value})
	}
	s.send(&message.Message{Type: message.TypeInitSuccess})
	s.log.Debug().Str("class", msg.ClassName).Str("mode", string(s.mode)).Msg("instance ready")
	return nil
}

func (s *Server) construct(msg *message.Message) (instance any, err error) {
	class, ok := s.classes.Lookup(msg.ClassName)
	if !ok {
		return nil, &errors.ResolutionError{
			Class: msg.ClassName,
			Path:  msg.ModulePath,
			Err:   fmt.Errorf("class not registered (registered: %v)", s.classes.Names()),
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("constructor panicked: %v", r)
		}
	}()
	return class.New(s.cdc, msg.Args)
}

func (s *Server) loop() error {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker: read: %w", err)
		}

		switch msg.Type {
		case message.TypeCall, message.TypePropertyGet:
			s.wg.Add(1)
			go s.handleRequest(msg)
		case message.TypeCallbackResult, message.TypeCallbackError:
			s.resolve(msg)
		case message.TypeEventSubscribe:
			s.mu.Lock()
			s.subscribed[msg.Name] = true
			s.mu.Unlock()
		case message.TypeEventUnsubscribe:
			s.mu.Lock()
			delete(s.subscribed, msg.Name)
			s.mu.Unlock()
		case message.TypeHandle:
			// Claim the descriptor here so handles pair up in arrival order.
			file, _ := s.conn.TakeFile()
			s.wg.Add(1)
			go s.receiveHandle(msg, file)
		case message.TypeDispose:
			err := s.dispose()
			s.send(&message.Message{Type: message.TypeDisposeComplete, Error: errors.ToInfo(err)})
			return nil
		default:
			s.log.Warn().Str("type", string(msg.Type)).Msg("unexpected message")
		}
	}
}

func (s *Server) handleRequest(msg *message.Message) {
	defer s.wg.Done()
	s.send(s.handler(s.ctx, msg))
}

func (s *Server) send(msg *message.Message) {
	if err := s.conn.WriteMessage(s.cdc, msg); err != nil && s.ctx.Err() == nil {
		s.log.Debug().Err(err).Str("type", string(msg.Type)).Msg("write failed")
	}
}

// dispatch is the business handler wrapped by the middleware chain.
func (s *Server) dispatch(ctx context.Context, req *message.Message) *message.Message {
	if req.Type == message.TypePropertyGet {
		var v any
		s.svc.observe(func() { v = s.svc.property(req.Name, s.mode) })
		return &message.Message{Type: message.TypePropertyResult, ID: req.ID, Value: v}
	}
	return s.invoke(ctx, req)
}

func errorReply(req *message.Message, err error) *message.Message {
	return &message.Message{Type: middleware.ReplyType(req.Type), ID: req.ID, Error: errors.ToInfo(err)}
}

// invoke runs one call: resolve, snapshot, bind, call, publish property
// changes, reply. See guard.go for how calls share the instance.
func (s *Server) invoke(ctx context.Context, req *message.Message) *message.Message {
	m, err := s.svc.lookup(req.Member)
	if err != nil {
		return errorReply(req, err)
	}

	var (
		l             *lease
		before, after map[string]propState
	)
	if s.svc.exclusive() {
		l = s.svc.acquire()
		defer l.release()
		before = s.svc.snapshot(s.mode)
	} else {
		s.svc.observe(func() { before = s.svc.snapshot(s.mode) })
	}

	args, err := s.bindArgs(ctx, req.Member, m, req.Args, l)
	if err != nil {
		return errorReply(req, err)
	}
	value, err := s.svc.call(m, args)

	if l != nil {
		l.settle()
		after = s.svc.snapshot(s.mode)
		l.release()
	} else {
		s.svc.observe(func() { after = s.svc.snapshot(s.mode) })
	}
	s.publishChanges(before, after)
	if err != nil {
		return errorReply(req, err)
	}
	if err := validate.Validate(value, s.mode); err != nil {
		return errorReply(req, fmt.Errorf("result of %s: %w", req.Member, err))
	}
	return &message.Message{Type: message.TypeResult, ID: req.ID, Value: value}
}

func (s *Server) bindArgs(ctx context.Context, member string, m *methodType, args []any, l *lease) ([]reflect.Value, error) {
	skip := 1
	if m.ctxArg {
		skip = 2
	}
	types, err := registry.ArgTypes(m.method.Type, skip, len(args))
	if err != nil {
		return nil, errors.NewValidationError(member+" arguments", err.Error())
	}
	in := make([]reflect.Value, 0, len(types)+1)
	if m.ctxArg {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	for i, t := range types {
		var arg any
		if i < len(args) {
			arg = args[i]
		}
		if tok, ok := message.CallbackToken(arg); ok && t.Kind() == reflect.Func {
			in = append(in, s.callbackFunc(tok, t, l))
			continue
		}
		v, err := codec.Convert(s.cdc, arg, t)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("%s argument %d", member, i), err.Error())
		}
		in = append(in, v)
	}
	return in, nil
}

func (s *Server) publishChanges(before, after map[string]propState) {
	for _, name := range changes(before, after) {
		s.send(&message.Message{Type: message.TypePropertySet, Name: name, Value: after[name].value})
	}
}

// forwardEvent is installed on embedded EventEmitters.
func (s *Server) forwardEvent(name string, args []any) bool {
	s.mu.Lock()
	subscribed := s.subscribed[name]
	s.mu.Unlock()
	if !subscribed {
		return false
	}
	if err := validate.Args(args, validate.Options{Mode: s.mode}); err != nil {
		s.log.Warn().Err(err).Str("event", name).Msg("event not forwarded")
		return false
	}
	if err := s.conn.WriteMessage(s.cdc, &message.Message{Type: message.TypeEvent, Name: name, Args: args}); err != nil {
		return false
	}
	return true
}

// dispose runs the instance's disposal hook once.
func (s *Server) dispose() error {
	s.disposeOnce.Do(func() {
		s.disposeErr = s.runDisposeHook()
	})
	return s.disposeErr
}

func (s *Server) runDisposeHook() (err error) {
	if s.svc == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispose panicked: %v", r)
		}
	}()
	switch h := s.svc.rcvr.Interface().(type) {
	case interface{ DisposeContext(context.Context) error }:
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), disposeTimeout)
		defer cancel()
		return h.DisposeContext(ctx)
	case interface{ Dispose() error }:
		return h.Dispose()
	case interface{ Dispose() }:
		h.Dispose()
	case interface{ Close() error }:
		return h.Close()
	}
	return nil
}

// shutdown waits for in-flight requests to finish, up to timeout.
func (s *Server) shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}
