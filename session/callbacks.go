package session

import (
	"fmt"
	"reflect"

	"procxy/codec"
	"procxy/errors"
	"procxy/message"
	"procxy/registry"
	"procxy/validate"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Callback is a function registered with a session so the worker can invoke
// it. Func arguments passed to Call are registered automatically for the
// duration of that call only. A worker that keeps a function beyond the call
// needs a Callback created with NewCallback, which stays registered until
// Release or the end of the session.
type Callback struct {
	s     *Session
	token string
	fn    reflect.Value
}

// NewCallback registers fn, which must be a func value.
func (s *Session) NewCallback(fn any) (*Callback, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, errors.NewValidationError("callback", fmt.Sprintf("%T is not a function", fn))
	}
	cb := &Callback{s: s, token: fmt.Sprintf("cb-%d", s.tokenSeq.Add(1)), fn: v}
	s.mu.Lock()
	s.callbacks[cb.token] = cb
	s.mu.Unlock()
	return cb, nil
}

// Token returns the callback's wire token.
func (c *Callback) Token() string { return c.token }

// Release unregisters the callback. Later invocations from the worker fail
// with ErrUnknownCallback.
func (c *Callback) Release() {
	c.s.mu.Lock()
	delete(c.s.callbacks, c.token)
	c.s.mu.Unlock()
}

// Callbacks returns the number of registered callbacks.
func (s *Session) Callbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

func isFunc(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Func && !rv.IsNil()
}

// runCallback serves one callback_invoke from the worker.
func (s *Session) runCallback(msg *message.Message) {
	reply := &message.Message{Type: message.TypeCallbackResult, ID: msg.ID}
	value, err := s.invokeCallback(msg.CallbackID, msg.Args)
	if err == nil {
		err = validate.Validate(value, s.mode)
	}
	if err != nil {
		reply.Type = message.TypeCallbackError
		reply.Error = errors.ToInfo(err)
	} else {
		reply.Value = value
	}
	if err := s.write(reply); err != nil {
		s.log.Debug().Err(err).Str("callback", msg.CallbackID).Msg("callback reply not sent")
	}
}

func (s *Session) invokeCallback(token string, args []any) (value any, err error) {
	s.mu.Lock()
	cb, ok := s.callbacks[token]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownCallback, token)
	}

	ft := cb.fn.Type()
	types, err := registry.ArgTypes(ft, 0, len(args))
	if err != nil {
		return nil, errors.NewValidationError("callback "+token+" arguments", err.Error())
	}
	in := make([]reflect.Value, len(types))
	for i, t := range types {
		var arg any
		if i < len(args) {
			arg = args[i]
		}
		if in[i], err = codec.Convert(s.cdc, arg, t); err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("callback %s argument %d", token, i), err.Error())
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return fold(cb.fn.Call(in))
}

// fold turns a function's results into one value and an error, the same way
// the worker folds method results.
func fold(out []reflect.Value) (any, error) {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		last := out[n-1]
		out = out[:n-1]
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	}
	values := make([]any, len(out))
	for i, v := range out {
		values[i] = v.Interface()
	}
	return values, nil
}
