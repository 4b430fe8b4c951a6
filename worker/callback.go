package worker

import (
	"reflect"
	"time"

	"procxy/codec"
	"procxy/errors"
	"procxy/message"
)

// callbackFunc builds a function of type t that invokes the parent callback
// registered as token and waits for its reply. l, when set, is released for
// the duration of the wait.
func (s *Server) callbackFunc(token string, t reflect.Type, l *lease) reflect.Value {
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		args := make([]any, 0, len(in))
		for i, v := range in {
			if t.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				break
			}
			args = append(args, v.Interface())
		}
		if l != nil && l.suspend() {
			defer l.resume()
		}
		value, err := s.invokeCallback(token, args)
		return s.callbackResults(token, t, value, err)
	})
}

func (s *Server) invokeCallback(token string, args []any) (any, error) {
	id := s.seq.Add(1)
	ch := make(chan *message.Message, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	msg := &message.Message{Type: message.TypeCallbackInvoke, ID: id, CallbackID: token, Args: args}
	if err := s.conn.WriteMessage(s.cdc, msg); err != nil {
		return nil, err
	}
	timer := time.NewTimer(s.callbackTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == message.TypeCallbackError {
			return nil, errors.FromInfo(reply.Error)
		}
		return reply.Value, nil
	case <-timer.C:
		return nil, &errors.TimeoutError{Member: "callback " + token, Timeout: s.callbackTimeout, Attempts: 1}
	case <-s.ctx.Done():
		return nil, errors.ErrTerminated
	}
}

// resolve hands a callback reply to its waiter. Late replies are dropped.
func (s *Server) resolve(msg *message.Message) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug().Uint32("id", msg.ID).Msg("reply for unknown callback invocation")
		return
	}
	ch <- msg
}

// callbackResults converts a callback's reply into the results of t. A
// function without an error result gets zero values on failure.
func (s *Server) callbackResults(token string, t reflect.Type, value any, err error) []reflect.Value {
	n := t.NumOut()
	out := make([]reflect.Value, n)
	for i := range out {
		out[i] = reflect.Zero(t.Out(i))
	}
	errOut := n > 0 && t.Out(n-1) == errorType
	values := n
	if errOut {
		values--
	}

	if err == nil {
		switch values {
		case 0:
		case 1:
			out[0], err = codec.Convert(s.cdc, value, t.Out(0))
		default:
			parts, _ := value.([]any)
			for i := 0; i < values && i < len(parts); i++ {
				if out[i], err = codec.Convert(s.cdc, parts[i], t.Out(i)); err != nil {
					break
				}
			}
		}
	}
	if err == nil {
		return out
	}

	for i := 0; i < values; i++ {
		out[i] = reflect.Zero(t.Out(i))
	}
	if errOut {
		out[n-1] = reflect.ValueOf(&err).Elem()
	} else {
		s.log.Warn().Err(err).Str("callback", token).Msg("callback failed")
	}
	return out
}
