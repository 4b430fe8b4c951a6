package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"procxy/errors"
	"procxy/message"
)

// ReplyType maps a request type to the type of its error reply.
func ReplyType(t message.Type) message.Type {
	if t == message.TypeCallbackInvoke {
		return message.TypeCallbackError
	}
	return message.TypeError
}

// RecoveryMiddleware turns a panic in the handler into an error reply that
// carries the panic value and stack.
func RecoveryMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (reply *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					err, ok := r.(error)
					if !ok {
						err = fmt.Errorf("%v", r)
					}
					info := errors.ToInfo(errors.WithStack(err, string(debug.Stack())))
					if info.Name == "Error" {
						info.Name = "Panic"
					}
					reply = &message.Message{Type: ReplyType(req.Type), ID: req.ID, Error: info}
				}
			}()
			return next(ctx, req)
		}
	}
}
