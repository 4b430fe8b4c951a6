package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"procxy/message"
)

// LoggingMiddleware logs every request with its duration. Error replies are
// logged at warn, everything else at debug.
func LoggingMiddleware(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			reply := next(ctx, req)
			ev := log.Debug()
			if reply != nil && reply.Error != nil {
				ev = log.Warn().Str("error", reply.Error.Message).Str("error_name", reply.Error.Name)
			}
			ev.Str("type", string(req.Type)).
				Uint32("id", req.ID).
				Str("member", req.Member).
				Dur("duration", time.Since(start)).
				Msg("handled")
			return reply
		}
	}
}
