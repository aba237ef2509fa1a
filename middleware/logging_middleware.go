package middleware

import (
	"context"
	"log/slog"
	"time"

	"hiphop-rpc/message"
)

// LoggingMiddleware logs every call at DEBUG and failed calls at WARN.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "middleware.logging")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			start := time.Now()
			reply := next(ctx, req)
			duration := time.Since(start)

			if reply != nil && reply.Error != "" {
				logger.Warn("call failed", "method", req.Method, "origin", req.Origin,
					"duration", duration, "error", reply.Error)
				return reply
			}
			logger.Debug("call", "method", req.Method, "origin", req.Origin,
				"duration", duration, "reply", reply != nil)
			return reply
		}
	}
}
