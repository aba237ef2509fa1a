package middleware

import (
	"context"
	"time"

	"hiphop-rpc/message"
)

const ErrTimedOut = "request timed out"

// TimeOutMiddleware fails a call that has not returned within timeout. The
// handler keeps running with a cancelled context; its late reply is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Reply, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return &message.Reply{Error: ErrTimedOut}
			}
		}
	}
}
