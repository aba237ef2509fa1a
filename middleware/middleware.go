// Package middleware wraps host-side control handlers.
package middleware

import (
	"context"

	"hiphop-rpc/message"
)

// HandlerFunc serves one inbound control call. A nil reply means nothing is
// sent back.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
