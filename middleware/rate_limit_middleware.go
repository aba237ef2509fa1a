package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"hiphop-rpc/message"
)

const ErrRateLimited = "rate limit exceeded"

// maxIdleLimiters bounds the per-peer table; past it, peers whose bucket has
// refilled are forgotten.
const maxIdleLimiters = 1024

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// Every peer (Request.Origin) gets its own bucket of r calls per second with
// the given burst, so one busy UI cannot starve the others. Calls over the
// limit fail with ErrRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	var (
		mu       sync.Mutex
		limiters = make(map[uint64]*rate.Limiter)
	)
	limiterFor := func(origin uint64) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[origin]
		if ok {
			return l
		}
		if len(limiters) >= maxIdleLimiters {
			for id, idle := range limiters {
				if idle.Tokens() >= float64(burst) {
					delete(limiters, id)
				}
			}
		}
		l = rate.NewLimiter(rate.Limit(r), burst)
		limiters[origin] = l
		return l
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			if !limiterFor(req.Origin).Allow() {
				return &message.Reply{Error: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}
