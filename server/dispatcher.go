package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"hiphop-rpc/message"
	"hiphop-rpc/middleware"
)

var (
	ErrUnknownMethod = errors.New("server: unknown method")
	ErrMissingArgs   = errors.New("server: missing method arguments")
)

type route struct {
	minArgs int
	fn      middleware.HandlerFunc
	bare    bool // Skips the middleware chain
}

// Dispatcher maps control method names to handlers. Each handler declares
// the minimum number of arguments it reads; calls with fewer never reach it.
type Dispatcher struct {
	mu          sync.RWMutex
	routes      map[string]route
	middlewares []middleware.Middleware
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[string]route)}
}

// Use registers a middleware. Middlewares apply in the order they are added,
// to every handler, including those registered earlier.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, mw)
}

// Handle registers fn for method, replacing any previous handler.
func (d *Dispatcher) Handle(method string, minArgs int, fn middleware.HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[method] = route{minArgs: minArgs, fn: fn}
}

// handleBuiltin registers a protocol method that middleware never sees, so
// a rate limit or timeout cannot starve the latency ping or hold back the
// init queue.
func (d *Dispatcher) handleBuiltin(method string, fn middleware.HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[method] = route{fn: fn, bare: true}
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.routes))
	for name := range d.routes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch runs the handler for req through the middleware chain.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) (*message.Reply, error) {
	d.mu.RLock()
	r, ok := d.routes[req.Method]
	mws := d.middlewares
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}
	if req.Args.Len() < r.minArgs {
		return nil, fmt.Errorf("%w: %s got %d, want %d", ErrMissingArgs, req.Method, req.Args.Len(), r.minArgs)
	}
	if r.bare {
		return r.fn(ctx, req), nil
	}
	return middleware.Chain(mws...)(r.fn)(ctx, req), nil
}
