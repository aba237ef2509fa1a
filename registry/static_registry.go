package registry

import (
	"context"
	"slices"
	"sync"
	"time"
)

// StaticRegistry is an in-memory Registry for a fixed set of endpoints
// (configured URLs, tests). TTLs are ignored.
type StaticRegistry struct {
	mu        sync.Mutex
	endpoints map[string][]Endpoint
	watchers  map[string][]chan []Endpoint
}

func NewStaticRegistry(endpoints ...Endpoint) *StaticRegistry {
	r := &StaticRegistry{
		endpoints: make(map[string][]Endpoint),
		watchers:  make(map[string][]chan []Endpoint),
	}
	for _, ep := range endpoints {
		r.endpoints[ep.Service] = append(r.endpoints[ep.Service], ep)
	}
	return r
}

func (r *StaticRegistry) Register(ctx context.Context, ep Endpoint, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := slices.DeleteFunc(r.endpoints[ep.Service], func(e Endpoint) bool {
		return e.Instance == ep.Instance
	})
	r.endpoints[ep.Service] = append(eps, ep)
	r.notify(ep.Service)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, service, instance string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[service] = slices.DeleteFunc(r.endpoints[service], func(e Endpoint) bool {
		return e.Instance == instance
	})
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.endpoints[service]), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[service] = slices.DeleteFunc(r.watchers[service], func(c chan []Endpoint) bool {
			return c == ch
		})
		close(ch)
	}()
	return ch
}

// notify hands the latest list to each watcher, replacing an unread one.
// Called with r.mu held.
func (r *StaticRegistry) notify(service string) {
	list := slices.Clone(r.endpoints[service])
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
