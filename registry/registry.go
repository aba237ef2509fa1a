// Package registry advertises host endpoints so UIs can find them.
package registry

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("registry: no endpoint registered")

// Endpoint is one running host a UI can connect to.
type Endpoint struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
	URL      string `json:"url"` // Websocket URL, e.g. ws://10.0.0.5:49152/
	Version  string `json:"version"`
	Weight   int    `json:"weight"` // Relative share for weighted selection
}

type Registry interface {
	// Register advertises ep until Deregister or until the registration
	// stops being renewed for ttl.
	Register(ctx context.Context, ep Endpoint, ttl time.Duration) error
	Deregister(ctx context.Context, service, instance string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
