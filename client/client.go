// Package client connects a UI to a host, either at a fixed URL or at one
// discovered through a registry.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"hiphop-rpc/channel"
	"hiphop-rpc/codec"
	"hiphop-rpc/loadbalance"
	"hiphop-rpc/registry"
	"hiphop-rpc/transport"
)

type Options struct {
	// URL skips discovery when set.
	URL      string
	Service  string
	Registry registry.Registry
	Balancer loadbalance.Balancer // Defaults to round robin
	// Instance identifies this UI; the consistent hash balancer keys on it.
	// A random id is used when empty.
	Instance string

	Socket  transport.SocketConfig // URL is filled in from the chosen endpoint
	Channel channel.Config
	Logger  *slog.Logger
}

// Conn is a UI channel bound to one host endpoint.
type Conn struct {
	*channel.Channel
	Endpoint registry.Endpoint
	Socket   *transport.Socket
}

// Resolve returns the endpoint a UI with opts would connect to.
func Resolve(ctx context.Context, opts Options) (registry.Endpoint, error) {
	if opts.URL != "" {
		return registry.Endpoint{Service: opts.Service, URL: opts.URL}, nil
	}
	if opts.Registry == nil {
		return registry.Endpoint{}, fmt.Errorf("client: no URL and no registry for service %q", opts.Service)
	}
	endpoints, err := opts.Registry.Discover(ctx, opts.Service)
	if err != nil {
		return registry.Endpoint{}, fmt.Errorf("client: discover %s: %w", opts.Service, err)
	}
	bal := opts.Balancer
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	ep, err := bal.Pick(endpoints, opts.Instance)
	if err != nil {
		return registry.Endpoint{}, fmt.Errorf("client: pick %s: %w", opts.Service, err)
	}
	return ep, nil
}

// Connect resolves an endpoint and starts a channel on a Socket to it. The
// socket keeps reconnecting to that same endpoint until Close.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Instance == "" {
		opts.Instance = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ep, err := Resolve(ctx, opts)
	if err != nil {
		return nil, err
	}

	opts.Socket.URL = socketURL(ep.URL, opts.Socket.Codec)
	if opts.Socket.Logger == nil {
		opts.Socket.Logger = opts.Logger
	}
	if opts.Channel.Logger == nil {
		opts.Channel.Logger = opts.Logger
	}
	sock := transport.NewSocket(opts.Socket)
	ch, err := channel.New(sock, opts.Channel)
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("connecting", "component", "client", "url", ep.URL, "instance", ep.Instance, "balancer", balancerName(opts.Balancer))
	return &Conn{Channel: ch, Endpoint: ep, Socket: sock}, nil
}

// socketURL asks the host for binary CBOR frames when that codec is used.
func socketURL(raw string, ct codec.CodecType) string {
	if ct != codec.CodecTypeCBOR {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("codec", ct.String())
	u.RawQuery = q.Encode()
	return u.String()
}

func balancerName(b loadbalance.Balancer) string {
	if b == nil {
		return "RoundRobin"
	}
	return b.Name()
}
