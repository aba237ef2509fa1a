package registry

// etcd keeps the endpoint table:
//
//	Key:   /hiphop/{service}/{instance}
//	Value: JSON-encoded Endpoint
//
// Registrations hold a TTL lease renewed by KeepAlive, so a host that dies
// without deregistering disappears once the lease expires.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/hiphop/"

type EtcdRegistry struct {
	client *clientv3.Client
	logger *slog.Logger
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c, logger: slog.Default().With("component", "registry.etcd")}, nil
}

func key(service, instance string) string {
	return keyPrefix + service + "/" + instance
}

// Register puts ep under a lease of ttl and keeps the lease alive in the
// background. The keepalive stops when ctx is done.
//
// The lease id stays local so one EtcdRegistry can serve several hosts.
func (r *EtcdRegistry) Register(ctx context.Context, ep Endpoint, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := sonic.Marshal(ep)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key(ep.Service, ep.Instance), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", ep.Instance, err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("keepalive stopped", "service", ep.Service, "instance", ep.Instance)
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service, instance string) error {
	if _, err := r.client.Delete(ctx, key(service, instance)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", instance, err)
	}
	return nil
}

// Discover lists every endpoint under the service prefix. Entries that do
// not decode are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", service, err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := sonic.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed entry", "key", string(kv.Key), "error", err)
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-reads the whole list on every change under the prefix rather
// than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, keyPrefix+service+"/", clientv3.WithPrefix()) {
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
