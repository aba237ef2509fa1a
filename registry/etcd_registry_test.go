package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a live etcd: HIPHOP_TEST_ETCD=127.0.0.1:2379 go test ./registry
func TestEtcdRegisterAndDiscover(t *testing.T) {
	addr := os.Getenv("HIPHOP_TEST_ETCD")
	if addr == "" {
		t.Skip("HIPHOP_TEST_ETCD not set")
	}

	reg, err := NewEtcdRegistry([]string{addr}, 2*time.Second)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	service := "hiphop-test-" + time.Now().Format("150405.000")
	ep1 := Endpoint{Service: service, Instance: "one", URL: "ws://127.0.0.1:49152/", Version: "1.0", Weight: 10}
	ep2 := Endpoint{Service: service, Instance: "two", URL: "ws://127.0.0.1:49153/", Version: "1.0", Weight: 5}

	updates := reg.Watch(ctx, service)
	require.NoError(t, reg.Register(ctx, ep1, 10*time.Second))
	require.NoError(t, reg.Register(ctx, ep2, 10*time.Second))

	eps, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Endpoint{ep1, ep2}, eps)

	require.NoError(t, reg.Deregister(ctx, service, ep1.Instance))
	eps, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{ep2}, eps)

	select {
	case <-updates:
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
	reg.Deregister(ctx, service, ep2.Instance)
}
