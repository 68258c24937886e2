package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const etcdEndpoint = "127.0.0.1:2379"

func etcdOrSkip(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{etcdEndpoint}, time.Second)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, etcdEndpoint); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func uniqueService(t *testing.T) string {
	return fmt.Sprintf("Arith-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := etcdOrSkip(t)
	ctx := context.Background()
	svc := uniqueService(t)

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0", Handshake: 8}
	require.NoError(t, reg.Register(ctx, svc, inst1, 10))
	require.NoError(t, reg.Register(ctx, svc, inst2, 10))

	instances, err := reg.Discover(ctx, svc)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, svc, inst1.Addr))
	instances, err = reg.Discover(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, svc, inst2.Addr))
}

func TestEtcdWatch(t *testing.T) {
	reg := etcdOrSkip(t)
	svc := uniqueService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := reg.Watch(ctx, svc)
	assert.Empty(t, <-ch)

	inst := ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}
	require.NoError(t, reg.Register(ctx, svc, inst, 10))
	assert.Equal(t, []ServiceInstance{inst}, <-ch)

	require.NoError(t, reg.Deregister(ctx, svc, inst.Addr))
	assert.Empty(t, <-ch)

	cancel()
	for range ch {
	}
}
