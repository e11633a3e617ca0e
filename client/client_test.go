package client

import (
	"context"
	"net"
	"testing"
	"time"

	"mini-discovery/api"
	"mini-discovery/discovery"
	"mini-discovery/loadbalance"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startServer(t *testing.T, listenAddr string) *discovery.Endpoint {
	t.Helper()
	cfg := discovery.DefaultConfig()
	cfg.ListenAddr = listenAddr
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.AutoDiscovery = false
	e, err := discovery.New(cfg, discovery.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

// 预留一个当前无人监听的端口
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestClientRegisterAndFind(t *testing.T) {
	e := startServer(t, "127.0.0.1:0")
	c := New(e.Addr().String(), WithLogger(zaptest.NewLogger(t)))
	defer c.Close()

	reg := c.RegisterService(context.Background(), &api.ServiceDto{
		ServiceName: "orders",
		ServiceHost: "10.0.0.1",
		ServicePort: 8080,
		Scope:       "prod",
	})
	require.True(t, reg.Ok, reg.Error)
	assert.Equal(t, int32(1), reg.RefreshRateSeconds)

	found := c.FindService(context.Background(), "orders", "")
	require.True(t, found.Ok)
	require.Len(t, found.Services, 1)
	assert.Equal(t, "10.0.0.1:8080", found.Services[0].Address())
	assert.True(t, found.Services[0].Principal)
}

func TestClientUnreachableServer(t *testing.T) {
	c := New(freeAddr(t), WithRetry(1, 10*time.Millisecond), WithRequestTimeout(time.Second))
	defer c.Close()

	reg := c.RegisterService(context.Background(), &api.ServiceDto{ServiceName: "orders"})
	assert.False(t, reg.Ok)
	assert.Contains(t, reg.Error, "connection refused")

	found := c.FindService(context.Background(), "orders", "")
	assert.False(t, found.Ok)
	assert.NotEmpty(t, found.Error)
}

func TestClientClosed(t *testing.T) {
	e := startServer(t, "127.0.0.1:0")
	c := New(e.Addr().String())
	require.True(t, c.FindService(context.Background(), "x", "").Ok)
	require.NoError(t, c.Close())

	found := c.FindService(context.Background(), "x", "")
	assert.False(t, found.Ok)
	assert.Equal(t, ErrClientClosed.Error(), found.Error)
}

// 服务端重启后客户端自动重连
func TestClientRedialsAfterServerRestart(t *testing.T) {
	addr := freeAddr(t)
	first, err := discovery.New(discovery.Config{ListenAddr: addr})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))

	c := New(addr, WithRetry(3, 50*time.Millisecond))
	defer c.Close()
	require.True(t, c.FindService(context.Background(), "x", "").Ok)

	require.NoError(t, first.Stop(context.Background()))
	startServer(t, addr)

	found := c.FindService(context.Background(), "x", "")
	assert.True(t, found.Ok, found.Error)
}

func TestResolverPrefersPrincipal(t *testing.T) {
	e := startServer(t, "127.0.0.1:0")
	c := New(e.Addr().String())
	defer c.Close()

	for _, port := range []int32{9001, 9002, 9003} {
		require.True(t, c.RegisterService(context.Background(), &api.ServiceDto{ServiceName: "cache", ServiceHost: "10.0.0.1", ServicePort: port}).Ok)
	}
	r := NewResolver(c, nil)
	for i := 0; i < 5; i++ {
		d, err := r.Resolve(context.Background(), "cache", "", "")
		require.NoError(t, err)
		assert.True(t, d.Principal)
		assert.Equal(t, int32(9001), d.ServicePort)
	}

	rr := NewResolver(c, &loadbalance.RoundRobinBalancer{})
	a, _ := rr.Resolve(context.Background(), "cache", "", "")
	b, _ := rr.Resolve(context.Background(), "cache", "", "")
	assert.NotEqual(t, a.ServicePort, b.ServicePort)
}

func TestResolverNoInstances(t *testing.T) {
	e := startServer(t, "127.0.0.1:0")
	c := New(e.Addr().String())
	defer c.Close()

	_, err := NewResolver(c, nil).Resolve(context.Background(), "ghost", "", "")
	assert.ErrorIs(t, err, ErrNoInstances)

	down := New(freeAddr(t), WithRetry(0, 0))
	defer down.Close()
	_, err = NewResolver(down, nil).Resolve(context.Background(), "ghost", "", "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoInstances)
}

func TestHostInfoProvider(t *testing.T) {
	p := NewHostInfoProvider()
	md := p.Metadata()

	_, err := uuid.Parse(md[MetaInstanceID])
	require.NoError(t, err)
	assert.Equal(t, p.InstanceID(), md[MetaInstanceID])
	assert.NotEmpty(t, md[MetaProcess])
	assert.NotEmpty(t, md[MetaPID])
	_, err = time.Parse(time.RFC3339, md[MetaStartTime])
	assert.NoError(t, err)

	// the returned map is a copy
	md[MetaProcess] = "changed"
	assert.NotEqual(t, "changed", p.Metadata()[MetaProcess])

	assert.NotEqual(t, p.InstanceID(), NewHostInfoProvider().InstanceID())
}
