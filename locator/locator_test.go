package locator

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAddressString(t *testing.T) {
	assert.Equal(t, "10.1.2.3:6000", Address{Host: "10.1.2.3", Port: 6000}.String())
}

func TestEtcdKeyLayout(t *testing.T) {
	cfg := EtcdConfig{Prefix: "/disco", Name: "registry"}.withDefaults()
	assert.Equal(t, "/disco/registry/", cfg.servicePrefix())
	assert.Equal(t, "/disco/registry/10.0.0.1:6000", cfg.key(Address{Host: "10.0.0.1", Port: 6000}))

	def := EtcdConfig{}.withDefaults()
	assert.Equal(t, DefaultEtcdPrefix+"discovery/", def.servicePrefix())
	assert.Equal(t, int64(10), def.TTL)
}

func TestFirstAddressSkipsMalformed(t *testing.T) {
	addr, err := firstAddress([][]byte{
		[]byte("not json"),
		[]byte(`{"host":"","port":6000}`),
		[]byte(`{"host":"10.0.0.9","port":6000}`),
	})
	require.NoError(t, err)
	assert.Equal(t, Address{Host: "10.0.0.9", Port: 6000}, addr)

	_, err = firstAddress(nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewEtcdClientNeedsEndpoints(t *testing.T) {
	_, err := NewEtcdResolver(EtcdConfig{})
	assert.Error(t, err)
}

// 需要真实 etcd：DISCO_ETCD_ENDPOINTS=127.0.0.1:2379
func TestEtcdAnnounceAndResolve(t *testing.T) {
	endpoints := os.Getenv("DISCO_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("DISCO_ETCD_ENDPOINTS not set")
	}
	cfg := EtcdConfig{Endpoints: strings.Split(endpoints, ","), Name: "locator-test", TTL: 5}

	ann, err := NewEtcdAnnouncer(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ann.Announce(ctx, Address{Host: "127.0.0.1", Port: 16000}))

	res, err := NewEtcdResolver(cfg)
	require.NoError(t, err)
	defer res.Close()

	addr, err := res.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address{Host: "127.0.0.1", Port: 16000}, addr)

	require.NoError(t, ann.Close())
	_, err = res.Resolve(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMDNSDefaults(t *testing.T) {
	cfg := MDNSConfig{}.withDefaults()
	assert.Equal(t, DefaultMDNSService, cfg.Service)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, "mdns", NewMDNSResolver(cfg).Name())
}
