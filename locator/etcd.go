package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultEtcdPrefix is the key namespace used when none is configured.
//
//	Key:   /mini-discovery/{name}/{host:port}
//	Value: JSON-encoded Address
const DefaultEtcdPrefix = "/mini-discovery/"

// EtcdConfig describes the etcd cluster and the key the server is published under.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	Name        string
	TTL         int64 // lease TTL in seconds
	DialTimeout time.Duration
}

func (c EtcdConfig) withDefaults() EtcdConfig {
	if c.Prefix == "" {
		c.Prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if c.Name == "" {
		c.Name = "discovery"
	}
	if c.TTL <= 0 {
		c.TTL = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

func (c EtcdConfig) servicePrefix() string {
	return c.Prefix + c.Name + "/"
}

func (c EtcdConfig) key(addr Address) string {
	return c.servicePrefix() + addr.String()
}

func newEtcdClient(cfg EtcdConfig) (*clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("locator: no etcd endpoints configured")
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
}

// EtcdAnnouncer stores the server address in etcd under a lease.
// If the server dies the lease expires and the entry disappears by itself.
type EtcdAnnouncer struct {
	cfg    EtcdConfig
	client *clientv3.Client
	logger *zap.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

func NewEtcdAnnouncer(cfg EtcdConfig, logger *zap.Logger) (*EtcdAnnouncer, error) {
	cfg = cfg.withDefaults()
	c, err := newEtcdClient(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdAnnouncer{cfg: cfg, client: c, logger: logger.Named("etcd-announcer")}, nil
}

// Announce grants a lease, puts the address with it attached and keeps the lease alive
// until Close is called.
func (a *EtcdAnnouncer) Announce(ctx context.Context, addr Address) error {
	val, err := json.Marshal(addr)
	if err != nil {
		return err
	}

	lease, err := a.client.Grant(ctx, a.cfg.TTL)
	if err != nil {
		return fmt.Errorf("locator: grant lease: %w", err)
	}
	if _, err = a.client.Put(ctx, a.cfg.key(addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("locator: put %s: %w", a.cfg.key(addr), err)
	}

	// KeepAlive outlives the caller's ctx; it is cancelled by Close.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := a.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("locator: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		a.logger.Debug("lease keepalive finished", zap.Int64("lease", int64(lease.ID)))
	}()

	a.mu.Lock()
	a.leaseID = lease.ID
	a.cancel = cancel
	a.mu.Unlock()

	a.logger.Info("announced discovery server", zap.String("key", a.cfg.key(addr)), zap.Int64("ttl", a.cfg.TTL))
	return nil
}

// Close revokes the lease so the entry is removed immediately, then closes the client.
func (a *EtcdAnnouncer) Close() error {
	a.mu.Lock()
	cancel, leaseID := a.cancel, a.leaseID
	a.cancel, a.leaseID = nil, 0
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if leaseID != 0 {
		ctx, done := context.WithTimeout(context.Background(), a.cfg.DialTimeout)
		if _, err := a.client.Revoke(ctx, leaseID); err != nil {
			a.logger.Warn("revoke lease failed", zap.Error(err))
		}
		done()
	}
	return a.client.Close()
}

// EtcdResolver reads the addresses published by EtcdAnnouncer.
type EtcdResolver struct {
	cfg    EtcdConfig
	client *clientv3.Client
}

func NewEtcdResolver(cfg EtcdConfig) (*EtcdResolver, error) {
	cfg = cfg.withDefaults()
	c, err := newEtcdClient(cfg)
	if err != nil {
		return nil, err
	}
	return &EtcdResolver{cfg: cfg, client: c}, nil
}

func (r *EtcdResolver) Name() string { return "etcd" }

// Resolve returns the first well-formed address under the service prefix.
func (r *EtcdResolver) Resolve(ctx context.Context) (Address, error) {
	resp, err := r.client.Get(ctx, r.cfg.servicePrefix(), clientv3.WithPrefix())
	if err != nil {
		return Address{}, fmt.Errorf("locator: etcd get: %w", err)
	}
	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return firstAddress(values)
}

func (r *EtcdResolver) Close() error {
	return r.client.Close()
}

// firstAddress decodes the first usable value, skipping malformed entries.
func firstAddress(values [][]byte) (Address, error) {
	for _, v := range values {
		var addr Address
		if err := json.Unmarshal(v, &addr); err != nil {
			continue
		}
		if addr.Host == "" || addr.Port <= 0 {
			continue
		}
		return addr, nil
	}
	return Address{}, ErrNotFound
}
