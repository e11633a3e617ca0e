package locator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// DefaultMDNSService is the DNS-SD service type a discovery server advertises.
const DefaultMDNSService = "_mini-discovery._tcp"

type MDNSConfig struct {
	Instance string        // instance name, e.g. the host name
	Service  string        // DNS-SD service type
	Timeout  time.Duration // per-query timeout when resolving
	IPs      []net.IP      // addresses advertised; empty means every local IPv4
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	if c.Service == "" {
		c.Service = DefaultMDNSService
	}
	if c.Instance == "" {
		c.Instance = "mini-discovery"
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	return c
}

// MDNSAnnouncer answers mDNS queries for the discovery service.
type MDNSAnnouncer struct {
	cfg    MDNSConfig
	logger *zap.Logger

	mu     sync.Mutex
	server *mdns.Server
}

func NewMDNSAnnouncer(cfg MDNSConfig, logger *zap.Logger) *MDNSAnnouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MDNSAnnouncer{cfg: cfg.withDefaults(), logger: logger.Named("mdns-announcer")}
}

func (a *MDNSAnnouncer) Announce(ctx context.Context, addr Address) error {
	ips := a.cfg.IPs
	if len(ips) == 0 && addr.Host != "" {
		if ip := net.ParseIP(addr.Host); ip != nil && !ip.IsUnspecified() {
			ips = []net.IP{ip}
		}
	}
	service, err := mdns.NewMDNSService(
		a.cfg.Instance,
		a.cfg.Service,
		"",
		"",
		addr.Port,
		ips,
		[]string{"host=" + addr.Host},
	)
	if err != nil {
		return fmt.Errorf("locator: mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("locator: mdns server: %w", err)
	}

	a.mu.Lock()
	old := a.server
	a.server = server
	a.mu.Unlock()
	if old != nil {
		_ = old.Shutdown()
	}

	a.logger.Info("advertising via mDNS",
		zap.String("instance", a.cfg.Instance),
		zap.String("service", a.cfg.Service),
		zap.Int("port", addr.Port))
	return nil
}

func (a *MDNSAnnouncer) Close() error {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown()
}

// MDNSResolver browses for an MDNSAnnouncer on the local link.
type MDNSResolver struct {
	cfg MDNSConfig
}

func NewMDNSResolver(cfg MDNSConfig) *MDNSResolver {
	return &MDNSResolver{cfg: cfg.withDefaults()}
}

func (r *MDNSResolver) Name() string { return "mdns" }

// Resolve keeps querying until an entry with an IPv4 address shows up or ctx is done.
func (r *MDNSResolver) Resolve(ctx context.Context) (Address, error) {
	for {
		addr, err := r.queryOnce(ctx)
		if err == nil {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return Address{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (r *MDNSResolver) queryOnce(ctx context.Context) (Address, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan Address, 1)
	drained := make(chan struct{})

	go func() {
		defer close(drained)
		for entry := range entries {
			if entry.AddrV4 == nil || entry.Port <= 0 {
				continue
			}
			select {
			case found <- Address{Host: entry.AddrV4.String(), Port: entry.Port}:
			default:
			}
		}
	}()

	params := mdns.DefaultParams(r.cfg.Service)
	params.Domain = "local"
	params.Timeout = r.cfg.Timeout
	params.Entries = entries
	params.DisableIPv6 = true

	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-drained
	if err != nil {
		return Address{}, fmt.Errorf("locator: mdns query: %w", err)
	}

	select {
	case addr := <-found:
		return addr, nil
	default:
		return Address{}, ErrNotFound
	}
}
