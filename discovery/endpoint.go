// Package discovery is the server side of the discovery service: it publishes
// the registry over RPC and, when enabled, announces the RPC address with a
// periodic multicast beacon.
//
//	Start: RPC listener → registry sweep → multicast join + beacon loop → announcers
//	Stop:  announcers → beacon loop → multicast leave → RPC shutdown → registry
package discovery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"mini-discovery/api"
	"mini-discovery/locator"
	"mini-discovery/metrics"
	"mini-discovery/middleware"
	"mini-discovery/multicast"
	"mini-discovery/registry"
	"mini-discovery/server"

	"go.uber.org/zap"
)

const (
	DefaultListenAddr     = ":6000"
	DefaultRefreshRate    = time.Second
	DefaultBeaconInterval = 5 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("discovery: endpoint already started")
	ErrStopped        = errors.New("discovery: endpoint stopped")
)

type Config struct {
	ListenAddr string
	// AdvertiseHost is the address put in beacons and announcements; empty
	// means the first usable local IPv4.
	AdvertiseHost string
	RefreshRate   time.Duration
	Timeout       time.Duration
	SweepInterval time.Duration

	AutoDiscovery  bool
	MulticastGroup string
	MulticastPort  int
	MulticastTTL   int
	BeaconInterval time.Duration

	TLS       *tls.Config
	RateLimit float64
	RateBurst int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     DefaultListenAddr,
		RefreshRate:    DefaultRefreshRate,
		Timeout:        registry.DefaultTimeout,
		SweepInterval:  registry.DefaultSweepInterval,
		AutoDiscovery:  true,
		MulticastGroup: multicast.DefaultGroup,
		MulticastPort:  multicast.DefaultPort,
		MulticastTTL:   multicast.DefaultTTL,
		BeaconInterval: DefaultBeaconInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.RefreshRate <= 0 {
		c.RefreshRate = d.RefreshRate
	}
	if c.MulticastGroup == "" {
		c.MulticastGroup = d.MulticastGroup
	}
	if c.MulticastPort <= 0 {
		c.MulticastPort = d.MulticastPort
	}
	if c.MulticastTTL <= 0 {
		c.MulticastTTL = d.MulticastTTL
	}
	if c.BeaconInterval <= 0 {
		c.BeaconInterval = d.BeaconInterval
	}
	return c
}

// Multicaster is the slice of multicast.Transport the beacon needs.
type Multicaster interface {
	Start(port int, group string, ttl int) bool
	Stop()
	Send(data []byte, port int) error
}

type Endpoint struct {
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	registry   *registry.Registry
	server     *server.Server
	mc         Multicaster
	announcers []locator.Announcer

	mu       sync.Mutex
	started  bool
	stopped  bool
	listener net.Listener
	serveErr chan error
	stop     chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Endpoint)

// WithRegistry serves an existing registry instead of creating one from Config.
func WithRegistry(r *registry.Registry) Option {
	return func(e *Endpoint) { e.registry = r }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Endpoint) { e.metrics = m }
}

func WithMulticaster(mc Multicaster) Option {
	return func(e *Endpoint) { e.mc = mc }
}

// WithAnnouncers adds locators that publish the RPC address while the endpoint runs.
func WithAnnouncers(a ...locator.Announcer) Option {
	return func(e *Endpoint) { e.announcers = append(e.announcers, a...) }
}

func New(cfg Config, opts ...Option) (*Endpoint, error) {
	e := &Endpoint{
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = registry.New(
			registry.WithTimeout(e.cfg.Timeout),
			registry.WithSweepInterval(e.cfg.SweepInterval),
			registry.WithLogger(e.logger),
			registry.WithMetrics(e.metrics),
		)
	}
	if e.mc == nil {
		e.mc = multicast.New(multicast.WithLogger(e.logger))
	}
	e.logger = e.logger.Named("discovery")

	e.server = server.NewServer(server.WithLogger(e.logger), server.WithTLS(e.cfg.TLS))
	e.server.Use(middleware.RecoverMiddleware(e.logger))
	e.server.Use(middleware.LoggingMiddleware(e.logger))
	e.server.Use(middleware.MetricsMiddleware(e.metrics))
	e.server.Use(middleware.RateLimitMiddleware(e.cfg.RateLimit, e.cfg.RateBurst))

	svc := NewService(e.registry, e.cfg.RefreshRate, e.logger)
	if err := e.server.RegisterName(api.ServiceName, svc); err != nil {
		return nil, fmt.Errorf("discovery: register rpc service: %w", err)
	}
	return e, nil
}

// Start opens the RPC listener and starts every background loop. Multicast and
// announcer failures are logged; the endpoint keeps serving without them.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}

	l, err := e.server.Listen(e.cfg.ListenAddr)
	if err != nil {
		return err
	}
	e.listener = l
	e.serveErr = make(chan error, 1)
	go func() {
		e.serveErr <- e.server.Serve(l)
	}()

	e.registry.Start()
	e.stop = make(chan struct{})

	port := l.Addr().(*net.TCPAddr).Port
	host := e.advertiseHost()
	if e.cfg.AutoDiscovery {
		if e.mc.Start(e.cfg.MulticastPort, e.cfg.MulticastGroup, e.cfg.MulticastTTL) {
			e.wg.Add(1)
			go e.beaconLoop(api.FormatBeacon(host, port), e.stop)
		} else {
			e.logger.Warn("auto discovery unavailable, clients need the server address configured")
		}
	}

	for _, a := range e.announcers {
		if err := a.Announce(ctx, locator.Address{Host: host, Port: port}); err != nil {
			e.logger.Warn("announce failed", zap.Error(err))
		}
	}

	e.started = true
	e.logger.Info("discovery endpoint started",
		zap.String("addr", l.Addr().String()),
		zap.String("advertise", host),
		zap.Bool("autoDiscovery", e.cfg.AutoDiscovery))
	return nil
}

// Stop reverses Start. ctx bounds the wait for in-flight RPC requests.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false
	e.stopped = true

	var errs []error
	for _, a := range e.announcers {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close announcer: %w", err))
		}
	}
	close(e.stop)
	e.wg.Wait()
	if e.cfg.AutoDiscovery {
		e.mc.Stop()
	}
	if err := e.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := <-e.serveErr; err != nil && !errors.Is(err, server.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("serve: %w", err))
	}
	if err := e.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("discovery endpoint stopped")
	return errors.Join(errs...)
}

// beaconLoop sends the beacon right away and then every BeaconInterval.
func (e *Endpoint) beaconLoop(beacon []byte, stop <-chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		if err := e.mc.Send(beacon, e.cfg.MulticastPort); err != nil {
			e.logger.Warn("beacon send failed", zap.Error(err))
		} else {
			e.metrics.BeaconSent()
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (e *Endpoint) advertiseHost() string {
	if e.cfg.AdvertiseHost != "" {
		return e.cfg.AdvertiseHost
	}
	ip, err := multicast.LocalIP()
	if err != nil {
		e.logger.Warn("no local IPv4 found, advertising loopback", zap.Error(err))
		return "127.0.0.1"
	}
	return ip.String()
}

// Addr is the RPC listening address, nil when not started.
func (e *Endpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Port is the RPC listening port, 0 when not started.
func (e *Endpoint) Port() int {
	if tcp, ok := e.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (e *Endpoint) Registry() *registry.Registry {
	return e.registry
}

// Subscribe forwards the registry's change sets unchanged.
func (e *Endpoint) Subscribe(buffer int) (<-chan registry.ChangeSet, func()) {
	return e.registry.Subscribe(buffer)
}
