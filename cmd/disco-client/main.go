// Command disco-client registers a service with the discovery registry and
// keeps the registration alive. With --find it also resolves another service
// periodically and prints the chosen instance.
//
// # Usage
//
//	go run ./cmd/disco-client --config=client.yaml
//	DISCO_SERVICE_NAME=orders DISCO_CALLBACK_PORT=8080 go run ./cmd/disco-client --find=billing
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mini-discovery/client"
	"mini-discovery/codec"
	"mini-discovery/config"
	"mini-discovery/loadbalance"
	"mini-discovery/locator"
	"mini-discovery/logging"
	"mini-discovery/multicast"

	"go.uber.org/zap"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		service      = flag.String("service", "", "Name to register under")
		port         = flag.Int("port", 0, "Callback port advertised to other services")
		server       = flag.String("server", "", "Discovery server host; empty means auto discovery")
		find         = flag.String("find", "", "Service to resolve periodically")
		findScope    = flag.String("find-scope", "", "Scope filter for --find")
		findInterval = flag.Duration("find-interval", 5*time.Second, "Interval between --find lookups")
	)
	flag.Parse()

	if *service != "" {
		os.Setenv("DISCO_SERVICE_NAME", *service)
	}
	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.CallbackPort = *port
	}
	if *server != "" {
		cfg.DiscoveryHost = *server
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger, *find, *findScope, *findInterval); err != nil {
		logger.Error("disco-client failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.ClientConfig, logger *zap.Logger, find, findScope string, findInterval time.Duration) error {
	ct, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return err
	}
	tlsCfg, err := cfg.TLS.ClientTLS(cfg.DiscoveryHost)
	if err != nil {
		return err
	}
	clientOpts := []client.Option{
		client.WithCodec(ct),
		client.WithTLS(tlsCfg),
		client.WithRequestTimeout(cfg.RequestTimeout.Std()),
		client.WithLogger(logger),
	}

	resolvers, closers, err := buildResolvers(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	host := client.NewHostInfoProvider()
	sessOpts := []client.SessionOption{
		client.WithSessionLogger(logger),
		client.WithMetadataProviders(host),
		client.WithResolvers(resolvers...),
		client.WithClientOptions(clientOpts...),
		client.WithStateListener(func(from, to client.State) {
			logger.Info("session state", zap.Stringer("from", from), zap.Stringer("to", to))
		}),
	}
	if !cfg.Multicast.Enabled {
		sessOpts = append(sessOpts, client.WithMulticaster(noMulticast{}))
	}
	sess := client.NewSession(client.Config{
		ServiceName:     cfg.ServiceName,
		Scope:           cfg.Scope,
		CallbackAddress: cfg.CallbackAddress,
		CallbackPort:    cfg.CallbackPort,
		DiscoveryHost:   cfg.DiscoveryHost,
		DiscoveryPort:   cfg.DiscoveryPort,
		MulticastGroup:  cfg.Multicast.Group,
		MulticastPort:   cfg.Multicast.Port,
		RetryInterval:   cfg.RetryInterval.Std(),
		Metadata:        cfg.Metadata,
	}, sessOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess.Start()
	defer sess.Stop()
	logger.Info("session started",
		zap.String("service", cfg.ServiceName),
		zap.String("instance", host.InstanceID()))

	if find == "" {
		<-ctx.Done()
		return nil
	}

	balancer, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(findInterval)
	defer ticker.Stop()

	var (
		c    *client.Client
		res  *client.Resolver
		addr string
	)
	defer func() {
		if c != nil {
			c.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		srv, ok := sess.Server()
		if !ok {
			logger.Info("not connected yet, skipping lookup")
			continue
		}
		if c == nil || addr != srv.String() {
			if c != nil {
				c.Close()
			}
			addr = srv.String()
			c = client.New(addr, clientOpts...)
			res = client.NewResolver(c, balancer)
		}
		inst, err := res.Resolve(ctx, find, findScope, host.InstanceID())
		if err != nil {
			logger.Warn("lookup failed", zap.String("service", find), zap.Error(err))
			continue
		}
		logger.Info("resolved",
			zap.String("service", find),
			zap.String("address", inst.Address()),
			zap.Bool("principal", inst.Principal),
			zap.Stringer("health", inst.HealthState))
	}
}

// noMulticast never joins; the session then relies on locators and the retry timer.
type noMulticast struct{}

func (noMulticast) Start(int, string, int) bool { return false }
func (noMulticast) Stop()                       {}
func (noMulticast) OnData(multicast.Handler)    {}

func buildResolvers(cfg *config.ClientConfig) ([]locator.Resolver, []func(), error) {
	var (
		out     []locator.Resolver
		closers []func()
	)
	if len(cfg.Etcd.Endpoints) > 0 {
		r, err := locator.NewEtcdResolver(locator.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			TTL:         int64(cfg.Etcd.TTL.Std() / time.Second),
			DialTimeout: cfg.Etcd.DialTimeout.Std(),
		})
		if err != nil {
			return nil, nil, err
		}
		out = append(out, r)
		closers = append(closers, func() { r.Close() })
	}
	if cfg.MDNS.Enabled {
		out = append(out, locator.NewMDNSResolver(locator.MDNSConfig{
			Instance: cfg.MDNS.Instance,
			Service:  cfg.MDNS.Service,
			Timeout:  cfg.MDNS.Timeout.Std(),
		}))
	}
	return out, closers, nil
}
