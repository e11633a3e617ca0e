// Command disco-server runs the discovery registry: the RPC endpoint services
// register with, the multicast beacon that lets clients find it, and the admin
// HTTP surface.
//
// # Configuration File
//
//	listen_addr: ":6000"
//	refresh_rate: 1s
//	timeout: 5s
//	multicast:
//	  enabled: true
//	  group: 224.0.0.100
//	  port: 5478
//	admin:
//	  addr: ":8080"
//	etcd:
//	  endpoints: [127.0.0.1:2379]
//	log:
//	  level: info
//
// Every option can also be set through DISCO_* environment variables or a .env file.
//
// # Usage
//
//	go run ./cmd/disco-server --config=server.yaml
//	go run ./cmd/disco-server --listen=:6000 --admin=:8080
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mini-discovery/admin"
	"mini-discovery/config"
	"mini-discovery/discovery"
	"mini-discovery/locator"
	"mini-discovery/logging"
	"mini-discovery/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		listen     = flag.String("listen", "", "RPC listen address")
		adminAddr  = flag.String("admin", "", "Admin HTTP listen address")
	)
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("disco-server failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.ServerConfig, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tlsCfg, err := cfg.TLS.ServerTLS()
	if err != nil {
		return err
	}

	announcers, err := buildAnnouncers(cfg, logger)
	if err != nil {
		return err
	}

	ep, err := discovery.New(discovery.Config{
		ListenAddr:     cfg.ListenAddr,
		AdvertiseHost:  cfg.AdvertiseHost,
		RefreshRate:    cfg.RefreshRate.Std(),
		Timeout:        cfg.Timeout.Std(),
		SweepInterval:  cfg.SweepInterval.Std(),
		AutoDiscovery:  cfg.Multicast.Enabled,
		MulticastGroup: cfg.Multicast.Group,
		MulticastPort:  cfg.Multicast.Port,
		MulticastTTL:   cfg.Multicast.TTL,
		BeaconInterval: cfg.Multicast.BeaconInterval.Std(),
		TLS:            tlsCfg,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	},
		discovery.WithLogger(logger),
		discovery.WithMetrics(m),
		discovery.WithAnnouncers(announcers...),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ep.Start(ctx); err != nil {
		return err
	}
	logger.Info("discovery server started",
		zap.Stringer("addr", ep.Addr()),
		zap.Bool("auto_discovery", cfg.Multicast.Enabled),
		zap.Bool("tls", tlsCfg != nil))

	var (
		adminSrv *http.Server
		adminH   *admin.Handler
		adminErr = make(chan error, 1)
	)
	if cfg.Admin.Addr != "" {
		adminH = admin.New(ep.Registry(),
			admin.WithLogger(logger.Named("admin")),
			admin.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
		adminSrv = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           adminH,
			ReadHeaderTimeout: 10 * time.Second,
		}
		l, err := net.Listen("tcp", cfg.Admin.Addr)
		if err != nil {
			ep.Stop(context.Background())
			return fmt.Errorf("admin listen: %w", err)
		}
		logger.Info("admin server started", zap.Stringer("addr", l.Addr()))
		go func() {
			if err := adminSrv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-adminErr:
		logger.Error("admin server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if adminSrv != nil {
		adminH.Close()
		errs = append(errs, adminSrv.Shutdown(shutdownCtx))
	}
	errs = append(errs, ep.Stop(shutdownCtx), err)
	return errors.Join(errs...)
}

func buildAnnouncers(cfg *config.ServerConfig, logger *zap.Logger) ([]locator.Announcer, error) {
	var out []locator.Announcer
	if len(cfg.Etcd.Endpoints) > 0 {
		a, err := locator.NewEtcdAnnouncer(etcdConfig(cfg.Etcd), logger)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if cfg.MDNS.Enabled {
		out = append(out, locator.NewMDNSAnnouncer(mdnsConfig(cfg.MDNS), logger))
	}
	return out, nil
}

func etcdConfig(c config.EtcdConfig) locator.EtcdConfig {
	return locator.EtcdConfig{
		Endpoints:   c.Endpoints,
		Prefix:      c.Prefix,
		TTL:         int64(c.TTL.Std() / time.Second),
		DialTimeout: c.DialTimeout.Std(),
	}
}

func mdnsConfig(c config.MDNSConfig) locator.MDNSConfig {
	return locator.MDNSConfig{
		Instance: c.Instance,
		Service:  c.Service,
		Timeout:  c.Timeout.Std(),
	}
}
