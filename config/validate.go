package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"mini-discovery/codec"
	"mini-discovery/loadbalance"
)

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func (c LogConfig) Validate() error {
	if !validLevels[c.Level] {
		return invalid("log level %q", c.Level)
	}
	if !validFormats[c.Format] {
		return invalid("log format %q", c.Format)
	}
	return nil
}

func (c TLSConfig) validate(server bool) error {
	if !c.Enabled {
		return nil
	}
	if server && (c.CertFile == "" || c.KeyFile == "") {
		return invalid("tls enabled without cert_file/key_file")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return invalid("tls cert_file and key_file must be set together")
	}
	return nil
}

func (c MulticastConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	ip := net.ParseIP(c.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return invalid("multicast group %q", c.Group)
	}
	if !validPort(c.Port) {
		return invalid("multicast port %d", c.Port)
	}
	if c.TTL < 1 || c.TTL > 255 {
		return invalid("multicast ttl %d", c.TTL)
	}
	if c.BeaconInterval <= 0 {
		return invalid("beacon_interval must be positive")
	}
	return nil
}

func (c EtcdConfig) validate() error {
	if len(c.Endpoints) == 0 {
		return nil
	}
	if c.TTL.Std() < time.Second {
		return invalid("etcd ttl %s below 1s", c.TTL)
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, invalid("listen_addr %q: %v", c.ListenAddr, err))
	}
	if c.RefreshRate.Std() < time.Second {
		errs = append(errs, invalid("refresh_rate %s below 1s", c.RefreshRate))
	}
	if c.Timeout <= 0 {
		errs = append(errs, invalid("timeout must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, invalid("sweep_interval must be positive"))
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst < 1) {
		errs = append(errs, invalid("rate_limit %v with burst %d", c.RateLimit, c.RateBurst))
	}
	errs = append(errs,
		c.Multicast.validate(),
		c.TLS.validate(true),
		c.Etcd.validate(),
		c.Log.Validate(),
	)
	return errors.Join(errs...)
}

func (c *ClientConfig) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, invalid("service_name is required"))
	}
	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		errs = append(errs, invalid("callback_port %d", c.CallbackPort))
	}
	if !validPort(c.DiscoveryPort) {
		errs = append(errs, invalid("discovery_port %d", c.DiscoveryPort))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, invalid("retry_interval must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, invalid("request_timeout must be positive"))
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, invalid("%v", err))
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		errs = append(errs, invalid("%v", err))
	}
	errs = append(errs,
		c.Multicast.validate(),
		c.TLS.validate(false),
		c.Etcd.validate(),
		c.Log.Validate(),
	)
	return errors.Join(errs...)
}
