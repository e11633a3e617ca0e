// Package config loads the server and client settings.
//
// Sources, later ones winning:
//
//	defaults → .env files (godotenv, never overriding the real environment)
//	         → YAML file → DISCO_* environment variables
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as "5s", "250ms" in YAML and env.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type LogConfig struct {
	Level  string `yaml:"level" env:"DISCO_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"DISCO_LOG_FORMAT"` // json or console
	Output string `yaml:"output" env:"DISCO_LOG_OUTPUT"` // stderr, stdout or a file path
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"DISCO_TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"DISCO_TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"DISCO_TLS_KEY_FILE"`
	CAFile   string `yaml:"ca_file" env:"DISCO_TLS_CA_FILE"`
	// AllowInvalid skips server certificate verification on the client.
	AllowInvalid bool `yaml:"allow_invalid" env:"DISCO_TLS_ALLOW_INVALID"`
}

type MulticastConfig struct {
	Enabled        bool     `yaml:"enabled" env:"DISCO_AUTODISCOVERY"`
	Group          string   `yaml:"group" env:"DISCO_MULTICAST_GROUP"`
	Port           int      `yaml:"port" env:"DISCO_MULTICAST_PORT"`
	TTL            int      `yaml:"ttl" env:"DISCO_MULTICAST_TTL"`
	BeaconInterval Duration `yaml:"beacon_interval" env:"DISCO_BEACON_INTERVAL"`
}

type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints" env:"DISCO_ETCD_ENDPOINTS"`
	Prefix      string   `yaml:"prefix" env:"DISCO_ETCD_PREFIX"`
	TTL         Duration `yaml:"ttl" env:"DISCO_ETCD_TTL"`
	DialTimeout Duration `yaml:"dial_timeout" env:"DISCO_ETCD_DIAL_TIMEOUT"`
}

type MDNSConfig struct {
	Enabled  bool     `yaml:"enabled" env:"DISCO_MDNS_ENABLED"`
	Service  string   `yaml:"service" env:"DISCO_MDNS_SERVICE"`
	Instance string   `yaml:"instance" env:"DISCO_MDNS_INSTANCE"`
	Timeout  Duration `yaml:"timeout" env:"DISCO_MDNS_TIMEOUT"`
}

type AdminConfig struct {
	Addr string `yaml:"addr" env:"DISCO_ADMIN_ADDR"` // empty disables the admin server
}

type ServerConfig struct {
	ListenAddr    string   `yaml:"listen_addr" env:"DISCO_LISTEN_ADDR"`
	AdvertiseHost string   `yaml:"advertise_host" env:"DISCO_ADVERTISE_HOST"`
	RefreshRate   Duration `yaml:"refresh_rate" env:"DISCO_REFRESH_RATE"`
	Timeout       Duration `yaml:"timeout" env:"DISCO_TIMEOUT"`
	SweepInterval Duration `yaml:"sweep_interval" env:"DISCO_SWEEP_INTERVAL"`
	RateLimit     float64  `yaml:"rate_limit" env:"DISCO_RATE_LIMIT"`
	RateBurst     int      `yaml:"rate_burst" env:"DISCO_RATE_BURST"`

	Multicast MulticastConfig `yaml:"multicast"`
	TLS       TLSConfig       `yaml:"tls"`
	Admin     AdminConfig     `yaml:"admin"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	Log       LogConfig       `yaml:"log"`
}

type ClientConfig struct {
	ServiceName     string            `yaml:"service_name" env:"DISCO_SERVICE_NAME"`
	Scope           string            `yaml:"scope" env:"DISCO_SCOPE"`
	CallbackAddress string            `yaml:"callback_address" env:"DISCO_CALLBACK_ADDRESS"`
	CallbackPort    int               `yaml:"callback_port" env:"DISCO_CALLBACK_PORT"`
	Metadata        map[string]string `yaml:"metadata"`

	DiscoveryHost  string   `yaml:"discovery_host" env:"DISCO_DISCOVERY_HOST"`
	DiscoveryPort  int      `yaml:"discovery_port" env:"DISCO_DISCOVERY_PORT"`
	RetryInterval  Duration `yaml:"retry_interval" env:"DISCO_RETRY_INTERVAL"`
	RequestTimeout Duration `yaml:"request_timeout" env:"DISCO_REQUEST_TIMEOUT"`
	Codec          string   `yaml:"codec" env:"DISCO_CODEC"`
	Balancer       string   `yaml:"balancer" env:"DISCO_BALANCER"`

	Multicast MulticastConfig `yaml:"multicast"`
	TLS       TLSConfig       `yaml:"tls"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	Log       LogConfig       `yaml:"log"`
}

func defaultLog() LogConfig {
	return LogConfig{Level: "info", Format: "json", Output: "stderr"}
}

func defaultMulticast() MulticastConfig {
	return MulticastConfig{
		Enabled:        true,
		Group:          "224.0.0.100",
		Port:           5478,
		TTL:            1,
		BeaconInterval: Duration(5 * time.Second),
	}
}

func defaultEtcd() EtcdConfig {
	return EtcdConfig{
		Prefix:      "/mini-discovery/",
		TTL:         Duration(10 * time.Second),
		DialTimeout: Duration(5 * time.Second),
	}
}

func defaultMDNS() MDNSConfig {
	return MDNSConfig{
		Service:  "_mini-discovery._tcp",
		Instance: "disco",
		Timeout:  Duration(2 * time.Second),
	}
}

func DefaultServer() *ServerConfig {
	return &ServerConfig{
		ListenAddr:    ":6000",
		RefreshRate:   Duration(time.Second),
		Timeout:       Duration(5 * time.Second),
		SweepInterval: Duration(time.Second),
		Multicast:     defaultMulticast(),
		Etcd:          defaultEtcd(),
		MDNS:          defaultMDNS(),
		Log:           defaultLog(),
	}
}

func DefaultClient() *ClientConfig {
	return &ClientConfig{
		DiscoveryPort:  6000,
		RetryInterval:  Duration(5 * time.Second),
		RequestTimeout: Duration(5 * time.Second),
		Codec:          "json",
		Balancer:       "principal",
		Multicast:      defaultMulticast(),
		Etcd:           defaultEtcd(),
		MDNS:           defaultMDNS(),
		Log:            defaultLog(),
	}
}

// LoadServer reads path (optional) over the defaults. envFiles default to ".env".
func LoadServer(path string, envFiles ...string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := load(cfg, path, envFiles); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClient(path string, envFiles ...string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if err := load(cfg, path, envFiles); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(cfg any, path string, envFiles []string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return applyEnv(cfg)
}
