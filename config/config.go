// Package config loads the settings of the rmi binaries.
//
// A config file is optional. Files ending in .yaml or .yml are YAML; anything else is JSON,
// where comments and trailing commas are allowed. Environment variables override the file:
//
//	RMI_LISTEN_ADDR     server.listen_addr
//	RMI_SERVER_ADDR     client.server_addr
//	RMI_ETCD_ENDPOINTS  discovery.etcd_endpoints (comma separated), selects the etcd backend
//	RMI_REDIS_ADDR      discovery.redis_addr, selects the redis backend
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mini-rmi/discovery"
)

type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Client    ClientConfig    `json:"client" yaml:"client"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

type ServerConfig struct {
	ListenAddr      string   `json:"listen_addr" yaml:"listen_addr"`
	WebSocketAddr   string   `json:"websocket_addr" yaml:"websocket_addr"` // Empty disables the WebSocket listener.
	WebSocketPath   string   `json:"websocket_path" yaml:"websocket_path"`
	AdvertiseAddr   string   `json:"advertise_addr" yaml:"advertise_addr"` // Address published to discovery.
	Service         string   `json:"service" yaml:"service"`
	Weight          int      `json:"weight" yaml:"weight"`
	Heartbeat       Duration `json:"heartbeat" yaml:"heartbeat"`
	IdleTimeout     Duration `json:"idle_timeout" yaml:"idle_timeout"`
	DispatchTimeout Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"` // Zero: no bound.
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	ReplayWindow    int      `json:"replay_window" yaml:"replay_window"`
	RateLimit       float64  `json:"rate_limit" yaml:"rate_limit"` // Invocations per second, zero: unlimited.
	RateBurst       int      `json:"rate_burst" yaml:"rate_burst"`
}

type ClientConfig struct {
	ServerAddr  string   `json:"server_addr" yaml:"server_addr"` // Empty: discover Service instead.
	Service     string   `json:"service" yaml:"service"`
	Balancer    string   `json:"balancer" yaml:"balancer"`
	Codec       string   `json:"codec" yaml:"codec"`
	CallTimeout Duration `json:"call_timeout" yaml:"call_timeout"`
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

type DiscoveryConfig struct {
	Backend       string   `json:"backend" yaml:"backend"` // "", "memory", "etcd" or "redis".
	EtcdEndpoints []string `json:"etcd_endpoints" yaml:"etcd_endpoints"`
	RedisAddr     string   `json:"redis_addr" yaml:"redis_addr"`
	DialTimeout   Duration `json:"dial_timeout" yaml:"dial_timeout"`
	TTL           Duration `json:"ttl" yaml:"ttl"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Encoding    string `json:"encoding" yaml:"encoding"` // "json" or "console".
	Development bool   `json:"development" yaml:"development"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":7070",
			WebSocketPath:   "/rmi",
			Service:         "mini-rmi",
			Weight:          1,
			Heartbeat:       Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			ReplayWindow:    4096,
		},
		Client: ClientConfig{
			ServerAddr:  "127.0.0.1:7070",
			Service:     "mini-rmi",
			Balancer:    "round_robin",
			Codec:       "json",
			CallTimeout: Duration(10 * time.Second),
			DialTimeout: Duration(5 * time.Second),
		},
		Discovery: DiscoveryConfig{
			DialTimeout: Duration(5 * time.Second),
			TTL:         Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An empty path
// yields the defaults with overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config failed: %w", err)
		}
		if err := parse(path, content, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s failed: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.fillDefaults()
	return cfg, nil
}

func parse(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	}
	std, err := hujson.Standardize(content)
	if err != nil {
		return err
	}
	return json.Unmarshal(std, cfg)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RMI_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("RMI_SERVER_ADDR"); v != "" {
		c.Client.ServerAddr = v
	}
	if v := os.Getenv("RMI_ETCD_ENDPOINTS"); v != "" {
		c.Discovery.EtcdEndpoints = strings.Split(v, ",")
		if c.Discovery.Backend == "" {
			c.Discovery.Backend = "etcd"
		}
	}
	if v := os.Getenv("RMI_REDIS_ADDR"); v != "" {
		c.Discovery.RedisAddr = v
		if c.Discovery.Backend == "" {
			c.Discovery.Backend = "redis"
		}
	}
}

// fillDefaults restores defaults a file zeroed out.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = def.Server.ListenAddr
	}
	if c.Server.WebSocketPath == "" {
		c.Server.WebSocketPath = def.Server.WebSocketPath
	}
	if c.Server.Weight <= 0 {
		c.Server.Weight = def.Server.Weight
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Server.ReplayWindow <= 0 {
		c.Server.ReplayWindow = def.Server.ReplayWindow
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		c.Server.RateBurst = int(c.Server.RateLimit) + 1
	}
	if c.Client.DialTimeout <= 0 {
		c.Client.DialTimeout = def.Client.DialTimeout
	}
	if c.Discovery.DialTimeout <= 0 {
		c.Discovery.DialTimeout = def.Discovery.DialTimeout
	}
	if c.Discovery.TTL <= 0 {
		c.Discovery.TTL = def.Discovery.TTL
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Duration is a time.Duration written as "1.5s" / "200ms", or as a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch v := v.(type) {
	case nil:
		*d = 0
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// OpenDirectory connects to the configured discovery backend. It returns nil when no
// backend is configured.
func (c DiscoveryConfig) OpenDirectory(logger *zap.Logger) (discovery.Directory, error) {
	switch c.Backend {
	case "":
		return nil, nil
	case "memory":
		return discovery.NewMemoryDirectory(), nil
	case "etcd":
		if len(c.EtcdEndpoints) == 0 {
			return nil, errors.New("discovery backend etcd needs etcd_endpoints")
		}
		dir, err := discovery.NewEtcdDirectory(c.EtcdEndpoints, c.DialTimeout.Std(), logger)
		if err != nil {
			return nil, fmt.Errorf("connect etcd %v: %w", c.EtcdEndpoints, err)
		}
		return dir, nil
	case "redis":
		if c.RedisAddr == "" {
			return nil, errors.New("discovery backend redis needs redis_addr")
		}
		return discovery.NewRedisDirectory(c.RedisAddr, logger), nil
	}
	return nil, fmt.Errorf("unknown discovery backend %q", c.Backend)
}
