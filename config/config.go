// Package config 提供 sipregistrar 的配置：默认值、YAML 加载、命令行覆盖与校验
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 5060
	DefaultNetwork       = "udp"
	DefaultSweepInterval = time.Hour
	DefaultRelayTimeout  = 32 * time.Second // SIP timer F
	DefaultLeaseTTL      = 10
)

// Config 进程配置
//
// Up 为空（Host 与 Service 都未设置）时以 standalone 模式运行，
// 否则所有请求转发给上游注册服务器。
type Config struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Network string `yaml:"network"` // udp 或 tcp
	Verbose bool   `yaml:"verbose"`

	Up Upstream `yaml:"up"`

	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RelayTimeout   time.Duration `yaml:"relay_timeout"`
	RelayRetries   int           `yaml:"relay_retries"`
	DefaultExpires time.Duration `yaml:"default_expires"`
	MetricsAddr    string        `yaml:"metrics_addr"` // 空表示不暴露 /metrics

	RateLimit RateLimit `yaml:"rate_limit"`
	Etcd      Etcd      `yaml:"etcd"`
}

// Upstream 上游注册服务器：固定地址，或通过 etcd 按服务名发现
type Upstream struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Service  string `yaml:"service"`
	Balancer string `yaml:"balancer"` // round_robin, weighted_random, consistent_hash
}

// RateLimit 令牌桶参数，PerSecond <= 0 表示不限流
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Etcd 服务发现与自注册
type Etcd struct {
	Endpoints     []string `yaml:"endpoints"`
	Service       string   `yaml:"service"`        // 本实例注册的服务名，空表示不注册
	AdvertiseAddr string   `yaml:"advertise_addr"` // 注册到 etcd 的可路由地址
	TTL           int64    `yaml:"ttl"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Host:          DefaultHost,
		Port:          DefaultPort,
		Network:       DefaultNetwork,
		SweepInterval: DefaultSweepInterval,
		RelayTimeout:  DefaultRelayTimeout,
		Etcd:          Etcd{TTL: DefaultLeaseTTL},
	}
}

// Load 读取 YAML 文件，未出现的字段保持默认值
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// AddFlags 绑定命令行参数，命令行优先于配置文件
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "Address to listen on.")
	fs.IntVar(&c.Port, "port", c.Port, "Port to listen on.")
	fs.StringVar(&c.Network, "network", c.Network, "Transport to listen on: udp or tcp.")
	fs.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "Log every received and sent message.")
	fs.StringVar(&c.Up.Host, "up-host", c.Up.Host, "Upstream registrar host. Enables relay mode.")
	fs.IntVar(&c.Up.Port, "up-port", c.Up.Port, "Upstream registrar port.")
	fs.StringVar(&c.Up.Service, "up-service", c.Up.Service, "Discover upstream registrars under this etcd service name. Enables relay mode.")
	fs.StringVar(&c.Up.Balancer, "up-balancer", c.Up.Balancer, "Strategy for picking a discovered upstream.")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "How often expired contacts are evicted.")
	fs.DurationVar(&c.RelayTimeout, "relay-timeout", c.RelayTimeout, "Give up on a relayed request after this long.")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve Prometheus metrics on this address.")
	fs.StringSliceVar(&c.Etcd.Endpoints, "etcd-endpoints", c.Etcd.Endpoints, "etcd endpoints for discovery.")
}

// Normalize 填充缺省值
func (c *Config) Normalize() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.RelayMode() && c.Up.Port == 0 {
		c.Up.Port = DefaultPort
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = DefaultRelayTimeout
	}
	if c.Etcd.TTL <= 0 {
		c.Etcd.TTL = DefaultLeaseTTL
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.PerSecond) + 1
	}
}

// Validate 检查配置的有效性
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: port %d out of range", c.Port))
	}
	if c.Network != "udp" && c.Network != "tcp" {
		errs = append(errs, fmt.Errorf("config: network must be udp or tcp, got %q", c.Network))
	}
	if c.Up.Host != "" && c.Up.Service != "" {
		errs = append(errs, errors.New("config: up.host and up.service are mutually exclusive"))
	}
	if c.Up.Port < 0 || c.Up.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: up.port %d out of range", c.Up.Port))
	}
	if c.Up.Service != "" && len(c.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("config: up.service needs etcd.endpoints"))
	}
	if c.Etcd.Service != "" && (len(c.Etcd.Endpoints) == 0 || c.Etcd.AdvertiseAddr == "") {
		errs = append(errs, errors.New("config: etcd.service needs etcd.endpoints and etcd.advertise_addr"))
	}
	if c.RelayRetries < 0 {
		errs = append(errs, errors.New("config: relay_retries cannot be negative"))
	}
	if c.DefaultExpires < 0 {
		errs = append(errs, errors.New("config: default_expires cannot be negative"))
	}
	return errors.Join(errs...)
}

// ListenAddr 返回 host:port
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RelayMode 是否配置了上游
func (c *Config) RelayMode() bool {
	return c.Up.Host != "" || c.Up.Service != ""
}
