// Package config loads broker configuration with defaults → YAML → env precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is used when none of the port env vars are set.
	DefaultPort = 14477

	defaultRESTBaseURL     = "https://api.binance.com"
	defaultStreamBaseURL   = "wss://stream.binance.com:9443"
	defaultMaxWeight       = 800
	defaultWindow          = 60 * time.Second
	defaultRequestDelay    = 500 * time.Millisecond
	defaultRESTTimeout     = 10 * time.Second
	defaultConnectInterval = 500 * time.Millisecond
	defaultKeepAlive       = 30 * time.Minute
)

// portEnvVars is checked in order; the first set value wins.
var portEnvVars = []string{"WS_PORT", "WEBSOCKET_PORT", "VITE_WS_PORT"}

// ProxyKind distinguishes HTTP(S) proxies from SOCKS proxies.
type ProxyKind string

const (
	ProxyNone  ProxyKind = ""
	ProxyHTTP  ProxyKind = "http"
	ProxySOCKS ProxyKind = "socks"
)

// RateLimitConfig tunes the REST rate limiter.
type RateLimitConfig struct {
	MaxWeight    int           `yaml:"maxWeight"`
	Window       time.Duration `yaml:"window"`
	RequestDelay time.Duration `yaml:"requestDelay"`
}

// ExchangeConfig locates the upstream exchange endpoints.
type ExchangeConfig struct {
	RESTBaseURL   string        `yaml:"restBaseURL"`
	StreamBaseURL string        `yaml:"streamBaseURL"`
	RESTTimeout   time.Duration `yaml:"restTimeout"`
	KeepAlive     time.Duration `yaml:"keepAlive"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// ProxyConfig describes an outbound proxy for REST and WS traffic.
type ProxyConfig struct {
	URL  string
	Kind ProxyKind
}

// Config is the resolved broker configuration.
type Config struct {
	Port      int
	APIKey    string
	APISecret string
	LogLevel  string
	Proxy     ProxyConfig
	RateLimit RateLimitConfig
	Exchange  ExchangeConfig
	Telemetry TelemetryConfig

	// ConnectInterval is the minimum spacing between upstream WS connects.
	ConnectInterval time.Duration
}

type configYAML struct {
	Port      int             `yaml:"port"`
	LogLevel  string          `yaml:"logLevel"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Load resolves the configuration: code defaults, then the optional YAML
// file at path, then environment variables.
func Load(path string) (Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		if err := cfg.loadYAML(path); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load yaml config: %w", err)
		}
	}

	cfg.loadEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// MockMode reports whether the broker should run without exchange
// credentials, synthesizing market data and executions.
func (c Config) MockMode() bool {
	return strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == ""
}

// Secrets returns every credential string that must be masked in log output.
func (c Config) Secrets() []string {
	var out []string
	if s := strings.TrimSpace(c.APIKey); s != "" {
		out = append(out, s)
	}
	if s := strings.TrimSpace(c.APISecret); s != "" {
		out = append(out, s)
	}
	return out
}

func defaults() Config {
	return Config{
		Port:     DefaultPort,
		LogLevel: "info",
		RateLimit: RateLimitConfig{
			MaxWeight:    defaultMaxWeight,
			Window:       defaultWindow,
			RequestDelay: defaultRequestDelay,
		},
		Exchange: ExchangeConfig{
			RESTBaseURL:   defaultRESTBaseURL,
			StreamBaseURL: defaultStreamBaseURL,
			RESTTimeout:   defaultRESTTimeout,
			KeepAlive:     defaultKeepAlive,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "quotedesk-broker",
		},
		ConnectInterval: defaultConnectInterval,
	}
}

func (c *Config) loadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var parsed configYAML
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if parsed.Port > 0 {
		c.Port = parsed.Port
	}
	if parsed.LogLevel != "" {
		c.LogLevel = parsed.LogLevel
	}
	if parsed.RateLimit.MaxWeight > 0 {
		c.RateLimit.MaxWeight = parsed.RateLimit.MaxWeight
	}
	if parsed.RateLimit.Window > 0 {
		c.RateLimit.Window = parsed.RateLimit.Window
	}
	if parsed.RateLimit.RequestDelay > 0 {
		c.RateLimit.RequestDelay = parsed.RateLimit.RequestDelay
	}
	if parsed.Exchange.RESTBaseURL != "" {
		c.Exchange.RESTBaseURL = parsed.Exchange.RESTBaseURL
	}
	if parsed.Exchange.StreamBaseURL != "" {
		c.Exchange.StreamBaseURL = parsed.Exchange.StreamBaseURL
	}
	if parsed.Exchange.RESTTimeout > 0 {
		c.Exchange.RESTTimeout = parsed.Exchange.RESTTimeout
	}
	if parsed.Exchange.KeepAlive > 0 {
		c.Exchange.KeepAlive = parsed.Exchange.KeepAlive
	}
	if parsed.Telemetry.Enabled {
		c.Telemetry.Enabled = true
	}
	if parsed.Telemetry.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = parsed.Telemetry.OTLPEndpoint
	}
	if parsed.Telemetry.ServiceName != "" {
		c.Telemetry.ServiceName = parsed.Telemetry.ServiceName
	}
	if parsed.Telemetry.OTLPInsecure {
		c.Telemetry.OTLPInsecure = true
	}
	return nil
}

func (c *Config) loadEnv() {
	for _, name := range portEnvVars {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			continue
		}
		if port, err := strconv.Atoi(value); err == nil && port > 0 && port < 65536 {
			c.Port = port
		}
		break
	}
	if key := os.Getenv("BK"); key != "" {
		c.APIKey = strings.TrimSpace(key)
	}
	if secret := os.Getenv("BS"); secret != "" {
		c.APISecret = strings.TrimSpace(secret)
	}
	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		c.LogLevel = level
	}
	if proxy := resolveProxyEnv(); proxy.URL != "" {
		c.Proxy = proxy
	}
}

// resolveProxyEnv picks the first proxy variable set, preferring the
// lower-case forms, and classifies it by URL scheme.
func resolveProxyEnv() ProxyConfig {
	for _, name := range []string{"http_proxy", "https_proxy", "HTTP_PROXY", "HTTPS_PROXY"} {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			continue
		}
		return ProxyConfig{URL: value, Kind: classifyProxy(value)}
	}
	return ProxyConfig{}
}

func classifyProxy(raw string) ProxyKind {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ProxyHTTP
	}
	switch strings.ToLower(parsed.Scheme) {
	case "socks", "socks5", "socks5h", "socks4":
		return ProxySOCKS
	default:
		return ProxyHTTP
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port >= 65536 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RateLimit.MaxWeight <= 0 {
		return fmt.Errorf("rate limit max weight must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.Exchange.RESTBaseURL == "" || c.Exchange.StreamBaseURL == "" {
		return fmt.Errorf("exchange endpoints must not be empty")
	}
	return nil
}
