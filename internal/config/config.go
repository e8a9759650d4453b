package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvPort     = "FBI_PROXY_PORT"
	EnvHost     = "FBI_PROXY_HOST"
	EnvDomain   = "FBI_PROXY_DOMAIN"
	EnvConfig   = "FBI_PROXY_CONFIG"
	EnvAdmin    = "FBI_PROXY_ADMIN_ADDR"
	EnvLogLevel = "FBI_PROXY_LOG_LEVEL"
)

// Config is the resolved proxy configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Domain limits routing to *.Domain; empty accepts every host.
	Domain string `yaml:"domain"`
	// AdminAddr serves /healthz, /metrics and /api/resolve when set.
	AdminAddr string `yaml:"adminAddr"`

	ConnectTimeout        time.Duration `yaml:"connectTimeout"`
	ResponseHeaderTimeout time.Duration `yaml:"responseHeaderTimeout"`
	// WebSocketBuffer is the number of upstream messages queued per session
	// before upstream reads pause.
	WebSocketBuffer int `yaml:"websocketBuffer"`
	// WebSocketReadLimit caps a single websocket message in bytes. Larger
	// messages close the session with 1009.
	WebSocketReadLimit int64 `yaml:"websocketReadLimit"`

	LogLevel string `yaml:"logLevel"`
	Quiet    bool   `yaml:"quiet"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Host:                  "127.0.0.1",
		Port:                  2432,
		ConnectTimeout:        3 * time.Second,
		ResponseHeaderTimeout: 0,
		WebSocketBuffer:       16,
		WebSocketReadLimit:    32 << 20,
		LogLevel:              "info",
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults; a named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s not found", path)
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyEnv overlays FBI_PROXY_* variables. Only non-empty values win.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := envValue(lookup, EnvHost); ok {
		c.Host = v
	}
	if v, ok := envValue(lookup, EnvPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		c.Port = n
	}
	if v, ok := envValue(lookup, EnvDomain); ok {
		c.Domain = v
	}
	if v, ok := envValue(lookup, EnvAdmin); ok {
		c.AdminAddr = v
	}
	if v, ok := envValue(lookup, EnvLogLevel); ok {
		c.LogLevel = v
	}
	return nil
}

func envValue(lookup func(string) (string, bool), key string) (string, bool) {
	if v, ok := lookup(key); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed, true
		}
	}
	return "", false
}

func (c *Config) ApplyDefaults() {
	defaults := Default()
	if strings.TrimSpace(c.Host) == "" {
		c.Host = defaults.Host
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.WebSocketBuffer == 0 {
		c.WebSocketBuffer = defaults.WebSocketBuffer
	}
	if c.WebSocketReadLimit == 0 {
		c.WebSocketReadLimit = defaults.WebSocketReadLimit
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaults.LogLevel
	}
	c.Domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(c.Domain)), ".")
}

func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must not be negative")
	}
	if c.ResponseHeaderTimeout < 0 {
		return fmt.Errorf("response header timeout must not be negative")
	}
	if c.WebSocketBuffer < 1 {
		return fmt.Errorf("websocket buffer must be at least 1")
	}
	if c.WebSocketReadLimit < 0 {
		return fmt.Errorf("websocket read limit must not be negative")
	}
	if strings.HasPrefix(c.Domain, ".") || strings.ContainsAny(c.Domain, ":/ ") {
		return fmt.Errorf("invalid domain %q", c.Domain)
	}
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			return fmt.Errorf("invalid admin address %q: %w", c.AdminAddr, err)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
