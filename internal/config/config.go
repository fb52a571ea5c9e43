package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. SHELLBRIDGE_SERVER_ADDR.
const EnvPrefix = "SHELLBRIDGE"

// MaxDimension is the largest terminal width or height a pty accepts.
const MaxDimension = 65535

// Backend kinds accepted in client.backends.
const (
	BackendRemote = "remote-bridge"
	BackendLocal  = "local-emulator"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	Client  ClientConfig  `yaml:"client" envconfig:"CLIENT"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig configures the session multiplexer.
type ServerConfig struct {
	Addr           string        `yaml:"addr" envconfig:"ADDR"`
	Shell          string        `yaml:"shell,omitempty" envconfig:"SHELL"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty" envconfig:"ALLOWED_ORIGINS"`
	OutputQueue    int           `yaml:"output_queue" envconfig:"OUTPUT_QUEUE"` // outbound frames buffered per connection
	InputRate      float64       `yaml:"input_rate" envconfig:"INPUT_RATE"`     // inbound frames/sec per connection
	InputBurst     int           `yaml:"input_burst" envconfig:"INPUT_BURST"`
	MaxCols        int           `yaml:"max_cols" envconfig:"MAX_COLS"`
	MaxRows        int           `yaml:"max_rows" envconfig:"MAX_ROWS"`
	ExecTimeout    time.Duration `yaml:"exec_timeout" envconfig:"EXEC_TIMEOUT"`
	KillGrace      time.Duration `yaml:"kill_grace" envconfig:"KILL_GRACE"` // SIGTERM → SIGKILL delay
}

// ClientConfig configures the client-side bridge.
type ClientConfig struct {
	URL               string        `yaml:"url" envconfig:"URL"`
	Backends          []string      `yaml:"backends" envconfig:"BACKENDS"` // preference order
	ConnectTimeout    time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT"`
	HealthInterval    time.Duration `yaml:"health_interval" envconfig:"HEALTH_INTERVAL"`
	ProbeFailures     int           `yaml:"probe_failures" envconfig:"PROBE_FAILURES"`
	BreakerThreshold  int           `yaml:"breaker_threshold" envconfig:"BREAKER_THRESHOLD"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" envconfig:"BREAKER_COOLDOWN"`
	ReconnectBase     time.Duration `yaml:"reconnect_base" envconfig:"RECONNECT_BASE"`
	ReconnectMax      time.Duration `yaml:"reconnect_max" envconfig:"RECONNECT_MAX"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" envconfig:"RECONNECT_ATTEMPTS"`
	ExecTimeout       time.Duration `yaml:"exec_timeout" envconfig:"EXEC_TIMEOUT"`
	Promote           bool          `yaml:"promote,omitempty" envconfig:"PROMOTE"` // retry preferred backends while on a fallback
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
	File  string `yaml:"file,omitempty" envconfig:"FILE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        "127.0.0.1:7681",
			OutputQueue: 256,
			InputRate:   1000,
			InputBurst:  200,
			MaxCols:     1000,
			MaxRows:     500,
			ExecTimeout: 30 * time.Second,
			KillGrace:   3 * time.Second,
		},
		Client: ClientConfig{
			URL:               "ws://127.0.0.1:7681/ws",
			Backends:          []string{BackendRemote, BackendLocal},
			ConnectTimeout:    15 * time.Second,
			ProbeTimeout:      4 * time.Second,
			HealthInterval:    10 * time.Second,
			ProbeFailures:     3,
			BreakerThreshold:  5,
			BreakerCooldown:   30 * time.Second,
			ReconnectBase:     time.Second,
			ReconnectMax:      10 * time.Second,
			ReconnectAttempts: 10,
			ExecTimeout:       30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file. A missing file yields the defaults.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables if present
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes cfg as YAML to path, creating its directory.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.OutputQueue <= 0 {
		return fmt.Errorf("server.output_queue must be positive")
	}
	if c.Server.InputRate <= 0 || c.Server.InputBurst <= 0 {
		return fmt.Errorf("server.input_rate and server.input_burst must be positive")
	}
	if c.Server.MaxCols <= 0 || c.Server.MaxRows <= 0 {
		return fmt.Errorf("server.max_cols and server.max_rows must be positive")
	}
	if c.Server.MaxCols > MaxDimension || c.Server.MaxRows > MaxDimension {
		return fmt.Errorf("server.max_cols and server.max_rows must be at most %d", MaxDimension)
	}
	if c.Client.URL == "" {
		return fmt.Errorf("client.url is required")
	}
	if len(c.Client.Backends) == 0 {
		return fmt.Errorf("client.backends must list at least one backend")
	}
	for _, b := range c.Client.Backends {
		if b != BackendRemote && b != BackendLocal {
			return fmt.Errorf("client.backends: unknown backend %q", b)
		}
	}
	if c.Client.ConnectTimeout <= 0 || c.Client.ProbeTimeout <= 0 || c.Client.HealthInterval <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	if c.Client.ProbeFailures <= 0 {
		return fmt.Errorf("client.probe_failures must be positive")
	}
	if c.Client.BreakerThreshold <= 0 || c.Client.BreakerCooldown <= 0 {
		return fmt.Errorf("client.breaker_threshold and client.breaker_cooldown must be positive")
	}
	if c.Client.ReconnectBase <= 0 || c.Client.ReconnectMax < c.Client.ReconnectBase {
		return fmt.Errorf("client.reconnect_max must be >= client.reconnect_base > 0")
	}
	if c.Client.ReconnectAttempts <= 0 {
		return fmt.Errorf("client.reconnect_attempts must be positive")
	}
	return nil
}
