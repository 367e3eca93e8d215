package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_RELAY_FORWARD_PORT.
const EnvPrefix = "relay"

// Config is the relay configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Agent   AgentConfig   `yaml:"agent"`
	Relay   RelayConfig   `yaml:"relay"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig is the request channel (HTTP API + event websocket).
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token" split_words:"true"`
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
	WebDir         string   `yaml:"web_dir" split_words:"true"`
	MaxConnections int      `yaml:"max_connections" split_words:"true"`
}

type BridgeConfig struct {
	// Path to the adb binary. Empty means look it up on PATH.
	Path           string        `yaml:"path"`
	CommandTimeout time.Duration `yaml:"command_timeout" split_words:"true"`
	// Glob patterns over device serials. Blocked wins over allowed.
	AllowedDevices []string `yaml:"allowed_devices" split_words:"true"`
	BlockedDevices []string `yaml:"blocked_devices" split_words:"true"`
}

type AgentConfig struct {
	LocalPath  string `yaml:"local_path" split_words:"true"`
	DevicePath string `yaml:"device_path" split_words:"true"`
	Version    string `yaml:"version"`
	ClassName  string `yaml:"class_name" split_words:"true"`
	MaxSize    int    `yaml:"max_size" split_words:"true"`
	LogLevel   string `yaml:"log_level" split_words:"true"`
}

type RelayConfig struct {
	Host          string        `yaml:"host"`
	ForwardPort   int           `yaml:"forward_port" split_words:"true"`
	TransportPort int           `yaml:"transport_port" split_words:"true"`
	SettleDelay   time.Duration `yaml:"settle_delay" split_words:"true"`
	ReadBuffer    int           `yaml:"read_buffer" split_words:"true"`
}

type MonitorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" split_words:"true"`
	FailureThreshold int           `yaml:"failure_threshold" split_words:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8890,
			Host:           "127.0.0.1",
			MaxConnections: 16,
		},
		Bridge: BridgeConfig{
			CommandTimeout: 30 * time.Second,
		},
		Agent: AgentConfig{
			LocalPath:  "tools/scrcpy-server-v3.3.3.jar",
			DevicePath: "/data/local/tmp/scrcpy-server.jar",
			Version:    "3.3.3",
			ClassName:  "com.genymobile.scrcpy.Server",
			MaxSize:    1280,
			LogLevel:   "verbose",
		},
		Relay: RelayConfig{
			Host:          "127.0.0.1",
			ForwardPort:   8888,
			TransportPort: 8889,
			SettleDelay:   3 * time.Second,
			ReadBuffer:    64 * 1024,
		},
		Monitor: MonitorConfig{
			PollInterval:     2 * time.Second,
			FailureThreshold: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Default returns the built-in configuration with environment overrides.
func Default() (*Config, error) {
	cfg := defaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML file at path over the defaults, then applies RELAY_*
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

func applyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be positive, got %d", c.Server.Port))
	}
	if c.Relay.ForwardPort <= 0 {
		errs = append(errs, fmt.Errorf("relay.forward_port must be positive, got %d", c.Relay.ForwardPort))
	}
	if c.Relay.TransportPort <= 0 {
		errs = append(errs, fmt.Errorf("relay.transport_port must be positive, got %d", c.Relay.TransportPort))
	}
	if c.Relay.ForwardPort == c.Relay.TransportPort {
		errs = append(errs, fmt.Errorf("relay.forward_port and relay.transport_port must differ (both %d)", c.Relay.ForwardPort))
	}
	if c.Relay.TransportPort == c.Server.Port || c.Relay.ForwardPort == c.Server.Port {
		errs = append(errs, fmt.Errorf("server.port %d collides with a relay port", c.Server.Port))
	}
	if c.Relay.SettleDelay <= 0 {
		errs = append(errs, fmt.Errorf("relay.settle_delay must be positive, got %s", c.Relay.SettleDelay))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("server.max_connections must not be negative, got %d", c.Server.MaxConnections))
	}
	if c.Agent.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("agent.max_size must not be negative, got %d", c.Agent.MaxSize))
	}
	return errors.Join(errs...)
}

// ForwardAddr is the local address of the forwarded device socket.
func (c *Config) ForwardAddr() string {
	return fmt.Sprintf("%s:%d", c.Relay.Host, c.Relay.ForwardPort)
}
