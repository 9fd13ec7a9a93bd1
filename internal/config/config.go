// Package config provides configuration parsing and validation for Muti Relay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration. The server and the
// demo client read different sections of the same file.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig groups the two listening services.
type ServerConfig struct {
	Registration RegistrationConfig `yaml:"registration"`
	Relay        RelayConfig        `yaml:"relay"`
}

// RegistrationConfig configures the TCP registration listener.
type RegistrationConfig struct {
	Address        string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxConnections int           `yaml:"max_connections"` // 0 = unlimited
	MaxRequestSize int           `yaml:"max_request_size"`
	RateLimit      float64       `yaml:"rate_limit"` // registrations per second, 0 = unlimited
	RateBurst      int           `yaml:"rate_burst"`
}

// RelayConfig configures the UDP fan-out socket.
type RelayConfig struct {
	Address         string `yaml:"address"`
	MaxDatagramSize int    `yaml:"max_datagram_size"`
	ReadBuffer      int    `yaml:"read_buffer"`  // SO_RCVBUF, 0 = OS default
	WriteBuffer     int    `yaml:"write_buffer"` // SO_SNDBUF, 0 = OS default
	TOS             int    `yaml:"tos"`          // IPv4 TOS byte for relayed datagrams, 0 = unset
}

// ClientConfig configures the demo peer client.
type ClientConfig struct {
	ServerHost       string        `yaml:"server_host"`
	RegistrationPort int           `yaml:"registration_port"`
	RelayPort        int           `yaml:"relay_port"`
	LocalAddress     string        `yaml:"local_address"` // port 0 lets the OS choose
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	InboxLimit       int           `yaml:"inbox_limit"` // 0 = unbounded
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

const (
	// DefaultRegistrationPort is the TCP port peers register on.
	DefaultRegistrationPort = 12345
	// DefaultRelayPort is the UDP port the server fans datagrams out from.
	DefaultRelayPort = 54321
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Registration: RegistrationConfig{
				Address:        fmt.Sprintf(":%d", DefaultRegistrationPort),
				ReadTimeout:    10 * time.Second,
				WriteTimeout:   10 * time.Second,
				MaxConnections: 256,
				MaxRequestSize: 1024,
				RateLimit:      0,
				RateBurst:      16,
			},
			Relay: RelayConfig{
				Address:         fmt.Sprintf(":%d", DefaultRelayPort),
				MaxDatagramSize: 65535,
			},
		},
		Client: ClientConfig{
			ServerHost:       "127.0.0.1",
			RegistrationPort: DefaultRegistrationPort,
			RelayPort:        DefaultRelayPort,
			LocalAddress:     ":0",
			DialTimeout:      5 * time.Second,
			InboxLimit:       0,
			PollInterval:     500 * time.Millisecond,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./data/control.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of Default().
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} or $VAR.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Unknown variables without a default are left untouched.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	reg := c.Server.Registration
	if err := validateListenAddress(reg.Address); err != nil {
		errs = append(errs, fmt.Sprintf("server.registration.address: %v", err))
	}
	if reg.ReadTimeout <= 0 {
		errs = append(errs, "server.registration.read_timeout must be positive")
	}
	if reg.MaxConnections < 0 {
		errs = append(errs, "server.registration.max_connections must not be negative")
	}
	if reg.MaxRequestSize < 64 {
		errs = append(errs, "server.registration.max_request_size must be at least 64")
	}
	if reg.RateLimit < 0 {
		errs = append(errs, "server.registration.rate_limit must not be negative")
	}
	if reg.RateLimit > 0 && reg.RateBurst < 1 {
		errs = append(errs, "server.registration.rate_burst must be positive when rate_limit is set")
	}

	relay := c.Server.Relay
	if err := validateListenAddress(relay.Address); err != nil {
		errs = append(errs, fmt.Sprintf("server.relay.address: %v", err))
	}
	if relay.MaxDatagramSize < 512 || relay.MaxDatagramSize > 65535 {
		errs = append(errs, "server.relay.max_datagram_size must be between 512 and 65535")
	}
	if relay.ReadBuffer < 0 || relay.WriteBuffer < 0 {
		errs = append(errs, "server.relay buffer sizes must not be negative")
	}
	if relay.TOS < 0 || relay.TOS > 255 {
		errs = append(errs, "server.relay.tos must be between 0 and 255")
	}

	cl := c.Client
	if cl.ServerHost == "" {
		errs = append(errs, "client.server_host is required")
	}
	if !isValidPort(cl.RegistrationPort) {
		errs = append(errs, fmt.Sprintf("client.registration_port out of range: %d", cl.RegistrationPort))
	}
	if !isValidPort(cl.RelayPort) {
		errs = append(errs, fmt.Sprintf("client.relay_port out of range: %d", cl.RelayPort))
	}
	if cl.InboxLimit < 0 {
		errs = append(errs, "client.inbox_limit must not be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	return format == "text" || format == "json"
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}

// String returns the config as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// WriteFile writes the config as YAML to path.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
