// ABOUTME: Configuration loading and parsing for fleet-commander
// ABOUTME: Supports YAML or TOML files, ${VAR} expansion, COMMANDER_* overrides and durations

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/fleet-commander/internal/netaddr"
)

const (
	DefaultFleetID     = "fleet-local"
	DefaultBasePort    = 20000
	DefaultPortStride  = 100
	DefaultStopTimeout = 10 * time.Second
	DefaultDebounce    = 500 * time.Millisecond
)

// Config represents the complete fleet-commander configuration
type Config struct {
	Fleet     FleetConfig     `yaml:"fleet" toml:"fleet"`
	Worker    WorkerConfig    `yaml:"worker" toml:"worker"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// FleetConfig describes the agents this commander supervises
type FleetConfig struct {
	ID          string `yaml:"id" toml:"id"`
	Count       int    `yaml:"count" toml:"count"`
	BasePort    int    `yaml:"base_port" toml:"base_port"`
	IPv6Prefix  string `yaml:"ipv6_prefix" toml:"ipv6_prefix"`
	ProjectRoot string `yaml:"project_root" toml:"project_root"`
}

// WorkerConfig describes how worker processes are launched and stopped
type WorkerConfig struct {
	// Command overrides the default `node <root>/openclaw.mjs gateway run`
	Command     []string      `yaml:"command" toml:"command"`
	StopTimeout time.Duration `yaml:"-" toml:"-"`
	BackoffUnit time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	StopTimeoutRaw string `yaml:"stop_timeout" toml:"stop_timeout"`
	BackoffUnitRaw string `yaml:"backoff_unit" toml:"backoff_unit"`
}

// AgentsConfig holds per-agent behavior toggles
type AgentsConfig struct {
	RestartOnConfigChange bool          `yaml:"restart_on_config_change" toml:"restart_on_config_change"`
	ConfigDebounce        time.Duration `yaml:"-" toml:"-"`
	ConfigDebounceRaw     string        `yaml:"config_debounce" toml:"config_debounce"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr enables the gRPC health service when set
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// APIConfig toggles the optional HTTP surfaces
type APIConfig struct {
	Control bool `yaml:"control" toml:"control"`
	MCP     bool `yaml:"mcp" toml:"mcp"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DatabaseConfig holds the event journal location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// An empty path yields the defaults. Files ending in .toml are parsed as TOML,
// everything else as YAML. COMMANDER_* environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(expanded, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv applies the COMMANDER_* overrides.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("COMMANDER_FLEET_ID"); v != "" {
		cfg.Fleet.ID = v
	}
	if v := os.Getenv("COMMANDER_IPV6_PREFIX"); v != "" {
		cfg.Fleet.IPv6Prefix = v
	}
	if v := os.Getenv("COMMANDER_BASE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COMMANDER_BASE_PORT %q: %w", v, err)
		}
		cfg.Fleet.BasePort = port
	}
	if v := os.Getenv("COMMANDER_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Fleet.ID == "" {
		c.Fleet.ID = DefaultFleetID
	}
	if c.Fleet.Count == 0 {
		c.Fleet.Count = 1
	}
	if c.Fleet.BasePort == 0 {
		c.Fleet.BasePort = DefaultBasePort
	}
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = net.JoinHostPort("0.0.0.0", strconv.Itoa(c.Fleet.BasePort-1))
	}
	if c.Worker.StopTimeout == 0 {
		c.Worker.StopTimeout = DefaultStopTimeout
	}
	if c.Worker.BackoffUnit == 0 {
		c.Worker.BackoffUnit = time.Second
	}
	if c.Agents.ConfigDebounce == 0 {
		c.Agents.ConfigDebounce = DefaultDebounce
	}
	if c.Database.Path == "" {
		c.Database.Path = ":memory:"
	}
	if c.Tailscale.Enabled && c.Tailscale.StateDir == "" {
		c.Tailscale.StateDir = filepath.Join(".fleets", ".tsnet")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Fleet.Count < 0 {
		return fmt.Errorf("fleet.count must not be negative")
	}
	if c.Fleet.BasePort < 2 || c.Fleet.BasePort > 65535 {
		return fmt.Errorf("fleet.base_port %d out of range", c.Fleet.BasePort)
	}
	if c.Fleet.Count > 0 {
		if last := c.AgentPort(c.Fleet.Count - 1); last > 65535 {
			return fmt.Errorf("fleet.count %d puts agent ports past 65535", c.Fleet.Count)
		}
	}
	if c.Fleet.IPv6Prefix != "" {
		if _, err := netaddr.ParsePrefix(c.Fleet.IPv6Prefix); err != nil {
			return fmt.Errorf("fleet.ipv6_prefix: %w", err)
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// AgentID returns the id of the agent at index.
func (c *Config) AgentID(index int) string {
	return fmt.Sprintf("%s-%d", c.Fleet.ID, index)
}

// AgentPort returns the gateway port of the agent at index.
func (c *Config) AgentPort(index int) int {
	return c.Fleet.BasePort + index*DefaultPortStride
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Worker.StopTimeoutRaw != "" {
		cfg.Worker.StopTimeout, err = time.ParseDuration(cfg.Worker.StopTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing stop_timeout %q: %w", cfg.Worker.StopTimeoutRaw, err)
		}
	}

	if cfg.Worker.BackoffUnitRaw != "" {
		cfg.Worker.BackoffUnit, err = time.ParseDuration(cfg.Worker.BackoffUnitRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_unit %q: %w", cfg.Worker.BackoffUnitRaw, err)
		}
	}

	if cfg.Agents.ConfigDebounceRaw != "" {
		cfg.Agents.ConfigDebounce, err = time.ParseDuration(cfg.Agents.ConfigDebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing config_debounce %q: %w", cfg.Agents.ConfigDebounceRaw, err)
		}
	}

	return nil
}
