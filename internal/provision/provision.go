// ABOUTME: Per-agent working directory and default openclaw.json provisioning
// ABOUTME: Writes the config once with a fresh gateway token and never overwrites it

package provision

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

const (
	// FleetsDir is the directory under the project root holding agent homes.
	FleetsDir = ".fleets"
	// ConfigDir is the per-agent directory holding the worker config.
	ConfigDir = ".openclaw"
	// ConfigFile is the worker config file name.
	ConfigFile = "openclaw.json"
	// EntryPoint is the worker script looked up when resolving the project root.
	EntryPoint = "openclaw.mjs"

	configVersion = "2026.2.3"
	tokenPrefix   = "tk_"
)

// WorkerConfig is the document written to openclaw.json.
type WorkerConfig struct {
	Meta     MetaConfig     `json:"meta"`
	Session  SessionConfig  `json:"session"`
	Plugins  PluginsConfig  `json:"plugins"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
}

type MetaConfig struct {
	LastTouchedVersion string `json:"lastTouchedVersion"`
}

type SessionConfig struct {
	DMScope string `json:"dmScope"`
}

type PluginsConfig struct {
	Entries map[string]PluginEntry `json:"entries"`
	Load    PluginLoad             `json:"load"`
}

type PluginEntry struct {
	Enabled bool `json:"enabled"`
}

type PluginLoad struct {
	Paths []string `json:"paths"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppChannel `json:"whatsapp"`
}

type WhatsAppChannel struct {
	DMPolicy  string   `json:"dmPolicy"`
	AllowFrom []string `json:"allowFrom"`
}

// GatewayConfig is the block the worker reads its listen port and auth token from.
type GatewayConfig struct {
	Mode string      `json:"mode"`
	Port int         `json:"port"`
	Bind string      `json:"bind"`
	Auth GatewayAuth `json:"auth"`
}

type GatewayAuth struct {
	Mode  string `json:"mode"`
	Token string `json:"token"`
}

var defaultPlugins = []string{"whatsapp", "google-gemini-cli-auth"}

// AgentHome returns projectRoot/.fleets/<agentID>.
func AgentHome(projectRoot, agentID string) string {
	return filepath.Join(projectRoot, FleetsDir, agentID)
}

// ConfigPath returns the location of an agent's openclaw.json.
func ConfigPath(agentHome string) string {
	return filepath.Join(agentHome, ConfigDir, ConfigFile)
}

// NewToken returns a fresh gateway token of the form tk_<32 hex chars>.
func NewToken() string {
	return tokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DefaultConfig builds the config document written for a new agent.
func DefaultConfig(projectRoot string, port int, token string) WorkerConfig {
	entries := make(map[string]PluginEntry, len(defaultPlugins))
	paths := make([]string, 0, len(defaultPlugins))
	for _, name := range defaultPlugins {
		entries[name] = PluginEntry{Enabled: true}
		paths = append(paths, filepath.Join(projectRoot, "extensions", name))
	}

	return WorkerConfig{
		Meta:    MetaConfig{LastTouchedVersion: configVersion},
		Session: SessionConfig{DMScope: "per-channel-peer"},
		Plugins: PluginsConfig{
			Entries: entries,
			Load:    PluginLoad{Paths: paths},
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppChannel{DMPolicy: "open", AllowFrom: []string{"*"}},
		},
		Gateway: GatewayConfig{
			Mode: "local",
			Port: port,
			Bind: "loopback",
			Auth: GatewayAuth{Mode: "token", Token: token},
		},
	}
}

// EnsureConfig makes sure the agent's home and config directory exist and
// that openclaw.json is present. An existing config file is left untouched.
// Returns the agent home directory.
func EnsureConfig(agentID, projectRoot string, port int) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("agent id is required")
	}

	home := AgentHome(projectRoot, agentID)
	configDir := filepath.Join(home, ConfigDir)

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	// MkdirAll leaves pre-existing directories and umask-reduced modes alone.
	if err := os.Chmod(configDir, 0o700); err != nil {
		return "", fmt.Errorf("restricting config dir: %w", err)
	}

	path := filepath.Join(configDir, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		return home, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := json.MarshalIndent(DefaultConfig(projectRoot, port, NewToken()), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return home, nil
}

// ReadConfig loads the config file from an agent home.
func ReadConfig(agentHome string) (*WorkerConfig, error) {
	data, err := os.ReadFile(ConfigPath(agentHome))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg WorkerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &cfg, nil
}

// ResolveProjectRoot returns the directory containing openclaw.mjs, checking
// dir and then its parent. Falls back to dir.
func ResolveProjectRoot(dir string) string {
	if fileExists(filepath.Join(dir, EntryPoint)) {
		return dir
	}
	parent := filepath.Dir(dir)
	if parent != dir && fileExists(filepath.Join(parent, EntryPoint)) {
		return parent
	}
	return dir
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
