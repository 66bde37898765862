package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig describes one configured tool server.
type ServerConfig struct {
	Name      string `toml:"name"`
	Endpoint  string `toml:"endpoint"`
	AuthToken string `toml:"auth_token,omitempty"`
}

type ProviderConfig struct {
	Type    string `toml:"type"`
	BaseURL string `toml:"base_url,omitempty"`
	Model   string `toml:"model,omitempty"`
	APIKey  string `toml:"api_key,omitempty"`
}

type ToolsConfig struct {
	MaxCallsPerTurn  int `toml:"max_calls_per_turn"`
	CallTimeoutSecs  int `toml:"call_timeout_seconds"`
	RPCTimeoutSecs   int `toml:"rpc_timeout_seconds"`
	SessionWaitSecs  int `toml:"session_wait_seconds"`
	HeartbeatSecs    int `toml:"heartbeat_seconds"`
	ReconnectCapSecs int `toml:"reconnect_cap_seconds"`
}

type fileConfig struct {
	DataDirectory       string         `toml:"data_directory"`
	DefaultSystemPrompt string         `toml:"default_system_prompt,omitempty"`
	Provider            ProviderConfig `toml:"provider"`
	Tools               ToolsConfig    `toml:"tools"`
	Servers             []ServerConfig `toml:"servers"`
}

// Config is the loaded application configuration.
type Config struct {
	DataDirectory       string
	DefaultSystemPrompt string
	Provider            ProviderConfig
	Tools               ToolsConfig
	Servers             []ServerConfig
}

var Debug = false
var DebugLog *log.Logger

func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

func defaults() *Config {
	return &Config{
		DataDirectory: "~/.local/share/loom",
		Provider: ProviderConfig{
			Type:    "ollama",
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1:latest",
		},
		Tools: ToolsConfig{
			MaxCallsPerTurn:  5,
			CallTimeoutSecs:  30,
			RPCTimeoutSecs:   15,
			SessionWaitSecs:  12,
			HeartbeatSecs:    30,
			ReconnectCapSecs: 30,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("LOOM_PROVIDER_URL"); host != "" {
		c.Provider.BaseURL = host
	}
	if model := os.Getenv("LOOM_MODEL"); model != "" {
		c.Provider.Model = model
	}
	if dataDir := os.Getenv("LOOM_DATA_DIR"); dataDir != "" {
		c.DataDirectory = dataDir
	}
}

// normalize clamps nonsensical policy values back to defaults so a bad
// settings file cannot disable the tool-loop bound or zero out timeouts.
func (c *Config) normalize() {
	def := defaults().Tools
	if c.Tools.MaxCallsPerTurn <= 0 {
		c.Tools.MaxCallsPerTurn = def.MaxCallsPerTurn
	}
	if c.Tools.CallTimeoutSecs <= 0 {
		c.Tools.CallTimeoutSecs = def.CallTimeoutSecs
	}
	if c.Tools.RPCTimeoutSecs <= 0 {
		c.Tools.RPCTimeoutSecs = def.RPCTimeoutSecs
	}
	if c.Tools.SessionWaitSecs <= 0 {
		c.Tools.SessionWaitSecs = def.SessionWaitSecs
	}
	if c.Tools.HeartbeatSecs <= 0 {
		c.Tools.HeartbeatSecs = def.HeartbeatSecs
	}
	if c.Tools.ReconnectCapSecs <= 0 {
		c.Tools.ReconnectCapSecs = def.ReconnectCapSecs
	}
}

// Load reads settings.toml from the standard config location, falling back to
// defaults when the file is absent. Environment variables override the file.
func Load() (*Config, error) {
	return LoadFrom(GetSettingsFilePath())
}

// LoadFrom reads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := defaults()

	if FileExists(path) {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if fc.DataDirectory != "" {
			cfg.DataDirectory = fc.DataDirectory
		}
		if fc.DefaultSystemPrompt != "" {
			cfg.DefaultSystemPrompt = fc.DefaultSystemPrompt
		}
		if fc.Provider.Type != "" {
			cfg.Provider.Type = fc.Provider.Type
		}
		if fc.Provider.BaseURL != "" {
			cfg.Provider.BaseURL = fc.Provider.BaseURL
		}
		if fc.Provider.Model != "" {
			cfg.Provider.Model = fc.Provider.Model
		}
		if fc.Provider.APIKey != "" {
			cfg.Provider.APIKey = fc.Provider.APIKey
		}
		if fc.Tools != (ToolsConfig{}) {
			cfg.Tools = fc.Tools
		}
		cfg.Servers = fc.Servers
	}

	cfg.applyEnvOverrides()
	cfg.normalize()

	for i, srv := range cfg.Servers {
		if srv.Name == "" {
			return nil, fmt.Errorf("servers[%d]: name is required", i)
		}
		if !strings.HasPrefix(srv.Endpoint, "ws://") && !strings.HasPrefix(srv.Endpoint, "wss://") &&
			!strings.HasPrefix(srv.Endpoint, "http://") && !strings.HasPrefix(srv.Endpoint, "https://") {
			return nil, fmt.Errorf("servers[%d] (%s): unsupported endpoint scheme in %q", i, srv.Name, srv.Endpoint)
		}
	}

	return cfg, nil
}

func CheckDebug() bool {
	debug := os.Getenv("LOOM_DEBUG")
	return debug == "true" || debug == "1"
}

// InitDebugLog opens the debug log file under the data directory when
// LOOM_DEBUG is set. Safe to call once at startup before anything else logs.
func InitDebugLog(dataDir string) {
	if !CheckDebug() {
		return
	}

	Debug = true
	logPath := filepath.Join(dataDir, "debug.log")

	// 0600 - the log may contain prompt and tool payload fragments
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not open debug log at %s: %v\n", logPath, err)
		return
	}

	DebugLog = log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
	DebugLog.Printf("=== Debug logging started (LOOM_DEBUG=%s) ===", os.Getenv("LOOM_DEBUG"))
}
