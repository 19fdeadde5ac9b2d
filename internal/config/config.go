// Package config loads the valet configuration: a YAML file with
// environment-variable expansion, defaults, and a validation pass. Secrets
// (provider API keys) never live here; they belong to the settings store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valethq/valet/internal/permission"
)

// Config is the top-level valet configuration.
type Config struct {
	BaseDir    string           `yaml:"base_dir"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Backends   BackendsConfig   `yaml:"backends"`
	Tools      ToolsConfig      `yaml:"tools"`
	Degrade    DegradeConfig    `yaml:"degradation"`
	Permission PermissionConfig `yaml:"permission"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type DispatchConfig struct {
	// PrimaryBackend is the user-preferred backend: anthropic, openai, ollama.
	PrimaryBackend string `yaml:"primary_backend"`

	// LocalOnly restricts routing to the local backend.
	LocalOnly bool `yaml:"local_only"`

	// ContextTokenBudget caps the estimated tokens of assembled history.
	ContextTokenBudget int `yaml:"context_token_budget"`

	// MaxToolRounds bounds model/tool iterations per request.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// MaxTokens is the per-response completion cap passed to backends.
	MaxTokens int `yaml:"max_tokens"`

	// StreamTimeout bounds one adapter streaming call.
	StreamTimeout time.Duration `yaml:"stream_timeout"`

	// Persona is the global default system prompt.
	Persona string `yaml:"persona"`
}

type BackendsConfig struct {
	Anthropic CloudBackendConfig `yaml:"anthropic"`
	OpenAI    CloudBackendConfig `yaml:"openai"`
	Ollama    OllamaConfig       `yaml:"ollama"`
}

type CloudBackendConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type OllamaConfig struct {
	Host          string        `yaml:"host"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

type ToolsConfig struct {
	// AllowedRoots are the directories file tools may touch, per level.
	// Paths are resolved relative to BaseDir when not absolute.
	AllowedRoots []string `yaml:"allowed_roots"`

	// Timeout bounds one tool execution.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputChars truncates tool output beyond this length.
	MaxOutputChars int `yaml:"max_output_chars"`

	// External lists tool-protocol servers whose tools are forwarded.
	External []ExternalToolServer `yaml:"external"`
}

type ExternalToolServer struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type DegradeConfig struct {
	// RecoveryWindow is how long an open circuit waits before a retry.
	RecoveryWindow time.Duration `yaml:"recovery_window"`

	// NetworkProbeHost is the DNS name resolved by the network check.
	NetworkProbeHost string `yaml:"network_probe_host"`

	// CacheTTL bounds tool-result cache entries.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// QueueCap bounds the advisory queue.
	QueueCap int `yaml:"queue_cap"`
}

type PermissionConfig struct {
	// Level is the startup permission level: SANDBOX, LOCAL, SYSTEM, FULL
	// or its ordinal 0..3. PERMISSION_LEVEL overrides it.
	Level string `yaml:"level"`
}

// Load reads path, expands ${ENV} references, applies defaults and env
// overrides, and validates. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.BaseDir = filepath.Join(home, ".valet")
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8144
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Dispatch.PrimaryBackend == "" {
		cfg.Dispatch.PrimaryBackend = "anthropic"
	}
	if cfg.Dispatch.ContextTokenBudget == 0 {
		cfg.Dispatch.ContextTokenBudget = 4000
	}
	if cfg.Dispatch.MaxToolRounds == 0 {
		cfg.Dispatch.MaxToolRounds = 10
	}
	if cfg.Dispatch.MaxTokens == 0 {
		cfg.Dispatch.MaxTokens = 4096
	}
	if cfg.Dispatch.StreamTimeout == 0 {
		cfg.Dispatch.StreamTimeout = 120 * time.Second
	}
	if cfg.Backends.Anthropic.Model == "" {
		cfg.Backends.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Backends.OpenAI.Model == "" {
		cfg.Backends.OpenAI.Model = "gpt-4o"
	}
	if cfg.Backends.Ollama.Host == "" {
		cfg.Backends.Ollama.Host = "http://localhost:11434"
	}
	if cfg.Backends.Ollama.Model == "" {
		cfg.Backends.Ollama.Model = "llama3.2"
	}
	if cfg.Backends.Ollama.Timeout == 0 {
		cfg.Backends.Ollama.Timeout = 2 * time.Minute
	}
	if cfg.Backends.Ollama.HealthTimeout == 0 {
		cfg.Backends.Ollama.HealthTimeout = 60 * time.Second
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Tools.MaxOutputChars == 0 {
		cfg.Tools.MaxOutputChars = 10000
	}
	if len(cfg.Tools.AllowedRoots) == 0 {
		cfg.Tools.AllowedRoots = []string{cfg.BaseDir}
	}
	for i, server := range cfg.Tools.External {
		if server.Timeout == 0 {
			cfg.Tools.External[i].Timeout = 30 * time.Second
		}
	}
	if cfg.Degrade.RecoveryWindow == 0 {
		cfg.Degrade.RecoveryWindow = 60 * time.Second
	}
	if cfg.Degrade.NetworkProbeHost == "" {
		cfg.Degrade.NetworkProbeHost = "one.one.one.one"
	}
	if cfg.Degrade.CacheTTL == 0 {
		cfg.Degrade.CacheTTL = 24 * time.Hour
	}
	if cfg.Degrade.QueueCap == 0 {
		cfg.Degrade.QueueCap = 100
	}
	if cfg.Permission.Level == "" {
		cfg.Permission.Level = "LOCAL"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PERMISSION_LEVEL"); v != "" {
		cfg.Permission.Level = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VALET_OLLAMA_HOST"); v != "" {
		cfg.Backends.Ollama.Host = v
	}
	if v := os.Getenv("VALET_OLLAMA_MODEL"); v != "" {
		cfg.Backends.Ollama.Model = v
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Dispatch.PrimaryBackend {
	case "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("config: unknown primary_backend %q", c.Dispatch.PrimaryBackend)
	}
	if _, err := permission.Parse(c.Permission.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Dispatch.ContextTokenBudget < 0 {
		return fmt.Errorf("config: context_token_budget must be positive")
	}
	for _, server := range c.Tools.External {
		if server.Name == "" || server.URL == "" {
			return fmt.Errorf("config: external tool server needs name and url")
		}
	}
	return nil
}

// PermissionLevel returns the parsed startup level. Validate guarantees it
// parses.
func (c *Config) PermissionLevel() permission.Level {
	level, _ := permission.Parse(c.Permission.Level)
	return level
}

// Path helpers for the persisted state layout under BaseDir. The scheduler
// and proactive subsystems own scheduler.db and proactive.db in the same
// directory; this process never opens them.

func (c *Config) ConversationsDB() string { return filepath.Join(c.BaseDir, "conversations.db") }
func (c *Config) FactsDB() string         { return filepath.Join(c.BaseDir, "facts.db") }
func (c *Config) SettingsDB() string      { return filepath.Join(c.BaseDir, "settings.db") }
func (c *Config) AlertsDB() string        { return filepath.Join(c.BaseDir, "alerts.db") }
func (c *Config) AuditDB() string         { return filepath.Join(c.BaseDir, "audit.db") }
func (c *Config) FilesDir() string        { return filepath.Join(c.BaseDir, "files") }
func (c *Config) CapabilitiesFile() string {
	return filepath.Join(c.BaseDir, "capabilities.json")
}
func (c *Config) EncryptionSaltFile() string {
	return filepath.Join(c.BaseDir, ".encryption_key_salt")
}
