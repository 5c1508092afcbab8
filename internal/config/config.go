// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "datalens.toml"

// Config represents the engine configuration.
type Config struct {
	LLM       LLMConfig       `toml:"llm"`       // Worker and judge model
	SmallLLM  LLMConfig       `toml:"small_llm"` // Routing model, falls back to [llm]
	Engine    EngineConfig    `toml:"engine"`
	Storage   StorageConfig   `toml:"storage"`
	Warehouse WarehouseConfig `toml:"warehouse"`
	Golden    GoldenConfig    `toml:"golden"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	NATS      NATSConfig      `toml:"nats"`
	Server    ServerConfig    `toml:"server"`
	Session   SessionConfig   `toml:"session"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string `toml:"thinking"`      // Thinking level: auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // Max retry attempts (default 5)
	RetryBackoff string `toml:"retry_backoff"` // Max backoff duration (default "60s")
}

// EngineConfig controls graph execution.
type EngineConfig struct {
	Mode                string   `toml:"mode"`      // autonomous | approval
	MaxSteps            int      `toml:"max_steps"` // node executions per run call
	WorkerMaxIterations int      `toml:"worker_max_iterations"`
	MaxHistoryBytes     int      `toml:"max_history_bytes"` // 0 = no cap
	KeepRecent          int      `toml:"keep_recent"`
	ObservationLimit    int      `toml:"observation_limit"` // negative disables truncation
	ToolTimeout         Duration `toml:"tool_timeout"`
	LLMTimeout          Duration `toml:"llm_timeout"`
}

// StorageConfig selects the checkpoint backend.
type StorageConfig struct {
	Backend  string   `toml:"backend"` // memory | file | sqlite | redis
	Path     string   `toml:"path"`    // Base directory for all persistent data
	RedisURL string   `toml:"redis_url"`
	RedisTTL Duration `toml:"redis_ttl"`
}

// WarehouseConfig points at the analytical database.
type WarehouseConfig struct {
	Path       string `toml:"path"`
	Schema     string `toml:"schema"`
	SchemaFile string `toml:"schema_file"`
	MaxRows    int    `toml:"max_rows"`
}

// GoldenConfig configures the golden query library.
type GoldenConfig struct {
	Path  string `toml:"path"` // empty = built-in set
	Watch bool   `toml:"watch"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// NATSConfig configures event fan-out.
type NATSConfig struct {
	URL     string `toml:"url"` // empty disables publishing
	Subject string `toml:"subject"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr     string `toml:"addr"`
	MaxConns int    `toml:"max_conns"`
}

// SessionConfig configures the per-session event logs.
type SessionConfig struct {
	LogDir string `toml:"log_dir"` // empty = <storage.path>/sessions
}

// Duration is a time.Duration written as a string ("60s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Engine: EngineConfig{
			Mode:                "approval",
			MaxSteps:            50,
			WorkerMaxIterations: 50,
			KeepRecent:          8,
			ObservationLimit:    2000,
			ToolTimeout:         Duration{60 * time.Second},
			LLMTimeout:          Duration{120 * time.Second},
		},
		Storage: StorageConfig{
			Backend:  "memory",
			Path:     "~/.local/datalens",
			RedisTTL: Duration{24 * time.Hour},
		},
		Warehouse: WarehouseConfig{
			MaxRows: 100,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		NATS: NATSConfig{
			Subject: "datalens.events",
		},
		Server: ServerConfig{
			Addr:     ":8080",
			MaxConns: 64,
		},
	}
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads datalens.toml from the current directory, or the
// defaults when there is none.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	path := filepath.Join(cwd, DefaultFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Engine.Mode {
	case "autonomous", "approval":
	default:
		return fmt.Errorf("engine.mode must be autonomous or approval, got %q", c.Engine.Mode)
	}
	if c.Engine.MaxSteps <= 0 {
		return fmt.Errorf("engine.max_steps must be positive")
	}
	if c.Engine.WorkerMaxIterations <= 0 {
		return fmt.Errorf("engine.worker_max_iterations must be positive")
	}
	if c.Engine.MaxHistoryBytes < 0 || c.Engine.KeepRecent < 0 {
		return fmt.Errorf("engine.max_history_bytes and engine.keep_recent must not be negative")
	}

	switch c.Storage.Backend {
	case "memory", "file", "sqlite":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	if c.Warehouse.Schema != "" && c.Warehouse.SchemaFile != "" {
		return fmt.Errorf("set only one of warehouse.schema and warehouse.schema_file")
	}
	if c.Warehouse.MaxRows <= 0 {
		return fmt.Errorf("warehouse.max_rows must be positive")
	}
	if c.Server.MaxConns <= 0 {
		return fmt.Errorf("server.max_conns must be positive")
	}
	return nil
}

// Router returns the model settings for the router. Unset fields of
// [small_llm] fall back to [llm].
func (c *Config) Router() LLMConfig {
	if c.SmallLLM.Model == "" {
		return c.LLM
	}
	result := c.SmallLLM
	if result.APIKeyEnv == "" {
		result.APIKeyEnv = c.LLM.APIKeyEnv
	}
	if result.MaxTokens == 0 {
		result.MaxTokens = c.LLM.MaxTokens
	}
	if result.BaseURL == "" {
		result.BaseURL = c.LLM.BaseURL
	}
	return result
}

// StoragePath returns the storage directory with ~ expanded.
func (c *Config) StoragePath() string {
	return ExpandHome(c.Storage.Path)
}

// SessionLogDir returns the directory for session event logs.
func (c *Config) SessionLogDir() string {
	if c.Session.LogDir != "" {
		return ExpandHome(c.Session.LogDir)
	}
	return filepath.Join(c.StoragePath(), "sessions")
}

// WarehouseSchema returns the inline schema or the contents of the schema file.
func (c *Config) WarehouseSchema() (string, error) {
	if c.Warehouse.SchemaFile == "" {
		return c.Warehouse.Schema, nil
	}
	data, err := os.ReadFile(ExpandHome(c.Warehouse.SchemaFile))
	if err != nil {
		return "", fmt.Errorf("failed to read schema file: %w", err)
	}
	return string(data), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// APIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (l LLMConfig) APIKey() string {
	envVar := l.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(l.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}
