// Package config loads orchestrator configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestrator.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	LLM      LLMConfig      `yaml:"llm"`
	MCP      MCPConfig      `yaml:"mcp"`
	Session  SessionConfig  `yaml:"session"`
	Storage  StorageConfig  `yaml:"storage"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// QueryDeadline bounds a single ProcessQuery call.
	QueryDeadline time.Duration `yaml:"query_deadline"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig configures the planner's LLM provider.
type LLMConfig struct {
	// Provider selects the client implementation: "openai" or "anthropic".
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

// ProviderConfig describes one tool backend. A provider is remote when
// Endpoint is set and local (stdio subprocess) when Command is set.
type ProviderConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	// RefreshURL is where the local adapter exchanges refresh tokens.
	RefreshURL string `yaml:"refresh_url"`
}

// MCPConfig configures adapter connections and the health loop.
type MCPConfig struct {
	PingInterval         time.Duration             `yaml:"ping_interval"`
	MaxReconnectAttempts int                       `yaml:"max_reconnect_attempts"`
	ReconnectBackoff     time.Duration             `yaml:"reconnect_backoff"`
	Providers            map[string]ProviderConfig `yaml:"providers"`
}

// SessionConfig configures conversation sessions.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StorageConfig configures the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig holds key material for the token store.
type SecurityConfig struct {
	// TokenEncryptionKey is the hex- or raw-encoded 32-byte AES key.
	TokenEncryptionKey string `yaml:"token_encryption_key"`
}

// Default returns the built-in defaults applied before file and env loading.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			QueryDeadline: 60 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		LLM: LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		MCP: MCPConfig{
			PingInterval:         30 * time.Second,
			MaxReconnectAttempts: 3,
			ReconnectBackoff:     time.Second,
			Providers:            map[string]ProviderConfig{},
		},
		Session: SessionConfig{
			IdleTimeout:   15 * time.Minute,
			SweepInterval: 10 * time.Minute,
		},
		Storage: StorageConfig{Path: "voicewire.db"},
	}
}

// Load reads configuration from the optional YAML file at path (environment
// variables inside the file are expanded), then applies environment variable
// overrides. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	// .env is best-effort; absence is normal outside development.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("TOKEN_ENCRYPTION_KEY"); v != "" {
		c.Security.TokenEncryptionKey = v
	}
	if d, ok := envMs("MCP_PING_INTERVAL_MS"); ok {
		c.MCP.PingInterval = d
	}
	if d, ok := envMs("MCP_RECONNECT_BACKOFF_MS"); ok {
		c.MCP.ReconnectBackoff = d
	}
	if v := os.Getenv("MCP_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MCP.MaxReconnectAttempts = n
		}
	}
	if d, ok := envMs("SESSION_IDLE_TIMEOUT_MS"); ok {
		c.Session.IdleTimeout = d
	}
	if v := os.Getenv("VOICEWIRE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("VOICEWIRE_DB"); v != "" {
		c.Storage.Path = v
	}

	// MCP_<PROVIDER>_ENDPOINT declares a remote provider.
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		provider, ok := providerFromEndpointVar(key)
		if !ok {
			continue
		}
		pc := c.MCP.Providers[provider]
		pc.Endpoint = value
		c.MCP.Providers[provider] = pc
	}
}

// providerFromEndpointVar extracts the provider name from an
// MCP_<PROVIDER>_ENDPOINT variable, lowercased.
func providerFromEndpointVar(key string) (string, bool) {
	if !strings.HasPrefix(key, "MCP_") || !strings.HasSuffix(key, "_ENDPOINT") {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(key, "MCP_"), "_ENDPOINT")
	if name == "" || name == "PING_INTERVAL" {
		return "", false
	}
	return strings.ToLower(name), true
}

func envMs(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (c *Config) validate() error {
	for name, pc := range c.MCP.Providers {
		if pc.Endpoint == "" && pc.Command == "" {
			return fmt.Errorf("provider %q: endpoint or command is required", name)
		}
		if pc.Endpoint != "" && !strings.HasPrefix(pc.Endpoint, "http://") && !strings.HasPrefix(pc.Endpoint, "https://") {
			return fmt.Errorf("provider %q: endpoint must start with http:// or https://", name)
		}
	}
	return nil
}

// EncryptionKey decodes the configured token encryption key. It accepts a
// 64-char hex string or a raw 32-byte string.
func (c *Config) EncryptionKey() ([]byte, error) {
	k := c.Security.TokenEncryptionKey
	if k == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is not set")
	}
	if len(k) == 64 {
		if decoded, err := hex.DecodeString(k); err == nil {
			return decoded, nil
		}
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("token encryption key must be 32 bytes, got %d", len(k))
	}
	return []byte(k), nil
}
