package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MCP.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.MCP.PingInterval)
	}
	if cfg.MCP.MaxReconnectAttempts != 3 {
		t.Errorf("MaxReconnectAttempts = %d, want 3", cfg.MCP.MaxReconnectAttempts)
	}
	if cfg.Session.IdleTimeout != 15*time.Minute {
		t.Errorf("IdleTimeout = %v, want 15m", cfg.Session.IdleTimeout)
	}
	if cfg.Server.QueryDeadline != 60*time.Second {
		t.Errorf("QueryDeadline = %v, want 60s", cfg.Server.QueryDeadline)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MCP_PING_INTERVAL_MS", "5000")
	t.Setenv("MCP_MAX_RECONNECT_ATTEMPTS", "5")
	t.Setenv("SESSION_IDLE_TIMEOUT_MS", "60000")
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("MCP_CALENDAR_ENDPOINT", "https://calendar.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MCP.PingInterval != 5*time.Second {
		t.Errorf("PingInterval = %v, want 5s", cfg.MCP.PingInterval)
	}
	if cfg.MCP.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.MCP.MaxReconnectAttempts)
	}
	if cfg.Session.IdleTimeout != time.Minute {
		t.Errorf("IdleTimeout = %v, want 1m", cfg.Session.IdleTimeout)
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want test-key", cfg.LLM.APIKey)
	}

	pc, ok := cfg.MCP.Providers["calendar"]
	if !ok {
		t.Fatal("expected calendar provider from MCP_CALENDAR_ENDPOINT")
	}
	if pc.Endpoint != "https://calendar.example.com" {
		t.Errorf("Endpoint = %q", pc.Endpoint)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicewire.yaml")
	data := []byte(`
server:
  addr: ":9090"
mcp:
  ping_interval: 10s
  providers:
    issues:
      command: issues-mcp
      args: ["--stdio"]
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.MCP.PingInterval != 10*time.Second {
		t.Errorf("PingInterval = %v, want 10s", cfg.MCP.PingInterval)
	}
	if cfg.MCP.Providers["issues"].Command != "issues-mcp" {
		t.Errorf("Command = %q", cfg.MCP.Providers["issues"].Command)
	}
}

func TestValidateRejectsBadEndpoint(t *testing.T) {
	cfg := Default()
	cfg.MCP.Providers["chat"] = ProviderConfig{Endpoint: "ftp://nope"}
	if err := cfg.validate(); err == nil {
		t.Error("expected error for non-http endpoint")
	}
}

func TestEncryptionKey(t *testing.T) {
	cfg := Default()

	cfg.Security.TokenEncryptionKey = "0123456789abcdef0123456789abcdef" // raw 32 bytes
	key, err := cfg.EncryptionKey()
	if err != nil {
		t.Fatalf("EncryptionKey: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	cfg.Security.TokenEncryptionKey = "short"
	if _, err := cfg.EncryptionKey(); err == nil {
		t.Error("expected error for short key")
	}
}
