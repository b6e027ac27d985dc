package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Errorf("Expected default listen address, got %s", cfg.ListenAddr)
	}
	if cfg.RetryDelay != time.Second {
		t.Errorf("Expected 1s retry delay, got %v", cfg.RetryDelay)
	}
}

func TestLoadServerConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9000
data_dir: /var/lib/buildfarm
retry_delay: 250ms
agents:
  - name: linux-1
    key: secret
    workers: 4
    connection:
      host: agent.local
      port: 8443
      fingerprint: abcd
  - name: mac-1
    key: other
    workers: 1
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("Expected listen from file, got %s", cfg.ListenAddr)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("Expected 250ms retry delay, got %v", cfg.RetryDelay)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("Expected 2 agents, got %d", len(cfg.Agents))
	}
	if cfg.Agents[0].Connection.Address() != "agent.local:8443" {
		t.Errorf("Unexpected agent address %s", cfg.Agents[0].Connection.Address())
	}
	if !cfg.Agents[1].Connection.DialIn() {
		t.Error("Expected second agent to dial in")
	}
}

func TestLoadServerConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, "listen: 127.0.0.1:9000\n")
	t.Setenv("BUILDFARM_LISTEN", "127.0.0.1:9100")
	t.Setenv("BUILDFARM_RETRY_DELAY", "5s")

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9100" {
		t.Errorf("Expected env override, got %s", cfg.ListenAddr)
	}
	if cfg.RetryDelay != 5*time.Second {
		t.Errorf("Expected 5s retry delay, got %v", cfg.RetryDelay)
	}
}

func TestLoadServerConfigRejectsInvalidAgent(t *testing.T) {
	path := writeConfig(t, `
agents:
  - name: too-many
    key: secret
    workers: 101
`)

	if _, err := LoadServerConfig(path); err == nil {
		t.Error("Expected error for agent with 101 workers")
	}
}

func TestAgentConfigValidate(t *testing.T) {
	cfg, err := LoadAgentConfig("")
	if err != nil {
		t.Fatalf("LoadAgentConfig failed: %v", err)
	}

	if err := cfg.Validate(); err == nil {
		t.Error("Expected error without key")
	}

	cfg.Key = "secret"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error without connection mode")
	}

	cfg.ListenAddr = ":8443"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	cfg.ServerURL = "wss://server/agents/connect"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error with both connection modes")
	}
}
