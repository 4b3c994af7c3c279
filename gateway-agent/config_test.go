package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Gateway.Host != "localhost" || cfg.Gateway.Port != 8787 {
		t.Errorf("Unexpected default gateway endpoint: %+v", cfg.Gateway)
	}
	if cfg.Health.Port != 8081 {
		t.Errorf("Unexpected default health port: %d", cfg.Health.Port)
	}
}

func TestLoadConfigMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := `
gateway:
  host: gw.example.com
  port: 443
  use_tls: true
client:
  id: custom-agent
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Gateway.Host != "gw.example.com" || cfg.Gateway.Port != 443 || !cfg.Gateway.UseTLS {
		t.Errorf("File values not applied: %+v", cfg.Gateway)
	}
	if cfg.Client.ID != "custom-agent" {
		t.Errorf("Client id not applied: %q", cfg.Client.ID)
	}
	// Untouched sections keep defaults.
	if cfg.Gateway.WSPath != "/ws" {
		t.Errorf("Default ws path lost: %q", cfg.Gateway.WSPath)
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("gateway: [not a map"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestIdentitySecretEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("identity:\n  secret: from-file\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("GATEWAYLINK_IDENTITY_SECRET", "from-env")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Identity.Secret != "from-env" {
		t.Errorf("Environment override not applied: %q", cfg.Identity.Secret)
	}
}
