package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration
type Config struct {
	// Gateway endpoint configuration
	Gateway GatewayConfig `yaml:"gateway"`

	// Client identity advertised at connect time
	Client ClientConfig `yaml:"client"`

	// Identity keystore configuration
	Identity IdentityConfig `yaml:"identity"`

	// Tokens configuration
	Tokens TokensConfig `yaml:"tokens"`

	// Health check configuration
	Health HealthConfig `yaml:"health"`

	// Verbose enables frame-level debug logging
	Verbose bool `yaml:"verbose"`
}

// GatewayConfig holds the gateway endpoint settings
type GatewayConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
	UseTLS    bool   `yaml:"use_tls"`
	WSPath    string `yaml:"ws_path"`
}

// ClientConfig holds the client presentation settings
type ClientConfig struct {
	ID           string `yaml:"id"`
	DisplayName  string `yaml:"display_name"`
	Platform     string `yaml:"platform"`
	Mode         string `yaml:"mode"`
	InstanceID   string `yaml:"instance_id"`
	DeviceFamily string `yaml:"device_family"`
	Locale       string `yaml:"locale"`
}

// IdentityConfig holds the sealed device keystore settings
type IdentityConfig struct {
	Path string `yaml:"path"`
	// Secret unseals the keystore; the GATEWAYLINK_IDENTITY_SECRET
	// environment variable overrides it.
	Secret string `yaml:"secret"`
}

// TokensConfig holds the device-token store settings
type TokensConfig struct {
	Path string `yaml:"path"`
}

// HealthConfig holds health check settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if secret := os.Getenv("GATEWAYLINK_IDENTITY_SECRET"); secret != "" {
		cfg.Identity.Secret = secret
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:   "localhost",
			Port:   8787,
			WSPath: "/ws",
		},
		Client: ClientConfig{
			ID:           "gatewaylink-agent",
			DisplayName:  "Gatewaylink Agent",
			Platform:     "linux",
			Mode:         "daemon",
			DeviceFamily: "server",
			Locale:       "en-US",
		},
		Identity: IdentityConfig{
			Path: "/var/lib/gatewaylink/device.sealed",
		},
		Tokens: TokensConfig{
			Path: "/var/lib/gatewaylink/tokens.db",
		},
		Health: HealthConfig{
			Port: 8081,
		},
	}
}
