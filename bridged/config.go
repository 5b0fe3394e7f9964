package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zondwallet/walletshell/transport"
)

// Config holds the bridge host configuration.
type Config struct {
	// Transport selects the content channel: "websocket" or "nats".
	Transport string `yaml:"transport"`

	// KeyProfile selects the key agreement primitive:
	// "mlkem768" (default) or "x25519".
	KeyProfile string `yaml:"key_profile"`

	// DataDir holds the store database and sealed secret slot.
	DataDir string `yaml:"data_dir"`

	// Request timeouts in milliseconds.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
	ReadyTimeoutMs   int `yaml:"ready_timeout_ms"`

	Websocket transport.WSConfig   `yaml:"websocket"`
	NATS      transport.NATSConfig `yaml:"nats"`
}

// LoadConfig reads the yaml config file, after loading an optional .env
// file. Environment variables override file values for deploy-varying
// settings.
func LoadConfig(path string) (*Config, error) {
	// Best effort: a missing .env is fine.
	godotenv.Load()

	cfg := &Config{
		Transport:        "websocket",
		KeyProfile:       "mlkem768",
		DataDir:          "data",
		RequestTimeoutMs: 30000,
		ReadyTimeoutMs:   10000,
		Websocket: transport.WSConfig{
			ListenAddr: "127.0.0.1:8970",
			Path:       "/bridge",
		},
		NATS: transport.NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			ReconnectWait: 2000,
			MaxReconnects: 60,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BRIDGE_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("BRIDGE_KEY_PROFILE"); v != "" {
		cfg.KeyProfile = v
	}
	if v := os.Getenv("BRIDGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BRIDGE_LISTEN_ADDR"); v != "" {
		cfg.Websocket.ListenAddr = v
	}
	if v := os.Getenv("BRIDGE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("BRIDGE_REQUEST_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeoutMs = ms
		}
	}
}

func (c *Config) validate() error {
	switch c.Transport {
	case "websocket", "nats":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.KeyProfile {
	case "mlkem768", "x25519":
	default:
		return fmt.Errorf("unknown key profile %q", c.KeyProfile)
	}
	return nil
}
