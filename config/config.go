package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// MasterKeySize is the required length of the decoded master key.
const MasterKeySize = 32

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Watcher WatcherConfig `yaml:"watcher"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	LogLevel       string   `yaml:"logLevel"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// StoreConfig points at the remote key-value store holding account records.
type StoreConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	DB    int    `yaml:"db"`
}

type CryptoConfig struct {
	// MasterKey is base64 of exactly 32 bytes. Startup fails otherwise.
	MasterKey string `yaml:"masterKey"`
}

// WatcherConfig tunes the live inbox watcher lifecycle. Durations in seconds.
type WatcherConfig struct {
	IdleGraceSeconds int `yaml:"idleGraceSeconds"`
	KeepaliveSeconds int `yaml:"keepaliveSeconds"`
	HeartbeatSeconds int `yaml:"heartbeatSeconds"`
}

// expandEnvWithDefaults expands environment variables with default value support
// Supports both ${VAR} and ${VAR:-default} syntax
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+):-([^}]*)\}`)
	result := re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		envVar := parts[1]
		defaultVal := parts[2]
		if val := os.Getenv(envVar); val != "" {
			return val
		}
		return defaultVal
	})
	return os.ExpandEnv(result)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	data = []byte(expandEnvWithDefaults(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Set defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Watcher.IdleGraceSeconds == 0 {
		cfg.Watcher.IdleGraceSeconds = 60
	}
	if cfg.Watcher.KeepaliveSeconds == 0 {
		cfg.Watcher.KeepaliveSeconds = 300
	}
	if cfg.Watcher.HeartbeatSeconds == 0 {
		cfg.Watcher.HeartbeatSeconds = 25
	}

	if _, err := cfg.DecodeMasterKey(); err != nil {
		return nil, err
	}
	if cfg.Store.URL == "" {
		return nil, fmt.Errorf("store.url (STORE_URL) is required")
	}

	return &cfg, nil
}

// DecodeMasterKey returns the decoded 32-byte master key or an error
// describing why the process must refuse to start.
func (c *Config) DecodeMasterKey() ([]byte, error) {
	if c.Crypto.MasterKey == "" {
		return nil, fmt.Errorf("crypto.masterKey (MASTER_KEY) is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.Crypto.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be exactly %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}
