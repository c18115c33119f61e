package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.inbox/config.toml.
// Every field can be overridden by an INBOX_* environment variable.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Session ConfigSession `toml:"session"`
}

// ConfigDefault holds API access settings.
type ConfigDefault struct {
	APIKey   string `toml:"api_key" env:"API_KEY"`
	BaseURL  string `toml:"base_url" env:"BASE_URL"`
	Tenant   string `toml:"tenant" env:"TENANT"`
	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`
}

// ConfigSession holds operator session settings.
type ConfigSession struct {
	Key           string `toml:"key" env:"SESSION_KEY"`
	PrefsDSN      string `toml:"prefs_dsn" env:"PREFS_DSN"`
	WebhookSecret string `toml:"webhook_secret" env:"WEBHOOK_SECRET"`
	ListenAddr    string `toml:"listen_addr" env:"LISTEN_ADDR"`
	Realtime      string `toml:"realtime" env:"REALTIME"` // "ws" or "sse"
}

const envPrefix = "INBOX_"

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.inbox, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".inbox")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// resolveConfig returns the effective configuration: the file, then a
// .env file in the working directory, then INBOX_* variables, then
// defaults. The result must not be saved back.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env config: %w", err)
	}
	return nil
}

func (c *Config) defaults() {
	if c.Default.LogLevel == "" {
		c.Default.LogLevel = "info"
	}
	if c.Session.ListenAddr == "" {
		c.Session.ListenAddr = ":8080"
	}
	if c.Session.Realtime == "" {
		c.Session.Realtime = "ws"
	}
	if c.Session.Key == "" {
		c.Session.Key = c.Default.Tenant
	}
	if c.Session.PrefsDSN == "" {
		if dir, err := configDir(); err == nil {
			c.Session.PrefsDSN = "file://" + filepath.Join(dir, "prefs.toml")
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_key":
			cfg.Default.APIKey = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "tenant":
			cfg.Default.Tenant = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "session":
		switch field {
		case "key":
			cfg.Session.Key = value
		case "prefs_dsn":
			cfg.Session.PrefsDSN = value
		case "webhook_secret":
			cfg.Session.WebhookSecret = value
		case "listen_addr":
			cfg.Session.ListenAddr = value
		case "realtime":
			if value != "ws" && value != "sse" {
				return fmt.Errorf("realtime must be ws or sse, got %q", value)
			}
			cfg.Session.Realtime = value
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, session)", section)
	}
	return nil
}
