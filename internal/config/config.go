// Package config loads the client configuration from an optional YAML
// file with BANDSYNC_* environment overrides on top.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries everything the sync core needs to talk to the backend
// and persist state on the device.
type Config struct {
	ServerURL string `yaml:"server_url"`
	StoreDSN  string `yaml:"store_dsn"`

	DeviceID    string `yaml:"device_id"`
	UserID      string `yaml:"user_id"`
	TokenSecret string `yaml:"token_secret"`

	SyncInterval  time.Duration `yaml:"sync_interval"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	SweepAge      time.Duration `yaml:"sweep_age"`

	BootstrapAttempts int           `yaml:"bootstrap_attempts"`
	BootstrapDelay    time.Duration `yaml:"bootstrap_delay"`
	MaxRetries        int           `yaml:"max_retries"`

	LogLevel string `yaml:"log_level"`
}

// UnmarshalYAML decodes the file representation, where durations are
// written as strings like "90s" or "5m". Keys absent from the file
// keep whatever value the receiver already holds.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig struct {
		ServerURL         string `yaml:"server_url"`
		StoreDSN          string `yaml:"store_dsn"`
		DeviceID          string `yaml:"device_id"`
		UserID            string `yaml:"user_id"`
		TokenSecret       string `yaml:"token_secret"`
		SyncInterval      string `yaml:"sync_interval"`
		ProbeInterval     string `yaml:"probe_interval"`
		SweepAge          string `yaml:"sweep_age"`
		BootstrapAttempts int    `yaml:"bootstrap_attempts"`
		BootstrapDelay    string `yaml:"bootstrap_delay"`
		MaxRetries        int    `yaml:"max_retries"`
		LogLevel          string `yaml:"log_level"`
	}
	raw := rawConfig{
		ServerURL:         c.ServerURL,
		StoreDSN:          c.StoreDSN,
		DeviceID:          c.DeviceID,
		UserID:            c.UserID,
		TokenSecret:       c.TokenSecret,
		SyncInterval:      c.SyncInterval.String(),
		ProbeInterval:     c.ProbeInterval.String(),
		SweepAge:          c.SweepAge.String(),
		BootstrapAttempts: c.BootstrapAttempts,
		BootstrapDelay:    c.BootstrapDelay.String(),
		MaxRetries:        c.MaxRetries,
		LogLevel:          c.LogLevel,
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.ServerURL = raw.ServerURL
	c.StoreDSN = raw.StoreDSN
	c.DeviceID = raw.DeviceID
	c.UserID = raw.UserID
	c.TokenSecret = raw.TokenSecret
	c.BootstrapAttempts = raw.BootstrapAttempts
	c.MaxRetries = raw.MaxRetries
	c.LogLevel = raw.LogLevel
	for _, field := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sync_interval", raw.SyncInterval, &c.SyncInterval},
		{"probe_interval", raw.ProbeInterval, &c.ProbeInterval},
		{"sweep_age", raw.SweepAge, &c.SweepAge},
		{"bootstrap_delay", raw.BootstrapDelay, &c.BootstrapDelay},
	} {
		parsed, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = parsed
	}
	return nil
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		ServerURL:     "http://localhost:8080",
		StoreDSN:      "file://" + defaultStateDir(),
		SyncInterval:  60 * time.Second,
		ProbeInterval: 15 * time.Second,
		SweepAge:      30 * 24 * time.Hour,
		LogLevel:      "info",
	}
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/bandsync"
	}
	return ".bandsync"
}

// Load reads path (if non-empty and present), then applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServerURL = stringEnv("BANDSYNC_SERVER_URL", c.ServerURL)
	c.StoreDSN = stringEnv("BANDSYNC_STORE_DSN", c.StoreDSN)
	c.DeviceID = stringEnv("BANDSYNC_DEVICE_ID", c.DeviceID)
	c.UserID = stringEnv("BANDSYNC_USER_ID", c.UserID)
	c.TokenSecret = stringEnv("BANDSYNC_TOKEN_SECRET", c.TokenSecret)
	c.SyncInterval = durationEnv("BANDSYNC_SYNC_INTERVAL", c.SyncInterval)
	c.ProbeInterval = durationEnv("BANDSYNC_PROBE_INTERVAL", c.ProbeInterval)
	c.SweepAge = durationEnv("BANDSYNC_SWEEP_AGE", c.SweepAge)
	c.BootstrapAttempts = intEnv("BANDSYNC_BOOTSTRAP_ATTEMPTS", c.BootstrapAttempts)
	c.BootstrapDelay = durationEnv("BANDSYNC_BOOTSTRAP_DELAY", c.BootstrapDelay)
	c.MaxRetries = intEnv("BANDSYNC_MAX_RETRIES", c.MaxRetries)
	c.LogLevel = stringEnv("BANDSYNC_LOG_LEVEL", c.LogLevel)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server_url must not be empty")
	}
	if strings.TrimSpace(c.StoreDSN) == "" {
		return fmt.Errorf("store_dsn must not be empty")
	}
	if c.SyncInterval < 0 || c.ProbeInterval < 0 || c.SweepAge < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
