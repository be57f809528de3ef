package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bms-monitor/internal/ble"
	"github.com/chaz8081/bms-monitor/internal/ble/protocol"
	"github.com/chaz8081/bms-monitor/internal/pool"
	"github.com/chaz8081/bms-monitor/internal/session"
)

// Config holds all application configuration.
type Config struct {
	Transport          string          `yaml:"transport"` // "central" or "hci"
	HCIDevice          int             `yaml:"hci_device"`
	ServiceUUID        string          `yaml:"service_uuid"`
	CharacteristicUUID string          `yaml:"characteristic_uuid"`
	Devices            []DeviceConfig  `yaml:"devices"`
	Session            SessionConfig   `yaml:"session"`
	Scheduler          SchedulerConfig `yaml:"scheduler"`
	Upload             UploadConfig    `yaml:"upload"`
	LogLevel           string          `yaml:"log_level"`
}

// DeviceConfig names one BMS by its link-layer address.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// SessionConfig holds per-device exchange timing.
type SessionConfig struct {
	ScanTimeout              time.Duration `yaml:"scan_timeout"`
	ConnectTimeout           time.Duration `yaml:"connect_timeout"`
	SettleDelay              time.Duration `yaml:"settle_delay"`
	ActivityTimeout          time.Duration `yaml:"activity_timeout"`
	MaxDesync                time.Duration `yaml:"max_desync"`
	ExplicitTelemetryRequest bool          `yaml:"explicit_telemetry_request"`
}

// SchedulerConfig holds device pool settings.
type SchedulerConfig struct {
	Policy       string        `yaml:"policy"` // "continuous" or "single"
	TickInterval time.Duration `yaml:"tick_interval"`
	MaxSlots     int           `yaml:"max_slots"`
	MaxAttempts  int           `yaml:"max_attempts"`
	ReconnectMax int           `yaml:"reconnect_max"` // seconds
	StatePath    string        `yaml:"state_path"`
}

// UploadConfig selects upload sinks. Empty fields disable a sink; the log
// sink is always on.
type UploadConfig struct {
	HTTPURL     string        `yaml:"http_url"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bms-monitor")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values and no devices.
func Default() *Config {
	return &Config{
		Transport:          "central",
		ServiceUUID:        protocol.ServiceUUID,
		CharacteristicUUID: protocol.CharacteristicUUID,
		Session: SessionConfig{
			ScanTimeout:     5 * time.Second,
			ConnectTimeout:  5 * time.Second,
			SettleDelay:     session.DefaultSettleDelay,
			ActivityTimeout: 10 * time.Second,
			MaxDesync:       session.DefaultMaxDesync,
		},
		Scheduler: SchedulerConfig{
			Policy:       "continuous",
			TickInterval: 100 * time.Millisecond,
			MaxSlots:     ble.DefaultMaxSlots,
			MaxAttempts:  3,
			ReconnectMax: 30,
			StatePath:    filepath.Join(DefaultConfigDir(), "state.yaml"),
		},
		Upload: UploadConfig{
			RedisPrefix: "bms",
			Timeout:     10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in state_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Scheduler.StatePath = expandTilde(cfg.Scheduler.StatePath)
	for i := range cfg.Devices {
		cfg.Devices[i].Address = ble.NormalizeAddress(cfg.Devices[i].Address)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport {
	case "central", "hci":
	default:
		return fmt.Errorf("transport must be \"central\" or \"hci\", got %q", c.Transport)
	}

	if c.HCIDevice < 0 {
		return fmt.Errorf("hci_device must be >= 0")
	}

	if c.ServiceUUID == "" || c.CharacteristicUUID == "" {
		return fmt.Errorf("service_uuid and characteristic_uuid must not be empty")
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("devices must not be empty")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Address == "" {
			return fmt.Errorf("devices[%d].address must not be empty", i)
		}
		if seen[d.Address] {
			return fmt.Errorf("devices[%d].address %s is listed twice", i, d.Address)
		}
		seen[d.Address] = true
	}

	s := c.Session
	if s.ScanTimeout <= 0 || s.ConnectTimeout <= 0 || s.ActivityTimeout <= 0 {
		return fmt.Errorf("session timeouts must be > 0")
	}
	if s.SettleDelay < 0 || s.MaxDesync < 0 {
		return fmt.Errorf("session.settle_delay and session.max_desync must be >= 0")
	}

	switch c.Scheduler.Policy {
	case "continuous", "single":
	default:
		return fmt.Errorf("scheduler.policy must be \"continuous\" or \"single\", got %q", c.Scheduler.Policy)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if c.Scheduler.MaxSlots <= 0 {
		return fmt.Errorf("scheduler.max_slots must be > 0")
	}
	if c.Scheduler.MaxAttempts < 0 {
		return fmt.Errorf("scheduler.max_attempts must be >= 0")
	}
	if c.Scheduler.ReconnectMax <= 0 {
		return fmt.Errorf("scheduler.reconnect_max must be > 0")
	}
	if c.Scheduler.Policy == "single" && c.Scheduler.StatePath == "" {
		return fmt.Errorf("scheduler.state_path must not be empty for the single policy")
	}

	if u := c.Upload.HTTPURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("upload.http_url must be an http(s) URL, got %q", u)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# bms-monitor configuration
# Add each battery under devices, e.g.
#   devices:
#     - name: house-bank
#       address: "C8:47:80:0D:4B:1A"
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// SessionOptions maps the session block onto session.Options.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		ServiceUUID:              c.ServiceUUID,
		CharacteristicUUID:       c.CharacteristicUUID,
		ScanTimeout:              c.Session.ScanTimeout,
		ConnectTimeout:           c.Session.ConnectTimeout,
		SettleDelay:              c.Session.SettleDelay,
		ActivityTimeout:          c.Session.ActivityTimeout,
		MaxDesync:                c.Session.MaxDesync,
		ExplicitTelemetryRequest: c.Session.ExplicitTelemetryRequest,
	}
}

// PoolOptions maps the scheduler block onto pool.Options.
func (c *Config) PoolOptions() pool.Options {
	return pool.Options{
		TickInterval: c.Scheduler.TickInterval,
		MaxAttempts:  c.Scheduler.MaxAttempts,
		ReconnectMax: c.Scheduler.ReconnectMax,
	}
}
