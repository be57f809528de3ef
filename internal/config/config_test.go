package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func withDevice(c *Config) *Config {
	c.Devices = []DeviceConfig{{Name: "house-bank", Address: "C8:47:80:0D:4B:1A"}}
	return c
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Transport != "central" {
		t.Errorf("Transport = %q, want %q", cfg.Transport, "central")
	}
	if cfg.ServiceUUID != "0000ffe0-0000-1000-8000-00805f9b34fb" {
		t.Errorf("ServiceUUID = %q", cfg.ServiceUUID)
	}
	if cfg.Session.ActivityTimeout != 10*time.Second {
		t.Errorf("Session.ActivityTimeout = %v, want 10s", cfg.Session.ActivityTimeout)
	}
	if cfg.Scheduler.Policy != "continuous" {
		t.Errorf("Scheduler.Policy = %q, want %q", cfg.Scheduler.Policy, "continuous")
	}
	if cfg.Scheduler.MaxSlots != 3 {
		t.Errorf("Scheduler.MaxSlots = %d, want 3", cfg.Scheduler.MaxSlots)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
transport: hci
hci_device: 1
devices:
  - name: house-bank
    address: "c8:47:80:0d:4b:1a"
  - name: starter
    address: "C8:47:80:0D:4B:2B"
session:
  scan_timeout: 8s
  settle_delay: 250ms
  explicit_telemetry_request: true
scheduler:
  policy: single
  max_attempts: 0
upload:
  http_url: http://127.0.0.1:8080/bms
  redis_addr: 127.0.0.1:6379
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport != "hci" || cfg.HCIDevice != 1 {
		t.Errorf("Transport = %q/%d, want hci/1", cfg.Transport, cfg.HCIDevice)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("Devices = %v, want 2 entries", cfg.Devices)
	}
	if cfg.Devices[0].Address != "C8:47:80:0D:4B:1A" {
		t.Errorf("Devices[0].Address = %q, want normalized upper case", cfg.Devices[0].Address)
	}
	if cfg.Session.ScanTimeout != 8*time.Second {
		t.Errorf("Session.ScanTimeout = %v, want 8s", cfg.Session.ScanTimeout)
	}
	if cfg.Session.SettleDelay != 250*time.Millisecond {
		t.Errorf("Session.SettleDelay = %v, want 250ms", cfg.Session.SettleDelay)
	}
	if cfg.Session.ConnectTimeout != 5*time.Second {
		t.Errorf("Session.ConnectTimeout = %v, want default 5s", cfg.Session.ConnectTimeout)
	}
	if !cfg.Session.ExplicitTelemetryRequest {
		t.Error("Session.ExplicitTelemetryRequest = false, want true")
	}
	if cfg.Scheduler.Policy != "single" || cfg.Scheduler.MaxAttempts != 0 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Upload.RedisPrefix != "bms" {
		t.Errorf("Upload.RedisPrefix = %q, want default bms", cfg.Upload.RedisPrefix)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
scheduler:
  state_path: ~/bms/state.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "bms/state.yaml")
	if cfg.Scheduler.StatePath != expected {
		t.Errorf("Scheduler.StatePath = %q, want %q", cfg.Scheduler.StatePath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("devices: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "no devices",
			modify:  func(c *Config) { c.Devices = nil },
			wantErr: true,
		},
		{
			name:    "empty address",
			modify:  func(c *Config) { c.Devices[0].Address = "" },
			wantErr: true,
		},
		{
			name: "duplicate address",
			modify: func(c *Config) {
				c.Devices = append(c.Devices, DeviceConfig{Name: "dup", Address: c.Devices[0].Address})
			},
			wantErr: true,
		},
		{
			name:    "invalid transport",
			modify:  func(c *Config) { c.Transport = "usb" },
			wantErr: true,
		},
		{
			name:    "negative hci device",
			modify:  func(c *Config) { c.HCIDevice = -1 },
			wantErr: true,
		},
		{
			name:    "zero activity timeout",
			modify:  func(c *Config) { c.Session.ActivityTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "invalid policy",
			modify:  func(c *Config) { c.Scheduler.Policy = "random" },
			wantErr: true,
		},
		{
			name:    "single policy without state path",
			modify:  func(c *Config) { c.Scheduler.Policy = "single"; c.Scheduler.StatePath = "" },
			wantErr: true,
		},
		{
			name:    "zero slots",
			modify:  func(c *Config) { c.Scheduler.MaxSlots = 0 },
			wantErr: true,
		},
		{
			name:    "retry forever",
			modify:  func(c *Config) { c.Scheduler.MaxAttempts = 0 },
			wantErr: false,
		},
		{
			name:    "settle delay and desync guard disabled",
			modify:  func(c *Config) { c.Session.SettleDelay = 0; c.Session.MaxDesync = 0 },
			wantErr: false,
		},
		{
			name:    "negative settle delay",
			modify:  func(c *Config) { c.Session.SettleDelay = -time.Second },
			wantErr: true,
		},
		{
			name:    "non-http upload url",
			modify:  func(c *Config) { c.Upload.HTTPURL = "ftp://example.com" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := withDevice(Default())
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "bms-monitor", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# bms-monitor") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Scheduler.Policy != "continuous" {
		t.Errorf("written config Scheduler.Policy = %q, want %q", cfg.Scheduler.Policy, "continuous")
	}
	if cfg.Session.ScanTimeout != 5*time.Second {
		t.Errorf("written config Session.ScanTimeout = %v, want 5s", cfg.Session.ScanTimeout)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "bms-monitor")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("transport: hci\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestSessionAndPoolOptions(t *testing.T) {
	cfg := withDevice(Default())
	cfg.Session.SettleDelay = 0
	cfg.Session.ExplicitTelemetryRequest = true
	cfg.Scheduler.MaxAttempts = 5

	so := cfg.SessionOptions()
	if so.ScanTimeout != 5*time.Second || so.ServiceUUID != cfg.ServiceUUID {
		t.Errorf("SessionOptions() = %+v", so)
	}
	if !so.ExplicitTelemetryRequest {
		t.Error("SessionOptions().ExplicitTelemetryRequest = false, want true")
	}
	if so.SettleDelay != 0 {
		t.Errorf("SessionOptions().SettleDelay = %v, want 0 passed through", so.SettleDelay)
	}
	if so.MaxDesync != time.Second {
		t.Errorf("SessionOptions().MaxDesync = %v, want 1s", so.MaxDesync)
	}

	po := cfg.PoolOptions()
	if po.MaxAttempts != 5 || po.ReconnectMax != 30 || po.TickInterval != 100*time.Millisecond {
		t.Errorf("PoolOptions() = %+v", po)
	}
}
