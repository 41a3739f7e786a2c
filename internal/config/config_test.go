package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Catalog.URL != "https://files.senic.com/nuimo-firmware-updates.json" {
		t.Errorf("Catalog.URL = %q", cfg.Catalog.URL)
	}
	if cfg.Discovery.UpdateModeName != "NuimoDFU" {
		t.Errorf("Discovery.UpdateModeName = %q, want %q", cfg.Discovery.UpdateModeName, "NuimoDFU")
	}
	if cfg.Discovery.LostAfter != time.Second {
		t.Errorf("Discovery.LostAfter = %v, want 1s", cfg.Discovery.LostAfter)
	}
	if cfg.Discovery.RebootTimeout != time.Minute {
		t.Errorf("Discovery.RebootTimeout = %v, want 1m", cfg.Discovery.RebootTimeout)
	}
	if cfg.Update.MaxRetries != 0 {
		t.Errorf("Update.MaxRetries = %d, want 0 (unlimited)", cfg.Update.MaxRetries)
	}
	if len(cfg.Flash.Command) == 0 || cfg.Flash.Command[0] != "nrfutil" {
		t.Errorf("Flash.Command = %v, want nrfutil invocation", cfg.Flash.Command)
	}
	if cfg.UI.Mode != "tui" {
		t.Errorf("UI.Mode = %q, want %q", cfg.UI.Mode, "tui")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
catalog:
  url: https://example.com/catalog.json
discovery:
  update_mode_name: MyDFU
  device_name: MyDevice
  lost_after: 2s
  reboot_timeout: 90s
update:
  temp_dir: /tmp/fw
  max_retries: 5
flash:
  command: ["dfu-tool", "{image}", "{address}"]
server:
  addr: 127.0.0.1:8080
ui:
  mode: plain
log_level: debug
`
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Catalog.URL != "https://example.com/catalog.json" {
		t.Errorf("Catalog.URL = %q", cfg.Catalog.URL)
	}
	if cfg.Discovery.UpdateModeName != "MyDFU" || cfg.Discovery.DeviceName != "MyDevice" {
		t.Errorf("Discovery names = %q/%q", cfg.Discovery.UpdateModeName, cfg.Discovery.DeviceName)
	}
	if cfg.Discovery.LostAfter != 2*time.Second {
		t.Errorf("Discovery.LostAfter = %v, want 2s", cfg.Discovery.LostAfter)
	}
	if cfg.Discovery.RebootTimeout != 90*time.Second {
		t.Errorf("Discovery.RebootTimeout = %v, want 90s", cfg.Discovery.RebootTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Discovery.ServiceUUID != Default().Discovery.ServiceUUID {
		t.Errorf("Discovery.ServiceUUID = %q, want default", cfg.Discovery.ServiceUUID)
	}
	if cfg.Update.TempDir != "/tmp/fw" || cfg.Update.MaxRetries != 5 {
		t.Errorf("Update = %+v", cfg.Update)
	}
	if len(cfg.Flash.Command) != 3 || cfg.Flash.Command[0] != "dfu-tool" {
		t.Errorf("Flash.Command = %v", cfg.Flash.Command)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.UI.Mode != "plain" {
		t.Errorf("UI.Mode = %q, want plain", cfg.UI.Mode)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
update:
  firmware_path: ~/firmware/nuimo.zip
  temp_dir: ~/tmp
`
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := filepath.Join(home, "firmware/nuimo.zip"); cfg.Update.FirmwarePath != want {
		t.Errorf("FirmwarePath = %q, want %q", cfg.Update.FirmwarePath, want)
	}
	if want := filepath.Join(home, "tmp"); cfg.Update.TempDir != want {
		t.Errorf("TempDir = %q, want %q", cfg.Update.TempDir, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("discovery: [not, a, map"), 0644); err != nil {
		t.Fatal(err)
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
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "relative catalog url",
			modify:  func(c *Config) { c.Catalog.URL = "catalog.json" },
			wantErr: true,
		},
		{
			name: "catalog url ignored with local firmware",
			modify: func(c *Config) {
				c.Catalog.URL = ""
				c.Update.FirmwarePath = "/fw/nuimo.zip"
			},
			wantErr: false,
		},
		{
			name:    "empty update mode name",
			modify:  func(c *Config) { c.Discovery.UpdateModeName = "" },
			wantErr: true,
		},
		{
			name:    "same names for both modes",
			modify:  func(c *Config) { c.Discovery.DeviceName = c.Discovery.UpdateModeName },
			wantErr: true,
		},
		{
			name:    "empty service uuid",
			modify:  func(c *Config) { c.Discovery.ServiceUUID = "" },
			wantErr: true,
		},
		{
			name:    "zero lost_after",
			modify:  func(c *Config) { c.Discovery.LostAfter = 0 },
			wantErr: true,
		},
		{
			name:    "negative reboot timeout waits forever",
			modify:  func(c *Config) { c.Discovery.RebootTimeout = -1 },
			wantErr: false,
		},
		{
			name:    "negative max retries",
			modify:  func(c *Config) { c.Update.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "empty flash command",
			modify:  func(c *Config) { c.Flash.Command = nil },
			wantErr: true,
		},
		{
			name:    "invalid ui mode",
			modify:  func(c *Config) { c.UI.Mode = "gui" },
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
			cfg := Default()
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

	expectedPath := filepath.Join(tmpHome, ".config", "nuimo-dfu", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# nuimo-dfu") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Discovery.RebootTimeout != time.Minute {
		t.Errorf("written config RebootTimeout = %v, want 1m", cfg.Discovery.RebootTimeout)
	}
	if cfg.Catalog.URL != Default().Catalog.URL {
		t.Errorf("written config Catalog.URL = %q", cfg.Catalog.URL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "nuimo-dfu")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
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

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
