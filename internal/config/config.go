// Package config loads the YAML configuration for nuimo-dfu.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/nuimo-dfu/internal/ble"
	"github.com/chaz8081/nuimo-dfu/internal/firmware"
	"github.com/chaz8081/nuimo-dfu/internal/workflow"
)

// Config holds all application configuration.
type Config struct {
	Catalog   CatalogConfig   `yaml:"catalog"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Update    UpdateConfig    `yaml:"update"`
	Flash     FlashConfig     `yaml:"flash"`
	Server    ServerConfig    `yaml:"server"`
	UI        UIConfig        `yaml:"ui"`
	LogLevel  string          `yaml:"log_level"`
}

// CatalogConfig holds firmware catalog settings.
type CatalogConfig struct {
	URL string `yaml:"url"`
}

// DiscoveryConfig holds device discovery settings.
type DiscoveryConfig struct {
	UpdateModeName   string        `yaml:"update_mode_name"`
	DeviceName       string        `yaml:"device_name"`
	ServiceUUID      string        `yaml:"service_uuid"`
	ControlPointUUID string        `yaml:"control_point_uuid"`
	LostAfter        time.Duration `yaml:"lost_after"`     // silence before a device counts as gone
	RebootTimeout    time.Duration `yaml:"reboot_timeout"` // wait for the update-mode device; negative waits forever
}

// UpdateConfig holds update session settings.
type UpdateConfig struct {
	FirmwarePath string `yaml:"firmware_path"` // local image; empty uses the catalog
	TempDir      string `yaml:"temp_dir"`      // where downloaded images go; empty uses the OS default
	MaxRetries   int    `yaml:"max_retries"`   // disconnect retries; 0 retries forever
}

// FlashConfig holds the external flash tool invocation.
type FlashConfig struct {
	// Command is argv for the DFU tool. {image}, {address} and {name} are
	// replaced per flash.
	Command []string `yaml:"command"`
}

// ServerConfig holds the status API settings.
type ServerConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// UIConfig holds terminal UI settings.
type UIConfig struct {
	Mode string `yaml:"mode"` // "tui" or "plain"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "nuimo-dfu")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Catalog: CatalogConfig{
			URL: firmware.DefaultCatalogURL,
		},
		Discovery: DiscoveryConfig{
			UpdateModeName:   ble.DefaultUpdateModeName,
			DeviceName:       ble.DefaultDeviceName,
			ServiceUUID:      ble.DFUServiceUUID,
			ControlPointUUID: ble.DFUControlPointUUID,
			LostAfter:        ble.DefaultLostAfter,
			RebootTimeout:    workflow.DefaultRebootTimeout,
		},
		Update: UpdateConfig{
			MaxRetries: 0,
		},
		Flash: FlashConfig{
			Command: []string{"nrfutil", "dfu", "ble", "-ic", "NRF51", "-pkg", "{image}", "-a", "{address}", "-n", "{name}"},
		},
		UI: UIConfig{
			Mode: "tui",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Update.FirmwarePath = expandTilde(cfg.Update.FirmwarePath)
	cfg.Update.TempDir = expandTilde(cfg.Update.TempDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Update.FirmwarePath == "" {
		u, err := url.Parse(c.Catalog.URL)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("catalog.url must be an absolute URL, got %q", c.Catalog.URL)
		}
	}

	if c.Discovery.UpdateModeName == "" {
		return fmt.Errorf("discovery.update_mode_name must not be empty")
	}
	if c.Discovery.DeviceName == c.Discovery.UpdateModeName {
		return fmt.Errorf("discovery.device_name must differ from discovery.update_mode_name")
	}
	if c.Discovery.ServiceUUID == "" {
		return fmt.Errorf("discovery.service_uuid must not be empty")
	}
	if c.Discovery.LostAfter <= 0 {
		return fmt.Errorf("discovery.lost_after must be > 0")
	}

	if c.Update.MaxRetries < 0 {
		return fmt.Errorf("update.max_retries must be >= 0")
	}

	if len(c.Flash.Command) == 0 || c.Flash.Command[0] == "" {
		return fmt.Errorf("flash.command must not be empty")
	}

	switch c.UI.Mode {
	case "tui", "plain":
	default:
		return fmt.Errorf("ui.mode must be \"tui\" or \"plain\", got %q", c.UI.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# nuimo-dfu configuration
#
# flash.command runs the DFU tool; {image}, {address} and {name} are
# replaced with the firmware file, device address and advertised name.
# update.max_retries: 0 keeps retrying after device disconnects forever.
# discovery.reboot_timeout: negative waits forever for update mode.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to slog. Unknown values are info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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
