// Package config reads the accelctl configuration file
// (~/.config/accel/config.yaml).
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

	"github.com/samcharles93/accel/internal/driver"
	"github.com/samcharles93/accel/internal/hal"
)

// File is the configuration file. Pointer fields distinguish "not set" from
// zero values.
type File struct {
	Device   string `yaml:"device"`
	Simulate *bool  `yaml:"simulate"`
	MemSize  *int   `yaml:"mem_size"`

	// Device configuration
	Flags       []string       `yaml:"flags"`
	Channels    *uint32        `yaml:"channels"`
	MaxTransfer *uint32        `yaml:"max_transfer"`
	Timeout     *time.Duration `yaml:"timeout"`

	// Ready polling
	PollRetries  *int           `yaml:"poll_retries"`
	PollInterval *time.Duration `yaml:"poll_interval"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Path returns the default config file location, or "" when the user config
// directory is unknown.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "accel", "config.yaml")
}

// Load reads the file at path. A missing file, or an empty path, yields a
// zero File; a file that exists but does not parse is an error.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if _, err := ParseFlags(f.Flags); err != nil {
		return File{}, fmt.Errorf("config: %s: %w", path, err)
	}
	if f.PollRetries != nil && *f.PollRetries <= 0 {
		return File{}, fmt.Errorf("config: %s: poll_retries must be positive, got %d", path, *f.PollRetries)
	}
	if f.PollInterval != nil && *f.PollInterval <= 0 {
		return File{}, fmt.Errorf("config: %s: poll_interval must be positive, got %s", path, *f.PollInterval)
	}
	return f, nil
}

// ParseFlags converts flag names (dma, sync, high_priority) into a bitmask.
// Names are case-insensitive and "-" is accepted for "_".
func ParseFlags(names []string) (driver.Flags, error) {
	var flags driver.Flags
	for _, n := range names {
		switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(n)), "-", "_") {
		case "dma", "enable_dma":
			flags |= driver.FlagEnableDMA
		case "sync", "sync_mode":
			flags |= driver.FlagSyncMode
		case "high_priority", "priority":
			flags |= driver.FlagHighPriority
		case "", "none":
		default:
			return 0, fmt.Errorf("unknown flag %q", n)
		}
	}
	return flags, nil
}

// DriverConfig overlays the file onto base. Flags replace base flags only
// when the file lists any.
func (f File) DriverConfig(base driver.Config) (driver.Config, error) {
	cfg := base
	if len(f.Flags) > 0 {
		flags, err := ParseFlags(f.Flags)
		if err != nil {
			return base, err
		}
		cfg.Flags = flags
	}
	if f.Channels != nil {
		cfg.Channels = *f.Channels
	}
	if f.MaxTransfer != nil {
		cfg.MaxTransfer = *f.MaxTransfer
	}
	if f.Timeout != nil {
		cfg.Timeout = *f.Timeout
	}
	return cfg, nil
}

// Poller overlays the poll settings onto base.
func (f File) Poller(base hal.Poller) hal.Poller {
	p := base
	if f.PollRetries != nil {
		p.Retries = *f.PollRetries
	}
	if f.PollInterval != nil {
		p.Interval = *f.PollInterval
	}
	return p
}
