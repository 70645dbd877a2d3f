package driver

import (
	"strconv"
	"strings"
	"time"
)

// Flags is the device-wide feature bitmask.
type Flags uint32

const (
	FlagEnableDMA Flags = 1 << iota
	FlagSyncMode
	FlagHighPriority
)

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	if f&FlagEnableDMA != 0 {
		names = append(names, "dma")
	}
	if f&FlagSyncMode != 0 {
		names = append(names, "sync")
	}
	if f&FlagHighPriority != 0 {
		names = append(names, "high_priority")
	}
	if rest := f &^ (FlagEnableDMA | FlagSyncMode | FlagHighPriority); rest != 0 {
		names = append(names, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(names, "|")
}

// Config is the device-wide configuration. It is stored and read back
// verbatim; the driver only consults MaxTransfer and Timeout.
type Config struct {
	Flags       Flags         `json:"flags"`
	Channels    uint32        `json:"channels"`
	MaxTransfer uint32        `json:"max_transfer"`
	Timeout     time.Duration `json:"timeout"`
}

const (
	DefaultChannels    = 1
	DefaultMaxTransfer = 16 << 20
	DefaultTimeout     = 1000 * time.Millisecond
)

// DefaultConfig is the configuration a session starts with and returns to
// on ResetConfig.
func DefaultConfig() Config {
	return Config{
		Flags:       FlagEnableDMA,
		Channels:    DefaultChannels,
		MaxTransfer: DefaultMaxTransfer,
		Timeout:     DefaultTimeout,
	}
}

// Configure replaces the session configuration.
func (s *Session) Configure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit("configure"); err != nil {
		return err
	}
	s.cfg = cfg
	s.log.Debug("configuration updated", "flags", cfg.Flags.String(), "channels", cfg.Channels,
		"max_transfer", cfg.MaxTransfer, "timeout", cfg.Timeout)
	return nil
}

// Config returns the current configuration.
func (s *Session) Config() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit("get config"); err != nil {
		return Config{}, err
	}
	return s.cfg, nil
}

// ResetConfig restores DefaultConfig.
func (s *Session) ResetConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit("reset config"); err != nil {
		return err
	}
	s.cfg = DefaultConfig()
	return nil
}
