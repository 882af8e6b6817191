// Package config loads the daemon configuration: struct defaults overlaid by
// the keys a TOML file actually defines.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/bridge"
	"github.com/srg/btsvc/internal/mux"
	"github.com/srg/btsvc/internal/profile/hfp"
	"github.com/srg/btsvc/internal/profile/spp"
	"github.com/srg/btsvc/internal/transport/sockettransport"
)

// Backends accepted by Backend.
const (
	BackendSim   = "sim"
	BackendBlueZ = "bluez"
	BackendGoBLE = "goble"
)

// BridgeConfig configures the per-channel byte bridges.
type BridgeConfig struct {
	Enabled          bool          `default:"false"`
	Dir              string        `default:"/tmp/btsvc"`
	Mode             string        `default:"socket"`
	PreConnectBuffer int           `default:"5120"`
	ReadChunk        int           `default:"1024"`
	RetryInterval    time.Duration `default:"10ms"`
	MaxRetries       int           `default:"1000"`
}

// SPPConfig configures the serial port profile service.
type SPPConfig struct {
	// ReadTimeoutUnit is the length of one readData timeout unit.
	ReadTimeoutUnit time.Duration `default:"1s"`
}

// HFPConfig configures the hands-free profile service.
type HFPConfig struct {
	RingInterval time.Duration `default:"3s"`
}

// TransportConfig configures the socket transport.
type TransportConfig struct {
	OutboxSize uint32 `default:"1024"`
	MaxFrame   int    `default:"1048576"`
}

// Config holds application configuration
type Config struct {
	LogLevel   logrus.Level
	Backend    string `default:"sim"`
	Adapter    string `default:"hci0"`
	SocketPath string `default:"/tmp/btsvc.sock"`

	Bridge    BridgeConfig
	SPP       SPPConfig
	HFP       HFPConfig
	Transport TransportConfig
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// fileConfig is the on-disk layout.
type fileConfig struct {
	LogLevel   string `toml:"log_level"`
	Backend    string `toml:"backend"`
	Adapter    string `toml:"adapter"`
	SocketPath string `toml:"socket_path"`

	Bridge struct {
		Enabled          bool   `toml:"enabled"`
		Dir              string `toml:"dir"`
		Mode             string `toml:"mode"`
		PreConnectBuffer int    `toml:"pre_connect_buffer"`
		ReadChunk        int    `toml:"read_chunk"`
		RetryInterval    string `toml:"retry_interval"`
		MaxRetries       int    `toml:"max_retries"`
	} `toml:"bridge"`

	SPP struct {
		ReadTimeoutUnit string `toml:"read_timeout_unit"`
	} `toml:"spp"`

	HFP struct {
		RingInterval string `toml:"ring_interval"`
	} `toml:"hfp"`

	Transport struct {
		OutboxSize uint32 `toml:"outbox_size"`
		MaxFrame   int    `toml:"max_frame"`
	} `toml:"transport"`
}

// Load reads path over the defaults. Keys the file does not define keep their
// default value. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("log_level") {
		lvl, err := logrus.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("backend") {
		cfg.Backend = strings.TrimSpace(raw.Backend)
	}
	if meta.IsDefined("adapter") {
		cfg.Adapter = strings.TrimSpace(raw.Adapter)
	}
	if meta.IsDefined("socket_path") {
		cfg.SocketPath = strings.TrimSpace(raw.SocketPath)
	}

	if meta.IsDefined("bridge", "enabled") {
		cfg.Bridge.Enabled = raw.Bridge.Enabled
	}
	if meta.IsDefined("bridge", "dir") {
		cfg.Bridge.Dir = strings.TrimSpace(raw.Bridge.Dir)
	}
	if meta.IsDefined("bridge", "mode") {
		cfg.Bridge.Mode = strings.TrimSpace(raw.Bridge.Mode)
	}
	if meta.IsDefined("bridge", "pre_connect_buffer") {
		cfg.Bridge.PreConnectBuffer = raw.Bridge.PreConnectBuffer
	}
	if meta.IsDefined("bridge", "read_chunk") {
		cfg.Bridge.ReadChunk = raw.Bridge.ReadChunk
	}
	if meta.IsDefined("bridge", "max_retries") {
		cfg.Bridge.MaxRetries = raw.Bridge.MaxRetries
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"bridge", "retry_interval"}, raw.Bridge.RetryInterval, &cfg.Bridge.RetryInterval},
		{[]string{"spp", "read_timeout_unit"}, raw.SPP.ReadTimeoutUnit, &cfg.SPP.ReadTimeoutUnit},
		{[]string{"hfp", "ring_interval"}, raw.HFP.RingInterval, &cfg.HFP.RingInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return nil, fmt.Errorf("load config: %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("transport", "outbox_size") {
		cfg.Transport.OutboxSize = raw.Transport.OutboxSize
	}
	if meta.IsDefined("transport", "max_frame") {
		cfg.Transport.MaxFrame = raw.Transport.MaxFrame
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values no component can work with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSim, BackendBlueZ, BackendGoBLE:
	default:
		return fmt.Errorf("config: unsupported backend %q (expected sim, bluez or goble)", c.Backend)
	}
	switch c.Bridge.Mode {
	case "socket", "pty":
	default:
		return fmt.Errorf("config: unsupported bridge mode %q (expected socket or pty)", c.Bridge.Mode)
	}
	if c.SocketPath == "" {
		return fmt.Errorf("config: socket_path must not be empty")
	}
	if c.Bridge.PreConnectBuffer <= 0 || c.Bridge.ReadChunk <= 0 {
		return fmt.Errorf("config: bridge buffer sizes must be positive")
	}
	if c.HFP.RingInterval <= 0 || c.SPP.ReadTimeoutUnit <= 0 || c.Bridge.RetryInterval <= 0 {
		return fmt.Errorf("config: intervals must be positive")
	}
	return nil
}

// BridgeOptions converts the [bridge] section.
func (c *Config) BridgeOptions() bridge.Options {
	o := bridge.DefaultOptions()
	o.Dir = c.Bridge.Dir
	o.Mode = bridge.Mode(c.Bridge.Mode)
	o.PreConnectBufferSize = c.Bridge.PreConnectBuffer
	o.ReadChunkSize = c.Bridge.ReadChunk
	o.RetryInterval = c.Bridge.RetryInterval
	o.MaxRetries = c.Bridge.MaxRetries
	return o
}

func (c *Config) SPPOptions() spp.Options {
	return spp.Options{
		Mux:           mux.Options{ReadTimeoutUnit: c.SPP.ReadTimeoutUnit},
		BridgeEnabled: c.Bridge.Enabled,
		Bridge:        c.BridgeOptions(),
	}
}

func (c *Config) HFPOptions() hfp.Options {
	return hfp.Options{RingInterval: c.HFP.RingInterval}
}

func (c *Config) TransportOptions() sockettransport.Options {
	return sockettransport.Options{OutboxSize: c.Transport.OutboxSize, MaxFrame: c.Transport.MaxFrame}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
