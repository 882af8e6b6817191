package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btsvc.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, BackendSim, cfg.Backend)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, "/tmp/btsvc.sock", cfg.SocketPath)
	assert.False(t, cfg.Bridge.Enabled)
	assert.Equal(t, "/tmp/btsvc", cfg.Bridge.Dir)
	assert.Equal(t, "socket", cfg.Bridge.Mode)
	assert.Equal(t, 5120, cfg.Bridge.PreConnectBuffer)
	assert.Equal(t, 1024, cfg.Bridge.ReadChunk)
	assert.Equal(t, 10*time.Millisecond, cfg.Bridge.RetryInterval)
	assert.Equal(t, 1000, cfg.Bridge.MaxRetries)
	assert.Equal(t, time.Second, cfg.SPP.ReadTimeoutUnit)
	assert.Equal(t, 3*time.Second, cfg.HFP.RingInterval)
	assert.Equal(t, uint32(1024), cfg.Transport.OutboxSize)
	assert.Equal(t, 1<<20, cfg.Transport.MaxFrame)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: logrus.DebugLevel,
		},
		{
			name:     "creates logger with info level",
			logLevel: logrus.InfoLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: logrus.WarnLevel,
		},
		{
			name:     "creates logger with error level",
			logLevel: logrus.ErrorLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverlaysDefinedKeys(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
backend = "bluez"

[bridge]
enabled = true
mode = "pty"
retry_interval = "25ms"

[spp]
read_timeout_unit = "250ms"

[transport]
outbox_size = 64
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, BackendBlueZ, cfg.Backend)
	assert.True(t, cfg.Bridge.Enabled)
	assert.Equal(t, "pty", cfg.Bridge.Mode)
	assert.Equal(t, 25*time.Millisecond, cfg.Bridge.RetryInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.SPP.ReadTimeoutUnit)
	assert.Equal(t, uint32(64), cfg.Transport.OutboxSize)

	// Keys the file leaves out MUST keep their defaults
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, "/tmp/btsvc", cfg.Bridge.Dir)
	assert.Equal(t, 5120, cfg.Bridge.PreConnectBuffer)
	assert.Equal(t, 3*time.Second, cfg.HFP.RingInterval)
	assert.Equal(t, 1<<20, cfg.Transport.MaxFrame)

	// An explicit false MUST be honoured
	path = writeConfig(t, "[bridge]\nenabled = false\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Bridge.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "bad log level", body: `log_level = "loud"`, wantErr: "not a valid logrus Level"},
		{name: "unknown backend", body: `backend = "usb"`, wantErr: "unsupported backend"},
		{name: "unknown bridge mode", body: "[bridge]\nmode = \"tty\"", wantErr: "unsupported bridge mode"},
		{name: "bad duration", body: "[hfp]\nring_interval = \"soon\"", wantErr: "hfp.ring_interval"},
		{name: "non-positive interval", body: "[spp]\nread_timeout_unit = \"0s\"", wantErr: "intervals must be positive"},
		{name: "unknown key", body: "[bridge]\nspeed = 9600", wantErr: "unknown key"},
		{name: "syntax", body: "backend = ", wantErr: "load config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err, "missing file MUST fail")
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bridge.Enabled = true
	cfg.Bridge.Mode = "pty"
	cfg.Bridge.Dir = "/run/btsvc"
	cfg.SPP.ReadTimeoutUnit = 50 * time.Millisecond
	cfg.HFP.RingInterval = time.Second

	bo := cfg.BridgeOptions()
	assert.Equal(t, bridge.ModePTY, bo.Mode)
	assert.Equal(t, "/run/btsvc", bo.Dir)
	assert.Equal(t, bridge.DefaultOptions().PollTimeout, bo.PollTimeout, "unconfigured bridge fields MUST keep defaults")

	so := cfg.SPPOptions()
	assert.True(t, so.BridgeEnabled)
	assert.Equal(t, 50*time.Millisecond, so.Mux.ReadTimeoutUnit)
	assert.Equal(t, bo, so.Bridge)

	assert.Equal(t, time.Second, cfg.HFPOptions().RingInterval)
	assert.Equal(t, uint32(1024), cfg.TransportOptions().OutboxSize)
}
