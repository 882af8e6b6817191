// Package goble exposes BLE devices that carry a UART-style GATT service,
// such as the Nordic UART Service, as serial port channels. It drives the
// host through go-ble and only supports the client role: channels are opened
// with ConnectUUID and cannot be advertised.
package goble

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/groutine"
	"github.com/srg/btsvc/internal/sil"
)

// Options configures the backend.
type Options struct {
	ConnectTimeout time.Duration `default:"10s"`
	// WriteChunk bounds a single characteristic write. Larger payloads are
	// split.
	WriteChunk int `default:"20"`
	// AdapterAddress is reported to observers; go-ble does not expose it.
	AdapterAddress string `default:"00:00:00:00:00:00"`
}

// DeviceFactory creates the host device. Tests replace it.
var DeviceFactory = newDevice

// gattClient is the part of ble.Client the backend uses.
type gattClient interface {
	Name() string
	ReadRSSI() int
	DiscoverProfile(force bool) (*ble.Profile, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// dialFunc opens a GATT connection to address.
type dialFunc func(ctx context.Context, address string) (gattClient, error)

// Backend implements sil.Backend on go-ble.
type Backend struct {
	logger *logrus.Logger
	opts   Options
	dial   dialFunc
	spp    *SPP

	closeOnce sync.Once
}

var _ sil.Backend = (*Backend)(nil)

// New opens the host device through DeviceFactory.
func New(logger *logrus.Logger, opts Options) (*Backend, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, stackError(err)
	}
	dial := func(ctx context.Context, address string) (gattClient, error) {
		return dev.Dial(ctx, ble.NewAddr(address))
	}
	return newBackend(logger, opts, dial), nil
}

func newBackend(logger *logrus.Logger, opts Options, dial dialFunc) *Backend {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	b := &Backend{logger: logger, opts: opts, dial: dial}
	b.spp = newSPP(b)
	return b
}

func (b *Backend) SPP() sil.SPP { return b.spp }

// HFP is not available over BLE.
func (b *Backend) HFP() sil.HFP { return nil }

// Close drops every open connection.
func (b *Backend) Close() error {
	b.closeOnce.Do(b.spp.close)
	return nil
}

func (b *Backend) async(name string, fn func()) {
	groutine.GoSafe(context.Background(), name, b.logger, func(context.Context) { fn() })
}

// Stack codes reported by this backend.
const (
	codeFailed           = 1
	codeBluetoothOff     = 2
	codeAlreadyConnected = 4
	codeNotConnected     = 5
	codeDoesNotExist     = 6
	codeInvalidArguments = 7
	codeNotSupported     = 9
	codeTimeout          = 12
)

// stackError maps go-ble failures onto sil errors. go-ble only reports
// strings, so the mapping goes by message.
func stackError(err error) error {
	if err == nil {
		return nil
	}
	if serr, ok := err.(*sil.Error); ok {
		return serr
	}
	msg := err.Error()
	code := codeFailed
	switch {
	case strings.Contains(msg, "have=4 want=5"), containsIgnoreCase(msg, "bluetooth is turned off"):
		code = codeBluetoothOff
	case containsIgnoreCase(msg, "already connected"):
		code = codeAlreadyConnected
	case containsIgnoreCase(msg, "not connected"), containsIgnoreCase(msg, "disconnected"):
		code = codeNotConnected
	case containsIgnoreCase(msg, "deadline exceeded"), containsIgnoreCase(msg, "timeout"):
		code = codeTimeout
	}
	return &sil.Error{Code: code, Text: msg}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
