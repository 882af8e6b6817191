// Package bluez drives the Linux BlueZ daemon over the system D-Bus.
//
// Device connections use org.bluez.Device1; serial port and hands-free
// channels are RFCOMM sockets handed over by BlueZ to org.bluez.Profile1
// objects this package exports. Every blocking D-Bus call runs on its own
// goroutine and reports through the sil callback.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/groutine"
	"github.com/srg/btsvc/internal/sil"
)

const (
	bluezService        = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	propsIface          = "org.freedesktop.DBus.Properties"

	objectRoot = "/org/btsvc"
)

// Options configures the backend.
type Options struct {
	// Adapter is the controller name, e.g. hci0.
	Adapter string `default:"hci0"`
}

// Backend implements sil.Backend on BlueZ.
type Backend struct {
	logger *logrus.Logger
	opts   Options

	bus         *dbus.Conn
	adapterPath dbus.ObjectPath
	adapterAddr string

	signals chan *dbus.Signal
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	spp *SPP
	hfp *HFP

	closeOnce sync.Once
}

var _ sil.Backend = (*Backend)(nil)

// New connects to the system bus and resolves the adapter.
func New(logger *logrus.Logger, opts Options) (*Backend, error) {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	b := &Backend{
		logger:      logger,
		opts:        opts,
		bus:         bus,
		adapterPath: dbus.ObjectPath("/org/bluez/" + opts.Adapter),
	}

	v, err := b.bus.Object(bluezService, b.adapterPath).GetProperty(adapterIface + ".Address")
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("bluez: adapter %s: %w", opts.Adapter, err)
	}
	b.adapterAddr, _ = v.Value().(string)

	b.spp = newSPP(b)
	b.hfp = newHFP(b)

	if err := b.watchProperties(); err != nil {
		_ = bus.Close()
		return nil, err
	}
	b.logger.WithFields(logrus.Fields{"adapter": opts.Adapter, "address": b.adapterAddr}).Info("BlueZ backend ready")
	return b, nil
}

func (b *Backend) SPP() sil.SPP { return b.spp }
func (b *Backend) HFP() sil.HFP { return b.hfp }

// Close unregisters every exported profile and closes the bus connection.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.spp.close()
		b.hfp.close()
		if b.cancel != nil {
			b.cancel()
		}
		b.bus.RemoveSignal(b.signals)
		err = b.bus.Close()
		b.wg.Wait()
	})
	return err
}

// watchProperties forwards Device1 property changes to the observers.
func (b *Backend) watchProperties() error {
	if err := b.bus.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, deviceIface),
	); err != nil {
		return fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}

	b.signals = make(chan *dbus.Signal, 64)
	b.bus.Signal(b.signals)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	groutine.Go(ctx, "bluez-signals", func(ctx context.Context) {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-b.signals:
				if !ok {
					return
				}
				b.handleSignal(sig)
			}
		}
	})
	return nil
}

func (b *Backend) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	if iface, _ := sig.Body[0].(string); iface != deviceIface {
		return
	}
	if !strings.HasPrefix(string(sig.Path), string(b.adapterPath)+"/") {
		return
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	props := propertiesFrom(changed)
	if len(props) == 0 {
		return
	}

	address := addressFromPath(sig.Path)
	b.spp.propertiesChanged(address, props)
	b.hfp.propertiesChanged(address, props)
}

// propertiesFrom converts the Device1 properties we track.
func propertiesFrom(changed map[string]dbus.Variant) []sil.Property {
	var props []sil.Property
	for name, v := range changed {
		switch name {
		case "Connected":
			props = append(props, sil.Property{Type: sil.PropertyConnected, Value: v.Value()})
		case "Paired":
			props = append(props, sil.Property{Type: sil.PropertyPaired, Value: v.Value()})
		case "Alias":
			props = append(props, sil.Property{Type: sil.PropertyName, Value: v.Value()})
		case "RSSI":
			if rssi, ok := v.Value().(int16); ok {
				props = append(props, sil.Property{Type: sil.PropertyRSSI, Value: int(rssi)})
			}
		}
	}
	return props
}

func (b *Backend) device(address string) dbus.BusObject {
	return b.bus.Object(bluezService, devicePath(b.adapterPath, address))
}

// async runs fn off the caller's goroutine.
func (b *Backend) async(name string, fn func()) {
	groutine.GoSafe(context.Background(), name, b.logger, func(context.Context) { fn() })
}

func (b *Backend) connect(address string, cb sil.ResultFunc) {
	b.async("bluez-connect", func() {
		cb(stackError(b.device(address).Call(deviceIface+".Connect", 0).Err))
	})
}

func (b *Backend) disconnect(address string, cb sil.ResultFunc) {
	b.async("bluez-disconnect", func() {
		cb(stackError(b.device(address).Call(deviceIface+".Disconnect", 0).Err))
	})
}

func (b *Backend) getProperty(address string, typ sil.PropertyType, cb sil.PropertyFunc) {
	name := ""
	switch typ {
	case sil.PropertyConnected:
		name = "Connected"
	case sil.PropertyPaired:
		name = "Paired"
	case sil.PropertyName:
		name = "Alias"
	case sil.PropertyRSSI:
		name = "RSSI"
	default:
		cb(sil.Property{Type: typ}, &sil.Error{Code: codeInvalidArguments, Text: "unsupported property " + typ.String()})
		return
	}

	b.async("bluez-get-property", func() {
		v, err := b.device(address).GetProperty(deviceIface + "." + name)
		if err != nil {
			cb(sil.Property{Type: typ}, stackError(err))
			return
		}
		val := v.Value()
		if rssi, ok := val.(int16); ok {
			val = int(rssi)
		}
		cb(sil.Property{Type: typ, Value: val}, nil)
	})
}

// BlueZ error names mapped onto stack codes.
const (
	codeFailed               = 1
	codeNotReady             = 2
	codeInProgress           = 3
	codeAlreadyConnected     = 4
	codeNotConnected         = 5
	codeDoesNotExist         = 6
	codeInvalidArguments     = 7
	codeNotAvailable         = 8
	codeNotSupported         = 9
	codeAuthenticationFailed = 10
	codeRejected             = 11
)

var errorCodes = map[string]int{
	"org.bluez.Error.Failed":               codeFailed,
	"org.bluez.Error.NotReady":             codeNotReady,
	"org.bluez.Error.InProgress":           codeInProgress,
	"org.bluez.Error.AlreadyConnected":     codeAlreadyConnected,
	"org.bluez.Error.NotConnected":         codeNotConnected,
	"org.bluez.Error.DoesNotExist":         codeDoesNotExist,
	"org.bluez.Error.InvalidArguments":     codeInvalidArguments,
	"org.bluez.Error.NotAvailable":         codeNotAvailable,
	"org.bluez.Error.NotSupported":         codeNotSupported,
	"org.bluez.Error.AuthenticationFailed": codeAuthenticationFailed,
	"org.bluez.Error.Rejected":             codeRejected,
}

// stackError converts a D-Bus failure into a sil.Error carrying BlueZ's text.
func stackError(err error) error {
	if err == nil {
		return nil
	}
	var derr dbus.Error
	if errors.As(err, &derr) {
		code, ok := errorCodes[derr.Name]
		if !ok {
			code = codeFailed
		}
		text := derr.Name
		if len(derr.Body) > 0 {
			if s, ok := derr.Body[0].(string); ok && s != "" {
				text = s
			}
		}
		return &sil.Error{Code: code, Text: text}
	}
	var perr *dbus.Error
	if errors.As(err, &perr) {
		return stackError(*perr)
	}
	return &sil.Error{Code: codeFailed, Text: err.Error()}
}

// devicePath maps aa:bb:cc:dd:ee:ff to <adapter>/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ToUpper(strings.ReplaceAll(address, ":", "_")))
}

// addressFromPath is the inverse of devicePath. Addresses are lowercase.
func addressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(s[idx+5:], "_", ":"))
}
