package bluez

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

var profileCounter atomic.Uint64

// profile1 is an exported org.bluez.Profile1 object. BlueZ calls
// NewConnection with a connected RFCOMM socket.
type profile1 struct {
	path       dbus.ObjectPath
	uuid       string
	onConnect  func(address string, conn net.Conn)
	onRelease  func(address string)
	registered bool
}

func (p *profile1) Release() *dbus.Error { return nil }

func (p *profile1) Cancel() *dbus.Error { return nil }

func (p *profile1) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f := os.NewFile(uintptr(fd), "rfcomm")
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	p.onConnect(addressFromPath(dev), conn)
	return nil
}

func (p *profile1) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	if p.onRelease != nil {
		p.onRelease(addressFromPath(dev))
	}
	return nil
}

// registerProfile exports p and registers it with the profile manager.
func (b *Backend) registerProfile(kind, uuid string, opts map[string]dbus.Variant, p *profile1) error {
	p.uuid = uuid
	p.path = dbus.ObjectPath(fmt.Sprintf("%s/%s/p%d", objectRoot, kind, profileCounter.Add(1)))
	if err := b.bus.Export(p, p.path, profileIface); err != nil {
		return fmt.Errorf("bluez: export profile: %w", err)
	}
	pm := b.bus.Object(bluezService, "/org/bluez")
	if err := pm.Call(profileManagerIface+".RegisterProfile", 0, p.path, uuid, opts).Err; err != nil {
		_ = b.bus.Export(nil, p.path, profileIface)
		return stackError(err)
	}
	p.registered = true
	return nil
}

func (b *Backend) unregisterProfile(p *profile1) {
	if !p.registered {
		return
	}
	p.registered = false
	pm := b.bus.Object(bluezService, "/org/bluez")
	_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, p.path).Err
	_ = b.bus.Export(nil, p.path, profileIface)
}
