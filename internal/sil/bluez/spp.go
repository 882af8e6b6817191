package bluez

import (
	"context"
	"net"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/groutine"
	"github.com/srg/btsvc/internal/sil"
)

const readChunk = 1024

// SPP implements sil.SPP with RFCOMM sockets obtained through Profile1.
type SPP struct {
	b *Backend

	mu       sync.Mutex
	observer sil.SPPObserver
	servers  map[string]*profile1
	clients  map[string]*profile1
	channels map[sil.ChannelID]*rfcomm
	nextID   sil.ChannelID
}

type rfcomm struct {
	id      sil.ChannelID
	address string
	uuid    string
	conn    net.Conn
}

var _ sil.SPP = (*SPP)(nil)

func newSPP(b *Backend) *SPP {
	return &SPP{
		b:        b,
		servers:  make(map[string]*profile1),
		clients:  make(map[string]*profile1),
		channels: make(map[sil.ChannelID]*rfcomm),
		nextID:   1,
	}
}

func (s *SPP) Connect(address string, cb sil.ResultFunc)    { s.b.connect(address, cb) }
func (s *SPP) Disconnect(address string, cb sil.ResultFunc) { s.b.disconnect(address, cb) }

func (s *SPP) GetProperty(address string, typ sil.PropertyType, cb sil.PropertyFunc) {
	s.b.getProperty(address, typ, cb)
}

func (s *SPP) AdapterAddress() string { return s.b.adapterAddr }

func (s *SPP) SetObserver(o sil.SPPObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

func (s *SPP) obs() sil.SPPObserver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

func (s *SPP) propertiesChanged(address string, props []sil.Property) {
	if o := s.obs(); o != nil {
		o.PropertiesChanged(address, props)
	}
}

// CreateChannel registers a server profile so remote devices can connect to
// uuid.
func (s *SPP) CreateChannel(name, uuid string) error {
	s.mu.Lock()
	if _, ok := s.servers[uuid]; ok {
		s.mu.Unlock()
		return &sil.Error{Code: codeAlreadyConnected, Text: "channel already advertised"}
	}
	p := &profile1{}
	s.servers[uuid] = p
	s.mu.Unlock()

	p.onConnect = func(address string, conn net.Conn) { s.attach(address, p.uuid, conn) }
	p.onRelease = func(address string) { s.release(address, p.uuid) }
	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(name),
		"Role":                  dbus.MakeVariant("server"),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	if err := s.b.registerProfile("spp", uuid, opts, p); err != nil {
		s.mu.Lock()
		delete(s.servers, uuid)
		s.mu.Unlock()
		return err
	}
	s.b.logger.WithFields(logrus.Fields{"uuid": uuid, "name": name}).Info("SPP server profile registered")
	return nil
}

// RemoveChannel stops advertising uuid. Open channels stay up.
func (s *SPP) RemoveChannel(uuid string) error {
	s.mu.Lock()
	p, ok := s.servers[uuid]
	delete(s.servers, uuid)
	s.mu.Unlock()
	if !ok {
		return &sil.Error{Code: codeDoesNotExist, Text: "channel not advertised"}
	}
	s.b.unregisterProfile(p)
	return nil
}

// ConnectUUID asks BlueZ to open uuid on address. The channel is reported
// through the observer when BlueZ hands over the socket.
func (s *SPP) ConnectUUID(address, uuid string, cb sil.ResultFunc) {
	s.mu.Lock()
	p, ok := s.clients[uuid]
	if !ok {
		p = &profile1{}
		s.clients[uuid] = p
	}
	s.mu.Unlock()

	if !ok {
		p.onConnect = func(address string, conn net.Conn) { s.attach(address, p.uuid, conn) }
		p.onRelease = func(address string) { s.release(address, p.uuid) }
		opts := map[string]dbus.Variant{"Role": dbus.MakeVariant("client")}
		if err := s.b.registerProfile("spp-client", uuid, opts, p); err != nil {
			s.mu.Lock()
			delete(s.clients, uuid)
			s.mu.Unlock()
			cb(err)
			return
		}
	}

	s.b.async("bluez-connect-profile", func() {
		cb(stackError(s.b.device(address).Call(deviceIface+".ConnectProfile", 0, uuid).Err))
	})
}

func (s *SPP) DisconnectUUID(id sil.ChannelID, cb sil.ResultFunc) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	s.mu.Unlock()
	if !ok {
		cb(&sil.Error{Code: codeNotConnected, Text: "channel not connected"})
		return
	}
	s.b.async("bluez-disconnect-uuid", func() {
		if err := ch.conn.Close(); err != nil {
			cb(&sil.Error{Code: codeFailed, Text: err.Error()})
			return
		}
		cb(nil)
	})
}

func (s *SPP) GetChannelState(address, uuid string, cb sil.ChannelStateFunc) {
	s.mu.Lock()
	var (
		id        sil.ChannelID
		connected bool
	)
	for _, ch := range s.channels {
		if ch.address == address && ch.uuid == uuid {
			id, connected = ch.id, true
			break
		}
	}
	s.mu.Unlock()
	s.b.async("bluez-channel-state", func() { cb(connected, id, nil) })
}

func (s *SPP) WriteData(id sil.ChannelID, data []byte, cb sil.ResultFunc) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	s.mu.Unlock()
	if !ok {
		cb(&sil.Error{Code: codeNotConnected, Text: "channel not connected"})
		return
	}
	buf := append([]byte(nil), data...)
	s.b.async("bluez-write", func() {
		if _, err := ch.conn.Write(buf); err != nil {
			cb(&sil.Error{Code: codeFailed, Text: err.Error()})
			return
		}
		cb(nil)
	})
}

// attach registers a socket handed over by BlueZ and starts its reader.
func (s *SPP) attach(address, uuid string, conn net.Conn) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := &rfcomm{id: id, address: address, uuid: uuid, conn: conn}
	s.channels[id] = ch
	o := s.observer
	s.mu.Unlock()

	s.b.logger.WithFields(logrus.Fields{"address": address, "uuid": uuid, "stack_channel_id": id}).Info("RFCOMM channel connected")
	if o != nil {
		o.ChannelStateChanged(s.b.adapterAddr, address, uuid, id, true)
	}
	groutine.Go(context.Background(), "bluez-rfcomm-read", func(context.Context) {
		s.readLoop(ch)
	})
}

func (s *SPP) readLoop(ch *rfcomm) {
	buf := make([]byte, readChunk)
	for {
		n, err := ch.conn.Read(buf)
		if n > 0 {
			if o := s.obs(); o != nil {
				o.DataReceived(ch.id, append([]byte(nil), buf[:n]...))
			}
		}
		if err != nil {
			break
		}
	}
	_ = ch.conn.Close()

	s.mu.Lock()
	_, ok := s.channels[ch.id]
	delete(s.channels, ch.id)
	o := s.observer
	s.mu.Unlock()

	if ok && o != nil {
		o.ChannelStateChanged(s.b.adapterAddr, ch.address, ch.uuid, ch.id, false)
	}
}

// release closes the channels of address on uuid; their readers report the
// disconnect.
func (s *SPP) release(address, uuid string) {
	s.mu.Lock()
	var conns []net.Conn
	for _, ch := range s.channels {
		if ch.address == address && ch.uuid == uuid {
			conns = append(conns, ch.conn)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *SPP) close() {
	s.mu.Lock()
	profiles := make([]*profile1, 0, len(s.servers)+len(s.clients))
	for _, p := range s.servers {
		profiles = append(profiles, p)
	}
	for _, p := range s.clients {
		profiles = append(profiles, p)
	}
	s.servers = make(map[string]*profile1)
	s.clients = make(map[string]*profile1)
	conns := make([]net.Conn, 0, len(s.channels))
	for _, ch := range s.channels {
		conns = append(conns, ch.conn)
	}
	s.mu.Unlock()

	for _, p := range profiles {
		s.b.unregisterProfile(p)
	}
	for _, c := range conns {
		_ = c.Close()
	}
}
