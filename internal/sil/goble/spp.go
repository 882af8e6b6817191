package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/groutine"
	"github.com/srg/btsvc/internal/sil"
)

// SPP implements sil.SPP over GATT. A channel is a service with one notify
// characteristic carrying device-to-host data and one write characteristic
// carrying host-to-device data.
type SPP struct {
	b *Backend

	mu       sync.Mutex
	observer sil.SPPObserver
	links    map[string]*link
	channels map[sil.ChannelID]*gattChannel
	nextID   sil.ChannelID
}

type link struct {
	address string
	client  gattClient
}

type gattChannel struct {
	id      sil.ChannelID
	address string
	uuid    string
	link    *link
	tx      *ble.Characteristic
	rx      *ble.Characteristic
}

var _ sil.SPP = (*SPP)(nil)

func newSPP(b *Backend) *SPP {
	return &SPP{
		b:        b,
		links:    make(map[string]*link),
		channels: make(map[sil.ChannelID]*gattChannel),
		nextID:   1,
	}
}

func (s *SPP) AdapterAddress() string { return s.b.opts.AdapterAddress }

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

func (s *SPP) Connect(address string, cb sil.ResultFunc) {
	s.b.async("goble-connect", func() {
		s.mu.Lock()
		_, ok := s.links[address]
		s.mu.Unlock()
		if ok {
			cb(&sil.Error{Code: codeAlreadyConnected, Text: "device already connected"})
			return
		}
		_, err := s.ensureLink(address)
		cb(err)
	})
}

func (s *SPP) Disconnect(address string, cb sil.ResultFunc) {
	s.mu.Lock()
	l, ok := s.links[address]
	s.mu.Unlock()
	if !ok {
		cb(&sil.Error{Code: codeNotConnected, Text: "device not connected"})
		return
	}
	s.b.async("goble-disconnect", func() {
		err := l.client.CancelConnection()
		s.dropLink(l)
		cb(stackError(err))
	})
}

func (s *SPP) GetProperty(address string, typ sil.PropertyType, cb sil.PropertyFunc) {
	s.mu.Lock()
	l, ok := s.links[address]
	s.mu.Unlock()

	s.b.async("goble-get-property", func() {
		switch typ {
		case sil.PropertyConnected:
			cb(sil.Property{Type: typ, Value: ok}, nil)
		case sil.PropertyName, sil.PropertyRSSI:
			if !ok {
				cb(sil.Property{Type: typ}, &sil.Error{Code: codeNotConnected, Text: "device not connected"})
				return
			}
			if typ == sil.PropertyName {
				cb(sil.Property{Type: typ, Value: l.client.Name()}, nil)
				return
			}
			cb(sil.Property{Type: typ, Value: l.client.ReadRSSI()}, nil)
		default:
			cb(sil.Property{Type: typ}, &sil.Error{Code: codeNotSupported, Text: "unsupported property " + typ.String()})
		}
	})
}

// CreateChannel is not available: go-ble peripherals are out of scope.
func (s *SPP) CreateChannel(name, uuid string) error {
	return &sil.Error{Code: codeNotSupported, Text: "server channels not supported over BLE"}
}

func (s *SPP) RemoveChannel(uuid string) error {
	return &sil.Error{Code: codeNotSupported, Text: "server channels not supported over BLE"}
}

// ConnectUUID connects to address if needed, discovers uuid and subscribes to
// its notify characteristic.
func (s *SPP) ConnectUUID(address, uuid string, cb sil.ResultFunc) {
	s.b.async("goble-connect-uuid", func() {
		ch, err := s.openChannel(address, uuid)
		if err != nil {
			cb(err)
			return
		}
		s.b.logger.WithFields(logrus.Fields{"address": address, "uuid": uuid, "stack_channel_id": ch.id}).Info("GATT channel connected")
		if o := s.obs(); o != nil {
			o.ChannelStateChanged(s.AdapterAddress(), address, uuid, ch.id, true)
		}
		cb(nil)
	})
}

func (s *SPP) openChannel(address, uuid string) (*gattChannel, error) {
	target, err := ble.Parse(uuid)
	if err != nil {
		return nil, &sil.Error{Code: codeInvalidArguments, Text: err.Error()}
	}
	l, err := s.ensureLink(address)
	if err != nil {
		return nil, err
	}
	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		return nil, stackError(err)
	}
	tx, rx := findUART(profile, target)
	if tx == nil || rx == nil {
		return nil, &sil.Error{Code: codeDoesNotExist, Text: "service " + uuid + " not found"}
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	ch := &gattChannel{id: id, address: address, uuid: uuid, link: l, tx: tx, rx: rx}
	err = l.client.Subscribe(tx, indicates(tx), func(data []byte) {
		if o := s.obs(); o != nil {
			o.DataReceived(id, append([]byte(nil), data...))
		}
	})
	if err != nil {
		return nil, stackError(err)
	}

	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()
	return ch, nil
}

func (s *SPP) DisconnectUUID(id sil.ChannelID, cb sil.ResultFunc) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	delete(s.channels, id)
	s.mu.Unlock()
	if !ok {
		cb(&sil.Error{Code: codeNotConnected, Text: "channel not connected"})
		return
	}
	s.b.async("goble-disconnect-uuid", func() {
		err := ch.link.client.Unsubscribe(ch.tx, indicates(ch.tx))
		if o := s.obs(); o != nil {
			o.ChannelStateChanged(s.AdapterAddress(), ch.address, ch.uuid, ch.id, false)
		}
		cb(stackError(err))
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
	s.b.async("goble-channel-state", func() { cb(connected, id, nil) })
}

// WriteData writes data to the channel's write characteristic in chunks.
func (s *SPP) WriteData(id sil.ChannelID, data []byte, cb sil.ResultFunc) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	s.mu.Unlock()
	if !ok {
		cb(&sil.Error{Code: codeNotConnected, Text: "channel not connected"})
		return
	}
	buf := append([]byte(nil), data...)
	noRsp := ch.rx.Property&ble.CharWrite == 0
	chunk := s.b.opts.WriteChunk
	s.b.async("goble-write", func() {
		for len(buf) > 0 {
			n := min(chunk, len(buf))
			if err := ch.link.client.WriteCharacteristic(ch.rx, buf[:n], noRsp); err != nil {
				cb(stackError(err))
				return
			}
			buf = buf[n:]
		}
		cb(nil)
	})
}

// ensureLink returns the connection to address, dialing it when missing.
func (s *SPP) ensureLink(address string) (*link, error) {
	s.mu.Lock()
	l, ok := s.links[address]
	s.mu.Unlock()
	if ok {
		return l, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.b.opts.ConnectTimeout)
	defer cancel()
	client, err := s.b.dial(ctx, address)
	if err != nil {
		return nil, stackError(err)
	}

	l = &link{address: address, client: client}
	s.mu.Lock()
	if existing, ok := s.links[address]; ok {
		s.mu.Unlock()
		_ = client.CancelConnection()
		return existing, nil
	}
	s.links[address] = l
	s.mu.Unlock()

	s.b.logger.WithField("address", address).Info("BLE device connected")
	if o := s.obs(); o != nil {
		o.PropertiesChanged(address, []sil.Property{{Type: sil.PropertyConnected, Value: true}})
	}
	s.monitor(l)
	return l, nil
}

// monitor reports the link down when the client signals a disconnect.
func (s *SPP) monitor(l *link) {
	dc, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		return
	}
	groutine.Go(context.Background(), "goble-monitor", func(context.Context) {
		<-dc.Disconnected()
		s.dropLink(l)
	})
}

// dropLink forgets l and its channels, reporting each once.
func (s *SPP) dropLink(l *link) {
	s.mu.Lock()
	if s.links[l.address] != l {
		s.mu.Unlock()
		return
	}
	delete(s.links, l.address)
	var closed []*gattChannel
	for id, ch := range s.channels {
		if ch.link == l {
			closed = append(closed, ch)
			delete(s.channels, id)
		}
	}
	o := s.observer
	s.mu.Unlock()

	s.b.logger.WithField("address", l.address).Info("BLE device disconnected")
	if o == nil {
		return
	}
	for _, ch := range closed {
		o.ChannelStateChanged(s.AdapterAddress(), ch.address, ch.uuid, ch.id, false)
	}
	o.PropertiesChanged(l.address, []sil.Property{{Type: sil.PropertyConnected, Value: false}})
}

func (s *SPP) close() {
	s.mu.Lock()
	links := make([]*link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		_ = l.client.CancelConnection()
		s.dropLink(l)
	}
}

// findUART picks the notify and write characteristics of service target.
func findUART(p *ble.Profile, target ble.UUID) (tx, rx *ble.Characteristic) {
	if p == nil {
		return nil, nil
	}
	for _, svc := range p.Services {
		if !svc.UUID.Equal(target) {
			continue
		}
		for _, c := range svc.Characteristics {
			if tx == nil && c.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
				tx = c
			}
			if rx == nil && c.Property&(ble.CharWrite|ble.CharWriteNR) != 0 {
				rx = c
			}
		}
	}
	return tx, rx
}

func indicates(c *ble.Characteristic) bool {
	return c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
}
