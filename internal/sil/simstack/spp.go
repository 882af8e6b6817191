package simstack

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/sil"
)

type simChannel struct {
	address string
	uuid    string
}

// SPP is the simulated serial port profile.
type SPP struct {
	connectedSet

	chMu     sync.Mutex
	servers  map[string]string // uuid -> service name
	channels map[sil.ChannelID]*simChannel
	written  map[sil.ChannelID][][]byte
	nextID   sil.ChannelID

	obsMu sync.RWMutex
	obs   sil.SPPObserver
}

var _ sil.SPP = (*SPP)(nil)

func (p *SPP) observer() sil.SPPObserver {
	p.obsMu.RLock()
	defer p.obsMu.RUnlock()
	return p.obs
}

func (p *SPP) SetObserver(o sil.SPPObserver) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.obs = o
}

func (p *SPP) AdapterAddress() string {
	return p.stack.opts.Adapter
}

func (p *SPP) notifyConnected(address string, connected bool) {
	if o := p.observer(); o != nil {
		o.PropertiesChanged(address, []sil.Property{{Type: sil.PropertyConnected, Value: connected}})
	}
}

func (p *SPP) Connect(address string, cb sil.ResultFunc) {
	p.connect(address, cb, p.notifyConnected)
}

func (p *SPP) Disconnect(address string, cb sil.ResultFunc) {
	p.disconnect(address, cb, p.notifyConnected)
}

func (p *SPP) GetProperty(address string, typ sil.PropertyType, cb sil.PropertyFunc) {
	p.getProperty(address, typ, cb)
}

func (p *SPP) CreateChannel(name, uuid string) error {
	if err := p.stack.takeError(OpCreateChannel); err != nil {
		return err
	}
	p.chMu.Lock()
	defer p.chMu.Unlock()
	if _, exists := p.servers[uuid]; exists {
		return &sil.Error{Code: 17, Text: fmt.Sprintf("uuid %s already registered", uuid)}
	}
	p.servers[uuid] = name
	p.stack.logger.WithFields(logrus.Fields{"uuid": uuid, "name": name}).Debug("sim: channel advertised")
	return nil
}

func (p *SPP) RemoveChannel(uuid string) error {
	p.chMu.Lock()
	defer p.chMu.Unlock()
	if _, exists := p.servers[uuid]; !exists {
		return &sil.Error{Code: 2, Text: fmt.Sprintf("uuid %s not registered", uuid)}
	}
	delete(p.servers, uuid)
	return nil
}

func (p *SPP) ConnectUUID(address, uuid string, cb sil.ResultFunc) {
	if err := p.stack.takeError(OpConnectUUID); err != nil {
		p.stack.deliver(func() { cb(err) })
		return
	}
	p.chMu.Lock()
	id := p.allocate()
	p.channels[id] = &simChannel{address: address, uuid: uuid}
	p.chMu.Unlock()

	p.stack.deliver(func() {
		cb(nil)
		if o := p.observer(); o != nil {
			o.ChannelStateChanged(p.AdapterAddress(), address, uuid, id, true)
		}
	})
}

func (p *SPP) DisconnectUUID(id sil.ChannelID, cb sil.ResultFunc) {
	if err := p.stack.takeError(OpDisconnectUUID); err != nil {
		p.stack.deliver(func() { cb(err) })
		return
	}
	p.chMu.Lock()
	ch, ok := p.channels[id]
	delete(p.channels, id)
	p.chMu.Unlock()

	if !ok {
		err := &sil.Error{Code: 2, Text: fmt.Sprintf("channel %d not found", id)}
		p.stack.deliver(func() { cb(err) })
		return
	}
	p.stack.deliver(func() {
		cb(nil)
		if o := p.observer(); o != nil {
			o.ChannelStateChanged(p.AdapterAddress(), ch.address, ch.uuid, id, false)
		}
	})
}

func (p *SPP) GetChannelState(address, uuid string, cb sil.ChannelStateFunc) {
	if err := p.stack.takeError(OpGetChannelState); err != nil {
		p.stack.deliver(func() { cb(false, 0, err) })
		return
	}
	p.chMu.Lock()
	var found sil.ChannelID
	for id, ch := range p.channels {
		if ch.address == address && ch.uuid == uuid {
			found = id
			break
		}
	}
	p.chMu.Unlock()
	p.stack.deliver(func() { cb(found != 0, found, nil) })
}

func (p *SPP) WriteData(id sil.ChannelID, data []byte, cb sil.ResultFunc) {
	if err := p.stack.takeError(OpWriteData); err != nil {
		p.stack.deliver(func() { cb(err) })
		return
	}
	p.chMu.Lock()
	_, ok := p.channels[id]
	if ok {
		p.written[id] = append(p.written[id], append([]byte(nil), data...))
	}
	p.chMu.Unlock()

	if !ok {
		err := &sil.Error{Code: 2, Text: fmt.Sprintf("channel %d not found", id)}
		p.stack.deliver(func() { cb(err) })
		return
	}
	p.stack.deliver(func() { cb(nil) })
}

// allocate returns the next free channel id. Callers hold chMu.
func (p *SPP) allocate() sil.ChannelID {
	for {
		id := p.nextID
		p.nextID++
		if p.nextID == 0 {
			p.nextID = 1
		}
		if _, taken := p.channels[id]; !taken {
			return id
		}
	}
}

// Test hooks

// RemoteConnect simulates a remote device opening a channel to an advertised
// uuid. A zero id lets the stack pick one. The returned id is what the
// observer is told.
func (p *SPP) RemoteConnect(address, uuid string, id sil.ChannelID) (sil.ChannelID, error) {
	p.chMu.Lock()
	if _, ok := p.servers[uuid]; !ok {
		p.chMu.Unlock()
		return 0, fmt.Errorf("uuid %s is not advertised", uuid)
	}
	if id == 0 {
		id = p.allocate()
	} else if _, taken := p.channels[id]; taken {
		p.chMu.Unlock()
		return 0, fmt.Errorf("channel %d already open", id)
	}
	p.channels[id] = &simChannel{address: address, uuid: uuid}
	p.chMu.Unlock()

	p.stack.deliver(func() {
		if o := p.observer(); o != nil {
			o.ChannelStateChanged(p.AdapterAddress(), address, uuid, id, true)
		}
	})
	return id, nil
}

// RemoteDisconnect simulates the remote side closing a channel.
func (p *SPP) RemoteDisconnect(id sil.ChannelID) {
	p.chMu.Lock()
	ch, ok := p.channels[id]
	delete(p.channels, id)
	p.chMu.Unlock()
	if !ok {
		return
	}
	p.stack.deliver(func() {
		if o := p.observer(); o != nil {
			o.ChannelStateChanged(p.AdapterAddress(), ch.address, ch.uuid, id, false)
		}
	})
}

// RemoteSend delivers data from the remote side on the caller's goroutine,
// the way a stack reader thread would.
func (p *SPP) RemoteSend(id sil.ChannelID, data []byte) {
	if o := p.observer(); o != nil {
		o.DataReceived(id, append([]byte(nil), data...))
	}
}

// SetConnected changes the connected property of address and reports it.
func (p *SPP) SetConnected(address string, connected bool) {
	p.setConnected(address, connected)
	p.stack.deliver(func() { p.notifyConnected(address, connected) })
}

// IsConnected reports the simulated link state.
func (p *SPP) IsConnected(address string) bool {
	return p.isConnected(address)
}

// Advertised reports whether uuid has a server endpoint.
func (p *SPP) Advertised(uuid string) bool {
	p.chMu.Lock()
	defer p.chMu.Unlock()
	_, ok := p.servers[uuid]
	return ok
}

// Written returns the payloads written to channel id so far.
func (p *SPP) Written(id sil.ChannelID) [][]byte {
	p.chMu.Lock()
	defer p.chMu.Unlock()
	return append([][]byte(nil), p.written[id]...)
}

// OpenChannels returns the number of channels the stack holds open.
func (p *SPP) OpenChannels() int {
	p.chMu.Lock()
	defer p.chMu.Unlock()
	return len(p.channels)
}
