// Package simstack is an in-memory Bluetooth stack. It backs the daemon's
// "sim" backend and the profile service tests: remote peers are driven
// through the Remote* methods, and any operation can be made to fail once
// with InjectError.
//
// Like a real stack, results and events are delivered on goroutines other
// than the caller's.
package simstack

import (
	"fmt"
	"io"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/sil"
)

// Operation names accepted by InjectError.
const (
	OpConnect         = "connect"
	OpDisconnect      = "disconnect"
	OpGetProperty     = "getProperty"
	OpCreateChannel   = "createChannel"
	OpConnectUUID     = "connectUuid"
	OpDisconnectUUID  = "disconnectUuid"
	OpGetChannelState = "getChannelState"
	OpWriteData       = "writeData"
	OpOpenSCO         = "openSCO"
	OpCloseSCO        = "closeSCO"
	OpSendResult      = "sendResult"
)

// Options configures the simulated stack.
type Options struct {
	Adapter string `default:"00:1a:7d:da:71:13"`
	// Synchronous delivers callbacks on the caller's goroutine.
	Synchronous bool `default:"false"`
}

// Stack is the simulated backend. It implements sil.Backend.
type Stack struct {
	logger *logrus.Logger
	opts   Options

	mu       sync.Mutex
	injected map[string][]error
	wg       sync.WaitGroup

	spp *SPP
	hfp *HFP
}

// New creates a simulated stack. A nil logger discards output.
func New(logger *logrus.Logger, opts ...Options) *Stack {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	o := Options{}
	defaults.SetDefaults(&o)
	if len(opts) > 0 {
		o = opts[0]
		if o.Adapter == "" {
			o.Adapter = "00:1a:7d:da:71:13"
		}
	}

	s := &Stack{
		logger:   logger,
		opts:     o,
		injected: make(map[string][]error),
	}
	s.spp = &SPP{
		connectedSet: connectedSet{stack: s, connected: make(map[string]bool)},
		servers:      make(map[string]string),
		channels:     make(map[sil.ChannelID]*simChannel),
		written:      make(map[sil.ChannelID][][]byte),
		nextID:       1,
	}
	s.hfp = &HFP{
		connectedSet: connectedSet{stack: s, connected: make(map[string]bool)},
		sco:          make(map[string]bool),
		results:      make(map[string][]string),
	}
	return s
}

func (s *Stack) SPP() sil.SPP { return s.spp }
func (s *Stack) HFP() sil.HFP { return s.hfp }

// SPPSim returns the serial port profile with its test hooks.
func (s *Stack) SPPSim() *SPP { return s.spp }

// HFPSim returns the hands-free profile with its test hooks.
func (s *Stack) HFPSim() *HFP { return s.hfp }

// Drain waits until every delivery started so far returned.
func (s *Stack) Drain() {
	s.wg.Wait()
}

// Close waits for in-flight deliveries.
func (s *Stack) Close() error {
	s.Drain()
	return nil
}

// InjectError makes the next call of op fail with err. Several injections for
// the same op are consumed in order.
func (s *Stack) InjectError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[op] = append(s.injected[op], err)
}

func (s *Stack) takeError(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := s.injected[op]
	if len(errs) == 0 {
		return nil
	}
	s.injected[op] = errs[1:]
	return errs[0]
}

// deliver runs fn on another goroutine unless the stack is synchronous.
func (s *Stack) deliver(fn func()) {
	if s.opts.Synchronous {
		fn()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// connectedSet is the per-profile connection bookkeeping both profiles share.
type connectedSet struct {
	stack     *Stack
	mu        sync.Mutex
	connected map[string]bool
}

func (c *connectedSet) connect(address string, cb sil.ResultFunc, notify func(string, bool)) {
	if err := c.stack.takeError(OpConnect); err != nil {
		c.stack.deliver(func() { cb(err) })
		return
	}
	c.mu.Lock()
	c.connected[address] = true
	c.mu.Unlock()
	c.stack.deliver(func() {
		cb(nil)
		notify(address, true)
	})
}

func (c *connectedSet) disconnect(address string, cb sil.ResultFunc, notify func(string, bool)) {
	if err := c.stack.takeError(OpDisconnect); err != nil {
		c.stack.deliver(func() { cb(err) })
		return
	}
	c.mu.Lock()
	was := c.connected[address]
	delete(c.connected, address)
	c.mu.Unlock()
	c.stack.deliver(func() {
		cb(nil)
		if was {
			notify(address, false)
		}
	})
}

func (c *connectedSet) getProperty(address string, typ sil.PropertyType, cb sil.PropertyFunc) {
	if err := c.stack.takeError(OpGetProperty); err != nil {
		c.stack.deliver(func() { cb(sil.Property{}, err) })
		return
	}
	c.mu.Lock()
	connected := c.connected[address]
	c.mu.Unlock()

	var prop sil.Property
	switch typ {
	case sil.PropertyConnected:
		prop = sil.Property{Type: typ, Value: connected}
	case sil.PropertyName:
		prop = sil.Property{Type: typ, Value: "sim-" + address}
	case sil.PropertyPaired:
		prop = sil.Property{Type: typ, Value: true}
	default:
		err := &sil.Error{Code: 22, Text: fmt.Sprintf("unsupported property %s", typ)}
		c.stack.deliver(func() { cb(sil.Property{}, err) })
		return
	}
	c.stack.deliver(func() { cb(prop, nil) })
}

func (c *connectedSet) isConnected(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected[address]
}

func (c *connectedSet) setConnected(address string, connected bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.connected[address]
	if connected {
		c.connected[address] = true
	} else {
		delete(c.connected, address)
	}
	return was != connected
}
