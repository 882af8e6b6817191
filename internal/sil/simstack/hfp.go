package simstack

import (
	"fmt"
	"sync"

	"github.com/srg/btsvc/internal/sil"
)

// HFP is the simulated hands-free profile (audio gateway role).
type HFP struct {
	connectedSet

	hMu     sync.Mutex
	sco     map[string]bool
	results map[string][]string

	obsMu sync.RWMutex
	obs   sil.HFPObserver
}

var _ sil.HFP = (*HFP)(nil)

func (h *HFP) observer() sil.HFPObserver {
	h.obsMu.RLock()
	defer h.obsMu.RUnlock()
	return h.obs
}

func (h *HFP) SetObserver(o sil.HFPObserver) {
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	h.obs = o
}

func (h *HFP) notifyConnected(address string, connected bool) {
	if !connected {
		h.hMu.Lock()
		delete(h.sco, address)
		h.hMu.Unlock()
	}
	if o := h.observer(); o != nil {
		o.PropertiesChanged(address, []sil.Property{{Type: sil.PropertyConnected, Value: connected}})
	}
}

func (h *HFP) Connect(address string, cb sil.ResultFunc) {
	h.connect(address, cb, h.notifyConnected)
}

func (h *HFP) Disconnect(address string, cb sil.ResultFunc) {
	h.disconnect(address, cb, h.notifyConnected)
}

func (h *HFP) GetProperty(address string, typ sil.PropertyType, cb sil.PropertyFunc) {
	h.getProperty(address, typ, cb)
}

func (h *HFP) OpenSCO(address string, cb sil.ResultFunc) {
	h.setSCO(OpOpenSCO, address, true, cb)
}

func (h *HFP) CloseSCO(address string, cb sil.ResultFunc) {
	h.setSCO(OpCloseSCO, address, false, cb)
}

func (h *HFP) setSCO(op, address string, open bool, cb sil.ResultFunc) {
	if err := h.stack.takeError(op); err != nil {
		h.stack.deliver(func() { cb(err) })
		return
	}
	if !h.isConnected(address) {
		err := &sil.Error{Code: 107, Text: fmt.Sprintf("%s is not connected", address)}
		h.stack.deliver(func() { cb(err) })
		return
	}
	h.hMu.Lock()
	changed := h.sco[address] != open
	if open {
		h.sco[address] = true
	} else {
		delete(h.sco, address)
	}
	h.hMu.Unlock()

	h.stack.deliver(func() {
		cb(nil)
		if o := h.observer(); changed && o != nil {
			o.SCOStateChanged(address, open)
		}
	})
}

func (h *HFP) SendResult(address, line string, cb sil.ResultFunc) {
	if err := h.stack.takeError(OpSendResult); err != nil {
		h.stack.deliver(func() { cb(err) })
		return
	}
	if !h.isConnected(address) {
		err := &sil.Error{Code: 107, Text: fmt.Sprintf("%s is not connected", address)}
		h.stack.deliver(func() { cb(err) })
		return
	}
	h.hMu.Lock()
	h.results[address] = append(h.results[address], line)
	h.hMu.Unlock()
	h.stack.deliver(func() { cb(nil) })
}

// Test hooks

// RemoteAT delivers an AT command line from the hands-free unit.
func (h *HFP) RemoteAT(address, line string) {
	h.stack.deliver(func() {
		if o := h.observer(); o != nil {
			o.ATCommandReceived(address, line)
		}
	})
}

// RemoteCloseSCO simulates the hands-free unit dropping the audio link.
func (h *HFP) RemoteCloseSCO(address string) {
	h.hMu.Lock()
	was := h.sco[address]
	delete(h.sco, address)
	h.hMu.Unlock()
	if !was {
		return
	}
	h.stack.deliver(func() {
		if o := h.observer(); o != nil {
			o.SCOStateChanged(address, false)
		}
	})
}

// SetConnected changes the connected property of address and reports it.
func (h *HFP) SetConnected(address string, connected bool) {
	h.setConnected(address, connected)
	h.stack.deliver(func() { h.notifyConnected(address, connected) })
}

// IsConnected reports the simulated link state.
func (h *HFP) IsConnected(address string) bool {
	return h.isConnected(address)
}

// SCOOpen reports whether an audio link is open to address.
func (h *HFP) SCOOpen(address string) bool {
	h.hMu.Lock()
	defer h.hMu.Unlock()
	return h.sco[address]
}

// SentResults returns the lines sent to address so far.
func (h *HFP) SentResults(address string) []string {
	h.hMu.Lock()
	defer h.hMu.Unlock()
	return append([]string(nil), h.results[address]...)
}
