package bluez

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/groutine"
	"github.com/srg/btsvc/internal/sil"
)

// HandsfreeAudioGatewayUUID is the service class the gateway registers.
const HandsfreeAudioGatewayUUID = "0000111f-0000-1000-8000-00805f9b34fb"

// HFP implements the audio gateway side of sil.HFP. The service level
// connection is an RFCOMM socket carrying AT lines. SCO audio links are not
// available through BlueZ's Profile1 API and are reported as unsupported.
type HFP struct {
	b *Backend

	mu       sync.Mutex
	observer sil.HFPObserver
	profile  *profile1
	slc      map[string]net.Conn
}

var _ sil.HFP = (*HFP)(nil)

func newHFP(b *Backend) *HFP {
	return &HFP{b: b, slc: make(map[string]net.Conn)}
}

func (h *HFP) Connect(address string, cb sil.ResultFunc)    { h.b.connect(address, cb) }
func (h *HFP) Disconnect(address string, cb sil.ResultFunc) { h.b.disconnect(address, cb) }

func (h *HFP) GetProperty(address string, typ sil.PropertyType, cb sil.PropertyFunc) {
	h.b.getProperty(address, typ, cb)
}

// SetObserver installs o and registers the gateway profile on first use.
func (h *HFP) SetObserver(o sil.HFPObserver) {
	h.mu.Lock()
	h.observer = o
	register := h.profile == nil && o != nil
	if register {
		h.profile = &profile1{}
	}
	p := h.profile
	h.mu.Unlock()

	if !register {
		return
	}
	p.onConnect = h.attach
	p.onRelease = h.release
	opts := map[string]dbus.Variant{
		"Name": dbus.MakeVariant("Hands-Free Voice gateway"),
		"Role": dbus.MakeVariant("server"),
	}
	if err := h.b.registerProfile("hfp", HandsfreeAudioGatewayUUID, opts, p); err != nil {
		h.b.logger.WithError(err).Warn("HFP gateway profile registration failed")
	}
}

func (h *HFP) obs() sil.HFPObserver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.observer
}

func (h *HFP) propertiesChanged(address string, props []sil.Property) {
	if o := h.obs(); o != nil {
		o.PropertiesChanged(address, props)
	}
}

func (h *HFP) OpenSCO(address string, cb sil.ResultFunc) {
	h.b.async("bluez-sco", func() {
		cb(&sil.Error{Code: codeNotSupported, Text: "SCO audio not supported"})
	})
}

func (h *HFP) CloseSCO(address string, cb sil.ResultFunc) {
	h.b.async("bluez-sco", func() {
		cb(&sil.Error{Code: codeNotSupported, Text: "SCO audio not supported"})
	})
}

// SendResult writes line framed as an AT result: CR LF line CR LF.
func (h *HFP) SendResult(address, line string, cb sil.ResultFunc) {
	h.mu.Lock()
	conn, ok := h.slc[address]
	h.mu.Unlock()
	if !ok {
		cb(&sil.Error{Code: codeNotConnected, Text: "service level connection not established"})
		return
	}
	h.b.async("bluez-hfp-write", func() {
		if _, err := conn.Write([]byte("\r\n" + line + "\r\n")); err != nil {
			cb(&sil.Error{Code: codeFailed, Text: err.Error()})
			return
		}
		cb(nil)
	})
}

func (h *HFP) attach(address string, conn net.Conn) {
	h.mu.Lock()
	if old, ok := h.slc[address]; ok {
		_ = old.Close()
	}
	h.slc[address] = conn
	h.mu.Unlock()

	h.b.logger.WithField("address", address).Info("HFP service level connection up")
	groutine.Go(context.Background(), "bluez-hfp-read", func(context.Context) {
		sc := bufio.NewScanner(conn)
		sc.Split(scanATLines)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			if o := h.obs(); o != nil {
				o.ATCommandReceived(address, line)
			}
		}
		_ = conn.Close()
		h.mu.Lock()
		if h.slc[address] == conn {
			delete(h.slc, address)
		}
		h.mu.Unlock()
		h.b.logger.WithFields(logrus.Fields{"address": address}).Info("HFP service level connection down")
	})
}

func (h *HFP) release(address string) {
	h.mu.Lock()
	conn, ok := h.slc[address]
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (h *HFP) close() {
	h.mu.Lock()
	p := h.profile
	h.profile = nil
	conns := make([]net.Conn, 0, len(h.slc))
	for _, c := range h.slc {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if p != nil {
		h.b.unregisterProfile(p)
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

// scanATLines splits on CR or LF, the terminators hands-free units use.
func scanATLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, c := range data {
		if c == '\r' || c == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
