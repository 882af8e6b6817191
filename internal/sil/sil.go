// Package sil defines the Bluetooth stack abstraction the profile services
// drive. Every operation is asynchronous: results are delivered through a
// callback, and state changes the stack originates are reported to a single
// registered observer. Callbacks and observer methods may run on any
// goroutine.
package sil

import "fmt"

// ChannelID is the stack's own identifier of an open data channel.
type ChannelID uint32

// PropertyType selects a device property.
type PropertyType int

const (
	PropertyConnected PropertyType = iota + 1
	PropertyName
	PropertyPaired
	PropertyRSSI
)

func (t PropertyType) String() string {
	switch t {
	case PropertyConnected:
		return "connected"
	case PropertyName:
		return "name"
	case PropertyPaired:
		return "paired"
	case PropertyRSSI:
		return "rssi"
	default:
		return fmt.Sprintf("property(%d)", int(t))
	}
}

// Property is a typed device property value.
type Property struct {
	Type  PropertyType
	Value any
}

// Bool returns the property value as a bool.
func (p Property) Bool() bool {
	b, _ := p.Value.(bool)
	return b
}

// Error is a failure reported by the stack. It is surfaced to clients as is.
type Error struct {
	Code int
	Text string
}

func (e *Error) Error() string {
	return fmt.Sprintf("stack error %d: %s", e.Code, e.Text)
}

func (e *Error) StackCode() int    { return e.Code }
func (e *Error) StackText() string { return e.Text }

// ResultFunc receives the outcome of an asynchronous operation.
type ResultFunc func(err error)

// PropertyFunc receives a fetched property.
type PropertyFunc func(prop Property, err error)

// ChannelStateFunc receives the state of a channel for an address and UUID.
type ChannelStateFunc func(connected bool, id ChannelID, err error)

// Profile is the part every profile shares.
type Profile interface {
	Connect(address string, cb ResultFunc)
	Disconnect(address string, cb ResultFunc)
	GetProperty(address string, typ PropertyType, cb PropertyFunc)
}

// ConnectionObserver is notified about device property changes.
type ConnectionObserver interface {
	PropertiesChanged(address string, props []Property)
}

// ChannelObserver is notified about data channel lifecycle and traffic.
type ChannelObserver interface {
	ChannelStateChanged(adapter, address, uuid string, id ChannelID, connected bool)
	DataReceived(id ChannelID, data []byte)
}

// SPPObserver receives every event of a serial port profile backend.
type SPPObserver interface {
	ConnectionObserver
	ChannelObserver
}

// SPP is the serial port profile.
type SPP interface {
	Profile
	// AdapterAddress is the local adapter's address.
	AdapterAddress() string
	// CreateChannel advertises a server endpoint for uuid.
	CreateChannel(name, uuid string) error
	RemoveChannel(uuid string) error
	// ConnectUUID opens a client channel to address.
	ConnectUUID(address, uuid string, cb ResultFunc)
	DisconnectUUID(id ChannelID, cb ResultFunc)
	GetChannelState(address, uuid string, cb ChannelStateFunc)
	WriteData(id ChannelID, data []byte, cb ResultFunc)
	SetObserver(o SPPObserver)
}

// HFPObserver receives every event of a hands-free profile backend.
type HFPObserver interface {
	ConnectionObserver
	SCOStateChanged(address string, open bool)
	ATCommandReceived(address, line string)
}

// HFP is the hands-free profile, audio gateway role.
type HFP interface {
	Profile
	OpenSCO(address string, cb ResultFunc)
	CloseSCO(address string, cb ResultFunc)
	// SendResult sends an unsolicited result or response line verbatim.
	SendResult(address, line string, cb ResultFunc)
	SetObserver(o HFPObserver)
}

// Backend bundles the profiles a stack implementation provides. A nil profile
// means the backend does not support it.
type Backend interface {
	SPP() SPP
	HFP() HFP
	Close() error
}
