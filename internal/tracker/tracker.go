// Package tracker keeps per-profile device connection state and drives the
// generic connect, disconnect and getStatus operations every profile shares.
//
// Each address moves through Idle → Connecting → Connected → Idle. A
// successful connect binds a liveness watch to the requester: when the
// requester goes away, the device is disconnected again. Status subscribers
// are keyed by exact address or by Wildcard and hear about every change of the
// connected state once.
//
// All methods must be called on the event loop.
package tracker

import (
	"io"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/loop"
	"github.com/srg/btsvc/internal/sil"
	"github.com/srg/btsvc/internal/svcerr"
	"github.com/srg/btsvc/internal/transport"
	"github.com/srg/btsvc/internal/watch"
)

// Wildcard subscribes to status changes of every address.
const Wildcard = "*"

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// ChangeFunc observes connected-state transitions.
type ChangeFunc func(address string, connected bool)

type statusSub struct {
	key string
	w   *watch.Watch
}

// Tracker is the connection state machine of one profile.
type Tracker struct {
	profile string
	lp      *loop.Loop
	live    transport.Liveness
	stack   sil.Profile
	logger  *logrus.Logger

	connecting     map[string]struct{}
	connected      map[string]struct{}
	connectWatches map[string]*watch.Watch
	statusSubs     map[string][]*statusSub
	listeners      []ChangeFunc
}

// New creates a tracker for profile. A nil stack makes every operation fail
// with ProfileUnavailable.
func New(profile string, lp *loop.Loop, live transport.Liveness, stack sil.Profile, logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = noopLogger
	}
	return &Tracker{
		profile:        profile,
		lp:             lp,
		live:           live,
		stack:          stack,
		logger:         logger,
		connecting:     make(map[string]struct{}),
		connected:      make(map[string]struct{}),
		connectWatches: make(map[string]*watch.Watch),
		statusSubs:     make(map[string][]*statusSub),
	}
}

// OnChange registers fn for connected-state transitions.
func (t *Tracker) OnChange(fn ChangeFunc) {
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) log(address string) *logrus.Entry {
	return t.logger.WithFields(logrus.Fields{"profile": t.profile, "address": address})
}

// MarkConnecting records a connect attempt in flight.
func (t *Tracker) MarkConnecting(address string) {
	t.connecting[address] = struct{}{}
}

// MarkNotConnecting clears a connect attempt.
func (t *Tracker) MarkNotConnecting(address string) {
	delete(t.connecting, address)
}

// MarkConnected promotes address to connected. It reports whether the state
// changed; subscribers are notified only then.
func (t *Tracker) MarkConnected(address string) bool {
	delete(t.connecting, address)
	if _, ok := t.connected[address]; ok {
		return false
	}
	t.connected[address] = struct{}{}
	t.log(address).Info("Device connected")
	t.changed(address, true)
	return true
}

// MarkNotConnected drops address from both sets and ends its connect watch.
// It reports whether the connected state changed.
func (t *Tracker) MarkNotConnected(address string) bool {
	delete(t.connecting, address)
	t.dropConnectWatch(address, true)
	if _, ok := t.connected[address]; !ok {
		return false
	}
	delete(t.connected, address)
	t.log(address).Info("Device disconnected")
	t.changed(address, false)
	return true
}

func (t *Tracker) IsConnecting(address string) bool {
	_, ok := t.connecting[address]
	return ok
}

func (t *Tracker) IsConnected(address string) bool {
	_, ok := t.connected[address]
	return ok
}

// Connected returns the connected addresses in sorted order.
func (t *Tracker) Connected() []string {
	out := make([]string, 0, len(t.connected))
	for a := range t.connected {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) changed(address string, connected bool) {
	t.notifyStatus(address)
	for _, fn := range t.listeners {
		fn(address, connected)
	}
}

// HandlePropertiesChanged applies a stack property-change event.
func (t *Tracker) HandlePropertiesChanged(address string, props []sil.Property) {
	for _, p := range props {
		if p.Type != sil.PropertyConnected {
			continue
		}
		if p.Bool() {
			t.MarkConnected(address)
		} else {
			t.MarkNotConnected(address)
		}
	}
}

// Connect connects address on behalf of call. With subscribe the call stays
// open and receives a final notice when the device disconnects.
func (t *Tracker) Connect(call *transport.Call, address string, subscribe bool) {
	if t.stack == nil {
		_ = call.Fail(svcerr.New(svcerr.ProfileUnavailable, "%s backend is not available", t.profile))
		return
	}
	if address == "" {
		_ = call.Fail(svcerr.New(svcerr.DeviceNotAvailable, "no device address given"))
		return
	}
	if t.IsConnecting(address) {
		_ = call.Fail(svcerr.New(svcerr.AlreadyConnecting, "%s is already connecting", address))
		return
	}

	t.MarkConnecting(address)
	owned := call.Transfer()
	t.log(address).Debug("Connecting")

	t.stack.GetProperty(address, sil.PropertyConnected, func(prop sil.Property, err error) {
		t.post(owned, func() { t.onConnectedProperty(owned, address, subscribe, prop, err) })
	})
}

func (t *Tracker) onConnectedProperty(call *transport.Call, address string, subscribe bool, prop sil.Property, err error) {
	if err != nil {
		t.MarkNotConnecting(address)
		_ = call.Fail(err)
		return
	}
	if prop.Bool() {
		t.MarkNotConnecting(address)
		_ = call.Fail(svcerr.New(svcerr.AlreadyConnected, "%s is already connected", address))
		return
	}

	t.stack.Connect(address, func(err error) {
		t.post(call, func() { t.onConnected(call, address, subscribe, err) })
	})
}

func (t *Tracker) onConnected(call *transport.Call, address string, subscribe bool, err error) {
	if err != nil {
		t.log(address).WithError(err).Warn("Connect failed")
		t.MarkNotConnecting(address)
		_ = call.Fail(err)
		return
	}

	t.MarkConnected(address)
	t.dropConnectWatch(address, false)

	var w *watch.Watch
	w = watch.New(t.lp, t.live, call, func() { t.onRequesterLost(address, w) })
	t.connectWatches[address] = w

	reply := transport.Success(transport.Payload{"address": address, "subscribed": subscribe})
	if subscribe {
		_ = w.Post(reply)
		return
	}
	_ = w.Respond(reply)
}

// onRequesterLost disconnects a device whose connect requester went away.
func (t *Tracker) onRequesterLost(address string, w *watch.Watch) {
	if t.connectWatches[address] != w {
		return
	}
	delete(t.connectWatches, address)
	w.Close()

	t.log(address).WithField("app", w.Client()).Info("Connect requester lost, disconnecting")
	t.stack.Disconnect(address, func(err error) {
		if err != nil {
			t.log(address).WithError(err).Warn("Disconnect after requester loss failed")
		}
	})
	t.MarkNotConnected(address)
}

func (t *Tracker) dropConnectWatch(address string, notify bool) {
	w, ok := t.connectWatches[address]
	if !ok {
		return
	}
	delete(t.connectWatches, address)
	if notify {
		_ = w.Post(transport.Success(transport.Payload{
			"address":    address,
			"connected":  false,
			"subscribed": false,
		}))
	}
	w.Close()
}

// Disconnect disconnects address on behalf of call.
func (t *Tracker) Disconnect(call *transport.Call, address string) {
	if t.stack == nil {
		_ = call.Fail(svcerr.New(svcerr.ProfileUnavailable, "%s backend is not available", t.profile))
		return
	}
	if address == "" {
		_ = call.Fail(svcerr.New(svcerr.DeviceNotAvailable, "no device address given"))
		return
	}
	if !t.IsConnected(address) {
		_ = call.Fail(svcerr.New(svcerr.NotConnected, "%s is not connected", address))
		return
	}

	owned := call.Transfer()
	t.stack.Disconnect(address, func(err error) {
		t.post(owned, func() {
			if err != nil {
				_ = owned.Fail(err)
				return
			}
			t.MarkNotConnected(address)
			_ = owned.Respond(transport.Success(transport.Payload{"address": address}))
		})
	})
}

func (t *Tracker) status(address string) transport.Payload {
	return transport.Success(transport.Payload{
		"address":    address,
		"connecting": t.IsConnecting(address),
		"connected":  t.IsConnected(address),
	})
}

// GetStatus replies with the state of address, or of every known address when
// address is empty. With subscribe the call stays open for updates.
func (t *Tracker) GetStatus(call *transport.Call, address string, subscribe bool) {
	if t.stack == nil {
		_ = call.Fail(svcerr.New(svcerr.ProfileUnavailable, "%s backend is not available", t.profile))
		return
	}

	var reply transport.Payload
	if address == "" {
		reply = transport.Success(transport.Payload{"devices": t.devices()})
	} else {
		reply = t.status(address)
	}
	reply["subscribed"] = subscribe

	if !subscribe {
		_ = call.Respond(reply)
		return
	}

	key := address
	if key == "" {
		key = Wildcard
	}
	sub := &statusSub{key: key}
	sub.w = watch.New(t.lp, t.live, call.Transfer(), func() { t.removeStatusSub(sub) })
	t.statusSubs[key] = append(t.statusSubs[key], sub)
	_ = sub.w.Post(reply)
}

func (t *Tracker) devices() []any {
	seen := make(map[string]struct{}, len(t.connected)+len(t.connecting))
	for a := range t.connected {
		seen[a] = struct{}{}
	}
	for a := range t.connecting {
		seen[a] = struct{}{}
	}
	addrs := make([]string, 0, len(seen))
	for a := range seen {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	out := make([]any, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, map[string]any{
			"address":    a,
			"connecting": t.IsConnecting(a),
			"connected":  t.IsConnected(a),
		})
	}
	return out
}

func (t *Tracker) removeStatusSub(sub *statusSub) {
	subs := t.statusSubs[sub.key]
	for i, s := range subs {
		if s == sub {
			t.statusSubs[sub.key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(t.statusSubs[sub.key]) == 0 {
		delete(t.statusSubs, sub.key)
	}
	sub.w.Close()
}

// notifyStatus posts the state of address to its exact subscribers, then to
// wildcard subscribers.
func (t *Tracker) notifyStatus(address string) {
	for _, key := range []string{address, Wildcard} {
		for _, sub := range t.statusSubs[key] {
			p := t.status(address)
			p["subscribed"] = true
			_ = sub.w.Post(p)
		}
	}
}

// StatusSubscribers returns the number of status subscriptions for key.
func (t *Tracker) StatusSubscribers(key string) int {
	return len(t.statusSubs[key])
}

// Close ends every watch and subscription.
func (t *Tracker) Close() {
	for address := range t.connectWatches {
		t.dropConnectWatch(address, false)
	}
	for key, subs := range t.statusSubs {
		for _, s := range subs {
			s.w.Close()
		}
		delete(t.statusSubs, key)
	}
}

// post runs fn on the loop. If the loop is gone the call is released so the
// client is not left hanging.
func (t *Tracker) post(call *transport.Call, fn func()) {
	if !t.lp.Post(fn) {
		call.Release()
	}
}
