// Package mux multiplexes serial port data channels: it allocates the
// user-facing channel ids, buffers received data per channel and fans it out
// to read subscriptions.
//
// Channels live in a single arena keyed by a synthetic id, with secondary
// indices by stack channel id, user channel id and service UUID. The stack-id
// index is a lock-free map because EnqueueReceived runs on stack goroutines;
// everything else is owned by the event loop.
//
// Except for EnqueueReceived, all methods must be called on the loop.
package mux

import (
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/loop"
	"github.com/srg/btsvc/internal/sil"
	"github.com/srg/btsvc/internal/svcerr"
	"github.com/srg/btsvc/internal/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// ChannelBufferSize bounds the coalesced receive buffer of a channel.
	ChannelBufferSize = 5120
	// MaxUserChannelID is the last user channel id before wrapping to 1.
	MaxUserChannelID = 999
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures the multiplexer.
type Options struct {
	// ReadTimeoutUnit is the length of one read-subscription timeout unit.
	ReadTimeoutUnit time.Duration `default:"1s"`
}

// Sink receives subscription messages. *watch.Watch implements it.
type Sink interface {
	Post(p transport.Payload) error
	Close()
}

// Handle identifies a read subscription.
type Handle uint64

// ReadSubscription receives data of one channel, or of every channel owned
// by its application when unbound.
type ReadSubscription struct {
	handle  Handle
	bound   bool
	stackID sil.ChannelID
	userID  string
	owner   string
	sink    Sink
	timer   *loop.Task
}

func (s *ReadSubscription) matches(ch *Channel) bool {
	if s.bound {
		return s.stackID == ch.StackID
	}
	return s.owner == ch.Owner
}

// CreateSubscription watches an advertised service UUID on behalf of the
// application that created it.
type CreateSubscription struct {
	UUID  string
	Name  string
	Owner string
	Sink  Sink
}

// Multiplexer owns all channels and their subscriptions.
type Multiplexer struct {
	lp     *loop.Loop
	logger *logrus.Logger
	opts   Options

	nextKey  uint64
	channels *orderedmap.OrderedMap[uint64, *Channel]
	byStack  *hashmap.Map[sil.ChannelID, *Channel]
	byUser   map[string]uint64
	byUUID   map[string][]uint64
	counter  int

	connecting map[string]string
	createSubs map[string]*CreateSubscription

	nextHandle Handle
	readSubs   *orderedmap.OrderedMap[Handle, *ReadSubscription]
}

// New creates an empty multiplexer.
func New(lp *loop.Loop, logger *logrus.Logger, opts ...Options) *Multiplexer {
	if logger == nil {
		logger = noopLogger
	}
	o := Options{}
	defaults.SetDefaults(&o)
	if len(opts) > 0 && opts[0].ReadTimeoutUnit > 0 {
		o = opts[0]
	}
	return &Multiplexer{
		lp:         lp,
		logger:     logger,
		opts:       o,
		channels:   orderedmap.New[uint64, *Channel](),
		byStack:    hashmap.New[sil.ChannelID, *Channel](),
		byUser:     make(map[string]uint64),
		byUUID:     make(map[string][]uint64),
		connecting: make(map[string]string),
		createSubs: make(map[string]*CreateSubscription),
		readSubs:   orderedmap.New[Handle, *ReadSubscription](),
	}
}

func (m *Multiplexer) log(ch *Channel) *logrus.Entry {
	return m.logger.WithFields(logrus.Fields{
		"channel_id":       ch.UserID,
		"stack_channel_id": ch.StackID,
		"address":          ch.Address,
		"uuid":             ch.UUID,
		"app":              ch.Owner,
	})
}

// MarkConnecting records that app is opening a client channel to uuid.
func (m *Multiplexer) MarkConnecting(uuid, app string) {
	m.connecting[uuid] = app
}

// ClearConnecting drops the connecting mark of uuid.
func (m *Multiplexer) ClearConnecting(uuid string) {
	delete(m.connecting, uuid)
}

// ConnectingOwner returns the application opening a channel to uuid.
func (m *Multiplexer) ConnectingOwner(uuid string) (string, bool) {
	app, ok := m.connecting[uuid]
	return app, ok
}

// AllocateChannel registers a channel the stack reported connected and
// returns its user id. It returns false if stackID is already registered.
//
// The owner is requester when given, else the application of the matching
// create-channel subscription. User ids come from a counter wrapping 1..999;
// ids still in use are not skipped.
func (m *Multiplexer) AllocateChannel(stackID sil.ChannelID, address, uuid, requester string) (string, bool) {
	if _, exists := m.byStack.Get(stackID); exists {
		m.logger.WithField("stack_channel_id", stackID).Warn("Channel already registered")
		return "", false
	}

	m.counter = m.counter%MaxUserChannelID + 1
	userID := fmt.Sprintf("%03d", m.counter)

	owner := requester
	if owner == "" {
		if sub, ok := m.createSubs[uuid]; ok {
			owner = sub.Owner
		}
	}

	m.nextKey++
	ch := newChannel(m.nextKey, stackID, userID, address, uuid, owner)
	m.channels.Set(ch.key, ch)
	m.byStack.Set(stackID, ch)
	m.byUser[userID] = ch.key
	m.byUUID[uuid] = append(m.byUUID[uuid], ch.key)
	delete(m.connecting, uuid)

	m.log(ch).Info("Channel allocated")
	return userID, true
}

// ReleaseChannel removes the channel with stackID and tears down the read
// subscriptions that depended on it, posting a disconnect notice to each. It
// returns the released channel.
func (m *Multiplexer) ReleaseChannel(stackID sil.ChannelID, adapterAddr string) (*Channel, bool) {
	ch, ok := m.byStack.Get(stackID)
	if !ok {
		m.logger.WithField("stack_channel_id", stackID).Debug("Release of unknown channel ignored")
		return nil, false
	}

	m.channels.Delete(ch.key)
	m.byStack.Del(stackID)
	if m.byUser[ch.UserID] == ch.key {
		delete(m.byUser, ch.UserID)
	}
	m.removeUUIDKey(ch.UUID, ch.key)

	ch.mu.Lock()
	ch.released = true
	ch.queue = nil
	ch.buf = ch.buf[:0]
	ch.mu.Unlock()

	notice := transport.Success(transport.Payload{
		"channelId":          ch.UserID,
		"disconnectByRemote": true,
		"subscribed":         false,
	})

	var doomed []*ReadSubscription
	for pair := m.readSubs.Oldest(); pair != nil; pair = pair.Next() {
		if s := pair.Value; s.bound && s.stackID == stackID {
			doomed = append(doomed, s)
		}
	}
	if !m.ownsAny(ch.Owner) {
		for pair := m.readSubs.Oldest(); pair != nil; pair = pair.Next() {
			if s := pair.Value; !s.bound && s.owner == ch.Owner {
				doomed = append(doomed, s)
			}
		}
	}
	for _, s := range doomed {
		_ = s.sink.Post(notice)
		m.dropReadSubscription(s)
	}

	m.log(ch).WithField("adapter", adapterAddr).Info("Channel released")
	return ch, true
}

func (m *Multiplexer) removeUUIDKey(uuid string, key uint64) {
	keys := m.byUUID[uuid]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(m.byUUID, uuid)
		return
	}
	m.byUUID[uuid] = keys
}

func (m *Multiplexer) ownsAny(app string) bool {
	for pair := m.channels.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Owner == app {
			return true
		}
	}
	return false
}

// EnqueueReceived queues data received on stackID and schedules a
// notification pass on the loop. It is safe to call from any goroutine.
func (m *Multiplexer) EnqueueReceived(stackID sil.ChannelID, data []byte) {
	if len(data) == 0 {
		return
	}
	ch, ok := m.byStack.Get(stackID)
	if !ok {
		m.logger.WithField("stack_channel_id", stackID).Debug("Data for unknown channel dropped")
		return
	}

	ch.mu.Lock()
	if ch.released {
		ch.mu.Unlock()
		return
	}
	schedule := ch.enqueue(data)
	ch.mu.Unlock()

	if schedule {
		m.scheduleNotify(ch)
	}
}

func (m *Multiplexer) scheduleNotify(ch *Channel) {
	if m.lp.Post(func() { m.notifyReceived(ch) }) {
		return
	}
	ch.mu.Lock()
	ch.notifyScheduled = false
	ch.mu.Unlock()
}

// notifyReceived coalesces queued fragments and posts the buffer to every
// matching read subscription. The buffer is reset once consumed; fragments
// that did not fit get another pass.
func (m *Multiplexer) notifyReceived(ch *Channel) {
	ch.mu.Lock()
	ch.notifyScheduled = false
	if ch.released {
		ch.mu.Unlock()
		return
	}
	ch.coalesce()
	if len(ch.buf) == 0 {
		ch.mu.Unlock()
		return
	}
	data := append([]byte(nil), ch.buf...)
	ch.mu.Unlock()

	payload := transport.Success(transport.Payload{
		"channelId":  ch.UserID,
		"data":       base64.StdEncoding.EncodeToString(data),
		"size":       len(data),
		"subscribed": true,
	})

	consumed := false
	for pair := m.readSubs.Oldest(); pair != nil; pair = pair.Next() {
		if s := pair.Value; s.matches(ch) {
			_ = s.sink.Post(payload)
			consumed = true
		}
	}
	if !consumed {
		return
	}

	ch.mu.Lock()
	ch.buf = ch.buf[:0]
	again := len(ch.queue) > 0 && !ch.notifyScheduled
	if again {
		ch.notifyScheduled = true
	}
	ch.mu.Unlock()

	if again {
		m.scheduleNotify(ch)
	}
}

// CheckOwner resolves userID and verifies app owns it.
func (m *Multiplexer) CheckOwner(userID, app string) (*Channel, error) {
	ch, ok := m.ChannelByUser(userID)
	if !ok {
		return nil, svcerr.New(svcerr.ChannelIDInvalid, "unknown channel %q", userID)
	}
	if ch.Owner != app {
		return nil, svcerr.New(svcerr.PermissionDenied, "channel %s is not owned by %s", userID, app)
	}
	return ch, nil
}

// AddReadSubscription subscribes sink to the data of channel userID, or of
// every channel owned by owner when userID is empty. With timeoutSeconds > 0
// the subscription is removed after that many timeout units, silently.
func (m *Multiplexer) AddReadSubscription(userID string, timeoutSeconds int, owner string, sink Sink) (Handle, error) {
	sub := &ReadSubscription{owner: owner, sink: sink, userID: userID}
	if userID != "" {
		ch, err := m.CheckOwner(userID, owner)
		if err != nil {
			return 0, err
		}
		sub.bound = true
		sub.stackID = ch.StackID
	}

	m.nextHandle++
	sub.handle = m.nextHandle
	if timeoutSeconds > 0 {
		h := sub.handle
		sub.timer = m.lp.AfterFunc(time.Duration(timeoutSeconds)*m.opts.ReadTimeoutUnit, func() {
			m.expire(h)
		})
	}
	m.readSubs.Set(sub.handle, sub)

	m.logger.WithFields(logrus.Fields{
		"channel_id": userID,
		"app":        owner,
		"timeout":    timeoutSeconds,
	}).Debug("Read subscription added")

	for pair := m.channels.Oldest(); pair != nil; pair = pair.Next() {
		ch := pair.Value
		if !sub.matches(ch) {
			continue
		}
		ch.mu.Lock()
		schedule := ch.pending() && !ch.notifyScheduled
		if schedule {
			ch.notifyScheduled = true
		}
		ch.mu.Unlock()
		if schedule {
			m.scheduleNotify(ch)
		}
	}
	return sub.handle, nil
}

func (m *Multiplexer) expire(h Handle) {
	sub, ok := m.readSubs.Get(h)
	if !ok {
		return
	}
	m.logger.WithFields(logrus.Fields{"channel_id": sub.userID, "app": sub.owner}).Debug("Read subscription timed out")
	m.dropReadSubscription(sub)
}

// RemoveReadSubscription removes a subscription without notifying it.
func (m *Multiplexer) RemoveReadSubscription(h Handle) bool {
	sub, ok := m.readSubs.Get(h)
	if !ok {
		return false
	}
	m.dropReadSubscription(sub)
	return true
}

func (m *Multiplexer) dropReadSubscription(sub *ReadSubscription) {
	m.readSubs.Delete(sub.handle)
	sub.timer.Cancel()
	sub.sink.Close()
}

// ReadSubscriptions returns the number of active read subscriptions.
func (m *Multiplexer) ReadSubscriptions() int {
	return m.readSubs.Len()
}

// GetBufferedData pulls the buffered data of channel userID, or of the first
// channel owned by owner when userID is empty. It returns the user id of the
// channel read, which is empty when owner has none, and nil data when there
// is nothing to read.
func (m *Multiplexer) GetBufferedData(userID, owner string) (string, []byte, error) {
	var ch *Channel
	if userID != "" {
		c, err := m.CheckOwner(userID, owner)
		if err != nil {
			return "", nil, err
		}
		ch = c
	} else {
		for pair := m.channels.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.Owner == owner {
				ch = pair.Value
				break
			}
		}
		if ch == nil {
			return "", nil, nil
		}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.buf) == 0 {
		ch.coalesce()
	}
	return ch.UserID, ch.take(), nil
}

// AddCreateSubscription watches uuid for owner. Only one subscription per
// uuid may exist.
func (m *Multiplexer) AddCreateSubscription(uuid, name, owner string, sink Sink) error {
	if _, exists := m.createSubs[uuid]; exists {
		return svcerr.New(svcerr.DuplicateSubscription, "uuid %s is already watched", uuid)
	}
	m.createSubs[uuid] = &CreateSubscription{UUID: uuid, Name: name, Owner: owner, Sink: sink}
	return nil
}

// CreateSubscriptionFor returns the subscription watching uuid.
func (m *Multiplexer) CreateSubscriptionFor(uuid string) (*CreateSubscription, bool) {
	sub, ok := m.createSubs[uuid]
	return sub, ok
}

// RemoveCreateSubscription ends the subscription watching uuid.
func (m *Multiplexer) RemoveCreateSubscription(uuid string) bool {
	sub, ok := m.createSubs[uuid]
	if !ok {
		return false
	}
	delete(m.createSubs, uuid)
	sub.Sink.Close()
	return true
}

// ChannelByUser looks up a channel by user id.
func (m *Multiplexer) ChannelByUser(userID string) (*Channel, bool) {
	key, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	return m.channels.Get(key)
}

// ChannelByStack looks up a channel by stack channel id.
func (m *Multiplexer) ChannelByStack(stackID sil.ChannelID) (*Channel, bool) {
	return m.byStack.Get(stackID)
}

// ChannelsByUUID returns the channels open on uuid, oldest first.
func (m *Multiplexer) ChannelsByUUID(uuid string) []*Channel {
	keys := m.byUUID[uuid]
	out := make([]*Channel, 0, len(keys))
	for _, k := range keys {
		if ch, ok := m.channels.Get(k); ok {
			out = append(out, ch)
		}
	}
	return out
}

// Channels returns all channels in allocation order.
func (m *Multiplexer) Channels() []*Channel {
	out := make([]*Channel, 0, m.channels.Len())
	for pair := m.channels.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Close drops every subscription and forgets all channels.
func (m *Multiplexer) Close() {
	for pair := m.readSubs.Oldest(); pair != nil; {
		next := pair.Next()
		m.dropReadSubscription(pair.Value)
		pair = next
	}
	for uuid := range m.createSubs {
		m.RemoveCreateSubscription(uuid)
	}
	for _, ch := range m.Channels() {
		ch.mu.Lock()
		ch.released = true
		ch.mu.Unlock()
		m.byStack.Del(ch.StackID)
		m.channels.Delete(ch.key)
	}
	m.byUser = make(map[string]uint64)
	m.byUUID = make(map[string][]uint64)
}
