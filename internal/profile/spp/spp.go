// Package spp is the serial port profile service. It answers the /spp/*
// methods by composing the connection tracker, the channel multiplexer and,
// when enabled, one byte bridge per open channel.
//
// Stack events enter through a single observer that hops onto the event loop;
// every piece of service state is owned by the loop.
package spp

import (
	"encoding/base64"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/bridge"
	"github.com/srg/btsvc/internal/loop"
	"github.com/srg/btsvc/internal/mux"
	"github.com/srg/btsvc/internal/profile"
	"github.com/srg/btsvc/internal/sil"
	"github.com/srg/btsvc/internal/svcclass"
	"github.com/srg/btsvc/internal/svcerr"
	"github.com/srg/btsvc/internal/tracker"
	"github.com/srg/btsvc/internal/transport"
	"github.com/srg/btsvc/internal/watch"
)

// Method names.
const (
	MethodConnect         = "/spp/connect"
	MethodDisconnect      = "/spp/disconnect"
	MethodGetStatus       = "/spp/getStatus"
	MethodCreateChannel   = "/spp/createChannel"
	MethodRemoveChannel   = "/spp/removeChannel"
	MethodConnectUUID     = "/spp/connectUuid"
	MethodDisconnectUUID  = "/spp/disconnectUuid"
	MethodGetChannelState = "/spp/getChannelState"
	MethodWriteData       = "/spp/writeData"
	MethodReadData        = "/spp/readData"
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures the service.
type Options struct {
	Mux mux.Options
	// BridgeEnabled opens a byte bridge for every allocated channel.
	BridgeEnabled bool
	Bridge        bridge.Options
}

// Service implements the /spp/* methods.
type Service struct {
	lp     *loop.Loop
	live   transport.Liveness
	stack  sil.SPP
	logger *logrus.Logger
	opts   Options

	tracker *tracker.Tracker
	mux     *mux.Multiplexer
	bridges map[sil.ChannelID]*bridge.Bridge
	pending map[string]*watch.Watch
}

// New creates the service and registers it as the stack's observer. A nil
// stack makes every method fail with ProfileUnavailable.
func New(lp *loop.Loop, live transport.Liveness, stack sil.SPP, logger *logrus.Logger, opts Options) *Service {
	if logger == nil {
		logger = noopLogger
	}
	s := &Service{
		lp:      lp,
		live:    live,
		stack:   stack,
		logger:  logger,
		opts:    opts,
		mux:     mux.New(lp, logger, opts.Mux),
		bridges: make(map[sil.ChannelID]*bridge.Bridge),
		pending: make(map[string]*watch.Watch),
	}
	var p sil.Profile
	if stack != nil {
		p = stack
	}
	s.tracker = tracker.New("spp", lp, live, p, logger)
	if stack != nil {
		stack.SetObserver(newObserver(s))
	}
	return s
}

// Register installs the /spp/* handlers on r.
func (s *Service) Register(r transport.Router) {
	routes := map[string]profile.CallFunc{
		MethodConnect:         s.connect,
		MethodDisconnect:      s.disconnect,
		MethodGetStatus:       s.getStatus,
		MethodCreateChannel:   s.createChannel,
		MethodRemoveChannel:   s.removeChannel,
		MethodConnectUUID:     s.connectUUID,
		MethodDisconnectUUID:  s.disconnectUUID,
		MethodGetChannelState: s.getChannelState,
		MethodWriteData:       s.writeData,
		MethodReadData:        s.readData,
	}
	for method, fn := range routes {
		profile.Route(s.lp, r, method, s.guard(fn))
	}
}

// guard fails every call while no stack is bound.
func (s *Service) guard(fn profile.CallFunc) profile.CallFunc {
	return func(call *transport.Call) {
		if s.stack == nil {
			_ = call.Fail(svcerr.New(svcerr.ProfileUnavailable, "spp backend is not available"))
			return
		}
		fn(call)
	}
}

// Tracker exposes the connection tracker.
func (s *Service) Tracker() *tracker.Tracker { return s.tracker }

// Mux exposes the channel multiplexer.
func (s *Service) Mux() *mux.Multiplexer { return s.mux }

// Bridge returns the bridge of channel userID.
func (s *Service) Bridge(userID string) (*bridge.Bridge, bool) {
	ch, ok := s.mux.ChannelByUser(userID)
	if !ok {
		return nil, false
	}
	b, ok := s.bridges[ch.StackID]
	return b, ok
}

// Close ends every subscription and bridge. It must run on the loop.
func (s *Service) Close() {
	if s.stack != nil {
		s.stack.SetObserver(nil)
	}
	for key, w := range s.pending {
		w.Close()
		delete(s.pending, key)
	}
	for id, b := range s.bridges {
		_ = b.Close()
		delete(s.bridges, id)
	}
	s.mux.Close()
	s.tracker.Close()
}

// post runs fn on the loop. If the loop is gone the call is released.
func (s *Service) post(call *transport.Call, fn func()) {
	if !s.lp.Post(fn) {
		call.Release()
	}
}

func (s *Service) connect(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := args.String("address", "")
	subscribe := args.Bool("subscribe", false)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	s.tracker.Connect(call, address, subscribe)
}

func (s *Service) disconnect(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := args.String("address", "")
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	s.tracker.Disconnect(call, address)
}

func (s *Service) getStatus(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := args.String("address", "")
	subscribe := args.Bool("subscribe", false)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	s.tracker.GetStatus(call, address, subscribe)
}

// uuidArg decodes and canonicalises the uuid field.
func uuidArg(args *profile.Args) string {
	args.Require("uuid")
	raw := args.String("uuid", "")
	if args.Err() != nil {
		return ""
	}
	uuid, err := svcclass.NormalizeUUID(raw)
	if err != nil {
		args.Fail(err)
		return ""
	}
	return uuid
}

func (s *Service) createChannel(call *transport.Call) {
	args := profile.ArgsOf(call)
	uuid := uuidArg(args)
	name := args.String("name", "")
	subscribe := args.Bool("subscribe", false)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	if name == "" {
		name = svcclass.Name(uuid)
	}
	if _, exists := s.mux.CreateSubscriptionFor(uuid); exists {
		_ = call.Fail(svcerr.New(svcerr.DuplicateSubscription, "uuid %s is already advertised", uuid))
		return
	}
	if err := s.stack.CreateChannel(name, uuid); err != nil {
		_ = call.Fail(err)
		return
	}

	app := call.Client()
	w := watch.New(s.lp, s.live, call.Transfer(), func() { s.onCreatorLost(uuid) })
	if err := s.mux.AddCreateSubscription(uuid, name, app, w); err != nil {
		_ = w.Respond(transport.Failure(err))
		w.Close()
		return
	}

	s.logger.WithFields(logrus.Fields{"uuid": uuid, "name": name, "app": app}).Info("Channel advertised")
	reply := transport.Success(transport.Payload{"uuid": uuid, "name": name, "subscribed": subscribe})
	if subscribe {
		_ = w.Post(reply)
		return
	}
	_ = w.Respond(reply)
}

// onCreatorLost withdraws an advertised uuid whose creator went away.
func (s *Service) onCreatorLost(uuid string) {
	if !s.mux.RemoveCreateSubscription(uuid) {
		return
	}
	if err := s.stack.RemoveChannel(uuid); err != nil {
		s.logger.WithError(err).WithField("uuid", uuid).Warn("Remove channel after creator loss failed")
	}
}

func (s *Service) removeChannel(call *transport.Call) {
	args := profile.ArgsOf(call)
	uuid := uuidArg(args)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	if sub, ok := s.mux.CreateSubscriptionFor(uuid); ok && sub.Owner != call.Client() {
		_ = call.Fail(svcerr.New(svcerr.PermissionDenied, "uuid %s is not advertised by %s", uuid, call.Client()))
		return
	}
	if err := s.stack.RemoveChannel(uuid); err != nil {
		_ = call.Fail(err)
		return
	}
	if sub, ok := s.mux.CreateSubscriptionFor(uuid); ok {
		_ = sub.Sink.Post(transport.Success(transport.Payload{"uuid": uuid, "subscribed": false}))
		s.mux.RemoveCreateSubscription(uuid)
	}
	_ = call.Respond(transport.Success(transport.Payload{"uuid": uuid}))
}

func pendingKey(address, uuid string) string { return address + "|" + uuid }

func (s *Service) connectUUID(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := args.String("address", "")
	uuid := uuidArg(args)
	args.Require("address")
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	key := pendingKey(address, uuid)
	if _, busy := s.pending[key]; busy {
		_ = call.Fail(svcerr.New(svcerr.AlreadyConnecting, "%s is already opening %s", address, uuid))
		return
	}

	app := call.Client()
	s.mux.MarkConnecting(uuid, app)
	var w *watch.Watch
	w = watch.New(s.lp, s.live, call.Transfer(), func() { s.dropPending(key, w) })
	s.pending[key] = w

	s.stack.ConnectUUID(address, uuid, func(err error) {
		if !s.lp.Post(func() { s.onConnectUUID(w, address, uuid, err) }) {
			w.Close()
		}
	})
}

// onConnectUUID handles the stack's answer to connectUuid. Success waits for
// the channel report unless the channel is already open.
func (s *Service) onConnectUUID(w *watch.Watch, address, uuid string, err error) {
	key := pendingKey(address, uuid)
	if s.pending[key] != w {
		return
	}
	if err != nil {
		s.mux.ClearConnecting(uuid)
		s.resolvePending(key, transport.Failure(err))
		return
	}
	for _, ch := range s.mux.ChannelsByUUID(uuid) {
		if ch.Address == address {
			s.resolvePending(key, channelReply(ch))
			return
		}
	}
}

// resolvePending answers the connectUuid waiting on key.
func (s *Service) resolvePending(key string, reply transport.Payload) {
	w, ok := s.pending[key]
	if !ok {
		return
	}
	delete(s.pending, key)
	_ = w.Respond(reply)
	w.Close()
}

func (s *Service) dropPending(key string, w *watch.Watch) {
	if s.pending[key] == w {
		delete(s.pending, key)
	}
	w.Close()
}

func channelReply(ch *mux.Channel) transport.Payload {
	return transport.Success(transport.Payload{
		"channelId": ch.UserID,
		"address":   ch.Address,
		"uuid":      ch.UUID,
	})
}

// channelArg resolves channelId and checks the caller owns it.
func (s *Service) channelArg(call *transport.Call, args *profile.Args) *mux.Channel {
	args.Require("channelId")
	id := args.String("channelId", "")
	if args.Err() != nil {
		return nil
	}
	ch, err := s.mux.CheckOwner(id, call.Client())
	if err != nil {
		args.Fail(err)
		return nil
	}
	return ch
}

func (s *Service) disconnectUUID(call *transport.Call) {
	args := profile.ArgsOf(call)
	ch := s.channelArg(call, args)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	owned := call.Transfer()
	s.stack.DisconnectUUID(ch.StackID, func(err error) {
		s.post(owned, func() {
			if err != nil {
				_ = owned.Fail(err)
				return
			}
			_ = owned.Respond(transport.Success(transport.Payload{"channelId": ch.UserID}))
		})
	})
}

func (s *Service) getChannelState(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := args.String("address", "")
	uuid := uuidArg(args)
	args.Require("address")
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	owned := call.Transfer()
	s.stack.GetChannelState(address, uuid, func(connected bool, id sil.ChannelID, err error) {
		s.post(owned, func() {
			if err != nil {
				_ = owned.Fail(err)
				return
			}
			reply := transport.Payload{"address": address, "uuid": uuid, "connected": connected}
			if ch, ok := s.mux.ChannelByStack(id); ok && connected {
				reply["channelId"] = ch.UserID
			}
			_ = owned.Respond(transport.Success(reply))
		})
	})
}

func (s *Service) writeData(call *transport.Call) {
	args := profile.ArgsOf(call)
	ch := s.channelArg(call, args)
	args.Require("data")
	data := args.Bytes("data")
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	owned := call.Transfer()
	s.stack.WriteData(ch.StackID, data, func(err error) {
		s.post(owned, func() {
			if err != nil {
				_ = owned.Fail(err)
				return
			}
			_ = owned.Respond(transport.Success(transport.Payload{"channelId": ch.UserID, "size": len(data)}))
		})
	})
}

func (s *Service) readData(call *transport.Call) {
	args := profile.ArgsOf(call)
	id := args.String("channelId", "")
	timeout := args.Int("timeout", 0)
	subscribe := args.Bool("subscribe", false)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	app := call.Client()

	if !subscribe {
		read, data, err := s.mux.GetBufferedData(id, app)
		if err != nil {
			_ = call.Fail(err)
			return
		}
		_ = call.Respond(transport.Success(transport.Payload{
			"channelId":  read,
			"data":       encode(data),
			"size":       len(data),
			"subscribed": false,
		}))
		return
	}

	var h mux.Handle
	w := watch.New(s.lp, s.live, call.Transfer(), func() { s.mux.RemoveReadSubscription(h) })
	h, err := s.mux.AddReadSubscription(id, timeout, app, w)
	if err != nil {
		_ = w.Respond(transport.Failure(err))
		w.Close()
		return
	}
	_ = w.Post(transport.Success(transport.Payload{"channelId": id, "subscribed": true}))
}

// channelUp registers a channel the stack reported connected.
func (s *Service) channelUp(address, uuid string, id sil.ChannelID) {
	requester, _ := s.mux.ConnectingOwner(uuid)
	userID, ok := s.mux.AllocateChannel(id, address, uuid, requester)
	if !ok {
		return
	}
	ch, _ := s.mux.ChannelByUser(userID)

	s.notifyCreator(ch, true)
	s.resolvePending(pendingKey(address, uuid), channelReply(ch))
	if s.opts.BridgeEnabled {
		s.openBridge(ch)
	}
}

// channelDown releases a channel the stack reported disconnected.
func (s *Service) channelDown(adapter string, id sil.ChannelID) {
	ch, ok := s.mux.ReleaseChannel(id, adapter)
	if !ok {
		return
	}
	s.notifyCreator(ch, false)
	if b, ok := s.bridges[id]; ok {
		_ = b.Close()
		delete(s.bridges, id)
	}
}

func (s *Service) notifyCreator(ch *mux.Channel, connected bool) {
	sub, ok := s.mux.CreateSubscriptionFor(ch.UUID)
	if !ok {
		return
	}
	name := sub.Name
	if name == "" {
		name = svcclass.Name(ch.UUID)
	}
	_ = sub.Sink.Post(transport.Success(transport.Payload{
		"channelId":   ch.UserID,
		"address":     ch.Address,
		"uuid":        ch.UUID,
		"serviceName": name,
		"connected":   connected,
		"subscribed":  true,
	}))
}

func (s *Service) openBridge(ch *mux.Channel) {
	stackID := ch.StackID
	b, err := bridge.Open(s.lp, ch.UserID, s.opts.Bridge, func(data []byte) {
		s.stack.WriteData(stackID, data, func(err error) {
			if err != nil {
				s.logger.WithError(err).WithField("stack_channel_id", stackID).Warn("Bridge write to stack failed")
			}
		})
	}, s.logger)
	if err != nil {
		s.logger.WithError(err).WithField("channel_id", ch.UserID).Warn("Bridge open failed")
		return
	}
	s.bridges[stackID] = b
}

// forward hands data received on a channel to its bridge.
func (s *Service) forward(id sil.ChannelID, data []byte) {
	if b, ok := s.bridges[id]; ok {
		_ = b.Send(data)
	}
}

func encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
