// Package hfp is the hands-free profile service in the audio gateway role.
// Besides the shared connect, disconnect and getStatus operations it manages
// SCO audio subscriptions, forwards AT traffic without parsing it and runs ring
// sessions that re-announce an incoming call until stopped.
package hfp

import (
	"fmt"
	"io"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/loop"
	"github.com/srg/btsvc/internal/profile"
	"github.com/srg/btsvc/internal/sil"
	"github.com/srg/btsvc/internal/svcerr"
	"github.com/srg/btsvc/internal/tracker"
	"github.com/srg/btsvc/internal/transport"
	"github.com/srg/btsvc/internal/watch"
)

// Method names.
const (
	MethodConnect    = "/hfp/connect"
	MethodDisconnect = "/hfp/disconnect"
	MethodGetStatus  = "/hfp/getStatus"
	MethodOpenSCO    = "/hfp/openSCO"
	MethodCloseSCO   = "/hfp/closeSCO"
	MethodSendResult = "/hfp/sendResult"
	MethodReceiveAT  = "/hfp/receiveAT"
	MethodStartRing  = "/hfp/startRing"
	MethodStopRing   = "/hfp/stopRing"
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures the service.
type Options struct {
	RingInterval time.Duration `default:"3s"`
}

// ringSession re-sends RING (and +CLIP when a number is known) on a period.
type ringSession struct {
	address string
	number  string
	w       *watch.Watch
	task    *loop.Task
}

type atSub struct {
	address string
	w       *watch.Watch
}

// Service implements the /hfp/* methods.
type Service struct {
	lp     *loop.Loop
	live   transport.Liveness
	stack  sil.HFP
	logger *logrus.Logger
	opts   Options

	tracker *tracker.Tracker
	sco     map[string]*watch.Watch
	rings   map[string]*ringSession
	atSubs  []*atSub
}

// New creates the service and registers it as the stack's observer. A nil
// stack makes every method fail with ProfileUnavailable.
func New(lp *loop.Loop, live transport.Liveness, stack sil.HFP, logger *logrus.Logger, opts Options) *Service {
	if logger == nil {
		logger = noopLogger
	}
	if opts.RingInterval <= 0 {
		defaults.SetDefaults(&opts)
	}
	s := &Service{
		lp:     lp,
		live:   live,
		stack:  stack,
		logger: logger,
		opts:   opts,
		sco:    make(map[string]*watch.Watch),
		rings:  make(map[string]*ringSession),
	}
	var p sil.Profile
	if stack != nil {
		p = stack
	}
	s.tracker = tracker.New("hfp", lp, live, p, logger)
	s.tracker.OnChange(s.onConnectionChange)
	if stack != nil {
		stack.SetObserver(&observer{s: s})
	}
	return s
}

// Register installs the /hfp/* handlers on r.
func (s *Service) Register(r transport.Router) {
	routes := map[string]profile.CallFunc{
		MethodConnect:    s.connect,
		MethodDisconnect: s.disconnect,
		MethodGetStatus:  s.getStatus,
		MethodOpenSCO:    s.openSCO,
		MethodCloseSCO:   s.closeSCO,
		MethodSendResult: s.sendResult,
		MethodReceiveAT:  s.receiveAT,
		MethodStartRing:  s.startRing,
		MethodStopRing:   s.stopRing,
	}
	for method, fn := range routes {
		profile.Route(s.lp, r, method, s.guard(fn))
	}
}

func (s *Service) guard(fn profile.CallFunc) profile.CallFunc {
	return func(call *transport.Call) {
		if s.stack == nil {
			_ = call.Fail(svcerr.New(svcerr.ProfileUnavailable, "hfp backend is not available"))
			return
		}
		fn(call)
	}
}

// Tracker exposes the connection tracker.
func (s *Service) Tracker() *tracker.Tracker { return s.tracker }

// Ringing reports whether a ring session runs for address.
func (s *Service) Ringing(address string) bool {
	_, ok := s.rings[address]
	return ok
}

// Close ends every session and subscription. It must run on the loop.
func (s *Service) Close() {
	if s.stack != nil {
		s.stack.SetObserver(nil)
	}
	for address := range s.rings {
		s.endRing(address)
	}
	for address := range s.sco {
		s.endSCO(address)
	}
	for _, sub := range s.atSubs {
		sub.w.Close()
	}
	s.atSubs = nil
	s.tracker.Close()
}

func (s *Service) log(address string) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{"profile": "hfp", "address": address})
}

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

// connectedAddress decodes the address field and checks the device is up.
func (s *Service) connectedAddress(args *profile.Args) string {
	args.Require("address")
	address := args.String("address", "")
	if args.Err() == nil && !s.tracker.IsConnected(address) {
		args.Fail(svcerr.New(svcerr.NotConnected, "%s is not connected", address))
	}
	return address
}

func (s *Service) openSCO(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := s.connectedAddress(args)
	subscribe := args.Bool("subscribe", false)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	if _, exists := s.sco[address]; exists && subscribe {
		_ = call.Fail(svcerr.New(svcerr.DuplicateSubscription, "SCO of %s is already watched", address))
		return
	}

	owned := call.Transfer()
	s.stack.OpenSCO(address, func(err error) {
		s.post(owned, func() { s.onSCOOpened(owned, address, subscribe, err) })
	})
}

func (s *Service) onSCOOpened(call *transport.Call, address string, subscribe bool, err error) {
	if err != nil {
		_ = call.Fail(err)
		return
	}
	reply := transport.Success(transport.Payload{"address": address, "scoOpen": true, "subscribed": subscribe})
	if !subscribe {
		_ = call.Respond(reply)
		return
	}
	if _, exists := s.sco[address]; exists {
		// Lost the race against another subscriber while the stack worked.
		reply["subscribed"] = false
		_ = call.Respond(reply)
		return
	}
	var w *watch.Watch
	w = watch.New(s.lp, s.live, call, func() {
		if s.sco[address] != w {
			return
		}
		s.endSCO(address)
		s.stack.CloseSCO(address, func(err error) {
			if err != nil {
				s.log(address).WithError(err).Warn("Close SCO after subscriber loss failed")
			}
		})
	})
	s.sco[address] = w
	_ = w.Post(reply)
}

// endSCO ends the SCO subscription of address with a final notice.
func (s *Service) endSCO(address string) {
	w, ok := s.sco[address]
	if !ok {
		return
	}
	delete(s.sco, address)
	_ = w.Post(transport.Success(transport.Payload{"address": address, "scoOpen": false, "subscribed": false}))
	w.Close()
}

func (s *Service) closeSCO(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := s.connectedAddress(args)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	owned := call.Transfer()
	s.stack.CloseSCO(address, func(err error) {
		s.post(owned, func() {
			if err != nil {
				_ = owned.Fail(err)
				return
			}
			s.endSCO(address)
			_ = owned.Respond(transport.Success(transport.Payload{"address": address}))
		})
	})
}

func (s *Service) onSCOStateChanged(address string, open bool) {
	w, ok := s.sco[address]
	if !ok {
		return
	}
	if open {
		_ = w.Post(transport.Success(transport.Payload{"address": address, "scoOpen": true, "subscribed": true}))
		return
	}
	s.endSCO(address)
}

func (s *Service) sendResult(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := s.connectedAddress(args)
	args.Require("result")
	result := args.String("result", "")
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	owned := call.Transfer()
	s.stack.SendResult(address, result, func(err error) {
		s.post(owned, func() {
			if err != nil {
				_ = owned.Fail(err)
				return
			}
			_ = owned.Respond(transport.Success(transport.Payload{"address": address}))
		})
	})
}

// receiveAT subscribes to AT lines from address, or from every device when
// address is empty.
func (s *Service) receiveAT(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := args.String("address", "")
	subscribe := args.Bool("subscribe", false)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	if !subscribe {
		_ = call.Respond(transport.Success(transport.Payload{"address": address, "subscribed": false}))
		return
	}
	sub := &atSub{address: address}
	sub.w = watch.New(s.lp, s.live, call.Transfer(), func() { s.removeATSub(sub) })
	s.atSubs = append(s.atSubs, sub)
	_ = sub.w.Post(transport.Success(transport.Payload{"address": address, "subscribed": true}))
}

func (s *Service) removeATSub(sub *atSub) {
	for i, x := range s.atSubs {
		if x == sub {
			s.atSubs = append(s.atSubs[:i:i], s.atSubs[i+1:]...)
			break
		}
	}
	sub.w.Close()
}

func (s *Service) onATCommand(address, line string) {
	for _, sub := range s.atSubs {
		if sub.address != "" && sub.address != address {
			continue
		}
		_ = sub.w.Post(transport.Success(transport.Payload{"address": address, "command": line, "subscribed": true}))
	}
}

func (s *Service) startRing(call *transport.Call) {
	args := profile.ArgsOf(call)
	address := s.connectedAddress(args)
	number := args.String("number", "")
	subscribe := args.Bool("subscribe", false)
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	if _, exists := s.rings[address]; exists {
		_ = call.Fail(svcerr.New(svcerr.DuplicateSubscription, "%s is already ringing", address))
		return
	}

	rs := &ringSession{address: address, number: number}
	rs.w = watch.New(s.lp, s.live, call.Transfer(), func() {
		if s.rings[address] == rs {
			s.log(address).Info("Ring requester lost")
			s.endRing(address)
		}
	})
	s.rings[address] = rs
	s.ring(rs)
	rs.task = s.lp.Every(s.opts.RingInterval, func() bool {
		if s.rings[address] != rs {
			return false
		}
		s.ring(rs)
		return true
	})

	s.log(address).WithField("interval", s.opts.RingInterval).Info("Ring session started")
	reply := transport.Success(transport.Payload{"address": address, "ringing": true, "subscribed": subscribe})
	if subscribe {
		_ = rs.w.Post(reply)
		return
	}
	_ = rs.w.Respond(reply)
}

// ring announces the incoming call once.
func (s *Service) ring(rs *ringSession) {
	lines := []string{"RING"}
	if rs.number != "" {
		lines = append(lines, fmt.Sprintf("+CLIP: %q,%d", rs.number, clipType(rs.number)))
	}
	for _, line := range lines {
		s.stack.SendResult(rs.address, line, func(err error) {
			if err != nil {
				s.log(rs.address).WithError(err).Debug("Ring announce failed")
			}
		})
	}
}

// clipType is 145 for international numbers and 129 otherwise.
func clipType(number string) int {
	if len(number) > 0 && number[0] == '+' {
		return 145
	}
	return 129
}

// endRing stops the ring session of address and tells its subscriber.
func (s *Service) endRing(address string) {
	rs, ok := s.rings[address]
	if !ok {
		return
	}
	delete(s.rings, address)
	rs.task.Cancel()
	_ = rs.w.Post(transport.Success(transport.Payload{"address": address, "ringing": false, "subscribed": false}))
	rs.w.Close()
	s.log(address).Info("Ring session stopped")
}

func (s *Service) stopRing(call *transport.Call) {
	args := profile.ArgsOf(call)
	args.Require("address")
	address := args.String("address", "")
	if err := args.Err(); err != nil {
		_ = call.Fail(err)
		return
	}
	s.endRing(address)
	_ = call.Respond(transport.Success(transport.Payload{"address": address, "ringing": false}))
}

// onConnectionChange ends the sessions of a device that went away.
func (s *Service) onConnectionChange(address string, connected bool) {
	if connected {
		return
	}
	s.endRing(address)
	s.endSCO(address)
}
