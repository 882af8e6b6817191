package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/btsvc/internal/loop"
	"github.com/srg/btsvc/internal/sil"
	"github.com/srg/btsvc/internal/sil/simstack"
	"github.com/srg/btsvc/internal/svcerr"
	"github.com/srg/btsvc/internal/testutils"
	"github.com/srg/btsvc/internal/transport"
	"github.com/stretchr/testify/suite"
)

const testAddr = "aa:bb:cc:dd:ee:ff"

// sharedLogRequest records replies into a log shared by several requests, so
// cross-subscriber ordering can be checked.
type sharedLogRequest struct {
	name  string
	token transport.Token
	mu    *sync.Mutex
	log   *[]string
}

func (r *sharedLogRequest) Method() string             { return "/test/getStatus" }
func (r *sharedLogRequest) Client() string             { return r.name }
func (r *sharedLogRequest) Token() transport.Token     { return r.token }
func (r *sharedLogRequest) Payload() transport.Payload { return nil }
func (r *sharedLogRequest) Done()                      {}
func (r *sharedLogRequest) Reply(transport.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, r.name)
	return nil
}

type TrackerTestSuite struct {
	suite.Suite
	lp      *loop.Loop
	tr      *testutils.Transport
	stack   *simstack.Stack
	tracker *Tracker
	token   transport.Token
}

func (suite *TrackerTestSuite) SetupTest() {
	suite.lp = loop.New(nil)
	suite.Require().NoError(suite.lp.Start(context.Background()))
	suite.tr = testutils.NewTransport()
	suite.stack = simstack.New(nil)
	suite.tracker = New("spp", suite.lp, suite.tr, suite.stack.SPP(), nil)
	suite.stack.SPPSim().SetObserver(&observer{suite.tracker, suite.lp})
}

func (suite *TrackerTestSuite) TearDownTest() {
	_ = suite.lp.Do(suite.tracker.Close)
	_ = suite.stack.Close()
	suite.lp.Stop()
}

// observer forwards property changes to the tracker on the loop.
type observer struct {
	t  *Tracker
	lp *loop.Loop
}

func (o *observer) PropertiesChanged(address string, props []sil.Property) {
	o.lp.Post(func() { o.t.HandlePropertiesChanged(address, props) })
}
func (o *observer) ChannelStateChanged(string, string, string, sil.ChannelID, bool) {}
func (o *observer) DataReceived(sil.ChannelID, []byte)                             {}

func (suite *TrackerTestSuite) request(client string) *testutils.Request {
	suite.token++
	return testutils.NewRequest(client, suite.token, nil)
}

func (suite *TrackerTestSuite) onLoop(fn func()) {
	suite.Require().NoError(suite.lp.Do(fn))
}

func (suite *TrackerTestSuite) connect(client string, subscribe bool) *testutils.Request {
	req := suite.request(client)
	suite.onLoop(func() { suite.tracker.Connect(transport.Hold(req), testAddr, subscribe) })
	return req
}

func (suite *TrackerTestSuite) isConnected() bool {
	var ok bool
	suite.onLoop(func() { ok = suite.tracker.IsConnected(testAddr) })
	return ok
}

func (suite *TrackerTestSuite) waitReplies(req *testutils.Request, n int) {
	suite.Require().Eventually(func() bool { return req.Count() >= n }, time.Second, time.Millisecond,
		"expected %d replies", n)
}

// TestConnectSuccess verifies the Idle → Connecting → Connected path.
func (suite *TrackerTestSuite) TestConnectSuccess() {
	req := suite.connect("appA", false)

	var connecting bool
	suite.onLoop(func() { connecting = suite.tracker.IsConnecting(testAddr) })
	suite.Assert().True(connecting, "address MUST be connecting while the stack works")

	suite.waitReplies(req, 1)
	suite.Assert().Equal(true, req.Last()["returnValue"])
	suite.Assert().True(req.Closed(), "non-subscribed connect MUST end the call")
	suite.Assert().True(suite.isConnected())
	suite.Assert().True(suite.stack.SPPSim().IsConnected(testAddr))

	suite.onLoop(func() { connecting = suite.tracker.IsConnecting(testAddr) })
	suite.Assert().False(connecting, "connected address MUST leave the connecting set")
}

// TestConnectRejections verifies the guard conditions.
func (suite *TrackerTestSuite) TestConnectRejections() {
	suite.Run("already connecting", func() {
		var first, second *testutils.Request
		suite.onLoop(func() {
			first = suite.request("appA")
			second = suite.request("appB")
			suite.tracker.Connect(transport.Hold(first), "11:22:33:44:55:66", false)
			suite.tracker.Connect(transport.Hold(second), "11:22:33:44:55:66", false)
		})
		suite.Require().Equal(1, second.Count())
		suite.Assert().Equal(int(svcerr.AlreadyConnecting), second.Last()["errorCode"])
		suite.waitReplies(first, 1)
	})

	suite.Run("already connected", func() {
		suite.stack.SPPSim().SetConnected(testAddr, true)
		req := suite.connect("appA", false)
		suite.waitReplies(req, 1)
		suite.Assert().Equal(int(svcerr.AlreadyConnected), req.Last()["errorCode"],
			"connect to a device the stack reports connected MUST fail")
	})

	suite.Run("no address", func() {
		req := suite.request("appA")
		suite.onLoop(func() { suite.tracker.Connect(transport.Hold(req), "", false) })
		suite.Assert().Equal(int(svcerr.DeviceNotAvailable), req.Last()["errorCode"])
	})
}

// TestProfileUnavailable verifies behavior without a backend.
func (suite *TrackerTestSuite) TestProfileUnavailable() {
	tr := New("hfp", suite.lp, suite.tr, nil, nil)

	for _, op := range []func(*transport.Call){
		func(c *transport.Call) { tr.Connect(c, testAddr, false) },
		func(c *transport.Call) { tr.Disconnect(c, testAddr) },
		func(c *transport.Call) { tr.GetStatus(c, testAddr, false) },
	} {
		req := suite.request("appA")
		suite.onLoop(func() { op(transport.Hold(req)) })
		suite.Assert().Equal(int(svcerr.ProfileUnavailable), req.Last()["errorCode"])
		suite.Assert().True(req.Closed())
	}
}

// TestStackErrorIsVerbatim verifies stack failures reach the client unchanged.
func (suite *TrackerTestSuite) TestStackErrorIsVerbatim() {
	suite.stack.InjectError(simstack.OpConnect, &sil.Error{Code: 4, Text: "Page timeout"})

	req := suite.connect("appA", false)
	suite.waitReplies(req, 1)

	suite.Assert().Equal(4, req.Last()["errorCode"])
	suite.Assert().Equal("Page timeout", req.Last()["errorText"])

	var connecting bool
	suite.onLoop(func() { connecting = suite.tracker.IsConnecting(testAddr) })
	suite.Assert().False(connecting, "failed connect MUST revert to idle")
	suite.Assert().False(suite.isConnected())
}

// TestRequesterLossDisconnects verifies the auto-disconnect on client crash.
func (suite *TrackerTestSuite) TestRequesterLossDisconnects() {
	// GOAL: A connected device is released when its requester disappears
	//
	// TEST SCENARIO: appA connects → appA disconnects from the service → stack disconnect issued, state Idle

	req := suite.connect("appA", false)
	suite.waitReplies(req, 1)
	suite.Require().True(suite.isConnected())

	suite.tr.Disconnect("appA")

	suite.Assert().Eventually(func() bool { return !suite.stack.SPPSim().IsConnected(testAddr) },
		time.Second, time.Millisecond, "stack disconnect MUST be issued")
	suite.Assert().Eventually(func() bool { return !suite.isConnected() }, time.Second, time.Millisecond)
	suite.Assert().Eventually(func() bool { return suite.tr.WatchCount() == 0 }, time.Second, time.Millisecond,
		"connect watch MUST be torn down")
}

// TestRequesterLostWhileConnecting verifies the auto-disconnect when the
// requester leaves before the stack finished connecting.
func (suite *TrackerTestSuite) TestRequesterLostWhileConnecting() {
	// GOAL: A requester that vanished during the connect still gets its device released
	//
	// TEST SCENARIO: appA connects and leaves in the same loop turn → stack connects → stack disconnect issued, state Idle, no watch left

	req := suite.request("appA")
	suite.onLoop(func() {
		suite.tracker.Connect(transport.Hold(req), testAddr, false)
		suite.tr.Disconnect("appA")
	})
	suite.waitReplies(req, 1)

	suite.Assert().Eventually(func() bool { return !suite.stack.SPPSim().IsConnected(testAddr) },
		time.Second, time.Millisecond, "device of a vanished requester MUST be disconnected")
	suite.Assert().Eventually(func() bool { return !suite.isConnected() }, time.Second, time.Millisecond)
	suite.Assert().Eventually(func() bool { return suite.tr.WatchCount() == 0 }, time.Second, time.Millisecond,
		"no liveness watch MUST leak")

	var watches int
	suite.onLoop(func() { watches = len(suite.tracker.connectWatches) })
	suite.Assert().Zero(watches, "connect watch MUST be dropped")
}

// TestSubscribedConnect verifies the subscribed connect lifecycle.
func (suite *TrackerTestSuite) TestSubscribedConnect() {
	req := suite.connect("appA", true)
	suite.waitReplies(req, 1)
	suite.Assert().False(req.Closed(), "subscribed connect MUST keep the call open")

	suite.stack.SPPSim().SetConnected(testAddr, false)

	suite.waitReplies(req, 2)
	suite.Assert().Equal(false, req.Last()["connected"])
	suite.Assert().Equal(false, req.Last()["subscribed"])
	suite.Assert().Eventually(req.Closed, time.Second, time.Millisecond,
		"disconnect MUST end the subscribed connect")
}

// TestDisconnect verifies the explicit disconnect operation.
func (suite *TrackerTestSuite) TestDisconnect() {
	req := suite.request("appA")
	suite.onLoop(func() { suite.tracker.Disconnect(transport.Hold(req), testAddr) })
	suite.Assert().Equal(int(svcerr.NotConnected), req.Last()["errorCode"])

	conn := suite.connect("appA", false)
	suite.waitReplies(conn, 1)

	req = suite.request("appA")
	suite.onLoop(func() { suite.tracker.Disconnect(transport.Hold(req), testAddr) })
	suite.waitReplies(req, 1)
	suite.Assert().Equal(true, req.Last()["returnValue"])
	suite.Assert().False(suite.isConnected())
}

// TestStatusNotifications verifies subscriber fan-out.
func (suite *TrackerTestSuite) TestStatusNotifications() {
	// GOAL: Exact subscribers hear before wildcard subscribers, once per transition
	//
	// TEST SCENARIO: subscribe wildcard, then exact → connected, connected, disconnected → exact,all,exact,all

	var mu sync.Mutex
	var log []string
	all := &sharedLogRequest{name: "all", token: 100, mu: &mu, log: &log}
	exact := &sharedLogRequest{name: "exact", token: 101, mu: &mu, log: &log}

	suite.onLoop(func() {
		suite.tracker.GetStatus(transport.Hold(all), "", true)
		suite.tracker.GetStatus(transport.Hold(exact), testAddr, true)
	})
	suite.Assert().Equal(1, suite.tracker.StatusSubscribers(Wildcard))

	connected := []sil.Property{{Type: sil.PropertyConnected, Value: true}}
	gone := []sil.Property{{Type: sil.PropertyConnected, Value: false}}
	suite.onLoop(func() {
		suite.tracker.HandlePropertiesChanged(testAddr, connected)
		suite.tracker.HandlePropertiesChanged(testAddr, connected)
		suite.tracker.HandlePropertiesChanged(testAddr, gone)
		suite.tracker.HandlePropertiesChanged(testAddr, gone)
	})

	mu.Lock()
	defer mu.Unlock()
	suite.Assert().Equal([]string{
		"all", "exact", // initial replies
		"exact", "all", // connected
		"exact", "all", // disconnected
	}, log)
}

// TestStatusSubscriberLoss verifies subscriptions end with their client.
func (suite *TrackerTestSuite) TestStatusSubscriberLoss() {
	req := suite.request("appA")
	suite.onLoop(func() { suite.tracker.GetStatus(transport.Hold(req), testAddr, true) })
	suite.Require().Equal(1, req.Count())
	suite.Assert().Equal(true, req.Last()["subscribed"])

	suite.tr.Disconnect("appA")
	suite.Assert().Eventually(func() bool {
		var n int
		suite.onLoop(func() { n = suite.tracker.StatusSubscribers(testAddr) })
		return n == 0
	}, time.Second, time.Millisecond, "lost subscriber MUST be removed")
	suite.Assert().True(req.Closed())
}

// TestStatusSnapshot verifies the unsubscribed all-devices reply.
func (suite *TrackerTestSuite) TestStatusSnapshot() {
	suite.onLoop(func() {
		suite.tracker.MarkConnected("bb")
		suite.tracker.MarkConnecting("aa")
	})

	req := suite.request("appA")
	suite.onLoop(func() { suite.tracker.GetStatus(transport.Hold(req), "", false) })

	testutils.NewJSONAsserter(suite.T()).Assert(testutils.MustJSON(req.Last()), `{
		"returnValue": true,
		"subscribed": false,
		"devices": [
			{"address": "aa", "connecting": true, "connected": false},
			{"address": "bb", "connecting": false, "connected": true}
		]
	}`)
}

func TestTrackerTestSuite(t *testing.T) {
	suite.Run(t, new(TrackerTestSuite))
}
