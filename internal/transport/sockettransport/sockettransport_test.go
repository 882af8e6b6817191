package sockettransport

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/transport"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SocketTransportTestSuite struct {
	suite.Suite
	dir    string
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
}

func (suite *SocketTransportTestSuite) SetupTest() {
	dir, err := os.MkdirTemp("", "bts")
	suite.Require().NoError(err)
	suite.dir = dir

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	suite.server = NewServer(filepath.Join(dir, "t.sock"), logger)
	suite.ctx, suite.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	suite.Require().NoError(suite.server.Start(suite.ctx))
}

func (suite *SocketTransportTestSuite) TearDownTest() {
	suite.cancel()
	suite.NoError(suite.server.Close())
	_ = os.RemoveAll(suite.dir)
}

func (suite *SocketTransportTestSuite) dial(name string) *Client {
	c, err := Dial(suite.ctx, suite.server.Path(), name)
	suite.Require().NoError(err)
	suite.T().Cleanup(func() { _ = c.Close() })
	return c
}

// first performs a call and returns its first reply.
func (suite *SocketTransportTestSuite) first(c *Client, method string, p transport.Payload) transport.Payload {
	var got transport.Payload
	err := c.Call(suite.ctx, method, p, func(msg transport.Payload) bool {
		got = msg
		return false
	})
	suite.Require().NoError(err)
	return got
}

// TestRequestReply verifies a single round trip.
func (suite *SocketTransportTestSuite) TestRequestReply() {
	// GOAL: A registered client call reaches the handler with its identity and payload, and the reply comes back
	//
	// TEST SCENARIO: Register appA → call /echo {msg, n:7} → handler sees appA → reply carries msg and n as float64

	var seenClient atomic.Value
	suite.server.Handle("/echo", func(req transport.Request) {
		seenClient.Store(req.Client())
		_ = req.Reply(transport.Success(transport.Payload{"msg": req.Payload()["msg"], "n": req.Payload()["n"]}))
		req.Done()
	})

	c := suite.dial("appA")
	got := suite.first(c, "/echo", transport.Payload{"msg": "hi", "n": 7})

	suite.Equal("appA", seenClient.Load())
	suite.Equal(true, got["returnValue"])
	suite.Equal("hi", got["msg"])
	suite.Equal(float64(7), got["n"], "numbers MUST arrive as float64")
}

// TestTypedPayloadValues verifies JSON-marshalable payload values.
func (suite *SocketTransportTestSuite) TestTypedPayloadValues() {
	suite.server.Handle("/list", func(req transport.Request) {
		_ = req.Reply(transport.Payload{"devices": []string{"aa", "bb"}, "raw": []byte{1, 2, 3}})
		req.Done()
	})

	got := suite.first(suite.dial("appA"), "/list", nil)
	suite.Equal([]any{"aa", "bb"}, got["devices"])
	suite.Equal("AQID", got["raw"], "byte slices MUST travel as base64")
}

// TestDuplicateRegistration verifies that names are unique.
func (suite *SocketTransportTestSuite) TestDuplicateRegistration() {
	suite.dial("appA")

	_, err := Dial(suite.ctx, suite.server.Path(), "appA")
	suite.Error(err, "second registration of a name MUST be rejected")
	suite.Contains(err.Error(), "already registered")
}

// TestUnknownMethod verifies the failure reply for unrouted methods.
func (suite *SocketTransportTestSuite) TestUnknownMethod() {
	got := suite.first(suite.dial("appA"), "/nope", nil)
	suite.Equal(false, got["returnValue"])
	suite.Contains(got["errorText"], "/nope")
}

// TestSubscriptionAndCancel verifies repeated replies and cancellation.
func (suite *SocketTransportTestSuite) TestSubscriptionAndCancel() {
	// GOAL: A call may receive several replies, and a client that stops listening cancels it on the server
	//
	// TEST SCENARIO: Handler replies twice and watches cancel → client reads two replies then stops → cancel watch fires

	cancelled := make(chan struct{})
	suite.server.Handle("/sub", func(req transport.Request) {
		suite.server.WatchCancel(req.Token(), func() { close(cancelled) })
		_ = req.Reply(transport.Payload{"seq": 1})
		_ = req.Reply(transport.Payload{"seq": 2})
	})

	var seqs []float64
	err := suite.dial("appA").Call(suite.ctx, "/sub", nil, func(msg transport.Payload) bool {
		seqs = append(seqs, msg["seq"].(float64))
		return len(seqs) < 2
	})
	suite.Require().NoError(err)
	suite.Equal([]float64{1, 2}, seqs)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		suite.Fail("cancel watch MUST fire when the client stops the call")
	}
}

// TestDisconnectWatch verifies client loss notification.
func (suite *SocketTransportTestSuite) TestDisconnectWatch() {
	// GOAL: Closing a client connection fires its disconnect watches and frees its name
	//
	// TEST SCENARIO: Watch appA and appB → close appA → only appA watch fires → appA can register again

	ca := suite.dial("appA")
	suite.dial("appB")

	var a, b atomic.Int32
	suite.server.WatchDisconnect("appA", func() { a.Add(1) })
	stopB := suite.server.WatchDisconnect("appB", func() { b.Add(1) })
	defer stopB()

	suite.Require().NoError(ca.Close())

	suite.Eventually(func() bool { return a.Load() == 1 }, 2*time.Second, 5*time.Millisecond,
		"disconnect watch MUST fire")
	suite.Zero(b.Load(), "other clients' watches MUST NOT fire")

	suite.Eventually(func() bool {
		c, err := Dial(suite.ctx, suite.server.Path(), "appA")
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 5*time.Millisecond, "name MUST be reusable after disconnect")
}

// TestStopUnregisters verifies watch removal.
func (suite *SocketTransportTestSuite) TestStopUnregisters() {
	c := suite.dial("appA")

	var fired atomic.Int32
	stop := suite.server.WatchDisconnect("appA", func() { fired.Add(1) })
	stop()
	stop()

	suite.Require().NoError(c.Close())
	time.Sleep(50 * time.Millisecond)
	suite.Zero(fired.Load(), "stopped watch MUST NOT fire")
}

// TestWatchAfterClientLeft verifies that a watch on a missing client fires.
func (suite *SocketTransportTestSuite) TestWatchAfterClientLeft() {
	// GOAL: A disconnect watch registered after the client already left fires anyway, exactly once
	//
	// TEST SCENARIO: Dial appA → close it and wait until unregistered → watch appA → fires once; watch a never seen name → fires

	c := suite.dial("appA")
	suite.Require().NoError(c.Close())
	suite.Eventually(func() bool { return len(suite.server.Clients()) == 0 }, 2*time.Second, 5*time.Millisecond)

	var fired, ghost atomic.Int32
	suite.server.WatchDisconnect("appA", func() { fired.Add(1) })
	suite.server.WatchDisconnect("ghost", func() { ghost.Add(1) })

	suite.Eventually(func() bool { return fired.Load() == 1 && ghost.Load() == 1 }, 2*time.Second, 5*time.Millisecond,
		"watch on a departed client MUST fire")
	time.Sleep(20 * time.Millisecond)
	suite.Equal(int32(1), fired.Load(), "watch MUST fire only once")
}

// TestWatchAfterCallEnded verifies that a cancel watch on a finished call fires.
func (suite *SocketTransportTestSuite) TestWatchAfterCallEnded() {
	// GOAL: A cancel watch registered after the call was finished or cancelled fires; a live call does not
	//
	// TEST SCENARIO: Handler watches its open call (no fire) → finishes it → watches again → second watch fires

	var live, ended atomic.Int32
	suite.server.Handle("/done", func(req transport.Request) {
		stop := suite.server.WatchCancel(req.Token(), func() { live.Add(1) })
		defer stop()
		_ = req.Reply(transport.Success(nil))
		req.Done()
		suite.server.WatchCancel(req.Token(), func() { ended.Add(1) })
	})

	suite.first(suite.dial("appA"), "/done", nil)

	suite.Eventually(func() bool { return ended.Load() == 1 }, 2*time.Second, 5*time.Millisecond,
		"cancel watch on a finished call MUST fire")
	suite.Zero(live.Load(), "watch on an open call MUST NOT fire")
}

// TestCloseRemovesSocket verifies server shutdown.
func (suite *SocketTransportTestSuite) TestCloseRemovesSocket() {
	c := suite.dial("appA")
	suite.Require().NoError(suite.server.Close())

	_, err := os.Stat(suite.server.Path())
	suite.True(os.IsNotExist(err), "socket file MUST be removed")

	err = c.Call(suite.ctx, "/any", nil, func(transport.Payload) bool { return true })
	suite.ErrorIs(err, ErrClientClosed)
}

func TestSocketTransportTestSuite(t *testing.T) {
	suite.Run(t, new(SocketTransportTestSuite))
}

func TestReadFrameLimit(t *testing.T) {
	st, err := encode(map[string]any{"payload": map[string]any{"data": "0123456789"}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, st))
	raw := buf.Bytes()

	_, err = readFrame(bytes.NewReader(raw), 4)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	msg, err := readFrame(bytes.NewReader(raw), 0)
	require.NoError(t, err)
	require.Equal(t, transport.Payload{"data": "0123456789"}, payloadOf(msg))
}
