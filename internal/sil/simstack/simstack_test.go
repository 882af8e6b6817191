package simstack

import (
	"errors"
	"sync"
	"testing"

	"github.com/srg/btsvc/internal/sil"
	"github.com/stretchr/testify/suite"
)

type recordingObserver struct {
	mu       sync.Mutex
	props    []bool
	channels []string
	data     [][]byte
}

func (o *recordingObserver) PropertiesChanged(address string, props []sil.Property) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range props {
		if p.Type == sil.PropertyConnected {
			o.props = append(o.props, p.Bool())
		}
	}
}

func (o *recordingObserver) ChannelStateChanged(adapter, address, uuid string, id sil.ChannelID, connected bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := "down"
	if connected {
		state = "up"
	}
	o.channels = append(o.channels, address+"/"+uuid+"/"+state)
}

func (o *recordingObserver) DataReceived(id sil.ChannelID, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = append(o.data, data)
}

type SimStackTestSuite struct {
	suite.Suite
	stack *Stack
	obs   *recordingObserver
}

func (suite *SimStackTestSuite) SetupTest() {
	suite.stack = New(nil, Options{Synchronous: true})
	suite.obs = &recordingObserver{}
	suite.stack.SPPSim().SetObserver(suite.obs)
}

func (suite *SimStackTestSuite) TestConnectAndProperty() {
	spp := suite.stack.SPP()
	var connectErr error = errors.New("not called")
	spp.Connect("aa:bb:cc:dd:ee:ff", func(err error) { connectErr = err })
	suite.Require().NoError(connectErr)

	var prop sil.Property
	spp.GetProperty("aa:bb:cc:dd:ee:ff", sil.PropertyConnected, func(p sil.Property, err error) {
		suite.Require().NoError(err)
		prop = p
	})
	suite.Assert().True(prop.Bool(), "connected property MUST reflect the link")
	suite.Assert().Equal([]bool{true}, suite.obs.props, "connect MUST be reported to the observer")
}

func (suite *SimStackTestSuite) TestInjectedErrorIsConsumedOnce() {
	spp := suite.stack.SPP()
	injected := &sil.Error{Code: 4, Text: "Page timeout"}
	suite.stack.InjectError(OpConnect, injected)

	var first, second error
	spp.Connect("aa", func(err error) { first = err })
	spp.Connect("aa", func(err error) { second = err })

	suite.Assert().Same(injected, first)
	suite.Assert().NoError(second, "injected error MUST fail only one call")
}

func (suite *SimStackTestSuite) TestRemoteChannelLifecycle() {
	sim := suite.stack.SPPSim()
	uuid := "00001101-0000-1000-8000-00805f9b34fb"

	_, err := sim.RemoteConnect("aa", uuid, 0)
	suite.Require().Error(err, "remote connect to an unadvertised uuid MUST fail")

	suite.Require().NoError(sim.CreateChannel("serial", uuid))
	id, err := sim.RemoteConnect("aa", uuid, 7)
	suite.Require().NoError(err)
	suite.Assert().Equal(sil.ChannelID(7), id)

	var writeErr error = errors.New("not called")
	sim.WriteData(id, []byte{1, 2, 3}, func(err error) { writeErr = err })
	suite.Require().NoError(writeErr)
	suite.Assert().Equal([][]byte{{1, 2, 3}}, sim.Written(id))

	sim.RemoteSend(id, []byte("hi"))
	sim.RemoteDisconnect(id)

	suite.Assert().Equal([]string{"aa/" + uuid + "/up", "aa/" + uuid + "/down"}, suite.obs.channels)
	suite.Assert().Equal([][]byte{[]byte("hi")}, suite.obs.data)

	sim.WriteData(id, []byte{4}, func(err error) { writeErr = err })
	suite.Assert().Error(writeErr, "write to a closed channel MUST fail")
}

func (suite *SimStackTestSuite) TestHFPResults() {
	hfp := suite.stack.HFPSim()

	var err error
	hfp.SendResult("aa", "RING", func(e error) { err = e })
	suite.Assert().Error(err, "sending to a disconnected device MUST fail")

	hfp.Connect("aa", func(error) {})
	hfp.SendResult("aa", "RING", func(e error) { err = e })
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{"RING"}, hfp.SentResults("aa"))

	hfp.OpenSCO("aa", func(e error) { err = e })
	suite.Require().NoError(err)
	suite.Assert().True(hfp.SCOOpen("aa"))
}

func TestSimStackTestSuite(t *testing.T) {
	suite.Run(t, new(SimStackTestSuite))
}
