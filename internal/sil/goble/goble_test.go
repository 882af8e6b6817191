package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/btsvc/internal/sil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	nusService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	nusTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	address    = "aa:bb:cc:dd:ee:ff"
)

type mockClient struct {
	mock.Mock
	disconnected chan struct{}
}

func (m *mockClient) Name() string { return m.Called().String(0) }
func (m *mockClient) ReadRSSI() int {
	return m.Called().Int(0)
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, append([]byte(nil), value...), noRsp).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error { return m.Called().Error(0) }

func (m *mockClient) Disconnected() <-chan struct{} { return m.disconnected }

type recordingObserver struct {
	mu        sync.Mutex
	connected []bool
	channels  []string
	data      [][]byte
}

func (o *recordingObserver) PropertiesChanged(_ string, props []sil.Property) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range props {
		if p.Type == sil.PropertyConnected {
			o.connected = append(o.connected, p.Bool())
		}
	}
}

func (o *recordingObserver) ChannelStateChanged(_, addr, uuid string, _ sil.ChannelID, up bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := "down"
	if up {
		state = "up"
	}
	o.channels = append(o.channels, addr+"/"+uuid+"/"+state)
}

func (o *recordingObserver) DataReceived(_ sil.ChannelID, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = append(o.data, data)
}

func (o *recordingObserver) snapshot() ([]bool, []string, [][]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.connected...), append([]string(nil), o.channels...), append([][]byte(nil), o.data...)
}

func nusProfile() (*ble.Profile, *ble.Characteristic, *ble.Characteristic) {
	tx := &ble.Characteristic{UUID: ble.MustParse(nusTX), Property: ble.CharNotify}
	rx := &ble.Characteristic{UUID: ble.MustParse(nusRX), Property: ble.CharWrite | ble.CharWriteNR}
	svc := &ble.Service{UUID: ble.MustParse(nusService), Characteristics: []*ble.Characteristic{tx, rx}}
	return &ble.Profile{Services: []*ble.Service{svc}}, tx, rx
}

func await(t *testing.T, op func(cb sil.ResultFunc)) error {
	t.Helper()
	done := make(chan error, 1)
	op(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("callback MUST be invoked")
		return nil
	}
}

type GobleTestSuite struct {
	suite.Suite
	client  *mockClient
	dials   int
	backend *Backend
	obs     *recordingObserver
}

func (suite *GobleTestSuite) SetupTest() {
	suite.client = &mockClient{disconnected: make(chan struct{})}
	suite.dials = 0
	suite.backend = newBackend(nil, Options{WriteChunk: 4}, func(ctx context.Context, addr string) (gattClient, error) {
		suite.dials++
		return suite.client, nil
	})
	suite.obs = &recordingObserver{}
	suite.backend.SPP().SetObserver(suite.obs)
}

// GOAL: Verify a NUS service is opened as a channel and carries data both ways
//
// TEST SCENARIO: ConnectUUID discovers the service, notifications reach the observer, writes are chunked
func (suite *GobleTestSuite) TestConnectUUIDAndTraffic() {
	profile, tx, rx := nusProfile()
	var notify ble.NotificationHandler
	suite.client.On("DiscoverProfile", true).Return(profile, nil)
	suite.client.On("Subscribe", tx, false, mock.Anything).Run(func(args mock.Arguments) {
		notify = args.Get(2).(ble.NotificationHandler)
	}).Return(nil)
	suite.client.On("WriteCharacteristic", rx, []byte("hell"), false).Return(nil).Once()
	suite.client.On("WriteCharacteristic", rx, []byte("o"), false).Return(nil).Once()

	spp := suite.backend.SPP()
	suite.Require().NoError(await(suite.T(), func(cb sil.ResultFunc) { spp.ConnectUUID(address, nusService, cb) }))
	suite.Require().NotNil(notify, "notify characteristic MUST be subscribed")
	suite.Assert().Equal(1, suite.dials, "ConnectUUID MUST dial a missing link")

	notify([]byte("ping"))

	suite.Require().NoError(await(suite.T(), func(cb sil.ResultFunc) { spp.WriteData(1, []byte("hello"), cb) }))
	suite.client.AssertExpectations(suite.T())

	connected, channels, data := suite.obs.snapshot()
	suite.Assert().Equal([]bool{true}, connected)
	suite.Assert().Equal([]string{address + "/" + nusService + "/up"}, channels)
	suite.Assert().Equal([][]byte{[]byte("ping")}, data)
}

// GOAL: Verify a missing service is reported as a stack error
//
// TEST SCENARIO: Discovered profile lacks the UUID, ConnectUUID fails with DoesNotExist
func (suite *GobleTestSuite) TestConnectUUIDMissingService() {
	suite.client.On("DiscoverProfile", true).Return(&ble.Profile{}, nil)

	err := await(suite.T(), func(cb sil.ResultFunc) { suite.backend.SPP().ConnectUUID(address, nusService, cb) })

	var serr *sil.Error
	suite.Require().ErrorAs(err, &serr)
	suite.Assert().Equal(codeDoesNotExist, serr.Code)
}

// GOAL: Verify the remote dropping the link closes its channels
//
// TEST SCENARIO: Open a channel, close the Disconnected channel, observer sees channel down and connected=false
func (suite *GobleTestSuite) TestRemoteDisconnect() {
	profile, tx, _ := nusProfile()
	suite.client.On("DiscoverProfile", true).Return(profile, nil)
	suite.client.On("Subscribe", tx, false, mock.Anything).Return(nil)

	spp := suite.backend.SPP()
	suite.Require().NoError(await(suite.T(), func(cb sil.ResultFunc) { spp.ConnectUUID(address, nusService, cb) }))

	close(suite.client.disconnected)

	suite.Eventually(func() bool {
		connected, _, _ := suite.obs.snapshot()
		return len(connected) == 2
	}, 2*time.Second, 5*time.Millisecond, "disconnect MUST be reported")

	connected, channels, _ := suite.obs.snapshot()
	suite.Assert().Equal([]bool{true, false}, connected)
	suite.Assert().Equal([]string{address + "/" + nusService + "/up", address + "/" + nusService + "/down"}, channels)

	err := await(suite.T(), func(cb sil.ResultFunc) { spp.WriteData(1, []byte("x"), cb) })
	suite.Assert().Error(err, "writes on a dropped channel MUST fail")
}

// GOAL: Verify Connect and Disconnect drive the link
//
// TEST SCENARIO: Connect twice (second fails), read name, Disconnect cancels the connection
func (suite *GobleTestSuite) TestConnectDisconnect() {
	suite.client.On("Name").Return("Widget")
	suite.client.On("CancelConnection").Return(nil)
	spp := suite.backend.SPP()

	suite.Require().NoError(await(suite.T(), func(cb sil.ResultFunc) { spp.Connect(address, cb) }))
	err := await(suite.T(), func(cb sil.ResultFunc) { spp.Connect(address, cb) })
	var serr *sil.Error
	suite.Require().ErrorAs(err, &serr)
	suite.Assert().Equal(codeAlreadyConnected, serr.Code)

	name := make(chan sil.Property, 1)
	spp.GetProperty(address, sil.PropertyName, func(p sil.Property, err error) { name <- p })
	suite.Assert().Equal("Widget", (<-name).Value)

	suite.Require().NoError(await(suite.T(), func(cb sil.ResultFunc) { spp.Disconnect(address, cb) }))
	suite.client.AssertCalled(suite.T(), "CancelConnection")

	connected, _, _ := suite.obs.snapshot()
	suite.Assert().Equal([]bool{true, false}, connected)
}

func (suite *GobleTestSuite) TestServerChannelsUnsupported() {
	var serr *sil.Error
	suite.Require().ErrorAs(suite.backend.SPP().CreateChannel("serial", nusService), &serr)
	suite.Assert().Equal(codeNotSupported, serr.Code)
	suite.Assert().Nil(suite.backend.HFP(), "BLE backend MUST NOT offer HFP")
}

func TestGobleTestSuite(t *testing.T) {
	suite.Run(t, new(GobleTestSuite))
}

func TestStackError(t *testing.T) {
	tests := []struct {
		msg  string
		code int
	}{
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", codeBluetoothOff},
		{"device already connected", codeAlreadyConnected},
		{"device not connected", codeNotConnected},
		{"context deadline exceeded", codeTimeout},
		{"something odd", codeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			var serr *sil.Error
			require.ErrorAs(t, stackError(errors.New(tt.msg)), &serr)
			assert.Equal(t, tt.code, serr.Code)
			assert.Equal(t, tt.msg, serr.Text)
		})
	}
	assert.NoError(t, stackError(nil))
}
