package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srg/btsvc/internal/sil/simstack"
	"github.com/srg/btsvc/internal/svcerr"
	"github.com/srg/btsvc/internal/transport"
	"github.com/srg/btsvc/internal/transport/sockettransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testDevice = "00:11:22:33:44:55"

type CommandsTestSuite struct {
	CommandTestSuite
}

// GOAL: Verify the service-class listing
//
// TEST SCENARIO: list classes filtered by profile, then look up one by full UUID
func (s *CommandsTestSuite) TestClasses() {
	out, err := s.ExecuteCommand("classes", "--profile", "hfp")
	s.Require().NoError(err)
	s.AssertText(out, `UUID  NAME                     PROFILE
111e  Handsfree                hfp
111f  Handsfree Audio Gateway  hfp
`)

	resetFlags()
	out, err = s.ExecuteCommand("classes", "00001101-0000-1000-8000-00805F9B34FB")
	s.Require().NoError(err)
	s.AssertText(out, `UUID  NAME         PROFILE
1101  Serial Port  spp
`)

	resetFlags()
	_, err = s.ExecuteCommand("classes", "dead")
	s.Assert().ErrorContains(err, `unknown service class "dead"`)
}

func (s *CommandsTestSuite) TestVersion() {
	out, err := s.ExecuteCommand("version")
	s.Require().NoError(err)
	s.AssertText(out, "btsvc dev (commit none, built unknown)\n")
}

// GOAL: Verify a one-shot call prints the reply and exits
//
// TEST SCENARIO: connect a simulated device, then query its status from a second app
func (s *CommandsTestSuite) TestCallConnectAndStatus() {
	s.StartDaemon()

	out, err := s.Call("app", "/spp/connect", fmt.Sprintf(`{"address": %q}`, testDevice))
	s.Require().NoError(err, "connect MUST succeed")
	s.AssertJSONLine(strings.TrimSpace(out), `{"returnValue": true, "address": "`+testDevice+`", "subscribed": false}`)

	// The connect requester has exited, so the device is released again
	s.Require().Eventually(func() bool {
		resetFlags()
		out, err = s.Call("monitor", "/spp/getStatus", fmt.Sprintf(`{"address": %q}`, testDevice))
		return err == nil && strings.Contains(out, `"connected":false`)
	}, 2*time.Second, 20*time.Millisecond, "requester exit MUST disconnect the device")
}

// GOAL: Verify failed calls print the failure payload and return an error
//
// TEST SCENARIO: write to a channel that does not exist
func (s *CommandsTestSuite) TestCallFailure() {
	s.StartDaemon()

	out, err := s.Call("app", "/spp/writeData", `{"channelId": "042", "data": "aGk="}`)
	s.Require().ErrorIs(err, ErrCallFailed)
	s.AssertJSONLine(strings.TrimSpace(out), fmt.Sprintf(`{"returnValue": false, "errorCode": %d}`, int(svcerr.ChannelIDInvalid)))
}

// GOAL: Verify subscriptions print updates until the service ends them
//
// TEST SCENARIO: subscribe to a device connection from the CLI, disconnect it through the stack
func (s *CommandsTestSuite) TestCallSubscription() {
	s.StartDaemon()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.Call("watcher", "/spp/connect", fmt.Sprintf(`{"address": %q, "subscribe": true}`, testDevice))
		done <- result{out, err}
	}()

	s.Require().Eventually(func() bool {
		var ok bool
		_ = s.daemon.lp.Do(func() { ok = s.daemon.spp.Tracker().IsConnected(testDevice) })
		return ok
	}, 2*time.Second, 10*time.Millisecond, "subscribed connect MUST connect the device")

	s.daemon.backend.(*simstack.Stack).SPPSim().SetConnected(testDevice, false)

	select {
	case r := <-done:
		s.Require().NoError(r.err)
		lines := strings.Split(strings.TrimSpace(r.out), "\n")
		s.Require().Len(lines, 2, "subscription MUST print the ack and the final notice")
		s.AssertJSONLine(lines[0], `{"returnValue": true, "subscribed": true}`)
		s.AssertJSONLine(lines[1], `{"address": "`+testDevice+`", "connected": false, "subscribed": false}`)
	case <-time.After(2 * time.Second):
		s.Fail("subscription MUST end when the device disconnects")
	}
}

func (s *CommandsTestSuite) TestCallUnreachable() {
	_, err := s.ExecuteCommand("call", "--socket", filepath.Join(s.dir, "none.sock"), "/spp/getStatus")
	s.Require().ErrorIs(err, ErrServiceUnreachable)
	s.Assert().Contains(FormatUserError(err), `is "btsvc serve" running?`)
}

func (s *CommandsTestSuite) TestServeRejectsBadFlags() {
	_, err := s.ExecuteCommand("serve", "--backend", "usb")
	s.Assert().ErrorContains(err, "unsupported backend")

	resetFlags()
	_, err = s.ExecuteCommand("serve", "--log-level", "loud")
	s.Assert().ErrorContains(err, "invalid log level")
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

func TestLastMessage(t *testing.T) {
	tests := []struct {
		name      string
		subscribe bool
		msg       transport.Payload
		last      bool
	}{
		{name: "one-shot", msg: transport.Payload{"returnValue": true}, last: true},
		{name: "subscription ack", subscribe: true, msg: transport.Payload{"returnValue": true, "subscribed": true}, last: false},
		{name: "subscription update", subscribe: true, msg: transport.Payload{"channelId": "001", "size": 3.0}, last: false},
		{name: "subscription failure", subscribe: true, msg: transport.Payload{"returnValue": false, "errorCode": 3.0}, last: true},
		{name: "subscription end", subscribe: true, msg: transport.Payload{"subscribed": false}, last: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.last, lastMessage(tt.subscribe, tt.msg))
		})
	}
}

func TestParsePayload(t *testing.T) {
	p, err := parsePayload([]string{"/spp/connect"})
	require.NoError(t, err)
	assert.Empty(t, p)

	p, err = parsePayload([]string{"/spp/connect", `{"address": "aa", "subscribe": true}`})
	require.NoError(t, err)
	assert.Equal(t, transport.Payload{"address": "aa", "subscribe": true}, p)

	_, err = parsePayload([]string{"/spp/connect", `["aa"]`})
	assert.ErrorContains(t, err, "payload must be a JSON object")
}

func TestFormatUserError(t *testing.T) {
	assert.Equal(t, "connection to the service was closed",
		FormatUserError(fmt.Errorf("call: %w", sockettransport.ErrClientClosed)))
	assert.Equal(t, "boom", FormatUserError(errors.New("boom")))
}
