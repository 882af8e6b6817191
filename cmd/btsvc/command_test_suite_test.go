package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/btsvc/internal/testutils"
	"github.com/srg/btsvc/pkg/config"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs commands against a daemon on the simulated stack.
type CommandTestSuite struct {
	suite.Suite
	dir    string
	cfg    *config.Config
	daemon *daemon
}

func (s *CommandTestSuite) SetupTest() {
	// Short path: unix socket paths are limited to ~100 bytes
	dir, err := os.MkdirTemp("", "btc")
	s.Require().NoError(err)
	s.dir = dir

	s.cfg = config.DefaultConfig()
	s.cfg.SocketPath = filepath.Join(dir, "svc.sock")
	s.cfg.Bridge.Dir = dir
	s.cfg.SPP.ReadTimeoutUnit = 20 * time.Millisecond

	resetFlags()
}

func (s *CommandTestSuite) TearDownTest() {
	if s.daemon != nil {
		s.Assert().NoError(s.daemon.close())
		s.daemon = nil
	}
	_ = os.RemoveAll(s.dir)
}

// StartDaemon serves s.cfg until the test ends.
func (s *CommandTestSuite) StartDaemon() {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	d, err := startDaemon(context.Background(), s.cfg, logger)
	s.Require().NoError(err, "daemon MUST start")
	s.daemon = d
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return buf.String(), err
}

// Call runs "btsvc call" against the test daemon as app.
func (s *CommandTestSuite) Call(app, method, payload string, extra ...string) (string, error) {
	args := append([]string{"call", "--raw", "--socket", s.cfg.SocketPath, "--name", app}, extra...)
	args = append(args, method)
	if payload != "" {
		args = append(args, payload)
	}
	return s.ExecuteCommand(args...)
}

func (s *CommandTestSuite) AssertText(actual, expected string) {
	testutils.NewTextAsserter(s.T()).Assert(actual, expected)
}

func (s *CommandTestSuite) AssertJSONLine(line, expected string) {
	testutils.NewJSONAsserter(s.T()).Assert(line, expected)
}

// resetFlags returns every package-level flag to its default, since cobra
// keeps values between Execute calls on the same command tree.
func resetFlags() {
	callName, callTimeout, callRaw = "", 0, false
	classesProfile = ""
	serveConfigPath, serveBackend, serveAdapter, serveBridge, serveBridgeDir = "", "", "", false, ""

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd, callCmd, classesCmd} {
		cmd.SilenceUsage = false
		cmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	}
	_ = rootCmd.PersistentFlags().Set("socket", "")
	_ = rootCmd.PersistentFlags().Set("log-level", "")
}
