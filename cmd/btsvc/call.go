package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btsvc/internal/transport"
	"github.com/srg/btsvc/internal/transport/sockettransport"
	"github.com/srg/btsvc/pkg/config"
)

var callCmd = &cobra.Command{
	Use:   "call <method> [json-payload]",
	Short: "Send one request to the service and print the replies",
	Long: `Sends a request to a running daemon and prints every reply as one JSON line.

Without "subscribe": true in the payload the command exits after the first
reply. Subscriptions print updates until the service ends them, --timeout
expires or the command is interrupted; exiting cancels the subscription.

Examples:
  # Connect a device over SPP
  btsvc call /spp/connect '{"address": "00:11:22:33:44:55"}'

  # Advertise a Serial Port server channel and watch incoming connections
  btsvc call /spp/createChannel '{"uuid": "1101", "subscribe": true}'

  # Write to a channel (data is base64)
  btsvc call /spp/writeData '{"channelId": "001", "data": "aGVsbG8="}'

  # Follow received data as another application
  btsvc call --name logger /spp/readData '{"channelId": "001", "subscribe": true}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

var (
	callName    string
	callTimeout time.Duration
	callRaw     bool
)

func init() {
	callCmd.Flags().StringVar(&callName, "name", "", "Application name to register as (default btsvc-<pid>)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "Give up after this long (0 waits forever)")
	callCmd.Flags().BoolVar(&callRaw, "raw", false, "Print replies without colour")
}

// parsePayload decodes the optional JSON object argument.
func parsePayload(args []string) (transport.Payload, error) {
	payload := transport.Payload{}
	if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

// lastMessage reports whether msg ends the call for the caller.
func lastMessage(subscribe bool, msg transport.Payload) bool {
	if !subscribe {
		return true
	}
	if ok, isBool := msg["returnValue"].(bool); isBool && !ok {
		return true
	}
	if sub, isBool := msg["subscribed"].(bool); isBool && !sub {
		return true
	}
	return false
}

type replyPrinter struct {
	out      io.Writer
	ok       *color.Color
	failed   *color.Color
	failures int
}

func newReplyPrinter(out io.Writer, raw bool) *replyPrinter {
	p := &replyPrinter{
		out:    out,
		ok:     color.New(color.FgGreen),
		failed: color.New(color.FgRed),
	}
	if raw {
		p.ok.DisableColor()
		p.failed.DisableColor()
	}
	return p
}

func (p *replyPrinter) print(msg transport.Payload) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c := p.ok
	if ok, isBool := msg["returnValue"].(bool); isBool && !ok {
		c = p.failed
		p.failures++
	}
	_, err = c.Fprintln(p.out, string(line))
	return err
}

func socketPath(cmd *cobra.Command) string {
	if s, _ := cmd.Flags().GetString("socket"); s != "" {
		return s
	}
	return config.DefaultConfig().SocketPath
}

func runCall(cmd *cobra.Command, args []string) error {
	method := args[0]
	if !strings.HasPrefix(method, "/") {
		return fmt.Errorf("method must start with '/', e.g. /spp/connect")
	}
	payload, err := parsePayload(args)
	if err != nil {
		return err
	}
	subscribe, err := payload.GetBool("subscribe", false)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	name := callName
	if name == "" {
		name = fmt.Sprintf("btsvc-%d", os.Getpid())
	}

	ctx := cmd.Context()
	if callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	path := socketPath(cmd)
	client, err := sockettransport.Dial(ctx, path, name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}
	defer client.Close()

	logger.WithFields(logrus.Fields{"method": method, "app": name, "socket": path}).Debug("Calling service")

	printer := newReplyPrinter(cmd.OutOrStdout(), callRaw)
	var printErr error
	err = client.Call(ctx, method, payload, func(msg transport.Payload) bool {
		if printErr = printer.print(msg); printErr != nil {
			return false
		}
		return !lastMessage(subscribe, msg)
	})
	switch {
	case printErr != nil:
		return printErr
	case err != nil:
		return err
	case printer.failures > 0:
		return ErrCallFailed
	}
	return nil
}
