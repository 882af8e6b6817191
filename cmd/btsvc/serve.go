package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/btsvc/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Bluetooth service daemon",
	Long: `Runs the daemon until interrupted. Settings come from the TOML file given
with --config; flags override the file.

Examples:
  # Simulated stack, useful for trying out clients
  btsvc serve

  # BlueZ on hci1 with a socket bridge per SPP channel
  btsvc serve --backend bluez --adapter hci1 --bridge

  # go-ble (Nordic UART channels) with settings from a file
  btsvc serve --config /etc/btsvc.toml --backend goble`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveBackend    string
	serveAdapter    string
	serveBridge     bool
	serveBridgeDir  string
)

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "TOML configuration file")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "Stack backend: sim, bluez or goble")
	serveCmd.Flags().StringVar(&serveAdapter, "adapter", "", "Controller name for the bluez backend")
	serveCmd.Flags().BoolVar(&serveBridge, "bridge", false, "Open a byte bridge for every SPP channel")
	serveCmd.Flags().StringVar(&serveBridgeDir, "bridge-dir", "", "Directory for bridge endpoints")
}

// serveConfig loads the file and applies the flags the user set.
func serveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = serveBackend
	}
	if flags.Changed("adapter") {
		cfg.Adapter = serveAdapter
	}
	if flags.Changed("bridge") {
		cfg.Bridge.Enabled = serveBridge
	}
	if flags.Changed("bridge-dir") {
		cfg.Bridge.Dir = serveBridgeDir
	}
	if socket, _ := flags.GetString("socket"); socket != "" {
		cfg.SocketPath = socket
	}
	level, ok, err := parseLogLevel(cmd)
	if err != nil {
		return nil, err
	}
	if ok {
		cfg.LogLevel = level
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := serveConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := startDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return d.close()
}
