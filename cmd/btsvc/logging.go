package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// parseLogLevel maps the --log-level flag. ok is false when the flag is unset.
func parseLogLevel(cmd *cobra.Command) (level logrus.Level, ok bool, err error) {
	s, _ := cmd.Flags().GetString("log-level")
	switch s {
	case "":
		return 0, false, nil
	case "debug":
		return logrus.DebugLevel, true, nil
	case "info":
		return logrus.InfoLevel, true, nil
	case "warn":
		return logrus.WarnLevel, true, nil
	case "error":
		return logrus.ErrorLevel, true, nil
	default:
		return 0, false, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// configureLogger creates a logger for client commands. Without --log-level
// it stays at panic level, which keeps normal output clean.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	level, ok, err := parseLogLevel(cmd)
	if err != nil {
		return nil, err
	}
	if !ok {
		level = logrus.PanicLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
