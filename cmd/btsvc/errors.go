package main

import (
	"errors"
	"fmt"

	"github.com/srg/btsvc/internal/transport/sockettransport"
)

// Command-level errors
var (
	// ErrCallFailed is returned when the service answered a call with
	// returnValue false. The reply itself has already been printed.
	ErrCallFailed = errors.New("call failed")

	// ErrServiceUnreachable indicates no daemon is listening on the socket.
	ErrServiceUnreachable = errors.New("service unreachable")
)

// FormatUserError turns internal errors into one readable line.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, ErrServiceUnreachable):
		return fmt.Sprintf("%v (is \"btsvc serve\" running?)", err)
	case errors.Is(err, sockettransport.ErrClientClosed):
		return "connection to the service was closed"
	}
	return err.Error()
}
