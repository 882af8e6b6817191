// Package svcerr defines the failure taxonomy reported to clients and the
// structured payload a failed call is answered with.
package svcerr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure reported to a client.
type Code int

const (
	ProfileUnavailable Code = iota + 1
	DeviceNotAvailable
	NotConnected
	AlreadyConnecting
	AlreadyConnected
	PermissionDenied
	ChannelIDInvalid
	SocketCreateFailed
	WriteRetryExhausted
	DuplicateSubscription
	PayloadDecodeFailed
	StackFailure
)

var codeNames = map[Code]string{
	ProfileUnavailable:    "profile unavailable",
	DeviceNotAvailable:    "device not available",
	NotConnected:          "not connected",
	AlreadyConnecting:     "already connecting",
	AlreadyConnected:      "already connected",
	PermissionDenied:      "permission denied",
	ChannelIDInvalid:      "channel id invalid",
	SocketCreateFailed:    "socket create failed",
	WriteRetryExhausted:   "write retry exhausted",
	DuplicateSubscription: "duplicate subscription",
	PayloadDecodeFailed:   "payload decode failed",
	StackFailure:          "stack failure",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is a failure carrying a Code. Two Errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Code.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
}

// Is allows errors.Is to compare Error values by Code
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors
var (
	ErrProfileUnavailable    = &Error{Code: ProfileUnavailable}
	ErrDeviceNotAvailable    = &Error{Code: DeviceNotAvailable}
	ErrNotConnected          = &Error{Code: NotConnected}
	ErrAlreadyConnecting     = &Error{Code: AlreadyConnecting}
	ErrAlreadyConnected      = &Error{Code: AlreadyConnected}
	ErrPermissionDenied      = &Error{Code: PermissionDenied}
	ErrChannelIDInvalid      = &Error{Code: ChannelIDInvalid}
	ErrSocketCreateFailed    = &Error{Code: SocketCreateFailed}
	ErrWriteRetryExhausted   = &Error{Code: WriteRetryExhausted}
	ErrDuplicateSubscription = &Error{Code: DuplicateSubscription}
	ErrPayloadDecodeFailed   = &Error{Code: PayloadDecodeFailed}
	ErrStackFailure          = &Error{Code: StackFailure}
)

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// StackError is implemented by errors coming from the Bluetooth stack. They
// are surfaced to clients verbatim.
type StackError interface {
	error
	StackCode() int
	StackText() string
}

// CodeOf returns the Code carried by err, or StackFailure for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return StackFailure
}

// Payload renders err as the failure body sent to a client:
// {returnValue:false, errorCode, errorText}.
func Payload(err error) map[string]any {
	if err == nil {
		return map[string]any{"returnValue": true}
	}

	var se StackError
	if errors.As(err, &se) {
		return map[string]any{
			"returnValue": false,
			"errorCode":   se.StackCode(),
			"errorText":   se.StackText(),
		}
	}

	var e *Error
	if errors.As(err, &e) {
		text := e.Msg
		if text == "" {
			text = e.Error()
		}
		return map[string]any{
			"returnValue": false,
			"errorCode":   int(e.Code),
			"errorText":   text,
		}
	}

	return map[string]any{
		"returnValue": false,
		"errorCode":   int(StackFailure),
		"errorText":   err.Error(),
	}
}
