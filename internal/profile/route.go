// Package profile holds what the profile services share: moving requests onto
// the event loop and decoding the common request fields.
package profile

import (
	"github.com/srg/btsvc/internal/loop"
	"github.com/srg/btsvc/internal/svcerr"
	"github.com/srg/btsvc/internal/transport"
)

// CallFunc handles a request on the loop. It owns call.
type CallFunc func(call *transport.Call)

// Route registers fn for method. The request is held in a scoped Call and
// handed to the loop; if the loop is gone the caller is told the profile is
// unavailable.
func Route(lp *loop.Loop, r transport.Router, method string, fn CallFunc) {
	r.Handle(method, func(req transport.Request) {
		call := transport.Hold(req)
		if !lp.Post(func() { fn(call) }) {
			_ = call.Fail(svcerr.New(svcerr.ProfileUnavailable, "service is shutting down"))
		}
	})
}

// Args decodes request fields, keeping the first error.
type Args struct {
	p   transport.Payload
	err error
}

// ArgsOf wraps the payload of call.
func ArgsOf(call *transport.Call) *Args {
	return &Args{p: call.Payload()}
}

func (a *Args) String(key, def string) string {
	if a.err != nil {
		return def
	}
	v, err := a.p.GetString(key, def)
	a.err = err
	return v
}

func (a *Args) Bool(key string, def bool) bool {
	if a.err != nil {
		return def
	}
	v, err := a.p.GetBool(key, def)
	a.err = err
	return v
}

func (a *Args) Int(key string, def int) int {
	if a.err != nil {
		return def
	}
	v, err := a.p.GetInt(key, def)
	a.err = err
	return v
}

func (a *Args) Bytes(key string) []byte {
	if a.err != nil {
		return nil
	}
	v, err := a.p.GetBytes(key)
	a.err = err
	return v
}

// Require records a decode error when key is missing.
func (a *Args) Require(keys ...string) {
	for _, k := range keys {
		if a.err == nil && !a.p.Has(k) {
			a.err = svcerr.New(svcerr.PayloadDecodeFailed, "field %q is required", k)
		}
	}
}

// Err returns the first decode error.
func (a *Args) Err() error { return a.err }

// Fail records err unless an earlier error is already kept.
func (a *Args) Fail(err error) {
	if a.err == nil {
		a.err = err
	}
}
