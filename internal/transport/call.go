package transport

import "sync"

// Call owns an in-flight Request. Release ends it exactly once no matter how
// many exit paths call it, so handlers typically do
//
//	call := transport.Hold(req)
//	defer call.Release()
//
// and hand the request over with Transfer when it must outlive the handler.
type Call struct {
	mu       sync.Mutex
	req      Request
	released bool
}

// Hold takes ownership of req.
func Hold(req Request) *Call {
	return &Call{req: req}
}

// Request returns the owned request, or nil once released or transferred.
func (c *Call) Request() Request {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	return c.req
}

// Client returns the caller's registered name. It stays valid after Release.
func (c *Call) Client() string {
	if c == nil || c.req == nil {
		return ""
	}
	return c.req.Client()
}

// Token returns the call token. It stays valid after Release.
func (c *Call) Token() Token {
	if c == nil || c.req == nil {
		return 0
	}
	return c.req.Token()
}

// Method returns the called method name.
func (c *Call) Method() string {
	if c == nil || c.req == nil {
		return ""
	}
	return c.req.Method()
}

// Payload returns the inbound payload.
func (c *Call) Payload() Payload {
	if c == nil || c.req == nil {
		return nil
	}
	return c.req.Payload()
}

// Update posts a message while keeping the call open. It is a no-op after
// Release.
func (c *Call) Update(p Payload) error {
	req := c.Request()
	if req == nil {
		return nil
	}
	return req.Reply(p)
}

// Respond posts a final message and releases the call.
func (c *Call) Respond(p Payload) error {
	defer c.Release()
	return c.Update(p)
}

// Fail responds with the failure payload for err.
func (c *Call) Fail(err error) error {
	return c.Respond(Failure(err))
}

// Transfer moves ownership to a new Call. The receiver becomes inert: its
// Release no longer touches the request.
func (c *Call) Transfer() *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := &Call{req: c.req, released: c.released}
	c.released = true
	return out
}

// Released reports whether the call no longer owns a request.
func (c *Call) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Release ends the call. Only the first call has an effect.
func (c *Call) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	req := c.req
	c.mu.Unlock()

	if req != nil {
		req.Done()
	}
}
