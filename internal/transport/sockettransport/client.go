package sockettransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/btsvc/internal/groutine"
	"github.com/srg/btsvc/internal/transport"
)

// ErrClientClosed is returned by Call once the connection is gone.
var ErrClientClosed = errors.New("transport client closed")

// Client is one registered application connected to a Server.
type Client struct {
	nc   net.Conn
	name string
	opts Options

	wmu    sync.Mutex
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall

	done chan struct{}
	once sync.Once
	err  error
}

// Dial connects to the server at path and registers as name.
func Dial(ctx context.Context, path, name string, opts ...Options) (*Client, error) {
	o := Options{}
	if len(opts) > 0 {
		o = opts[0]
	}
	defaults.SetDefaults(&o)

	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}

	if err := writeFrameMap(nc, map[string]any{keyRegister: name}); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	reply, err := readFrame(nc, o.MaxFrame)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	if text, ok := reply[keyError].(string); ok {
		_ = nc.Close()
		return nil, fmt.Errorf("register %q: %s", name, text)
	}

	c := &Client{
		nc:      nc,
		name:    name,
		opts:    o,
		pending: make(map[uint64]*pendingCall),
		done:    make(chan struct{}),
	}
	groutine.Go(context.Background(), "transport-client-read", func(context.Context) {
		c.readLoop()
	})
	return c, nil
}

type pendingCall struct {
	ch   chan transport.Payload
	gone chan struct{}
}

// Name returns the registered client name.
func (c *Client) Name() string {
	return c.name
}

// Call sends a request and passes every reply to onMessage until it returns
// false, ctx is done or the connection closes. Stopping early cancels the
// call on the server.
func (c *Client) Call(ctx context.Context, method string, payload transport.Payload, onMessage func(transport.Payload) bool) error {
	id := c.nextID.Add(1)
	pc := &pendingCall{ch: make(chan transport.Payload, 16), gone: make(chan struct{})}

	c.mu.Lock()
	c.pending[id] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		close(pc.gone)
	}()

	if payload == nil {
		payload = transport.Payload{}
	}
	if err := c.write(map[string]any{keyID: id, keyMethod: method, keyPayload: map[string]any(payload)}); err != nil {
		return err
	}

	for {
		select {
		case msg := <-pc.ch:
			if !onMessage(msg) {
				_ = c.write(map[string]any{keyCancel: id})
				return nil
			}
		case <-ctx.Done():
			_ = c.write(map[string]any{keyCancel: id})
			return ctx.Err()
		case <-c.done:
			return c.closeErr()
		}
	}
}

func (c *Client) write(msg map[string]any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return c.closeErr()
	default:
	}
	if err := writeFrameMap(c.nc, msg); err != nil {
		c.shutdown(err)
		return c.closeErr()
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		msg, err := readFrame(c.nc, c.opts.MaxFrame)
		if err != nil {
			c.shutdown(err)
			return
		}
		id, ok := idOf(msg, keyID)
		if !ok {
			continue
		}
		c.mu.Lock()
		pc := c.pending[id]
		c.mu.Unlock()
		if pc == nil {
			continue
		}
		select {
		case pc.ch <- payloadOf(msg):
		case <-pc.gone:
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		_ = c.nc.Close()
	})
}

func (c *Client) closeErr() error {
	if c.err == nil || errors.Is(c.err, net.ErrClosed) {
		return ErrClientClosed
	}
	return fmt.Errorf("%w: %v", ErrClientClosed, c.err)
}

// Close disconnects from the server.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}
