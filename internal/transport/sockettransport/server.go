// Package sockettransport carries transport requests over a unix stream
// socket. Every frame is a 4-byte big-endian length followed by a protobuf
// encoded google.protobuf.Struct.
//
// A client first sends {"register": name}; the server answers
// {"registered": true} or {"error": text}. Calls are {"id", "method",
// "payload"} and may be cancelled with {"cancel": id}. Every reply is
// {"id", "payload"}. Closing a call on the server side sends nothing.
package sockettransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/groutine"
	"github.com/srg/btsvc/internal/transport"
)

// Options configures a Server or Client.
type Options struct {
	// OutboxSize is the per-connection queue of outgoing frames. When full the
	// oldest frame is overwritten.
	OutboxSize uint32 `default:"1024"`
	MaxFrame   int    `default:"1048576"`
}

// Server is a transport.Transport listening on a unix socket.
type Server struct {
	path   string
	opts   Options
	logger *logrus.Logger

	hmu      sync.RWMutex
	handlers map[string]transport.Handler

	clients *hashmap.Map[string, *conn]
	calls   *hashmap.Map[transport.Token, *request]
	tokens  atomic.Uint64

	wmu       sync.Mutex
	nextWatch uint64
	cancelW   map[transport.Token]map[uint64]func()
	discW     map[string]map[uint64]func()

	ln     net.Listener
	stop   chan struct{}
	conns  sync.Map
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ transport.Transport = (*Server)(nil)

// NewServer creates a server for path. Nothing listens until Start.
func NewServer(path string, logger *logrus.Logger, opts ...Options) *Server {
	o := Options{}
	if len(opts) > 0 {
		o = opts[0]
	}
	defaults.SetDefaults(&o)
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		path:     path,
		opts:     o,
		logger:   logger,
		handlers: make(map[string]transport.Handler),
		clients:  hashmap.New[string, *conn](),
		calls:    hashmap.New[transport.Token, *request](),
		cancelW:  make(map[transport.Token]map[uint64]func()),
		discW:    make(map[string]map[uint64]func()),
		stop:     make(chan struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Handle registers h for method, replacing any earlier handler.
func (s *Server) Handle(method string, h transport.Handler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[method] = h
}

func (s *Server) handler(method string) (transport.Handler, bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// WatchCancel fires fn when the call identified by token is cancelled. A
// call that is already cancelled or finished fires fn right away on another
// goroutine.
func (s *Server) WatchCancel(token transport.Token, fn func()) func() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if r, ok := s.calls.Get(token); !ok || r.cancelled.Load() {
		return s.fireLater("transport-watch-cancel", fn)
	}
	id := s.addWatchLocked()
	m := s.cancelW[token]
	if m == nil {
		m = make(map[uint64]func())
		s.cancelW[token] = m
	}
	m[id] = fn
	return func() {
		s.wmu.Lock()
		defer s.wmu.Unlock()
		if m, ok := s.cancelW[token]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(s.cancelW, token)
			}
		}
	}
}

// WatchDisconnect fires fn when client disconnects. A client that is not
// registered fires fn right away on another goroutine.
func (s *Server) WatchDisconnect(client string, fn func()) func() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, ok := s.clients.Get(client); !ok {
		return s.fireLater("transport-watch-disconnect", fn)
	}
	id := s.addWatchLocked()
	m := s.discW[client]
	if m == nil {
		m = make(map[uint64]func())
		s.discW[client] = m
	}
	m[id] = fn
	return func() {
		s.wmu.Lock()
		defer s.wmu.Unlock()
		if m, ok := s.discW[client]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(s.discW, client)
			}
		}
	}
}

// fireLater runs fn unless the returned stop function was called first.
func (s *Server) fireLater(name string, fn func()) func() {
	var stopped atomic.Bool
	groutine.Go(context.Background(), name, func(context.Context) {
		if !stopped.Load() {
			fn()
		}
	})
	return func() { stopped.Store(true) }
}

func (s *Server) addWatchLocked() uint64 {
	s.nextWatch++
	return s.nextWatch
}

func (s *Server) fireCancel(token transport.Token) {
	s.wmu.Lock()
	fns := make([]func(), 0, len(s.cancelW[token]))
	for _, fn := range s.cancelW[token] {
		fns = append(fns, fn)
	}
	s.wmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Server) fireDisconnect(client string) {
	s.wmu.Lock()
	fns := make([]func(), 0, len(s.discW[client]))
	for _, fn := range s.discW[client] {
		fns = append(fns, fn)
	}
	s.wmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Clients returns the registered client names.
func (s *Server) Clients() []string {
	names := make([]string, 0, s.clients.Len())
	s.clients.Range(func(name string, _ *conn) bool {
		names = append(names, name)
		return true
	})
	return names
}

// Start listens on the socket path and serves connections until ctx is done
// or Close is called. A stale socket file is replaced.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	s.ln = ln
	s.logger.WithField("path", s.path).Info("Transport listening")

	s.wg.Add(1)
	groutine.Go(ctx, "transport-accept", func(ctx context.Context) {
		defer s.wg.Done()
		s.acceptLoop()
	})
	groutine.Go(ctx, "transport-ctx", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.stop:
		}
	})
	return nil
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if !s.closed.Load() {
				s.logger.WithError(err).Warn("Transport accept failed")
			}
			return
		}
		c := newConn(s, nc)
		s.conns.Store(c, struct{}{})
		if s.closed.Load() {
			c.close()
		}
		s.wg.Add(2)
		groutine.Go(context.Background(), "transport-conn-read", func(context.Context) {
			defer s.wg.Done()
			c.readLoop()
		})
		groutine.Go(context.Background(), "transport-conn-write", func(context.Context) {
			defer s.wg.Done()
			c.writeLoop()
		})
	}
}

// Close stops listening, drops every connection and removes the socket file.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.conns.Range(func(k, _ any) bool {
		k.(*conn).close()
		return true
	})
	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.logger.WithField("path", s.path).Info("Transport closed")
	return nil
}

// dispatch routes one call frame.
func (s *Server) dispatch(c *conn, msg map[string]any) {
	if id, ok := idOf(msg, keyCancel); ok {
		if r := c.call(id); r != nil {
			s.logger.WithFields(logrus.Fields{"app": c.name, "method": r.method}).Debug("Call cancelled")
			r.cancelled.Store(true)
			s.fireCancel(r.token)
		}
		return
	}

	id, ok := idOf(msg, keyID)
	if !ok {
		s.logger.WithField("app", c.name).Debug("Frame without id ignored")
		return
	}
	method, _ := msg[keyMethod].(string)
	r := &request{
		conn:    c,
		id:      id,
		token:   transport.Token(s.tokens.Add(1)),
		method:  method,
		payload: payloadOf(msg),
	}

	h, ok := s.handler(method)
	if !ok {
		_ = r.Reply(transport.Payload{"returnValue": false, "errorText": "Unknown method " + method})
		return
	}
	c.track(r)
	s.calls.Set(r.token, r)
	h(r)
}

// request is one in-flight call.
type request struct {
	conn    *conn
	id      uint64
	token   transport.Token
	method  string
	payload transport.Payload

	done      atomic.Bool
	cancelled atomic.Bool
}

func (r *request) Method() string             { return r.method }
func (r *request) Client() string             { return r.conn.name }
func (r *request) Token() transport.Token     { return r.token }
func (r *request) Payload() transport.Payload { return r.payload }

func (r *request) Reply(p transport.Payload) error {
	if r.done.Load() {
		return errors.New("call already closed")
	}
	return r.conn.send(map[string]any{keyID: r.id, keyPayload: map[string]any(p)})
}

func (r *request) Done() {
	if r.done.CompareAndSwap(false, true) {
		r.conn.untrack(r.id)
		r.conn.srv.calls.Del(r.token)
	}
}

// conn is one registered client connection.
type conn struct {
	srv  *Server
	nc   net.Conn
	name string
	out  *outbox

	mu    sync.Mutex
	calls map[uint64]*request

	once sync.Once
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		srv:   s,
		nc:    nc,
		out:   newOutbox(s.opts.OutboxSize),
		calls: make(map[uint64]*request),
	}
}

func (c *conn) log() *logrus.Entry {
	return c.srv.logger.WithField("app", c.name)
}

func (c *conn) track(r *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[r.id] = r
}

func (c *conn) untrack(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, id)
}

// dropCalls forgets every open call so later cancel watches on them fire at
// once.
func (c *conn) dropCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.calls {
		c.srv.calls.Del(r.token)
	}
}

func (c *conn) call(id uint64) *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func (c *conn) send(msg map[string]any) error {
	st, err := encode(msg)
	if err != nil {
		return err
	}
	return c.out.push(st)
}

func (c *conn) register(msg map[string]any) bool {
	name, _ := msg[keyRegister].(string)
	if name == "" {
		_ = writeFrameMap(c.nc, map[string]any{keyError: "register required"})
		return false
	}
	if _, loaded := c.srv.clients.GetOrInsert(name, c); loaded {
		_ = writeFrameMap(c.nc, map[string]any{keyError: fmt.Sprintf("client %q already registered", name)})
		return false
	}
	c.name = name
	if err := writeFrameMap(c.nc, map[string]any{keyRegistered: true}); err != nil {
		return false
	}
	c.log().Debug("Client registered")
	return true
}

func (c *conn) readLoop() {
	defer c.close()

	first, err := readFrame(c.nc, c.srv.opts.MaxFrame)
	if err != nil {
		return
	}
	// Writes go straight to the socket until registration succeeds.
	if !c.register(first) {
		return
	}
	defer c.unregister()

	for {
		msg, err := readFrame(c.nc, c.srv.opts.MaxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log().WithError(err).Debug("Client read failed")
			}
			return
		}
		c.srv.dispatch(c, msg)
	}
}

func (c *conn) unregister() {
	c.srv.clients.Del(c.name)
	c.dropCalls()
	c.log().Debug("Client disconnected")
	c.srv.fireDisconnect(c.name)
}

func (c *conn) writeLoop() {
	for {
		st, ok := c.out.pop()
		if !ok {
			return
		}
		if err := writeFrame(c.nc, st); err != nil {
			c.close()
			return
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		_ = c.nc.Close()
		c.out.close()
		c.srv.conns.Delete(c)
	})
}

func writeFrameMap(w io.Writer, msg map[string]any) error {
	st, err := encode(msg)
	if err != nil {
		return err
	}
	return writeFrame(w, st)
}
