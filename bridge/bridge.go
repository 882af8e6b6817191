// Package bridge exposes a data channel as a local byte stream.
//
// A Bridge owns one filesystem endpoint: a unix stream socket (default) or a
// symlink to a PTY slave. Bytes written by the local peer are handed to a read
// callback; bytes from the channel are sent to the peer with Send.
//
// # Delivery
//
// Before a peer connects, Send accumulates bytes in a fixed pre-connect buffer
// and drops whatever does not fit in one piece. The buffer is flushed once when
// a peer connects. A write that fails or is short arms a single retry task
// that re-attempts the unwritten bytes every RetryInterval and silently gives
// up after MaxRetries attempts. A later failed write while that retry is in
// flight replaces the pending bytes; it does not queue behind them.
//
// # Basic Usage
//
//	b, err := bridge.Open(lp, "001", opts, func(data []byte) {
//	    // runs on the loop
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	b.Send([]byte("hello")) // on the loop
//
// Open, Send and Close must be called on the event loop.
package bridge

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/btsvc/internal/loop"
	"github.com/srg/btsvc/internal/svcerr"
)

// Mode selects the endpoint type.
type Mode string

const (
	ModeSocket Mode = "socket"
	ModePTY    Mode = "pty"
)

// Options configures a bridge.
type Options struct {
	Dir                  string        `default:"/tmp/btsvc"`
	Mode                 Mode          `default:"socket"`
	PreConnectBufferSize int           `default:"5120"`
	ReadChunkSize        int           `default:"1024"`
	RetryInterval        time.Duration `default:"10ms"`
	MaxRetries           int           `default:"1000"`
	// PollTimeout bounds how long pollers wait before checking for shutdown.
	PollTimeout time.Duration `default:"50ms"`
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	o := Options{}
	defaults.SetDefaults(&o)
	return o
}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("bridge closed")

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// conn is the connected peer side of an endpoint. Write makes exactly one
// non-blocking attempt.
type conn interface {
	Write(p []byte) (int, error)
	Close() error
}

// endpoint produces peer connections and reports their traffic to the loop.
type endpoint interface {
	Path() string
	Close() error
}

// events is how endpoints report to the bridge. Every method is invoked on
// the loop.
type events interface {
	accepted(c conn)
	received(c conn, data []byte)
	hungUp(c conn)
}

// Stats are counters for monitoring.
type Stats struct {
	Sent           uint64
	Dropped        uint64
	Retries        uint64
	RetryExhausted uint64
}

// Bridge is a retry-protected byte stream endpoint for one channel.
type Bridge struct {
	lp     *loop.Loop
	logger *logrus.Logger
	opts   Options
	name   string
	onRead func([]byte)

	ep   endpoint
	peer conn
	pre  *ringbuffer.RingBuffer

	retry    *loop.Task
	pending  []byte
	attempts int

	stats  Stats
	closed bool
}

// Open creates the endpoint for name under opts.Dir. Any stale file at the
// path is replaced.
func Open(lp *loop.Loop, name string, opts Options, onRead func([]byte), logger *logrus.Logger) (*Bridge, error) {
	if logger == nil {
		logger = noopLogger
	}
	b := newBridge(lp, name, opts, onRead, logger)

	if err := os.MkdirAll(b.opts.Dir, 0o755); err != nil {
		return nil, svcerr.Wrap(svcerr.SocketCreateFailed, err, "create bridge directory")
	}

	path := b.Path()
	var (
		ep  endpoint
		err error
	)
	switch b.opts.Mode {
	case ModePTY:
		ep, err = openPTY(lp, path, b.opts, b, logger)
	default:
		ep, err = listenSocket(lp, path, b.opts, b, logger)
	}
	if err != nil {
		return nil, svcerr.Wrap(svcerr.SocketCreateFailed, err, path)
	}
	b.ep = ep
	b.log().WithField("mode", b.opts.Mode).Info("Bridge opened")
	return b, nil
}

func newBridge(lp *loop.Loop, name string, opts Options, onRead func([]byte), logger *logrus.Logger) *Bridge {
	defaults.SetDefaults(&opts)
	if onRead == nil {
		onRead = func([]byte) {}
	}
	return &Bridge{
		lp:     lp,
		logger: logger,
		opts:   opts,
		name:   name,
		onRead: onRead,
		pre:    ringbuffer.New(opts.PreConnectBufferSize),
	}
}

func (b *Bridge) log() *logrus.Entry {
	return b.logger.WithFields(logrus.Fields{"bridge": b.name, "path": b.Path()})
}

// Path returns the filesystem path of the endpoint.
func (b *Bridge) Path() string {
	return filepath.Join(b.opts.Dir, "spp-"+b.name)
}

// Connected reports whether a peer is attached.
func (b *Bridge) Connected() bool {
	return b.peer != nil
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	return b.stats
}

// RetryPending reports whether a retry task is armed.
func (b *Bridge) RetryPending() bool {
	return b.retry.Active()
}

// Buffered returns the number of bytes waiting for a peer to connect.
func (b *Bridge) Buffered() int {
	return b.pre.Length()
}

// Send delivers data to the peer, or buffers it until one connects.
func (b *Bridge) Send(data []byte) error {
	if b.closed {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}

	if b.peer == nil {
		if b.pre.Free() < len(data) {
			b.stats.Dropped += uint64(len(data))
			b.log().WithField("size", len(data)).Debug("Pre-connect buffer full, data dropped")
			return nil
		}
		_, _ = b.pre.Write(data)
		return nil
	}

	b.write(data)
	return nil
}

// write makes one attempt and hands the unwritten rest to the retry task.
func (b *Bridge) write(data []byte) {
	n, err := b.peer.Write(data)
	if n > 0 {
		b.stats.Sent += uint64(n)
	}
	if n == len(data) {
		return
	}
	if err != nil && !isTemporary(err) {
		b.log().WithError(err).Debug("Bridge write failed")
	}

	b.pending = append(b.pending[:0:0], data[n:]...)
	if b.retry.Active() {
		return
	}
	b.attempts = 0
	b.retry = b.lp.Every(b.opts.RetryInterval, b.retryWrite)
}

func (b *Bridge) retryWrite() bool {
	if b.closed || b.peer == nil || len(b.pending) == 0 {
		b.clearRetry()
		return false
	}

	b.attempts++
	b.stats.Retries++
	n, err := b.peer.Write(b.pending)
	if n > 0 {
		b.stats.Sent += uint64(n)
		b.pending = b.pending[n:]
	}
	if len(b.pending) == 0 {
		b.clearRetry()
		return false
	}

	if b.attempts >= b.opts.MaxRetries {
		b.stats.RetryExhausted++
		b.log().WithError(svcerr.Wrap(svcerr.WriteRetryExhausted, err, "")).
			WithField("dropped", len(b.pending)).Debug("Giving up on write")
		b.clearRetry()
		return false
	}
	return true
}

func (b *Bridge) clearRetry() {
	b.retry.Cancel()
	b.retry = nil
	b.pending = nil
	b.attempts = 0
}

func (b *Bridge) accepted(c conn) {
	if b.closed {
		_ = c.Close()
		return
	}
	if b.peer != nil {
		b.log().Debug("Peer already connected, rejecting another")
		_ = c.Close()
		return
	}
	b.peer = c
	b.log().Info("Bridge peer connected")

	if b.pre.IsEmpty() {
		return
	}
	buf := make([]byte, b.pre.Length())
	n, _ := b.pre.TryRead(buf)
	b.pre.Reset()
	b.write(buf[:n])
}

func (b *Bridge) received(c conn, data []byte) {
	if b.closed || c != b.peer {
		return
	}
	b.onRead(data)
}

func (b *Bridge) hungUp(c conn) {
	_ = c.Close()
	if c != b.peer {
		return
	}
	b.peer = nil
	b.clearRetry()
	b.log().Info("Bridge peer disconnected")
}

// Close tears down the peer, the endpoint and any pending retry. The
// filesystem path is removed. Calling Close more than once is safe.
func (b *Bridge) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.clearRetry()
	if b.peer != nil {
		_ = b.peer.Close()
		b.peer = nil
	}
	b.pre.Reset()

	var err error
	if b.ep != nil {
		err = b.ep.Close()
	}
	b.log().Info("Bridge closed")
	return err
}

func isTemporary(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR)
}
