package bridge

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/groutine"
	"github.com/srg/btsvc/internal/loop"
	"golang.org/x/sys/unix"
)

// fdConn is a non-blocking file descriptor with a poll-driven reader. The
// descriptor is closed by the reader goroutine after it observes shutdown so
// that a concurrent poll never sees a recycled fd.
type fdConn struct {
	fd     int
	lp     *loop.Loop
	ev     events
	logger *logrus.Logger

	chunk       int
	pollTimeout int

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

func newFDConn(fd int, lp *loop.Loop, ev events, opts Options, logger *logrus.Logger) *fdConn {
	return &fdConn{
		fd:          fd,
		lp:          lp,
		ev:          ev,
		logger:      logger,
		chunk:       opts.ReadChunkSize,
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (c *fdConn) start(name string) {
	groutine.Go(context.Background(), name, func(context.Context) {
		c.readLoop()
	})
}

// Write makes one non-blocking write attempt.
func (c *fdConn) Write(p []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, syscall.EBADF
	}
	n, err := unix.Write(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Close stops the reader. Safe to call more than once.
func (c *fdConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()
	return nil
}

func (c *fdConn) readLoop() {
	defer func() {
		_ = unix.Close(c.fd)
		close(c.done)
	}()

	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	buf := make([]byte, c.chunk)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		ready, err := unix.Poll(pfd, c.pollTimeout)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			c.logger.WithError(err).Warn("Bridge poll failed")
			c.hangUp()
			return
		}
		if ready == 0 {
			continue
		}

		// One chunk per readiness event.
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			c.lp.Post(func() { c.ev.received(c, data) })
			continue
		}
		if err != nil && (errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)) {
			continue
		}
		if err != nil && !errors.Is(err, syscall.EIO) {
			c.logger.WithError(err).Debug("Bridge read failed")
		}
		c.hangUp()
		return
	}
}

func (c *fdConn) hangUp() {
	select {
	case <-c.stop:
		return
	default:
	}
	c.lp.Post(func() { c.ev.hungUp(c) })
}
