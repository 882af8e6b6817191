package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/groutine"
	"github.com/srg/btsvc/internal/loop"
	"golang.org/x/sys/unix"
)

// socketEndpoint is a unix stream listener accepting peers at path.
type socketEndpoint struct {
	path   string
	fd     int
	lp     *loop.Loop
	ev     events
	opts   Options
	logger *logrus.Logger

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func listenSocket(lp *loop.Loop, path string, opts Options, ev events, logger *logrus.Logger) (*socketEndpoint, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	s := &socketEndpoint{
		path:   path,
		fd:     fd,
		lp:     lp,
		ev:     ev,
		opts:   opts,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	groutine.Go(context.Background(), "bridge-accept", func(context.Context) {
		s.acceptLoop()
	})
	return s, nil
}

func (s *socketEndpoint) Path() string {
	return s.path
}

func (s *socketEndpoint) acceptLoop() {
	defer func() {
		_ = unix.Close(s.fd)
		close(s.done)
	}()

	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	timeout := int(s.opts.PollTimeout / time.Millisecond)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		ready, err := unix.Poll(pfd, timeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			s.logger.WithError(err).Warn("Bridge accept poll failed")
			return
		}
		if ready <= 0 {
			continue
		}

		nfd, _, err := unix.Accept(s.fd)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.ECONNABORTED) {
				continue
			}
			s.logger.WithError(err).Warn("Bridge accept failed")
			continue
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			continue
		}

		c := newFDConn(nfd, s.lp, s.ev, s.opts, s.logger)
		if !s.lp.Post(func() { s.ev.accepted(c) }) {
			_ = unix.Close(nfd)
			continue
		}
		c.start("bridge-conn")
	}
}

// Close stops accepting and removes the socket file.
func (s *socketEndpoint) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
	})
	return err
}
