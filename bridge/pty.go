package bridge

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/loop"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ptyEndpoint exposes a raw-mode PTY slave through a symlink at path. The
// slave is held open for the bridge's lifetime so peers may come and go
// without the master reporting a hangup; the master counts as connected from
// the start.
type ptyEndpoint struct {
	path  string
	slave *os.File
	conn  *fdConn
	once  sync.Once
}

func openPTY(lp *loop.Loop, path string, opts Options, ev events, logger *logrus.Logger) (*ptyEndpoint, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	fail := func(err error) (*ptyEndpoint, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, err
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail(fmt.Errorf("set %s raw: %w", slave.Name(), err))
	}

	// The fdConn owns the master descriptor from here on.
	mfd, err := unix.Dup(int(master.Fd()))
	if err != nil {
		return fail(fmt.Errorf("dup pty master: %w", err))
	}
	_ = master.Close()
	if err := unix.SetNonblock(mfd, true); err != nil {
		_ = unix.Close(mfd)
		_ = slave.Close()
		return nil, fmt.Errorf("set pty master nonblocking: %w", err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = unix.Close(mfd)
		_ = slave.Close()
		return nil, fmt.Errorf("remove stale link: %w", err)
	}
	if err := os.Symlink(slave.Name(), path); err != nil {
		_ = unix.Close(mfd)
		_ = slave.Close()
		return nil, fmt.Errorf("link %s: %w", path, err)
	}

	p := &ptyEndpoint{
		path:  path,
		slave: slave,
		conn:  newFDConn(mfd, lp, ev, opts, logger),
	}
	lp.Post(func() { ev.accepted(p.conn) })
	p.conn.start("bridge-pty")
	return p, nil
}

func (p *ptyEndpoint) Path() string {
	return p.path
}

func (p *ptyEndpoint) Close() error {
	var err error
	p.once.Do(func() {
		_ = p.conn.Close()
		_ = p.slave.Close()
		if rmErr := os.Remove(p.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
	})
	return err
}
