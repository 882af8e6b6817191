// Package loop implements the single-threaded cooperative event loop that owns
// all connection and channel state.
//
// Every state transition, timer firing and I/O readiness callback is posted to
// the loop and executed serially on one goroutine. Producers running on other
// goroutines (stack callbacks, transport readers, socket pollers) only ever
// enqueue work; they never touch loop-owned state directly.
//
// # Basic Usage
//
//	l := loop.New(logger)
//	if err := l.Start(ctx); err != nil {
//	    return err
//	}
//	defer l.Stop()
//
//	l.Post(func() { /* runs on the loop */ })
//
//	t := l.AfterFunc(2*time.Second, func() { /* expired */ })
//	t.Cancel() // never fires after a Cancel made on the loop
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/groutine"
)

const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping
)

// ErrStopped is returned by Do when the loop is not accepting work.
var ErrStopped = errors.New("event loop is not running")

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Loop is a serial task executor. Post is safe for concurrent use.
type Loop struct {
	logger *logrus.Logger

	mu    sync.Mutex
	tasks []func()

	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	state uint32
	gid   atomic.Uint64
}

// New creates a stopped loop. If the logger is nil, a no-op logger is used.
func New(logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = noopLogger
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine and returns once it is running.
func (l *Loop) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&l.state, StateNotRunning, StateRunning) {
		return fmt.Errorf("event loop is in state %d, cannot start", atomic.LoadUint32(&l.state))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	started := make(chan struct{})
	stop, done := l.stop, l.done

	groutine.Go(ctx, "event-loop", func(ctx context.Context) {
		l.gid.Store(groutine.GetGID())
		close(started)
		defer func() {
			l.gid.Store(0)
			atomic.StoreUint32(&l.state, StateNotRunning)
			close(done)
		}()
		l.run(ctx, stop)
	})

	<-started
	l.logger.Debug("Event loop started")
	return nil
}

func (l *Loop) run(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-l.wake:
			l.drain(stop)
		}
	}
}

// drain executes queued tasks in FIFO order until the queue is empty.
func (l *Loop) drain(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("Event loop task panicked (recovered)")
		}
	}()
	fn()
}

// Stop signals the loop to exit and waits for it unless called from the loop
// itself. Queued tasks that have not started are discarded.
func (l *Loop) Stop() {
	if !atomic.CompareAndSwapUint32(&l.state, StateRunning, StateStopping) {
		return
	}
	close(l.stop)
	if l.InLoop() {
		return
	}
	<-l.done

	l.mu.Lock()
	l.tasks = nil
	l.mu.Unlock()
	l.logger.Debug("Event loop stopped")
}

// Running reports whether the loop accepts work.
func (l *Loop) Running() bool {
	return atomic.LoadUint32(&l.state) == StateRunning
}

// InLoop reports whether the caller runs on the loop goroutine.
func (l *Loop) InLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == groutine.GetGID()
}

// Post enqueues fn for execution on the loop. It returns false if the loop is
// not running; the task is dropped in that case.
func (l *Loop) Post(fn func()) bool {
	if fn == nil || !l.Running() {
		return false
	}

	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
		// wake-up already pending
	}
	return true
}

// Do runs fn on the loop and waits for it to return. Called from the loop
// goroutine, fn runs inline.
func (l *Loop) Do(fn func()) error {
	if l.InLoop() {
		fn()
		return nil
	}

	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.doneChan():
		return ErrStopped
	}
}

func (l *Loop) doneChan() <-chan struct{} {
	if l.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.done
}
