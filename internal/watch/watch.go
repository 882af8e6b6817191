// Package watch ties a pending operation or subscription to the liveness of
// the client that requested it.
//
// A Watch listens for two independent signals: cancellation of the
// originating call and disconnection of the calling client. Whichever comes
// first schedules the lost callback on the event loop, once. Signals arrive on
// transport goroutines, so the callback is always deferred through a
// zero-delay loop task and never runs inside the transport's own call stack.
package watch

import (
	"sync"

	"github.com/srg/btsvc/internal/loop"
	"github.com/srg/btsvc/internal/transport"
)

// Watch is a client-liveness watch around an owned call.
type Watch struct {
	lp     *loop.Loop
	call   *transport.Call
	client string
	token  transport.Token
	onLost func()

	mu         sync.Mutex
	stopCancel func()
	stopDisc   func()
	pending    *loop.Task
	fired      bool
	closed     bool
}

// New takes ownership of call and starts watching its client. onLost runs on
// the loop at most once; it is never called after Close.
func New(lp *loop.Loop, live transport.Liveness, call *transport.Call, onLost func()) *Watch {
	w := &Watch{
		lp:     lp,
		call:   call,
		client: call.Client(),
		token:  call.Token(),
		onLost: onLost,
	}

	stopCancel := live.WatchCancel(w.token, w.signal)
	stopDisc := live.WatchDisconnect(w.client, w.signal)

	w.mu.Lock()
	w.stopCancel, w.stopDisc = stopCancel, stopDisc
	w.mu.Unlock()
	return w
}

func (w *Watch) signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.fired || w.pending != nil {
		return
	}
	w.pending = w.lp.AfterFunc(0, w.fire)
}

func (w *Watch) fire() {
	w.mu.Lock()
	w.pending = nil
	if w.closed || w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	fn := w.onLost
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Client returns the watched client's name.
func (w *Watch) Client() string {
	return w.client
}

// Token returns the watched call token.
func (w *Watch) Token() transport.Token {
	return w.token
}

// Post sends a subscription update. It is a no-op once the call ended.
func (w *Watch) Post(p transport.Payload) error {
	return w.call.Update(p)
}

// Respond sends a final reply and ends the call. The watch itself keeps
// running until Close.
func (w *Watch) Respond(p transport.Payload) error {
	return w.call.Respond(p)
}

// EndCall releases the call while keeping the liveness watch.
func (w *Watch) EndCall() {
	w.call.Release()
}

// Live reports whether the call is still open.
func (w *Watch) Live() bool {
	return !w.call.Released()
}

// Fired reports whether the lost callback ran.
func (w *Watch) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Close unregisters both liveness signals, cancels a pending callback and
// releases the call. Calling Close more than once is safe.
func (w *Watch) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	stopCancel, stopDisc := w.stopCancel, w.stopDisc
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if stopCancel != nil {
		stopCancel()
	}
	if stopDisc != nil {
		stopDisc()
	}
	pending.Cancel()
	w.call.Release()
}
