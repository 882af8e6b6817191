package sockettransport

import (
	"errors"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"google.golang.org/protobuf/types/known/structpb"
)

var errOutboxClosed = errors.New("outbox closed")

// outbox queues frames for one connection's writer goroutine. A slow reader
// loses the oldest frames instead of stalling the event loop.
type outbox struct {
	ring        mpmc.RichOverlappedRingBuffer[*structpb.Struct]
	wake        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	overwritten atomic.Uint64
}

func newOutbox(size uint32) *outbox {
	return &outbox{
		ring: mpmc.NewOverlappedRingBuffer[*structpb.Struct](size),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (o *outbox) push(st *structpb.Struct) error {
	if o.closed.Load() {
		return errOutboxClosed
	}
	n, err := o.ring.EnqueueM(st)
	if err != nil {
		return err
	}
	if n > 0 {
		o.overwritten.Add(uint64(n))
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until a frame is available or the outbox is closed.
func (o *outbox) pop() (*structpb.Struct, bool) {
	for {
		if !o.ring.IsEmpty() {
			if st, err := o.ring.Dequeue(); err == nil {
				return st, true
			}
		}
		select {
		case <-o.wake:
		case <-o.done:
			return nil, false
		}
	}
}

func (o *outbox) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.done)
	}
}

// Overwritten returns how many frames were dropped to make room.
func (o *outbox) Overwritten() uint64 {
	return o.overwritten.Load()
}
