package mux

import (
	"sync"

	"github.com/srg/btsvc/internal/sil"
)

// Channel is one logical data channel. Identity fields are immutable after
// allocation; the receive path is guarded by mu because fragments are queued
// from stack goroutines while the loop coalesces them.
type Channel struct {
	key     uint64
	StackID sil.ChannelID
	UserID  string
	Address string
	UUID    string
	Owner   string

	mu              sync.Mutex
	queue           [][]byte
	buf             []byte
	notifyScheduled bool
	released        bool
}

func newChannel(key uint64, stackID sil.ChannelID, userID, address, uuid, owner string) *Channel {
	return &Channel{
		key:     key,
		StackID: stackID,
		UserID:  userID,
		Address: address,
		UUID:    uuid,
		Owner:   owner,
		buf:     make([]byte, 0, ChannelBufferSize),
	}
}

// enqueue appends a copy of data, split into buffer-sized fragments. It
// reports whether the caller must schedule a notification pass. Callers hold
// mu.
func (c *Channel) enqueue(data []byte) bool {
	for len(data) > 0 {
		n := len(data)
		if n > ChannelBufferSize {
			n = ChannelBufferSize
		}
		c.queue = append(c.queue, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	if c.notifyScheduled {
		return false
	}
	c.notifyScheduled = true
	return true
}

// coalesce moves queued fragments into the buffer while they fit. A fragment
// that does not fit stays queued whole. Callers hold mu.
func (c *Channel) coalesce() {
	for len(c.queue) > 0 {
		frag := c.queue[0]
		if len(c.buf)+len(frag) > ChannelBufferSize {
			return
		}
		c.buf = append(c.buf, frag...)
		c.queue[0] = nil
		c.queue = c.queue[1:]
	}
}

// take copies the buffer out and resets it. Callers hold mu.
func (c *Channel) take() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	out := append([]byte(nil), c.buf...)
	c.buf = c.buf[:0]
	return out
}

func (c *Channel) pending() bool {
	return len(c.buf) > 0 || len(c.queue) > 0
}

// Buffered returns the number of coalesced and of still queued bytes.
func (c *Channel) Buffered() (buffered, queued int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.queue {
		queued += len(f)
	}
	return len(c.buf), queued
}
