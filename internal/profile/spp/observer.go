package spp

import (
	"sync"

	"github.com/srg/btsvc/internal/sil"
)

// observer receives stack events on stack goroutines and replays them on the
// loop. Received data for a known channel is queued right away; the
// multiplexer schedules its own notification pass. Data for a channel whose
// state change is still waiting on the loop is queued behind it.
type observer struct {
	s *Service

	mu       sync.Mutex
	deferred map[sil.ChannelID]int
}

var _ sil.SPPObserver = (*observer)(nil)

func newObserver(s *Service) *observer {
	return &observer{s: s, deferred: make(map[sil.ChannelID]int)}
}

func (o *observer) PropertiesChanged(address string, props []sil.Property) {
	o.s.lp.Post(func() { o.s.tracker.HandlePropertiesChanged(address, props) })
}

func (o *observer) ChannelStateChanged(adapter, address, uuid string, id sil.ChannelID, connected bool) {
	o.s.lp.Post(func() {
		if connected {
			o.s.channelUp(address, uuid, id)
			return
		}
		o.s.channelDown(adapter, id)
	})
}

func (o *observer) DataReceived(id sil.ChannelID, data []byte) {
	if !o.enqueueNow(id, data) {
		posted := o.s.lp.Post(func() {
			o.s.mux.EnqueueReceived(id, data)
			o.undefer(id)
		})
		if !posted {
			o.undefer(id)
		}
	}
	if o.s.opts.BridgeEnabled {
		o.s.lp.Post(func() { o.s.forward(id, data) })
	}
}

// enqueueNow queues data directly unless the channel is unknown yet or older
// data for it is still waiting on the loop. It returns false when the caller
// must defer.
func (o *observer) enqueueNow(id sil.ChannelID, data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deferred[id] == 0 {
		if _, ok := o.s.mux.ChannelByStack(id); ok {
			o.s.mux.EnqueueReceived(id, data)
			return true
		}
	}
	o.deferred[id]++
	return false
}

func (o *observer) undefer(id sil.ChannelID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deferred[id]--; o.deferred[id] <= 0 {
		delete(o.deferred, id)
	}
}
