package hfp

import "github.com/srg/btsvc/internal/sil"

// observer replays stack events on the loop.
type observer struct {
	s *Service
}

var _ sil.HFPObserver = (*observer)(nil)

func (o *observer) PropertiesChanged(address string, props []sil.Property) {
	o.s.lp.Post(func() { o.s.tracker.HandlePropertiesChanged(address, props) })
}

func (o *observer) SCOStateChanged(address string, open bool) {
	o.s.lp.Post(func() { o.s.onSCOStateChanged(address, open) })
}

func (o *observer) ATCommandReceived(address, line string) {
	o.s.lp.Post(func() { o.s.onATCommand(address, line) })
}
