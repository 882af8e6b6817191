// Package transport defines how requests reach the profile services and how
// replies, subscription updates and client liveness flow back.
//
// A Request stays open until Done is called on it, so a subscribing caller may
// receive any number of Reply messages on the same call. Ownership of an open
// request is tracked with Call.
package transport

// Token identifies one in-flight call of one client.
type Token uint64

// Request is an inbound call.
type Request interface {
	Method() string
	// Client is the registered name of the calling application.
	Client() string
	Token() Token
	Payload() Payload
	// Reply posts a message to the caller. It may be called repeatedly until
	// Done.
	Reply(p Payload) error
	// Done closes the call without sending anything.
	Done()
}

// Handler processes a request. Handlers run on the transport's reader
// goroutine and must not block.
type Handler func(req Request)

// Router registers handlers by method name (e.g. "/spp/connect").
type Router interface {
	Handle(method string, h Handler)
}

// Liveness reports the loss of a caller. A caller that is already gone when
// the watch is registered is reported too, possibly before the Watch method
// returns. The returned stop function unregisters the callback and is safe to
// call more than once.
type Liveness interface {
	// WatchCancel fires fn when the call identified by token is cancelled.
	WatchCancel(token Token, fn func()) (stop func())
	// WatchDisconnect fires fn when the client disconnects from the service.
	WatchDisconnect(client string, fn func()) (stop func())
}

// Transport is a Router that also reports liveness.
type Transport interface {
	Router
	Liveness
}
