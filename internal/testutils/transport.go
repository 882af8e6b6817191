package testutils

import (
	"encoding/json"
	"sync"

	"github.com/srg/btsvc/internal/transport"
)

// Transport is an in-memory transport.Transport. Calls are dispatched
// synchronously to the registered handler; replies are recorded on the
// returned Request.
type Transport struct {
	mu        sync.Mutex
	handlers  map[string]transport.Handler
	cancelW   map[transport.Token]map[int]func()
	discW     map[string]map[int]func()
	cancelled map[transport.Token]bool
	gone      map[string]bool
	nextWatch int
	nextToken uint64
}

// NewTransport creates an empty in-memory transport.
func NewTransport() *Transport {
	return &Transport{
		handlers:  make(map[string]transport.Handler),
		cancelW:   make(map[transport.Token]map[int]func()),
		discW:     make(map[string]map[int]func()),
		cancelled: make(map[transport.Token]bool),
		gone:      make(map[string]bool),
	}
}

func (t *Transport) Handle(method string, h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = h
}

// WatchCancel registers fn for token. A token that was already cancelled
// fires fn before returning.
func (t *Transport) WatchCancel(token transport.Token, fn func()) func() {
	t.mu.Lock()
	if t.cancelled[token] {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	defer t.mu.Unlock()
	id := t.nextWatch
	t.nextWatch++
	if t.cancelW[token] == nil {
		t.cancelW[token] = make(map[int]func())
	}
	t.cancelW[token][id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.cancelW[token], id)
		if len(t.cancelW[token]) == 0 {
			delete(t.cancelW, token)
		}
	}
}

// WatchDisconnect registers fn for client. A client that already
// disconnected fires fn before returning.
func (t *Transport) WatchDisconnect(client string, fn func()) func() {
	t.mu.Lock()
	if t.gone[client] {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	defer t.mu.Unlock()
	id := t.nextWatch
	t.nextWatch++
	if t.discW[client] == nil {
		t.discW[client] = make(map[int]func())
	}
	t.discW[client][id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.discW[client], id)
		if len(t.discW[client]) == 0 {
			delete(t.discW, client)
		}
	}
}

// Call dispatches method to its handler on behalf of client. The payload is
// round-tripped through JSON, so numbers reach the handler as float64 like
// they do over the wire. A call to an unknown method is answered with
// returnValue:false.
func (t *Transport) Call(client, method string, payload transport.Payload) *Request {
	t.mu.Lock()
	delete(t.gone, client)
	t.nextToken++
	token := transport.Token(t.nextToken)
	h := t.handlers[method]
	t.mu.Unlock()

	req := &Request{
		method:  method,
		client:  client,
		token:   token,
		payload: roundTrip(payload),
	}
	if h == nil {
		_ = req.Reply(transport.Payload{"returnValue": false, "errorText": "unknown method " + method})
		req.Done()
		return req
	}
	h(req)
	return req
}

// Cancel fires the cancel watches registered for token. Later watches on
// token fire at once.
func (t *Transport) Cancel(token transport.Token) {
	t.mu.Lock()
	t.cancelled[token] = true
	fns := collect(t.cancelW[token])
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Disconnect fires the disconnect watches registered for client. Later
// watches on client fire at once until it calls again.
func (t *Transport) Disconnect(client string) {
	t.mu.Lock()
	t.gone[client] = true
	fns := collect(t.discW[client])
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// WatchCount returns the number of registered cancel and disconnect watches.
func (t *Transport) WatchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.cancelW {
		n += len(m)
	}
	for _, m := range t.discW {
		n += len(m)
	}
	return n
}

func collect(m map[int]func()) []func() {
	out := make([]func(), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func roundTrip(p transport.Payload) transport.Payload {
	if p == nil {
		return transport.Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	var out transport.Payload
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

// Request is a recorded transport.Request.
type Request struct {
	method  string
	client  string
	token   transport.Token
	payload transport.Payload

	mu       sync.Mutex
	messages []transport.Payload
	done     int
}

// NewRequest builds a standalone request that is not bound to a Transport.
func NewRequest(client string, token transport.Token, payload transport.Payload) *Request {
	return &Request{client: client, token: token, payload: roundTrip(payload)}
}

func (r *Request) Method() string             { return r.method }
func (r *Request) Client() string             { return r.client }
func (r *Request) Token() transport.Token     { return r.token }
func (r *Request) Payload() transport.Payload { return r.payload }

func (r *Request) Reply(p transport.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, p)
	return nil
}

func (r *Request) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
}

// Messages returns a copy of all replies posted so far.
func (r *Request) Messages() []transport.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Payload(nil), r.messages...)
}

// Count returns the number of replies posted so far.
func (r *Request) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Last returns the most recent reply, or nil.
func (r *Request) Last() transport.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	return r.messages[len(r.messages)-1]
}

// Closed reports whether Done was called.
func (r *Request) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done > 0
}

// DoneCount returns how many times Done was called.
func (r *Request) DoneCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}
