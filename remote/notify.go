package remote

import (
	"net"
	"sync"

	"macremote/discovery"
	"macremote/event"
)

// Notification is one observable occurrence. The concrete types below are
// the complete set; consumers switch on them.
type Notification interface {
	notification()
}

// ServicesChanged carries the full visible service set after a completed
// discovery batch.
type ServicesChanged struct {
	Services []discovery.ServiceDescriptor
}

// Connecting is sent when the client begins resolving a service.
type Connecting struct {
	Service discovery.ServiceDescriptor
}

// Connected is sent when a connection is established. Service is the
// resolved descriptor on the client and zero on the server.
type Connected struct {
	Service discovery.ServiceDescriptor
	Remote  net.Addr
}

// Disconnected is sent exactly once per connection. Err is nil for a
// clean peer close or a local close.
type Disconnected struct {
	Remote net.Addr
	Local  bool
	Err    error
}

// Listening is sent when the server's listening socket is bound.
type Listening struct {
	Port     uint16
	Relisten bool
}

// DataSent is sent after a frame has been written.
type DataSent struct {
	Body []byte
}

// DataReceived carries every frame body read from the peer.
type DataReceived struct {
	Body []byte
}

// TextReceived follows DataReceived when the body is UTF-8 text.
type TextReceived struct {
	Text string
}

// EventReceived follows DataReceived when the body is an encoded event.
type EventReceived struct {
	Event event.Event
}

// Failure reports an error that did not come back to a caller: decode,
// publish and discovery errors, and transport errors on the accept path.
type Failure struct {
	Err error
}

func (ServicesChanged) notification() {}
func (Connecting) notification()      {}
func (Connected) notification()       {}
func (Disconnected) notification()    {}
func (Listening) notification()       {}
func (DataSent) notification()        {}
func (DataReceived) notification()    {}
func (TextReceived) notification()    {}
func (EventReceived) notification()   {}
func (Failure) notification()         {}

// Handler receives notifications.
type Handler func(Notification)

// dispatcher delivers notifications in emission order, one at a time, on
// a goroutine of its own so a handler may call back into its manager.
type dispatcher struct {
	handler Handler

	mu      sync.Mutex
	queue   []Notification
	running bool
}

func (d *dispatcher) emit(n Notification) {
	if d.handler == nil {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, n)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	go d.drain()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		n := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.handler(n)
	}
}
