package transport

import (
	"sync"

	"github.com/rudransh-shrivastava/ewonic/internal/signaling"
)

// Event is one of PeerFound, PeerLost, StateChanged, MessageReceived,
// SignalingReceived or TransportError.
type Event interface {
	event()
}

type PeerFound struct {
	Peer DiscoveredPeer
}

type PeerLost struct {
	PeerID PeerID
}

type StateChanged struct {
	PeerID PeerID
	State  State
	Reason string
}

type MessageReceived struct {
	PeerID PeerID
	Text   string
}

type SignalingReceived struct {
	PeerID PeerID
	Kind   signaling.Kind
}

type TransportError struct {
	PeerID PeerID
	Err    error
}

func (PeerFound) event()         {}
func (PeerLost) event()          {}
func (StateChanged) event()      {}
func (MessageReceived) event()   {}
func (SignalingReceived) event() {}
func (TransportError) event()    {}

// Emitter hands events to a single consumer. Emit never blocks once Close
// has been called, so it is safe from any callback goroutine.
type Emitter struct {
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func NewEmitter(size int) *Emitter {
	return &Emitter{
		events: make(chan Event, size),
		closed: make(chan struct{}),
	}
}

// Emit reports whether ev was queued.
func (e *Emitter) Emit(ev Event) bool {
	select {
	case <-e.closed:
		return false
	default:
	}

	select {
	case e.events <- ev:
		return true
	case <-e.closed:
		return false
	}
}

func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Done is closed by Close.
func (e *Emitter) Done() <-chan struct{} {
	return e.closed
}

func (e *Emitter) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
}
