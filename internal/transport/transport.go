// Package transport defines the session transport capability shared by the
// WebRTC and native peer-to-peer implementations.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/rudransh-shrivastava/ewonic/internal/signaling"
)

// PeerID identifies a remote endpoint. Values are compared lexicographically
// to break connection glare.
type PeerID string

var (
	ErrDiscovery       = errors.New("discovery failed")
	ErrConnectionSetup = errors.New("connection setup failed")
	ErrSendFailed      = errors.New("send failed")
	ErrClosed          = errors.New("transport closed")
)

// Transport is one way of finding and talking to peers. Exactly one is
// active per session.
type Transport interface {
	// Start activates discovery. Found and lost peers arrive on Events.
	Start(ctx context.Context) error
	Connect(ctx context.Context, peerID PeerID) error
	// Send is a silent no-op when peerID has no open channel.
	Send(peerID PeerID, text string)
	Broadcast(text string)
	// Disconnect is a no-op when peerID has no connection.
	Disconnect(peerID PeerID)
	DisconnectAll()
	Events() <-chan Event
	Close() error
}

// Discoverer reports peers advertising the application service.
type Discoverer interface {
	Discover(ctx context.Context, onFound func(DiscoveredPeer), onLost func(PeerID)) error
	StopDiscovery() error
}

// Signaler carries signaling messages to a single remote peer.
type Signaler interface {
	SendSignal(ctx context.Context, peerID PeerID, msg signaling.Message) error
	RecvSignal() <-chan Signal
	io.Closer
}

type Signal struct {
	PeerID  PeerID
	Message signaling.Message
}

type DiscoveredPeer struct {
	ID          PeerID
	DisplayName string
	// Handle is transport specific, e.g. a radio address.
	Handle   string
	Metadata map[string]string
}
