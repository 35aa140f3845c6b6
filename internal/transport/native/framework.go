package native

import "github.com/rudransh-shrivastava/ewonic/internal/transport"

// PeerState is the framework's own view of a peer.
type PeerState int

const (
	NotConnected PeerState = iota
	Connecting
	Connected
)

func (s PeerState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "notConnected"
	}
}

// Framework is an OS peer-to-peer session framework. It discovers,
// encrypts and picks links on its own; we only see these calls and the
// Delegate callbacks.
type Framework interface {
	SetDelegate(d Delegate)
	StartAdvertising(displayName string, info map[string]string) error
	StopAdvertising() error
	StartBrowsing() error
	StopBrowsing() error
	Invite(peerID transport.PeerID) error
	Send(peerIDs []transport.PeerID, data []byte) error
	Disconnect(peerID transport.PeerID) error
	// Close leaves the session and drops every peer.
	Close() error
}

// Delegate receives framework callbacks on arbitrary goroutines.
type Delegate interface {
	FoundPeer(peerID transport.PeerID, displayName string, info map[string]string)
	LostPeer(peerID transport.PeerID)
	PeerChangedState(peerID transport.PeerID, state PeerState)
	ReceivedData(peerID transport.PeerID, data []byte)
	// ReceivedInvitation must call respond exactly once.
	ReceivedInvitation(peerID transport.PeerID, respond func(accept bool))
	FailedToStart(err error)
}
