package webrtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/ewonic/internal/signaling"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
)

// connection is the per-peer state. Every field except pc and peerID is
// guarded by Transport.mu.
type connection struct {
	peerID      transport.PeerID
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	isInitiator bool

	ice     webrtc.ICEConnectionState
	dcState webrtc.DataChannelState
	state   transport.State

	// ready is set once our offer or answer went out. Local candidates
	// produced before that are held so the remote never sees a candidate
	// ahead of the description it belongs to.
	ready   bool
	pending []webrtc.ICECandidateInit

	closed bool
}

// newConnection must be called with t.mu held.
func (t *Transport) newConnection(peerID transport.PeerID, isInitiator bool) (*connection, error) {
	var pc *webrtc.PeerConnection
	var err error
	if t.api != nil {
		pc, err = t.api.NewPeerConnection(t.config)
	} else {
		pc, err = webrtc.NewPeerConnection(t.config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &connection{
		peerID:      peerID,
		pc:          pc,
		isInitiator: isInitiator,
		ice:         webrtc.ICEConnectionStateNew,
		state:       transport.StateConnecting,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.log.Debugf("ICE state with %s: %s", peerID, s)
		t.update(c, func(c *connection) { c.ice = s })
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil {
			t.onLocalCandidate(c, candidate.ToJSON())
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			t.log.Debugf("Data channel '%s' from %s", dc.Label(), peerID)
			t.bindDataChannel(c, dc)
		})
	}

	return c, nil
}

func (t *Transport) bindDataChannel(c *connection, dc *webrtc.DataChannel) {
	t.mu.Lock()
	if c.closed {
		t.mu.Unlock()
		_ = dc.Close()
		return
	}
	c.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.log.Debugf("Data channel to %s open", c.peerID)
		t.update(c, func(c *connection) { c.dcState = webrtc.DataChannelStateOpen })
	})

	dc.OnClose(func() {
		t.log.Debugf("Data channel to %s closed", c.peerID)
		t.update(c, func(c *connection) { c.dcState = webrtc.DataChannelStateClosed })
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		closed := c.closed
		t.mu.Unlock()
		if closed {
			return
		}
		t.emitter.Emit(transport.MessageReceived{PeerID: c.peerID, Text: string(msg.Data)})
	})

	dc.OnError(func(err error) {
		t.log.Errorf("Data channel error with %s: %v", c.peerID, err)
	})

	// The channel may have opened before the handlers were installed.
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		t.update(c, func(c *connection) { c.dcState = webrtc.DataChannelStateOpen })
	}
}

// update applies mutate and emits the derived state if it changed. A
// terminal state tears the connection down before it is emitted.
func (t *Transport) update(c *connection, mutate func(c *connection)) {
	t.emitMu.Lock()
	t.mu.Lock()
	if c.closed {
		t.mu.Unlock()
		t.emitMu.Unlock()
		return
	}

	mutate(c)
	next := deriveState(c.ice, c.dcState)
	if next == c.state {
		t.mu.Unlock()
		t.emitMu.Unlock()
		return
	}
	c.state = next
	reason := stateReason(c.ice, c.dcState)

	terminal := next.Terminal()
	if terminal {
		t.detachLocked(c)
	}
	t.mu.Unlock()

	t.log.Infof("Connection with %s %s", c.peerID, reason)
	t.emit(c.peerID, next, reason)
	t.emitMu.Unlock()

	if terminal {
		t.release(c)
	}
}

// fail tears c down and reports it failed. It returns err wrapped as a
// setup error for callers that propagate it.
func (t *Transport) fail(c *connection, err error) error {
	setupErr := err
	if !errors.Is(err, transport.ErrConnectionSetup) {
		setupErr = fmt.Errorf("%w: %w", transport.ErrConnectionSetup, err)
	}

	t.emitMu.Lock()
	t.mu.Lock()
	if c.closed {
		t.mu.Unlock()
		t.emitMu.Unlock()
		return setupErr
	}
	c.state = transport.StateFailed
	t.detachLocked(c)
	t.mu.Unlock()

	t.log.Warnf("Connection with %s failed: %v", c.peerID, err)
	t.emit(c.peerID, transport.StateFailed, "failed: "+err.Error())
	t.emitMu.Unlock()

	t.release(c)
	return setupErr
}

// detachLocked marks c closed and drops it from the map. Handlers that
// fire afterwards see closed and return.
func (t *Transport) detachLocked(c *connection) {
	c.closed = true
	c.pending = nil
	if t.connections[c.peerID] == c {
		delete(t.connections, c.peerID)
	}
}

// release frees c's resources. c must already be detached.
func (t *Transport) release(c *connection) {
	c.pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
	c.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	c.pc.OnDataChannel(func(*webrtc.DataChannel) {})

	t.mu.Lock()
	dc := c.dc
	t.mu.Unlock()

	if dc != nil {
		dc.OnOpen(func() {})
		dc.OnClose(func() {})
		dc.OnMessage(func(webrtc.DataChannelMessage) {})
		if err := dc.Close(); err != nil {
			t.log.Debugf("Failed to close data channel to %s: %v", c.peerID, err)
		}
	}
	if err := c.pc.Close(); err != nil {
		t.log.Debugf("Failed to close peer connection to %s: %v", c.peerID, err)
	}
}

func (t *Transport) onLocalCandidate(c *connection, candidate webrtc.ICECandidateInit) {
	t.mu.Lock()
	if c.closed {
		t.mu.Unlock()
		return
	}
	if !c.ready {
		c.pending = append(c.pending, candidate)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.sendSignal(context.Background(), c, signaling.Candidate(candidate))
}

func (t *Transport) markReady(ctx context.Context, c *connection) {
	t.mu.Lock()
	if c.closed {
		t.mu.Unlock()
		return
	}
	c.ready = true
	pending := c.pending
	c.pending = nil
	t.mu.Unlock()

	for _, candidate := range pending {
		t.sendSignal(ctx, c, signaling.Candidate(candidate))
	}
}
