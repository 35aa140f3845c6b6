// Package webrtc implements the session transport as one pion peer
// connection and one ordered data channel per remote peer, signaled through
// a transport.Signaler.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/signaling"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/sirupsen/logrus"
)

type Options struct {
	LocalID    transport.PeerID
	Signaler   transport.Signaler
	Discoverer transport.Discoverer

	Config      webrtc.Configuration
	DataChannel *webrtc.DataChannelInit
	Label       string
	// API overrides the default pion API, e.g. LoopbackAPI.
	API *webrtc.API

	Logger *logrus.Logger
}

type Transport struct {
	localID    transport.PeerID
	api        *webrtc.API
	config     webrtc.Configuration
	dcInit     *webrtc.DataChannelInit
	label      string
	signaler   transport.Signaler
	discoverer transport.Discoverer
	log        *logrus.Entry
	emitter    *transport.Emitter

	// emitMu is held from deriving a state change until it is emitted, so
	// reports for one connection reach the consumer in the order decided.
	// It is taken before mu.
	emitMu sync.Mutex

	mu          sync.Mutex
	connections map[transport.PeerID]*connection
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	t := &Transport{
		localID:     opts.LocalID,
		api:         opts.API,
		config:      opts.Config,
		dcInit:      opts.DataChannel,
		label:       opts.Label,
		signaler:    opts.Signaler,
		discoverer:  opts.Discoverer,
		log:         log.WithField("component", "webrtc"),
		emitter:     transport.NewEmitter(64),
		connections: make(map[transport.PeerID]*connection),
	}
	if t.dcInit == nil {
		t.dcInit = reliableChannel()
	}
	if t.label == "" {
		t.label = defaultLabel
	}
	return t
}

// Start consumes inbound signals and activates discovery when a
// Discoverer is configured.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		cancel()
		return nil
	}
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.signalLoop(ctx)

	if t.discoverer == nil {
		return nil
	}

	err := t.discoverer.Discover(ctx,
		func(p transport.DiscoveredPeer) { t.emitter.Emit(transport.PeerFound{Peer: p}) },
		func(id transport.PeerID) { t.emitter.Emit(transport.PeerLost{PeerID: id}) },
	)
	if err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	return nil
}

func (t *Transport) signalLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-t.signaler.RecvSignal():
			if !ok {
				return
			}
			if err := t.HandleSignal(ctx, sig); err != nil {
				t.log.Warnf("Failed to handle %s from %s: %v", sig.Message.Kind, sig.PeerID, err)
			}
		}
	}
}

// Connect initiates a connection as offerer. A live connection to peerID
// is left alone and its current state is reported again.
func (t *Transport) Connect(ctx context.Context, peerID transport.PeerID) error {
	if peerID == t.localID {
		return fmt.Errorf("%w: cannot connect to self", transport.ErrConnectionSetup)
	}

	t.emitMu.Lock()
	t.mu.Lock()
	if c, ok := t.connections[peerID]; ok {
		state := c.state
		t.mu.Unlock()
		t.log.Infof("Connection to %s already %s", peerID, state)
		t.emit(c.peerID, state, "already "+state.String())
		t.emitMu.Unlock()
		return nil
	}

	c, err := t.newConnection(peerID, true)
	if err != nil {
		t.mu.Unlock()
		t.emit(peerID, transport.StateFailed, "failed: "+err.Error())
		t.emitMu.Unlock()
		return fmt.Errorf("%w: %w", transport.ErrConnectionSetup, err)
	}
	t.connections[peerID] = c
	t.mu.Unlock()

	t.log.Infof("Connecting to %s", peerID)
	t.emit(peerID, transport.StateConnecting, "connecting")
	t.emitMu.Unlock()

	dc, err := c.pc.CreateDataChannel(t.label, t.dcInit)
	if err != nil {
		return t.fail(c, fmt.Errorf("failed to create data channel: %w", err))
	}
	t.bindDataChannel(c, dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return t.fail(c, fmt.Errorf("failed to create offer: %w", err))
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return t.fail(c, fmt.Errorf("failed to set local description: %w", err))
	}

	t.sendSignal(ctx, c, signaling.Offer(offer.SDP))
	t.markReady(ctx, c)
	return nil
}

// HandleSignal applies one inbound signaling message.
func (t *Transport) HandleSignal(ctx context.Context, sig transport.Signal) error {
	if sig.PeerID == t.localID {
		return nil
	}
	t.emitter.Emit(transport.SignalingReceived{PeerID: sig.PeerID, Kind: sig.Message.Kind})

	switch sig.Message.Kind {
	case signaling.KindOffer:
		return t.handleOffer(ctx, sig.PeerID, sig.Message.SDP)
	case signaling.KindAnswer:
		return t.handleAnswer(sig.PeerID, sig.Message.SDP)
	case signaling.KindCandidate:
		return t.handleCandidate(sig.PeerID, sig.Message.Candidate)
	default:
		return fmt.Errorf("%w: unknown type %q", signaling.ErrMalformedMessage, sig.Message.Kind)
	}
}

// yields reports whether local gives up its own offer when both sides
// offered at once. Exactly one side of any unequal pair yields.
func yields(local, remote transport.PeerID) bool {
	return local > remote
}

// An offer on an existing answering connection is applied to it as an
// update.
func (t *Transport) handleOffer(ctx context.Context, peerID transport.PeerID, sdp string) error {
	t.emitMu.Lock()
	t.mu.Lock()
	c := t.connections[peerID]

	var discarded *connection
	if c != nil && c.isInitiator && c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !yields(t.localID, peerID) {
			t.mu.Unlock()
			t.emitMu.Unlock()
			t.log.Infof("Offer glare with %s, keeping our offer", peerID)
			return nil
		}
		t.log.Infof("Offer glare with %s, accepting theirs", peerID)
		t.detachLocked(c)
		discarded = c
		c = nil
	}

	created := false
	if c == nil {
		var err error
		c, err = t.newConnection(peerID, false)
		if err != nil {
			t.mu.Unlock()
			t.emit(peerID, transport.StateFailed, "failed: "+err.Error())
			t.emitMu.Unlock()
			if discarded != nil {
				t.release(discarded)
			}
			return fmt.Errorf("%w: %w", transport.ErrConnectionSetup, err)
		}
		t.connections[peerID] = c
		created = true
	}
	t.mu.Unlock()

	if created && discarded == nil {
		t.emit(peerID, transport.StateConnecting, "connecting")
	}
	t.emitMu.Unlock()

	if discarded != nil {
		t.release(discarded)
	}

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return t.fail(c, fmt.Errorf("failed to set remote description: %w", err))
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return t.fail(c, fmt.Errorf("failed to create answer: %w", err))
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return t.fail(c, fmt.Errorf("failed to set local description: %w", err))
	}

	t.sendSignal(ctx, c, signaling.Answer(answer.SDP))
	t.markReady(ctx, c)
	return nil
}

func (t *Transport) handleAnswer(peerID transport.PeerID, sdp string) error {
	c := t.connection(peerID)
	if c == nil {
		t.log.Warnf("Dropping answer from %s: no connection", peerID)
		return nil
	}

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return t.fail(c, fmt.Errorf("failed to set remote description: %w", err))
	}
	return nil
}

// handleCandidate ignores candidates that arrive before the remote
// description. They are not queued.
func (t *Transport) handleCandidate(peerID transport.PeerID, candidate *webrtc.ICECandidateInit) error {
	c := t.connection(peerID)
	if c == nil {
		t.log.Warnf("Dropping candidate from %s: no connection", peerID)
		return nil
	}
	if c.pc.RemoteDescription() == nil {
		t.log.Debugf("Ignoring candidate from %s before remote description", peerID)
		return nil
	}

	if err := c.pc.AddICECandidate(*candidate); err != nil {
		return t.fail(c, fmt.Errorf("failed to add ice candidate: %w", err))
	}
	return nil
}

func (t *Transport) connection(peerID transport.PeerID) *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connections[peerID]
}

// Send writes text to peerID's data channel. It does nothing unless the
// channel is open. A failed write fails the connection.
func (t *Transport) Send(peerID transport.PeerID, text string) {
	t.mu.Lock()
	c := t.connections[peerID]
	var dc *webrtc.DataChannel
	if c != nil && c.dcState == webrtc.DataChannelStateOpen {
		dc = c.dc
	}
	t.mu.Unlock()

	if dc == nil {
		return
	}
	if err := dc.SendText(text); err != nil {
		_ = t.fail(c, fmt.Errorf("%w: %w", transport.ErrSendFailed, err))
	}
}

func (t *Transport) Broadcast(text string) {
	for _, peerID := range t.Peers() {
		t.Send(peerID, text)
	}
}

// Peers lists peers with a tracked connection.
func (t *Transport) Peers() []transport.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := make([]transport.PeerID, 0, len(t.connections))
	for id := range t.connections {
		peers = append(peers, id)
	}
	return peers
}

// Disconnect tears down peerID's connection. Unknown peers are ignored.
func (t *Transport) Disconnect(peerID transport.PeerID) {
	t.emitMu.Lock()
	t.mu.Lock()
	c := t.connections[peerID]
	if c == nil {
		t.mu.Unlock()
		t.emitMu.Unlock()
		return
	}
	t.detachLocked(c)
	c.state = transport.StateDisconnected
	t.mu.Unlock()

	t.log.Infof("Disconnected from %s", peerID)
	t.emit(peerID, transport.StateDisconnected, "disconnected locally")
	t.emitMu.Unlock()

	t.release(c)
}

// DisconnectAll tears down every connection. The connection map is empty
// on return.
func (t *Transport) DisconnectAll() {
	t.emitMu.Lock()
	t.mu.Lock()
	closing := make([]*connection, 0, len(t.connections))
	for _, c := range t.connections {
		t.detachLocked(c)
		c.state = transport.StateDisconnected
		closing = append(closing, c)
	}
	t.connections = make(map[transport.PeerID]*connection)
	t.mu.Unlock()

	for _, c := range closing {
		t.emit(c.peerID, transport.StateDisconnected, "disconnected locally")
	}
	t.emitMu.Unlock()

	for _, c := range closing {
		t.release(c)
	}
}

func (t *Transport) Events() <-chan transport.Event {
	return t.emitter.Events()
}

// Close stops event delivery, tears down every connection and stops
// discovery.
func (t *Transport) Close() error {
	t.emitter.Close()

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	t.DisconnectAll()

	var err error
	if t.discoverer != nil {
		err = t.discoverer.StopDiscovery()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) emit(peerID transport.PeerID, state transport.State, reason string) {
	t.emitter.Emit(transport.StateChanged{PeerID: peerID, State: state, Reason: reason})
}

// sendSignal fails c when the signaling link to the peer cannot be set
// up. Other relay failures are only logged and reported.
func (t *Transport) sendSignal(ctx context.Context, c *connection, msg signaling.Message) {
	err := t.signaler.SendSignal(ctx, c.peerID, msg)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrConnectionSetup) {
		_ = t.fail(c, err)
		return
	}
	t.log.Warnf("Failed to send %s to %s: %v", msg.Kind, c.peerID, err)
	t.emitter.Emit(transport.TransportError{PeerID: c.peerID, Err: err})
}
