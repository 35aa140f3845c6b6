// Package native adapts an opaque peer-to-peer session framework to the
// transport interface and enforces a single connected peer.
package native

import (
	"context"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Framework   Framework
	DisplayName string
	Info        map[string]string
	Logger      *logrus.Logger
}

type Transport struct {
	fw          Framework
	displayName string
	info        map[string]string
	log         *logrus.Entry
	emitter     *transport.Emitter

	// emitMu keeps state reports in the order reconcile decided them.
	emitMu sync.Mutex

	mu        sync.Mutex
	started   bool
	states    map[transport.PeerID]PeerState
	connected map[transport.PeerID]struct{}
	// accepting is the invitation we said yes to and are waiting on.
	accepting transport.PeerID
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	t := &Transport{
		fw:          opts.Framework,
		displayName: opts.DisplayName,
		info:        opts.Info,
		log:         log.WithField("component", "native"),
		emitter:     transport.NewEmitter(64),
		states:      make(map[transport.PeerID]PeerState),
		connected:   make(map[transport.PeerID]struct{}),
	}
	t.fw.SetDelegate(&delegate{t: t})
	return t
}

// Start advertises and browses. Starting twice is a no-op.
func (t *Transport) Start(_ context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		t.log.Info("Session already started")
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if err := t.fw.StartAdvertising(t.displayName, t.info); err != nil {
		t.setStopped()
		return fmt.Errorf("%w: advertise: %w", transport.ErrDiscovery, err)
	}
	if err := t.fw.StartBrowsing(); err != nil {
		_ = t.fw.StopAdvertising()
		t.setStopped()
		return fmt.Errorf("%w: browse: %w", transport.ErrDiscovery, err)
	}

	t.log.Infof("Advertising as %s", t.displayName)
	return nil
}

func (t *Transport) setStopped() {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
}

func (t *Transport) Connect(_ context.Context, peerID transport.PeerID) error {
	if err := t.fw.Invite(peerID); err != nil {
		return fmt.Errorf("%w: invite %s: %w", transport.ErrConnectionSetup, peerID, err)
	}
	t.log.Infof("Invited %s", peerID)
	return nil
}

// Send is a no-op unless peerID is connected.
func (t *Transport) Send(peerID transport.PeerID, text string) {
	t.mu.Lock()
	_, ok := t.connected[peerID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.send([]transport.PeerID{peerID}, text)
}

func (t *Transport) Broadcast(text string) {
	t.mu.Lock()
	peers := make([]transport.PeerID, 0, len(t.connected))
	for id := range t.connected {
		peers = append(peers, id)
	}
	t.mu.Unlock()

	if len(peers) > 0 {
		t.send(peers, text)
	}
}

func (t *Transport) send(peers []transport.PeerID, text string) {
	if err := t.fw.Send(peers, []byte(text)); err != nil {
		t.log.Warnf("Failed to send to %v: %v", peers, err)
		for _, id := range peers {
			t.emitter.Emit(transport.TransportError{PeerID: id, Err: fmt.Errorf("%w: %w", transport.ErrSendFailed, err)})
		}
	}
}

// Disconnect is a no-op for peers the framework does not track.
func (t *Transport) Disconnect(peerID transport.PeerID) {
	t.mu.Lock()
	state, ok := t.states[peerID]
	t.mu.Unlock()
	if !ok || state == NotConnected {
		return
	}

	if err := t.fw.Disconnect(peerID); err != nil {
		t.log.Warnf("Failed to disconnect %s: %v", peerID, err)
	}
}

func (t *Transport) DisconnectAll() {
	t.mu.Lock()
	peers := make([]transport.PeerID, 0, len(t.states))
	for id, s := range t.states {
		if s != NotConnected {
			peers = append(peers, id)
		}
	}
	t.mu.Unlock()

	for _, id := range peers {
		t.Disconnect(id)
	}
}

func (t *Transport) Events() <-chan transport.Event {
	return t.emitter.Events()
}

// Close stops discovery and leaves the framework session.
func (t *Transport) Close() error {
	t.emitter.Close()

	t.mu.Lock()
	t.started = false
	t.states = make(map[transport.PeerID]PeerState)
	t.connected = make(map[transport.PeerID]struct{})
	t.accepting = ""
	t.mu.Unlock()

	if err := t.fw.StopBrowsing(); err != nil {
		t.log.Debugf("Failed to stop browsing: %v", err)
	}
	if err := t.fw.StopAdvertising(); err != nil {
		t.log.Debugf("Failed to stop advertising: %v", err)
	}
	return t.fw.Close()
}

// admit applies the single-connection policy: with nobody connected the
// first invitation is accepted, everything else is declined.
func (t *Transport) admit(peerID transport.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.connected) > 0 || t.accepting != "" {
		return false
	}
	t.accepting = peerID
	return true
}

// reconcile maps a framework state change onto the derived vocabulary.
// It reports false when nothing should be emitted.
func (t *Transport) reconcile(peerID transport.PeerID, next PeerState) (transport.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, known := t.states[peerID]
	if known && prev == next {
		return 0, false
	}

	switch next {
	case Connecting:
		t.states[peerID] = Connecting
		return transport.StateConnecting, true
	case Connected:
		t.states[peerID] = Connected
		t.connected[peerID] = struct{}{}
		if t.accepting == peerID {
			t.accepting = ""
		}
		return transport.StateConnected, true
	}

	delete(t.states, peerID)
	delete(t.connected, peerID)
	if t.accepting == peerID {
		t.accepting = ""
	}

	switch prev {
	case Connecting:
		return transport.StateFailed, true
	case Connected:
		return transport.StateDisconnected, true
	}
	return 0, false
}

type delegate struct {
	t *Transport
}

func (d *delegate) FoundPeer(peerID transport.PeerID, displayName string, info map[string]string) {
	if displayName == "" {
		displayName = string(peerID)
	}
	d.t.emitter.Emit(transport.PeerFound{Peer: transport.DiscoveredPeer{
		ID:          peerID,
		DisplayName: displayName,
		Handle:      string(peerID),
		Metadata:    info,
	}})
}

func (d *delegate) LostPeer(peerID transport.PeerID) {
	d.t.emitter.Emit(transport.PeerLost{PeerID: peerID})
}

func (d *delegate) PeerChangedState(peerID transport.PeerID, state PeerState) {
	d.t.emitMu.Lock()
	defer d.t.emitMu.Unlock()

	derived, ok := d.t.reconcile(peerID, state)
	if !ok {
		return
	}

	reason := derived.String()
	if derived == transport.StateFailed {
		reason = "failed: connection attempt dropped"
	}
	d.t.log.Infof("Peer %s is %s", peerID, state)
	d.t.emitter.Emit(transport.StateChanged{PeerID: peerID, State: derived, Reason: reason})
}

func (d *delegate) ReceivedData(peerID transport.PeerID, data []byte) {
	d.t.emitter.Emit(transport.MessageReceived{PeerID: peerID, Text: string(data)})
}

func (d *delegate) ReceivedInvitation(peerID transport.PeerID, respond func(accept bool)) {
	accept := d.t.admit(peerID)
	if accept {
		d.t.log.Infof("Accepting invitation from %s", peerID)
	} else {
		d.t.log.Infof("Declining invitation from %s", peerID)
	}
	respond(accept)
}

func (d *delegate) FailedToStart(err error) {
	d.t.log.Errorf("Framework failed to start: %v", err)
	d.t.emitter.Emit(transport.TransportError{Err: fmt.Errorf("%w: %w", transport.ErrDiscovery, err)})
}
