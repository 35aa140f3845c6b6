package orchestrator

import (
	"context"

	"github.com/rudransh-shrivastava/ewonic/internal/store"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
)

// ConnectionState is the per-peer state seen by callers.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateInviting
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInviting:
		return "inviting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

func (o *Orchestrator) run(ctx context.Context, s *session) {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			o.dispatch(ctx, s, ev)
		}
	}
}

// dispatch applies ev to the session tables and then runs the matching
// callback outside the lock. Events for a session that is no longer
// current are dropped.
func (o *Orchestrator) dispatch(ctx context.Context, s *session, ev transport.Event) {
	var deliver func()
	var sighting *store.Sighting

	o.mu.Lock()
	if o.session != s {
		o.mu.Unlock()
		return
	}
	cb := s.callbacks

	switch ev := ev.(type) {
	case transport.PeerFound:
		s.peers[ev.Peer.ID] = ev.Peer
		sighting = &store.Sighting{
			PeerID:      string(ev.Peer.ID),
			DisplayName: ev.Peer.DisplayName,
			Handle:      ev.Peer.Handle,
			Transport:   string(s.platform),
		}
		if cb.OnPeerFound != nil {
			peer := ev.Peer
			deliver = func() { cb.OnPeerFound(peer) }
		}

	case transport.PeerLost:
		if _, ok := s.peers[ev.PeerID]; ok {
			delete(s.peers, ev.PeerID)
			if cb.OnPeerLost != nil {
				id := ev.PeerID
				deliver = func() { cb.OnPeerLost(id) }
			}
		}

	case transport.StateChanged:
		deliver = s.apply(ev)

	case transport.MessageReceived:
		if cb.OnMessage != nil {
			id, text := ev.PeerID, ev.Text
			deliver = func() { cb.OnMessage(id, text) }
		}

	case transport.SignalingReceived:
		o.log.Debugf("Received %s from %s", ev.Kind, ev.PeerID)

	case transport.TransportError:
		o.log.Warnf("Transport error for %q: %v", ev.PeerID, ev.Err)
	}
	o.mu.Unlock()

	if sighting != nil && o.opts.Sightings != nil {
		if err := o.opts.Sightings.Record(ctx, *sighting); err != nil {
			o.log.Warnf("Failed to record sighting of %s: %v", sighting.PeerID, err)
		}
	}
	if deliver != nil {
		deliver()
	}
}

// apply folds a transport state change into the state table. Connected is
// reported once per connection; a terminal state removes the entry and is
// reported only when the peer was tracked.
func (s *session) apply(ev transport.StateChanged) func() {
	cb := s.callbacks
	id := ev.PeerID
	prev, tracked := s.states[id]

	switch ev.State {
	case transport.StateConnecting:
		if prev != StateDisconnecting && prev != StateConnected {
			s.states[id] = StateConnecting
		}
		return nil

	case transport.StateConnected:
		if prev == StateDisconnecting {
			return nil
		}
		s.states[id] = StateConnected
		if prev == StateConnected || cb.OnConnected == nil {
			return nil
		}
		return func() { cb.OnConnected(id) }

	case transport.StateDisconnected, transport.StateFailed:
		if !tracked {
			return nil
		}
		delete(s.states, id)
		if cb.OnDisconnected == nil {
			return nil
		}
		reason := ev.Reason
		if reason == "" {
			reason = ev.State.String()
		}
		return func() { cb.OnDisconnected(id, reason) }
	}
	return nil
}
