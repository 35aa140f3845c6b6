package orchestrator

import (
	"testing"

	"github.com/rudransh-shrivastava/ewonic/internal/transport"
)

func newTestSession(cb Callbacks) *session {
	return &session{
		callbacks: cb,
		peers:     make(map[transport.PeerID]transport.DiscoveredPeer),
		states:    make(map[transport.PeerID]ConnectionState),
	}
}

func changed(id transport.PeerID, st transport.State, reason string) transport.StateChanged {
	return transport.StateChanged{PeerID: id, State: st, Reason: reason}
}

func TestApplyReportsConnectedOnce(t *testing.T) {
	connected := 0
	s := newTestSession(Callbacks{OnConnected: func(transport.PeerID) { connected++ }})

	for _, ev := range []transport.StateChanged{
		changed("p", transport.StateConnecting, ""),
		changed("p", transport.StateConnected, ""),
		changed("p", transport.StateConnected, ""),
		changed("p", transport.StateConnecting, ""),
	} {
		if fn := s.apply(ev); fn != nil {
			fn()
		}
	}

	if connected != 1 {
		t.Errorf("expected 1 connected callback, got %d", connected)
	}
	if s.states["p"] != StateConnected {
		t.Errorf("expected connected, got %s", s.states["p"])
	}
}

func TestApplyTerminalRemovesEntry(t *testing.T) {
	var reasons []string
	s := newTestSession(Callbacks{OnDisconnected: func(_ transport.PeerID, r string) { reasons = append(reasons, r) }})

	s.states["p"] = StateConnected
	for _, ev := range []transport.StateChanged{
		changed("p", transport.StateFailed, "failed: ice failed"),
		changed("p", transport.StateDisconnected, "ice closed"),
		changed("q", transport.StateDisconnected, ""),
	} {
		if fn := s.apply(ev); fn != nil {
			fn()
		}
	}

	if len(reasons) != 1 || reasons[0] != "failed: ice failed" {
		t.Errorf("unexpected disconnect reasons %q", reasons)
	}
	if _, ok := s.states["p"]; ok {
		t.Error("terminal state left an entry behind")
	}
}

func TestApplyKeepsDisconnecting(t *testing.T) {
	s := newTestSession(Callbacks{})
	s.states["p"] = StateDisconnecting

	s.apply(changed("p", transport.StateConnecting, ""))
	s.apply(changed("p", transport.StateConnected, ""))
	if s.states["p"] != StateDisconnecting {
		t.Errorf("expected disconnecting, got %s", s.states["p"])
	}

	s.apply(changed("p", transport.StateDisconnected, ""))
	if _, ok := s.states["p"]; ok {
		t.Error("disconnected peer still tracked")
	}
}

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StateIdle:           "idle",
		StateInviting:       "inviting",
		StateConnecting:     "connecting",
		StateConnected:      "connected",
		StateDisconnecting:  "disconnecting",
		ConnectionState(42): "unknown",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("%d: expected %q, got %q", int(st), want, got)
		}
	}
}
