package webrtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
)

func TestDeriveState(t *testing.T) {
	var noChannel webrtc.DataChannelState

	cases := []struct {
		name string
		ice  webrtc.ICEConnectionState
		dc   webrtc.DataChannelState
		want transport.State
	}{
		{"new without channel", webrtc.ICEConnectionStateNew, noChannel, transport.StateConnecting},
		{"checking", webrtc.ICEConnectionStateChecking, webrtc.DataChannelStateConnecting, transport.StateConnecting},
		{"checking with open channel", webrtc.ICEConnectionStateChecking, webrtc.DataChannelStateOpen, transport.StateConnecting},
		{"connected waiting for channel", webrtc.ICEConnectionStateConnected, webrtc.DataChannelStateConnecting, transport.StateConnecting},
		{"connected", webrtc.ICEConnectionStateConnected, webrtc.DataChannelStateOpen, transport.StateConnected},
		{"completed", webrtc.ICEConnectionStateCompleted, webrtc.DataChannelStateOpen, transport.StateConnected},
		{"channel closing", webrtc.ICEConnectionStateConnected, webrtc.DataChannelStateClosing, transport.StateConnecting},
		{"channel closed while connected", webrtc.ICEConnectionStateConnected, webrtc.DataChannelStateClosed, transport.StateDisconnected},
		{"channel closed while checking", webrtc.ICEConnectionStateChecking, webrtc.DataChannelStateClosed, transport.StateDisconnected},
		{"ice disconnected", webrtc.ICEConnectionStateDisconnected, webrtc.DataChannelStateOpen, transport.StateDisconnected},
		{"ice closed", webrtc.ICEConnectionStateClosed, webrtc.DataChannelStateOpen, transport.StateDisconnected},
		{"ice failed", webrtc.ICEConnectionStateFailed, webrtc.DataChannelStateOpen, transport.StateFailed},
		{"ice failed with closed channel", webrtc.ICEConnectionStateFailed, webrtc.DataChannelStateClosed, transport.StateFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveState(tc.ice, tc.dc); got != tc.want {
				t.Errorf("deriveState(%s, %s) = %s, want %s", tc.ice, tc.dc, got, tc.want)
			}
		})
	}
}

func TestStateReason(t *testing.T) {
	if got := stateReason(webrtc.ICEConnectionStateConnected, webrtc.DataChannelStateClosed); got != "data channel closed" {
		t.Errorf("unexpected reason %q", got)
	}
	if got := stateReason(webrtc.ICEConnectionStateFailed, webrtc.DataChannelStateOpen); got != "failed: ice failed" {
		t.Errorf("unexpected reason %q", got)
	}
	if got := stateReason(webrtc.ICEConnectionStateConnected, webrtc.DataChannelStateOpen); got != "connected" {
		t.Errorf("unexpected reason %q", got)
	}
}

func TestYieldsIsSymmetric(t *testing.T) {
	ids := []transport.PeerID{"Peer_00000000", "Peer_0000000A", "Peer_AAAAAAAA", "Peer_BBBBBBBB", "Peer_FFFFFFFF"}
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			if yields(a, b) == yields(b, a) {
				t.Errorf("exactly one of %s and %s must yield", a, b)
			}
		}
	}
	if !yields("Peer_BBBBBBBB", "Peer_AAAAAAAA") {
		t.Error("the greater id yields")
	}
}

func TestICEConfig(t *testing.T) {
	config := ICEConfig("stun:a.example:3478", "stun:b.example:3478")
	if len(config.ICEServers) != 1 || len(config.ICEServers[0].URLs) != 2 {
		t.Fatalf("expected one group of 2 URLs, got %+v", config.ICEServers)
	}
	if config.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Errorf("expected ICETransportPolicyAll")
	}

	if servers := ICEConfig().ICEServers; len(servers) != 0 {
		t.Errorf("expected host candidates only, got %+v", servers)
	}
}

func TestNewUsesReliableChannel(t *testing.T) {
	tr := New(Options{LocalID: "Peer_AAAAAAAA"})
	defer tr.Close()

	if tr.label != defaultLabel {
		t.Errorf("label = %q, want %q", tr.label, defaultLabel)
	}
	if tr.dcInit.Ordered == nil || !*tr.dcInit.Ordered {
		t.Error("expected an ordered channel")
	}
	if tr.dcInit.MaxRetransmits != nil || tr.dcInit.MaxPacketLifeTime != nil {
		t.Error("expected unlimited retransmits")
	}
	if tr.dcInit.Protocol == nil || *tr.dcInit.Protocol != defaultProtocol {
		t.Errorf("expected protocol %q", defaultProtocol)
	}
}
