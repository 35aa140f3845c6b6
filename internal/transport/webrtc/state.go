package webrtc

import (
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
)

// deriveState reduces ICE and data channel state to the transport signal.
// A zero dc means no data channel exists yet.
func deriveState(ice webrtc.ICEConnectionState, dc webrtc.DataChannelState) transport.State {
	switch ice {
	case webrtc.ICEConnectionStateFailed:
		return transport.StateFailed
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
		return transport.StateDisconnected
	}

	if dc == webrtc.DataChannelStateClosed {
		return transport.StateDisconnected
	}

	connected := ice == webrtc.ICEConnectionStateConnected || ice == webrtc.ICEConnectionStateCompleted
	if connected && dc == webrtc.DataChannelStateOpen {
		return transport.StateConnected
	}
	return transport.StateConnecting
}

func stateReason(ice webrtc.ICEConnectionState, dc webrtc.DataChannelState) string {
	switch {
	case ice == webrtc.ICEConnectionStateFailed:
		return "failed: ice failed"
	case ice == webrtc.ICEConnectionStateDisconnected:
		return "ice disconnected"
	case ice == webrtc.ICEConnectionStateClosed:
		return "ice closed"
	case dc == webrtc.DataChannelStateClosed:
		return "data channel closed"
	}
	return deriveState(ice, dc).String()
}
