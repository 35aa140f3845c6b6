package webrtc

import (
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

const (
	defaultLabel    = "ewonic"
	defaultProtocol = "ewonic-text"
)

// ICEConfig gathers through servers as one group. With no servers only
// host candidates are used.
func ICEConfig(servers ...string) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if len(servers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: servers}}
	}
	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

func reliableChannel() *webrtc.DataChannelInit {
	ordered, protocol := true, defaultProtocol
	return &webrtc.DataChannelInit{Ordered: &ordered, Protocol: &protocol}
}

// LoopbackAPI returns an API that also gathers loopback candidates, for
// peers on the same host. mDNS candidates are turned off so both sides
// see plain addresses.
func LoopbackAPI() *webrtc.API {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	return webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
}
