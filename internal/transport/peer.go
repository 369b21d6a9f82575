package transport

import (
	"github.com/pion/webrtc/v4"
)

// channelLabel names the single DataChannel of an rtc connection.
const channelLabel = "parley"

// newPeerConnection creates a PeerConnection configured from opts. No TURN
// servers are added unless the caller lists them: the router is expected to be
// directly reachable, so host candidates are normally sufficient.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: opts.ICEServers},
		}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates the ordered, reliable DataChannel that carries
// frames. Chat delivery needs per-sender ordering and no loss, which is the
// pion default when neither MaxRetransmits nor MaxPacketLifeTime is set.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}
