package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/varkas/meshroom/internal/domain"
)

// MediaBridge is the boundary to the external media subsystem. It supplies
// whatever local capture currently exists (possibly nothing, or a silent
// placeholder) and consumes remote tracks. A session must remain creatable
// and able to receive when LocalTracks returns an empty slice.
type MediaBridge interface {
	// LocalTracks returns the tracks the local side currently contributes.
	LocalTracks() []webrtc.TrackLocal
	// ScreenSharing reports whether the current local capture includes a
	// screen track; carried opaquely on outgoing offers.
	ScreenSharing() bool
	// OnRemoteTrack is invoked for every track received from peer.
	OnRemoteTrack(peer domain.PeerID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnPeerClosed tells the bridge to release anything rendered for peer.
	OnPeerClosed(peer domain.PeerID)
}

// NopBridge contributes no tracks and discards remote ones.
type NopBridge struct{}

func (NopBridge) LocalTracks() []webrtc.TrackLocal { return nil }
func (NopBridge) ScreenSharing() bool              { return false }
func (NopBridge) OnRemoteTrack(domain.PeerID, *webrtc.TrackRemote, *webrtc.RTPReceiver) {
}
func (NopBridge) OnPeerClosed(domain.PeerID) {}
