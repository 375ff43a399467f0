package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/varkas/meshroom/internal/domain"
)

// MediaTransport wraps a single peer-to-peer connection to one remote
// participant. All SDP operations block until the local description is ready
// to transmit (bounded candidate gathering included).
type MediaTransport interface {
	// CreateOffer builds an offer requesting to receive both audio and video,
	// applies it locally and returns it ready for transmission.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// ApplyOfferCreateAnswer applies a remote offer and returns the local answer.
	ApplyOfferCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer applies a remote answer to a previously sent offer.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a local capture track to the connection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)

	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnICEStateChange sets a callback for ICE connection state transitions.
	OnICEStateChange(func(webrtc.ICEConnectionState))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))

	// Close releases the underlying connection. Idempotent.
	Close()
	IsClosed() bool
}

// TransportFactory creates the transport for a new session to peer.
// The registry is its only caller.
type TransportFactory func(peer domain.PeerID) (MediaTransport, error)
