package core

import "github.com/varkas/meshroom/internal/domain"

// RoomDTO is a read-only roster view for APIs (no transport fields).
type RoomDTO struct {
	RoomID       domain.RoomID        `json:"roomId"`
	SelfID       domain.PeerID        `json:"selfId"`
	HostID       domain.PeerID        `json:"hostId"`
	Participants []domain.Participant `json:"participants"`
}

// SessionDTO is a read-only view of one peer session.
type SessionDTO struct {
	Peer             domain.PeerID `json:"peer"`
	SignalingState   string        `json:"signalingState"`
	ICEState         string        `json:"iceState"`
	ConnectionState  string        `json:"connectionState"`
	PendingOffer     bool          `json:"pendingOffer"`
	PendingAnswer    bool          `json:"pendingAnswer"`
	QueuedCandidates int           `json:"queuedCandidates"`
	Retries          int           `json:"retries"`
	TerminalFailure  bool          `json:"terminalFailure"`
}
