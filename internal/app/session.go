package app

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/domain"
)

// SignalingState is the per-session offer/answer protocol state. It only
// moves through the legal sequence: stable → have-local-offer → stable (local
// offer, remote answer) and stable → have-remote-offer → stable (remote
// offer, local answer).
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStable:
		return "stable"
	case SignalingHaveLocalOffer:
		return "have-local-offer"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "unknown"
	}
}

var (
	ErrOfferPending  = errors.New("offer already pending for peer")
	ErrGlare         = errors.New("remote offer in progress")
	ErrMidHandshake  = errors.New("negotiation in progress")
	ErrTransportDown = errors.New("transport closed or failed")
	ErrNotInRoom     = errors.New("not joined to a room")
)

// maxQueuedCandidates bounds the per-peer candidate buffer. Anything beyond
// this is noise from a peer that will be repaired anyway.
const maxQueuedCandidates = 64

// Session is the full signaling + transport state for the connection to one
// remote participant. Exactly one Session exists per peer id at any time.
//
// Every field is guarded by the Orchestrator's lock; nothing outside the app
// package mutates a Session.
type Session struct {
	peer      domain.PeerID
	transport core.MediaTransport

	state         SignalingState
	weOffered     bool // local side committed as offerer for the current/last exchange
	pendingOffer  bool
	pendingAnswer bool
	pendingTimer  *time.Timer

	remoteDescSet bool
	queued        []webrtc.ICECandidateInit

	retryCount        int
	disconnectRetried bool
	terminalReported  bool
	restartTimer      *time.Timer

	lastConfirm time.Time
	createdAt   time.Time
}

// queueCandidate buffers a remote candidate until the remote description is
// applied. Bounded; the oldest candidates are kept because flush order must
// match arrival order.
func (s *Session) queueCandidate(ci webrtc.ICECandidateInit) bool {
	if len(s.queued) >= maxQueuedCandidates {
		return false
	}
	s.queued = append(s.queued, ci)
	return true
}

// takeQueued drains the candidate queue atomically: the caller applies the
// returned slice outside the lock and no re-entrant call ever observes a
// partial drain.
func (s *Session) takeQueued() []webrtc.ICECandidateInit {
	q := s.queued
	s.queued = nil
	return q
}

// stopTimers cancels the pending-flag TTL and any scheduled ICE restart.
// Safe to call repeatedly.
func (s *Session) stopTimers() {
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// transportDown reports whether the underlying transport cannot carry a
// renegotiation right now.
func (s *Session) transportDown() bool {
	if s.transport.IsClosed() {
		return true
	}
	cs := s.transport.ConnectionState()
	return cs == webrtc.PeerConnectionStateClosed || cs == webrtc.PeerConnectionStateFailed
}

// unhealthyBoth reports a session dead on both the peer-connection and the
// ICE signal. Ensure uses it to decide recreation.
func (s *Session) unhealthyBoth() bool {
	cs := s.transport.ConnectionState()
	is := s.transport.ICEConnectionState()
	connBad := cs == webrtc.PeerConnectionStateFailed || cs == webrtc.PeerConnectionStateDisconnected || cs == webrtc.PeerConnectionStateClosed
	iceBad := is == webrtc.ICEConnectionStateFailed || is == webrtc.ICEConnectionStateDisconnected || is == webrtc.ICEConnectionStateClosed
	return connBad && iceBad
}

// unhealthyEither reports a session degraded on either signal. The reconciler
// uses it: either signal counts as grounds for repair.
func (s *Session) unhealthyEither() bool {
	cs := s.transport.ConnectionState()
	is := s.transport.ICEConnectionState()
	if cs == webrtc.PeerConnectionStateFailed || cs == webrtc.PeerConnectionStateDisconnected {
		return true
	}
	return is == webrtc.ICEConnectionStateFailed || is == webrtc.ICEConnectionStateDisconnected
}

func (s *Session) connected() bool {
	is := s.transport.ICEConnectionState()
	return is == webrtc.ICEConnectionStateConnected || is == webrtc.ICEConnectionStateCompleted
}

func (s *Session) dto() core.SessionDTO {
	return core.SessionDTO{
		Peer:             s.peer,
		SignalingState:   s.state.String(),
		ICEState:         s.transport.ICEConnectionState().String(),
		ConnectionState:  s.transport.ConnectionState().String(),
		PendingOffer:     s.pendingOffer,
		PendingAnswer:    s.pendingAnswer,
		QueuedCandidates: len(s.queued),
		Retries:          s.retryCount,
		TerminalFailure:  s.terminalReported,
	}
}
