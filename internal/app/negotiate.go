package app

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/domain"
	"github.com/varkas/meshroom/internal/metrics"
)

type offerParams struct {
	renegotiation bool
	iceRestart    bool
}

// SendOffer starts a fresh offer exchange toward peer. Refused while a local
// offer is pending or in flight, and while the session is in
// have-remote-offer: the side holding a remote offer must never send a
// competing one.
func (o *Orchestrator) SendOffer(peer domain.PeerID) error {
	return o.sendOffer(peer, offerParams{})
}

// Renegotiate re-runs the offer exchange on an established session after the
// local media set changed. Skipped outright (not queued) when the transport
// is closed or failed; deferred via error when a handshake is in progress.
func (o *Orchestrator) Renegotiate(peer domain.PeerID) error {
	return o.sendOffer(peer, offerParams{renegotiation: true})
}

// OnLocalMediaChanged renegotiates every registered session. Sessions that
// refuse (mid-handshake, dead transport) are skipped; the reconciler or the
// caller retries later.
func (o *Orchestrator) OnLocalMediaChanged() {
	o.mu.Lock()
	peers := make([]domain.PeerID, 0, o.reg.Len())
	for _, dto := range o.reg.Snapshot() {
		peers = append(peers, dto.Peer)
	}
	o.mu.Unlock()

	for _, peer := range peers {
		if err := o.Renegotiate(peer); err != nil {
			log.Debug().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("media renegotiation deferred")
		}
	}
}

func (o *Orchestrator) sendOffer(peer domain.PeerID, p offerParams) error {
	o.mu.Lock()
	if o.closed || !o.joined {
		o.mu.Unlock()
		return ErrNotInRoom
	}
	s, err := o.ensureSession(peer)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	// The guards live at the top of the handler, before any suspension
	// point, so re-entrant calls triggered by rapid events see the flag.
	if s.pendingOffer {
		o.mu.Unlock()
		return ErrOfferPending
	}
	if s.state == SignalingHaveRemoteOffer {
		o.mu.Unlock()
		return ErrGlare
	}
	if s.state == SignalingHaveLocalOffer {
		o.mu.Unlock()
		return ErrMidHandshake
	}
	if p.renegotiation && s.transportDown() && !p.iceRestart {
		o.mu.Unlock()
		return ErrTransportDown
	}
	s.pendingOffer = true
	o.armPendingTTL(s)
	t := s.transport
	roomID := string(o.room.room.ID)
	o.mu.Unlock()

	offer, err := t.CreateOffer(p.iceRestart)

	o.mu.Lock()
	cur, ok := o.reg.Get(peer)
	if !ok || cur != s {
		// Peer left mid-offer; the session is gone and so is the flag.
		o.mu.Unlock()
		return nil
	}
	if err != nil {
		s.pendingOffer = false
		o.mu.Unlock()
		return err
	}
	s.state = SignalingHaveLocalOffer
	s.weOffered = true
	s.pendingOffer = false
	screenSharing := o.bridge.ScreenSharing()
	o.mu.Unlock()

	payload := struct {
		RoomID        string `json:"roomId"`
		TargetUserID  string `json:"targetUserId"`
		SDP           string `json:"sdp"`
		Renegotiation bool   `json:"renegotiation"`
		ScreenSharing bool   `json:"screenSharing,omitempty"`
	}{roomID, string(peer), offer.SDP, p.renegotiation, screenSharing}
	if err := o.signal.Publish(core.EventOffer, payload); err != nil {
		return err
	}
	log.Info().Str("module", "app").Str("peer", string(peer)).Bool("renegotiation", p.renegotiation).Msg("offer sent")
	return nil
}

// HandleRemoteOffer applies an incoming offer and answers it. Under glare —
// we already committed as offerer — the incoming offer is ignored outright;
// whichever side's offer arrived second loses.
func (o *Orchestrator) HandleRemoteOffer(peer domain.PeerID, sdp string) {
	o.mu.Lock()
	if o.closed || !o.joined {
		o.mu.Unlock()
		return
	}
	s, err := o.ensureSession(peer)
	if err != nil {
		o.mu.Unlock()
		log.Error().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("cannot create session for remote offer")
		return
	}
	if s.state == SignalingHaveLocalOffer || s.pendingOffer {
		o.mu.Unlock()
		metrics.GlareDropsTotal.Inc()
		log.Warn().Str("module", "app").Str("peer", string(peer)).Msg("glare: remote offer ignored, local offer committed")
		return
	}
	if s.pendingAnswer {
		o.mu.Unlock()
		log.Warn().Str("module", "app").Str("peer", string(peer)).Msg("remote offer ignored, answer already in progress")
		return
	}
	s.state = SignalingHaveRemoteOffer
	s.pendingAnswer = true
	o.armPendingTTL(s)
	t := s.transport
	roomID := string(o.room.room.ID)
	o.mu.Unlock()

	answer, err := t.ApplyOfferCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})

	o.mu.Lock()
	cur, ok := o.reg.Get(peer)
	if !ok || cur != s {
		o.mu.Unlock()
		return
	}
	s.pendingAnswer = false
	if err != nil {
		s.state = SignalingStable
		o.mu.Unlock()
		log.Error().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("apply remote offer failed")
		return
	}
	s.remoteDescSet = true
	s.state = SignalingStable
	s.weOffered = false
	queued := s.takeQueued()
	o.mu.Unlock()

	o.applyQueued(peer, t, queued)

	payload := struct {
		RoomID       string `json:"roomId"`
		TargetUserID string `json:"targetUserId"`
		SDP          string `json:"sdp"`
	}{roomID, string(peer), answer.SDP}
	if err := o.signal.Publish(core.EventAnswer, payload); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("answer publish failed")
		return
	}
	log.Info().Str("module", "app").Str("peer", string(peer)).Msg("answer sent")
}

// HandleRemoteAnswer completes a local offer exchange. Answers arriving in
// any other state are discarded with a warning; that happens benignly during
// renegotiation races.
func (o *Orchestrator) HandleRemoteAnswer(peer domain.PeerID, sdp string) {
	o.mu.Lock()
	s, ok := o.reg.Get(peer)
	if !ok {
		o.mu.Unlock()
		log.Warn().Str("module", "app").Str("peer", string(peer)).Msg("answer for unknown session dropped")
		return
	}
	if s.state != SignalingHaveLocalOffer {
		o.mu.Unlock()
		log.Warn().Str("module", "app").Str("peer", string(peer)).Str("state", s.state.String()).Msg("unexpected answer discarded")
		return
	}
	t := s.transport
	o.mu.Unlock()

	err := t.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})

	o.mu.Lock()
	cur, ok := o.reg.Get(peer)
	if !ok || cur != s {
		o.mu.Unlock()
		return
	}
	s.pendingOffer = false
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
	if err != nil {
		s.state = SignalingStable
		o.mu.Unlock()
		log.Error().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("apply answer failed")
		return
	}
	s.remoteDescSet = true
	s.state = SignalingStable
	queued := s.takeQueued()
	o.mu.Unlock()

	o.applyQueued(peer, t, queued)
	log.Info().Str("module", "app").Str("peer", string(peer)).Msg("answer applied")
}

// HandleRemoteCandidate applies an ICE candidate, buffering it while the
// session or its remote description does not exist yet. Buffered candidates
// are flushed in arrival order exactly once.
func (o *Orchestrator) HandleRemoteCandidate(peer domain.PeerID, ci webrtc.ICECandidateInit) {
	o.mu.Lock()
	s, ok := o.reg.Get(peer)
	if !ok {
		if !o.reg.BufferOrphan(peer, ci) {
			log.Warn().Str("module", "app").Str("peer", string(peer)).Msg("orphan candidate buffer full, dropped")
		} else {
			metrics.QueuedCandidates.Inc()
		}
		o.mu.Unlock()
		return
	}
	if !s.remoteDescSet {
		if !s.queueCandidate(ci) {
			log.Warn().Str("module", "app").Str("peer", string(peer)).Msg("candidate queue full, dropped")
		} else {
			metrics.QueuedCandidates.Inc()
		}
		o.mu.Unlock()
		return
	}
	t := s.transport
	o.mu.Unlock()

	if err := t.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("add candidate failed")
	}
}

func (o *Orchestrator) applyQueued(peer domain.PeerID, t core.MediaTransport, queued []webrtc.ICECandidateInit) {
	for _, ci := range queued {
		metrics.QueuedCandidates.Dec()
		if err := t.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("flush candidate failed")
		}
	}
}

// armPendingTTL bounds the pending flags' lifetime. If no response ever
// arrives the flags clear and a session stuck in have-local-offer falls back
// to stable, so the peer's negotiation capability is never wedged by a lost
// message. Callers hold o.mu.
func (o *Orchestrator) armPendingTTL(s *Session) {
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
	}
	peer := s.peer
	t := s.transport
	s.pendingTimer = time.AfterFunc(o.opts.PendingOfferTTL, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		cur, ok := o.reg.Get(peer)
		if !ok || cur.transport != t {
			return
		}
		if !cur.pendingOffer && !cur.pendingAnswer && cur.state == SignalingStable {
			return
		}
		log.Warn().Str("module", "app").Str("peer", string(peer)).Str("state", cur.state.String()).Msg("pending negotiation timed out, unwedging")
		cur.pendingOffer = false
		cur.pendingAnswer = false
		cur.state = SignalingStable
		cur.pendingTimer = nil
	})
}
