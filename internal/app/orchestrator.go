package app

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/domain"
	"github.com/varkas/meshroom/internal/metrics"
)

// Options are the coordinator's timing knobs. Zero values are replaced by
// DefaultOptions at construction.
type Options struct {
	// StaggerDelay spaces out session creation across the roster so a join
	// does not trigger a thundering herd of simultaneous negotiations.
	StaggerDelay time.Duration
	// ReconcileInterval is the periodic repair pass cadence.
	ReconcileInterval time.Duration
	// ConfirmInterval is the minimum spacing between forced renegotiations of
	// a healthy session we did not offer to.
	ConfirmInterval time.Duration
	// PendingOfferTTL bounds the lifetime of the pending offer/answer flags
	// so a lost message cannot wedge negotiation permanently.
	PendingOfferTTL time.Duration
	// DisconnectRetryDelay is the single fixed delay before the one retry
	// granted to an ICE "disconnected" transition.
	DisconnectRetryDelay time.Duration
	// BackoffBase is the first ICE-restart delay after "failed"; doubles per
	// attempt.
	BackoffBase time.Duration
	// MaxRetries caps restart attempts after "failed"; exhausting it reports
	// the peer unreachable exactly once.
	MaxRetries int
}

func DefaultOptions() Options {
	return Options{
		StaggerDelay:         150 * time.Millisecond,
		ReconcileInterval:    10 * time.Second,
		ConfirmInterval:      30 * time.Second,
		PendingOfferTTL:      10 * time.Second,
		DisconnectRetryDelay: 2 * time.Second,
		BackoffBase:          time.Second,
		MaxRetries:           3,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.StaggerDelay <= 0 {
		o.StaggerDelay = def.StaggerDelay
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = def.ReconcileInterval
	}
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = def.ConfirmInterval
	}
	if o.PendingOfferTTL <= 0 {
		o.PendingOfferTTL = def.PendingOfferTTL
	}
	if o.DisconnectRetryDelay <= 0 {
		o.DisconnectRetryDelay = def.DisconnectRetryDelay
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	return o
}

// JoinParams is everything the rendezvous server needs to admit us.
type JoinParams struct {
	RoomID      domain.RoomID
	SelfID      domain.PeerID
	DisplayName string
	IsHost      bool
	// AccessCode is the participant PIN for a protected room.
	AccessCode string
	// RoomAccessCode and RoomHostCode are the codes a host registers when
	// opening the room.
	RoomAccessCode string
	RoomHostCode   string
}

// Orchestrator wires the membership coordinator, the connection registry, the
// per-peer negotiation machines and the mesh reconciler together. One mutex
// serializes every state transition; blocking transport work happens outside
// it with pending flags set first and the registry re-checked on resume, so
// interleaved events always observe a consistent state.
type Orchestrator struct {
	opts         Options
	signal       core.SignalingChannel
	bridge       core.MediaBridge
	notify       core.Notifier
	newTransport core.TransportFactory

	mu     sync.Mutex
	room   roomState
	reg    *Registry
	joined bool
	closed bool
}

func New(signal core.SignalingChannel, bridge core.MediaBridge, notify core.Notifier, factory core.TransportFactory, opts Options) *Orchestrator {
	if bridge == nil {
		bridge = core.NopBridge{}
	}
	if notify == nil {
		notify = core.NopNotifier{}
	}
	o := &Orchestrator{
		opts:         opts.withDefaults(),
		signal:       signal,
		bridge:       bridge,
		notify:       notify,
		newTransport: factory,
		room:         newRoomState(),
		reg:          NewRegistry(),
	}
	o.reg.onClosed = func(peer domain.PeerID) {
		o.bridge.OnPeerClosed(peer)
	}
	o.bind()
	return o
}

// JoinRoom announces us to the rendezvous server. Membership arrives back via
// the room-joined snapshot.
func (o *Orchestrator) JoinRoom(p JoinParams) error {
	o.mu.Lock()
	o.room.clear()
	o.room.room = domain.Room{ID: p.RoomID, SelfID: p.SelfID}
	o.room.isHost = p.IsHost
	o.joined = true
	o.mu.Unlock()

	payload := struct {
		RoomID         string `json:"roomId"`
		IsHost         bool   `json:"isHost"`
		UserName       string `json:"userName"`
		AccessCode     string `json:"accessCode,omitempty"`
		RoomAccessCode string `json:"roomAccessCode,omitempty"`
		RoomHostCode   string `json:"roomHostCode,omitempty"`
	}{
		RoomID:         string(p.RoomID),
		IsHost:         p.IsHost,
		UserName:       p.DisplayName,
		AccessCode:     p.AccessCode,
		RoomAccessCode: p.RoomAccessCode,
		RoomHostCode:   p.RoomHostCode,
	}
	return o.signal.Publish(core.EventJoin, payload)
}

// Leave tears down the whole mesh and tells the server we are gone.
func (o *Orchestrator) Leave() {
	o.mu.Lock()
	if !o.joined {
		o.mu.Unlock()
		return
	}
	o.joined = false
	o.reg.TeardownAll()
	o.room.clear()
	o.mu.Unlock()

	if err := o.signal.Publish(core.EventLeave, struct{}{}); err != nil {
		log.Warn().Err(err).Str("module", "app").Msg("leave publish failed")
	}
}

// Close stops the coordinator permanently. Timers that fire afterwards find
// the registry empty and no-op.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.joined = false
	o.reg.TeardownAll()
	o.room.clear()
	o.mu.Unlock()
}

// RoomSnapshot returns the current roster view.
func (o *Orchestrator) RoomSnapshot() core.RoomDTO {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.room.dto()
}

// SessionsSnapshot returns read-only views of every registered session.
func (o *Orchestrator) SessionsSnapshot() []core.SessionDTO {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reg.Snapshot()
}

// TeardownPeer removes one peer's session. Safe for unknown ids.
func (o *Orchestrator) TeardownPeer(peer domain.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reg.Teardown(peer)
}

// ensureSession returns the session for peer, creating and wiring a fresh one
// when needed. Callers hold o.mu.
func (o *Orchestrator) ensureSession(peer domain.PeerID) (*Session, error) {
	s, created, err := o.reg.Ensure(peer, o.newTransport)
	if err != nil {
		return nil, err
	}
	if created {
		o.wireSession(s)
	}
	return s, nil
}

// wireSession binds transport callbacks and attaches the current local
// capture. Callers hold o.mu; the callbacks themselves re-enter through it.
func (o *Orchestrator) wireSession(s *Session) {
	peer := s.peer
	t := s.transport
	roomID := string(o.room.room.ID)

	t.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		payload := struct {
			RoomID       string                  `json:"roomId"`
			TargetUserID string                  `json:"targetUserId"`
			Candidate    webrtc.ICECandidateInit `json:"candidate"`
		}{roomID, string(peer), ci}
		if err := o.signal.Publish(core.EventICECandidate, payload); err != nil {
			log.Warn().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("candidate publish failed")
		}
	})

	t.OnICEStateChange(func(state webrtc.ICEConnectionState) {
		o.handleICEState(peer, t, state)
	})

	t.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.bridge.OnRemoteTrack(peer, track, receiver)
	})

	for _, track := range o.bridge.LocalTracks() {
		if _, err := t.AddLocalTrack(track); err != nil {
			log.Error().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("add local track failed")
		}
	}
}

// handleICEState implements the failure semantics: failed restarts with
// exponential backoff up to MaxRetries then reports a terminal failure once;
// disconnected gets exactly one fixed-delay retry before escalating.
func (o *Orchestrator) handleICEState(peer domain.PeerID, t core.MediaTransport, state webrtc.ICEConnectionState) {
	o.mu.Lock()
	s, ok := o.reg.Get(peer)
	if !ok || s.transport != t {
		// Stale callback from a transport that was already torn down.
		o.mu.Unlock()
		return
	}
	log.Info().Str("module", "app").Str("peer", string(peer)).Str("ice_state", state.String()).Msg("ICE state")

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.retryCount = 0
		s.disconnectRetried = false
		o.mu.Unlock()

	case webrtc.ICEConnectionStateFailed:
		if s.terminalReported {
			o.mu.Unlock()
			return
		}
		s.retryCount++
		if s.retryCount > o.opts.MaxRetries {
			s.terminalReported = true
			p, known := o.room.get(peer)
			if !known {
				p = domain.Participant{ID: peer}
			}
			o.mu.Unlock()
			metrics.TerminalFailuresTotal.Inc()
			log.Error().Str("module", "app").Str("peer", string(peer)).Int("retries", o.opts.MaxRetries).Msg("peer unreachable, retries exhausted")
			o.notify.PeerUnreachable(p)
			return
		}
		delay := o.opts.BackoffBase << (s.retryCount - 1)
		log.Warn().Str("module", "app").Str("peer", string(peer)).Int("attempt", s.retryCount).Dur("delay", delay).Msg("ICE failed, scheduling restart")
		o.scheduleRestart(s, delay)
		o.mu.Unlock()

	case webrtc.ICEConnectionStateDisconnected:
		if s.disconnectRetried {
			o.mu.Unlock()
			return
		}
		s.disconnectRetried = true
		log.Warn().Str("module", "app").Str("peer", string(peer)).Dur("delay", o.opts.DisconnectRetryDelay).Msg("ICE disconnected, scheduling single retry")
		o.scheduleRestart(s, o.opts.DisconnectRetryDelay)
		o.mu.Unlock()

	default:
		o.mu.Unlock()
	}
}

// scheduleRestart arms the session's restart timer. Callers hold o.mu. The
// fired timer consults the registry rather than captured state, so a timer
// for a defunct peer is a safe no-op.
func (o *Orchestrator) scheduleRestart(s *Session, delay time.Duration) {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	peer := s.peer
	t := s.transport
	s.restartTimer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		cur, ok := o.reg.Get(peer)
		if !ok || cur.transport != t || o.closed {
			o.mu.Unlock()
			return
		}
		cur.restartTimer = nil
		o.mu.Unlock()

		metrics.ICERestartsTotal.Inc()
		if err := o.sendOffer(peer, offerParams{renegotiation: true, iceRestart: true}); err != nil {
			log.Warn().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("ICE restart offer skipped")
		}
	})
}
