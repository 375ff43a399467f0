package app

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/domain"
	"github.com/varkas/meshroom/internal/metrics"
)

// Registry owns the set of active peer sessions, keyed by remote participant
// id. It is the sole owner of Session objects; all mutations flow through the
// Orchestrator, whose lock guards every field here.
type Registry struct {
	sessions map[domain.PeerID]*Session

	// orphans buffers ICE candidates that arrived before any session existed
	// for the peer. Handed to the session on creation, dropped on teardown.
	orphans map[domain.PeerID][]webrtc.ICECandidateInit

	// scheduled marks peers with a staggered create pending, so a second
	// reconciliation pass does not double-schedule.
	scheduled map[domain.PeerID]*time.Timer

	// onClosed fires once for every removed session, after its transport is
	// closed. Runs under the coordinator lock; the hook must not re-enter.
	onClosed func(domain.PeerID)
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[domain.PeerID]*Session),
		orphans:   make(map[domain.PeerID][]webrtc.ICECandidateInit),
		scheduled: make(map[domain.PeerID]*time.Timer),
	}
}

func (r *Registry) Get(peer domain.PeerID) (*Session, bool) {
	s, ok := r.sessions[peer]
	return s, ok
}

func (r *Registry) Len() int { return len(r.sessions) }

// Ensure returns the existing session for peer, tearing down and recreating
// it first when it is dead on both the connection and ICE signal. Never
// returns two different sessions for the same peer without an intervening
// teardown. The second return reports whether a fresh session was created.
func (r *Registry) Ensure(peer domain.PeerID, factory core.TransportFactory) (*Session, bool, error) {
	if s, ok := r.sessions[peer]; ok {
		if !s.unhealthyBoth() {
			return s, false, nil
		}
		log.Info().Str("module", "app.registry").Str("peer", string(peer)).Msg("recreating dead session")
		r.Teardown(peer)
	}

	t, err := factory(peer)
	if err != nil {
		return nil, false, err
	}
	s := &Session{
		peer:      peer,
		transport: t,
		state:     SignalingStable,
		createdAt: time.Now(),
	}
	if q, ok := r.orphans[peer]; ok {
		s.queued = q
		delete(r.orphans, peer)
	}
	r.sessions[peer] = s
	metrics.SessionsCreatedTotal.Inc()
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Msg("created session")
	return s, true, nil
}

// Teardown closes and forgets the session for peer: transport closed, timers
// canceled, queued candidates, flags and counters cleared, and the media
// bridge told to release the peer. Idempotent; a never-created peer id is a
// no-op.
func (r *Registry) Teardown(peer domain.PeerID) {
	if t, ok := r.scheduled[peer]; ok {
		t.Stop()
		delete(r.scheduled, peer)
	}
	if q, ok := r.orphans[peer]; ok {
		metrics.QueuedCandidates.Sub(float64(len(q)))
		delete(r.orphans, peer)
	}

	s, ok := r.sessions[peer]
	if !ok {
		return
	}
	s.stopTimers()
	metrics.QueuedCandidates.Sub(float64(len(s.queued)))
	s.queued = nil
	s.pendingOffer = false
	s.pendingAnswer = false
	s.retryCount = 0
	s.transport.Close()
	delete(r.sessions, peer)
	metrics.SessionsTornDownTotal.Inc()
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Msg("session torn down")
	if r.onClosed != nil {
		r.onClosed(peer)
	}
}

// TeardownAll tears down every session; used on local leave.
func (r *Registry) TeardownAll() {
	for peer := range r.sessions {
		r.Teardown(peer)
	}
	for peer, t := range r.scheduled {
		t.Stop()
		delete(r.scheduled, peer)
	}
	for _, q := range r.orphans {
		metrics.QueuedCandidates.Sub(float64(len(q)))
	}
	r.orphans = make(map[domain.PeerID][]webrtc.ICECandidateInit)
}

// BufferOrphan stores a candidate for a peer with no session yet. Bounded the
// same way as the per-session queue.
func (r *Registry) BufferOrphan(peer domain.PeerID, ci webrtc.ICECandidateInit) bool {
	q := r.orphans[peer]
	if len(q) >= maxQueuedCandidates {
		return false
	}
	r.orphans[peer] = append(q, ci)
	return true
}

// CreateScheduled reports whether a staggered create is already queued.
func (r *Registry) CreateScheduled(peer domain.PeerID) bool {
	_, ok := r.scheduled[peer]
	return ok
}

func (r *Registry) MarkScheduled(peer domain.PeerID, t *time.Timer) {
	r.scheduled[peer] = t
}

func (r *Registry) ClearScheduled(peer domain.PeerID) {
	delete(r.scheduled, peer)
}

// Snapshot returns read-only views of every session.
func (r *Registry) Snapshot() []core.SessionDTO {
	out := make([]core.SessionDTO, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.dto())
	}
	return out
}
