package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/domain"
	"github.com/varkas/meshroom/internal/metrics"
)

// Run drives the periodic mesh repair pass until ctx is canceled. Events
// (joins, reconnects) trigger extra passes through Reconcile directly.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Reconcile()
		}
	}
}

// Reconcile compares the desired topology (full mesh over the roster) with
// the registry and applies the minimal repair: create missing sessions
// (staggered), recreate degraded ones, and confirm-renegotiate healthy
// sessions we did not offer to. Idempotent: a second pass over unchanged
// state schedules nothing new.
func (o *Orchestrator) Reconcile() {
	o.mu.Lock()
	if o.closed || !o.joined {
		o.mu.Unlock()
		return
	}
	var confirm []domain.PeerID
	idx := 0
	for _, member := range o.room.members() {
		peer := member.ID
		s, ok := o.reg.Get(peer)
		switch {
		case !ok:
			if o.reg.CreateScheduled(peer) {
				continue
			}
			o.scheduleCreate(peer, time.Duration(idx)*o.opts.StaggerDelay)
			idx++

		case s.unhealthyEither():
			// Covers terminally failed sessions too: they stay registered
			// and visibly broken until this repair path recreates them.
			log.Info().Str("module", "app.reconcile").Str("peer", string(peer)).Msg("repairing degraded session")
			o.reg.Teardown(peer)
			o.scheduleCreate(peer, time.Duration(idx)*o.opts.StaggerDelay)
			idx++

		case s.connected() && !s.weOffered && s.state == SignalingStable && !s.pendingOffer &&
			time.Since(s.lastConfirm) >= o.opts.ConfirmInterval && time.Since(s.createdAt) >= o.opts.ConfirmInterval:
			// Defensive confirm pass: a transport can report connected while
			// its tracks went stale. Rate-limited per session.
			s.lastConfirm = time.Now()
			confirm = append(confirm, peer)
		}
	}

	// Drop sessions for peers no longer in the roster. Normally user-left
	// handles this; the pass covers notifications lost across a signaling
	// reconnect.
	for _, dto := range o.reg.Snapshot() {
		if _, ok := o.room.get(dto.Peer); !ok {
			log.Info().Str("module", "app.reconcile").Str("peer", string(dto.Peer)).Msg("dropping session for departed peer")
			o.reg.Teardown(dto.Peer)
		}
	}
	o.mu.Unlock()

	metrics.ReconcilePassesTotal.Inc()

	for _, peer := range confirm {
		if err := o.Renegotiate(peer); err != nil {
			log.Debug().Err(err).Str("module", "app.reconcile").Str("peer", string(peer)).Msg("confirm renegotiation deferred")
		}
	}
}

// scheduleCreate arms a staggered session create. Callers hold o.mu.
func (o *Orchestrator) scheduleCreate(peer domain.PeerID, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		o.createAndOffer(peer)
	})
	o.reg.MarkScheduled(peer, timer)
}

// createAndOffer runs when a staggered create fires: the peer must still be
// in the roster (consulted fresh, not captured) and the offerer symmetry rule
// decides whether we open. The designated host always offers to newcomers;
// between non-hosts both sides may try and the glare guard settles it.
func (o *Orchestrator) createAndOffer(peer domain.PeerID) {
	o.mu.Lock()
	o.reg.ClearScheduled(peer)
	if o.closed || !o.joined {
		o.mu.Unlock()
		return
	}
	member, ok := o.room.get(peer)
	if !ok {
		o.mu.Unlock()
		return
	}
	if _, err := o.ensureSession(peer); err != nil {
		o.mu.Unlock()
		log.Error().Err(err).Str("module", "app.reconcile").Str("peer", string(peer)).Msg("session create failed")
		return
	}
	shouldOffer := o.room.isHost || !member.IsHost
	o.mu.Unlock()

	if !shouldOffer {
		// The host will offer to us; our session sits ready to answer.
		return
	}
	if err := o.SendOffer(peer); err != nil {
		log.Debug().Err(err).Str("module", "app.reconcile").Str("peer", string(peer)).Msg("initial offer not sent")
	}
}

// ResyncAfterReconnect runs after the signaling channel re-established
// itself: any membership or candidate traffic sent meanwhile is gone, so a
// repair pass recovers whatever drifted.
func (o *Orchestrator) ResyncAfterReconnect() {
	log.Info().Str("module", "app.reconcile").Msg("signaling reconnected, resyncing mesh")
	o.Reconcile()
}
