package app

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/domain"
)

// bind subscribes the coordinator to every inbound signaling event. Handlers
// parse defensively: a corrupt payload is logged and dropped, never allowed
// to take down the shared channel, and no peer's session handling may block
// another's.
func (o *Orchestrator) bind() {
	o.signal.Subscribe(core.EventRoomJoined, o.onRoomJoined)
	o.signal.Subscribe(core.EventUserJoined, o.onUserJoined)
	o.signal.Subscribe(core.EventUserLeft, o.onUserLeft)
	o.signal.Subscribe(core.EventHostChanged, o.onHostChanged)
	o.signal.Subscribe(core.EventJoinError, o.onJoinError)
	o.signal.Subscribe(core.EventOffer, o.onOffer)
	o.signal.Subscribe(core.EventAnswer, o.onAnswer)
	o.signal.Subscribe(core.EventICECandidate, o.onCandidate)
}

func (o *Orchestrator) onRoomJoined(data json.RawMessage) {
	var p struct {
		RoomID       string `json:"roomId"`
		HostID       string `json:"hostId"`
		Participants []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			IsHost bool   `json:"isHost"`
		} `json:"participants"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		log.Warn().Err(err).Str("module", "app").Msg("bad room-joined payload")
		return
	}

	o.mu.Lock()
	o.room.room.ID = domain.RoomID(p.RoomID)
	o.room.setHost(domain.PeerID(p.HostID))
	for _, m := range p.Participants {
		o.room.add(domain.Participant{
			ID:          domain.PeerID(m.ID),
			DisplayName: m.Name,
			IsHost:      m.IsHost,
		})
	}
	o.mu.Unlock()

	log.Info().Str("module", "app").Str("room", p.RoomID).Int("participants", len(p.Participants)).Msg("room joined")
	o.Reconcile()
}

func (o *Orchestrator) onUserJoined(data json.RawMessage) {
	var p struct {
		UserID string `json:"userId"`
		Name   string `json:"name"`
		IsHost bool   `json:"isHost"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "app").Msg("bad user-joined payload")
		return
	}

	o.mu.Lock()
	added := o.room.add(domain.Participant{
		ID:          domain.PeerID(p.UserID),
		DisplayName: p.Name,
		IsHost:      p.IsHost,
	})
	o.mu.Unlock()

	if added {
		o.Reconcile()
	}
}

func (o *Orchestrator) onUserLeft(data json.RawMessage) {
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		log.Warn().Err(err).Str("module", "app").Msg("bad user-left payload")
		return
	}
	peer := domain.PeerID(p.UserID)

	o.mu.Lock()
	o.room.remove(peer)
	o.reg.Teardown(peer)
	o.mu.Unlock()
}

func (o *Orchestrator) onHostChanged(data json.RawMessage) {
	var p struct {
		NewHostID string `json:"newHostId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.NewHostID == "" {
		log.Warn().Err(err).Str("module", "app").Msg("bad host-changed payload")
		return
	}

	o.mu.Lock()
	o.room.setHost(domain.PeerID(p.NewHostID))
	o.mu.Unlock()
}

func (o *Orchestrator) onJoinError(data json.RawMessage) {
	var p struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Error == "" {
		log.Warn().Err(err).Str("module", "app").Msg("bad join-error payload")
		return
	}

	o.mu.Lock()
	o.joined = false
	o.mu.Unlock()

	log.Error().Str("module", "app").Str("code", p.Error).Str("message", p.Message).Msg("join rejected")
	o.notify.JoinRejected(p.Error, p.Message)
}

func (o *Orchestrator) onOffer(data json.RawMessage) {
	var p struct {
		SenderID      string `json:"senderId"`
		SDP           string `json:"sdp"`
		Renegotiation bool   `json:"renegotiation"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.SenderID == "" || p.SDP == "" {
		log.Warn().Err(err).Str("module", "app").Msg("bad offer payload")
		return
	}
	o.HandleRemoteOffer(domain.PeerID(p.SenderID), p.SDP)
}

func (o *Orchestrator) onAnswer(data json.RawMessage) {
	var p struct {
		SenderID string `json:"senderId"`
		SDP      string `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.SenderID == "" || p.SDP == "" {
		log.Warn().Err(err).Str("module", "app").Msg("bad answer payload")
		return
	}
	o.HandleRemoteAnswer(domain.PeerID(p.SenderID), p.SDP)
}

func (o *Orchestrator) onCandidate(data json.RawMessage) {
	var p struct {
		SenderID  string                  `json:"senderId"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.SenderID == "" {
		log.Warn().Err(err).Str("module", "app").Msg("bad ice-candidate payload")
		return
	}
	o.HandleRemoteCandidate(domain.PeerID(p.SenderID), p.Candidate)
}
