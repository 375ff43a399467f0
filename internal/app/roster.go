package app

import (
	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/domain"
)

// roomState is the membership coordinator's state: which room we are in, who
// we are, who hosts, and the roster of remote participants. The roster never
// contains the local participant id.
//
// Guarded by the Orchestrator's lock.
type roomState struct {
	room   domain.Room
	isHost bool
	roster map[domain.PeerID]domain.Participant
}

func newRoomState() roomState {
	return roomState{roster: make(map[domain.PeerID]domain.Participant)}
}

// add inserts or refreshes a roster entry. Returns false for the local id or
// an empty id.
func (rs *roomState) add(p domain.Participant) bool {
	if p.ID == "" || p.ID == rs.room.SelfID {
		return false
	}
	_, known := rs.roster[p.ID]
	rs.roster[p.ID] = p
	if !known {
		log.Info().Str("module", "app.roster").Str("peer", string(p.ID)).Str("name", p.DisplayName).Bool("host", p.IsHost).Msg("participant joined")
	}
	return !known
}

// remove drops a roster entry, reporting whether the peer was known.
func (rs *roomState) remove(peer domain.PeerID) bool {
	if _, ok := rs.roster[peer]; !ok {
		return false
	}
	delete(rs.roster, peer)
	log.Info().Str("module", "app.roster").Str("peer", string(peer)).Msg("participant left")
	return true
}

// setHost moves the host flag to newHost. Does not touch sessions.
func (rs *roomState) setHost(newHost domain.PeerID) {
	rs.room.HostID = newHost
	rs.isHost = newHost == rs.room.SelfID
	for id, p := range rs.roster {
		p.IsHost = id == newHost
		rs.roster[id] = p
	}
	log.Info().Str("module", "app.roster").Str("host", string(newHost)).Bool("self", rs.isHost).Msg("host changed")
}

func (rs *roomState) get(peer domain.PeerID) (domain.Participant, bool) {
	p, ok := rs.roster[peer]
	return p, ok
}

// members returns the roster in stable order (insertion order is not kept;
// callers that stagger work only need a consistent index within one pass).
func (rs *roomState) members() []domain.Participant {
	out := make([]domain.Participant, 0, len(rs.roster))
	for _, p := range rs.roster {
		out = append(out, p)
	}
	return out
}

func (rs *roomState) clear() {
	rs.roster = make(map[domain.PeerID]domain.Participant)
	rs.room = domain.Room{}
	rs.isHost = false
}

func (rs *roomState) dto() core.RoomDTO {
	return core.RoomDTO{
		RoomID:       rs.room.ID,
		SelfID:       rs.room.SelfID,
		HostID:       rs.room.HostID,
		Participants: rs.members(),
	}
}
