package app

import (
	"testing"
	"time"

	"github.com/varkas/meshroom/internal/core"
)

type wireParticipant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
}

type roomJoinedPayload struct {
	RoomID       string            `json:"roomId"`
	HostID       string            `json:"hostId"`
	Participants []wireParticipant `json:"participants"`
}

func TestRoomJoinedBuildsRosterAndOpensMesh(t *testing.T) {
	o, sig, factory, _ := newTestOrchestrator(t, testOptions())
	joinTestRoom(t, o)

	sig.emit(t, core.EventRoomJoined, roomJoinedPayload{
		RoomID: "room-1",
		HostID: "host-1",
		Participants: []wireParticipant{
			{ID: "host-1", Name: "harriet", IsHost: true},
			{ID: "p2", Name: "bob"},
		},
	})

	room := o.RoomSnapshot()
	if room.HostID != "host-1" {
		t.Errorf("hostId %s, want host-1", room.HostID)
	}
	if len(room.Participants) != 2 {
		t.Fatalf("roster has %d participants, want 2", len(room.Participants))
	}

	// Sessions come up for everyone; as a non-host we only offer to the
	// other non-host, the host offers to us.
	waitFor(t, time.Second, "sessions for the whole roster", func() bool {
		return factory.createdFor("host-1") == 1 && factory.createdFor("p2") == 1
	})
	waitFor(t, time.Second, "offer to the non-host peer", func() bool {
		return sig.count(core.EventOffer) == 1
	})
	offers := sig.published(t, core.EventOffer)
	if got := offers[0]["targetUserId"]; got != "p2" {
		t.Errorf("offered to %v, want p2 (host side opens toward us)", got)
	}
}

func TestHostOffersToEveryone(t *testing.T) {
	o, sig, _, _ := newTestOrchestrator(t, testOptions())
	if err := o.JoinRoom(JoinParams{RoomID: "room-1", SelfID: "self", DisplayName: "h", IsHost: true}); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	sig.emit(t, core.EventRoomJoined, roomJoinedPayload{
		RoomID: "room-1",
		HostID: "self",
		Participants: []wireParticipant{
			{ID: "p1", Name: "a"},
			{ID: "p2", Name: "b"},
		},
	})

	waitFor(t, time.Second, "offers to every peer", func() bool {
		return sig.count(core.EventOffer) == 2
	})
}

func TestUserJoinedCreatesExactlyOneSession(t *testing.T) {
	o, sig, factory, _ := newTestOrchestrator(t, testOptions())
	joinTestRoom(t, o)

	join := map[string]any{"userId": "p1", "name": "carol"}
	sig.emit(t, core.EventUserJoined, join)
	waitFor(t, time.Second, "session for p1", func() bool {
		return factory.createdFor("p1") == 1
	})

	// Duplicate announcement: roster unchanged, no second session.
	sig.emit(t, core.EventUserJoined, join)
	time.Sleep(20 * time.Millisecond)
	if n := factory.createdFor("p1"); n != 1 {
		t.Fatalf("duplicate user-joined created %d transports, want 1", n)
	}
	if n := len(o.SessionsSnapshot()); n != 1 {
		t.Fatalf("%d sessions registered, want 1", n)
	}
}

func TestSelfAnnouncementIgnored(t *testing.T) {
	o, sig, factory, _ := newTestOrchestrator(t, testOptions())
	joinTestRoom(t, o)

	sig.emit(t, core.EventUserJoined, map[string]any{"userId": "self", "name": "me"})
	time.Sleep(20 * time.Millisecond)
	if n := factory.totalCreated(); n != 0 {
		t.Fatalf("self announcement created %d sessions", n)
	}
	if n := len(o.RoomSnapshot().Participants); n != 0 {
		t.Fatalf("self ended up in the roster (%d entries)", n)
	}
}

func TestUserLeftTearsDownSession(t *testing.T) {
	o, sig, factory, _ := newTestOrchestrator(t, testOptions())
	joinTestRoom(t, o)

	sig.emit(t, core.EventUserJoined, map[string]any{"userId": "p1", "name": "carol"})
	waitFor(t, time.Second, "session for p1", func() bool {
		return factory.createdFor("p1") == 1
	})

	sig.emit(t, core.EventUserLeft, map[string]any{"userId": "p1"})

	if hasSession(o, "p1") {
		t.Error("session survives user-left")
	}
	if !factory.transport(t, "p1").IsClosed() {
		t.Error("transport not closed on user-left")
	}
	if n := len(o.RoomSnapshot().Participants); n != 0 {
		t.Errorf("roster still has %d entries", n)
	}

	// Unknown and repeated departures are harmless.
	sig.emit(t, core.EventUserLeft, map[string]any{"userId": "p1"})
	sig.emit(t, core.EventUserLeft, map[string]any{"userId": "nobody"})
}

func TestHostChangedMovesHostFlag(t *testing.T) {
	o, sig, _, _ := newTestOrchestrator(t, testOptions())
	joinTestRoom(t, o)

	sig.emit(t, core.EventRoomJoined, roomJoinedPayload{
		RoomID: "room-1",
		HostID: "host-1",
		Participants: []wireParticipant{
			{ID: "host-1", Name: "h", IsHost: true},
			{ID: "p2", Name: "b"},
		},
	})
	sig.emit(t, core.EventHostChanged, map[string]any{"newHostId": "p2"})

	room := o.RoomSnapshot()
	if room.HostID != "p2" {
		t.Fatalf("hostId %s, want p2", room.HostID)
	}
	for _, p := range room.Participants {
		if want := p.ID == "p2"; p.IsHost != want {
			t.Errorf("participant %s host flag = %v, want %v", p.ID, p.IsHost, want)
		}
	}
}

func TestJoinErrorReportedAndBlocksNegotiation(t *testing.T) {
	o, sig, _, notify := newTestOrchestrator(t, testOptions())
	joinTestRoom(t, o)

	sig.emit(t, core.EventJoinError, map[string]any{"error": "invalid-access-code", "message": "wrong pin"})

	if n := notify.rejectionCount(); n != 1 {
		t.Fatalf("JoinRejected fired %d times, want 1", n)
	}
	if err := o.SendOffer("p1"); err == nil {
		t.Error("negotiation allowed after join rejection")
	}
}

func TestMalformedPayloadsDropped(t *testing.T) {
	o, sig, factory, _ := newTestOrchestrator(t, testOptions())
	joinTestRoom(t, o)

	garbage := [][]byte{
		[]byte(`{`),
		[]byte(`"just a string"`),
		[]byte(`{"unexpected": true}`),
		[]byte(`null`),
	}
	events := []string{
		core.EventRoomJoined, core.EventUserJoined, core.EventUserLeft,
		core.EventHostChanged, core.EventJoinError, core.EventOffer,
		core.EventAnswer, core.EventICECandidate,
	}
	for _, ev := range events {
		for _, g := range garbage {
			sig.emitRaw(t, ev, g)
		}
	}

	// Nothing was created, and the coordinator still works.
	if n := factory.totalCreated(); n != 0 {
		t.Fatalf("garbage created %d sessions", n)
	}
	o.HandleRemoteOffer("p1", "v=0 offer")
	if n := sig.count(core.EventAnswer); n != 1 {
		t.Fatalf("coordinator wedged after garbage: %d answers", n)
	}
}

func TestTargetedEventsRouteBySender(t *testing.T) {
	o, sig, factory, _ := newTestOrchestrator(t, testOptions())
	joinTestRoom(t, o)

	sig.emit(t, core.EventOffer, map[string]any{"senderId": "p1", "sdp": "v=0 offer"})
	if n := sig.count(core.EventAnswer); n != 1 {
		t.Fatalf("inbound offer produced %d answers, want 1", n)
	}

	sig.emit(t, core.EventICECandidate, map[string]any{
		"senderId":  "p1",
		"candidate": map[string]any{"candidate": "c-1"},
	})
	if n := factory.transport(t, "p1").candidateCount(); n != 1 {
		t.Fatalf("inbound candidate applied %d times, want 1", n)
	}

	if err := o.SendOffer("p2"); err != nil {
		t.Fatalf("SendOffer p2: %v", err)
	}
	sig.emit(t, core.EventAnswer, map[string]any{"senderId": "p2", "sdp": "v=0 answer"})
	if _, _, _, applied := factory.transport(t, "p2").stats(); applied != 1 {
		t.Fatalf("inbound answer applied %d times, want 1", applied)
	}
}
