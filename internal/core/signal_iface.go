package core

import "encoding/json"

// Event names on the signaling channel. The rendezvous server relays the
// targeted ones (offer/answer/ice-candidate) to the addressed peer and fans
// the rest out to the room.
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventRoomJoined   = "room-joined"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventHostChanged  = "host-changed"
	EventJoinError    = "join-error"
)

// SignalingChannel abstracts the persistent bidirectional channel to the
// rendezvous server. Delivery is ordered and reliable per connection; nothing
// survives a reconnect, which is why the mesh reconciler re-synchronizes.
//
// Owned by the adapter; the adapter must Close() it. Handlers are invoked
// sequentially in arrival order and must not block for long.
type SignalingChannel interface {
	Publish(event string, payload any) error
	Subscribe(event string, handler func(data json.RawMessage))
	Close()
}
