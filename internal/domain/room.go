package domain

type RoomID string

// Room is the rendezvous-side identity of the conference the local client
// joined: which room, who we are in it, and who currently hosts it.
type Room struct {
	ID     RoomID
	SelfID PeerID
	HostID PeerID
}
