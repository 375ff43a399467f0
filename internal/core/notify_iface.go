package core

import "github.com/varkas/meshroom/internal/domain"

// Notifier receives the only conditions that cross the component boundary to
// the user. Everything else is swallowed and logged where it occurs.
type Notifier interface {
	// PeerUnreachable fires exactly once per session after retries are
	// exhausted. The session stays registered but inoperative until a
	// mesh-repair pass recreates it.
	PeerUnreachable(p domain.Participant)
	// JoinRejected fires when the rendezvous server refuses the join.
	JoinRejected(code, message string)
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) PeerUnreachable(domain.Participant) {}
func (NopNotifier) JoinRejected(string, string)        {}
