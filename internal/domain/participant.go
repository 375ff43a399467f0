// Package domain contains entity types without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxPeerIDLen      = 64
	MaxDisplayNameLen = 36
)

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

// PeerID is the opaque participant id assigned by the rendezvous server.
type PeerID string

// Participant is one room member as known to the roster. The roster is the
// single source of truth for who should be connected to whom.
type Participant struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"name"`
	IsHost      bool   `json:"isHost"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id PeerID, name string, isHost bool) (*Participant, error) {
	if len(name) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if id == "" {
		id = PeerID(uuid.NewString())
	}
	return &Participant{ID: id, DisplayName: name, IsHost: isHost}, nil
}
