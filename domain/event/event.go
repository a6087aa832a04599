// Package event defines the typed domain events flowing between the session
// coordinator and its sinks (transcript, archive, UI subscribers).
package event

import (
	"time"

	"careline/domain"
)

type DomainEvent interface {
	Room() domain.RoomID
}

// PresenceChanged is emitted by the presence registry on an effective state
// change. Idempotent updates never produce this event.
type PresenceChanged struct {
	ExpertID domain.ExpertID
	Online   bool
	At       time.Time
}

// Presence changes are not scoped to a single room.
func (PresenceChanged) Room() domain.RoomID { return "" }

// MessageAppended is emitted whenever a message becomes part of the visible
// transcript, regardless of provenance.
type MessageAppended struct {
	RoomID  domain.RoomID
	Message domain.ChatMessage
}

func (e MessageAppended) Room() domain.RoomID { return e.RoomID }

// ModeSwitched is emitted after a clean mode transition.
type ModeSwitched struct {
	RoomID domain.RoomID
	From   domain.Mode
	To     domain.Mode
}

func (e ModeSwitched) Room() domain.RoomID { return e.RoomID }

type PeerJoined struct {
	RoomID domain.RoomID
	PeerID string
}

func (e PeerJoined) Room() domain.RoomID { return e.RoomID }

type PeerLeft struct {
	RoomID domain.RoomID
	PeerID string
}

func (e PeerLeft) Room() domain.RoomID { return e.RoomID }

// LinkStateChanged carries the normalized peer link state.
type LinkStateChanged struct {
	RoomID domain.RoomID
	State  string
}

func (e LinkStateChanged) Room() domain.RoomID { return e.RoomID }
