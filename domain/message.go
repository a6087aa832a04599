// Package domain contains core concepts of the consultation session layer.
// This file defines chat messages and their provenance rules.
// Messages are immutable once appended to a transcript.
package domain

import (
	"time"

	"github.com/google/uuid"

	"careline/errors"
)

// SenderRole identifies who produced a transcript entry.
type SenderRole string

const (
	SenderUser   SenderRole = "user"
	SenderExpert SenderRole = "expert"
	SenderSystem SenderRole = "system"
	SenderBot    SenderRole = "bot"
)

// ChatMessage represents one immutable transcript entry.
//
// IsHuman and IsBot are mutually exclusive and reflect the routing decision
// made at dispatch time. They are never reclassified afterwards, so the UI
// can always distinguish a live expert reply from a synthetic one.
type ChatMessage struct {
	ID        uuid.UUID
	Sender    SenderRole
	Content   string
	CreatedAt time.Time
	IsHuman   bool
	IsBot     bool
	IsError   bool
}

// Validate rejects entries whose provenance flags contradict the sender.
// The constructors below always produce valid messages; this guards records
// assembled elsewhere, such as rows handed to the archive.
func (m ChatMessage) Validate() error {
	switch m.Sender {
	case SenderUser, SenderExpert:
		if !m.IsHuman || m.IsBot {
			return errors.ErrProvenance
		}
	case SenderBot:
		if !m.IsBot || m.IsHuman {
			return errors.ErrProvenance
		}
	default:
		if m.IsHuman || m.IsBot {
			return errors.ErrProvenance
		}
	}
	return nil
}

func NewUserMessage(content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.New(),
		Sender:    SenderUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		IsHuman:   true,
	}
}

func NewExpertMessage(content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.New(),
		Sender:    SenderExpert,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		IsHuman:   true,
	}
}

func NewBotMessage(content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.New(),
		Sender:    SenderBot,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		IsBot:     true,
	}
}

// NewSystemMessage records a session event in the transcript, such as a mode
// transition or a transport failure. System entries carry no provenance.
func NewSystemMessage(content string, isError bool) ChatMessage {
	return ChatMessage{
		ID:        uuid.New(),
		Sender:    SenderSystem,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		IsError:   isError,
	}
}
