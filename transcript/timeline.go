// Package transcript builds the live in-memory transcript from observed
// events. It handles ordering only; it does not emit events or talk to the
// UI directly. Durable history is the archive collaborator's job.
package transcript

import (
	"context"
	"sync"

	"careline/domain"
	"careline/domain/event"
)

// Timeline is the visible transcript of one consultation. Entries appear
// in append order, which matches routing order for a single session.
type Timeline struct {
	mu       sync.Mutex
	messages []domain.ChatMessage
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

func (t *Timeline) Consume(_ context.Context, e event.DomainEvent) error {
	if evt, ok := e.(event.MessageAppended); ok {
		t.mu.Lock()
		t.messages = append(t.messages, evt.Message)
		t.mu.Unlock()
	}
	return nil
}

// Messages returns a snapshot copy of the transcript.
func (t *Timeline) Messages() []domain.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// SystemEntries returns only the session audit entries (mode switches,
// failures).
func (t *Timeline) SystemEntries() []domain.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.ChatMessage
	for _, m := range t.messages {
		if m.Sender == domain.SenderSystem {
			out = append(out, m)
		}
	}
	return out
}

// Len avoids copying when only the count matters.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}
