package sink

import (
	"context"
	"fmt"
	"log/slog"

	"careline/domain/event"
	"careline/repositories"
)

// ArchiveSink forwards appended messages to the durable archive. It is one
// of the permanent fanout sinks; the live session never reads through it.
type ArchiveSink struct {
	repository repositories.IArchiveRepository
	log        *slog.Logger
}

func NewArchiveSink(repository repositories.IArchiveRepository, log *slog.Logger) ArchiveSink {
	return ArchiveSink{repository: repository, log: log}
}

func (s ArchiveSink) Consume(_ context.Context, e event.DomainEvent) error {
	switch evt := e.(type) {
	case event.MessageAppended:
		return s.repository.StoreMessage(evt.RoomID, evt.Message)
	default:
		s.log.Debug(fmt.Sprintf("Not archived event : %v", evt))
		return nil
	}
}
