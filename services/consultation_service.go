package services

import (
	"context"

	"careline/domain"
	"careline/peerlink"
	"careline/repositories"
	"careline/runtime"
)

type IConsultationService interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, text string) error
	SendAttachment(name string, data []byte) error
	SwitchMode(ctx context.Context, to domain.Mode) error
	Mode() domain.Mode
	LinkState() peerlink.State
	Transcript() []domain.ChatMessage
	History(cursor *string) ([]repositories.ArchivedMessage, *string, error)
	End()
}

// ConsultationService is the application facade over one session
// coordinator plus the durable archive.
type ConsultationService struct {
	coordinator *runtime.Coordinator
	archive     repositories.IArchiveRepository
}

func NewConsultationService(c *runtime.Coordinator, archive repositories.IArchiveRepository) *ConsultationService {
	return &ConsultationService{coordinator: c, archive: archive}
}

func (s *ConsultationService) Start(ctx context.Context) error {
	return s.coordinator.Start(ctx)
}

func (s *ConsultationService) Send(ctx context.Context, text string) error {
	return s.coordinator.Router().Send(ctx, text)
}

func (s *ConsultationService) SendAttachment(name string, data []byte) error {
	return s.coordinator.Router().SendAttachment(name, data)
}

func (s *ConsultationService) SwitchMode(ctx context.Context, to domain.Mode) error {
	return s.coordinator.Router().SwitchMode(ctx, to)
}

func (s *ConsultationService) Mode() domain.Mode {
	return s.coordinator.Router().Mode()
}

func (s *ConsultationService) LinkState() peerlink.State {
	return s.coordinator.LinkState()
}

func (s *ConsultationService) Transcript() []domain.ChatMessage {
	return s.coordinator.Transcript().Messages()
}

// History pages backwards through the archived transcript of this room.
func (s *ConsultationService) History(cursor *string) ([]repositories.ArchivedMessage, *string, error) {
	if s.archive == nil {
		return nil, nil, nil
	}
	return s.archive.GetMessages(s.coordinator.RoomID(), cursor)
}

func (s *ConsultationService) End() {
	s.coordinator.End()
	if s.archive != nil {
		_ = s.archive.Flush()
	}
}
