package transcript

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"careline/domain"
	"careline/domain/event"
)

func TestTimeline_AppendsInConsumeOrder(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline()
	ctx := context.Background()
	room := domain.DeriveRoomID(1001, 42)

	first := domain.NewUserMessage("first")
	second := domain.NewBotMessage("second")
	req.NoError(timeline.Consume(ctx, event.MessageAppended{RoomID: room, Message: first}))
	req.NoError(timeline.Consume(ctx, event.MessageAppended{RoomID: room, Message: second}))

	messages := timeline.Messages()
	req.Len(messages, 2)
	req.Equal(first.ID, messages[0].ID)
	req.Equal(second.ID, messages[1].ID)
	req.Equal(2, timeline.Len())
}

func TestTimeline_IgnoresNonMessageEvents(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline()
	room := domain.DeriveRoomID(1001, 42)

	req.NoError(timeline.Consume(context.Background(), event.ModeSwitched{
		RoomID: room, From: domain.ModeText, To: domain.ModeVideo,
	}))

	req.Zero(timeline.Len())
}

func TestTimeline_SystemEntries(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline()
	ctx := context.Background()
	room := domain.DeriveRoomID(1001, 42)

	_ = timeline.Consume(ctx, event.MessageAppended{RoomID: room, Message: domain.NewUserMessage("hi")})
	_ = timeline.Consume(ctx, event.MessageAppended{RoomID: room, Message: domain.NewSystemMessage("已切换到视频通话", false)})
	_ = timeline.Consume(ctx, event.MessageAppended{RoomID: room, Message: domain.NewSystemMessage("无法启动视频通话", true)})

	entries := timeline.SystemEntries()
	req.Len(entries, 2)
	req.False(entries[0].IsError)
	req.True(entries[1].IsError)
}

func TestTimeline_MessagesReturnsSnapshotCopy(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline()
	room := domain.DeriveRoomID(1001, 42)

	_ = timeline.Consume(context.Background(), event.MessageAppended{RoomID: room, Message: domain.NewUserMessage("hi")})

	snapshot := timeline.Messages()
	snapshot[0].Content = "mutated"

	req.Equal("hi", timeline.Messages()[0].Content)
}
