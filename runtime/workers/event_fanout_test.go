package workers

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"careline/domain"
	"careline/domain/event"
	"careline/mocks"
)

func TestEventFanout_DeliversToEverySink(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := make(chan event.DomainEvent, 8)
	fanout := NewEventFanout(log, events, time.Second)

	first := mocks.NewMockEventSink(ctrl)
	second := mocks.NewMockEventSink(ctrl)
	fanout.Add(first, second)

	room := domain.DeriveRoomID(1001, 42)
	evt := event.MessageAppended{RoomID: room, Message: domain.NewUserMessage("hi")}

	delivered := make(chan struct{}, 2)
	first.EXPECT().Consume(gomock.Any(), evt).
		DoAndReturn(func(context.Context, event.DomainEvent) error {
			delivered <- struct{}{}
			return nil
		}).Times(1)
	second.EXPECT().Consume(gomock.Any(), evt).
		DoAndReturn(func(context.Context, event.DomainEvent) error {
			delivered <- struct{}{}
			return nil
		}).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fanout.Run(ctx) }()

	events <- evt

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(time.Second):
			req.Fail("sink never consumed the event")
		}
	}
}

func TestEventFanout_FailingSinkDoesNotStallOthers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := make(chan event.DomainEvent, 8)
	fanout := NewEventFanout(log, events, time.Second)

	failing := mocks.NewMockEventSink(ctrl)
	healthy := mocks.NewMockEventSink(ctrl)
	fanout.Add(failing, healthy)

	room := domain.DeriveRoomID(1001, 42)
	evt := event.MessageAppended{RoomID: room, Message: domain.NewUserMessage("hi")}

	failing.EXPECT().Consume(gomock.Any(), evt).
		Return(context.DeadlineExceeded).Times(1)

	delivered := make(chan struct{}, 1)
	healthy.EXPECT().Consume(gomock.Any(), evt).
		DoAndReturn(func(context.Context, event.DomainEvent) error {
			delivered <- struct{}{}
			return nil
		}).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fanout.Run(ctx) }()

	events <- evt

	select {
	case <-delivered:
	case <-time.After(time.Second):
		req.Fail("failure in one sink blocked the next")
	}
}

func TestEventFanout_StopsOnContextDone(t *testing.T) {
	req := require.New(t)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := make(chan event.DomainEvent)
	fanout := NewEventFanout(log, events, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fanout.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(time.Second):
		req.Fail("fanout never returned after cancellation")
	}
}
