package workers

import (
	"context"
	"log/slog"
	"time"

	"careline/contract"
	"careline/domain/event"
)

// EventFanout broadcasts session events to in-process consumers (timeline,
// archive, UI hooks).
//
// It provides best-effort fan-out with no guarantees regarding delivery,
// ordering across sinks, durability, or retries. EventFanout is not a
// message broker.
type EventFanout struct {
	Log         *slog.Logger
	Events      chan event.DomainEvent
	sinkTimeout time.Duration
	sinks       []contract.EventSink
}

func NewEventFanout(log *slog.Logger, events chan event.DomainEvent, sinkTimeout time.Duration) *EventFanout {
	return &EventFanout{Log: log, Events: events, sinkTimeout: sinkTimeout}
}

func (w *EventFanout) Add(sinks ...contract.EventSink) *EventFanout {
	w.sinks = append(w.sinks, sinks...)
	return w
}

func (w *EventFanout) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-w.Events:
			w.Fanout(ctx, evt)
		case <-ctx.Done():
			w.Log.Debug("Context done, stopping event fanout")
			return nil
		}
	}
}

// Fanout delivers one event to every sink. A slow or failing sink is logged
// and skipped so it cannot stall the session pipeline.
func (w *EventFanout) Fanout(ctx context.Context, evt event.DomainEvent) {
	for _, sink := range w.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, w.sinkTimeout)
		if err := sink.Consume(sinkCtx, evt); err != nil {
			w.Log.Warn("Sink rejected event", "error", err)
		}
		cancel()
	}
}
