//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"careline/domain"
	"careline/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker
// lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// IPresence is the single source of truth for "is this expert reachable
// right now". No component may infer presence from any other signal.
type IPresence interface {
	SetOnline(id domain.ExpertID, online bool) bool
	IsOnline(id any) bool
	Snapshot() []domain.ExpertID
	Subscribe(fn func(event.PresenceChanged)) (cancel func())
}

// IArchive persists transcript entries for the external history service.
// The live session never depends on it.
type IArchive interface {
	StoreMessage(room domain.RoomID, msg domain.ChatMessage) error
	Flush() error
}
