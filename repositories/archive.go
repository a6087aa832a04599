//go:generate go run go.uber.org/mock/mockgen -source=archive.go -destination=../mocks/mock_archive.go -package=mocks
package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/index"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"careline/domain"
)

type IArchiveRepository interface {
	StoreMessage(room domain.RoomID, msg domain.ChatMessage) error
	GetMessages(room domain.RoomID, cursor *string) ([]ArchivedMessage, *string, error)
	Search(ctx context.Context, room domain.RoomID, terms string, limit int) ([]uuid.UUID, error)
	Flush() error
}

// ArchivedMessage is the durable transcript record handed to the history
// collaborator.
type ArchivedMessage struct {
	ID      uuid.UUID         `json:"id"`
	Room    string            `json:"room"`
	Sender  domain.SenderRole `json:"sender"`
	Content string            `json:"content"`
	IsBot   bool              `json:"is_bot"`
	IsError bool              `json:"is_error"`
	At      time.Time         `json:"at"`
}

// ArchiveRepository persists transcript entries in BadgerDB and mirrors
// their text into a Bluge index for search.
type ArchiveRepository struct {
	db            *badger.DB
	writer        *bluge.Writer
	batch         *index.Batch
	log           *slog.Logger
	limitMessages *int
}

func NewArchiveRepository(db *badger.DB, writer *bluge.Writer, log *slog.Logger, limitMessages *int) *ArchiveRepository {
	return &ArchiveRepository{
		db:            db,
		writer:        writer,
		batch:         bluge.NewBatch(),
		log:           log,
		limitMessages: limitMessages,
	}
}

// StoreMessage persists one transcript entry.
// The key is formatted as "msg:{room}:{timestamp_padded}:{uuid}" to:
//  1. Ensure chronological sorting using 19-digit zero padding
//     (lexicographical order).
//  2. Prevent data loss by using the UUID as a collision disconnector if
//     two messages arrive at the same nanosecond.
func (a *ArchiveRepository) StoreMessage(room domain.RoomID, msg domain.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	record := toArchived(room, msg)
	key := fmt.Sprintf("msg:%s:%019d:%s", record.Room, record.At.UnixNano(), record.ID)

	bytes, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), bytes)
	}); err != nil {
		return err
	}

	doc := bluge.NewDocument(record.ID.String()).
		AddField(bluge.NewKeywordField("room", record.Room).StoreValue()).
		AddField(bluge.NewKeywordField("sender", string(record.Sender))).
		AddField(bluge.NewTextField("content", record.Content))
	a.batch.Update(doc.ID(), doc)
	return nil
}

// Flush commits the pending index batch. Search only sees flushed entries.
func (a *ArchiveRepository) Flush() error {
	if err := a.writer.Batch(a.batch); err != nil {
		return err
	}
	a.batch.Reset()
	return nil
}

// GetMessages pages backwards through a room's archive. Thanks to the
// padded timestamp in the key, entries are naturally sorted by time.
func (a *ArchiveRepository) GetMessages(room domain.RoomID, cursor *string) ([]ArchivedMessage, *string, error) {
	var rawMessages [][]byte
	var lastKey string

	err := a.db.View(func(txn *badger.Txn) error {
		prefixStr := fmt.Sprintf("msg:%s:", room)
		prefix := []byte(prefixStr)
		prefixLen := len(prefixStr)

		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			// Seek past the newest possible timestamp, then walk backwards.
			seekKey = append(prefix, []byte("9999999999999999999")...)
		default:
			seekKey = append(prefix, []byte(*cursor)...)
		}

		it.Seek(seekKey)
		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if a.limitMessages != nil && len(rawMessages) == *a.limitMessages {
				a.log.Debug(fmt.Sprintf("Maximum of %d messages reached", *a.limitMessages))
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[prefixLen:])
			if err := item.Value(func(value []byte) error {
				rawMessages = append(rawMessages, append([]byte(nil), value...))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	messages := make([]ArchivedMessage, 0, len(rawMessages))
	for _, raw := range rawMessages {
		var record ArchivedMessage
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, nil, err
		}
		messages = append(messages, record)
	}
	return messages, lo.ToPtr(lastKey), nil
}

// Search runs a full-text match over a room's archived content and returns
// matching message ids, best first.
func (a *ArchiveRepository) Search(ctx context.Context, room domain.RoomID, terms string, limit int) ([]uuid.UUID, error) {
	reader, err := a.writer.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	query := bluge.NewBooleanQuery().
		AddMust(bluge.NewMatchQuery(terms).SetField("content")).
		AddMust(bluge.NewTermQuery(string(room)).SetField("room"))

	iterator, err := reader.Search(ctx, bluge.NewTopNSearch(limit, query))
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for {
		match, err := iterator.Next()
		if err != nil {
			return nil, err
		}
		if match == nil {
			break
		}
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field == "_id" {
				if id, parseErr := uuid.Parse(string(value)); parseErr == nil {
					ids = append(ids, id)
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func toArchived(room domain.RoomID, msg domain.ChatMessage) ArchivedMessage {
	return ArchivedMessage{
		ID:      msg.ID,
		Room:    string(room),
		Sender:  msg.Sender,
		Content: msg.Content,
		IsBot:   msg.IsBot,
		IsError: msg.IsError,
		At:      msg.CreatedAt.UTC(),
	}
}
