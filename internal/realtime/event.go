// Package realtime carries change notifications for the message ledger.
//
// Publishers push Events; Sources open one Stream per room. The Registry sits
// on top of a Source and multiplexes a single Stream per room to any number
// of local listeners. Delivery is at-least-once and may reorder; consumers
// dedupe by message id and treat UPDATE as overwrite-by-id.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/vgabrielk/widget-sub001/internal/models"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// TableMessages is the only table streamed today.
const TableMessages = "messages"

var (
	ErrStreamClosed   = errors.New("realtime stream closed")
	ErrLagged         = errors.New("realtime stream lagged; events were dropped")
	ErrRegistryClosed = errors.New("realtime registry closed")
)

// Event is one change on the message ledger, scoped to a room.
type Event struct {
	Type            EventType      `json:"type"`
	Table           string         `json:"table"`
	RoomID          string         `json:"room_id"`
	Record          models.Message `json:"record"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
}

// MessageEvent builds an event for a message row.
func MessageEvent(t EventType, m models.Message) Event {
	return Event{
		Type:            t,
		Table:           TableMessages,
		RoomID:          m.RoomID,
		Record:          m,
		CommitTimestamp: time.Now().UTC(),
	}
}

// Publisher pushes events to whoever streams the event's room.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Stream is one underlying change-stream connection for a room.
// Events is closed when the connection ends. Implementations may also close
// it after Close; callers stop reading once they called Close.
type Stream interface {
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// Source opens change streams.
type Source interface {
	Open(ctx context.Context, roomID string) (Stream, error)
}
