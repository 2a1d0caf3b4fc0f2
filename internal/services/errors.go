package services

import (
	"context"
	"errors"
)

var (
	ErrWidgetNotFound  = errors.New("widget not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrVisitorNotFound = errors.New("visitor not found")
	ErrMissingVisitor  = errors.New("visitor_id is required")
	ErrNotRoomOwner    = errors.New("visitor does not own this room")
	ErrNotWidgetOwner  = errors.New("widget belongs to another account")
	ErrRoomClosed      = errors.New("room is closed")
	ErrInvalidState    = errors.New("action not valid for the room's current state")
	ErrEmptyMessage    = errors.New("message needs content or an image")
	ErrInvalidSender   = errors.New("invalid sender type")
	ErrForeignImage    = errors.New("image does not belong to this room")
)

// BannedError is returned whenever a banned visitor tries to open a room or
// send a message. Reason is the text stored with the ban.
type BannedError struct {
	VisitorID string
	Reason    string
}

func (e *BannedError) Error() string { return "visitor is banned" }

// AsBanned extracts a *BannedError from err, if any.
func AsBanned(err error) (*BannedError, bool) {
	var b *BannedError
	if errors.As(err, &b) {
		return b, true
	}
	return nil, false
}

// ObjectStorage is where chat images live.
type ObjectStorage interface {
	Upload(ctx context.Context, path, contentType string, data []byte) (string, error)
	Remove(ctx context.Context, paths []string) error
	PathFromURL(raw string) (string, bool)
}
