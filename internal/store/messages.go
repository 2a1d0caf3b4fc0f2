package store

import (
	"context"
	"time"

	"github.com/vgabrielk/widget-sub001/internal/models"
)

// CreateMessage inserts a message. A repeated (room_id, client_id) yields ErrDuplicate.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	return translate(s.db.WithContext(ctx).Create(m).Error)
}

func (s *Store) GetMessageByClientID(ctx context.Context, roomID, clientID string) (*models.Message, error) {
	var m models.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND client_id = ?", roomID, clientID).
		First(&m).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// ListMessages returns the room's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, roomID string, after time.Time) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !after.IsZero() {
		q = q.Where("created_at > ?", after)
	}
	out := []models.Message{}
	err := q.Order("created_at ASC").Order("id ASC").Find(&out).Error
	return out, translate(err)
}

// ListImageMessages returns every message in the room that references an image.
func (s *Store) ListImageMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var out []models.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND (image_path <> '' OR image_url <> '')", roomID).
		Order("created_at ASC").
		Find(&out).Error
	return out, translate(err)
}

// UnreadMessages returns unread messages authored by any of the given senders.
func (s *Store) UnreadMessages(ctx context.Context, roomID string, senders []models.SenderType) ([]models.Message, error) {
	var out []models.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND is_read = ? AND sender_type IN ?", roomID, false, senders).
		Order("created_at ASC").
		Find(&out).Error
	return out, translate(err)
}

// MarkMessagesRead flips is_read on the given ids; already-read rows are left untouched.
func (s *Store) MarkMessagesRead(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id IN ? AND is_read = ?", ids, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at}).Error
	return translate(err)
}

// CountUnread counts unread messages authored by any of the given senders.
func (s *Store) CountUnread(ctx context.Context, roomID string, senders []models.SenderType) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("room_id = ? AND is_read = ? AND sender_type IN ?", roomID, false, senders).
		Count(&n).Error
	return n, translate(err)
}

// RefreshRoomUnread recomputes the room's agent-facing unread counter from the
// messages table in a single statement and returns the new value. Running it
// any number of times converges on the same result.
func (s *Store) RefreshRoomUnread(ctx context.Context, roomID string) (int, error) {
	err := s.db.WithContext(ctx).Exec(
		`UPDATE rooms SET unread_count = (
			SELECT COUNT(*) FROM messages
			WHERE messages.room_id = ? AND messages.is_read = ? AND messages.sender_type = ?
		) WHERE id = ?`,
		roomID, false, models.SenderVisitor, roomID,
	).Error
	if err != nil {
		return 0, translate(err)
	}
	var count int
	err = s.db.WithContext(ctx).Model(&models.Room{}).
		Select("unread_count").
		Where("id = ?", roomID).
		Scan(&count).Error
	return count, translate(err)
}
