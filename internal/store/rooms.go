package store

import (
	"context"

	"github.com/vgabrielk/widget-sub001/internal/models"
)

func (s *Store) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var r models.Room
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// FindOpenRoom returns the newest open room for the pair, or ErrNotFound.
func (s *Store) FindOpenRoom(ctx context.Context, widgetID, visitorID string) (*models.Room, error) {
	var r models.Room
	err := s.db.WithContext(ctx).
		Where("widget_id = ? AND visitor_id = ? AND status = ?", widgetID, visitorID, models.RoomOpen).
		Order("created_at DESC").
		Limit(1).
		First(&r).Error
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// CreateRoom inserts a room. A concurrent open room for the same pair yields ErrDuplicate.
func (s *Store) CreateRoom(ctx context.Context, r *models.Room) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

// UpdateRoom applies column updates; ErrNotFound when no row matched.
func (s *Store) UpdateRoom(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRoomStatus flips status only when the room is currently in the expected state.
// It reports whether the transition happened.
func (s *Store) SetRoomStatus(ctx context.Context, id string, from, to models.RoomStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.Room{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListRooms returns rooms for a widget, most recently active first. An empty status lists all.
func (s *Store) ListRooms(ctx context.Context, widgetID string, status models.RoomStatus, limit int) ([]models.Room, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("widget_id = ?", widgetID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Room
	err := q.Order("last_activity DESC").Limit(limit).Find(&out).Error
	return out, translate(err)
}

// CountOpenRooms counts open rooms for the pair.
func (s *Store) CountOpenRooms(ctx context.Context, widgetID, visitorID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Room{}).
		Where("widget_id = ? AND visitor_id = ? AND status = ?", widgetID, visitorID, models.RoomOpen).
		Count(&n).Error
	return n, translate(err)
}
