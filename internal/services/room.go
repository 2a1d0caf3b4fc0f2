package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/metrics"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/store"
)

const (
	closedNotice = "Conversation closed"
	// How far MarkOffline pushes last_activity into the past.
	offlineBackdate = 10 * time.Minute
)

// RoomService owns the open/closed lifecycle of conversations.
// It acts as an intermediary between HTTP handlers and the database.
type RoomService struct {
	store    *store.Store
	storage  ObjectStorage
	visitors *VisitorService
	messages *MessageService
	metrics  *metrics.Metrics
	log      *logger.Logger

	presenceWindow time.Duration
	now            func() time.Time
}

// NewRoomService creates a new RoomService instance. storage may be nil, in
// which case closing a room skips the image purge.
func NewRoomService(st *store.Store, storage ObjectStorage, visitors *VisitorService, messages *MessageService, m *metrics.Metrics, presenceWindow time.Duration, log *logger.Logger) *RoomService {
	if presenceWindow <= 0 {
		presenceWindow = time.Minute
	}
	return &RoomService{
		store:          st,
		storage:        storage,
		visitors:       visitors,
		messages:       messages,
		metrics:        m,
		log:            log.With("service", "RoomService"),
		presenceWindow: presenceWindow,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// FindOrCreate returns the visitor's open room for the widget, creating it
// when none exists. created reports whether a new room was inserted.
//
// The insert is guarded by a partial unique index on open rooms; losing a
// race against an identical request falls back to reading the winner's row.
func (s *RoomService) FindOrCreate(ctx context.Context, widgetID, visitorID string, info models.VisitorInfo, vc models.VisitorContext) (*models.Room, bool, error) {
	widgetID = strings.TrimSpace(widgetID)
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return nil, false, ErrMissingVisitor
	}
	if _, err := s.store.GetWidget(ctx, widgetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, ErrWidgetNotFound
		}
		return nil, false, err
	}
	if vc.PageURL == "" {
		vc.PageURL, vc.PageTitle = info.PageURL, info.PageTitle
	}
	if _, err := s.visitors.ResolveOrCreate(ctx, visitorID, vc); err != nil {
		return nil, false, err
	}

	room, err := s.store.FindOpenRoom(ctx, widgetID, visitorID)
	if err == nil {
		return s.reuse(ctx, room, info)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := s.now()
	room = &models.Room{
		ID:           uuid.New().String(),
		WidgetID:     widgetID,
		VisitorID:    visitorID,
		VisitorName:  info.Name,
		VisitorEmail: info.Email,
		PageURL:      info.PageURL,
		PageTitle:    info.PageTitle,
		Status:       models.RoomOpen,
		LastActivity: now,
		CreatedAt:    now,
	}
	err = s.store.CreateRoom(ctx, room)
	if errors.Is(err, store.ErrDuplicate) {
		existing, ferr := s.store.FindOpenRoom(ctx, widgetID, visitorID)
		if ferr != nil {
			return nil, false, ferr
		}
		s.log.Debug("Open room created concurrently, reusing it", "room_id", existing.ID, "visitor_id", visitorID)
		return s.reuse(ctx, existing, info)
	}
	if err != nil {
		return nil, false, err
	}

	s.metrics.RecordRoomCreated()
	s.log.Info("Room created", "room_id", room.ID, "widget_id", widgetID, "visitor_id", visitorID)
	return room, true, nil
}

// reuse merges non-empty visitor details into an existing room and refreshes its activity.
func (s *RoomService) reuse(ctx context.Context, room *models.Room, info models.VisitorInfo) (*models.Room, bool, error) {
	updates := mergeInfo(room, info)
	now := s.now()
	updates["last_activity"] = now
	if err := s.store.UpdateRoom(ctx, room.ID, updates); err != nil {
		return nil, false, err
	}
	room.LastActivity = now
	return room, false, nil
}

// mergeInfo applies the non-empty fields of info to room and returns the column updates.
func mergeInfo(room *models.Room, info models.VisitorInfo) map[string]interface{} {
	updates := map[string]interface{}{}
	if v := strings.TrimSpace(info.Name); v != "" {
		room.VisitorName = v
		updates["visitor_name"] = v
	}
	if v := strings.TrimSpace(info.Email); v != "" {
		room.VisitorEmail = v
		updates["visitor_email"] = v
	}
	if v := strings.TrimSpace(info.PageURL); v != "" {
		room.PageURL = v
		updates["page_url"] = v
	}
	if v := strings.TrimSpace(info.PageTitle); v != "" {
		room.PageTitle = v
		updates["page_title"] = v
	}
	return updates
}

// Get loads a room of the widget.
func (s *RoomService) Get(ctx context.Context, widgetID, roomID string) (*models.Room, error) {
	return roomInWidget(ctx, s.store, widgetID, roomID)
}

// GetForVisitor loads a room and checks the visitor owns it.
func (s *RoomService) GetForVisitor(ctx context.Context, widgetID, roomID, visitorID string) (*models.Room, error) {
	if visitorID == "" {
		return nil, ErrMissingVisitor
	}
	room, err := roomInWidget(ctx, s.store, widgetID, roomID)
	if err != nil {
		return nil, err
	}
	if room.VisitorID != visitorID {
		return nil, ErrNotRoomOwner
	}
	return room, nil
}

// UpdateVisitorInfo lets the owning visitor set their name and email.
func (s *RoomService) UpdateVisitorInfo(ctx context.Context, widgetID, roomID string, req models.UpdateRoomRequest) (*models.Room, error) {
	room, err := s.GetForVisitor(ctx, widgetID, roomID, req.VisitorID)
	if err != nil {
		return nil, err
	}
	updates := mergeInfo(room, models.VisitorInfo{Name: req.VisitorName, Email: req.VisitorEmail})
	if len(updates) == 0 {
		return room, nil
	}
	if err := s.store.UpdateRoom(ctx, room.ID, updates); err != nil {
		return nil, err
	}
	return room, nil
}

// Close appends a system notice, flips the room to closed and then purges
// its stored images. Closing a closed room is ErrInvalidState.
// Images are purged after the flip, when no new image message can land.
func (s *RoomService) Close(ctx context.Context, widgetID, roomID string) (*models.Room, error) {
	room, err := roomInWidget(ctx, s.store, widgetID, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsOpen() {
		return nil, ErrInvalidState
	}

	if _, err := s.messages.AppendSystem(ctx, room, closedNotice); err != nil {
		return nil, err
	}

	now := s.now()
	ok, err := s.store.SetRoomStatus(ctx, room.ID, models.RoomOpen, models.RoomClosed, map[string]interface{}{
		"closed_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}

	purged := s.purgeImages(ctx, room)

	s.metrics.RecordRoomClosed(purged)
	s.log.Info("Room closed", "room_id", room.ID, "images_purged", purged)
	return s.store.GetRoom(ctx, room.ID)
}

// purgeImages deletes the stored objects referenced by the room's messages
// and returns how many were removed. Only keys inside the room's own folder
// are touched. Storage failures are logged, not fatal.
func (s *RoomService) purgeImages(ctx context.Context, room *models.Room) int {
	if s.storage == nil {
		return 0
	}
	roomID := room.ID
	msgs, err := s.store.ListImageMessages(ctx, roomID)
	if err != nil {
		s.log.Warn("Failed to list image messages", "room_id", roomID, "error", err)
		return 0
	}
	seen := make(map[string]bool)
	paths := make([]string, 0, len(msgs))
	for _, m := range msgs {
		p := m.ImagePath
		if p == "" {
			p, _ = s.storage.PathFromURL(m.ImageURL)
		}
		if p == "" || seen[p] {
			continue
		}
		if !inRoomFolder(room, p) {
			s.log.Warn("Skipping image outside the room folder", "room_id", roomID, "message_id", m.ID, "path", p)
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return 0
	}
	if err := s.storage.Remove(ctx, paths); err != nil {
		s.log.Warn("Failed to purge room images", "room_id", roomID, "count", len(paths), "error", err)
		return 0
	}
	return len(paths)
}

// Reopen flips a closed room back to open. It fails with ErrInvalidState when
// the room is open, or when the visitor already started another open room.
func (s *RoomService) Reopen(ctx context.Context, widgetID, roomID string) (*models.Room, error) {
	room, err := roomInWidget(ctx, s.store, widgetID, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsOpen() {
		return nil, ErrInvalidState
	}
	ok, err := s.store.SetRoomStatus(ctx, room.ID, models.RoomClosed, models.RoomOpen, map[string]interface{}{
		"closed_at": nil,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}
	s.log.Info("Room reopened", "room_id", room.ID)
	return s.store.GetRoom(ctx, room.ID)
}

// Heartbeat marks the visitor as present.
func (s *RoomService) Heartbeat(ctx context.Context, widgetID, roomID, visitorID string) error {
	room, err := s.GetForVisitor(ctx, widgetID, roomID, visitorID)
	if err != nil {
		return err
	}
	return s.store.UpdateRoom(ctx, room.ID, map[string]interface{}{"last_activity": s.now()})
}

// MarkOffline back-dates last_activity so the visitor shows offline at once.
func (s *RoomService) MarkOffline(ctx context.Context, widgetID, roomID, visitorID string) error {
	room, err := s.GetForVisitor(ctx, widgetID, roomID, visitorID)
	if err != nil {
		return err
	}
	past := s.now().Add(-s.presenceWindow - offlineBackdate)
	return s.store.UpdateRoom(ctx, room.ID, map[string]interface{}{"last_activity": past})
}

// IsOnline derives presence from the room's last activity.
func (s *RoomService) IsOnline(room *models.Room) bool {
	return s.now().Sub(room.LastActivity) <= s.presenceWindow
}

// ListForWidget returns the widget's rooms, most recent activity first, with
// presence and ban flags filled in.
func (s *RoomService) ListForWidget(ctx context.Context, widgetID string, status models.RoomStatus, limit int) ([]models.RoomView, error) {
	switch status {
	case "", models.RoomOpen, models.RoomClosed:
	default:
		return nil, ErrInvalidState
	}
	rooms, err := s.store.ListRooms(ctx, widgetID, status, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.VisitorID)
	}
	banned, err := s.store.BannedAmong(ctx, ids)
	if err != nil {
		s.log.Warn("Failed to load ban flags", "widget_id", widgetID, "error", err)
		banned = map[string]bool{}
	}

	out := make([]models.RoomView, 0, len(rooms))
	for i := range rooms {
		out = append(out, models.RoomView{
			Room:          rooms[i],
			VisitorOnline: rooms[i].IsOpen() && s.IsOnline(&rooms[i]),
			VisitorBanned: banned[rooms[i].VisitorID],
		})
	}
	return out, nil
}
