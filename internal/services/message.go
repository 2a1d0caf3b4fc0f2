package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/metrics"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
	"github.com/vgabrielk/widget-sub001/internal/store"
)

const (
	previewLength = 100
	imagePreview  = "📷 Image"
)

// AppendInput describes one message to add to a room's ledger.
type AppendInput struct {
	WidgetID string
	RoomID   string

	Sender     models.SenderType
	SenderID   string
	SenderName string
	ClientID   string

	Content     string
	ImageURL    string
	ImageName   string
	ImagePath   string
	MessageType models.MessageType
}

// MessageService appends messages, keeps read state and publishes every
// change to the realtime bus.
type MessageService struct {
	store     *store.Store
	visitors  *VisitorService
	publisher realtime.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time
}

// NewMessageService creates a new MessageService instance. publisher may be nil.
func NewMessageService(st *store.Store, visitors *VisitorService, publisher realtime.Publisher, m *metrics.Metrics, log *logger.Logger) *MessageService {
	return &MessageService{
		store:     st,
		visitors:  visitors,
		publisher: publisher,
		metrics:   m,
		log:       log.With("service", "MessageService"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// roomInWidget loads a room and hides rooms of other tenants.
func roomInWidget(ctx context.Context, st *store.Store, widgetID, roomID string) (*models.Room, error) {
	room, err := st.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	if widgetID != "" && room.WidgetID != widgetID {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Append adds a message to the room. Visitor and agent messages require the
// room to be open; system messages do not. A retry carrying a client id that
// was already stored returns the stored message and created=false.
func (s *MessageService) Append(ctx context.Context, in AppendInput) (*models.Message, bool, error) {
	room, err := roomInWidget(ctx, s.store, in.WidgetID, in.RoomID)
	if err != nil {
		return nil, false, err
	}

	switch in.Sender {
	case models.SenderVisitor:
		if in.SenderID == "" {
			return nil, false, ErrMissingVisitor
		}
		if in.SenderID != room.VisitorID {
			return nil, false, ErrNotRoomOwner
		}
		if err := s.visitors.Check(ctx, in.SenderID); err != nil {
			return nil, false, err
		}
	case models.SenderAgent, models.SenderSystem:
	default:
		return nil, false, ErrInvalidSender
	}

	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" && in.ImageURL == "" {
		return nil, false, ErrEmptyMessage
	}
	if in.Sender != models.SenderSystem && !room.IsOpen() {
		return nil, false, ErrRoomClosed
	}
	// Closing a room deletes the objects its messages point at, so a message
	// may only reference images uploaded into this room.
	if in.ImagePath != "" && !inRoomFolder(room, in.ImagePath) {
		return nil, false, ErrForeignImage
	}

	if in.ClientID != "" {
		existing, err := s.store.GetMessageByClientID(ctx, room.ID, in.ClientID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	msg := &models.Message{
		ID:          uuid.New().String(),
		RoomID:      room.ID,
		ClientID:    in.ClientID,
		SenderType:  in.Sender,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		Content:     in.Content,
		ImageURL:    in.ImageURL,
		ImageName:   in.ImageName,
		ImagePath:   in.ImagePath,
		MessageType: messageType(in),
		CreatedAt:   s.now(),
	}
	if msg.SenderType == models.SenderVisitor && msg.SenderName == "" {
		msg.SenderName = room.VisitorName
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) && in.ClientID != "" {
			existing, gerr := s.store.GetMessageByClientID(ctx, room.ID, in.ClientID)
			if gerr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	s.touchRoom(ctx, room, msg)
	if msg.SenderType == models.SenderVisitor {
		if _, err := s.store.RefreshRoomUnread(ctx, room.ID); err != nil {
			s.log.Warn("Failed to refresh unread count", "room_id", room.ID, "error", err)
		}
	}
	s.publish(ctx, realtime.EventInsert, *msg)
	s.metrics.RecordMessage(string(msg.SenderType))

	return msg, true, nil
}

// AppendSystem records a system note in the room regardless of its status.
func (s *MessageService) AppendSystem(ctx context.Context, room *models.Room, content string) (*models.Message, error) {
	msg, _, err := s.Append(ctx, AppendInput{
		WidgetID:    room.WidgetID,
		RoomID:      room.ID,
		Sender:      models.SenderSystem,
		SenderName:  "System",
		Content:     content,
		MessageType: models.MessageSystem,
	})
	return msg, err
}

func messageType(in AppendInput) models.MessageType {
	if in.Sender == models.SenderSystem {
		return models.MessageSystem
	}
	switch in.MessageType {
	case models.MessageText, models.MessageImage:
		return in.MessageType
	}
	if in.ImageURL != "" {
		return models.MessageImage
	}
	return models.MessageText
}

// touchRoom refreshes the room's preview fields. Failures are logged only.
func (s *MessageService) touchRoom(ctx context.Context, room *models.Room, msg *models.Message) {
	updates := map[string]interface{}{
		"last_message_at":      msg.CreatedAt,
		"last_message_preview": preview(msg),
	}
	if msg.SenderType == models.SenderVisitor {
		updates["last_activity"] = msg.CreatedAt
	}
	if err := s.store.UpdateRoom(ctx, room.ID, updates); err != nil {
		s.log.Warn("Failed to update room preview", "room_id", room.ID, "error", err)
	}
}

func preview(msg *models.Message) string {
	if msg.Content == "" {
		return imagePreview
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	runes := []rune(msg.Content)
	return string(runes[:previewLength]) + "..."
}

func (s *MessageService) publish(ctx context.Context, t realtime.EventType, msg models.Message) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, realtime.MessageEvent(t, msg)); err != nil {
		s.metrics.RecordPublishError()
		s.log.Warn("Failed to publish message event", "room_id", msg.RoomID, "message_id", msg.ID, "error", err)
	}
}

// List returns the room's messages in creation order. When visitorID is set
// the caller must own the room.
func (s *MessageService) List(ctx context.Context, widgetID, roomID, visitorID string, after time.Time) ([]models.Message, error) {
	room, err := roomInWidget(ctx, s.store, widgetID, roomID)
	if err != nil {
		return nil, err
	}
	if visitorID != "" && room.VisitorID != visitorID {
		return nil, ErrNotRoomOwner
	}
	return s.store.ListMessages(ctx, room.ID, after)
}

// MarkRead marks every message the reader has not yet read as read and
// returns how many flipped. For the agent it also recomputes the room's
// unread counter, which ends at zero. Calling it again is a no-op.
func (s *MessageService) MarkRead(ctx context.Context, widgetID, roomID string, reader models.SenderType, visitorID string) (int, error) {
	room, err := roomInWidget(ctx, s.store, widgetID, roomID)
	if err != nil {
		return 0, err
	}
	if reader == models.SenderVisitor && room.VisitorID != visitorID {
		return 0, ErrNotRoomOwner
	}
	authors, ok := unreadAuthors(reader)
	if !ok {
		return 0, ErrInvalidSender
	}

	unread, err := s.store.UnreadMessages(ctx, room.ID, authors)
	if err != nil {
		return 0, err
	}
	now := s.now()
	ids := make([]string, 0, len(unread))
	for _, m := range unread {
		ids = append(ids, m.ID)
	}
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.MarkMessagesRead(ctx, ids, now); err != nil {
			return err
		}
		if reader == models.SenderAgent {
			_, err := tx.RefreshRoomUnread(ctx, room.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, m := range unread {
		m.IsRead = true
		m.ReadAt = &now
		s.publish(ctx, realtime.EventUpdate, m)
	}
	return len(unread), nil
}

// unreadAuthors is the sender role whose messages are unread to reader.
func unreadAuthors(reader models.SenderType) ([]models.SenderType, bool) {
	switch reader {
	case models.SenderAgent:
		return []models.SenderType{models.SenderVisitor}, true
	case models.SenderVisitor:
		return []models.SenderType{models.SenderAgent}, true
	}
	return nil, false
}

// UnreadCountFor counts messages authored by the other party that reader has
// not marked read, straight from the messages table.
func (s *MessageService) UnreadCountFor(ctx context.Context, room *models.Room, reader models.SenderType) (int, error) {
	authors, ok := unreadAuthors(reader)
	if !ok {
		return 0, ErrInvalidSender
	}
	n, err := s.store.CountUnread(ctx, room.ID, authors)
	return int(n), err
}

// RefreshUnread recomputes the room's agent-facing counter from the ledger.
func (s *MessageService) RefreshUnread(ctx context.Context, roomID string) (int, error) {
	return s.store.RefreshRoomUnread(ctx, roomID)
}
