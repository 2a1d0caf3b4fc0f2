package models

import "time"

// RoomStatus is the two-state lifecycle of a conversation.
type RoomStatus string

const (
	RoomOpen   RoomStatus = "open"
	RoomClosed RoomStatus = "closed"
)

// Room is one conversation between a visitor and a tenant's widget.
// At most one open room exists per (widget_id, visitor_id); a partial unique
// index enforces it.
type Room struct {
	// ID is the unique identifier for the room
	ID string `gorm:"type:varchar(36);primaryKey" json:"id"`

	// WidgetID is the tenant that owns the conversation
	WidgetID string `gorm:"type:varchar(36);not null;index" json:"widget_id"`

	// VisitorID is the fingerprint of the visitor on the other end
	VisitorID string `gorm:"type:varchar(128);not null;index" json:"visitor_id"`

	// Visitor details captured opportunistically by the widget
	VisitorName  string `gorm:"size:255" json:"visitor_name,omitempty"`
	VisitorEmail string `gorm:"size:255" json:"visitor_email,omitempty"`
	PageURL      string `gorm:"size:2048" json:"page_url,omitempty"`
	PageTitle    string `gorm:"size:512" json:"page_title,omitempty"`

	Status RoomStatus `gorm:"type:varchar(16);not null;default:'open';index" json:"status"`

	// UnreadCount is the number of visitor messages the agent has not read.
	// It is always recomputed from the messages table, never incremented.
	UnreadCount int `gorm:"not null;default:0" json:"unread_count"`

	LastMessagePreview string     `gorm:"size:255" json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`

	// LastActivity is refreshed by heartbeats and back-dated when the visitor leaves
	LastActivity time.Time `gorm:"not null" json:"last_activity"`

	CreatedAt time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

func (Room) TableName() string { return "rooms" }

// IsOpen reports whether new visitor/agent messages may be appended.
func (r *Room) IsOpen() bool { return r.Status == RoomOpen }

// VisitorInfo is the optional visitor metadata merged into a room.
// Empty fields never overwrite stored values.
type VisitorInfo struct {
	Name      string `json:"visitor_name,omitempty"`
	Email     string `json:"visitor_email,omitempty"`
	PageURL   string `json:"page_url,omitempty"`
	PageTitle string `json:"page_title,omitempty"`
}

// FindOrCreateRoomRequest is the request body for the visitor room endpoint
type FindOrCreateRoomRequest struct {
	WidgetID     string `json:"widget_id"`
	VisitorID    string `json:"visitor_id"`
	VisitorName  string `json:"visitor_name,omitempty"`
	VisitorEmail string `json:"visitor_email,omitempty"`
	PageURL      string `json:"page_url,omitempty"`
	PageTitle    string `json:"page_title,omitempty"`
}

// Info extracts the mergeable visitor metadata.
func (r FindOrCreateRoomRequest) Info() VisitorInfo {
	return VisitorInfo{Name: r.VisitorName, Email: r.VisitorEmail, PageURL: r.PageURL, PageTitle: r.PageTitle}
}

// UpdateRoomRequest is the PATCH body a visitor uses to set their name/email
type UpdateRoomRequest struct {
	VisitorID    string `json:"visitor_id"`
	VisitorName  string `json:"visitor_name,omitempty"`
	VisitorEmail string `json:"visitor_email,omitempty"`
}

// VisitorRequest carries only the caller's visitor id (heartbeat, offline, mark read)
type VisitorRequest struct {
	VisitorID string `json:"visitor_id"`
}

// RoomResponse wraps a single room
type RoomResponse struct {
	Room Room `json:"room"`
}

// RoomView is a room as listed on the dashboard, with derived presence
type RoomView struct {
	Room
	VisitorOnline bool `json:"visitor_online"`
	VisitorBanned bool `json:"visitor_banned"`
}

// ListRoomsResponse is the dashboard room list
type ListRoomsResponse struct {
	Rooms []RoomView `json:"rooms"`
}
