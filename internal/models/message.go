package models

import "time"

// SenderType is the role of a message author.
type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAgent   SenderType = "agent"
	SenderSystem  SenderType = "system"
)

// ParseSender accepts "admin" as an alias of "agent".
func ParseSender(s string) (SenderType, bool) {
	switch s {
	case "visitor":
		return SenderVisitor, true
	case "agent", "admin":
		return SenderAgent, true
	case "system":
		return SenderSystem, true
	}
	return "", false
}

// MessageType tags the payload of a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageSystem MessageType = "system"
)

// Message is one entry of a room's ledger. Its ID is the dedup key for
// storage and realtime delivery.
type Message struct {
	// ID is the unique identifier for this message
	ID string `gorm:"type:varchar(36);primaryKey" json:"id"`

	// RoomID is the room this message belongs to
	RoomID string `gorm:"type:varchar(36);not null;index:idx_messages_room_created,priority:1" json:"room_id"`

	// ClientID is the sender-generated id used to reconcile optimistic copies and retries
	ClientID string `gorm:"type:varchar(64);not null;default:''" json:"client_id,omitempty"`

	SenderType SenderType `gorm:"type:varchar(16);not null" json:"sender_type"`
	SenderID   string     `gorm:"type:varchar(128)" json:"sender_id,omitempty"`
	SenderName string     `gorm:"size:255" json:"sender_name,omitempty"`

	Content   string `gorm:"type:text" json:"content,omitempty"`
	ImageURL  string `gorm:"size:2048" json:"image_url,omitempty"`
	ImageName string `gorm:"size:255" json:"image_name,omitempty"`
	// ImagePath is the object key in storage, used to purge images when the room closes
	ImagePath string `gorm:"size:1024" json:"image_path,omitempty"`

	MessageType MessageType `gorm:"type:varchar(16);not null;default:'text'" json:"message_type"`

	IsRead bool       `gorm:"not null;default:false" json:"is_read"`
	ReadAt *time.Time `json:"read_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;index:idx_messages_room_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// HasImage reports whether the message references a stored image.
func (m *Message) HasImage() bool { return m.ImageURL != "" || m.ImagePath != "" }

// SendMessageRequest is the request body for sending a message.
// Visitors set VisitorID; agents are identified by their token.
type SendMessageRequest struct {
	VisitorID   string      `json:"visitor_id,omitempty"`
	ClientID    string      `json:"client_id,omitempty"`
	SenderName  string      `json:"sender_name,omitempty"`
	VisitorName string      `json:"visitor_name,omitempty"`
	Content     string      `json:"content,omitempty"`
	ImageURL    string      `json:"image_url,omitempty"`
	ImageName   string      `json:"image_name,omitempty"`
	ImagePath   string      `json:"image_path,omitempty"`
	MessageType MessageType `json:"message_type,omitempty"`
}

// MessageResponse wraps a single message
type MessageResponse struct {
	Message Message `json:"message"`
}

// GetMessagesResponse is the response for fetching messages
type GetMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// UploadResponse is returned by the image upload endpoint
type UploadResponse struct {
	Success   bool   `json:"success"`
	ImageURL  string `json:"imageUrl"`
	ImageName string `json:"imageName"`
	FilePath  string `json:"filePath"`
}
