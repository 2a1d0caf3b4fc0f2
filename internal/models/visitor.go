package models

import (
	"time"

	"gorm.io/datatypes"
)

// Visitor is an anonymous end-user identified by a client-persisted fingerprint.
type Visitor struct {
	// VisitorID is the stable, globally unique client fingerprint
	VisitorID string `gorm:"type:varchar(128);primaryKey" json:"visitor_id"`

	// FingerprintData is whatever the widget collected to build the fingerprint
	FingerprintData datatypes.JSON `json:"fingerprint_data,omitempty"`

	IPAddress     string `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent     string `gorm:"size:512" json:"user_agent,omitempty"`
	LastPageURL   string `gorm:"size:2048" json:"last_page_url,omitempty"`
	LastPageTitle string `gorm:"size:512" json:"last_page_title,omitempty"`

	FirstSeenAt  time.Time `gorm:"not null" json:"first_seen_at"`
	LastSeenAt   time.Time `gorm:"not null" json:"last_seen_at"`
	SessionCount int       `gorm:"not null;default:1" json:"session_count"`

	IsBanned  bool       `gorm:"not null;default:false;index" json:"is_banned"`
	BanReason string     `gorm:"size:512" json:"ban_reason,omitempty"`
	BannedAt  *time.Time `json:"banned_at,omitempty"`
}

func (Visitor) TableName() string { return "visitors" }

// VisitorContext is the request metadata refreshed on every contact.
type VisitorContext struct {
	IPAddress       string
	UserAgent       string
	PageURL         string
	PageTitle       string
	FingerprintData datatypes.JSON
}

// TrackVisitorRequest is the body of POST /api/visitors/track
type TrackVisitorRequest struct {
	VisitorID       string         `json:"visitor_id"`
	FingerprintData datatypes.JSON `json:"fingerprint_data,omitempty"`
	PageURL         string         `json:"page_url,omitempty"`
	PageTitle       string         `json:"page_title,omitempty"`
}

// TrackVisitorResponse is returned after a successful track call
type TrackVisitorResponse struct {
	Visitor Visitor `json:"visitor"`
	Banned  bool    `json:"banned"`
}

// VisitorStatusResponse answers GET /api/visitors/track
type VisitorStatusResponse struct {
	Banned bool   `json:"banned"`
	Reason string `json:"reason,omitempty"`
	Exists bool   `json:"exists"`
}

// BanRequest is the agent-issued ban/unban body
type BanRequest struct {
	Banned bool   `json:"banned"`
	Reason string `json:"reason,omitempty"`
}

// VisitorResponse wraps a single visitor
type VisitorResponse struct {
	Visitor Visitor `json:"visitor"`
}
