package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Widget is a tenant's embeddable chat configuration.
type Widget struct {
	ID      string `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID string `gorm:"type:varchar(128);not null;index" json:"owner_id"`
	Name    string `gorm:"size:255;not null" json:"name"`

	// WelcomeMessage is shown by the widget before the first message
	WelcomeMessage string `gorm:"size:1024" json:"welcome_message,omitempty"`

	// AllowedDomains is a JSON array of hostnames; empty means any origin
	AllowedDomains datatypes.JSON `json:"allowed_domains"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Widget) TableName() string { return "widgets" }

// Domains decodes AllowedDomains, skipping blanks. A column that does not
// hold a JSON array is an error, never an empty list.
func (w *Widget) Domains() ([]string, error) {
	if len(w.AllowedDomains) == 0 {
		return nil, nil
	}
	var raw []string
	if err := json.Unmarshal(w.AllowedDomains, &raw); err != nil {
		return nil, fmt.Errorf("widget %s allowed_domains: %w", w.ID, err)
	}
	out := raw[:0]
	for _, d := range raw {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetDomains encodes the allow-list.
func (w *Widget) SetDomains(domains []string) {
	if domains == nil {
		domains = []string{}
	}
	raw, _ := json.Marshal(domains)
	w.AllowedDomains = datatypes.JSON(raw)
}

// WidgetRequest creates or updates a widget
type WidgetRequest struct {
	Name           string   `json:"name"`
	WelcomeMessage string   `json:"welcome_message,omitempty"`
	AllowedDomains []string `json:"allowed_domains"`
}

// WidgetResponse wraps a single widget
type WidgetResponse struct {
	Widget Widget `json:"widget"`
}

// PublicWidgetConfig is what the embedded widget may read anonymously
type PublicWidgetConfig struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	WelcomeMessage string `json:"welcome_message,omitempty"`
}
