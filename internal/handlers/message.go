package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vgabrielk/widget-sub001/internal/apierr"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/response"
	"github.com/vgabrielk/widget-sub001/internal/services"
)

// MessageHandler contains HTTP handlers for message operations, for both
// sides of the conversation. Reads double as a polling fallback when the
// websocket is unavailable.
type MessageHandler struct {
	messages *services.MessageService
	log      *logger.Logger
}

// NewMessageHandler creates a new MessageHandler instance.
func NewMessageHandler(messages *services.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, log: log}
}

// MarkReadResponse reports how many messages flipped to read.
type MarkReadResponse struct {
	Success bool `json:"success"`
	Updated int  `json:"updated"`
}

// parseAfter reads the optional 'after' query param used for incremental polling.
func parseAfter(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, apierr.Validation("invalid 'after' timestamp format")
	}
	return t, nil
}

func (h *MessageHandler) list(w http.ResponseWriter, r *http.Request, visitorID string) {
	after, err := parseAfter(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	msgs, err := h.messages.List(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"), visitorID, after)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	response.JSON(w, http.StatusOK, models.GetMessagesResponse{Messages: msgs})
}

func (h *MessageHandler) appendMessage(w http.ResponseWriter, r *http.Request, in services.AppendInput) {
	msg, created, err := h.messages.Append(r.Context(), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	status := http.StatusCreated
	if !created {
		// Retried client id; the original row is returned unchanged.
		status = http.StatusOK
	}
	response.JSON(w, status, models.MessageResponse{Message: *msg})
}

// VisitorList handles GET /api/widgets/{widgetID}/rooms/{roomID}/messages?visitor_id=
// Query params:
//   - after: RFC 3339 timestamp to get messages after (for polling)
func (h *MessageHandler) VisitorList(w http.ResponseWriter, r *http.Request) {
	visitorID := strings.TrimSpace(r.URL.Query().Get("visitor_id"))
	if visitorID == "" {
		writeError(w, r, h.log, services.ErrMissingVisitor)
		return
	}
	h.list(w, r, visitorID)
}

// VisitorSend handles POST /api/widgets/{widgetID}/rooms/{roomID}/messages
func (h *MessageHandler) VisitorSend(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if strings.TrimSpace(req.VisitorID) == "" {
		writeError(w, r, h.log, services.ErrMissingVisitor)
		return
	}
	name := req.SenderName
	if name == "" {
		name = req.VisitorName
	}
	h.appendMessage(w, r, services.AppendInput{
		WidgetID:    chi.URLParam(r, "widgetID"),
		RoomID:      chi.URLParam(r, "roomID"),
		Sender:      models.SenderVisitor,
		SenderID:    req.VisitorID,
		SenderName:  name,
		ClientID:    req.ClientID,
		Content:     req.Content,
		ImageURL:    req.ImageURL,
		ImageName:   req.ImageName,
		ImagePath:   req.ImagePath,
		MessageType: req.MessageType,
	})
}

// VisitorMarkRead handles PATCH /api/widgets/{widgetID}/rooms/{roomID}/read
// Marks the agent's messages as read by the visitor.
func (h *MessageHandler) VisitorMarkRead(w http.ResponseWriter, r *http.Request) {
	var req models.VisitorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if strings.TrimSpace(req.VisitorID) == "" {
		writeError(w, r, h.log, services.ErrMissingVisitor)
		return
	}
	h.markRead(w, r, models.SenderVisitor, req.VisitorID)
}

// AgentList handles GET /api/dashboard/widgets/{widgetID}/rooms/{roomID}/messages
func (h *MessageHandler) AgentList(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "")
}

// AgentSend handles POST /api/dashboard/widgets/{widgetID}/rooms/{roomID}/messages
// Agents must send text.
func (h *MessageHandler) AgentSend(w http.ResponseWriter, r *http.Request) {
	agent, err := currentAgent(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	var req models.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, h.log, apierr.Validation("content is required"))
		return
	}
	name := req.SenderName
	if name == "" {
		name = agent.Name
	}
	h.appendMessage(w, r, services.AppendInput{
		WidgetID:    chi.URLParam(r, "widgetID"),
		RoomID:      chi.URLParam(r, "roomID"),
		Sender:      models.SenderAgent,
		SenderID:    agent.ID,
		SenderName:  name,
		ClientID:    req.ClientID,
		Content:     req.Content,
		MessageType: models.MessageText,
	})
}

// AgentMarkRead handles PATCH /api/dashboard/widgets/{widgetID}/rooms/{roomID}/read
// Marks the visitor's messages as read and resets the room's unread counter.
func (h *MessageHandler) AgentMarkRead(w http.ResponseWriter, r *http.Request) {
	h.markRead(w, r, models.SenderAgent, "")
}

func (h *MessageHandler) markRead(w http.ResponseWriter, r *http.Request, reader models.SenderType, visitorID string) {
	n, err := h.messages.MarkRead(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"), reader, visitorID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, MarkReadResponse{Success: true, Updated: n})
}
