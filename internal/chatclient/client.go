package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
	"github.com/vgabrielk/widget-sub001/internal/response"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Body       response.ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.Error != "" {
		return fmt.Sprintf("chat api: %d %s", e.StatusCode, e.Body.Error)
	}
	return fmt.Sprintf("chat api: status %d", e.StatusCode)
}

// IsBanned reports whether err is the server's ban rejection, and its reason.
func IsBanned(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Body.Banned {
		return apiErr.Body.Reason, true
	}
	return "", false
}

// Client calls the visitor endpoints of one widget on behalf of one visitor.
type Client struct {
	baseURL   string
	widgetID  string
	visitorID string
	// origin is sent as the Origin header, as a browser embedding the widget would
	origin     string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithOrigin sets the page origin the widget is embedded in.
func WithOrigin(origin string) ClientOption {
	return func(cl *Client) { cl.origin = origin }
}

func NewClient(baseURL, widgetID, visitorID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		widgetID:   widgetID,
		visitorID:  visitorID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) VisitorID() string { return c.visitorID }

func (c *Client) widgetPath(format string, args ...interface{}) string {
	return "/api/widgets/" + url.PathEscape(c.widgetID) + fmt.Sprintf(format, args...)
}

// doRequest sends a request and decodes a JSON answer into out (when non-nil).
func (c *Client) doRequest(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr.Body)
		return resp.StatusCode, apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	return c.doRequest(ctx, method, path, contentType, body, out)
}

// Track registers the visitor and refreshes their last-seen metadata.
func (c *Client) Track(ctx context.Context, pageURL, pageTitle string) (*models.Visitor, error) {
	var out models.TrackVisitorResponse
	_, err := c.doJSON(ctx, http.MethodPost, "/api/visitors/track", models.TrackVisitorRequest{
		VisitorID: c.visitorID, PageURL: pageURL, PageTitle: pageTitle,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Visitor, nil
}

// FindOrCreateRoom returns the visitor's open room; created is true for a new one.
func (c *Client) FindOrCreateRoom(ctx context.Context, info models.VisitorInfo) (*models.Room, bool, error) {
	var out models.RoomResponse
	status, err := c.doJSON(ctx, http.MethodPost, c.widgetPath("/rooms"), models.FindOrCreateRoomRequest{
		WidgetID:     c.widgetID,
		VisitorID:    c.visitorID,
		VisitorName:  info.Name,
		VisitorEmail: info.Email,
		PageURL:      info.PageURL,
		PageTitle:    info.PageTitle,
	}, &out)
	if err != nil {
		return nil, false, err
	}
	return &out.Room, status == http.StatusCreated, nil
}

// UpdateRoom sets the visitor's name and email on the room.
func (c *Client) UpdateRoom(ctx context.Context, roomID, name, email string) (*models.Room, error) {
	var out models.RoomResponse
	_, err := c.doJSON(ctx, http.MethodPatch, c.widgetPath("/rooms/%s", url.PathEscape(roomID)), models.UpdateRoomRequest{
		VisitorID: c.visitorID, VisitorName: name, VisitorEmail: email,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Room, nil
}

// ListMessages fetches the room's messages, optionally only those after a time.
func (c *Client) ListMessages(ctx context.Context, roomID string, after time.Time) ([]models.Message, error) {
	q := url.Values{"visitor_id": {c.visitorID}}
	if !after.IsZero() {
		q.Set("after", after.UTC().Format(time.RFC3339Nano))
	}
	var out models.GetMessagesResponse
	_, err := c.doJSON(ctx, http.MethodGet, c.widgetPath("/rooms/%s/messages?%s", url.PathEscape(roomID), q.Encode()), nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage appends a message as the visitor. VisitorID is filled in.
func (c *Client) SendMessage(ctx context.Context, roomID string, req models.SendMessageRequest) (*models.Message, error) {
	req.VisitorID = c.visitorID
	var out models.MessageResponse
	_, err := c.doJSON(ctx, http.MethodPost, c.widgetPath("/rooms/%s/messages", url.PathEscape(roomID)), req, &out)
	if err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// MarkRead marks the agent's messages as read and returns how many flipped.
func (c *Client) MarkRead(ctx context.Context, roomID string) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	_, err := c.doJSON(ctx, http.MethodPatch, c.widgetPath("/rooms/%s/read", url.PathEscape(roomID)),
		models.VisitorRequest{VisitorID: c.visitorID}, &out)
	return out.Updated, err
}

func (c *Client) Heartbeat(ctx context.Context, roomID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, c.widgetPath("/rooms/%s/heartbeat", url.PathEscape(roomID)),
		models.VisitorRequest{VisitorID: c.visitorID}, nil)
	return err
}

func (c *Client) Offline(ctx context.Context, roomID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, c.widgetPath("/rooms/%s/offline", url.PathEscape(roomID)),
		models.VisitorRequest{VisitorID: c.visitorID}, nil)
	return err
}

// Upload sends an image for the room and returns where it was stored.
func (c *Client) Upload(ctx context.Context, roomID, fileName, contentType string, data []byte) (*models.UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("roomId", roomID); err != nil {
		return nil, err
	}
	if err := mw.WriteField("visitorId", c.visitorID); err != nil {
		return nil, err
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out models.UploadResponse
	if _, err := c.doRequest(ctx, http.MethodPost, c.widgetPath("/uploads"), mw.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamSource opens room streams over the server's visitor websocket.
func (c *Client) StreamSource() *realtime.WSSource {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	header := http.Header{}
	if c.origin != "" {
		header.Set("Origin", c.origin)
	}
	return &realtime.WSSource{
		URLFor: func(roomID string) string {
			return fmt.Sprintf("%s/ws/widgets/%s/rooms/%s?visitor_id=%s",
				wsBase, url.PathEscape(c.widgetID), url.PathEscape(roomID), url.QueryEscape(c.visitorID))
		},
		Header: header,
	}
}
