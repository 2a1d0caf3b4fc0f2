package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vgabrielk/widget-sub001/internal/config"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
)

// Client is a wrapper around the Supabase Storage and Realtime REST APIs.
// It uses the service role key for backend operations with elevated privileges.
type Client struct {
	baseURL    string
	apiKey     string
	bucket     string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a new Supabase client with the given configuration.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.SupabaseURL, "/"),
		apiKey:  cfg.SupabaseKey,
		bucket:  cfg.StorageBucket,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.With("service", "SupabaseClient"),
	}
}

// doRequest executes an HTTP request against the Supabase API.
// It adds authentication headers and turns 4xx/5xx into errors.
func (c *Client) doRequest(ctx context.Context, method, endpoint, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("supabase error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.doRequest(ctx, method, endpoint, "application/json", bytes.NewReader(jsonBody))
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// Upload stores data at path in the configured bucket and returns its public URL.
func (c *Client) Upload(ctx context.Context, path, contentType string, data []byte) (string, error) {
	endpoint := fmt.Sprintf("/storage/v1/object/%s/%s", c.bucket, escapePath(path))
	if _, err := c.doRequest(ctx, http.MethodPost, endpoint, contentType, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return c.PublicURL(path), nil
}

// Remove deletes objects from the bucket. Missing objects are not an error.
func (c *Client) Remove(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("/storage/v1/object/%s", c.bucket)
	_, err := c.doJSON(ctx, http.MethodDelete, endpoint, map[string]any{"prefixes": paths})
	return err
}

// PublicURL is the unauthenticated download address of an object.
func (c *Client) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, c.bucket, escapePath(path))
}

// PathFromURL recovers the object key from a public URL produced by PublicURL.
func (c *Client) PathFromURL(raw string) (string, bool) {
	prefix := fmt.Sprintf("%s/storage/v1/object/public/%s/", c.baseURL, c.bucket)
	if !strings.HasPrefix(raw, prefix) {
		return "", false
	}
	p, err := url.PathUnescape(strings.TrimPrefix(raw, prefix))
	if err != nil || p == "" {
		return "", false
	}
	return p, true
}

// Publish mirrors a message event as a Supabase Realtime Broadcast on the
// room's topic, so clients subscribed through Supabase see it too.
// This uses the Realtime REST API so no WebSocket connection is needed.
func (c *Client) Publish(ctx context.Context, ev realtime.Event) error {
	payload := map[string]any{
		"messages": []map[string]any{
			{
				"topic":   fmt.Sprintf("room:%s", ev.RoomID),
				"event":   strings.ToLower(string(ev.Type)),
				"payload": ev,
			},
		},
	}

	if _, err := c.doJSON(ctx, http.MethodPost, "/realtime/v1/api/broadcast", payload); err != nil {
		c.log.Warn("Broadcast failed", "room_id", ev.RoomID, "type", ev.Type, "error", err)
		return fmt.Errorf("broadcast: %w", err)
	}
	c.log.Debug("Broadcast sent", "room_id", ev.RoomID, "type", ev.Type)
	return nil
}
