package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/vgabrielk/widget-sub001/internal/auth"
	"github.com/vgabrielk/widget-sub001/internal/limiter"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/metrics"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
	"github.com/vgabrielk/widget-sub001/internal/response"
	"github.com/vgabrielk/widget-sub001/internal/services"
	"github.com/vgabrielk/widget-sub001/internal/store"
	"github.com/vgabrielk/widget-sub001/internal/websocket"
)

const shopOrigin = "https://shop.example.com"

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStorage) Upload(ctx context.Context, path, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	return "https://files.test/" + path, nil
}

func (m *memStorage) Remove(ctx context.Context, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.objects, p)
	}
	return nil
}

func (m *memStorage) PathFromURL(raw string) (string, bool) {
	p := strings.TrimPrefix(raw, "https://files.test/")
	return p, p != raw
}

func (m *memStorage) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type apiEnv struct {
	server  *httptest.Server
	storage *memStorage
	authn   *auth.Authenticator
	widget  *models.Widget
	token   string
}

func setupAPI(t *testing.T, uploadLimit int) *apiEnv {
	t.Helper()
	log := logger.NewNop()
	st, err := store.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	broker := realtime.NewBroker()
	registry := realtime.NewRegistry(broker, log)
	hub := websocket.NewHub(registry, log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	m := metrics.New()
	storage := &memStorage{objects: make(map[string][]byte)}
	visitors := services.NewVisitorService(st, log, m)
	messages := services.NewMessageService(st, visitors, broker, m, log)
	rooms := services.NewRoomService(st, storage, visitors, messages, m, time.Minute, log)
	widgets := services.NewWidgetService(st, log)
	authn := auth.New("test-secret", time.Hour)

	router := NewRouter(Deps{
		Log:              log,
		Metrics:          m,
		DB:               st,
		Auth:             authn,
		Widgets:          widgets,
		Visitors:         visitors,
		Rooms:            rooms,
		Messages:         messages,
		Uploads:          services.NewUploadService(st, storage, visitors, m, log),
		UploadLimiter:    limiter.NewFixedWindow(uploadLimit, time.Minute),
		WebSocket:        websocket.NewHandler(hub),
		DashboardOrigins: []string{"http://localhost:5173"},
	})
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		cancel()
		registry.Close()
		_ = st.Close()
	})

	widget, err := widgets.Create(context.Background(), "agent-1", models.WidgetRequest{Name: "Support", AllowedDomains: []string{"shop.example.com"}})
	if err != nil {
		t.Fatalf("create widget: %v", err)
	}
	token, err := authn.Issue(auth.Agent{ID: "agent-1", Name: "Dana"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return &apiEnv{server: server, storage: storage, authn: authn, widget: widget, token: token}
}

// visitor sends a request the way the embedded widget does.
func (e *apiEnv) visitor(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	return e.do(t, method, path, body, http.Header{"Origin": {shopOrigin}})
}

func (e *apiEnv) agent(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	return e.do(t, method, path, body, http.Header{"Authorization": {"Bearer " + e.token}})
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}, header http.Header) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d (%s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func (e *apiEnv) openRoom(t *testing.T, visitorID string) models.Room {
	t.Helper()
	resp := e.visitor(t, http.MethodPost, "/api/widgets/"+e.widget.ID+"/rooms", map[string]string{"visitor_id": visitorID})
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		expectStatus(t, resp, http.StatusCreated)
	}
	return decode[models.RoomResponse](t, resp).Room
}

func pngBytes(n int) []byte {
	data := make([]byte, n)
	copy(data, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
	return data
}

func (e *apiEnv) upload(t *testing.T, roomID, contentType string, data []byte) *http.Response {
	t.Helper()
	return e.uploadFrom(t, shopOrigin, roomID, contentType, data)
}

// uploadFrom posts a multipart image; an empty origin sends no Origin header.
func (e *apiEnv) uploadFrom(t *testing.T, origin, roomID, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("roomId", roomID)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="shot.png"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(data)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, e.server.URL+"/api/widgets/"+e.widget.ID+"/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestVisitorConversationFlow(t *testing.T) {
	e := setupAPI(t, 10)
	base := "/api/widgets/" + e.widget.ID

	resp := e.visitor(t, http.MethodPost, "/api/visitors/track", map[string]string{"visitor_id": "v1", "page_url": "https://shop.example.com/cart"})
	expectStatus(t, resp, http.StatusOK)
	if tr := decode[models.TrackVisitorResponse](t, resp); tr.Banned || tr.Visitor.VisitorID != "v1" {
		t.Fatalf("unexpected track response %+v", tr)
	}

	resp = e.visitor(t, http.MethodPost, base+"/rooms", map[string]string{"visitor_id": "v1", "visitor_name": "Ana"})
	expectStatus(t, resp, http.StatusCreated)
	room := decode[models.RoomResponse](t, resp).Room

	resp = e.visitor(t, http.MethodPost, base+"/rooms", map[string]string{"visitor_id": "v1"})
	expectStatus(t, resp, http.StatusOK)
	if again := decode[models.RoomResponse](t, resp).Room; again.ID != room.ID || again.VisitorName != "Ana" {
		t.Fatalf("room not reused: %+v", again)
	}

	roomPath := base + "/rooms/" + room.ID
	resp = e.visitor(t, http.MethodPost, roomPath+"/messages", map[string]string{"visitor_id": "v1", "content": "Hello", "client_id": "c1"})
	expectStatus(t, resp, http.StatusCreated)
	resp = e.visitor(t, http.MethodPost, roomPath+"/messages", map[string]string{"visitor_id": "v1", "content": "Hello", "client_id": "c1"})
	expectStatus(t, resp, http.StatusOK)

	resp = e.agent(t, http.MethodGet, "/api/dashboard/widgets/"+e.widget.ID+"/rooms?status=open", nil)
	expectStatus(t, resp, http.StatusOK)
	list := decode[models.ListRoomsResponse](t, resp)
	if len(list.Rooms) != 1 || list.Rooms[0].UnreadCount != 1 || !list.Rooms[0].VisitorOnline {
		t.Fatalf("unexpected room list %+v", list.Rooms)
	}

	agentRoom := "/api/dashboard/widgets/" + e.widget.ID + "/rooms/" + room.ID
	resp = e.agent(t, http.MethodPost, agentRoom+"/messages", map[string]string{"content": "Hi"})
	expectStatus(t, resp, http.StatusCreated)
	if msg := decode[models.MessageResponse](t, resp).Message; msg.SenderType != models.SenderAgent || msg.SenderName != "Dana" {
		t.Fatalf("unexpected agent message %+v", msg)
	}

	resp = e.agent(t, http.MethodPatch, agentRoom+"/read", nil)
	expectStatus(t, resp, http.StatusOK)
	if mr := decode[MarkReadResponse](t, resp); mr.Updated != 1 {
		t.Fatalf("agent read updated %d", mr.Updated)
	}
	resp = e.agent(t, http.MethodPatch, agentRoom+"/read", nil)
	if mr := decode[MarkReadResponse](t, resp); mr.Updated != 0 {
		t.Fatalf("second read not idempotent: %d", mr.Updated)
	}

	resp = e.visitor(t, http.MethodPatch, roomPath+"/read", map[string]string{"visitor_id": "v1"})
	expectStatus(t, resp, http.StatusOK)

	resp = e.visitor(t, http.MethodGet, roomPath+"/messages?visitor_id=v1", nil)
	expectStatus(t, resp, http.StatusOK)
	msgs := decode[models.GetMessagesResponse](t, resp).Messages
	if len(msgs) != 2 || msgs[0].Content != "Hello" || msgs[1].Content != "Hi" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	for _, m := range msgs {
		if !m.IsRead {
			t.Fatalf("message %s still unread", m.ID)
		}
	}

	resp = e.visitor(t, http.MethodGet, roomPath+"/messages?visitor_id=intruder", nil)
	expectStatus(t, resp, http.StatusForbidden)
}

func TestBannedVisitorGetsBanPayload(t *testing.T) {
	e := setupAPI(t, 10)
	room := e.openRoom(t, "v1")

	resp := e.agent(t, http.MethodPatch, "/api/dashboard/widgets/"+e.widget.ID+"/visitors/v1/ban", map[string]interface{}{"banned": true, "reason": "spam"})
	expectStatus(t, resp, http.StatusOK)

	for _, resp := range []*http.Response{
		e.visitor(t, http.MethodPost, "/api/visitors/track", map[string]string{"visitor_id": "v1"}),
		e.visitor(t, http.MethodPost, "/api/widgets/"+e.widget.ID+"/rooms", map[string]string{"visitor_id": "v1"}),
		e.visitor(t, http.MethodPost, "/api/widgets/"+e.widget.ID+"/rooms/"+room.ID+"/messages", map[string]string{"visitor_id": "v1", "content": "hi"}),
	} {
		expectStatus(t, resp, http.StatusForbidden)
		body := decode[response.ErrorBody](t, resp)
		if !body.Banned || body.Reason != "spam" || body.Code != "banned" {
			t.Fatalf("unexpected ban body %+v", body)
		}
	}

	resp = e.visitor(t, http.MethodGet, "/api/visitors/track?visitor_id=v1", nil)
	expectStatus(t, resp, http.StatusOK)
	if st := decode[models.VisitorStatusResponse](t, resp); !st.Banned || !st.Exists || st.Reason != "spam" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestClosedRoomRejectsSendsAndUploads(t *testing.T) {
	e := setupAPI(t, 10)
	room := e.openRoom(t, "v1")

	resp := e.upload(t, room.ID, "image/png", pngBytes(64))
	expectStatus(t, resp, http.StatusOK)
	up := decode[models.UploadResponse](t, resp)
	resp = e.visitor(t, http.MethodPost, "/api/widgets/"+e.widget.ID+"/rooms/"+room.ID+"/messages",
		map[string]string{"visitor_id": "v1", "image_url": up.ImageURL, "image_path": up.FilePath, "message_type": "image"})
	expectStatus(t, resp, http.StatusCreated)

	resp = e.visitor(t, http.MethodPost, "/api/widgets/"+e.widget.ID+"/rooms/"+room.ID+"/messages",
		map[string]string{"visitor_id": "v1", "image_url": up.ImageURL, "image_path": "other-widget/room/secret.png", "message_type": "image"})
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[response.ErrorBody](t, resp); body.Code != "validation_error" {
		t.Fatalf("forged image path: code %q", body.Code)
	}

	agentRoom := "/api/dashboard/widgets/" + e.widget.ID + "/rooms/" + room.ID
	resp = e.agent(t, http.MethodPatch, agentRoom+"/close", nil)
	expectStatus(t, resp, http.StatusOK)
	if closed := decode[models.RoomResponse](t, resp).Room; closed.Status != models.RoomClosed {
		t.Fatalf("room not closed: %+v", closed)
	}
	if e.storage.len() != 0 {
		t.Fatalf("images not purged")
	}

	resp = e.visitor(t, http.MethodPost, "/api/widgets/"+e.widget.ID+"/rooms/"+room.ID+"/messages", map[string]string{"visitor_id": "v1", "content": "hello?"})
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[response.ErrorBody](t, resp); body.Code != "invalid_state" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	resp = e.agent(t, http.MethodPost, agentRoom+"/messages", map[string]string{"content": "still there?"})
	expectStatus(t, resp, http.StatusBadRequest)

	expectStatus(t, e.upload(t, room.ID, "image/png", pngBytes(64)), http.StatusForbidden)
	expectStatus(t, e.agent(t, http.MethodPatch, agentRoom+"/close", nil), http.StatusBadRequest)

	expectStatus(t, e.agent(t, http.MethodPatch, agentRoom+"/reopen", nil), http.StatusOK)
	resp = e.visitor(t, http.MethodPost, "/api/widgets/"+e.widget.ID+"/rooms/"+room.ID+"/messages", map[string]string{"visitor_id": "v1", "content": "back"})
	expectStatus(t, resp, http.StatusCreated)
}

func TestUploadValidationAndRateLimit(t *testing.T) {
	e := setupAPI(t, 3)
	room := e.openRoom(t, "v1")

	expectStatus(t, e.upload(t, room.ID, "application/pdf", []byte("%PDF-1.4")), http.StatusBadRequest)
	expectStatus(t, e.upload(t, room.ID, "image/png", []byte{0xFF, 0xD8, 0xFF, 0xE0}), http.StatusBadRequest)
	expectStatus(t, e.upload(t, room.ID, "image/png", pngBytes(32)), http.StatusOK)

	resp := e.upload(t, room.ID, "image/png", pngBytes(32))
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestOriginAndCORS(t *testing.T) {
	e := setupAPI(t, 10)

	resp := e.do(t, http.MethodGet, "/api/widgets/"+e.widget.ID+"/config", nil, http.Header{"Origin": {"https://evil.example.net"}})
	expectStatus(t, resp, http.StatusForbidden)

	resp = e.visitor(t, http.MethodGet, "/api/widgets/"+e.widget.ID+"/config", nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Access-Control-Allow-Origin") != shopOrigin {
		t.Fatalf("origin not echoed")
	}
	if cfg := decode[models.PublicWidgetConfig](t, resp); cfg.Name != "Support" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	resp = e.do(t, http.MethodOptions, "/api/widgets/"+e.widget.ID+"/rooms", nil, http.Header{
		"Origin":                        {"https://help.shop.example.com"},
		"Access-Control-Request-Method": {"POST"},
	})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://help.shop.example.com" {
		t.Fatalf("preflight for subdomain: %q", got)
	}
}

func TestUploadWithoutOriginRejectedForRestrictedWidget(t *testing.T) {
	e := setupAPI(t, 10)
	room := e.openRoom(t, "v1")

	// Other visitor endpoints still serve clients that send no browser headers.
	expectStatus(t, e.do(t, http.MethodGet, "/api/widgets/"+e.widget.ID+"/config", nil, nil), http.StatusOK)

	resp := e.uploadFrom(t, "", room.ID, "image/png", pngBytes(64))
	expectStatus(t, resp, http.StatusForbidden)
	if body := decode[response.ErrorBody](t, resp); body.Code != "forbidden" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestDashboardRequiresTokenAndOwnership(t *testing.T) {
	e := setupAPI(t, 10)
	path := "/api/dashboard/widgets/" + e.widget.ID + "/rooms"

	expectStatus(t, e.do(t, http.MethodGet, path, nil, nil), http.StatusUnauthorized)

	other, _ := e.authn.Issue(auth.Agent{ID: "agent-2"})
	expectStatus(t, e.do(t, http.MethodGet, path, nil, http.Header{"Authorization": {"Bearer " + other}}), http.StatusForbidden)

	resp := e.do(t, http.MethodPost, "/api/dashboard/widgets", map[string]interface{}{"name": "Sales"}, http.Header{"Authorization": {"Bearer " + other}})
	expectStatus(t, resp, http.StatusCreated)
	if w := decode[models.WidgetResponse](t, resp).Widget; w.OwnerID != "agent-2" {
		t.Fatalf("widget owner = %q", w.OwnerID)
	}

	expectStatus(t, e.agent(t, http.MethodGet, "/api/dashboard/widgets/"+uuid.NewString(), nil), http.StatusNotFound)
}

func TestVisitorWebSocketReceivesAgentMessages(t *testing.T) {
	e := setupAPI(t, 10)
	room := e.openRoom(t, "v1")

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") +
		fmt.Sprintf("/ws/widgets/%s/rooms/%s?visitor_id=v1", e.widget.ID, room.ID)
	conn, _, err := gws.DefaultDialer.Dial(wsURL, http.Header{"Origin": {shopOrigin}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = gws.DefaultDialer.Dial(wsURL+"x", http.Header{"Origin": {shopOrigin}})
	if err == nil {
		t.Fatalf("foreign visitor subscribed")
	}

	// The subscription is live before the upgrade completes.
	resp := e.agent(t, http.MethodPost, "/api/dashboard/widgets/"+e.widget.ID+"/rooms/"+room.ID+"/messages", map[string]string{"content": "How can I help?"})
	expectStatus(t, resp, http.StatusCreated)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev realtime.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != realtime.EventInsert || ev.Record.Content != "How can I help?" || ev.RoomID != room.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := setupAPI(t, 10)
	resp := e.do(t, http.MethodGet, "/health", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if h := decode[HealthResponse](t, resp); h.Status != "ok" {
		t.Fatalf("unexpected health %+v", h)
	}

	resp = e.do(t, http.MethodGet, "/metrics", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "chat_http_requests_total") {
		t.Fatalf("metrics missing request counter")
	}
}
