package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
	"github.com/vgabrielk/widget-sub001/internal/store"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	removed []string
	failRm  error
	// onRemove runs before objects are deleted
	onRemove func(paths []string)
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Upload(ctx context.Context, path, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	return "https://files.test/" + path, nil
}

func (f *fakeStorage) Remove(ctx context.Context, paths []string) error {
	if f.onRemove != nil {
		f.onRemove(paths)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRm != nil {
		return f.failRm
	}
	for _, p := range paths {
		delete(f.objects, p)
		f.removed = append(f.removed, p)
	}
	return nil
}

func (f *fakeStorage) PathFromURL(raw string) (string, bool) {
	const prefix = "https://files.test/"
	if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
		return "", false
	}
	return raw[len(prefix):], true
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(t realtime.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	store     *store.Store
	storage   *fakeStorage
	publisher *recordingPublisher
	visitors  *VisitorService
	messages  *MessageService
	rooms     *RoomService
	uploads   *UploadService
	widgets   *WidgetService
	widget    *models.Widget
}

func setupServices(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared", logger.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := logger.NewNop()
	env := &testEnv{
		store:     st,
		storage:   newFakeStorage(),
		publisher: &recordingPublisher{},
	}
	env.visitors = NewVisitorService(st, log, nil)
	env.messages = NewMessageService(st, env.visitors, env.publisher, nil, log)
	env.rooms = NewRoomService(st, env.storage, env.visitors, env.messages, nil, time.Minute, log)
	env.uploads = NewUploadService(st, env.storage, env.visitors, nil, log)
	env.widgets = NewWidgetService(st, log)

	w, err := env.widgets.Create(context.Background(), "agent-1", models.WidgetRequest{Name: "Support"})
	if err != nil {
		t.Fatalf("create widget: %v", err)
	}
	env.widget = w
	return env
}

func (e *testEnv) openRoom(t *testing.T, visitorID string) *models.Room {
	t.Helper()
	room, _, err := e.rooms.FindOrCreate(context.Background(), e.widget.ID, visitorID, models.VisitorInfo{}, models.VisitorContext{})
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	return room
}

func (e *testEnv) send(t *testing.T, room *models.Room, sender models.SenderType, content string) *models.Message {
	t.Helper()
	in := AppendInput{WidgetID: room.WidgetID, RoomID: room.ID, Sender: sender, Content: content}
	if sender == models.SenderVisitor {
		in.SenderID = room.VisitorID
	}
	msg, _, err := e.messages.Append(context.Background(), in)
	if err != nil {
		t.Fatalf("append %q: %v", content, err)
	}
	return msg
}

// Visitor trust gate

func TestResolveOrCreateRefreshesWithoutResettingIdentity(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.visitors.now = func() time.Time { return clock }

	v, err := env.visitors.ResolveOrCreate(ctx, "v1", models.VisitorContext{IPAddress: "1.1.1.1", PageURL: "https://a.test/"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first := v.FirstSeenAt

	clock = clock.Add(10 * time.Minute)
	v, err = env.visitors.ResolveOrCreate(ctx, "v1", models.VisitorContext{IPAddress: "2.2.2.2"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !v.FirstSeenAt.Equal(first) || v.IPAddress != "2.2.2.2" || v.LastPageURL != "https://a.test/" {
		t.Fatalf("unexpected refresh result %+v", v)
	}
	if v.SessionCount != 1 {
		t.Fatalf("session within gap must not count: %d", v.SessionCount)
	}

	clock = clock.Add(time.Hour)
	v, _ = env.visitors.ResolveOrCreate(ctx, "v1", models.VisitorContext{})
	if v.SessionCount != 2 {
		t.Fatalf("new session expected: %d", v.SessionCount)
	}
}

func TestSetBanRules(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()

	if _, err := env.visitors.SetBan(ctx, "ghost", false, ""); !errors.Is(err, ErrVisitorNotFound) {
		t.Fatalf("unbanning unknown visitor: want ErrVisitorNotFound, got %v", err)
	}

	v, err := env.visitors.SetBan(ctx, "ghost", true, "spam")
	if err != nil {
		t.Fatalf("ban unknown: %v", err)
	}
	if !v.IsBanned || v.BanReason != "spam" || v.BannedAt == nil {
		t.Fatalf("unexpected banned record %+v", v)
	}
	bannedAt := *v.BannedAt

	v, err = env.visitors.SetBan(ctx, "ghost", true, "")
	if err != nil || !v.IsBanned || v.BanReason != "spam" || !v.BannedAt.Equal(bannedAt) {
		t.Fatalf("repeat ban must be a no-op: %+v %v", v, err)
	}

	status, err := env.visitors.Status(ctx, "ghost")
	if err != nil || !status.Banned || !status.Exists || status.Reason != "spam" {
		t.Fatalf("status: %+v %v", status, err)
	}

	if _, err := env.visitors.SetBan(ctx, "ghost", false, ""); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if banned, _ := env.visitors.IsBanned(ctx, "ghost"); banned {
		t.Fatalf("visitor still banned")
	}
}

func TestBannedVisitorCannotCreateRoomOrSend(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()

	room := env.openRoom(t, "v1")
	if _, err := env.visitors.SetBan(ctx, "v1", true, "abusive"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	_, _, err := env.messages.Append(ctx, AppendInput{
		WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1", Content: "hi",
	})
	banned, ok := AsBanned(err)
	if !ok || banned.Reason != "abusive" {
		t.Fatalf("want BannedError with reason, got %v", err)
	}

	if _, err := env.rooms.Close(ctx, env.widget.ID, room.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := env.rooms.FindOrCreate(ctx, env.widget.ID, "v1", models.VisitorInfo{}, models.VisitorContext{}); err == nil {
		t.Fatalf("banned visitor created a room")
	} else if _, ok := AsBanned(err); !ok {
		t.Fatalf("want BannedError, got %v", err)
	}
	n, _ := env.store.CountOpenRooms(ctx, env.widget.ID, "v1")
	if n != 0 {
		t.Fatalf("open rooms: %d", n)
	}
	msgs, _ := env.store.ListMessages(ctx, room.ID, time.Time{})
	for _, m := range msgs {
		if m.SenderType == models.SenderVisitor {
			t.Fatalf("banned visitor message stored: %+v", m)
		}
	}
}

// Room lifecycle

func TestFindOrCreateReusesOpenRoomAndMergesInfo(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()

	first, created, err := env.rooms.FindOrCreate(ctx, env.widget.ID, "v1", models.VisitorInfo{Name: "Ana"}, models.VisitorContext{})
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	second, created, err := env.rooms.FindOrCreate(ctx, env.widget.ID, "v1", models.VisitorInfo{Email: "ana@example.com"}, models.VisitorContext{})
	if err != nil || created {
		t.Fatalf("second: created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate open room: %s vs %s", first.ID, second.ID)
	}
	if second.VisitorName != "Ana" || second.VisitorEmail != "ana@example.com" {
		t.Fatalf("merge lost data: %+v", second)
	}

	stored, _ := env.store.GetRoom(ctx, first.ID)
	if stored.VisitorName != "Ana" || stored.VisitorEmail != "ana@example.com" {
		t.Fatalf("merge not persisted: %+v", stored)
	}
}

func TestFindOrCreateConcurrentCallsYieldOneOpenRoom(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, _, err := env.rooms.FindOrCreate(ctx, env.widget.ID, "v-race", models.VisitorInfo{}, models.VisitorContext{})
			errs[i] = err
			if room != nil {
				ids[i] = room.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("call %d returned a different room", i)
		}
	}
	if n, _ := env.store.CountOpenRooms(ctx, env.widget.ID, "v-race"); n != 1 {
		t.Fatalf("open rooms: %d", n)
	}
}

func TestFindOrCreateUnknownWidget(t *testing.T) {
	env := setupServices(t)
	_, _, err := env.rooms.FindOrCreate(context.Background(), "nope", "v1", models.VisitorInfo{}, models.VisitorContext{})
	if !errors.Is(err, ErrWidgetNotFound) {
		t.Fatalf("want ErrWidgetNotFound, got %v", err)
	}
}

func TestCloseRoomPurgesImagesAndBlocksSends(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")

	for _, p := range []string{"a.png", "b.png"} {
		url, _ := env.storage.Upload(ctx, room.WidgetID+"/"+room.ID+"/"+p, "image/png", []byte("x"))
		in := AppendInput{WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1", ImageURL: url}
		if p == "a.png" {
			in.ImagePath = room.WidgetID + "/" + room.ID + "/" + p
		}
		if _, _, err := env.messages.Append(ctx, in); err != nil {
			t.Fatalf("image message: %v", err)
		}
	}

	closed, err := env.rooms.Close(ctx, env.widget.ID, room.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != models.RoomClosed || closed.ClosedAt == nil {
		t.Fatalf("room not closed: %+v", closed)
	}
	if len(env.storage.objects) != 0 || len(env.storage.removed) != 2 {
		t.Fatalf("images not purged: left=%d removed=%v", len(env.storage.objects), env.storage.removed)
	}

	msgs, _ := env.messages.List(ctx, env.widget.ID, room.ID, "", time.Time{})
	last := msgs[len(msgs)-1]
	if last.SenderType != models.SenderSystem || last.MessageType != models.MessageSystem {
		t.Fatalf("closing notice missing: %+v", last)
	}

	_, _, err = env.messages.Append(ctx, AppendInput{WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1", Content: "still there?"})
	if !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("want ErrRoomClosed, got %v", err)
	}
	if _, err := env.rooms.Close(ctx, env.widget.ID, room.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double close: want ErrInvalidState, got %v", err)
	}

	if _, err := env.rooms.Reopen(ctx, env.widget.ID, room.ID); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	env.send(t, room, models.SenderVisitor, "still there?")
	if _, err := env.rooms.Reopen(ctx, env.widget.ID, room.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reopen open room: want ErrInvalidState, got %v", err)
	}
}

func TestCloseSucceedsWhenStorageFails(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")
	env.storage.failRm = errors.New("bucket offline")

	url := "https://files.test/" + room.WidgetID + "/" + room.ID + "/x.png"
	_, _, err := env.messages.Append(ctx, AppendInput{WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1", ImageURL: url})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := env.rooms.Close(ctx, env.widget.ID, room.ID); err != nil {
		t.Fatalf("close must not fail on storage errors: %v", err)
	}
}

func TestAppendRejectsImageFromAnotherRoom(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")
	other := env.openRoom(t, "v2")

	for _, path := range []string{
		"other-widget/victim-room/secret.png",
		other.WidgetID + "/" + other.ID + "/a.png",
		room.WidgetID + "/" + room.ID + "/../" + other.ID + "/a.png",
	} {
		_, _, err := env.messages.Append(ctx, AppendInput{
			WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1",
			ImageURL: "https://files.test/" + path, ImagePath: path,
		})
		if !errors.Is(err, ErrForeignImage) {
			t.Fatalf("%s: want ErrForeignImage, got %v", path, err)
		}
	}

	own := room.WidgetID + "/" + room.ID + "/a.png"
	if _, _, err := env.messages.Append(ctx, AppendInput{
		WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1",
		ImageURL: "https://files.test/" + own, ImagePath: own,
	}); err != nil {
		t.Fatalf("own image: %v", err)
	}
}

func TestCloseNeverDeletesObjectsOutsideTheRoom(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")

	victim := "other-widget/victim-room/secret.png"
	victimURL, _ := env.storage.Upload(ctx, victim, "image/png", []byte("x"))
	// A bare image URL resolving outside the room folder is stored but never purged.
	if _, _, err := env.messages.Append(ctx, AppendInput{
		WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1", ImageURL: victimURL,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	own := room.WidgetID + "/" + room.ID + "/mine.png"
	ownURL, _ := env.storage.Upload(ctx, own, "image/png", []byte("x"))
	env.messages.Append(ctx, AppendInput{
		WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1", ImageURL: ownURL, ImagePath: own,
	})

	if _, err := env.rooms.Close(ctx, env.widget.ID, room.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := env.storage.objects[victim]; !ok {
		t.Fatalf("object outside the room was deleted; removed=%v", env.storage.removed)
	}
	if _, ok := env.storage.objects[own]; ok || len(env.storage.removed) != 1 {
		t.Fatalf("room image not purged; removed=%v", env.storage.removed)
	}
}

func TestClosePurgesAfterRoomIsClosed(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")
	path := room.WidgetID + "/" + room.ID + "/a.png"
	url, _ := env.storage.Upload(ctx, path, "image/png", []byte("x"))
	env.messages.Append(ctx, AppendInput{
		WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1", ImageURL: url, ImagePath: path,
	})

	var statusAtPurge models.RoomStatus
	env.storage.onRemove = func([]string) {
		r, err := env.store.GetRoom(ctx, room.ID)
		if err == nil {
			statusAtPurge = r.Status
		}
	}
	if _, err := env.rooms.Close(ctx, env.widget.ID, room.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if statusAtPurge != models.RoomClosed {
		t.Fatalf("purge ran while room was %q", statusAtPurge)
	}
}

func TestReopenRefusedWhenVisitorHasAnotherOpenRoom(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	old := env.openRoom(t, "v1")
	if _, err := env.rooms.Close(ctx, env.widget.ID, old.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	fresh := env.openRoom(t, "v1")
	if fresh.ID == old.ID {
		t.Fatalf("closed room was reused")
	}
	if _, err := env.rooms.Reopen(ctx, env.widget.ID, old.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("want ErrInvalidState, got %v", err)
	}
}

func TestPresenceFromHeartbeatAndOffline(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")

	if err := env.rooms.Heartbeat(ctx, env.widget.ID, room.ID, "someone-else"); !errors.Is(err, ErrNotRoomOwner) {
		t.Fatalf("foreign heartbeat: %v", err)
	}
	if err := env.rooms.Heartbeat(ctx, env.widget.ID, room.ID, "v1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	views, err := env.rooms.ListForWidget(ctx, env.widget.ID, models.RoomOpen, 0)
	if err != nil || len(views) != 1 || !views[0].VisitorOnline {
		t.Fatalf("visitor should be online: %+v %v", views, err)
	}

	if err := env.rooms.MarkOffline(ctx, env.widget.ID, room.ID, "v1"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	views, _ = env.rooms.ListForWidget(ctx, env.widget.ID, "", 0)
	if views[0].VisitorOnline {
		t.Fatalf("visitor should be offline")
	}
}

func TestUpdateVisitorInfoRequiresOwner(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")

	if _, err := env.rooms.UpdateVisitorInfo(ctx, env.widget.ID, room.ID, models.UpdateRoomRequest{VisitorID: "v2", VisitorName: "x"}); !errors.Is(err, ErrNotRoomOwner) {
		t.Fatalf("want ErrNotRoomOwner, got %v", err)
	}
	updated, err := env.rooms.UpdateVisitorInfo(ctx, env.widget.ID, room.ID, models.UpdateRoomRequest{VisitorID: "v1", VisitorName: "Bea"})
	if err != nil || updated.VisitorName != "Bea" {
		t.Fatalf("update: %+v %v", updated, err)
	}
}

// Message tracker

func TestMessagesListedInCreationOrder(t *testing.T) {
	env := setupServices(t)
	room := env.openRoom(t, "v1")

	env.send(t, room, models.SenderAgent, "Hello")
	env.send(t, room, models.SenderVisitor, "Hi")

	msgs, err := env.messages.List(context.Background(), env.widget.ID, room.ID, "v1", time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "Hello" || msgs[1].Content != "Hi" {
		t.Fatalf("unexpected order: %+v", msgs)
	}
	if _, err := env.messages.List(context.Background(), env.widget.ID, room.ID, "v2", time.Time{}); !errors.Is(err, ErrNotRoomOwner) {
		t.Fatalf("foreign visitor listed messages: %v", err)
	}
}

func TestMarkReadBothDirections(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")

	env.send(t, room, models.SenderVisitor, "one")
	env.send(t, room, models.SenderVisitor, "two")
	env.send(t, room, models.SenderAgent, "reply")

	stored, _ := env.store.GetRoom(ctx, room.ID)
	if stored.UnreadCount != 2 {
		t.Fatalf("agent unread: want=2 got=%d", stored.UnreadCount)
	}
	if n, _ := env.messages.UnreadCountFor(ctx, stored, models.SenderVisitor); n != 1 {
		t.Fatalf("visitor unread: want=1 got=%d", n)
	}

	n, err := env.messages.MarkRead(ctx, env.widget.ID, room.ID, models.SenderAgent, "")
	if err != nil || n != 2 {
		t.Fatalf("agent mark read: n=%d err=%v", n, err)
	}
	stored, _ = env.store.GetRoom(ctx, room.ID)
	if stored.UnreadCount != 0 {
		t.Fatalf("counter not reset: %d", stored.UnreadCount)
	}
	if env.publisher.count(realtime.EventUpdate) != 2 {
		t.Fatalf("read flips must be published")
	}

	n, err = env.messages.MarkRead(ctx, env.widget.ID, room.ID, models.SenderAgent, "")
	if err != nil || n != 0 {
		t.Fatalf("second mark read must be a no-op: n=%d err=%v", n, err)
	}

	if _, err := env.messages.MarkRead(ctx, env.widget.ID, room.ID, models.SenderVisitor, "v2"); !errors.Is(err, ErrNotRoomOwner) {
		t.Fatalf("foreign visitor mark read: %v", err)
	}
	if n, err := env.messages.MarkRead(ctx, env.widget.ID, room.ID, models.SenderVisitor, "v1"); err != nil || n != 1 {
		t.Fatalf("visitor mark read: n=%d err=%v", n, err)
	}
	if n, _ := env.messages.UnreadCountFor(ctx, stored, models.SenderVisitor); n != 0 {
		t.Fatalf("visitor unread after mark: %d", n)
	}

	env.send(t, room, models.SenderVisitor, "three")
	if n, _ := env.messages.RefreshUnread(ctx, room.ID); n != 1 {
		t.Fatalf("refresh: want=1 got=%d", n)
	}
	if n, _ := env.messages.RefreshUnread(ctx, room.ID); n != 1 {
		t.Fatalf("refresh must be idempotent: got=%d", n)
	}
}

func TestAppendRetryWithClientIDReturnsStoredMessage(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")

	in := AppendInput{WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderVisitor, SenderID: "v1", ClientID: "tmp-1", Content: "hello"}
	first, created, err := env.messages.Append(ctx, in)
	if err != nil || !created {
		t.Fatalf("first append: created=%v err=%v", created, err)
	}
	second, created, err := env.messages.Append(ctx, in)
	if err != nil || created {
		t.Fatalf("retry: created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Fatalf("retry produced a second message")
	}
	if env.publisher.count(realtime.EventInsert) != 1 {
		t.Fatalf("retry must not publish again")
	}
	stored, _ := env.store.GetRoom(ctx, room.ID)
	if stored.UnreadCount != 1 {
		t.Fatalf("retry must not be counted twice: %d", stored.UnreadCount)
	}
}

func TestAppendValidation(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")

	cases := []struct {
		name string
		in   AppendInput
		want error
	}{
		{"empty", AppendInput{Sender: models.SenderAgent, Content: "   "}, ErrEmptyMessage},
		{"not owner", AppendInput{Sender: models.SenderVisitor, SenderID: "v2", Content: "x"}, ErrNotRoomOwner},
		{"no visitor id", AppendInput{Sender: models.SenderVisitor, Content: "x"}, ErrMissingVisitor},
		{"bad sender", AppendInput{Sender: "robot", Content: "x"}, ErrInvalidSender},
		{"other widget", AppendInput{WidgetID: "other", Sender: models.SenderAgent, Content: "x"}, ErrRoomNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := tc.in
			in.RoomID = room.ID
			if in.WidgetID == "" {
				in.WidgetID = room.WidgetID
			}
			if _, _, err := env.messages.Append(ctx, in); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestAppendUpdatesPreview(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")

	long := make([]rune, 150)
	for i := range long {
		long[i] = 'é'
	}
	env.send(t, room, models.SenderVisitor, string(long))
	stored, _ := env.store.GetRoom(ctx, room.ID)
	if got := []rune(stored.LastMessagePreview); len(got) != previewLength+3 || stored.LastMessageAt == nil {
		t.Fatalf("preview: %d runes, at=%v", len(got), stored.LastMessageAt)
	}

	_, _, err := env.messages.Append(ctx, AppendInput{WidgetID: room.WidgetID, RoomID: room.ID, Sender: models.SenderAgent, ImageURL: "https://files.test/a.png"})
	if err != nil {
		t.Fatalf("image append: %v", err)
	}
	stored, _ = env.store.GetRoom(ctx, room.ID)
	if stored.LastMessagePreview != imagePreview {
		t.Fatalf("image preview: %q", stored.LastMessagePreview)
	}
}

// Uploads

func pngBytes(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
	return b
}

func TestUploadStoresValidImage(t *testing.T) {
	env := setupServices(t)
	room := env.openRoom(t, "v1")
	data := pngBytes(4 << 20)

	resp, err := env.uploads.Upload(context.Background(), UploadInput{
		WidgetID: env.widget.ID, RoomID: room.ID, VisitorID: "v1",
		FileName: "../screenshot.png", DeclaredType: "image/png", Size: int64(len(data)), Data: data,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !resp.Success || resp.ImageName != "screenshot.png" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, ok := env.storage.objects[resp.FilePath]; !ok {
		t.Fatalf("object not stored at %s", resp.FilePath)
	}
	if p, _ := env.storage.PathFromURL(resp.ImageURL); p != resp.FilePath {
		t.Fatalf("url and path disagree: %s %s", resp.ImageURL, resp.FilePath)
	}
}

func TestUploadRejections(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()
	room := env.openRoom(t, "v1")

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0}
	_, err := env.uploads.Upload(ctx, UploadInput{WidgetID: env.widget.ID, RoomID: room.ID, DeclaredType: "image/png", Size: int64(len(jpeg)), Data: jpeg})
	if err == nil {
		t.Fatalf("forged png accepted")
	}

	if _, err := env.uploads.Upload(ctx, UploadInput{WidgetID: env.widget.ID, RoomID: room.ID, VisitorID: "v9", DeclaredType: "image/png", Data: pngBytes(16), Size: 16}); !errors.Is(err, ErrNotRoomOwner) {
		t.Fatalf("foreign visitor: %v", err)
	}

	if _, err := env.rooms.Close(ctx, env.widget.ID, room.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.uploads.Upload(ctx, UploadInput{WidgetID: env.widget.ID, RoomID: room.ID, DeclaredType: "image/png", Data: pngBytes(16), Size: 16}); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("closed room: %v", err)
	}
	if len(env.storage.objects) != 0 {
		t.Fatalf("nothing should be stored")
	}
}

// Widgets

func TestWidgetOwnershipAndOrigins(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()

	if _, err := env.widgets.GetOwned(ctx, "agent-2", env.widget.ID); !errors.Is(err, ErrNotWidgetOwner) {
		t.Fatalf("want ErrNotWidgetOwner, got %v", err)
	}
	if ok, _ := env.widgets.OriginAllowed(ctx, env.widget.ID, "https://anything.test"); !ok {
		t.Fatalf("no domains configured means open mode")
	}

	if _, err := env.widgets.Update(ctx, "agent-1", env.widget.ID, models.WidgetRequest{AllowedDomains: []string{"shop.example.com"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, _ := env.widgets.OriginAllowed(ctx, env.widget.ID, "https://eu.shop.example.com"); !ok {
		t.Fatalf("subdomain should pass")
	}
	if ok, _ := env.widgets.OriginAllowed(ctx, env.widget.ID, "https://evil.test"); ok {
		t.Fatalf("foreign origin passed")
	}
	if ok, _ := env.widgets.OriginAllowed(ctx, "missing", "https://shop.example.com"); ok {
		t.Fatalf("unknown widget passed")
	}
}

func TestCorruptDomainListDeniesEveryOrigin(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()

	if err := env.store.DB().Model(&models.Widget{}).Where("id = ?", env.widget.ID).Update("allowed_domains", "shop.example.com").Error; err != nil {
		t.Fatalf("corrupt domains: %v", err)
	}
	for _, origin := range []string{"https://shop.example.com", "https://evil.test", ""} {
		if ok, err := env.widgets.OriginAllowed(ctx, env.widget.ID, origin); ok || err != nil {
			t.Fatalf("origin %q: ok=%v err=%v", origin, ok, err)
		}
	}
}

// Cleanup

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSweeper) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 1
}

func (c *countingSweeper) n() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCleanupServiceSweepsUntilStopped(t *testing.T) {
	sw := &countingSweeper{}
	svc := NewCleanupService(5*time.Millisecond, map[string]Sweeper{"uploads": sw}, logger.NewNop())

	done := make(chan struct{})
	go func() {
		svc.Start()
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for sw.n() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("cleanup did not stop")
	}
	if sw.n() < 2 {
		t.Fatalf("sweeper ran %d times", sw.n())
	}
}
