package chatclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
)

const (
	defaultHeartbeat = 30 * time.Second
	heartbeatTimeout = 10 * time.Second
)

var ErrSessionClosed = errors.New("chat session closed")

// Options tune a Session.
type Options struct {
	Info models.VisitorInfo
	// HeartbeatInterval defaults to 30s; negative disables the loop
	HeartbeatInterval time.Duration
	// OnChange runs after every change to the timeline
	OnChange func()
	Log      *logger.Logger
}

// Session is one visitor's live view of their open room: the timeline, the
// realtime subscription keeping it current and the presence heartbeat.
type Session struct {
	client   *Client
	registry *realtime.Registry
	timeline *Timeline
	room     models.Room
	opts     Options
	log      *logger.Logger

	// ctx is cancelled by Close and bounds fetches and sends
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

// Open finds or creates the visitor's room, subscribes to it and loads its
// history. Cancelling ctx aborts the fetches; on any failure nothing stays
// subscribed.
func Open(ctx context.Context, client *Client, registry *realtime.Registry, opts Options) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client:   client,
		registry: registry,
		timeline: NewTimeline(),
		opts:     opts,
		log:      log.With("component", "ChatSession"),
		ctx:      sctx,
		cancel:   cancel,
	}

	// Initialization ends when either the caller or Close gives up.
	fetchCtx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(sctx, stop)
	defer unlink()

	room, _, err := client.FindOrCreateRoom(fetchCtx, opts.Info)
	if err != nil {
		cancel()
		return nil, err
	}
	s.room = *room

	// Subscribe before fetching so nothing written in between is lost; the
	// timeline discards the overlap.
	unsub, err := registry.Subscribe(fetchCtx, room.ID, s.onEvent, s.onError)
	if err != nil {
		cancel()
		return nil, err
	}
	s.unsubs = append(s.unsubs, unsub)

	msgs, err := client.ListMessages(fetchCtx, room.ID, time.Time{})
	if err != nil {
		s.shutdown()
		return nil, err
	}
	s.timeline.Merge(msgs)
	s.changed()

	if opts.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop(opts.HeartbeatInterval)
	}
	s.log.Debug("Session opened", "room_id", room.ID, "messages", len(msgs))
	return s, nil
}

func (s *Session) Room() models.Room { return s.room }

func (s *Session) Timeline() *Timeline { return s.timeline }

// Messages is the current ordered view, optimistic entries last.
func (s *Session) Messages() []models.Message { return s.timeline.Messages() }

// Unread counts agent messages the visitor has not read.
func (s *Session) Unread() int { return s.timeline.UnreadFor(models.SenderVisitor) }

func (s *Session) onEvent(ev realtime.Event) {
	if ev.RoomID != "" && ev.RoomID != s.room.ID {
		return
	}
	if s.timeline.Apply(ev) {
		s.changed()
	}
}

// onError resynchronizes from the ledger after the stream dropped or lagged.
func (s *Session) onError(err error) {
	s.log.Warn("Realtime stream error, resyncing", "room_id", s.room.ID, "error", err)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if err := s.Resync(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("Resync failed", "room_id", s.room.ID, "error", err)
		}
	}()
}

// Resync refetches the room's messages and merges them into the timeline.
func (s *Session) Resync(ctx context.Context) error {
	msgs, err := s.client.ListMessages(ctx, s.room.ID, time.Time{})
	if err != nil {
		return err
	}
	if s.timeline.Merge(msgs) > 0 {
		s.changed()
	}
	return nil
}

func (s *Session) changed() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

// Send appends a text message. The message shows at once as pending and is
// replaced by the stored copy when the server answers; on failure it is removed.
func (s *Session) Send(ctx context.Context, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("message is empty")
	}
	return s.send(ctx, models.SendMessageRequest{Content: content, MessageType: models.MessageText})
}

// SendImage uploads an image and posts it as a message.
func (s *Session) SendImage(ctx context.Context, fileName, contentType string, data []byte, caption string) (*models.Message, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	up, err := s.client.Upload(ctx, s.room.ID, fileName, contentType, data)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, models.SendMessageRequest{
		Content:     caption,
		ImageURL:    up.ImageURL,
		ImageName:   up.ImageName,
		ImagePath:   up.FilePath,
		MessageType: models.MessageImage,
	})
}

func (s *Session) send(ctx context.Context, req models.SendMessageRequest) (*models.Message, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()

	req.ClientID = uuid.NewString()
	s.timeline.AddPending(models.Message{
		RoomID:      s.room.ID,
		ClientID:    req.ClientID,
		SenderType:  models.SenderVisitor,
		SenderID:    s.client.VisitorID(),
		Content:     req.Content,
		ImageURL:    req.ImageURL,
		ImageName:   req.ImageName,
		MessageType: req.MessageType,
		CreatedAt:   time.Now().UTC(),
	})
	s.changed()

	msg, err := s.client.SendMessage(ctx, s.room.ID, req)
	if err != nil {
		s.timeline.DropPending(req.ClientID)
		s.changed()
		return nil, err
	}
	s.timeline.Reconcile(*msg)
	s.changed()
	return msg, nil
}

// MarkRead marks the agent's messages as read.
func (s *Session) MarkRead(ctx context.Context) (int, error) {
	if err := s.alive(); err != nil {
		return 0, err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.client.MarkRead(ctx, s.room.ID)
}

func (s *Session) heartbeatLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// heartbeat is not cancelled by Close, which waits for it: a late heartbeat
// landing after the offline notice would show the visitor online again.
func (s *Session) heartbeat() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), heartbeatTimeout)
	defer cancel()
	if err := s.client.Heartbeat(ctx, s.room.ID); err != nil {
		s.log.Warn("Heartbeat failed", "room_id", s.room.ID, "error", err)
	}
}

// bind derives a context that also ends when the session closes.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// shutdown cancels in-flight work, drops every subscription and waits for
// the session's goroutines.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.cancel()
	for _, unsub := range unsubs {
		unsub()
	}
	s.wg.Wait()
}

// Close ends the session and tells the server the visitor left. ctx bounds
// only the offline call.
func (s *Session) Close(ctx context.Context) error {
	if s.alive() != nil {
		return nil
	}
	s.shutdown()
	if err := s.client.Offline(ctx, s.room.ID); err != nil {
		s.log.Debug("Offline notice failed", "room_id", s.room.ID, "error", err)
		return err
	}
	return nil
}
