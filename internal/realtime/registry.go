package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vgabrielk/widget-sub001/internal/logger"
)

// EventHandler receives events for the room it subscribed to.
type EventHandler func(Event)

// ErrorHandler receives connection-level failures.
type ErrorHandler func(error)

// Registry multiplexes one Stream per room to any number of listeners.
// The stream is opened by the first Subscribe for a room and closed when
// the last listener unsubscribes. Listeners for one room are called
// sequentially from a single goroutine; a panicking listener is logged and
// skipped without affecting the others.
type Registry struct {
	source     Source
	log        *logger.Logger
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	rooms  map[string]*roomEntry
	nextID uint64
	closed bool
}

type listener struct {
	id      uint64
	onEvent EventHandler
	onError ErrorHandler
}

type roomEntry struct {
	roomID    string
	listeners map[uint64]*listener

	// ready is closed once the first Open returned; openErr holds its failure.
	ready   chan struct{}
	openErr error

	stream Stream
	cancel context.CancelFunc
	done   bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBackOff sets the policy used to reopen a dropped stream.
func WithBackOff(fn func() backoff.BackOff) RegistryOption {
	return func(r *Registry) { r.newBackOff = fn }
}

func NewRegistry(source Source, log *logger.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		source: source,
		log:    log.With("service", "RealtimeRegistry"),
		rooms:  make(map[string]*roomEntry),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a listener for roomID and returns its unsubscribe
// function. ctx bounds the initial handshake only. onError may be nil.
func (r *Registry) Subscribe(ctx context.Context, roomID string, onEvent EventHandler, onError ErrorHandler) (func(), error) {
	if onEvent == nil {
		return nil, errors.New("realtime: onEvent is required")
	}
	if roomID == "" {
		return nil, errors.New("realtime: room id is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	e, ok := r.rooms[roomID]
	opener := !ok
	if opener {
		e = &roomEntry{
			roomID:    roomID,
			listeners: make(map[uint64]*listener),
			ready:     make(chan struct{}),
		}
		r.rooms[roomID] = e
	}
	r.nextID++
	l := &listener{id: r.nextID, onEvent: onEvent, onError: onError}
	e.listeners[l.id] = l
	r.mu.Unlock()

	if opener {
		r.open(ctx, e)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		r.remove(e, l.id)
		return nil, ctx.Err()
	}
	if e.openErr != nil {
		return nil, e.openErr
	}

	var once sync.Once
	return func() { once.Do(func() { r.remove(e, l.id) }) }, nil
}

func (r *Registry) open(ctx context.Context, e *roomEntry) {
	stream, err := r.source.Open(ctx, e.roomID)

	r.mu.Lock()
	if err != nil {
		e.openErr = err
		e.done = true
		if r.rooms[e.roomID] == e {
			delete(r.rooms, e.roomID)
		}
		close(e.ready)
		r.mu.Unlock()
		r.log.Warn("Failed to open realtime stream", "room_id", e.roomID, "error", err)
		return
	}
	if e.done {
		close(e.ready)
		r.mu.Unlock()
		_ = stream.Close()
		return
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	e.stream = stream
	e.cancel = cancel
	close(e.ready)
	r.mu.Unlock()

	r.log.Debug("Realtime stream opened", "room_id", e.roomID)
	go r.pump(pumpCtx, e, stream)
}

func (r *Registry) remove(e *roomEntry, id uint64) {
	r.mu.Lock()
	delete(e.listeners, id)
	if len(e.listeners) > 0 || e.done {
		r.mu.Unlock()
		return
	}
	e.done = true
	if r.rooms[e.roomID] == e {
		delete(r.rooms, e.roomID)
	}
	stream, cancel := e.stream, e.cancel
	r.mu.Unlock()

	r.teardown(e.roomID, stream, cancel)
}

func (r *Registry) teardown(roomID string, stream Stream, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			r.log.Warn("Failed to close realtime stream", "room_id", roomID, "error", err)
		}
		r.log.Debug("Realtime stream closed", "room_id", roomID)
	}
}

func (r *Registry) pump(ctx context.Context, e *roomEntry, stream Stream) {
	for {
		if !r.consume(ctx, e, stream) {
			return
		}
		r.dispatchError(e, ErrStreamClosed)
		_ = stream.Close()
		stream = r.reopen(ctx, e)
		if stream == nil {
			return
		}
	}
}

// consume forwards events until ctx ends (false) or the stream drops (true).
func (r *Registry) consume(ctx context.Context, e *roomEntry, stream Stream) bool {
	events, errs := stream.Events(), stream.Errors()
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return ctx.Err() == nil
			}
			if ev.RoomID != e.roomID {
				continue
			}
			r.dispatch(e, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				r.dispatchError(e, err)
			}
		}
	}
}

func (r *Registry) reopen(ctx context.Context, e *roomEntry) Stream {
	for {
		next, err := backoff.Retry(ctx, func() (Stream, error) {
			s, err := r.source.Open(ctx, e.roomID)
			if err != nil {
				r.dispatchError(e, err)
			}
			return s, err
		}, backoff.WithBackOff(r.newBackOff()))
		if ctx.Err() != nil {
			if next != nil {
				_ = next.Close()
			}
			return nil
		}
		if err != nil {
			continue
		}

		r.mu.Lock()
		if e.done {
			r.mu.Unlock()
			_ = next.Close()
			return nil
		}
		e.stream = next
		r.mu.Unlock()
		r.log.Info("Realtime stream reopened", "room_id", e.roomID)
		return next
	}
}

func (r *Registry) snapshot(e *roomEntry) []*listener {
	r.mu.Lock()
	out := make([]*listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, l)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) dispatch(e *roomEntry, ev Event) {
	for _, l := range r.snapshot(e) {
		l := l
		r.safeCall(e.roomID, func() { l.onEvent(ev) })
	}
}

func (r *Registry) dispatchError(e *roomEntry, err error) {
	handled := false
	for _, l := range r.snapshot(e) {
		if l.onError == nil {
			continue
		}
		handled = true
		l := l
		r.safeCall(e.roomID, func() { l.onError(err) })
	}
	if !handled {
		r.log.Warn("Realtime stream error", "room_id", e.roomID, "error", err)
	}
}

func (r *Registry) safeCall(roomID string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Realtime listener panicked", "room_id", roomID, "panic", p)
		}
	}()
	fn()
}

// Close tears down every stream and rejects further subscriptions.
func (r *Registry) Close() {
	type handle struct {
		roomID string
		stream Stream
		cancel context.CancelFunc
	}
	r.mu.Lock()
	r.closed = true
	handles := make([]handle, 0, len(r.rooms))
	for _, e := range r.rooms {
		e.done = true
		handles = append(handles, handle{roomID: e.roomID, stream: e.stream, cancel: e.cancel})
	}
	r.rooms = make(map[string]*roomEntry)
	r.mu.Unlock()

	for _, h := range handles {
		r.teardown(h.roomID, h.stream, h.cancel)
	}
}

// RoomCount is the number of rooms with an open (or opening) stream.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// ListenerCount is the number of listeners across all rooms.
func (r *Registry) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.rooms {
		n += len(e.listeners)
	}
	return n
}
