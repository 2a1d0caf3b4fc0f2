package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to read the next frame; the server pings well inside it.
	wsReadWait = 90 * time.Second
)

// WSSource opens room streams by dialing the server's websocket endpoint.
// It is what a remote client (dashboard tool, SDK) puts under a Registry.
type WSSource struct {
	// URLFor builds the ws:// or wss:// address for a room, query string included.
	URLFor func(roomID string) string
	Header http.Header
	Dialer *websocket.Dialer
}

func (s *WSSource) Open(ctx context.Context, roomID string) (Stream, error) {
	if s.URLFor == nil {
		return nil, errors.New("realtime: websocket url builder is required")
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, s.URLFor(roomID), s.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	st := &wsStream{
		conn:   conn,
		events: make(chan Event, streamBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go st.readPump()
	return st, nil
}

type wsStream struct {
	conn   *websocket.Conn
	events chan Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (s *wsStream) readPump() {
	defer close(s.events)

	s.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	s.conn.SetPingHandler(func(appData string) error {
		s.conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.report(err)
				}
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(wsReadWait))
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *wsStream) Events() <-chan Event { return s.events }
func (s *wsStream) Errors() <-chan error { return s.errs }

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
