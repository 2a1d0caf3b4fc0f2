package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames; anything larger is a protocol error
	maxMessageSize = 4 * 1024

	sendBuffer = 256
)

// Client is one websocket connection following one room.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *logger.Logger

	// Buffered channel of outbound frames
	send chan []byte

	RoomID    string
	Role      models.SenderType
	SubjectID string

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeText   string
	unsubscribe func()
}

func newClient(hub *Hub, roomID string, role models.SenderType, subjectID string) *Client {
	return &Client{
		hub:       hub,
		log:       hub.log.With("room_id", roomID, "role", string(role)),
		send:      make(chan []byte, sendBuffer),
		RoomID:    roomID,
		Role:      role,
		SubjectID: subjectID,
		closeCode: websocket.CloseGoingAway,
	}
}

// deliver is the Registry listener. A client that cannot keep up is dropped;
// it reconnects and refetches.
func (c *Client) deliver(ev realtime.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("Failed to encode event", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.log.Warn("Client too slow, dropping", "subject", c.SubjectID)
		c.closeLocked(websocket.CloseTryAgainLater, "client too slow")
	}
}

// streamError forwards upstream stream failures by closing the connection so
// the peer resubscribes and catches up from the ledger.
func (c *Client) streamError(err error) {
	c.log.Warn("Realtime stream error", "error", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(websocket.CloseTryAgainLater, "stream interrupted")
}

func (c *Client) closeLocked(code int, text string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

// detach drops the Registry listener and ends the write pump.
func (c *Client) detach() {
	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.closeLocked(websocket.CloseGoingAway, "")
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// readPump only services control frames; the connection is receive-only for
// chat data, which goes through the HTTP API.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("Read error", "subject", c.SubjectID, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.Lock()
				code, text := c.closeCode, c.closeText
				c.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			// One event per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
