package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-signaling/internal/models"
)

// Relay-side connection limits. Pings go out before the peer's pong deadline
// lapses.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	room     string
	userName string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// trySend queues a frame without blocking. It reports false when the
// queue is full; a closed client swallows the frame.
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) sendEvent(ev models.Event) {
	payload, err := models.Encode(ev)
	if err != nil {
		slog.Error("[CLIENT] Failed to encode event", "type", ev.Type, "error", err)
		return
	}
	if !c.trySend(payload) {
		slog.Warn("[CLIENT] Send buffer full, dropping reply", "user", c.userName, "type", ev.Type)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump routes inbound frames until the connection fails, then
// unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("[CLIENT] Unexpected close", "user", c.userName, "room", c.room, "error", err)
			}
			return
		}
		c.handleClientMessage(frame)
	}
}

// WritePump drains the send queue onto the socket and keeps the connection
// alive with pings. A closed queue sends a close frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := write(websocket.TextMessage, frame); err != nil {
				slog.Debug("[CLIENT] Write failed", "user", c.userName, "room", c.room, "error", err)
				return
			}

		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				slog.Debug("[CLIENT] Ping failed", "user", c.userName, "room", c.room, "error", err)
				return
			}
		}
	}
}

// handleClientMessage stamps the sender onto a client frame and routes it:
// chat to the sender's and recipient's connections, typing to the room,
// receipts back to the original sender, anything addressed with "to" to
// that user, everything else to the room.
func (c *Client) handleClientMessage(message []byte) {
	ev, err := models.Decode(message)
	if err != nil {
		slog.Warn("[CLIENT] Dropping unreadable message", "user", c.userName, "room", c.room, "error", err)
		return
	}
	ev.From = c.userName

	switch ev.Kind() {
	case models.KindJoin:
		// Registration already announced this connection to the room.
		return

	case models.KindGetOnlineUsers:
		users, err := c.hub.broker.OnlineUsers()
		if err != nil {
			return
		}
		c.sendEvent(models.Event{Type: string(models.KindOnlineUsersList), Users: users})

	case models.KindChat:
		if ev.Recipient == "" {
			// Chat is 1:1; group rooms carry calls only.
			slog.Warn("[CLIENT] Dropping chat without recipient", "user", c.userName, "room", c.room)
			return
		}
		ev.MessageID = uuid.NewString()
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		ev.Read = models.Bool(false)
		c.hub.receipts.Add(ev.MessageID, c.userName)

		c.hub.publish(models.UserTarget(c.userName), "", ev)
		if ev.Recipient != c.userName {
			c.hub.publish(models.UserTarget(ev.Recipient), "", ev)
		}

	case models.KindTyping:
		c.hub.publish(models.RoomTarget(c.room), c.userName, models.Event{
			Type:     string(models.KindTypingIndicator),
			Room:     ev.Room,
			Username: c.userName,
			IsTyping: ev.IsTyping,
		})

	case models.KindReadReceipt:
		if ev.MessageID == "" {
			return
		}
		update := models.Event{
			Type:      string(models.KindReadReceiptUpdate),
			MessageID: ev.MessageID,
			Room:      ev.Room,
		}
		if sender, ok := c.hub.receipts.Get(ev.MessageID); ok {
			c.hub.publish(models.UserTarget(sender), "", update)
			return
		}
		// Sent through another instance or evicted; the room still reaches
		// the sender if they are looking at it.
		c.hub.publish(models.RoomTarget(c.room), c.userName, update)

	default:
		if ev.To != "" {
			c.hub.publish(models.UserTarget(ev.To), "", ev)
			return
		}
		c.hub.publish(models.RoomTarget(c.room), "", ev)
	}
}
