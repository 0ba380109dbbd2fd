package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"go-signaling/internal/models"
)

// Broker is the cross-instance side of the relay: the shared presence set
// and the fan-out bus every instance subscribes to.
type Broker interface {
	AddOnline(userName string) (bool, error)
	RemoveOnline(userName string) (bool, error)
	OnlineUsers() ([]string, error)
	Publish(msg *models.BroadcastMessage) error
}

// Hub maintains active WebSocket connections and delivers fan-out frames
type Hub struct {
	// Connections indexed by room, by user, and all of them
	rooms   map[string]map[*Client]bool
	users   map[string]map[*Client]bool
	clients map[*Client]bool

	// Lock for thread-safe access
	mu sync.RWMutex

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Frames from the broker to deliver to local connections
	broadcast chan *models.BroadcastMessage

	done chan struct{}

	broker Broker

	// message_id -> original sender, for routing read receipts back
	receipts *lru.Cache[string, string]
}

func NewHub(broker Broker, receiptIndexSize int) (*Hub, error) {
	receipts, err := lru.New[string, string](receiptIndexSize)
	if err != nil {
		return nil, fmt.Errorf("create receipt index: %w", err)
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		users:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *models.BroadcastMessage, 256),
		done:       make(chan struct{}),
		broker:     broker,
		receipts:   receipts,
	}, nil
}

func (h *Hub) Run(ctx context.Context) {
	slog.Info("[HUB] Starting hub event loop")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			slog.Info("[HUB] Hub event loop stopped")
			h.closeAll()
			return

		case client := <-h.register:
			slog.Debug("[HUB] Received register request", "user", client.userName, "room", client.room)
			h.registerClient(client)

		case client := <-h.unregister:
			slog.Debug("[HUB] Received unregister request", "user", client.userName, "room", client.room)
			h.unregisterClient(client)

		case message := <-h.broadcast:
			slog.Debug("[HUB] Received broadcast message", "target", message.Target, "size", len(message.Payload))
			h.deliverLocal(message)
		}
	}
}

// Deliver hands a frame from the broker to the hub loop.
func (h *Hub) Deliver(msg *models.BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if h.rooms[client.room] == nil {
		slog.Debug("[HUB] Creating new room", "room", client.room)
		h.rooms[client.room] = make(map[*Client]bool)
	}
	h.rooms[client.room][client] = true
	if h.users[client.userName] == nil {
		h.users[client.userName] = make(map[*Client]bool)
	}
	h.users[client.userName][client] = true
	h.clients[client] = true
	roomCount := len(h.rooms[client.room])
	h.mu.Unlock()

	slog.Info("[HUB] Client registered", "user", client.userName, "room", client.room, "roomClients", roomCount)

	first, err := h.broker.AddOnline(client.userName)
	if err != nil {
		slog.Error("[HUB] Error updating presence", "user", client.userName, "error", err)
	}
	if first {
		h.publish(models.PresenceTarget(), "", models.Event{
			Type:     string(models.KindUserStatus),
			Username: client.userName,
			IsOnline: models.Bool(true),
		})
	}

	if users, err := h.broker.OnlineUsers(); err == nil {
		client.sendEvent(models.Event{Type: string(models.KindOnlineUsersList), Users: users})
	}

	h.publish(models.RoomTarget(client.room), client.userName, models.Event{
		Type: string(models.KindJoin),
		From: client.userName,
		Room: client.room,
	})
}

func (h *Hub) unregisterClient(client *Client) {
	if !h.remove(client) {
		return
	}

	slog.Info("[HUB] Client unregistered", "user", client.userName, "room", client.room)

	last, err := h.broker.RemoveOnline(client.userName)
	if err != nil {
		slog.Error("[HUB] Error updating presence", "user", client.userName, "error", err)
	}
	if last {
		h.publish(models.PresenceTarget(), "", models.Event{
			Type:     string(models.KindUserStatus),
			Username: client.userName,
			IsOnline: models.Bool(false),
		})
	}

	h.publish(models.RoomTarget(client.room), client.userName, models.Event{
		Type: string(models.KindLeave),
		From: client.userName,
		Room: client.room,
	})
}

// remove drops client from every index and closes its send queue. It
// reports false if the client was already gone.
func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return false
	}
	delete(h.clients, client)
	removeFrom(h.rooms, client.room, client)
	removeFrom(h.users, client.userName, client)
	client.close()
	return true
}

func removeFrom(index map[string]map[*Client]bool, key string, client *Client) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, client)
	// Clean up empty sets
	if len(set) == 0 {
		delete(index, key)
	}
}

func (h *Hub) deliverLocal(message *models.BroadcastMessage) {
	h.mu.RLock()
	var targets map[*Client]bool
	switch message.Target.Kind {
	case models.TargetRoom:
		targets = h.rooms[message.Target.ID]
	case models.TargetUser:
		targets = h.users[message.Target.ID]
	case models.TargetPresence:
		targets = h.clients
	}

	sentCount := 0
	var slow []*Client
	for client := range targets {
		if message.Exclude != "" && client.userName == message.Exclude {
			continue
		}
		if client.trySend(message.Payload) {
			sentCount++
		} else {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Client buffer full, disconnect
	for _, client := range slow {
		slog.Warn("[HUB] Client buffer full, disconnecting", "user", client.userName, "room", client.room)
		h.unregisterClient(client)
	}

	slog.Debug("[HUB] Delivery complete", "target", message.Target, "sent", sentCount, "failed", len(slow))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
	}
}

func (h *Hub) publish(target models.Target, exclude string, ev models.Event) {
	payload, err := models.Encode(ev)
	if err != nil {
		slog.Error("[HUB] Failed to encode event", "type", ev.Type, "error", err)
		return
	}
	if err := h.broker.Publish(&models.BroadcastMessage{Target: target, Exclude: exclude, Payload: payload}); err != nil {
		slog.Error("[HUB] Error publishing event", "type", ev.Type, "target", target, "error", err)
	}
}

// RoomUsers returns the users connected to a room on this instance
func (h *Hub) RoomUsers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	users := []string{}
	for client := range h.rooms[room] {
		if !seen[client.userName] {
			seen[client.userName] = true
			users = append(users, client.userName)
		}
	}
	return users
}
