package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go-signaling/internal/auth"
)

const (
	clientSendBuffer = 256
	maxRoomLength    = 128
)

var errBadRoom = errors.New("room required")

func roomFromRequest(r *http.Request) (string, error) {
	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" || len(room) > maxRoomLength {
		return "", errBadRoom
	}
	return room, nil
}

// ServeWS authenticates the request and hands the upgraded connection to the
// hub. One connection joins exactly one room.
func ServeWS(hub *Hub, validator *auth.Validator, w http.ResponseWriter, r *http.Request) {
	from := r.RemoteAddr

	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		slog.Warn("[WS] Rejecting connection without token", "from", from)
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		slog.Warn("[WS] Token validation failed", "from", from, "error", err)
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}
	user := claims.Username()

	room, err := roomFromRequest(r)
	if err != nil {
		slog.Warn("[WS] Rejecting connection", "user", user, "from", from, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Upgrade failed", "user", user, "room", room, "error", err)
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, clientSendBuffer),
		room:     room,
		userName: user,
	}
	if !hub.Register(client) {
		slog.Warn("[WS] Hub stopped, closing connection", "user", user, "room", room)
		conn.Close()
		return
	}

	slog.Info("[WS] Client connected", "user", user, "room", room)
	go client.WritePump()
	go client.ReadPump()
}
