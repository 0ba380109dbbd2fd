package ws

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"go-signaling/internal/auth"
)

// NewRouter serves the relay: the WebSocket endpoint, a health check and a
// presence snapshot of a room.
func NewRouter(hub *Hub, validator *auth.Validator) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, validator, w, r)
	})

	r.Get("/rooms/{room}/users", func(w http.ResponseWriter, r *http.Request) {
		if _, err := validator.ValidateToken(auth.ExtractTokenFromRequest(r)); err != nil {
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}
		room := strings.TrimSpace(chi.URLParam(r, "room"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"room":  room,
			"users": hub.RoomUsers(room),
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return r
}
