package redis

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"

	"go-signaling/internal/models"
)

// Broadcaster receives fan-out frames published by any relay instance.
type Broadcaster interface {
	Deliver(msg *models.BroadcastMessage)
}

// SubscribeToEvents forwards every published frame to the hub until ctx is
// cancelled. ready, if non-nil, is closed once the subscription is confirmed.
func SubscribeToEvents(ctx context.Context, client *Client, hub Broadcaster, ready chan<- struct{}) {
	slog.Info("[REDIS] Starting Redis pub/sub subscription...")

	// Subscribe to all signal fan-out channels using pattern
	pubsub := client.rdb.PSubscribe(ctx, signalPrefix+"*")
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("[REDIS] Failed to receive subscription confirmation", "error", err)
		return
	}

	slog.Info("[REDIS] Subscription confirmed, listening for messages...", "pattern", signalPrefix+"*")
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[REDIS] Subscription cancelled")
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Info("[REDIS] Redis pub/sub channel closed")
				return
			}

			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Error("[REDIS] Error unmarshaling envelope", "channel", msg.Channel, "error", err, "payload", msg.Payload)
				continue
			}

			hub.Deliver(&models.BroadcastMessage{
				Target:  env.Target,
				Exclude: env.Exclude,
				Payload: []byte(env.Payload),
			})
		}
	}
}
