package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"go-signaling/internal/models"
)

const (
	onlineUsersKey = "online_users"
	signalPrefix   = "signal:"
)

type Client struct {
	rdb *redis.Client
	ctx context.Context
}

func NewClient(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	ctx := context.Background()

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", opt.Addr)

	return &Client{
		rdb: rdb,
		ctx: ctx,
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Presence. A user is online while at least one of their connections is
// open on any relay instance, so the set is a per-user connection count.

// AddOnline counts a new connection and reports whether it is the user's first.
func (c *Client) AddOnline(userName string) (bool, error) {
	n, err := c.rdb.HIncrBy(c.ctx, onlineUsersKey, userName, 1).Result()
	if err != nil {
		slog.Error("[REDIS] Failed to add online user", "user", userName, "error", err)
		return false, err
	}
	return n == 1, nil
}

// RemoveOnline drops a connection and reports whether it was the user's last.
func (c *Client) RemoveOnline(userName string) (bool, error) {
	n, err := c.rdb.HIncrBy(c.ctx, onlineUsersKey, userName, -1).Result()
	if err != nil {
		slog.Error("[REDIS] Failed to remove online user", "user", userName, "error", err)
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := c.rdb.HDel(c.ctx, onlineUsersKey, userName).Err(); err != nil {
		slog.Error("[REDIS] Failed to clear online user", "user", userName, "error", err)
		return true, err
	}
	return true, nil
}

func (c *Client) OnlineUsers() ([]string, error) {
	users, err := c.rdb.HKeys(c.ctx, onlineUsersKey).Result()
	if err != nil {
		slog.Error("[REDIS] Failed to list online users", "error", err)
		return nil, err
	}
	return users, nil
}

// Publish events to Redis

type envelope struct {
	Target  models.Target   `json:"target"`
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Publish fans a frame out to every relay instance subscribed to the target.
func (c *Client) Publish(msg *models.BroadcastMessage) error {
	payload, err := json.Marshal(envelope{
		Target:  msg.Target,
		Exclude: msg.Exclude,
		Payload: msg.Payload,
	})
	if err != nil {
		slog.Error("[REDIS] Failed to marshal envelope", "target", msg.Target, "error", err)
		return err
	}

	channel := channelFor(msg.Target)
	result := c.rdb.Publish(c.ctx, channel, payload)
	if err := result.Err(); err != nil {
		slog.Error("[REDIS] Failed to publish event", "channel", channel, "error", err)
		return err
	}

	return nil
}

func channelFor(t models.Target) string {
	if t.ID == "" {
		return signalPrefix + string(t.Kind)
	}
	return signalPrefix + string(t.Kind) + ":" + t.ID
}
