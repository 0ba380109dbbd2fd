package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"go-signaling/internal/store"
)

const callStatePrefix = "callstate:"

// CallStore is a store.Backend on Redis. Each write replaces the whole value
// and publishes it on callstate:<key>; a delete publishes an empty payload.
// Keys also carry a Redis expiry so an abandoned record is eventually
// reclaimed server-side.
type CallStore struct {
	client *Client
	expiry time.Duration
}

func NewCallStore(client *Client, expiry time.Duration) *CallStore {
	return &CallStore{client: client, expiry: expiry}
}

func (s *CallStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.rdb.Get(ctx, callStatePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	return v, err
}

func (s *CallStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.client.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, callStatePrefix+key, value, s.expiry)
		p.Publish(ctx, callStatePrefix+key, value)
		return nil
	})
	if err != nil {
		slog.Error("[REDIS] Failed to save call state", "key", key, "error", err)
	}
	return err
}

func (s *CallStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, callStatePrefix+key)
		p.Publish(ctx, callStatePrefix+key, "")
		return nil
	})
	if err != nil {
		slog.Error("[REDIS] Failed to clear call state", "key", key, "error", err)
	}
	return err
}

func (s *CallStore) Subscribe(ctx context.Context, key string) (<-chan store.Change, error) {
	pubsub := s.client.rdb.Subscribe(ctx, callStatePrefix+key)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan store.Change, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				change := store.Change{Key: key}
				if msg.Payload != "" {
					change.Value = []byte(msg.Payload)
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the Client is owned by whoever created it.
func (s *CallStore) Close() error { return nil }
