package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"go-signaling/internal/models"
	"go-signaling/internal/store"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

type deliveries chan *models.BroadcastMessage

func (d deliveries) Deliver(msg *models.BroadcastMessage) { d <- msg }

func TestPresenceCountsConnections(t *testing.T) {
	client, _ := newTestClient(t)

	first, err := client.AddOnline("alice")
	require.NoError(t, err)
	require.True(t, first)

	first, err = client.AddOnline("alice")
	require.NoError(t, err)
	require.False(t, first)

	_, err = client.AddOnline("bob")
	require.NoError(t, err)

	users, err := client.OnlineUsers()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, users)

	last, err := client.RemoveOnline("alice")
	require.NoError(t, err)
	require.False(t, last)

	last, err = client.RemoveOnline("alice")
	require.NoError(t, err)
	require.True(t, last)

	users, err = client.OnlineUsers()
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, users)
}

func TestPublishReachesSubscriber(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(deliveries, 4)
	ready := make(chan struct{})
	go SubscribeToEvents(ctx, client, got, ready)

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	require.NoError(t, client.Publish(&models.BroadcastMessage{
		Target:  models.UserTarget("bob"),
		Exclude: "alice",
		Payload: []byte(`{"type":"chat","message":"hi"}`),
	}))

	select {
	case msg := <-got:
		require.Equal(t, models.UserTarget("bob"), msg.Target)
		require.Equal(t, "alice", msg.Exclude)
		require.JSONEq(t, `{"type":"chat","message":"hi"}`, string(msg.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestChannelFor(t *testing.T) {
	require.Equal(t, "signal:room:A_B", channelFor(models.RoomTarget("A_B")))
	require.Equal(t, "signal:user:bob", channelFor(models.UserTarget("bob")))
	require.Equal(t, "signal:presence", channelFor(models.PresenceTarget()))
}

func TestCallStoreNotifiesSubscribers(t *testing.T) {
	client, mr := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewCallStore(client, 5*time.Minute)

	_, err := backend.Get(ctx, "activeCall")
	require.ErrorIs(t, err, store.ErrNotFound)

	changes, err := backend.Subscribe(ctx, "activeCall")
	require.NoError(t, err)

	require.NoError(t, backend.Set(ctx, "activeCall", []byte(`{"type":"active"}`)))
	select {
	case ch := <-changes:
		require.Equal(t, "activeCall", ch.Key)
		require.Equal(t, `{"type":"active"}`, string(ch.Value))
	case <-time.After(3 * time.Second):
		t.Fatal("no change after set")
	}

	v, err := backend.Get(ctx, "activeCall")
	require.NoError(t, err)
	require.Equal(t, `{"type":"active"}`, string(v))
	require.Equal(t, 5*time.Minute, mr.TTL(callStatePrefix+"activeCall"))

	require.NoError(t, backend.Delete(ctx, "activeCall"))
	select {
	case ch := <-changes:
		require.Nil(t, ch.Value)
	case <-time.After(3 * time.Second):
		t.Fatal("no change after delete")
	}

	_, err = backend.Get(ctx, "activeCall")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCallStoreBacksRecordStore(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	s := store.New(NewCallStore(client, time.Minute), "activeCall")
	_, err := s.Save(ctx, store.Record{Type: store.RecordIncoming, From: "alice", Room: "alice_bob"})
	require.NoError(t, err)

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "alice", rec.Counterpart())
}
