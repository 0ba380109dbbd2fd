package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-signaling/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func recv(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("no notification")
		return Notification{}
	}
}

func TestSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := New(NewMemory(), "activeCall", WithClock(clock.Now))

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, rec)

	saved, err := s.Save(ctx, Record{
		Type:  RecordIncoming,
		From:  "A",
		Room:  "A_B",
		Offer: &models.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	require.NoError(t, err)
	require.Equal(t, clock.Now().UnixMilli(), saved.Timestamp)

	rec, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, RecordIncoming, rec.Type)
	require.Equal(t, "A", rec.Counterpart())
	require.Equal(t, "v=0", rec.Offer.SDP)

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))
	rec, err = s.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestExpiredRecordIsAbsent(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	backend := NewMemory()
	writer := New(backend, "activeCall", WithClock(clock.Now))
	reader := New(backend, "activeCall", WithClock(clock.Now))

	_, err := writer.Save(ctx, Record{Type: RecordActive, Peer: "B", Room: "A_B"})
	require.NoError(t, err)

	clock.Advance(DefaultTTL)
	rec, err := reader.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec, "exactly at the TTL the record is still live")

	clock.Advance(time.Millisecond)
	rec, err = reader.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, rec)

	// Load does not delete; Sweep does.
	_, err = backend.Get(ctx, "activeCall")
	require.NoError(t, err)

	swept, err := reader.Sweep(ctx)
	require.NoError(t, err)
	require.True(t, swept)
	_, err = backend.Get(ctx, "activeCall")
	require.ErrorIs(t, err, ErrNotFound)

	swept, err = reader.Sweep(ctx)
	require.NoError(t, err)
	require.False(t, swept)
}

func TestUnreadableRecordIsCleared(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	require.NoError(t, backend.Set(ctx, "activeCall", []byte("{not json")))

	rec, err := New(backend, "activeCall").Load(ctx)
	require.NoError(t, err)
	require.Nil(t, rec)

	_, err = backend.Get(ctx, "activeCall")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWatchAcrossStoresSharingBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := NewMemory()
	writer := New(backend, "activeCall")
	reader := New(backend, "activeCall")

	ch, err := reader.Watch(ctx)
	require.NoError(t, err)

	_, err = writer.Save(ctx, Record{Type: RecordIncoming, From: "A", Room: "A_B", Surface: "s1"})
	require.NoError(t, err)
	n := recv(t, ch)
	require.NotNil(t, n.Record)
	require.Equal(t, "s1", n.Record.Surface)

	require.NoError(t, writer.Clear(ctx))
	n = recv(t, ch)
	require.Nil(t, n.Record)
}

func TestWatchDropsExpiredChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newClock()
	backend := NewMemory()
	stale := New(backend, "activeCall", WithClock(func() time.Time { return clock.Now().Add(-time.Hour) }))
	reader := New(backend, "activeCall", WithClock(clock.Now))

	ch, err := reader.Watch(ctx)
	require.NoError(t, err)

	_, err = stale.Save(ctx, Record{Type: RecordActive, Peer: "B", Room: "A_B"})
	require.NoError(t, err)
	require.Nil(t, recv(t, ch).Record)
}

func TestSQLiteNotifiesOtherHandle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	first, err := OpenSQLite(dir, 100*time.Millisecond)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenSQLite(dir, 100*time.Millisecond)
	require.NoError(t, err)
	defer second.Close()

	writer := New(first, "activeCall")
	reader := New(second, "activeCall")

	ch, err := reader.Watch(ctx)
	require.NoError(t, err)

	_, err = writer.Save(ctx, Record{Type: RecordActive, Peer: "B", Room: "A_B", Surface: "s1"})
	require.NoError(t, err)

	n := recv(t, ch)
	require.NotNil(t, n.Record)
	require.Equal(t, "B", n.Record.Peer)

	rec, err := reader.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "s1", rec.Surface)

	require.NoError(t, writer.Clear(ctx))
	require.Nil(t, recv(t, ch).Record)
}

func TestSQLiteCloseEndsWatch(t *testing.T) {
	backend, err := OpenSQLite(t.TempDir(), 50*time.Millisecond)
	require.NoError(t, err)

	ch, err := backend.Subscribe(context.Background(), "activeCall")
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	_, ok := <-ch
	require.False(t, ok)
}
